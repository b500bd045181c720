// Package middleware содержит HTTP middleware сервиса учёта лимитов.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type contextKey string

const patientIDKey contextKey = "patientID"

const (
	sessionCookieName = "allotment_session"
	sessionCookieTTL  = 30 * 24 * time.Hour
)

// AuthMiddleware проверяет сессию пациента по подписанному cookie.
type AuthMiddleware struct {
	secretKey []byte
	secure    bool
}

// NewAuthMiddleware создаёт AuthMiddleware. При пустом секрете генерируется случайный ключ,
// и сессии не переживают перезапуск процесса.
func NewAuthMiddleware(secret string, secure bool) (*AuthMiddleware, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
	}

	return &AuthMiddleware{
		secretKey: key,
		secure:    secure,
	}, nil
}

// Middleware пропускает запрос дальше только с валидной сессией
// и кладёт идентификатор пациента в контекст.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		patientID, ok := a.parse(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPatientID(r.Context(), patientID)))
	})
}

// SetSessionCookie выдаёт подписанный cookie сессии пациента.
func (a *AuthMiddleware) SetSessionCookie(w http.ResponseWriter, patientID int64) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    a.sign(strconv.FormatInt(patientID, 10)),
		Path:     "/",
		Expires:  time.Now().Add(sessionCookieTTL),
		HttpOnly: true,
		Secure:   a.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *AuthMiddleware) signature(id string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) sign(id string) string {
	return id + "." + a.signature(id)
}

func (a *AuthMiddleware) parse(value string) (int64, bool) {
	id, sig, found := strings.Cut(value, ".")
	if !found {
		return 0, false
	}

	if !hmac.Equal([]byte(sig), []byte(a.signature(id))) {
		return 0, false
	}

	patientID, err := strconv.ParseInt(id, 10, 64)
	if err != nil || patientID <= 0 {
		return 0, false
	}

	return patientID, true
}

// WithPatientID возвращает контекст с идентификатором пациента.
func WithPatientID(ctx context.Context, patientID int64) context.Context {
	return context.WithValue(ctx, patientIDKey, patientID)
}

// PatientIDFromContext извлекает идентификатор пациента из контекста запроса.
func PatientIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(patientIDKey).(int64)
	return id, ok
}
