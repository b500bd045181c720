// Package handler содержит HTTP-обработчики API сервиса учёта лимитов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mmeshcher/allotment-tracker/internal/middleware"
	"github.com/mmeshcher/allotment-tracker/internal/model"
	"github.com/mmeshcher/allotment-tracker/internal/repository"
	"github.com/mmeshcher/allotment-tracker/internal/service"
)

const (
	defaultPurchasesLimit = 50
	maxPurchasesLimit     = 200
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	AuthenticateCard(ctx context.Context, cardNumber string) (int64, error)
	GetCurrentPeriod(ctx context.Context, patientID int64) (model.AllotmentPeriod, error)
	GetSummary(ctx context.Context, patientID int64) (*model.AllotmentSummary, error)
	ListPeriods(ctx context.Context, patientID int64) ([]model.AllotmentPeriod, error)
	RecordPurchase(ctx context.Context, patientID int64, in service.PurchaseInput) (model.Purchase, model.AllotmentPeriod, error)
	ListPurchases(ctx context.Context, patientID int64, limit int) ([]model.Purchase, error)
	GetProfile(ctx context.Context, patientID int64) (*model.Profile, error)
}

// Handler реализует HTTP-обработчики API сервиса учёта лимитов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	gatherer       prometheus.Gatherer
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// gatherer отдаётся на /metrics; nil означает prometheus.DefaultGatherer.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, gatherer prometheus.Gatherer) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		gatherer:       gatherer,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeStatus(w http.ResponseWriter, status int) {
	http.Error(w, http.StatusText(status), status)
}

type verifyRequest struct {
	CardNumber string `json:"cardNumber"`
}

type verifyResponse struct {
	PatientID int64 `json:"patientId"`
}

// VerifyCard проверяет медицинскую карту и открывает сессию пациента.
func (h *Handler) VerifyCard(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, http.StatusBadRequest)
		return
	}

	if strings.TrimSpace(req.CardNumber) == "" {
		writeStatus(w, http.StatusBadRequest)
		return
	}

	patientID, err := h.service.AuthenticateCard(r.Context(), req.CardNumber)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCard) {
			writeStatus(w, http.StatusUnauthorized)
			return
		}
		h.logger.Error("authenticate card error", zap.Error(err))
		writeStatus(w, http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetSessionCookie(w, patientID)
	writeJSON(w, http.StatusOK, verifyResponse{PatientID: patientID})
}

// GetAllotment возвращает текущий период лимита пациента.
func (h *Handler) GetAllotment(w http.ResponseWriter, r *http.Request) {
	patientID, ok := middleware.PatientIDFromContext(r.Context())
	if !ok {
		writeStatus(w, http.StatusUnauthorized)
		return
	}

	period, err := h.service.GetCurrentPeriod(r.Context(), patientID)
	if err != nil {
		h.logger.Error("get current period error", zap.Error(err), zap.Int64("patientID", patientID))
		writeStatus(w, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, period)
}

// GetSummary возвращает сводку по текущему периоду.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	patientID, ok := middleware.PatientIDFromContext(r.Context())
	if !ok {
		writeStatus(w, http.StatusUnauthorized)
		return
	}

	summary, err := h.service.GetSummary(r.Context(), patientID)
	if err != nil {
		h.logger.Error("get summary error", zap.Error(err), zap.Int64("patientID", patientID))
		writeStatus(w, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// GetHistory возвращает все периоды пациента, начиная с последнего.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	patientID, ok := middleware.PatientIDFromContext(r.Context())
	if !ok {
		writeStatus(w, http.StatusUnauthorized)
		return
	}

	periods, err := h.service.ListPeriods(r.Context(), patientID)
	if err != nil {
		h.logger.Error("list periods error", zap.Error(err), zap.Int64("patientID", patientID))
		writeStatus(w, http.StatusInternalServerError)
		return
	}

	if len(periods) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, periods)
}

type purchaseRequest struct {
	Quantity           float64 `json:"quantity"`
	Unit               string  `json:"unit"`
	Amount             float64 `json:"amount"`
	Dispensary         string  `json:"dispensary"`
	AllowOverAllotment bool    `json:"allowOverAllotment"`
}

type purchaseResponse struct {
	Purchase model.Purchase        `json:"purchase"`
	Period   model.AllotmentPeriod `json:"period"`
}

// RecordPurchase учитывает покупку в текущем периоде пациента.
func (h *Handler) RecordPurchase(w http.ResponseWriter, r *http.Request) {
	patientID, ok := middleware.PatientIDFromContext(r.Context())
	if !ok {
		writeStatus(w, http.StatusUnauthorized)
		return
	}

	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, http.StatusBadRequest)
		return
	}

	purchase, period, err := h.service.RecordPurchase(r.Context(), patientID, service.PurchaseInput{
		Quantity:           req.Quantity,
		Unit:               service.Unit(strings.ToLower(strings.TrimSpace(req.Unit))),
		Amount:             req.Amount,
		Dispensary:         strings.TrimSpace(req.Dispensary),
		AllowOverAllotment: req.AllowOverAllotment,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidQuantity),
			errors.Is(err, service.ErrUnknownUnit),
			errors.Is(err, service.ErrInvalidAmount):
			writeStatus(w, http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrOverAllotment), errors.Is(err, repository.ErrPeriodExpired):
			writeStatus(w, http.StatusConflict)
		default:
			h.logger.Error("record purchase error", zap.Error(err), zap.Int64("patientID", patientID))
			writeStatus(w, http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, purchaseResponse{Purchase: purchase, Period: period})
}

// GetPurchases возвращает последние покупки пациента. Размер выборки задаётся параметром limit.
func (h *Handler) GetPurchases(w http.ResponseWriter, r *http.Request) {
	patientID, ok := middleware.PatientIDFromContext(r.Context())
	if !ok {
		writeStatus(w, http.StatusUnauthorized)
		return
	}

	limit := defaultPurchasesLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeStatus(w, http.StatusBadRequest)
			return
		}
		limit = min(n, maxPurchasesLimit)
	}

	purchases, err := h.service.ListPurchases(r.Context(), patientID, limit)
	if err != nil {
		h.logger.Error("list purchases error", zap.Error(err), zap.Int64("patientID", patientID))
		writeStatus(w, http.StatusInternalServerError)
		return
	}

	if len(purchases) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, purchases)
}

// GetProfile возвращает профиль пациента с замаскированным номером карты.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	patientID, ok := middleware.PatientIDFromContext(r.Context())
	if !ok {
		writeStatus(w, http.StatusUnauthorized)
		return
	}

	profile, err := h.service.GetProfile(r.Context(), patientID)
	if err != nil {
		if errors.Is(err, repository.ErrPatientNotFound) {
			writeStatus(w, http.StatusUnauthorized)
			return
		}
		h.logger.Error("get profile error", zap.Error(err), zap.Int64("patientID", patientID))
		writeStatus(w, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

// Health сообщает, что процесс жив.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}
