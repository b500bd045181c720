// Package verify предоставляет клиент внешней системы проверки медицинских карт.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/allotment-tracker/internal/config"
	"github.com/mmeshcher/allotment-tracker/internal/metrics"
	"github.com/mmeshcher/allotment-tracker/internal/model"
	"github.com/mmeshcher/allotment-tracker/internal/validation"
)

const defaultTimeout = 10 * time.Second

// testCards принимаются без обращения к внешней системе только в режиме разработки.
var testCards = []string{"4YBPK2GJ2", "TEST123456", "DEMO789012"}

// ErrUnavailable означает, что внешняя система не дала пригодного ответа.
// Наружу из Verify не возвращается: вызывающий получает false.
var ErrUnavailable = errors.New("verification authority unavailable")

// Client инкапсулирует HTTP-взаимодействие с системой проверки карт.
// Повторные запросы не выполняются: при любой ошибке проверка считается неуспешной.
type Client struct {
	baseURL     string
	apiKey      string
	environment config.Environment
	httpClient  *http.Client
	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// Option настраивает Client.
type Option func(*Client)

// WithTimeout задаёт таймаут обращения к внешней системе.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithMetrics подключает метрики проверок.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient создаёт клиент системы проверки карт по указанному адресу.
func NewClient(baseURL, apiKey string, env config.Environment, logger *zap.Logger, opts ...Option) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		baseURL:     base,
		apiKey:      apiKey,
		environment: env,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		logger: logger,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Client) isTestCard(number string) bool {
	return c.environment == config.Development && slices.Contains(testCards, number)
}

// IsValidFormat проверяет только синтаксис номера карты.
func (c *Client) IsValidFormat(number string) bool {
	return validation.IsValidCardNumber(number)
}

type verifyRequest struct {
	CardNumber string `json:"cardNumber"`
}

type verifyResponse struct {
	IsValid *bool `json:"isValid"`
}

// Verify сообщает, действительна ли карта. Любая ошибка внешней системы
// трактуется как отказ.
func (c *Client) Verify(ctx context.Context, cardNumber string) bool {
	number := validation.NormalizeCardNumber(cardNumber)

	if c.isTestCard(number) {
		c.metrics.IncVerification(metrics.OutcomeBypass)
		return true
	}

	valid, err := c.verifyRemote(ctx, number)
	if err != nil {
		c.logger.Error("medical card verification error", zap.Error(err))
		c.metrics.IncVerification(metrics.OutcomeError)
		return false
	}

	if valid {
		c.metrics.IncVerification(metrics.OutcomeValid)
	} else {
		c.metrics.IncVerification(metrics.OutcomeInvalid)
	}
	return valid
}

func (c *Client) verifyRemote(ctx context.Context, number string) (bool, error) {
	if c.baseURL == "" {
		return false, fmt.Errorf("%w: client not configured", ErrUnavailable)
	}

	body, err := json.Marshal(verifyRequest{CardNumber: number})
	if err != nil {
		return false, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	var result verifyResponse
	if err := c.do(req, &result); err != nil {
		return false, err
	}
	if result.IsValid == nil {
		return false, fmt.Errorf("%w: response has no isValid field", ErrUnavailable)
	}

	return *result.IsValid, nil
}

type cardResponse struct {
	IsValid        *bool  `json:"isValid"`
	CardNumber     string `json:"cardNumber"`
	ExpirationDate string `json:"expirationDate"`
	PatientName    string `json:"patientName"`
}

// GetDetails запрашивает сведения о карте. Ошибки не возвращаются:
// результат содержит IsValid=false и текст ошибки.
func (c *Client) GetDetails(ctx context.Context, cardNumber string) model.VerificationResult {
	number := validation.NormalizeCardNumber(cardNumber)

	if c.isTestCard(number) {
		exp := c.now().AddDate(1, 0, 0)
		return model.VerificationResult{
			IsValid:        true,
			CardIdentifier: number,
			ExpirationDate: &exp,
			SubjectName:    "Test Patient",
		}
	}

	res, err := c.detailsRemote(ctx, number)
	if err != nil {
		c.logger.Error("medical card details error", zap.Error(err))
		return model.VerificationResult{
			IsValid: false,
			Error:   err.Error(),
		}
	}
	return res
}

func (c *Client) detailsRemote(ctx context.Context, number string) (model.VerificationResult, error) {
	if c.baseURL == "" {
		return model.VerificationResult{}, fmt.Errorf("%w: client not configured", ErrUnavailable)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/card/"+url.PathEscape(number), nil)
	if err != nil {
		return model.VerificationResult{}, fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)

	var resp cardResponse
	if err := c.do(req, &resp); err != nil {
		return model.VerificationResult{}, err
	}
	if resp.IsValid == nil {
		return model.VerificationResult{}, fmt.Errorf("%w: response has no isValid field", ErrUnavailable)
	}

	return model.VerificationResult{
		IsValid:        *resp.IsValid,
		CardIdentifier: resp.CardNumber,
		ExpirationDate: parseDate(resp.ExpirationDate),
		SubjectName:    resp.PatientName,
	}, nil
}

// IsExpired сообщает, истёк ли срок действия карты. Если срок определить
// не удалось, карта считается просроченной.
func (c *Client) IsExpired(ctx context.Context, cardNumber string) bool {
	details := c.GetDetails(ctx, cardNumber)
	if !details.IsValid || details.ExpirationDate == nil {
		return true
	}
	return details.ExpirationDate.Before(c.now())
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) do(req *http.Request, out any) error {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.ObserveVerificationLatency(time.Since(start))
	if err != nil {
		return fmt.Errorf("%w: do request: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: unexpected status: %d", ErrUnavailable, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %w", ErrUnavailable, err)
	}

	return nil
}

func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
