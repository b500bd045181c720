package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/allotment-tracker/internal/allotment"
	"github.com/mmeshcher/allotment-tracker/internal/metrics"
	"github.com/mmeshcher/allotment-tracker/internal/middleware"
	"github.com/mmeshcher/allotment-tracker/internal/model"
	"github.com/mmeshcher/allotment-tracker/internal/repository"
	"github.com/mmeshcher/allotment-tracker/internal/service"
)

type stubService struct {
	authPatientID int64
	authErr       error
	authCard      string

	periodResp model.AllotmentPeriod
	periodErr  error

	summaryResp *model.AllotmentSummary
	summaryErr  error

	periodsResp []model.AllotmentPeriod
	periodsErr  error

	purchaseResp  model.Purchase
	purchaseErr   error
	purchaseInput service.PurchaseInput

	purchasesResp []model.Purchase
	purchasesErr  error
	purchasesLim  int

	profileResp *model.Profile
	profileErr  error
}

func (s *stubService) AuthenticateCard(ctx context.Context, cardNumber string) (int64, error) {
	s.authCard = cardNumber
	return s.authPatientID, s.authErr
}

func (s *stubService) GetCurrentPeriod(ctx context.Context, patientID int64) (model.AllotmentPeriod, error) {
	return s.periodResp, s.periodErr
}

func (s *stubService) GetSummary(ctx context.Context, patientID int64) (*model.AllotmentSummary, error) {
	return s.summaryResp, s.summaryErr
}

func (s *stubService) ListPeriods(ctx context.Context, patientID int64) ([]model.AllotmentPeriod, error) {
	return s.periodsResp, s.periodsErr
}

func (s *stubService) RecordPurchase(ctx context.Context, patientID int64, in service.PurchaseInput) (model.Purchase, model.AllotmentPeriod, error) {
	s.purchaseInput = in
	return s.purchaseResp, s.periodResp, s.purchaseErr
}

func (s *stubService) ListPurchases(ctx context.Context, patientID int64, limit int) ([]model.Purchase, error) {
	s.purchasesLim = limit
	return s.purchasesResp, s.purchasesErr
}

func (s *stubService) GetProfile(ctx context.Context, patientID int64) (*model.Profile, error) {
	return s.profileResp, s.profileErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	auth, err := middleware.NewAuthMiddleware("test-secret", false)
	require.NoError(t, err)

	return NewHandler(svc, logger, auth, prometheus.NewRegistry())
}

// do выполняет запрос через полный роутер; patientID > 0 добавляет cookie сессии.
func do(t *testing.T, h *Handler, method, target, body string, patientID int64) *http.Response {
	t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)

	if patientID > 0 {
		rec := httptest.NewRecorder()
		h.authMiddleware.SetSessionCookie(rec, patientID)
		req.AddCookie(rec.Result().Cookies()[0])
	}

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec.Result()
}

func testPeriod() model.AllotmentPeriod {
	start := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	return model.AllotmentPeriod{
		ID:                3,
		PatientID:         1,
		PeriodStart:       start,
		PeriodEnd:         start.Add(allotment.PeriodLength),
		TotalAllowedUnits: 3,
		UsedUnits:         1,
		RemainingUnits:    2,
	}
}

func TestVerifyCard(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		authErr    error
		wantStatus int
		wantCookie bool
	}{
		{name: "success", body: `{"cardNumber":"4YBPK2GJ2"}`, wantStatus: http.StatusOK, wantCookie: true},
		{name: "malformed json", body: `{`, wantStatus: http.StatusBadRequest},
		{name: "empty card", body: `{"cardNumber":"  "}`, wantStatus: http.StatusBadRequest},
		{name: "rejected card", body: `{"cardNumber":"ABCD12345"}`, authErr: service.ErrInvalidCard, wantStatus: http.StatusUnauthorized},
		{name: "storage failure", body: `{"cardNumber":"ABCD12345"}`, authErr: context.DeadlineExceeded, wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{authPatientID: 42, authErr: tt.authErr}
			h := newTestHandler(t, svc)

			res := do(t, h, http.MethodPost, "/api/auth/verify", tt.body, 0)
			defer res.Body.Close()

			assert.Equal(t, tt.wantStatus, res.StatusCode)
			assert.Equal(t, tt.wantCookie, len(res.Cookies()) > 0)
		})
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	for _, target := range []string{"/api/allotment", "/api/allotment/summary", "/api/allotment/history", "/api/purchases", "/api/patient"} {
		res := do(t, h, http.MethodGet, target, "", 0)
		res.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, res.StatusCode, target)
	}
}

func TestGetAllotment_JSONResponse(t *testing.T) {
	h := newTestHandler(t, &stubService{periodResp: testPeriod()})

	res := do(t, h, http.MethodGet, "/api/allotment", "", 1)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))

	var got model.AllotmentPeriod
	require.NoError(t, json.NewDecoder(res.Body).Decode(&got))
	assert.Equal(t, testPeriod(), got)
}

func TestGetSummary_FlattensStatus(t *testing.T) {
	summary := &model.AllotmentSummary{
		Period:         testPeriod(),
		Percentage:     33,
		StatusInfo:     allotment.StatusFor(33),
		DaysUntilReset: 12,
		PurchaseCount:  2,
		TotalSpent:     90,
		AvgPurchase:    45,
	}
	h := newTestHandler(t, &stubService{summaryResp: summary})

	res := do(t, h, http.MethodGet, "/api/allotment/summary", "", 1)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var got map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&got))
	assert.Equal(t, "safe", got["status"])
	assert.Equal(t, "text-green-600", got["colorHint"])
	assert.EqualValues(t, 33, got["percentage"])
	assert.EqualValues(t, 12, got["daysUntilReset"])
	assert.EqualValues(t, 2, got["purchaseCount"])
	assert.EqualValues(t, 90, got["totalSpent"])
	assert.EqualValues(t, 45, got["avgPurchase"])
}

func TestGetHistory_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	res := do(t, h, http.MethodGet, "/api/allotment/history", "", 1)
	defer res.Body.Close()
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
}

func TestRecordPurchase(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{name: "success", body: `{"quantity":14,"unit":" G ","dispensary":"Pierre"}`, wantStatus: http.StatusOK},
		{name: "malformed json", body: `quantity=1`, wantStatus: http.StatusBadRequest},
		{name: "invalid quantity", body: `{"quantity":0}`, err: service.ErrInvalidQuantity, wantStatus: http.StatusUnprocessableEntity},
		{name: "unknown unit", body: `{"quantity":1,"unit":"lb"}`, err: fmt.Errorf("%w: lb", service.ErrUnknownUnit), wantStatus: http.StatusUnprocessableEntity},
		{name: "negative amount", body: `{"quantity":1,"amount":-5}`, err: service.ErrInvalidAmount, wantStatus: http.StatusUnprocessableEntity},
		{name: "period expired twice", body: `{"quantity":1}`, err: repository.ErrPeriodExpired, wantStatus: http.StatusConflict},
		{name: "over allotment", body: `{"quantity":5}`, err: repository.ErrOverAllotment, wantStatus: http.StatusConflict},
		{name: "storage failure", body: `{"quantity":1}`, err: context.Canceled, wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{
				purchaseResp: model.Purchase{ID: "p-1", Units: 0.49},
				periodResp:   testPeriod(),
				purchaseErr:  tt.err,
			}
			h := newTestHandler(t, svc)

			res := do(t, h, http.MethodPost, "/api/purchases", tt.body, 1)
			defer res.Body.Close()
			assert.Equal(t, tt.wantStatus, res.StatusCode)
		})
	}
}

func TestRecordPurchase_NormalizesInput(t *testing.T) {
	svc := &stubService{periodResp: testPeriod()}
	h := newTestHandler(t, svc)

	res := do(t, h, http.MethodPost, "/api/purchases", `{"quantity":14,"unit":" G ","amount":42.5,"dispensary":" Pierre ","allowOverAllotment":true}`, 1)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	assert.Equal(t, service.PurchaseInput{Quantity: 14, Unit: service.UnitGrams, Amount: 42.5, Dispensary: "Pierre", AllowOverAllotment: true}, svc.purchaseInput)

	var got purchaseResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&got))
	assert.Equal(t, testPeriod().ID, got.Period.ID)
}

func TestGetPurchases(t *testing.T) {
	t.Run("no content", func(t *testing.T) {
		svc := &stubService{}
		h := newTestHandler(t, svc)

		res := do(t, h, http.MethodGet, "/api/purchases", "", 1)
		defer res.Body.Close()
		assert.Equal(t, http.StatusNoContent, res.StatusCode)
		assert.Equal(t, defaultPurchasesLimit, svc.purchasesLim)
	})

	t.Run("limit is capped", func(t *testing.T) {
		svc := &stubService{purchasesResp: []model.Purchase{{ID: "p-1", Units: 1}}}
		h := newTestHandler(t, svc)

		res := do(t, h, http.MethodGet, "/api/purchases?limit=1000", "", 1)
		defer res.Body.Close()
		assert.Equal(t, http.StatusOK, res.StatusCode)
		assert.Equal(t, maxPurchasesLimit, svc.purchasesLim)
	})

	t.Run("bad limit", func(t *testing.T) {
		h := newTestHandler(t, &stubService{})

		res := do(t, h, http.MethodGet, "/api/purchases?limit=-1", "", 1)
		defer res.Body.Close()
		assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	})
}

func TestGetProfile(t *testing.T) {
	h := newTestHandler(t, &stubService{profileResp: &model.Profile{ID: 1, MaskedCard: "4Y*****J2"}})

	res := do(t, h, http.MethodGet, "/api/patient", "", 1)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var got model.Profile
	require.NoError(t, json.NewDecoder(res.Body).Decode(&got))
	assert.Equal(t, "4Y*****J2", got.MaskedCard)

	h = newTestHandler(t, &stubService{profileErr: repository.ErrPatientNotFound})
	res = do(t, h, http.MethodGet, "/api/patient", "", 1)
	defer res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.IncPeriodsCreated()

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	auth, err := middleware.NewAuthMiddleware("test-secret", false)
	require.NoError(t, err)
	h := NewHandler(&stubService{}, logger, auth, reg)

	res := do(t, h, http.MethodGet, "/health", "", 0)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "OK", string(body))

	res = do(t, h, http.MethodGet, "/metrics", "", 0)
	body, _ = io.ReadAll(res.Body)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, bytes.Contains(body, []byte("allotment_periods_created_total 1")), string(body))
}

// untouchedRepo проваливает тест при любом обращении к хранилищу.
type untouchedRepo struct {
	t *testing.T
}

func (r untouchedRepo) fail() { r.t.Fatalf("storage must not be reached") }

func (r untouchedRepo) Close() error { return nil }

func (r untouchedRepo) UpsertPatient(ctx context.Context, cardHash, cardToken string, verifiedAt time.Time) (int64, bool, error) {
	r.fail()
	return 0, false, nil
}

func (r untouchedRepo) GetPatient(ctx context.Context, id int64) (*model.Patient, error) {
	r.fail()
	return nil, nil
}

func (r untouchedRepo) FindCurrentPeriod(ctx context.Context, patientID int64, now time.Time) (model.AllotmentPeriod, error) {
	r.fail()
	return model.AllotmentPeriod{}, nil
}

func (r untouchedRepo) InsertPeriodIfNoneCurrent(ctx context.Context, period model.AllotmentPeriod) (model.AllotmentPeriod, bool, error) {
	r.fail()
	return model.AllotmentPeriod{}, false, nil
}

func (r untouchedRepo) UpdatePeriodUsage(ctx context.Context, periodID int64, delta float64, allowOver bool, at time.Time) (model.AllotmentPeriod, error) {
	r.fail()
	return model.AllotmentPeriod{}, nil
}

func (r untouchedRepo) RecordPurchase(ctx context.Context, purchase model.Purchase, allowOver bool) (model.Purchase, model.AllotmentPeriod, error) {
	r.fail()
	return model.Purchase{}, model.AllotmentPeriod{}, nil
}

func (r untouchedRepo) ListPeriods(ctx context.Context, patientID int64) ([]model.AllotmentPeriod, error) {
	r.fail()
	return nil, nil
}

func (r untouchedRepo) ListPurchases(ctx context.Context, patientID int64, limit int) ([]model.Purchase, error) {
	r.fail()
	return nil, nil
}

func TestRecordPurchase_QuantityBelowStorageResolution(t *testing.T) {
	svc := service.NewService(untouchedRepo{t: t}, nil, nil, nil, nil)
	h := newTestHandler(t, svc)

	for _, body := range []string{`{"quantity":0.0004}`, `{"quantity":0.0004,"unit":"oz"}`, `{"quantity":0.01,"unit":"g"}`} {
		res := do(t, h, http.MethodPost, "/api/purchases", body, 1)
		res.Body.Close()
		assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, body)
	}
}
