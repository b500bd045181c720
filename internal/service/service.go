// Package service реализует бизнес-логику сервиса учёта лимитов.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mmeshcher/allotment-tracker/internal/allotment"
	"github.com/mmeshcher/allotment-tracker/internal/fieldcrypt"
	"github.com/mmeshcher/allotment-tracker/internal/metrics"
	"github.com/mmeshcher/allotment-tracker/internal/model"
	"github.com/mmeshcher/allotment-tracker/internal/repository"
	"github.com/mmeshcher/allotment-tracker/internal/validation"
)

// recentPurchasesLimit ограничивает число покупок, по которым строится сводка.
const recentPurchasesLimit = 10

var (
	// ErrInvalidCard возвращается, если карта не прошла проверку формата или внешнюю проверку.
	ErrInvalidCard = errors.New("invalid medical card number")
	// ErrInvalidQuantity возвращается для нечислового количества или количества,
	// которое округляется до нуля при хранении.
	ErrInvalidQuantity = errors.New("quantity must be positive")
	// ErrInvalidAmount возвращается для отрицательной или нечисловой суммы покупки.
	ErrInvalidAmount = errors.New("amount must not be negative")
	// ErrUnknownUnit возвращается для неизвестной единицы измерения.
	ErrUnknownUnit = errors.New("unknown unit")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	UpsertPatient(ctx context.Context, cardHash, cardToken string, verifiedAt time.Time) (int64, bool, error)
	GetPatient(ctx context.Context, id int64) (*model.Patient, error)
	FindCurrentPeriod(ctx context.Context, patientID int64, now time.Time) (model.AllotmentPeriod, error)
	InsertPeriodIfNoneCurrent(ctx context.Context, period model.AllotmentPeriod) (model.AllotmentPeriod, bool, error)
	UpdatePeriodUsage(ctx context.Context, periodID int64, delta float64, allowOver bool, at time.Time) (model.AllotmentPeriod, error)
	RecordPurchase(ctx context.Context, purchase model.Purchase, allowOver bool) (model.Purchase, model.AllotmentPeriod, error)
	ListPeriods(ctx context.Context, patientID int64) ([]model.AllotmentPeriod, error)
	ListPurchases(ctx context.Context, patientID int64, limit int) ([]model.Purchase, error)
}

// CardVerifier проверяет медицинскую карту во внешней системе.
type CardVerifier interface {
	Verify(ctx context.Context, cardNumber string) bool
}

// Service содержит бизнес-логику сервиса учёта лимитов.
type Service struct {
	repo     Repository
	verifier CardVerifier
	cipher   *fieldcrypt.Cipher
	logger   *zap.Logger
	metrics  *metrics.Metrics

	now    func() time.Time
	period singleflight.Group
}

// NewService создаёт новый сервис. Все зависимости создаются вызывающим и передаются явно.
func NewService(repo Repository, verifier CardVerifier, cipher *fieldcrypt.Cipher, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		repo:     repo,
		verifier: verifier,
		cipher:   cipher,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// AuthenticateCard проверяет медицинскую карту и возвращает идентификатор пациента.
// Новому пациенту сразу открывается период лимита.
func (s *Service) AuthenticateCard(ctx context.Context, cardNumber string) (int64, error) {
	number := validation.NormalizeCardNumber(cardNumber)
	if !validation.IsValidCardNumber(number) {
		return 0, ErrInvalidCard
	}

	if !s.verifier.Verify(ctx, number) {
		return 0, ErrInvalidCard
	}

	hash, err := s.cipher.Hash(number)
	if err != nil {
		return 0, fmt.Errorf("hash card number: %w", err)
	}

	token, err := s.cipher.Encrypt(number)
	if err != nil {
		return 0, fmt.Errorf("encrypt card number: %w", err)
	}

	patientID, created, err := s.repo.UpsertPatient(ctx, hash, token, s.now())
	if err != nil {
		return 0, err
	}

	if created {
		s.logger.Info("patient registered", zap.Int64("patientID", patientID))
		if _, err := s.GetCurrentPeriod(ctx, patientID); err != nil {
			return 0, fmt.Errorf("open initial period: %w", err)
		}
	}

	return patientID, nil
}

// GetCurrentPeriod возвращает текущий период пациента, открывая новый при первом
// обращении или после истечения предыдущего. Истёкшие периоды сохраняются.
// Одновременные вызовы для одного пациента объединяются; отмена контекста одного
// вызывающего не прерывает общий запрос для остальных.
func (s *Service) GetCurrentPeriod(ctx context.Context, patientID int64) (model.AllotmentPeriod, error) {
	shared := context.WithoutCancel(ctx)
	ch := s.period.DoChan(strconv.FormatInt(patientID, 10), func() (any, error) {
		return s.currentPeriod(shared, patientID)
	})

	select {
	case <-ctx.Done():
		return model.AllotmentPeriod{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return model.AllotmentPeriod{}, res.Err
		}
		return res.Val.(model.AllotmentPeriod), nil
	}
}

func (s *Service) currentPeriod(ctx context.Context, patientID int64) (model.AllotmentPeriod, error) {
	now := s.now()

	p, err := s.repo.FindCurrentPeriod(ctx, patientID, now)
	switch {
	case err == nil:
		if !p.Covers(now) {
			return model.AllotmentPeriod{}, fmt.Errorf("period %d does not cover %s", p.ID, now.Format(time.RFC3339))
		}
		return p, nil
	case !errors.Is(err, repository.ErrPeriodNotFound):
		return model.AllotmentPeriod{}, err
	}

	p, created, err := s.repo.InsertPeriodIfNoneCurrent(ctx, allotment.NewPeriod(patientID, now))
	if err != nil {
		return model.AllotmentPeriod{}, err
	}

	if created {
		s.metrics.IncPeriodsCreated()
		s.logger.Info("allotment period opened",
			zap.Int64("patientID", patientID),
			zap.Int64("periodID", p.ID),
			zap.Time("periodEnd", p.PeriodEnd),
		)
	}

	return p, nil
}

// RecordUsage учитывает потребление delta в периоде. Если потребление превысит лимит,
// возвращается repository.ErrOverAllotment и период не изменяется; allowOver
// разрешает запись сверх лимита для аудита. Закончившийся период не изменяется
// и даёт repository.ErrPeriodExpired.
func (s *Service) RecordUsage(ctx context.Context, period model.AllotmentPeriod, delta float64, allowOver bool) (model.AllotmentPeriod, error) {
	if !allotment.ValidQuantity(delta) {
		return model.AllotmentPeriod{}, ErrInvalidQuantity
	}

	updated, err := s.repo.UpdatePeriodUsage(ctx, period.ID, delta, allowOver, s.now())
	if err != nil {
		if errors.Is(err, repository.ErrOverAllotment) {
			s.metrics.IncOverAllotment()
		}
		return model.AllotmentPeriod{}, err
	}

	s.metrics.AddUsage(delta)
	return updated, nil
}

// Unit определяет единицу измерения количества в покупке.
type Unit string

const (
	UnitOunces Unit = "oz"
	UnitGrams  Unit = "g"
)

// PurchaseInput описывает покупку, которую нужно учесть.
type PurchaseInput struct {
	Quantity           float64
	Unit               Unit
	Amount             float64
	Dispensary         string
	AllowOverAllotment bool
}

func (in PurchaseInput) ounces() (float64, error) {
	var ounces float64
	switch in.Unit {
	case "", UnitOunces:
		ounces = in.Quantity
	case UnitGrams:
		ounces = allotment.GramsToOunces(in.Quantity)
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, in.Unit)
	}

	if !allotment.ValidQuantity(ounces) {
		return 0, ErrInvalidQuantity
	}
	return ounces, nil
}

// maxPurchaseAttempts ограничивает повторы, когда период закончился между
// его получением и записью покупки.
const maxPurchaseAttempts = 2

// RecordPurchase учитывает покупку в текущем периоде пациента.
func (s *Service) RecordPurchase(ctx context.Context, patientID int64, in PurchaseInput) (model.Purchase, model.AllotmentPeriod, error) {
	units, err := in.ounces()
	if err != nil {
		return model.Purchase{}, model.AllotmentPeriod{}, err
	}
	if in.Amount < 0 || math.IsNaN(in.Amount) || math.IsInf(in.Amount, 0) {
		return model.Purchase{}, model.AllotmentPeriod{}, ErrInvalidAmount
	}

	var (
		purchase model.Purchase
		updated  model.AllotmentPeriod
	)
	for attempt := 1; ; attempt++ {
		period, err := s.GetCurrentPeriod(ctx, patientID)
		if err != nil {
			return model.Purchase{}, model.AllotmentPeriod{}, err
		}

		purchase, updated, err = s.repo.RecordPurchase(ctx, model.Purchase{
			ID:          uuid.NewString(),
			PatientID:   patientID,
			PeriodID:    period.ID,
			Units:       units,
			Amount:      in.Amount,
			Dispensary:  in.Dispensary,
			PurchasedAt: s.now(),
		}, in.AllowOverAllotment)
		if err == nil {
			break
		}
		if errors.Is(err, repository.ErrPeriodExpired) && attempt < maxPurchaseAttempts {
			s.logger.Info("allotment period expired during purchase, retrying",
				zap.Int64("patientID", patientID),
				zap.Int64("periodID", period.ID),
			)
			continue
		}
		if errors.Is(err, repository.ErrOverAllotment) {
			s.metrics.IncOverAllotment()
		}
		return model.Purchase{}, model.AllotmentPeriod{}, err
	}

	s.metrics.AddUsage(units)
	if purchase.OverAllotment {
		s.logger.Warn("purchase recorded over allotment",
			zap.Int64("patientID", patientID),
			zap.String("purchaseID", purchase.ID),
			zap.Float64("usedUnits", updated.UsedUnits),
		)
	}

	return purchase, updated, nil
}

// ListPurchases возвращает последние покупки пациента.
func (s *Service) ListPurchases(ctx context.Context, patientID int64, limit int) ([]model.Purchase, error) {
	return s.repo.ListPurchases(ctx, patientID, limit)
}

// ListPeriods возвращает историю периодов пациента.
func (s *Service) ListPeriods(ctx context.Context, patientID int64) ([]model.AllotmentPeriod, error) {
	return s.repo.ListPeriods(ctx, patientID)
}

// GetSummary собирает сводку по текущему периоду для панели пациента. Количество,
// объём и траты считаются по последним покупкам.
func (s *Service) GetSummary(ctx context.Context, patientID int64) (*model.AllotmentSummary, error) {
	period, err := s.GetCurrentPeriod(ctx, patientID)
	if err != nil {
		return nil, err
	}

	purchases, err := s.repo.ListPurchases(ctx, patientID, recentPurchasesLimit)
	if err != nil {
		return nil, err
	}

	var recent, spent float64
	for _, p := range purchases {
		recent += p.Units
		spent += p.Amount
	}

	var avg float64
	if len(purchases) > 0 {
		avg = spent / float64(len(purchases))
	}

	pct := allotment.Percentage(period.UsedUnits, period.TotalAllowedUnits)

	return &model.AllotmentSummary{
		Period:         period,
		Percentage:     pct,
		StatusInfo:     allotment.StatusFor(pct),
		DaysUntilReset: allotment.DaysUntilReset(period.PeriodEnd, s.now()),
		PurchaseCount:  len(purchases),
		RecentUnits:    recent,
		TotalSpent:     spent,
		AvgPurchase:    avg,
	}, nil
}

const cardField = "cardNumber"

// GetProfile возвращает данные пациента с замаскированным номером карты.
// Если номер не удалось расшифровать, профиль возвращается без него.
func (s *Service) GetProfile(ctx context.Context, patientID int64) (*model.Profile, error) {
	p, err := s.repo.GetPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}

	fields, results := s.cipher.DecryptFields(map[string]any{cardField: p.CardToken}, []string{cardField})
	for _, r := range results {
		if r.Err != nil {
			s.metrics.IncDecryptFailures()
			s.logger.Error("decrypt patient field error",
				zap.Error(r.Err),
				zap.String("field", r.Field),
				zap.Int64("patientID", patientID),
			)
		}
	}

	profile := &model.Profile{
		ID:             p.ID,
		LastVerifiedAt: p.LastVerifiedAt,
	}
	if len(fieldcrypt.FailedFields(results)) == 0 {
		if card, ok := fields[cardField].(string); ok {
			profile.MaskedCard = fieldcrypt.MaskIdentifier(card)
		}
	}

	return profile, nil
}
