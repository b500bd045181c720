// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/allotment-tracker/internal/allotment"
	"github.com/mmeshcher/allotment-tracker/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrPatientNotFound возвращается, если пациент не найден.
	ErrPatientNotFound = errors.New("patient not found")
	// ErrPeriodNotFound возвращается, если период лимита не найден.
	ErrPeriodNotFound = errors.New("allotment period not found")
	// ErrOverAllotment возвращается, если потребление превысило бы лимит периода.
	ErrOverAllotment = errors.New("allotment exceeded")
	// ErrPeriodExpired возвращается, если период закончился до момента учёта потребления.
	ErrPeriodExpired = errors.New("allotment period expired")
)

// Количества хранятся в тысячных долях унции, суммы покупок в центах.
func toMilli(units float64) int64 {
	return allotment.ToStorageUnits(units)
}

func fromMilli(v int64) float64 {
	return allotment.FromStorageUnits(v)
}

func toCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func fromCents(v int64) float64 {
	return float64(v) / 100
}

const periodColumns = `id, patient_id, period_start, period_end, total_allowed, used`

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool    *pgxpool.Pool
	backoff func() retry.Backoff
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool:    pool,
		backoff: defaultBackoff,
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func defaultBackoff() retry.Backoff {
	return retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
}

// withRetry повторяет fn при конфликте сериализации, дедлоке или обрыве соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// UpsertPatient находит пациента по хешу карты или создаёт его. Для существующего
// пациента обновляется время последней проверки. Возвращает признак создания.
func (r *PostgresRepository) UpsertPatient(ctx context.Context, cardHash, cardToken string, verifiedAt time.Time) (int64, bool, error) {
	var (
		id      int64
		created bool
	)
	err := r.pool.QueryRow(ctx,
		`INSERT INTO patients (card_hash, card_token, last_verified_at) VALUES ($1, $2, $3)
		 ON CONFLICT (card_hash) DO UPDATE SET last_verified_at = EXCLUDED.last_verified_at
		 RETURNING id, (xmax = 0)`,
		cardHash, cardToken, verifiedAt,
	).Scan(&id, &created)
	if err != nil {
		return 0, false, fmt.Errorf("upsert patient: %w", err)
	}
	return id, created, nil
}

// GetPatient возвращает пациента по идентификатору.
func (r *PostgresRepository) GetPatient(ctx context.Context, id int64) (*model.Patient, error) {
	var p model.Patient
	err := r.pool.QueryRow(ctx,
		`SELECT id, card_hash, card_token, last_verified_at, created_at FROM patients WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.CardHash, &p.CardToken, &p.LastVerifiedAt, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return &p, nil
}

func scanPeriod(row pgx.Row) (model.AllotmentPeriod, error) {
	var (
		p           model.AllotmentPeriod
		total, used int64
	)
	if err := row.Scan(&p.ID, &p.PatientID, &p.PeriodStart, &p.PeriodEnd, &total, &used); err != nil {
		return model.AllotmentPeriod{}, err
	}

	p.TotalAllowedUnits = fromMilli(total)
	p.UsedUnits = fromMilli(used)
	p.RemainingUnits = fromMilli(max(total-used, 0))
	return p, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findCurrentPeriod(ctx context.Context, q querier, patientID int64, now time.Time) (model.AllotmentPeriod, error) {
	p, err := scanPeriod(q.QueryRow(ctx,
		`SELECT `+periodColumns+`
		 FROM allotment_periods
		 WHERE patient_id = $1 AND period_start <= $2 AND period_end >= $2
		 ORDER BY period_start DESC
		 LIMIT 1`,
		patientID, now,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AllotmentPeriod{}, ErrPeriodNotFound
		}
		return model.AllotmentPeriod{}, fmt.Errorf("select current period: %w", err)
	}
	return p, nil
}

// FindCurrentPeriod возвращает период пациента, покрывающий момент now.
func (r *PostgresRepository) FindCurrentPeriod(ctx context.Context, patientID int64, now time.Time) (model.AllotmentPeriod, error) {
	return findCurrentPeriod(ctx, r.pool, patientID, now)
}

// InsertPeriodIfNoneCurrent сохраняет период, если у пациента нет другого
// не истёкшего на момент period.PeriodStart периода. Использует блокировку строки пациента, поэтому
// из нескольких конкурентных вызовов вставку выполнит только первый, остальные
// получат его период. Второе значение сообщает, был ли период создан.
func (r *PostgresRepository) InsertPeriodIfNoneCurrent(ctx context.Context, period model.AllotmentPeriod) (model.AllotmentPeriod, bool, error) {
	var (
		res     model.AllotmentPeriod
		created bool
	)

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var dummy int
		err = tx.QueryRow(ctx, `SELECT 1 FROM patients WHERE id = $1 FOR UPDATE`, period.PatientID).Scan(&dummy)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrPatientNotFound
			}
			return fmt.Errorf("lock patient for update: %w", err)
		}

		// Конкурент мог открыть период с началом чуть позже нашего now,
		// поэтому ищем любой ещё не истёкший период.
		existing, err := scanPeriod(tx.QueryRow(ctx,
			`SELECT `+periodColumns+`
			 FROM allotment_periods
			 WHERE patient_id = $1 AND period_end >= $2
			 ORDER BY period_start DESC
			 LIMIT 1`,
			period.PatientID, period.PeriodStart,
		))
		switch {
		case err == nil:
			res, created = existing, false
			return tx.Commit(ctx)
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("select unexpired period: %w", err)
		}

		inserted, err := scanPeriod(tx.QueryRow(ctx,
			`INSERT INTO allotment_periods (patient_id, period_start, period_end, total_allowed, used)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING `+periodColumns,
			period.PatientID, period.PeriodStart, period.PeriodEnd,
			toMilli(period.TotalAllowedUnits), toMilli(period.UsedUnits),
		))
		if err != nil {
			return fmt.Errorf("insert period: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		res, created = inserted, true
		return nil
	})
	if err != nil {
		return model.AllotmentPeriod{}, false, err
	}

	return res, created, nil
}

// addUsage атомарно увеличивает потребление периода, если период ещё не закончился
// на момент at. Без allowOver обновление выполняется только если новое значение
// не превышает лимит.
func addUsage(ctx context.Context, q querier, periodID int64, delta int64, allowOver bool, at time.Time) (model.AllotmentPeriod, error) {
	p, err := scanPeriod(q.QueryRow(ctx,
		`UPDATE allotment_periods
		 SET used = used + $2
		 WHERE id = $1 AND period_end >= $4 AND ($3 OR used + $2 <= total_allowed)
		 RETURNING `+periodColumns,
		periodID, delta, allowOver, at,
	))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.AllotmentPeriod{}, fmt.Errorf("update period usage: %w", err)
	}

	var periodEnd time.Time
	err = q.QueryRow(ctx, `SELECT period_end FROM allotment_periods WHERE id = $1`, periodID).Scan(&periodEnd)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return model.AllotmentPeriod{}, ErrPeriodNotFound
	case err != nil:
		return model.AllotmentPeriod{}, fmt.Errorf("check period: %w", err)
	case periodEnd.Before(at):
		return model.AllotmentPeriod{}, ErrPeriodExpired
	default:
		return model.AllotmentPeriod{}, ErrOverAllotment
	}
}

// UpdatePeriodUsage увеличивает потребление периода на delta одним условным UPDATE.
// Закончившийся к моменту at период не изменяется.
func (r *PostgresRepository) UpdatePeriodUsage(ctx context.Context, periodID int64, delta float64, allowOver bool, at time.Time) (model.AllotmentPeriod, error) {
	return addUsage(ctx, r.pool, periodID, toMilli(delta), allowOver, at)
}

// RecordPurchase в одной транзакции увеличивает потребление периода и сохраняет покупку.
func (r *PostgresRepository) RecordPurchase(ctx context.Context, purchase model.Purchase, allowOver bool) (model.Purchase, model.AllotmentPeriod, error) {
	var (
		savedPurchase model.Purchase
		period        model.AllotmentPeriod
	)

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		p, err := addUsage(ctx, tx, purchase.PeriodID, toMilli(purchase.Units), allowOver, purchase.PurchasedAt)
		if err != nil {
			return err
		}

		saved := purchase
		saved.OverAllotment = p.UsedUnits > p.TotalAllowedUnits
		err = tx.QueryRow(ctx,
			`INSERT INTO purchases (id, patient_id, period_id, units, amount, dispensary, over_allotment, purchased_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING purchased_at`,
			saved.ID, saved.PatientID, saved.PeriodID, toMilli(saved.Units), toCents(saved.Amount),
			saved.Dispensary, saved.OverAllotment, saved.PurchasedAt,
		).Scan(&saved.PurchasedAt)
		if err != nil {
			return fmt.Errorf("insert purchase: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		savedPurchase, period = saved, p
		return nil
	})
	if err != nil {
		return model.Purchase{}, model.AllotmentPeriod{}, err
	}

	return savedPurchase, period, nil
}

// ListPeriods возвращает все периоды пациента, начиная с последнего.
func (r *PostgresRepository) ListPeriods(ctx context.Context, patientID int64) ([]model.AllotmentPeriod, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+periodColumns+`
		 FROM allotment_periods
		 WHERE patient_id = $1
		 ORDER BY period_start DESC`,
		patientID,
	)
	if err != nil {
		return nil, fmt.Errorf("select periods: %w", err)
	}
	defer rows.Close()

	var res []model.AllotmentPeriod
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, fmt.Errorf("scan period: %w", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListPurchases возвращает последние покупки пациента.
func (r *PostgresRepository) ListPurchases(ctx context.Context, patientID int64, limit int) ([]model.Purchase, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, patient_id, period_id, units, amount, dispensary, over_allotment, purchased_at
		 FROM purchases
		 WHERE patient_id = $1
		 ORDER BY purchased_at DESC
		 LIMIT $2`,
		patientID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select purchases: %w", err)
	}
	defer rows.Close()

	var res []model.Purchase
	for rows.Next() {
		var (
			p             model.Purchase
			units, amount int64
		)
		if err := rows.Scan(&p.ID, &p.PatientID, &p.PeriodID, &units, &amount, &p.Dispensary, &p.OverAllotment, &p.PurchasedAt); err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		p.Units = fromMilli(units)
		p.Amount = fromCents(amount)
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
