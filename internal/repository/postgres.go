package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ez-programmer4/school-ledger/internal/interfaces"
	"github.com/ez-programmer4/school-ledger/internal/models"
)

// PostgresStore is the durable ledger backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
	queries
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, queries: queries{q: db}}
}

func (s *PostgresStore) InitDB() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkout_sessions (
			id UUID PRIMARY KEY,
			tx_ref VARCHAR(64) NOT NULL UNIQUE,
			gateway VARCHAR(32) NOT NULL,
			intent VARCHAR(16) NOT NULL,
			amount NUMERIC(12,2) NOT NULL,
			currency VARCHAR(8) NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'pending',
			student_id VARCHAR(64) NOT NULL,
			package_id VARCHAR(64),
			review_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkout_sessions_student
			ON checkout_sessions(student_id, package_id)`,
		`CREATE TABLE IF NOT EXISTS payments (
			id UUID PRIMARY KEY,
			student_id VARCHAR(64) NOT NULL,
			amount NUMERIC(12,2) NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'pending',
			source VARCHAR(16) NOT NULL,
			gateway_reference VARCHAR(128) NOT NULL DEFAULT '',
			gateway_status VARCHAR(64) NOT NULL DEFAULT '',
			gateway_fee NUMERIC(12,2) NOT NULL DEFAULT 0,
			currency VARCHAR(8) NOT NULL,
			checkout_id UUID,
			review_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_checkout
			ON payments(checkout_id) WHERE checkout_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS monthly_dues (
			id UUID PRIMARY KEY,
			student_id VARCHAR(64) NOT NULL,
			period_key VARCHAR(7) NOT NULL,
			expected_amount NUMERIC(12,2) NOT NULL,
			paid_amount NUMERIC(12,2) NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (student_id, period_key)
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id UUID PRIMARY KEY,
			student_id VARCHAR(64) NOT NULL,
			package_id VARCHAR(64) NOT NULL,
			checkout_id UUID NOT NULL UNIQUE,
			start_date TIMESTAMPTZ NOT NULL,
			end_date TIMESTAMPTZ NOT NULL,
			next_billing_date TIMESTAMPTZ NOT NULL,
			status VARCHAR(16) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("initializing ledger schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx interfaces.LedgerTx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	if err := fn(&pgTx{queries{q: tx}}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// pgTx is the transactional view of the ledger.
type pgTx struct {
	queries
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds the SQL shared by the store and its transactions.
type queries struct {
	q querier
}

const sessionColumns = `id, tx_ref, gateway, intent, amount, currency, status,
	student_id, COALESCE(package_id, ''), review_reason, created_at, updated_at`

func (r queries) scanSession(row *sql.Row) (*models.CheckoutSession, error) {
	var s models.CheckoutSession
	err := row.Scan(&s.ID, &s.TxRef, &s.Gateway, &s.Intent, &s.Amount, &s.Currency,
		&s.Status, &s.StudentID, &s.PackageID, &s.ReviewReason, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r queries) SessionByTxRef(ctx context.Context, txRef string) (*models.CheckoutSession, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM checkout_sessions WHERE tx_ref = $1`, txRef)
	s, err := r.scanSession(row)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("checkout session %s: %w", txRef, models.ErrNotFound)
	}
	return s, err
}

func (r queries) SessionByStudentPackage(ctx context.Context, studentID, packageID string) (*models.CheckoutSession, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM checkout_sessions
		 WHERE student_id = $1 AND package_id = $2
		 ORDER BY created_at DESC LIMIT 1`, studentID, packageID)
	s, err := r.scanSession(row)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("checkout session for student %s package %s: %w",
			studentID, packageID, models.ErrNotFound)
	}
	return s, err
}

func (r queries) CreateCheckoutSession(ctx context.Context, s *models.CheckoutSession) error {
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO checkout_sessions
			(id, tx_ref, gateway, intent, amount, currency, status,
			 student_id, package_id, review_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.ID, s.TxRef, s.Gateway, s.Intent, s.Amount, s.Currency, s.Status,
		s.StudentID, nullString(s.PackageID), s.ReviewReason, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r queries) ClaimSession(ctx context.Context, txRef string, from, to models.SessionStatus) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE checkout_sessions SET status = $1, updated_at = NOW()
		WHERE tx_ref = $2 AND status = $3`, to, txRef, from)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows > 0, err
}

func (r queries) SetSessionStatus(ctx context.Context, txRef string, status models.SessionStatus, reviewReason string) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE checkout_sessions SET status = $1, review_reason = $2, updated_at = NOW()
		WHERE tx_ref = $3`, status, reviewReason, txRef)
	return err
}

const paymentColumns = `id, student_id, amount, status, source, gateway_reference,
	gateway_status, gateway_fee, currency, COALESCE(checkout_id::text, ''),
	review_reason, created_at, updated_at`

func (r queries) scanPayment(row *sql.Row) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(&p.ID, &p.StudentID, &p.Amount, &p.Status, &p.Source,
		&p.GatewayReference, &p.GatewayStatus, &p.GatewayFee, &p.Currency,
		&p.CheckoutID, &p.ReviewReason, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r queries) PaymentByID(ctx context.Context, id string) (*models.Payment, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	p, err := r.scanPayment(row)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("payment %s: %w", id, models.ErrNotFound)
	}
	return p, err
}

func (r queries) PaymentByCheckoutID(ctx context.Context, checkoutID string) (*models.Payment, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE checkout_id = $1`, checkoutID)
	p, err := r.scanPayment(row)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("payment for checkout %s: %w", checkoutID, models.ErrNotFound)
	}
	return p, err
}

func (r queries) CreatePayment(ctx context.Context, p *models.Payment) error {
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO payments
			(id, student_id, amount, status, source, gateway_reference,
			 gateway_status, gateway_fee, currency, checkout_id, review_reason,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		p.ID, p.StudentID, p.Amount, p.Status, p.Source, p.GatewayReference,
		p.GatewayStatus, p.GatewayFee, p.Currency, nullString(p.CheckoutID),
		p.ReviewReason, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r queries) ClaimPayment(ctx context.Context, id string, from, to models.PaymentStatus, reason string) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE payments SET status = $1, review_reason = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4`, to, reason, id, from)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows > 0, err
}

func (r queries) OutstandingDues(ctx context.Context, studentID string) ([]models.MonthlyDue, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, student_id, period_key, expected_amount, paid_amount, created_at, updated_at
		FROM monthly_dues
		WHERE student_id = $1 AND paid_amount < expected_amount
		ORDER BY period_key ASC, created_at ASC`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dues []models.MonthlyDue
	for rows.Next() {
		var d models.MonthlyDue
		if err := rows.Scan(&d.ID, &d.StudentID, &d.PeriodKey, &d.ExpectedAmount,
			&d.PaidAmount, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		dues = append(dues, d)
	}
	return dues, rows.Err()
}

func (r queries) CreateMonthlyDue(ctx context.Context, d *models.MonthlyDue) error {
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO monthly_dues
			(id, student_id, period_key, expected_amount, paid_amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (student_id, period_key) DO NOTHING`,
		d.ID, d.StudentID, d.PeriodKey, d.ExpectedAmount, d.PaidAmount, d.CreatedAt, d.UpdatedAt)
	return err
}

func (r queries) ApplyAllocation(ctx context.Context, studentID string, allocs []models.Allocation) error {
	for _, a := range allocs {
		res, err := r.q.ExecContext(ctx, `
			UPDATE monthly_dues
			SET paid_amount = paid_amount + $1, updated_at = NOW()
			WHERE student_id = $2 AND period_key = $3
			  AND paid_amount + $1 <= expected_amount + 0.01`,
			a.Amount, studentID, a.PeriodKey)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("allocation of %s to due %s/%s would exceed its expected amount",
				a.Amount, studentID, a.PeriodKey)
		}
	}
	return nil
}

func (r queries) SubscriptionByCheckoutID(ctx context.Context, checkoutID string) (*models.Subscription, error) {
	var s models.Subscription
	err := r.q.QueryRowContext(ctx, `
		SELECT id, student_id, package_id, checkout_id, start_date, end_date,
		       next_billing_date, status, created_at
		FROM subscriptions WHERE checkout_id = $1`, checkoutID).
		Scan(&s.ID, &s.StudentID, &s.PackageID, &s.CheckoutID, &s.StartDate,
			&s.EndDate, &s.NextBillingDate, &s.Status, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscription for checkout %s: %w", checkoutID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r queries) CreateSubscription(ctx context.Context, s *models.Subscription) error {
	s.CreatedAt = time.Now().UTC()
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO subscriptions
			(id, student_id, package_id, checkout_id, start_date, end_date,
			 next_billing_date, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.StudentID, s.PackageID, s.CheckoutID, s.StartDate, s.EndDate,
		s.NextBillingDate, s.Status, s.CreatedAt)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
