package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ez-programmer4/school-ledger/internal/allocation"
	"github.com/ez-programmer4/school-ledger/internal/directory"
	"github.com/ez-programmer4/school-ledger/internal/events"
	"github.com/ez-programmer4/school-ledger/internal/interfaces"
	"github.com/ez-programmer4/school-ledger/internal/metrics"
	"github.com/ez-programmer4/school-ledger/internal/models"
)

// Deposits records manually reported deposits (bank slips, cash) and
// runs the reviewer approval gate over them. Allocation to dues happens
// only on approval, inside the same transaction as the status claim.
type Deposits struct {
	store     interfaces.LedgerStore
	directory directory.Directory
	events    events.Publisher
	logger    *zap.Logger
}

func NewDeposits(store interfaces.LedgerStore, dir directory.Directory, publisher events.Publisher, logger *zap.Logger) *Deposits {
	return &Deposits{store: store, directory: dir, events: publisher, logger: logger}
}

type ManualDepositRequest struct {
	StudentID     string          `json:"student_id" binding:"required"`
	Months        []string        `json:"months" binding:"required"`
	Amount        decimal.Decimal `json:"amount" binding:"required"`
	TransactionID string          `json:"transaction_id" binding:"required"`
}

// SubmitManual creates the pending payment plus the dues it targets.
// Nothing is allocated until a reviewer approves.
func (d *Deposits) SubmitManual(ctx context.Context, req ManualDepositRequest) (*models.Payment, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("deposit amount must be positive")
	}
	if len(req.Months) == 0 {
		return nil, fmt.Errorf("deposit must name at least one billing period")
	}
	for _, month := range req.Months {
		if !allocation.ValidPeriodKey(month) {
			return nil, fmt.Errorf("invalid billing period %q, want YYYY-MM", month)
		}
	}

	profile, err := d.directory.Student(ctx, req.StudentID)
	if err != nil {
		return nil, err
	}

	for _, month := range req.Months {
		due := &models.MonthlyDue{
			ID:             uuid.NewString(),
			StudentID:      req.StudentID,
			PeriodKey:      month,
			ExpectedAmount: allocation.ExpectedForPeriod(profile.MonthlyFee, profile.EnrolledAt, month),
			PaidAmount:     decimal.Zero,
		}
		if err := d.store.CreateMonthlyDue(ctx, due); err != nil {
			return nil, err
		}
	}

	payment := &models.Payment{
		ID:               uuid.NewString(),
		StudentID:        req.StudentID,
		Amount:           req.Amount.Round(2),
		Status:           models.PaymentPending,
		Source:           models.SourceManual,
		GatewayReference: req.TransactionID,
		Currency:         profile.Currency,
	}
	if err := d.store.CreatePayment(ctx, payment); err != nil {
		return nil, err
	}

	d.logger.Info("manual deposit submitted",
		zap.String("payment_id", payment.ID),
		zap.String("student_id", payment.StudentID),
		zap.Strings("months", req.Months),
	)
	return payment, nil
}

// Approve moves a pending payment to approved. For a pure manual
// deposit (no linked checkout) the amount is allocated across the
// student's outstanding dues first; an overflow rolls everything back
// and leaves the payment pending.
func (d *Deposits) Approve(ctx context.Context, paymentID string) (*models.Payment, error) {
	var approved *models.Payment
	var alloc *models.AllocationResult

	err := d.store.WithinTx(ctx, func(tx interfaces.LedgerTx) error {
		payment, err := tx.PaymentByID(ctx, paymentID)
		if err != nil {
			return err
		}
		if payment.Status != models.PaymentPending {
			return models.ErrPaymentNotPending
		}

		claimed, err := tx.ClaimPayment(ctx, paymentID, models.PaymentPending, models.PaymentApproved, "")
		if err != nil {
			return err
		}
		if !claimed {
			return models.ErrPaymentNotPending
		}

		if payment.CheckoutID == "" {
			dues, err := tx.OutstandingDues(ctx, payment.StudentID)
			if err != nil {
				return err
			}
			alloc, err = allocation.Allocate(payment.Amount, dues)
			if errors.Is(err, models.ErrAllocationOverflow) {
				metrics.AllocationOverflowTotal.Inc()
				return fmt.Errorf("approving payment %s: %w", paymentID, models.ErrAllocationOverflow)
			}
			if err != nil {
				return err
			}
			if err := tx.ApplyAllocation(ctx, payment.StudentID, alloc.Applied); err != nil {
				return err
			}
		}

		payment.Status = models.PaymentApproved
		approved = payment
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.logger.Info("manual deposit approved", zap.String("payment_id", approved.ID))
	d.events.PublishFinalized(ctx, events.PaymentFinalized{
		PaymentID:  approved.ID,
		StudentID:  approved.StudentID,
		Outcome:    string(models.OutcomeSuccess),
		Source:     string(approved.Source),
		Amount:     approved.Amount,
		Currency:   approved.Currency,
		OccurredAt: time.Now().UTC(),
	})
	return approved, nil
}

// Reject moves a pending payment to rejected, recording the reviewer's
// reason. No due is touched.
func (d *Deposits) Reject(ctx context.Context, paymentID, reason string) (*models.Payment, error) {
	var rejected *models.Payment

	err := d.store.WithinTx(ctx, func(tx interfaces.LedgerTx) error {
		payment, err := tx.PaymentByID(ctx, paymentID)
		if err != nil {
			return err
		}
		claimed, err := tx.ClaimPayment(ctx, paymentID, models.PaymentPending, models.PaymentRejected, reason)
		if err != nil {
			return err
		}
		if !claimed {
			return models.ErrPaymentNotPending
		}
		payment.Status = models.PaymentRejected
		payment.ReviewReason = reason
		rejected = payment
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.logger.Info("manual deposit rejected",
		zap.String("payment_id", rejected.ID),
		zap.String("reason", reason),
	)
	return rejected, nil
}
