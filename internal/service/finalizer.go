package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ez-programmer4/school-ledger/internal/allocation"
	"github.com/ez-programmer4/school-ledger/internal/events"
	"github.com/ez-programmer4/school-ledger/internal/interfaces"
	"github.com/ez-programmer4/school-ledger/internal/metrics"
	"github.com/ez-programmer4/school-ledger/internal/models"
)

// Finalizer turns a gateway-reported outcome into the one-and-only
// ledger mutation for a checkout session. Every entry point (webhook
// push, poll verification, background reconciliation) funnels through
// Finalize; the conditional claim on the session row makes concurrent
// calls for the same txRef converge on a single result.
type Finalizer struct {
	store       interfaces.LedgerStore
	provisioner *Provisioner
	events      events.Publisher
	logger      *zap.Logger
}

func NewFinalizer(store interfaces.LedgerStore, provisioner *Provisioner, publisher events.Publisher, logger *zap.Logger) *Finalizer {
	return &Finalizer{
		store:       store,
		provisioner: provisioner,
		events:      publisher,
		logger:      logger,
	}
}

// Finalize applies observed (success or failure; a pending outcome
// never finalizes) to the session identified by txRef.
//
// Repeated or concurrent calls are safe: a terminal session returns the
// existing payment with AlreadyFinalized set, and a lost claim re-reads
// the winner's result. All mutations happen in one transaction; a crash
// before commit leaves the session pending and retryable.
func (f *Finalizer) Finalize(ctx context.Context, txRef string, observed models.GatewayResult, source models.PaymentSource) (*models.FinalizationResult, error) {
	if observed.Outcome == models.OutcomePending {
		return nil, fmt.Errorf("cannot finalize %s: outcome still pending", txRef)
	}

	sess, err := f.store.SessionByTxRef(ctx, txRef)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return f.ResultFor(ctx, sess)
	}

	result := &models.FinalizationResult{}
	var finalErr error

	err = f.store.WithinTx(ctx, func(tx interfaces.LedgerTx) error {
		claimed, err := tx.ClaimSession(ctx, txRef, models.SessionPending, models.SessionCompleting)
		if err != nil {
			return err
		}
		if !claimed {
			return models.ErrClaimLost
		}

		sess, err := tx.SessionByTxRef(ctx, txRef)
		if err != nil {
			return err
		}
		result.Session = sess

		if observed.Outcome == models.OutcomeFailure {
			payment := f.newPayment(sess, observed, source, models.PaymentRejected)
			if err := tx.CreatePayment(ctx, payment); err != nil {
				return err
			}
			if err := tx.SetSessionStatus(ctx, txRef, models.SessionFailed, ""); err != nil {
				return err
			}
			sess.Status = models.SessionFailed
			result.Payment = payment
			return nil
		}

		// Gateways occasionally settle a different figure than the
		// session was opened for; past tolerance the money is not
		// touched and a human takes over.
		if !observed.Amount.IsZero() &&
			observed.Amount.Sub(sess.Amount).Abs().GreaterThan(models.AmountTolerance) {
			reason := fmt.Sprintf("amount mismatch: gateway reported %s, session expects %s",
				observed.Amount, sess.Amount)
			if err := tx.SetSessionStatus(ctx, txRef, models.SessionFailed, reason); err != nil {
				return err
			}
			sess.Status, sess.ReviewReason = models.SessionFailed, reason
			finalErr = &models.AmountMismatchError{
				TxRef:    txRef,
				Expected: sess.Amount,
				Observed: observed.Amount,
			}
			return nil
		}

		var alloc *models.AllocationResult
		if sess.Intent == models.IntentDeposit {
			dues, err := tx.OutstandingDues(ctx, sess.StudentID)
			if err != nil {
				return err
			}
			alloc, err = allocation.Allocate(sess.Amount, dues)
			if errors.Is(err, models.ErrAllocationOverflow) {
				reason := fmt.Sprintf("deposit exceeds outstanding dues by %s", alloc.Leftover)
				if err := tx.SetSessionStatus(ctx, txRef, models.SessionFailed, reason); err != nil {
					return err
				}
				sess.Status, sess.ReviewReason = models.SessionFailed, reason
				finalErr = models.ErrAllocationOverflow
				metrics.AllocationOverflowTotal.Inc()
				return nil
			}
			if err != nil {
				return err
			}
		}

		payment := f.newPayment(sess, observed, source, models.PaymentApproved)
		if err := tx.CreatePayment(ctx, payment); err != nil {
			return err
		}
		result.Payment = payment

		switch sess.Intent {
		case models.IntentDeposit:
			if err := tx.ApplyAllocation(ctx, sess.StudentID, alloc.Applied); err != nil {
				return err
			}
			result.Allocation = alloc
		case models.IntentSubscription:
			sub, err := f.provisioner.Provision(ctx, tx, sess.StudentID, sess.PackageID, sess.ID)
			if err != nil {
				return err
			}
			result.Subscription = sub
		}

		if err := tx.SetSessionStatus(ctx, txRef, models.SessionCompleted, ""); err != nil {
			return err
		}
		sess.Status = models.SessionCompleted
		return nil
	})

	if errors.Is(err, models.ErrClaimLost) {
		sess, rerr := f.store.SessionByTxRef(ctx, txRef)
		if rerr != nil {
			return nil, rerr
		}
		if sess.Status.Terminal() {
			return f.ResultFor(ctx, sess)
		}
		// Claim holder is mid-transaction; the caller retries later.
		return nil, fmt.Errorf("finalization of %s is in progress", txRef)
	}
	if err != nil {
		return nil, err
	}

	if finalErr != nil {
		metrics.FinalizationsTotal.WithLabelValues(string(sess.Intent), "flagged").Inc()
		f.logger.Warn("checkout flagged for manual review",
			zap.String("tx_ref", txRef),
			zap.Error(finalErr),
		)
		return nil, finalErr
	}

	metrics.FinalizationsTotal.
		WithLabelValues(string(result.Session.Intent), string(observed.Outcome)).Inc()
	f.logger.Info("checkout finalized",
		zap.String("tx_ref", txRef),
		zap.String("intent", string(result.Session.Intent)),
		zap.String("outcome", string(observed.Outcome)),
		zap.String("source", string(source)),
	)

	if result.Payment != nil {
		ev := events.PaymentFinalized{
			TxRef:      txRef,
			PaymentID:  result.Payment.ID,
			StudentID:  result.Payment.StudentID,
			Intent:     string(result.Session.Intent),
			Outcome:    string(observed.Outcome),
			Source:     string(source),
			Amount:     result.Payment.Amount,
			Currency:   result.Payment.Currency,
			OccurredAt: result.Payment.UpdatedAt,
		}
		if result.Subscription != nil {
			ev.SubscriptionID = result.Subscription.ID
		}
		f.events.PublishFinalized(ctx, ev)
	}

	return result, nil
}

// ResultFor reconstructs the finalization result of a terminal session
// without mutating anything.
func (f *Finalizer) ResultFor(ctx context.Context, sess *models.CheckoutSession) (*models.FinalizationResult, error) {
	result := &models.FinalizationResult{Session: sess, AlreadyFinalized: true}

	// A failed session flagged for review legitimately has no payment.
	payment, err := f.store.PaymentByCheckoutID(ctx, sess.ID)
	switch {
	case err == nil:
		result.Payment = payment
	case !errors.Is(err, models.ErrNotFound):
		return nil, err
	}

	if sess.Intent == models.IntentSubscription && sess.Status == models.SessionCompleted {
		sub, err := f.store.SubscriptionByCheckoutID(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		result.Subscription = sub
	}
	return result, nil
}

func (f *Finalizer) newPayment(sess *models.CheckoutSession, observed models.GatewayResult, source models.PaymentSource, status models.PaymentStatus) *models.Payment {
	currency := observed.Currency
	if currency == "" {
		currency = sess.Currency
	}
	return &models.Payment{
		ID:               uuid.NewString(),
		StudentID:        sess.StudentID,
		Amount:           sess.Amount,
		Status:           status,
		Source:           source,
		GatewayReference: observed.Reference,
		GatewayStatus:    observed.RawStatus,
		GatewayFee:       observed.Fee,
		Currency:         currency,
		CheckoutID:       sess.ID,
	}
}
