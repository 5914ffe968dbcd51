package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ez-programmer4/school-ledger/internal/gateway"
	"github.com/ez-programmer4/school-ledger/internal/interfaces"
	"github.com/ez-programmer4/school-ledger/internal/metrics"
	"github.com/ez-programmer4/school-ledger/internal/models"
)

const (
	maxReconcileAttempts = 5
	reconcileBaseDelay   = 30 * time.Second
	reconcileBatchSize   = 32
)

// Reconciler is the client-facing poller plus the queued background
// retry worker. The on-demand path performs at most one verify+finalize
// attempt so request latency stays bounded; anything still unresolved
// is handed to the queue.
type Reconciler struct {
	store     interfaces.LedgerStore
	verifier  gateway.Verifier
	finalizer *Finalizer
	queue     Queue
	logger    *zap.Logger
	interval  time.Duration
}

func NewReconciler(store interfaces.LedgerStore, verifier gateway.Verifier, finalizer *Finalizer, queue Queue, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:     store,
		verifier:  verifier,
		finalizer: finalizer,
		queue:     queue,
		logger:    logger,
		interval:  5 * time.Second,
	}
}

type StatusQuery struct {
	TxRef     string
	StudentID string
	PackageID string
	// AutoVerify allows one verification attempt on a still-pending
	// session.
	AutoVerify bool
}

type StatusResult struct {
	Session      *models.CheckoutSession
	Payment      *models.Payment
	Subscription *models.Subscription
	// RetryLater means the session is still pending after at most one
	// verification attempt; the client polls again.
	RetryLater bool
}

// Status reconciles and reports the state of one checkout session.
func (r *Reconciler) Status(ctx context.Context, q StatusQuery) (*StatusResult, error) {
	var sess *models.CheckoutSession
	var err error
	switch {
	case q.TxRef != "":
		sess, err = r.store.SessionByTxRef(ctx, q.TxRef)
	case q.StudentID != "" && q.PackageID != "":
		sess, err = r.store.SessionByStudentPackage(ctx, q.StudentID, q.PackageID)
	default:
		return nil, fmt.Errorf("status query needs a txRef or a studentId+packageId pair")
	}
	if err != nil {
		return nil, err
	}

	if sess.Status.Terminal() {
		return r.terminalResult(ctx, sess)
	}
	if !q.AutoVerify {
		return &StatusResult{Session: sess, RetryLater: true}, nil
	}

	verified, err := r.verifier.Verify(ctx, sess.TxRef, sess.Gateway)
	switch {
	case err == nil && verified.Outcome == models.OutcomePending:
		return &StatusResult{Session: sess, RetryLater: true}, nil

	case err == nil:
		return r.finalizeVerified(ctx, sess, *verified)

	case models.IsTransientGatewayError(err):
		metrics.GatewayVerifyErrorsTotal.WithLabelValues(sess.Gateway, "transient").Inc()
		r.logger.Warn("gateway verification failed, queued for retry",
			zap.String("tx_ref", sess.TxRef),
			zap.Error(err),
		)
		if qerr := r.Enqueue(ctx, sess.TxRef); qerr != nil {
			r.logger.Error("scheduling reconciliation", zap.String("tx_ref", sess.TxRef), zap.Error(qerr))
		}
		return &StatusResult{Session: sess, RetryLater: true}, nil

	default:
		// A permanent gateway error is a failure, not something to
		// retry.
		metrics.GatewayVerifyErrorsTotal.WithLabelValues(sess.Gateway, "permanent").Inc()
		return r.finalizeVerified(ctx, sess, models.GatewayResult{
			Outcome:   models.OutcomeFailure,
			RawStatus: err.Error(),
		})
	}
}

func (r *Reconciler) finalizeVerified(ctx context.Context, sess *models.CheckoutSession, verified models.GatewayResult) (*StatusResult, error) {
	fin, err := r.finalizer.Finalize(ctx, sess.TxRef, verified, models.SourcePollVerified)
	if err != nil {
		var mismatch *models.AmountMismatchError
		if errors.As(err, &mismatch) || errors.Is(err, models.ErrAllocationOverflow) {
			// The session was marked failed and flagged; the status
			// query itself still succeeds.
			sess, rerr := r.store.SessionByTxRef(ctx, sess.TxRef)
			if rerr != nil {
				return nil, rerr
			}
			return &StatusResult{Session: sess}, nil
		}
		return nil, err
	}
	return &StatusResult{
		Session:      fin.Session,
		Payment:      fin.Payment,
		Subscription: fin.Subscription,
	}, nil
}

func (r *Reconciler) terminalResult(ctx context.Context, sess *models.CheckoutSession) (*StatusResult, error) {
	fin, err := r.finalizer.ResultFor(ctx, sess)
	if err != nil {
		return nil, err
	}
	return &StatusResult{
		Session:      fin.Session,
		Payment:      fin.Payment,
		Subscription: fin.Subscription,
	}, nil
}

// Enqueue schedules a pending session for a background reconciliation
// attempt.
func (r *Reconciler) Enqueue(ctx context.Context, txRef string) error {
	return r.queue.Schedule(ctx, txRef, time.Now().Add(reconcileBaseDelay))
}

// Run drains the reconciliation queue until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciliation worker started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciliation worker stopped")
			return
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

func (r *Reconciler) drain(ctx context.Context) {
	refs, err := r.queue.Due(ctx, time.Now(), reconcileBatchSize)
	if err != nil {
		r.logger.Error("reading reconciliation queue", zap.Error(err))
		return
	}
	for _, txRef := range refs {
		r.attempt(ctx, txRef)
	}
}

func (r *Reconciler) attempt(ctx context.Context, txRef string) {
	sess, err := r.store.SessionByTxRef(ctx, txRef)
	if err != nil || sess.Status.Terminal() {
		if err != nil {
			r.logger.Error("loading session for reconciliation", zap.String("tx_ref", txRef), zap.Error(err))
		}
		r.clear(ctx, txRef)
		return
	}

	verified, err := r.verifier.Verify(ctx, txRef, sess.Gateway)
	switch {
	case err == nil && verified.Outcome != models.OutcomePending:
		if _, ferr := r.finalizer.Finalize(ctx, txRef, *verified, models.SourcePollVerified); ferr != nil {
			r.logger.Warn("background finalization", zap.String("tx_ref", txRef), zap.Error(ferr))
		}
		r.clear(ctx, txRef)

	case models.IsPermanentGatewayError(err):
		metrics.GatewayVerifyErrorsTotal.WithLabelValues(sess.Gateway, "permanent").Inc()
		if _, ferr := r.finalizer.Finalize(ctx, txRef, models.GatewayResult{
			Outcome:   models.OutcomeFailure,
			RawStatus: err.Error(),
		}, models.SourcePollVerified); ferr != nil {
			r.logger.Warn("background finalization", zap.String("tx_ref", txRef), zap.Error(ferr))
		}
		r.clear(ctx, txRef)

	default:
		// Still pending or transiently unreachable: back off and try
		// again, up to the attempt cap.
		if err != nil {
			metrics.GatewayVerifyErrorsTotal.WithLabelValues(sess.Gateway, "transient").Inc()
		}
		r.retry(ctx, txRef)
	}
}

func (r *Reconciler) retry(ctx context.Context, txRef string) {
	attempts, err := r.queue.IncrAttempts(ctx, txRef)
	if err != nil {
		r.logger.Error("tracking reconciliation attempts", zap.String("tx_ref", txRef), zap.Error(err))
		return
	}
	if attempts >= maxReconcileAttempts {
		r.logger.Warn("reconciliation attempts exhausted, leaving for manual review",
			zap.String("tx_ref", txRef),
			zap.Int("attempts", attempts),
		)
		r.clear(ctx, txRef)
		return
	}
	delay := reconcileBaseDelay << uint(attempts)
	if err := r.queue.Schedule(ctx, txRef, time.Now().Add(delay)); err != nil {
		r.logger.Error("rescheduling reconciliation", zap.String("tx_ref", txRef), zap.Error(err))
	}
}

func (r *Reconciler) clear(ctx context.Context, txRef string) {
	if err := r.queue.ClearAttempts(ctx, txRef); err != nil {
		r.logger.Error("clearing reconciliation attempts", zap.String("tx_ref", txRef), zap.Error(err))
	}
}
