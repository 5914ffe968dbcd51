package interfaces

import (
	"context"

	"github.com/ez-programmer4/school-ledger/internal/models"
)

// LedgerReader is the read-only view shared by the store and its
// transactions.
type LedgerReader interface {
	SessionByTxRef(ctx context.Context, txRef string) (*models.CheckoutSession, error)
	SessionByStudentPackage(ctx context.Context, studentID, packageID string) (*models.CheckoutSession, error)
	PaymentByID(ctx context.Context, id string) (*models.Payment, error)
	PaymentByCheckoutID(ctx context.Context, checkoutID string) (*models.Payment, error)
	SubscriptionByCheckoutID(ctx context.Context, checkoutID string) (*models.Subscription, error)
	// OutstandingDues returns the student's dues with a positive
	// remaining balance, oldest period first (created_at breaks ties).
	OutstandingDues(ctx context.Context, studentID string) ([]models.MonthlyDue, error)
}

// LedgerStore is the durable ledger handle injected into every
// component. All mutations outside session/payment creation happen
// through WithinTx so a crash mid-finalization leaves no partial state.
type LedgerStore interface {
	LedgerReader

	CreateCheckoutSession(ctx context.Context, s *models.CheckoutSession) error
	// CreateMonthlyDue inserts the due if no row exists yet for the
	// (student, period) pair; an existing row is left untouched.
	CreateMonthlyDue(ctx context.Context, d *models.MonthlyDue) error
	CreatePayment(ctx context.Context, p *models.Payment) error

	// WithinTx runs fn inside one transaction with at least
	// read-committed isolation; any error from fn rolls everything
	// back.
	WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error
}

// LedgerTx is the transactional view handed to WithinTx callbacks.
// Claim methods are conditional updates: they report false, mutating
// nothing, when the row is no longer in the expected status.
type LedgerTx interface {
	LedgerReader

	ClaimSession(ctx context.Context, txRef string, from, to models.SessionStatus) (bool, error)
	SetSessionStatus(ctx context.Context, txRef string, status models.SessionStatus, reviewReason string) error

	ClaimPayment(ctx context.Context, id string, from, to models.PaymentStatus, reason string) (bool, error)

	CreatePayment(ctx context.Context, p *models.Payment) error
	CreateSubscription(ctx context.Context, s *models.Subscription) error

	// ApplyAllocation adds each applied amount to the matching due's
	// paid_amount. Callers must have computed the allocation from the
	// same transaction's view of the dues.
	ApplyAllocation(ctx context.Context, studentID string, allocs []models.Allocation) error
}
