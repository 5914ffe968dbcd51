package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionCompleting SessionStatus = "completing"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

// Terminal reports whether the session can never change status again.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

type Intent string

const (
	IntentSubscription Intent = "subscription"
	IntentDeposit      Intent = "deposit"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentApproved PaymentStatus = "approved"
	PaymentRejected PaymentStatus = "rejected"
)

type PaymentSource string

const (
	SourceManual       PaymentSource = "manual"
	SourceGatewayPush  PaymentSource = "gateway-push"
	SourcePollVerified PaymentSource = "poll-verified"
)

type DueStatus string

const (
	DueUnpaid  DueStatus = "unpaid"
	DuePartial DueStatus = "partial"
	DuePaid    DueStatus = "paid"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePending Outcome = "pending"
)

// AmountTolerance is the largest gateway-reported deviation from the
// session amount that is still considered a match.
var AmountTolerance = decimal.NewFromFloat(0.01)

// CheckoutSession tracks one attempt to pay through an external
// gateway, correlated by TxRef. Status moves pending -> completed or
// pending -> failed exactly once; the transient "completing" value is
// only ever visible inside the finalization transaction.
type CheckoutSession struct {
	ID           string
	TxRef        string
	Gateway      string
	Intent       Intent
	Amount       decimal.Decimal
	Currency     string
	Status       SessionStatus
	StudentID    string
	PackageID    string
	ReviewReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Payment is the canonical ledger line. At most one exists per
// CheckoutSession; status is terminal once approved or rejected.
type Payment struct {
	ID               string
	StudentID        string
	Amount           decimal.Decimal
	Status           PaymentStatus
	Source           PaymentSource
	GatewayReference string
	GatewayStatus    string
	GatewayFee       decimal.Decimal
	Currency         string
	CheckoutID       string
	ReviewReason     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// MonthlyDue is one billing period's expected and paid amounts for a
// student, unique per (StudentID, PeriodKey). PaidAmount is mutated
// only by applying an allocation.
type MonthlyDue struct {
	ID             string
	StudentID      string
	PeriodKey      string
	ExpectedAmount decimal.Decimal
	PaidAmount     decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (d MonthlyDue) Remaining() decimal.Decimal {
	return d.ExpectedAmount.Sub(d.PaidAmount)
}

func (d MonthlyDue) Status() DueStatus {
	switch {
	case d.PaidAmount.IsZero():
		return DueUnpaid
	case d.PaidAmount.GreaterThanOrEqual(d.ExpectedAmount):
		return DuePaid
	default:
		return DuePartial
	}
}

type Subscription struct {
	ID              string
	StudentID       string
	PackageID       string
	CheckoutID      string
	StartDate       time.Time
	EndDate         time.Time
	NextBillingDate time.Time
	Status          string
	CreatedAt       time.Time
}

const SubscriptionActive = "active"

// Allocation is one (period, amount) slice of an allocated payment.
type Allocation struct {
	PeriodKey string
	Amount    decimal.Decimal
}

// AllocationResult is the transient outcome of distributing an amount
// across ordered dues. Leftover is whatever could not be applied; a
// positive leftover means the whole operation must be rejected before
// any mutation.
type AllocationResult struct {
	Applied  []Allocation
	Leftover decimal.Decimal
}

func (r AllocationResult) Total() decimal.Decimal {
	total := decimal.Zero
	for _, a := range r.Applied {
		total = total.Add(a.Amount)
	}
	return total
}

// GatewayResult is the canonical, normalized view of what a gateway
// reported for a transaction. RawStatus keeps the gateway's own
// vocabulary verbatim for audit.
type GatewayResult struct {
	Outcome   Outcome
	Reference string
	RawStatus string
	Amount    decimal.Decimal
	Fee       decimal.Decimal
	Currency  string
}

// FinalizationResult is what every entry point into the finalization
// engine gets back. AlreadyFinalized marks the idempotent path: the
// session was terminal before this call and nothing was mutated.
type FinalizationResult struct {
	Session          *CheckoutSession
	Payment          *Payment
	Subscription     *Subscription
	Allocation       *AllocationResult
	AlreadyFinalized bool
}
