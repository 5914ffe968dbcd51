package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound means the referenced session or payment does not
	// exist. Fatal for the caller, never retried.
	ErrNotFound = errors.New("not found")

	// ErrAllocationOverflow means the requested amount exceeds the
	// remaining balance across all outstanding dues. The operation is
	// rejected before any due is mutated.
	ErrAllocationOverflow = errors.New("amount exceeds outstanding dues")

	// ErrPaymentNotPending means an approval or rejection targeted a
	// payment that is already terminal.
	ErrPaymentNotPending = errors.New("payment is not pending")

	// ErrClaimLost is internal to the finalization engine: another
	// caller won the conditional claim on the session. The loser
	// re-reads and returns the winner's result, so this never reaches
	// a user.
	ErrClaimLost = errors.New("concurrent finalization claimed the session")
)

// AmountMismatchError is raised when the gateway-reported amount
// deviates from the session amount beyond AmountTolerance. The session
// is marked failed and flagged for manual review; no Payment is
// created.
type AmountMismatchError struct {
	TxRef    string
	Expected decimal.Decimal
	Observed decimal.Decimal
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("amount mismatch for %s: session expects %s, gateway reports %s",
		e.TxRef, e.Expected, e.Observed)
}

// GatewayError wraps a failed gateway verification call. Transient
// errors (network, 5xx, timeouts) may be retried with backoff;
// permanent errors (4xx, explicit declines) must not be.
type GatewayError struct {
	Gateway   string
	Transient bool
	Err       error
}

func (e *GatewayError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s gateway error from %s: %v", kind, e.Gateway, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// IsTransientGatewayError reports whether err is a retryable gateway
// failure.
func IsTransientGatewayError(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Transient
}

func IsPermanentGatewayError(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && !ge.Transient
}
