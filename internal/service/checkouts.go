package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ez-programmer4/school-ledger/internal/allocation"
	"github.com/ez-programmer4/school-ledger/internal/directory"
	"github.com/ez-programmer4/school-ledger/internal/interfaces"
	"github.com/ez-programmer4/school-ledger/internal/models"
)

// Checkouts opens new checkout sessions ahead of the gateway redirect.
type Checkouts struct {
	store     interfaces.LedgerStore
	directory directory.Directory
	logger    *zap.Logger
}

func NewCheckouts(store interfaces.LedgerStore, dir directory.Directory, logger *zap.Logger) *Checkouts {
	return &Checkouts{store: store, directory: dir, logger: logger}
}

type InitiateRequest struct {
	StudentID string          `json:"student_id" binding:"required"`
	Intent    models.Intent   `json:"intent" binding:"required"`
	Gateway   string          `json:"gateway" binding:"required"`
	PackageID string          `json:"package_id"`
	Months    []string        `json:"months"`
	Amount    decimal.Decimal `json:"amount"`
}

// Initiate records the pending session the gateway redirect will later
// settle. Subscription checkouts price from the package, never from
// the client; deposit checkouts create the targeted dues lazily so the
// allocator has rows to fill once money arrives.
func (c *Checkouts) Initiate(ctx context.Context, req InitiateRequest) (*models.CheckoutSession, error) {
	profile, err := c.directory.Student(ctx, req.StudentID)
	if err != nil {
		return nil, err
	}

	gw := strings.ToLower(req.Gateway)
	currency := profile.Currency
	var amount decimal.Decimal
	var packageID string

	switch req.Intent {
	case models.IntentSubscription:
		if req.PackageID == "" {
			return nil, fmt.Errorf("subscription checkout requires a package id")
		}
		pkg, err := c.directory.Package(ctx, req.PackageID)
		if err != nil {
			return nil, err
		}
		amount = pkg.Price
		packageID = pkg.PackageID
		if pkg.Currency != "" {
			currency = pkg.Currency
		}

	case models.IntentDeposit:
		if !req.Amount.IsPositive() {
			return nil, fmt.Errorf("deposit checkout requires a positive amount")
		}
		amount = req.Amount.Round(2)
		for _, month := range req.Months {
			if !allocation.ValidPeriodKey(month) {
				return nil, fmt.Errorf("invalid billing period %q, want YYYY-MM", month)
			}
			due := &models.MonthlyDue{
				ID:             uuid.NewString(),
				StudentID:      req.StudentID,
				PeriodKey:      month,
				ExpectedAmount: allocation.ExpectedForPeriod(profile.MonthlyFee, profile.EnrolledAt, month),
				PaidAmount:     decimal.Zero,
			}
			if err := c.store.CreateMonthlyDue(ctx, due); err != nil {
				return nil, err
			}
		}

	default:
		return nil, fmt.Errorf("unknown checkout intent %q", req.Intent)
	}

	sess := &models.CheckoutSession{
		ID:        uuid.NewString(),
		TxRef:     "txn-" + uuid.NewString(),
		Gateway:   gw,
		Intent:    req.Intent,
		Amount:    amount,
		Currency:  currency,
		Status:    models.SessionPending,
		StudentID: req.StudentID,
		PackageID: packageID,
	}
	if err := c.store.CreateCheckoutSession(ctx, sess); err != nil {
		return nil, err
	}

	c.logger.Info("checkout session opened",
		zap.String("tx_ref", sess.TxRef),
		zap.String("student_id", sess.StudentID),
		zap.String("intent", string(sess.Intent)),
		zap.String("gateway", sess.Gateway),
	)
	return sess, nil
}
