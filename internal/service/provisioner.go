package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ez-programmer4/school-ledger/internal/directory"
	"github.com/ez-programmer4/school-ledger/internal/interfaces"
	"github.com/ez-programmer4/school-ledger/internal/models"
)

// Provisioner creates the subscription a successful subscription-intent
// checkout paid for. Idempotent on the checkout id: a second call
// inside any transaction returns the subscription the first one
// created.
type Provisioner struct {
	directory directory.Directory
	now       func() time.Time
}

func NewProvisioner(dir directory.Directory) *Provisioner {
	return &Provisioner{directory: dir, now: time.Now}
}

func (p *Provisioner) Provision(ctx context.Context, tx interfaces.LedgerTx, studentID, packageID, checkoutID string) (*models.Subscription, error) {
	existing, err := tx.SubscriptionByCheckoutID(ctx, checkoutID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	pkg, err := p.directory.Package(ctx, packageID)
	if err != nil {
		return nil, fmt.Errorf("provisioning subscription for checkout %s: %w", checkoutID, err)
	}

	start := p.now().UTC()
	end := start.AddDate(0, pkg.DurationMonths, 0)
	sub := &models.Subscription{
		ID:              uuid.NewString(),
		StudentID:       studentID,
		PackageID:       packageID,
		CheckoutID:      checkoutID,
		StartDate:       start,
		EndDate:         end,
		NextBillingDate: end,
		Status:          models.SubscriptionActive,
	}
	if err := tx.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}
