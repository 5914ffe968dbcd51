package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/ez-programmer4/school-ledger/internal/directory"
	"github.com/ez-programmer4/school-ledger/internal/models"
)

func TestFinalizer_Deposit(t *testing.T) {
	ctx := context.Background()

	t.Run("Given a 200 deposit and dues of 150 and 100 When finalized Then the oldest due fills first", func(t *testing.T) {
		env := newTestEnv()
		sess := env.seedSession("tx1", models.IntentDeposit, 200, "")
		env.seedDue("2026-01", 150)
		env.seedDue("2026-02", 100)

		result, err := env.finalizer.Finalize(ctx, "tx1", successFor(sess), models.SourceGatewayPush)
		if err != nil {
			t.Fatalf("Finalize failed: %v", err)
		}

		if result.Session.Status != models.SessionCompleted {
			t.Errorf("expected completed session, got %s", result.Session.Status)
		}
		if result.Payment == nil || result.Payment.Status != models.PaymentApproved {
			t.Fatalf("expected approved payment, got %+v", result.Payment)
		}

		due1, _ := env.store.Due("student-1", "2026-01")
		if !due1.PaidAmount.Equal(decimal.NewFromInt(150)) || due1.Status() != models.DuePaid {
			t.Errorf("expected 2026-01 fully paid, got paid=%s status=%s", due1.PaidAmount, due1.Status())
		}
		due2, _ := env.store.Due("student-1", "2026-02")
		if !due2.PaidAmount.Equal(decimal.NewFromInt(50)) || due2.Status() != models.DuePartial {
			t.Errorf("expected 2026-02 at 50/100, got paid=%s status=%s", due2.PaidAmount, due2.Status())
		}
	})

	t.Run("Given a finalized session When finalized again Then nothing mutates and the same payment returns", func(t *testing.T) {
		env := newTestEnv()
		sess := env.seedSession("tx1", models.IntentDeposit, 200, "")
		env.seedDue("2026-01", 150)
		env.seedDue("2026-02", 100)

		first, err := env.finalizer.Finalize(ctx, "tx1", successFor(sess), models.SourceGatewayPush)
		if err != nil {
			t.Fatalf("first Finalize failed: %v", err)
		}
		second, err := env.finalizer.Finalize(ctx, "tx1", successFor(sess), models.SourcePollVerified)
		if err != nil {
			t.Fatalf("second Finalize failed: %v", err)
		}

		if !second.AlreadyFinalized {
			t.Error("expected AlreadyFinalized on repeat call")
		}
		if second.Payment.ID != first.Payment.ID {
			t.Errorf("expected same payment, got %s and %s", first.Payment.ID, second.Payment.ID)
		}
		if got := len(env.store.Payments()); got != 1 {
			t.Errorf("expected exactly 1 payment, got %d", got)
		}
		due2, _ := env.store.Due("student-1", "2026-02")
		if !due2.PaidAmount.Equal(decimal.NewFromInt(50)) {
			t.Errorf("expected dues untouched by repeat call, got %s", due2.PaidAmount)
		}
	})

	t.Run("Given a deposit exceeding all outstanding dues When finalized Then the session fails flagged and no due mutates", func(t *testing.T) {
		env := newTestEnv()
		sess := env.seedSession("tx1", models.IntentDeposit, 150, "")
		env.seedDue("2026-01", 100)

		_, err := env.finalizer.Finalize(ctx, "tx1", successFor(sess), models.SourceGatewayPush)
		if !errors.Is(err, models.ErrAllocationOverflow) {
			t.Fatalf("expected ErrAllocationOverflow, got %v", err)
		}

		reloaded, _ := env.store.SessionByTxRef(ctx, "tx1")
		if reloaded.Status != models.SessionFailed {
			t.Errorf("expected failed session, got %s", reloaded.Status)
		}
		if reloaded.ReviewReason == "" {
			t.Error("expected session flagged for review")
		}
		if got := len(env.store.Payments()); got != 0 {
			t.Errorf("expected no payment, got %d", got)
		}
		due, _ := env.store.Due("student-1", "2026-01")
		if !due.PaidAmount.IsZero() {
			t.Errorf("expected due untouched, got paid=%s", due.PaidAmount)
		}
	})
}

func TestFinalizer_Subscription(t *testing.T) {
	ctx := context.Background()

	t.Run("Given a successful subscription checkout Then the subscription spans the package duration", func(t *testing.T) {
		env := newTestEnv()
		sess := env.seedSession("tx2", models.IntentSubscription, 500, "pkg-1")

		result, err := env.finalizer.Finalize(ctx, "tx2", successFor(sess), models.SourceGatewayPush)
		if err != nil {
			t.Fatalf("Finalize failed: %v", err)
		}

		sub := result.Subscription
		if sub == nil {
			t.Fatal("expected a subscription")
		}
		if want := sub.StartDate.AddDate(0, 1, 0); !sub.EndDate.Equal(want) {
			t.Errorf("expected end date %s, got %s", want, sub.EndDate)
		}
		if !sub.NextBillingDate.Equal(sub.EndDate) {
			t.Errorf("expected next billing at end date, got %s", sub.NextBillingDate)
		}

		repeat, err := env.finalizer.Finalize(ctx, "tx2", successFor(sess), models.SourceGatewayPush)
		if err != nil {
			t.Fatalf("repeat Finalize failed: %v", err)
		}
		if repeat.Subscription.ID != sub.ID {
			t.Errorf("expected identical subscription, got %s and %s", sub.ID, repeat.Subscription.ID)
		}
	})

	t.Run("Given two concurrent finalize calls for one txRef Then exactly one subscription exists", func(t *testing.T) {
		env := newTestEnv()
		sess := env.seedSession("tx2", models.IntentSubscription, 500, "pkg-1")

		var wg sync.WaitGroup
		results := make([]*models.FinalizationResult, 2)
		errs := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = env.finalizer.Finalize(ctx, "tx2", successFor(sess), models.SourceGatewayPush)
			}(i)
		}
		wg.Wait()

		for i := 0; i < 2; i++ {
			if errs[i] != nil {
				t.Fatalf("call %d failed: %v", i, errs[i])
			}
			if results[i].Subscription == nil {
				t.Fatalf("call %d returned no subscription", i)
			}
		}
		if results[0].Subscription.ID != results[1].Subscription.ID {
			t.Errorf("concurrent calls created distinct subscriptions: %s and %s",
				results[0].Subscription.ID, results[1].Subscription.ID)
		}
		if results[0].Payment.ID != results[1].Payment.ID {
			t.Errorf("concurrent calls created distinct payments")
		}
		if got := len(env.store.Payments()); got != 1 {
			t.Errorf("expected exactly 1 payment, got %d", got)
		}
	})
}

func TestFinalizer_Failure(t *testing.T) {
	ctx := context.Background()

	t.Run("Given a failure outcome Then a rejected payment records the attempt", func(t *testing.T) {
		env := newTestEnv()
		env.seedSession("tx1", models.IntentDeposit, 200, "")

		result, err := env.finalizer.Finalize(ctx, "tx1", models.GatewayResult{
			Outcome:   models.OutcomeFailure,
			RawStatus: "failed",
		}, models.SourceGatewayPush)
		if err != nil {
			t.Fatalf("Finalize failed: %v", err)
		}

		if result.Session.Status != models.SessionFailed {
			t.Errorf("expected failed session, got %s", result.Session.Status)
		}
		if result.Payment == nil || result.Payment.Status != models.PaymentRejected {
			t.Fatalf("expected rejected payment, got %+v", result.Payment)
		}
	})

	t.Run("Given a failed session When a success arrives later Then the status never flips", func(t *testing.T) {
		env := newTestEnv()
		sess := env.seedSession("tx1", models.IntentDeposit, 200, "")
		env.seedDue("2026-01", 200)

		if _, err := env.finalizer.Finalize(ctx, "tx1", models.GatewayResult{
			Outcome:   models.OutcomeFailure,
			RawStatus: "failed",
		}, models.SourceGatewayPush); err != nil {
			t.Fatalf("failure Finalize failed: %v", err)
		}

		late, err := env.finalizer.Finalize(ctx, "tx1", successFor(sess), models.SourcePollVerified)
		if err != nil {
			t.Fatalf("late Finalize failed: %v", err)
		}
		if !late.AlreadyFinalized {
			t.Error("expected AlreadyFinalized for the late success")
		}
		if late.Session.Status != models.SessionFailed {
			t.Errorf("expected status to stay failed, got %s", late.Session.Status)
		}
		due, _ := env.store.Due("student-1", "2026-01")
		if !due.PaidAmount.IsZero() {
			t.Errorf("expected due untouched after late success, got %s", due.PaidAmount)
		}
	})

	t.Run("Given a gateway amount off by more than tolerance Then the session fails with no payment", func(t *testing.T) {
		env := newTestEnv()
		sess := env.seedSession("tx1", models.IntentDeposit, 200, "")
		env.seedDue("2026-01", 200)

		observed := successFor(sess)
		observed.Amount = decimal.NewFromFloat(250.00)

		_, err := env.finalizer.Finalize(ctx, "tx1", observed, models.SourceGatewayPush)
		var mismatch *models.AmountMismatchError
		if !errors.As(err, &mismatch) {
			t.Fatalf("expected AmountMismatchError, got %v", err)
		}

		reloaded, _ := env.store.SessionByTxRef(ctx, "tx1")
		if reloaded.Status != models.SessionFailed {
			t.Errorf("expected failed session, got %s", reloaded.Status)
		}
		if reloaded.ReviewReason == "" {
			t.Error("expected session flagged for review")
		}
		if got := len(env.store.Payments()); got != 0 {
			t.Errorf("expected no payment, got %d", got)
		}
	})

	t.Run("Given an amount within tolerance Then finalization proceeds", func(t *testing.T) {
		env := newTestEnv()
		sess := env.seedSession("tx1", models.IntentDeposit, 200, "")
		env.seedDue("2026-01", 200)

		observed := successFor(sess)
		observed.Amount = decimal.NewFromFloat(200.01)

		result, err := env.finalizer.Finalize(ctx, "tx1", observed, models.SourceGatewayPush)
		if err != nil {
			t.Fatalf("Finalize failed: %v", err)
		}
		if result.Session.Status != models.SessionCompleted {
			t.Errorf("expected completed session, got %s", result.Session.Status)
		}
	})

	t.Run("Given an unknown txRef Then finalize reports not found", func(t *testing.T) {
		env := newTestEnv()

		_, err := env.finalizer.Finalize(ctx, "missing", models.GatewayResult{
			Outcome: models.OutcomeFailure,
		}, models.SourceGatewayPush)
		if !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Given a pending outcome Then finalize refuses", func(t *testing.T) {
		env := newTestEnv()
		env.seedSession("tx1", models.IntentDeposit, 200, "")

		if _, err := env.finalizer.Finalize(ctx, "tx1", models.GatewayResult{
			Outcome: models.OutcomePending,
		}, models.SourceGatewayPush); err == nil {
			t.Fatal("expected an error for a pending outcome")
		}
	})
}

func TestFinalizer_CrashSafety(t *testing.T) {
	// A failure inside the transaction must leave the session pending
	// and retryable, never half-applied.
	ctx := context.Background()
	env := newTestEnv()
	sess := env.seedSession("tx1", models.IntentSubscription, 500, "pkg-oops")

	if _, err := env.finalizer.Finalize(ctx, "tx1", successFor(sess), models.SourceGatewayPush); err == nil {
		t.Fatal("expected provisioning to fail for an unknown package")
	}

	reloaded, _ := env.store.SessionByTxRef(ctx, "tx1")
	if reloaded.Status != models.SessionPending {
		t.Fatalf("expected session back to pending, got %s", reloaded.Status)
	}
	if got := len(env.store.Payments()); got != 0 {
		t.Errorf("expected no payment after rollback, got %d", got)
	}

	// The retry succeeds once the package resolves.
	env.dir.PutPackage(directory.PackageInfo{
		PackageID:      "pkg-oops",
		Price:          decimal.NewFromInt(500),
		Currency:       "ETB",
		DurationMonths: 1,
	})
	result, err := env.finalizer.Finalize(ctx, "tx1", successFor(sess), models.SourceGatewayPush)
	if err != nil {
		t.Fatalf("retry Finalize failed: %v", err)
	}
	if result.Session.Status != models.SessionCompleted {
		t.Errorf("expected completed session on retry, got %s", result.Session.Status)
	}
}
