package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ez-programmer4/school-ledger/internal/directory"
	"github.com/ez-programmer4/school-ledger/internal/events"
	"github.com/ez-programmer4/school-ledger/internal/models"
	"github.com/ez-programmer4/school-ledger/internal/repository"
)

var enrolledAt = time.Date(2026, time.April, 15, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	store       *repository.MemoryStore
	dir         *directory.StaticDirectory
	queue       *MemoryQueue
	provisioner *Provisioner
	finalizer   *Finalizer
	deposits    *Deposits
	checkouts   *Checkouts
}

func newTestEnv() *testEnv {
	store := repository.NewMemoryStore()
	dir := directory.NewStaticDirectory()
	dir.PutStudent(directory.StudentProfile{
		StudentID:  "student-1",
		Currency:   "ETB",
		EnrolledAt: enrolledAt,
		MonthlyFee: decimal.NewFromInt(100),
	})
	dir.PutPackage(directory.PackageInfo{
		PackageID:      "pkg-1",
		Price:          decimal.NewFromInt(500),
		Currency:       "ETB",
		DurationMonths: 1,
	})

	logger := zap.NewNop()
	provisioner := NewProvisioner(dir)
	finalizer := NewFinalizer(store, provisioner, events.NopPublisher{}, logger)
	return &testEnv{
		store:       store,
		dir:         dir,
		queue:       NewMemoryQueue(),
		provisioner: provisioner,
		finalizer:   finalizer,
		deposits:    NewDeposits(store, dir, events.NopPublisher{}, logger),
		checkouts:   NewCheckouts(store, dir, logger),
	}
}

func (e *testEnv) seedSession(txRef string, intent models.Intent, amount int64, packageID string) *models.CheckoutSession {
	sess := &models.CheckoutSession{
		ID:        uuid.NewString(),
		TxRef:     txRef,
		Gateway:   "chapa",
		Intent:    intent,
		Amount:    decimal.NewFromInt(amount),
		Currency:  "ETB",
		Status:    models.SessionPending,
		StudentID: "student-1",
		PackageID: packageID,
	}
	if err := e.store.CreateCheckoutSession(context.Background(), sess); err != nil {
		panic(err)
	}
	return sess
}

func (e *testEnv) seedDue(period string, expected int64) {
	due := &models.MonthlyDue{
		ID:             uuid.NewString(),
		StudentID:      "student-1",
		PeriodKey:      period,
		ExpectedAmount: decimal.NewFromInt(expected),
		PaidAmount:     decimal.Zero,
	}
	if err := e.store.CreateMonthlyDue(context.Background(), due); err != nil {
		panic(err)
	}
}

func successFor(sess *models.CheckoutSession) models.GatewayResult {
	return models.GatewayResult{
		Outcome:   models.OutcomeSuccess,
		Reference: "gw-" + sess.TxRef,
		RawStatus: "success",
		Amount:    sess.Amount,
		Fee:       decimal.NewFromFloat(2.50),
		Currency:  sess.Currency,
	}
}

// fakeVerifier scripts gateway responses for reconciler tests.
type fakeVerifier struct {
	mu     sync.Mutex
	result *models.GatewayResult
	err    error
	calls  int
}

func (f *fakeVerifier) Verify(ctx context.Context, txRef, gateway string) (*models.GatewayResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	result := *f.result
	return &result, nil
}

func (f *fakeVerifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
