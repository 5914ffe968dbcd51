package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ez-programmer4/school-ledger/internal/interfaces"
	"github.com/ez-programmer4/school-ledger/internal/models"
)

// MemoryStore is an in-process LedgerStore for tests and local runs.
// One mutex serializes transactions; WithinTx snapshots the maps and
// restores them when the callback errors, mirroring the SQL rollback.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]models.CheckoutSession // by tx_ref
	payments map[string]models.Payment         // by id
	dues     map[string]models.MonthlyDue      // by student|period
	subs     map[string]models.Subscription    // by checkout id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]models.CheckoutSession),
		payments: make(map[string]models.Payment),
		dues:     make(map[string]models.MonthlyDue),
		subs:     make(map[string]models.Subscription),
	}
}

func dueKey(studentID, periodKey string) string {
	return studentID + "|" + periodKey
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx interfaces.LedgerTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.copyState()
	if err := fn(&memTx{s: s}); err != nil {
		s.sessions, s.payments, s.dues, s.subs = snapshot.sessions, snapshot.payments, snapshot.dues, snapshot.subs
		return err
	}
	return nil
}

type memState struct {
	sessions map[string]models.CheckoutSession
	payments map[string]models.Payment
	dues     map[string]models.MonthlyDue
	subs     map[string]models.Subscription
}

func (s *MemoryStore) copyState() memState {
	st := memState{
		sessions: make(map[string]models.CheckoutSession, len(s.sessions)),
		payments: make(map[string]models.Payment, len(s.payments)),
		dues:     make(map[string]models.MonthlyDue, len(s.dues)),
		subs:     make(map[string]models.Subscription, len(s.subs)),
	}
	for k, v := range s.sessions {
		st.sessions[k] = v
	}
	for k, v := range s.payments {
		st.payments[k] = v
	}
	for k, v := range s.dues {
		st.dues[k] = v
	}
	for k, v := range s.subs {
		st.subs[k] = v
	}
	return st
}

func (s *MemoryStore) SessionByTxRef(ctx context.Context, txRef string) (*models.CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionByTxRef(txRef)
}

func (s *MemoryStore) sessionByTxRef(txRef string) (*models.CheckoutSession, error) {
	sess, ok := s.sessions[txRef]
	if !ok {
		return nil, fmt.Errorf("checkout session %s: %w", txRef, models.ErrNotFound)
	}
	return &sess, nil
}

func (s *MemoryStore) SessionByStudentPackage(ctx context.Context, studentID, packageID string) (*models.CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionByStudentPackage(studentID, packageID)
}

func (s *MemoryStore) sessionByStudentPackage(studentID, packageID string) (*models.CheckoutSession, error) {
	var latest *models.CheckoutSession
	for _, sess := range s.sessions {
		if sess.StudentID != studentID || sess.PackageID != packageID {
			continue
		}
		if latest == nil || sess.CreatedAt.After(latest.CreatedAt) {
			copied := sess
			latest = &copied
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("checkout session for student %s package %s: %w",
			studentID, packageID, models.ErrNotFound)
	}
	return latest, nil
}

func (s *MemoryStore) PaymentByID(ctx context.Context, id string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paymentByID(id)
}

func (s *MemoryStore) paymentByID(id string) (*models.Payment, error) {
	p, ok := s.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, models.ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) PaymentByCheckoutID(ctx context.Context, checkoutID string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paymentByCheckoutID(checkoutID)
}

func (s *MemoryStore) paymentByCheckoutID(checkoutID string) (*models.Payment, error) {
	for _, p := range s.payments {
		if p.CheckoutID == checkoutID && checkoutID != "" {
			copied := p
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("payment for checkout %s: %w", checkoutID, models.ErrNotFound)
}

func (s *MemoryStore) SubscriptionByCheckoutID(ctx context.Context, checkoutID string) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriptionByCheckoutID(checkoutID)
}

func (s *MemoryStore) subscriptionByCheckoutID(checkoutID string) (*models.Subscription, error) {
	sub, ok := s.subs[checkoutID]
	if !ok {
		return nil, fmt.Errorf("subscription for checkout %s: %w", checkoutID, models.ErrNotFound)
	}
	return &sub, nil
}

func (s *MemoryStore) OutstandingDues(ctx context.Context, studentID string) ([]models.MonthlyDue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstandingDues(studentID)
}

func (s *MemoryStore) outstandingDues(studentID string) ([]models.MonthlyDue, error) {
	var dues []models.MonthlyDue
	for _, d := range s.dues {
		if d.StudentID == studentID && d.Remaining().IsPositive() {
			dues = append(dues, d)
		}
	}
	sort.Slice(dues, func(i, j int) bool {
		if dues[i].PeriodKey != dues[j].PeriodKey {
			return dues[i].PeriodKey < dues[j].PeriodKey
		}
		return dues[i].CreatedAt.Before(dues[j].CreatedAt)
	})
	return dues, nil
}

func (s *MemoryStore) CreateCheckoutSession(ctx context.Context, sess *models.CheckoutSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.TxRef]; exists {
		return fmt.Errorf("checkout session %s already exists", sess.TxRef)
	}
	now := time.Now().UTC()
	sess.CreatedAt, sess.UpdatedAt = now, now
	s.sessions[sess.TxRef] = *sess
	return nil
}

func (s *MemoryStore) CreateMonthlyDue(ctx context.Context, d *models.MonthlyDue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dueKey(d.StudentID, d.PeriodKey)
	if _, exists := s.dues[key]; exists {
		return nil
	}
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	s.dues[key] = *d
	return nil
}

func (s *MemoryStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createPayment(p)
}

func (s *MemoryStore) createPayment(p *models.Payment) error {
	if p.CheckoutID != "" {
		if _, err := s.paymentByCheckoutID(p.CheckoutID); err == nil {
			return fmt.Errorf("payment for checkout %s already exists", p.CheckoutID)
		}
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	s.payments[p.ID] = *p
	return nil
}

// memTx operates on the store's maps directly; WithinTx holds the lock
// for the whole callback.
type memTx struct {
	s *MemoryStore
}

func (t *memTx) SessionByTxRef(ctx context.Context, txRef string) (*models.CheckoutSession, error) {
	return t.s.sessionByTxRef(txRef)
}

func (t *memTx) SessionByStudentPackage(ctx context.Context, studentID, packageID string) (*models.CheckoutSession, error) {
	return t.s.sessionByStudentPackage(studentID, packageID)
}

func (t *memTx) PaymentByID(ctx context.Context, id string) (*models.Payment, error) {
	return t.s.paymentByID(id)
}

func (t *memTx) PaymentByCheckoutID(ctx context.Context, checkoutID string) (*models.Payment, error) {
	return t.s.paymentByCheckoutID(checkoutID)
}

func (t *memTx) SubscriptionByCheckoutID(ctx context.Context, checkoutID string) (*models.Subscription, error) {
	return t.s.subscriptionByCheckoutID(checkoutID)
}

func (t *memTx) OutstandingDues(ctx context.Context, studentID string) ([]models.MonthlyDue, error) {
	return t.s.outstandingDues(studentID)
}

func (t *memTx) ClaimSession(ctx context.Context, txRef string, from, to models.SessionStatus) (bool, error) {
	sess, ok := t.s.sessions[txRef]
	if !ok || sess.Status != from {
		return false, nil
	}
	sess.Status = to
	sess.UpdatedAt = time.Now().UTC()
	t.s.sessions[txRef] = sess
	return true, nil
}

func (t *memTx) SetSessionStatus(ctx context.Context, txRef string, status models.SessionStatus, reviewReason string) error {
	sess, ok := t.s.sessions[txRef]
	if !ok {
		return fmt.Errorf("checkout session %s: %w", txRef, models.ErrNotFound)
	}
	sess.Status = status
	sess.ReviewReason = reviewReason
	sess.UpdatedAt = time.Now().UTC()
	t.s.sessions[txRef] = sess
	return nil
}

func (t *memTx) ClaimPayment(ctx context.Context, id string, from, to models.PaymentStatus, reason string) (bool, error) {
	p, ok := t.s.payments[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	p.ReviewReason = reason
	p.UpdatedAt = time.Now().UTC()
	t.s.payments[id] = p
	return true, nil
}

func (t *memTx) CreatePayment(ctx context.Context, p *models.Payment) error {
	return t.s.createPayment(p)
}

func (t *memTx) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	if _, exists := t.s.subs[sub.CheckoutID]; exists {
		return fmt.Errorf("subscription for checkout %s already exists", sub.CheckoutID)
	}
	sub.CreatedAt = time.Now().UTC()
	t.s.subs[sub.CheckoutID] = *sub
	return nil
}

func (t *memTx) ApplyAllocation(ctx context.Context, studentID string, allocs []models.Allocation) error {
	for _, a := range allocs {
		key := dueKey(studentID, a.PeriodKey)
		d, ok := t.s.dues[key]
		if !ok {
			return fmt.Errorf("monthly due %s/%s: %w", studentID, a.PeriodKey, models.ErrNotFound)
		}
		next := d.PaidAmount.Add(a.Amount)
		if next.GreaterThan(d.ExpectedAmount.Add(models.AmountTolerance)) {
			return fmt.Errorf("allocation of %s to due %s/%s would exceed its expected amount",
				a.Amount, studentID, a.PeriodKey)
		}
		d.PaidAmount = next
		d.UpdatedAt = time.Now().UTC()
		t.s.dues[key] = d
	}
	return nil
}

// Due returns a copy of one due row; test helper.
func (s *MemoryStore) Due(studentID, periodKey string) (models.MonthlyDue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dues[dueKey(studentID, periodKey)]
	return d, ok
}

// Payments returns copies of all payment rows; test helper.
func (s *MemoryStore) Payments() []models.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Payment, 0, len(s.payments))
	for _, p := range s.payments {
		out = append(out, p)
	}
	return out
}
