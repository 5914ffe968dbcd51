package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ez-programmer4/school-ledger/internal/directory"
	"github.com/ez-programmer4/school-ledger/internal/events"
	"github.com/ez-programmer4/school-ledger/internal/models"
	"github.com/ez-programmer4/school-ledger/internal/repository"
	"github.com/ez-programmer4/school-ledger/internal/service"
)

// stubVerifier keeps every session pending; the webhook routes under
// test never reach the gateway.
type stubVerifier struct{}

func (stubVerifier) Verify(ctx context.Context, txRef, gw string) (*models.GatewayResult, error) {
	return &models.GatewayResult{Outcome: models.OutcomePending, RawStatus: "pending"}, nil
}

// heldLocker refuses a second lock on the same key until unlocked.
type heldLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newHeldLocker() *heldLocker { return &heldLocker{held: make(map[string]bool)} }

func (l *heldLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *heldLocker) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

type handlerEnv struct {
	router *gin.Engine
	store  *repository.MemoryStore
	queue  *service.MemoryQueue
	locker *heldLocker
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := repository.NewMemoryStore()
	dir := directory.NewStaticDirectory()
	dir.PutStudent(directory.StudentProfile{
		StudentID:  "student-1",
		Currency:   "ETB",
		EnrolledAt: time.Date(2026, time.April, 15, 0, 0, 0, 0, time.UTC),
		MonthlyFee: decimal.NewFromInt(100),
	})

	logger := zap.NewNop()
	queue := service.NewMemoryQueue()
	locker := newHeldLocker()
	provisioner := service.NewProvisioner(dir)
	finalizer := service.NewFinalizer(store, provisioner, events.NopPublisher{}, logger)
	reconciler := service.NewReconciler(store, stubVerifier{}, finalizer, queue, logger)
	checkouts := service.NewCheckouts(store, dir, logger)
	deposits := service.NewDeposits(store, dir, events.NopPublisher{}, logger)

	checkoutHandler := NewCheckoutHandler(checkouts, reconciler, logger)
	webhookHandler := NewWebhookHandler(finalizer, reconciler, locker, logger)
	depositHandler := NewDepositHandler(deposits, logger)

	router := gin.New()
	router.POST("/checkout/initiate", checkoutHandler.Initiate)
	router.GET("/checkout/status", checkoutHandler.Status)
	router.POST("/webhooks/:gateway", webhookHandler.Receive)
	router.POST("/deposits", depositHandler.Submit)
	router.PUT("/payments/:id/review", depositHandler.Review)

	return &handlerEnv{router: router, store: store, queue: queue, locker: locker}
}

func (e *handlerEnv) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	decoded := map[string]any{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func (e *handlerEnv) seedDepositSession(t *testing.T) string {
	t.Helper()
	_, body := e.do(t, http.MethodPost, "/checkout/initiate", gin.H{
		"student_id": "student-1",
		"intent":     "deposit",
		"gateway":    "chapa",
		"months":     []string{"2026-05"},
		"amount":     "100",
	})
	txRef, _ := body["tx_ref"].(string)
	if txRef == "" {
		t.Fatalf("expected a tx_ref in %v", body)
	}
	return txRef
}

func TestWebhookReceive(t *testing.T) {
	t.Run("Given a success push Then the session finalizes", func(t *testing.T) {
		env := newHandlerEnv(t)
		txRef := env.seedDepositSession(t)

		rec, body := env.do(t, http.MethodPost, "/webhooks/chapa", gin.H{
			"txRef":            txRef,
			"gatewayStatus":    "success",
			"gatewayReference": "gw-1",
			"amount":           "100",
			"currency":         "ETB",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %v", rec.Code, body)
		}
		if body["status"] != "completed" {
			t.Errorf("expected completed, got %v", body["status"])
		}

		due, _ := env.store.Due("student-1", "2026-05")
		if due.Status() != models.DuePaid {
			t.Errorf("expected the May due paid, got %s", due.Status())
		}
	})

	t.Run("Given a concurrent duplicate delivery Then it is acknowledged without work", func(t *testing.T) {
		env := newHandlerEnv(t)
		txRef := env.seedDepositSession(t)
		env.locker.TryLock(context.Background(), "webhook:"+txRef, time.Minute)

		rec, body := env.do(t, http.MethodPost, "/webhooks/chapa", gin.H{
			"txRef":         txRef,
			"gatewayStatus": "success",
		})
		if rec.Code != http.StatusOK || body["status"] != "duplicate" {
			t.Fatalf("expected a duplicate ack, got %d: %v", rec.Code, body)
		}
		sess, _ := env.store.SessionByTxRef(context.Background(), txRef)
		if sess.Status != models.SessionPending {
			t.Errorf("expected session untouched, got %s", sess.Status)
		}
	})

	t.Run("Given an unknown transaction reference Then the push is acknowledged", func(t *testing.T) {
		env := newHandlerEnv(t)
		rec, body := env.do(t, http.MethodPost, "/webhooks/chapa", gin.H{
			"txRef":         "txn-nobody",
			"gatewayStatus": "success",
		})
		if rec.Code != http.StatusOK || body["status"] != "unknown" {
			t.Fatalf("expected an unknown ack, got %d: %v", rec.Code, body)
		}
	})

	t.Run("Given an unrecognized gateway status Then the push is refused", func(t *testing.T) {
		env := newHandlerEnv(t)
		txRef := env.seedDepositSession(t)
		rec, _ := env.do(t, http.MethodPost, "/webhooks/chapa", gin.H{
			"txRef":         txRef,
			"gatewayStatus": "weird",
		})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("Given a pending push Then verification is scheduled instead", func(t *testing.T) {
		env := newHandlerEnv(t)
		txRef := env.seedDepositSession(t)
		rec, body := env.do(t, http.MethodPost, "/webhooks/chapa", gin.H{
			"txRef":         txRef,
			"gatewayStatus": "pending",
		})
		if rec.Code != http.StatusOK || body["status"] != "pending" {
			t.Fatalf("expected a pending ack, got %d: %v", rec.Code, body)
		}
		refs, _ := env.queue.Due(context.Background(), time.Now().Add(time.Minute), 10)
		if len(refs) != 1 || refs[0] != txRef {
			t.Errorf("expected %s queued, got %v", txRef, refs)
		}
	})

	t.Run("Given an empty payload Then the push is refused", func(t *testing.T) {
		env := newHandlerEnv(t)
		rec, _ := env.do(t, http.MethodPost, "/webhooks/chapa", gin.H{})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestCheckoutStatus(t *testing.T) {
	t.Run("Given an unknown txRef Then status is 404", func(t *testing.T) {
		env := newHandlerEnv(t)
		rec, _ := env.do(t, http.MethodGet, "/checkout/status?txRef=txn-nobody", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("Given a pending session with autoVerify off Then the client is told to poll", func(t *testing.T) {
		env := newHandlerEnv(t)
		txRef := env.seedDepositSession(t)
		rec, body := env.do(t, http.MethodGet, "/checkout/status?txRef="+txRef+"&autoVerify=false", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if body["status"] != "pending" {
			t.Errorf("expected pending, got %v", body["status"])
		}
	})
}

func TestDepositReview(t *testing.T) {
	submit := func(t *testing.T, env *handlerEnv) string {
		t.Helper()
		_, body := env.do(t, http.MethodPost, "/deposits", gin.H{
			"student_id":     "student-1",
			"months":         []string{"2026-05"},
			"amount":         "100",
			"transaction_id": "bank-100",
		})
		id, _ := body["payment_id"].(string)
		if id == "" {
			t.Fatalf("expected a payment_id in %v", body)
		}
		return id
	}

	t.Run("Given a pending deposit When approved over HTTP Then it allocates", func(t *testing.T) {
		env := newHandlerEnv(t)
		id := submit(t, env)

		rec, body := env.do(t, http.MethodPut, "/payments/"+id+"/review", gin.H{"status": "approved"})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %v", rec.Code, body)
		}
		due, _ := env.store.Due("student-1", "2026-05")
		if due.Status() != models.DuePaid {
			t.Errorf("expected the May due paid, got %s", due.Status())
		}
	})

	t.Run("Given an already reviewed deposit Then review conflicts", func(t *testing.T) {
		env := newHandlerEnv(t)
		id := submit(t, env)
		env.do(t, http.MethodPut, "/payments/"+id+"/review", gin.H{"status": "approved"})

		rec, _ := env.do(t, http.MethodPut, "/payments/"+id+"/review", gin.H{"status": "rejected", "reason": "late"})
		if rec.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", rec.Code)
		}
	})

	t.Run("Given a deposit exceeding dues Then review is unprocessable", func(t *testing.T) {
		env := newHandlerEnv(t)
		_, body := env.do(t, http.MethodPost, "/deposits", gin.H{
			"student_id":     "student-1",
			"months":         []string{"2026-05"},
			"amount":         "110",
			"transaction_id": "bank-101",
		})
		id, _ := body["payment_id"].(string)

		rec, _ := env.do(t, http.MethodPut, "/payments/"+id+"/review", gin.H{"status": "approved"})
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected 422, got %d", rec.Code)
		}
	})

	t.Run("Given an unknown payment Then review is 404", func(t *testing.T) {
		env := newHandlerEnv(t)
		rec, _ := env.do(t, http.MethodPut, "/payments/missing/review", gin.H{"status": "approved"})
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})
}
