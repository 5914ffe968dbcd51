// Package gateway normalizes the status vocabularies of the external
// payment gateways into one canonical tri-state outcome.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ez-programmer4/school-ledger/internal/models"
)

// VerifyTimeout bounds the ground-truth lookup; past it the call
// surfaces a transient error and the caller retries with backoff.
const VerifyTimeout = 10 * time.Second

// Verifier asks a gateway for the ground-truth status of a
// transaction.
type Verifier interface {
	Verify(ctx context.Context, txRef, gateway string) (*models.GatewayResult, error)
}

// Gateway-specific status words, lowercased. Anything a gateway says
// that is not listed here is treated as transient so the transaction
// gets another look instead of a wrong terminal outcome.
var statusVocab = map[string]map[string]models.Outcome{
	"chapa": {
		"success":   models.OutcomeSuccess,
		"failed":    models.OutcomeFailure,
		"cancelled": models.OutcomeFailure,
		"reversed":  models.OutcomeFailure,
		"pending":   models.OutcomePending,
		"created":   models.OutcomePending,
	},
	"telebirr": {
		"completed":  models.OutcomeSuccess,
		"success":    models.OutcomeSuccess,
		"failure":    models.OutcomeFailure,
		"declined":   models.OutcomeFailure,
		"expired":    models.OutcomeFailure,
		"inprogress": models.OutcomePending,
		"processing": models.OutcomePending,
		"pending":    models.OutcomePending,
	},
}

// Normalize maps a raw gateway status word onto the canonical outcome.
// Casing is never trusted; observed feeds mix "Completed" and
// "completed" for the same state.
func Normalize(gateway, rawStatus string) (models.Outcome, error) {
	vocab, ok := statusVocab[strings.ToLower(gateway)]
	if !ok {
		return "", &models.GatewayError{
			Gateway:   gateway,
			Transient: false,
			Err:       fmt.Errorf("unknown gateway %q", gateway),
		}
	}
	outcome, ok := vocab[strings.ToLower(strings.TrimSpace(rawStatus))]
	if !ok {
		return "", &models.GatewayError{
			Gateway:   gateway,
			Transient: true,
			Err:       fmt.Errorf("unrecognized status %q", rawStatus),
		}
	}
	return outcome, nil
}

// HTTPVerifier looks transactions up against each gateway's verify
// endpoint.
type HTTPVerifier struct {
	client    *http.Client
	endpoints map[string]string
	logger    *zap.Logger
}

func NewHTTPVerifier(endpoints map[string]string, logger *zap.Logger) *HTTPVerifier {
	return &HTTPVerifier{
		client:    &http.Client{Timeout: VerifyTimeout},
		endpoints: endpoints,
		logger:    logger,
	}
}

type verifyResponse struct {
	Status    string          `json:"status"`
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
	Fee       decimal.Decimal `json:"fee"`
	Currency  string          `json:"currency"`
}

func (v *HTTPVerifier) Verify(ctx context.Context, txRef, gw string) (*models.GatewayResult, error) {
	base, ok := v.endpoints[strings.ToLower(gw)]
	if !ok {
		return nil, &models.GatewayError{
			Gateway:   gw,
			Transient: false,
			Err:       fmt.Errorf("no verify endpoint configured for %q", gw),
		}
	}

	url := fmt.Sprintf("%s/transactions/verify/%s", strings.TrimRight(base, "/"), txRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, &models.GatewayError{Gateway: gw, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, &models.GatewayError{
			Gateway:   gw,
			Transient: true,
			Err:       fmt.Errorf("verify returned %d", resp.StatusCode),
		}
	case resp.StatusCode >= 400:
		return nil, &models.GatewayError{
			Gateway:   gw,
			Transient: false,
			Err:       fmt.Errorf("verify returned %d", resp.StatusCode),
		}
	}

	var body verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &models.GatewayError{
			Gateway:   gw,
			Transient: true,
			Err:       fmt.Errorf("decoding verify response: %w", err),
		}
	}

	outcome, err := Normalize(gw, body.Status)
	if err != nil {
		return nil, err
	}

	v.logger.Debug("gateway verification",
		zap.String("gateway", gw),
		zap.String("tx_ref", txRef),
		zap.String("raw_status", body.Status),
		zap.String("outcome", string(outcome)),
	)

	return &models.GatewayResult{
		Outcome:   outcome,
		Reference: body.Reference,
		RawStatus: body.Status,
		Amount:    body.Amount,
		Fee:       body.Fee,
		Currency:  body.Currency,
	}, nil
}
