package http_api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocus-app/activation/internal/config"
	"github.com/ocus-app/activation/internal/models"
	"github.com/ocus-app/activation/pkg/logger"
)

const (
	testAdminToken    = "admin-secret"
	testWebhookSecret = "webhook-secret"
)

var webhookAuth = []string{"Authorization", "Bearer " + testWebhookSecret}

// fakeActivation answers with canned results; unset hooks fail the call.
type fakeActivation struct {
	models.ActivationI

	complete  func(models.PaymentConfirmation) (*models.PurchaseResult, error)
	reveal    func(string) (string, error)
	useFeat   func(string) (models.TrialResult, error)
	download  func(string) (*models.Order, error)
	refund    func(string) (*models.Order, error)
	reconcile func() (*models.ReconcileReport, error)
	findRef   func(string) (*models.Order, error)
}

func (f *fakeActivation) CompletePurchase(_ context.Context, in models.PaymentConfirmation) (*models.PurchaseResult, error) {
	return f.complete(in)
}

func (f *fakeActivation) RevealKey(_ context.Context, email string) (string, error) {
	return f.reveal(email)
}

func (f *fakeActivation) UseFeature(_ context.Context, email string) (models.TrialResult, error) {
	return f.useFeat(email)
}

func (f *fakeActivation) RegisterDownload(_ context.Context, token string) (*models.Order, error) {
	return f.download(token)
}

func (f *fakeActivation) MarkRefunded(_ context.Context, id string) (*models.Order, error) {
	return f.refund(id)
}

func (f *fakeActivation) Reconcile(context.Context) (*models.ReconcileReport, error) {
	return f.reconcile()
}

func (f *fakeActivation) FindByPaymentReference(_ context.Context, ref string) (*models.Order, error) {
	return f.findRef(ref)
}

func newTestServer(t *testing.T, activation models.ActivationI, gatherer prometheus.Gatherer) *HTTPServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Development:          true,
		CORSAllowedOrigins:   []string{"*"},
		AdminToken:           testAdminToken,
		PaymentWebhookSecret: testWebhookSecret,
	}
	return newHTTPServer(activation, cfg, gatherer, logger.NewNop())
}

func do(s *HTTPServer, method, path, body string, headers ...string) (*httptest.ResponseRecorder, map[string]interface{}) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var out map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestCompletePurchaseHandler(t *testing.T) {
	var got models.PaymentConfirmation
	replayed := false
	fake := &fakeActivation{complete: func(in models.PaymentConfirmation) (*models.PurchaseResult, error) {
		got = in
		return &models.PurchaseResult{OrderID: "order-1", DownloadToken: "tok", InvoiceNumber: "INV-1", Replayed: replayed}, nil
	}}
	s := newTestServer(t, fake, nil)
	body := `{"payment_reference":"pay_1","customer_email":"a@example.com","amount":"29.99","currency":"EUR"}`

	w, out := do(s, http.MethodPost, "/api/v1/purchases/complete", body, webhookAuth...)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "pay_1", got.PaymentReference)
	assert.Equal(t, "29.99", got.Amount.StringFixed(2))
	purchase := out["purchase"].(map[string]interface{})
	assert.Equal(t, "order-1", purchase["order_id"])
	assert.Nil(t, purchase["activation_key"])

	replayed = true
	w, _ = do(s, http.MethodPost, "/api/v1/purchases/complete", body, webhookAuth...)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCompletePurchaseHandlerBadBody(t *testing.T) {
	s := newTestServer(t, &fakeActivation{}, nil)

	w, out := do(s, http.MethodPost, "/api/v1/purchases/complete", `{"customer_email":"a@example.com"}`, webhookAuth...)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, false, out["success"])

	w, _ = do(s, http.MethodPost, "/api/v1/purchases/complete", `not json`, webhookAuth...)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCompletePurchaseHandlerRequiresCredential(t *testing.T) {
	calls := 0
	fake := &fakeActivation{complete: func(models.PaymentConfirmation) (*models.PurchaseResult, error) {
		calls++
		return &models.PurchaseResult{OrderID: "order-1"}, nil
	}}
	s := newTestServer(t, fake, nil)
	body := `{"payment_reference":"forged","customer_email":"x@example.com","amount":"0.01","currency":"EUR"}`

	w, out := do(s, http.MethodPost, "/api/v1/purchases/complete", body)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, false, out["success"])
	w, _ = do(s, http.MethodPost, "/api/v1/purchases/complete", body, "Authorization", "Bearer guess")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Zero(t, calls)

	w, _ = do(s, http.MethodPost, "/api/v1/purchases/complete", body, "Authorization", "Bearer "+testAdminToken)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 1, calls)
}

func TestCompletePurchaseHandlerClosedWithoutSecrets(t *testing.T) {
	gin.SetMode(gin.TestMode)
	fake := &fakeActivation{complete: func(models.PaymentConfirmation) (*models.PurchaseResult, error) {
		t.Fatal("completion reached the pipeline")
		return nil, nil
	}}
	s := newHTTPServer(fake, &config.Config{Development: true}, nil, logger.NewNop())
	body := `{"payment_reference":"pay_1","customer_email":"a@example.com","amount":"29.99","currency":"EUR"}`

	w, _ := do(s, http.MethodPost, "/api/v1/purchases/complete", body, "Authorization", "Bearer ")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRevealHandlerStatuses(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		retry  bool
	}{
		{"payment required", models.ErrPaymentRequired, http.StatusPaymentRequired, false},
		{"key not ready", fmt.Errorf("failed to reveal activation key: %w", models.ErrKeyNotReady), http.StatusConflict, true},
		{"invalid email", fmt.Errorf("%w: bad email", models.ErrInvalidInput), http.StatusBadRequest, false},
		{"database down", errors.New("connection refused"), http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &fakeActivation{reveal: func(string) (string, error) { return "", tt.err }}, nil)

			w, out := do(s, http.MethodPost, "/api/v1/accounts/a@example.com/reveal", "")
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, false, out["success"])
			if tt.retry {
				assert.Equal(t, true, out["retry"])
			} else {
				assert.Nil(t, out["retry"])
			}
			if tt.status == http.StatusInternalServerError {
				assert.NotContains(t, out["error"], "connection refused")
			}
		})
	}
}

func TestRevealHandlerReturnsKey(t *testing.T) {
	var email string
	s := newTestServer(t, &fakeActivation{reveal: func(e string) (string, error) {
		email = e
		return "OCUS-1-AAAAAAAA", nil
	}}, nil)

	w, out := do(s, http.MethodPost, "/api/v1/accounts/buyer@example.com/reveal", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "buyer@example.com", email)
	assert.Equal(t, "OCUS-1-AAAAAAAA", out["activation_key"])
}

func TestTrialHandler(t *testing.T) {
	remaining := 1
	s := newTestServer(t, &fakeActivation{useFeat: func(string) (models.TrialResult, error) {
		if remaining < 0 {
			return models.TrialResult{}, models.ErrTrialExhausted
		}
		remaining--
		return models.TrialResult{Allowed: true, Remaining: remaining + 1}, nil
	}}, nil)

	w, out := do(s, http.MethodPost, "/api/v1/accounts/a@example.com/trial", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, out["allowed"])

	do(s, http.MethodPost, "/api/v1/accounts/a@example.com/trial", "")
	w, out = do(s, http.MethodPost, "/api/v1/accounts/a@example.com/trial", "")
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, false, out["allowed"])
	assert.EqualValues(t, 0, out["remaining"])
}

func TestDownloadHandler(t *testing.T) {
	s := newTestServer(t, &fakeActivation{download: func(token string) (*models.Order, error) {
		if token == "spent" {
			return nil, models.ErrDownloadLimitReached
		}
		return &models.Order{ProductID: "ocus-extension", MaxDownloads: 5, DownloadCount: 2}, nil
	}}, nil)

	w, out := do(s, http.MethodGet, "/api/v1/downloads/fresh", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, out["downloads_remaining"])

	w, _ = do(s, http.MethodGet, "/api/v1/downloads/spent", "")
	assert.Equal(t, http.StatusGone, w.Code)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	fake := &fakeActivation{
		reconcile: func() (*models.ReconcileReport, error) {
			return &models.ReconcileReport{UsersFixed: 1, Errors: []models.ReconcileError{}}, nil
		},
		refund: func(id string) (*models.Order, error) {
			return nil, fmt.Errorf("failed to mark order refunded: %w", models.ErrInvalidTransition)
		},
		findRef: func(string) (*models.Order, error) { return nil, nil },
	}
	s := newTestServer(t, fake, nil)

	w, _ := do(s, http.MethodPost, "/api/v1/admin/reconcile", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, _ = do(s, http.MethodPost, "/api/v1/admin/reconcile", "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusForbidden, w.Code)

	auth := []string{"Authorization", "Bearer " + testAdminToken}
	w, out := do(s, http.MethodPost, "/api/v1/admin/reconcile", "", auth...)
	require.Equal(t, http.StatusOK, w.Code)
	report := out["report"].(map[string]interface{})
	assert.EqualValues(t, 1, report["users_fixed"])

	w, _ = do(s, http.MethodPost, "/api/v1/orders/order-1/refund", "", auth...)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = do(s, http.MethodGet, "/api/v1/orders/by-reference/pay_1", "", auth...)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "ocus_activation_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()
	s := newTestServer(t, &fakeActivation{}, reg)

	w, _ := do(s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ocus_activation_test_total 1")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(fmt.Errorf("x: %w", models.ErrAccountHasPurchases)))
	assert.Equal(t, http.StatusForbidden, statusFor(models.ErrKeyInactive))
	assert.Equal(t, http.StatusNotFound, statusFor(fmt.Errorf("failed to get account: %w", models.ErrNotFound)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(models.ErrInternal))
}
