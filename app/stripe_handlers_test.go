package app

import (
	"bytes"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

// signedWebhookRequest posts an event body signed the way Stripe signs
// deliveries, so the handler's signature verification passes.
func signedWebhookRequest(t *testing.T, r *gin.Engine, event map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}

	now := time.Now()
	sig := webhook.ComputeSignature(now, payload, "whsec_test_123")
	header := fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(sig))

	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", header)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func checkoutCompletedEvent(eventID string, sessionObject map[string]any) map[string]any {
	return map[string]any{
		"id":   eventID,
		"type": "checkout.session.completed",
		"data": map[string]any{"object": sessionObject},
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	srv, mock := newTestServer(t)
	r := newTestRouter(srv)

	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader([]byte(`{"id":"evt_1"}`)))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["error"] != "invalid signature" {
		t.Fatalf("unexpected body: %v", body)
	}
	// A rejected delivery must not touch the store.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("store was touched: %v", err)
	}
}

func TestWebhookTokenPurchaseGrantsTokens(t *testing.T) {
	srv, mock := newTestServer(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stripe_events")).
		WithArgs("evt_1", "purchase").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO user_tokens")).
		WithArgs("user-2", 87).
		WillReturnRows(sqlmock.NewRows([]string{"tokens"}).AddRow(87))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO token_transactions")).
		WithArgs("user-2", 87, "purchase", "Token purchase (popular)", "pi_1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO purchases")).
		WithArgs("user-2", "pi_1", 2499, "usd", 87, "tokens").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	event := checkoutCompletedEvent("evt_1", map[string]any{
		"id":             "cs_1",
		"amount_total":   2499,
		"currency":       "usd",
		"payment_intent": "pi_1",
		"metadata": map[string]string{
			"type":       "token_purchase",
			"user_id":    "user-2",
			"package_id": "popular",
			"tokens":     "87",
		},
	})

	w := signedWebhookRequest(t, newTestRouter(srv), event)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["received"] != true {
		t.Fatalf("unexpected body: %v", body)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWebhookRedeliveryDoesNotDoubleCredit(t *testing.T) {
	srv, mock := newTestServer(t)
	r := newTestRouter(srv)

	// Redelivery of an already processed event: the claim insert hits the
	// primary key and nothing else runs.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stripe_events")).
		WithArgs("evt_1", "purchase").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	event := checkoutCompletedEvent("evt_1", map[string]any{
		"id":             "cs_1",
		"amount_total":   2499,
		"currency":       "usd",
		"payment_intent": "pi_1",
		"metadata": map[string]string{
			"type":       "token_purchase",
			"user_id":    "user-2",
			"package_id": "popular",
			"tokens":     "87",
		},
	})

	w := signedWebhookRequest(t, r, event)
	if w.Code != http.StatusOK {
		t.Fatalf("redelivery must still be acked with 200, got %d: %s", w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWebhookIgnoresUnknownEventType(t *testing.T) {
	srv, mock := newTestServer(t)

	event := map[string]any{
		"id":   "evt_9",
		"type": "payment_intent.created",
		"data": map[string]any{"object": map[string]any{"id": "pi_9"}},
	}

	w := signedWebhookRequest(t, newTestRouter(srv), event)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("store was touched: %v", err)
	}
}

func TestWebhookSubscriptionLifecycle(t *testing.T) {
	srv, mock := newTestServer(t)

	start := time.Unix(1700000000, 0).UTC()
	end := time.Unix(1702592000, 0).UTC()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE subscriptions")).
		WithArgs("sub_1", "canceled", start, end, false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	event := map[string]any{
		"id":   "evt_del_1",
		"type": "customer.subscription.deleted",
		"data": map[string]any{"object": map[string]any{
			"id":                   "sub_1",
			"status":               "canceled",
			"current_period_start": 1700000000,
			"current_period_end":   1702592000,
			"cancel_at_period_end": false,
		}},
	}

	w := signedWebhookRequest(t, newTestRouter(srv), event)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// stubStripeServer serves canned Stripe API responses so handlers that call
// back into Stripe can run against a local endpoint.
func stubStripeServer(t *testing.T, responses map[string]string) *client.API {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := responses[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(ts.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL: stripe.String(ts.URL),
	})
	return client.New("sk_test_123", &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
}

func TestWebhookInvoicePaymentGrantsMonthlyTokens(t *testing.T) {
	store, mock := newMockStore(t)
	sc := stubStripeServer(t, map[string]string{
		"/v1/subscriptions/sub_1": `{
			"id": "sub_1",
			"object": "subscription",
			"status": "active",
			"current_period_start": 1700000000,
			"current_period_end": 1702592000,
			"cancel_at_period_end": false,
			"metadata": {"user_id": "user-3", "plan_id": "basic", "tokens_per_month": "50"}
		}`,
	})
	srv, err := NewServer(store, sc, testConfig())
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stripe_events")).
		WithArgs("evt_inv_1", "subscription").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO user_tokens")).
		WithArgs("user-3", 50).
		WillReturnRows(sqlmock.NewRows([]string{"tokens"}).AddRow(50))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO token_transactions")).
		WithArgs("user-3", 50, "subscription", "Monthly subscription tokens", "pi_9").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO purchases")).
		WithArgs("user-3", "pi_9", 1999, "usd", 50, "subscription").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE subscriptions")).
		WithArgs("sub_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	event := map[string]any{
		"id":   "evt_inv_1",
		"type": "invoice.payment_succeeded",
		"data": map[string]any{"object": map[string]any{
			"id":             "in_1",
			"paid":           true,
			"amount_paid":    1999,
			"currency":       "usd",
			"subscription":   "sub_1",
			"payment_intent": "pi_9",
		}},
	}

	w := signedWebhookRequest(t, newTestRouter(srv), event)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWebhookUnpaidInvoiceGrantsNothing(t *testing.T) {
	srv, mock := newTestServer(t)

	event := map[string]any{
		"id":   "evt_inv_2",
		"type": "invoice.payment_succeeded",
		"data": map[string]any{"object": map[string]any{
			"id":           "in_2",
			"paid":         false,
			"subscription": "sub_1",
		}},
	}

	w := signedWebhookRequest(t, newTestRouter(srv), event)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("store was touched: %v", err)
	}
}

func TestTokensCheckoutUnknownUser(t *testing.T) {
	srv, mock := newTestServer(t)

	// Grants lazily create wallet rows, so checkout must reject users the
	// identity provider never minted before Stripe takes their money.
	mock.ExpectQuery(regexp.QuoteMeta("FROM profiles")).
		WithArgs("ghost-user").
		WillReturnError(sql.ErrNoRows)

	w := doJSON(t, newTestRouter(srv), http.MethodPost, "/api/stripe/checkout", map[string]any{
		"type":      "tokens",
		"packageId": "starter",
		"userId":    "ghost-user",
	})

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["error"] != "user not found" {
		t.Fatalf("unexpected body: %v", body)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTokensCheckoutCreatesSession(t *testing.T) {
	store, mock := newMockStore(t)
	sc := stubStripeServer(t, map[string]string{
		"/v1/checkout/sessions": `{"id": "cs_1", "url": "https://checkout.stripe.test/cs_1"}`,
	})
	srv, err := NewServer(store, sc, testConfig())
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}

	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM profiles")).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "email", "full_name", "created_at", "updated_at"}).
			AddRow("user-1", "user@example.com", nil, now, now))

	w := doJSON(t, newTestRouter(srv), http.MethodPost, "/api/stripe/checkout", map[string]any{
		"type":      "tokens",
		"packageId": "starter",
		"userId":    "user-1",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["sessionId"] != "cs_1" || body["url"] != "https://checkout.stripe.test/cs_1" {
		t.Fatalf("unexpected body: %v", body)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWebhookAcksUnusableTokenMetadata(t *testing.T) {
	srv, mock := newTestServer(t)

	event := checkoutCompletedEvent("evt_bad_1", map[string]any{
		"id":       "cs_bad",
		"currency": "usd",
		"metadata": map[string]string{
			"type":       "token_purchase",
			"user_id":    "user-2",
			"package_id": "popular",
			"tokens":     "NaN",
		},
	})

	// Metadata never changes between redeliveries, so a 500 here would make
	// Stripe retry forever. The delivery is acked and nothing is granted.
	w := signedWebhookRequest(t, newTestRouter(srv), event)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("store was touched: %v", err)
	}
}

func activeSubscriptionRows(userID string) *sqlmock.Rows {
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	return sqlmock.NewRows([]string{
		"id", "user_id", "stripe_subscription_id", "stripe_customer_id", "status",
		"current_period_start", "current_period_end", "cancel_at_period_end",
		"plan_name", "plan_amount", "tokens_per_month", "last_token_grant",
		"created_at", "updated_at",
	}).AddRow(1, userID, "sub_1", "cus_1", "active", now, now.AddDate(0, 1, 0), false, "Basic Plan", 1999, 50, nil, now, now)
}

func TestCreatePortalSession(t *testing.T) {
	store, mock := newMockStore(t)
	sc := stubStripeServer(t, map[string]string{
		"/v1/billing_portal/sessions": `{"id": "bps_1", "url": "https://billing.stripe.test/bps_1"}`,
	})
	srv, err := NewServer(store, sc, testConfig())
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("FROM subscriptions")).
		WithArgs("user-1").
		WillReturnRows(activeSubscriptionRows("user-1"))

	w := doJSON(t, newTestRouter(srv), http.MethodPost, "/api/stripe/portal", map[string]any{
		"userId": "user-1",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["url"] != "https://billing.stripe.test/bps_1" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestCreatePortalSessionNoSubscription(t *testing.T) {
	srv, mock := newTestServer(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM subscriptions")).
		WithArgs("user-1").
		WillReturnError(sql.ErrNoRows)

	w := doJSON(t, newTestRouter(srv), http.MethodPost, "/api/stripe/portal", map[string]any{
		"userId": "user-1",
	})

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["error"] != "no active subscription found" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestCreatePortalSessionRequiresUser(t *testing.T) {
	srv, mock := newTestServer(t)

	w := doJSON(t, newTestRouter(srv), http.MethodPost, "/api/stripe/portal", map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("store was touched: %v", err)
	}
}

func TestCreateCheckoutSessionValidation(t *testing.T) {
	srv, mock := newTestServer(t)
	r := newTestRouter(srv)

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing user", map[string]any{"type": "tokens", "packageId": "starter"}, http.StatusBadRequest},
		{"missing package", map[string]any{"type": "tokens", "userId": "user-1"}, http.StatusBadRequest},
		{"unknown package", map[string]any{"type": "tokens", "packageId": "mega", "userId": "user-1"}, http.StatusBadRequest},
		{"unknown plan", map[string]any{"type": "subscription", "planId": "platinum", "userId": "user-1"}, http.StatusBadRequest},
		{"unknown type", map[string]any{"type": "gift", "userId": "user-1"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, r, http.MethodPost, "/api/stripe/checkout", tc.body)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("store was touched: %v", err)
	}
}
