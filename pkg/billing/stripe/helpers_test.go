package stripe

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/caltrax/subsync/pkg/billing"
	"github.com/caltrax/subsync/pkg/subsync"
	"github.com/caltrax/subsync/storage/memory"
)

const (
	testWebhookSecret = "whsec_test_secret"
	testCustomerID    = "cus_test_123"
	testPriceIDPro    = "price_pro_monthly"
)

var testEventTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// subscriptionEvent builds a Stripe subscription event payload
func subscriptionEvent(t *testing.T, eventID, eventType, status string, created time.Time) []byte {
	t.Helper()
	periodEnd := created.Add(30 * 24 * time.Hour).Unix()
	return mustJSON(t, map[string]interface{}{
		"id":      eventID,
		"object":  "event",
		"type":    eventType,
		"created": created.Unix(),
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":                   "sub_test",
				"object":               "subscription",
				"customer":             testCustomerID,
				"status":               status,
				"cancel_at_period_end": false,
				"items": map[string]interface{}{
					"object": "list",
					"data": []interface{}{
						map[string]interface{}{
							"id":                 "si_test",
							"object":             "subscription_item",
							"current_period_end": periodEnd,
							"price":              map[string]interface{}{"id": testPriceIDPro, "object": "price"},
						},
					},
				},
			},
		},
	})
}

// invoiceEvent builds an invoice.payment_failed payload billing one period
func invoiceEvent(t *testing.T, eventID string, created time.Time) []byte {
	t.Helper()
	return mustJSON(t, map[string]interface{}{
		"id":      eventID,
		"object":  "event",
		"type":    EventPaymentFailed,
		"created": created.Unix(),
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":       "in_test",
				"object":   "invoice",
				"customer": testCustomerID,
				"parent": map[string]interface{}{
					"type":                 "subscription_details",
					"subscription_details": map[string]interface{}{"subscription": "sub_test"},
				},
				"lines": map[string]interface{}{
					"object": "list",
					"data": []interface{}{
						map[string]interface{}{
							"id":     "il_test",
							"object": "line_item",
							"period": map[string]interface{}{
								"start": created.Unix(),
								"end":   invoicePeriodEnd(created).Unix(),
							},
							"pricing": map[string]interface{}{
								"type":          "price_details",
								"price_details": map[string]interface{}{"price": testPriceIDPro, "product": "prod_test"},
							},
						},
					},
				},
			},
		},
	})
}

// invoicePeriodEnd is the period end billed by invoiceEvent
func invoicePeriodEnd(created time.Time) time.Time {
	return created.Add(30 * 24 * time.Hour)
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// sign returns a valid Stripe-Signature header for payload
func sign(payload []byte, secret string) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

type testEnv struct {
	store    *memory.Store
	provider *Provider
	handler  http.Handler
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	store := memory.New()
	reconcilerCfg := subsync.DefaultConfig()
	reconcilerCfg.RetryBackoff = -1
	reconciler, err := subsync.NewReconciler(store, reconcilerCfg)
	require.NoError(t, err)

	cfg := Config{
		Config: billing.Config{
			Reconciler:    reconciler,
			WebhookSecret: testWebhookSecret,
		},
	}
	for _, m := range mutate {
		m(&cfg)
	}

	provider, err := NewProvider(cfg)
	require.NoError(t, err)
	return &testEnv{store: store, provider: provider, handler: provider.WebhookHandler()}
}

func (e *testEnv) deliver(payload []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(payload)))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}
