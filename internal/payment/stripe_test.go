package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testSecret = "whsec_test_secret"

func eventPayload(t *testing.T, id, eventType string, object any) []byte {
	t.Helper()
	obj, err := json.Marshal(object)
	require.NoError(t, err)

	payload, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"created":     time.Now().Unix(),
		"data":        map[string]any{"object": json.RawMessage(obj)},
	})
	require.NoError(t, err)
	return payload
}

func sign(payload []byte, secret string) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func TestVerifierAcceptsSignedPayload(t *testing.T) {
	payload := eventPayload(t, "evt_1", "checkout.session.completed", map[string]any{"id": "cs_test_1", "object": "checkout.session"})

	ev, err := NewVerifier(testSecret).Verify(payload, sign(payload, testSecret))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, stripe.EventTypeCheckoutSessionCompleted, ev.Type)
}

func TestVerifierRejectsBadSignatures(t *testing.T) {
	payload := eventPayload(t, "evt_1", "charge.refunded", map[string]any{"id": "ch_1", "object": "charge"})
	v := NewVerifier(testSecret)

	tampered := make([]byte, 0, len(payload)+8)
	tampered = append(tampered, payload[:len(payload)-1]...)
	tampered = append(tampered, `,"x":1}`...)

	tests := []struct {
		name    string
		payload []byte
		header  string
	}{
		{"wrong secret", payload, sign(payload, "whsec_other")},
		{"tampered body", tampered, sign(payload, testSecret)},
		{"missing header", payload, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.payload, tt.header)
			assert.ErrorIs(t, err, ErrSignatureInvalid)
		})
	}
}

func parse(t *testing.T, payload []byte) (*Event, error) {
	t.Helper()
	var se stripe.Event
	require.NoError(t, json.Unmarshal(payload, &se))
	return ParseEvent(se)
}

func TestParseCheckoutCompleted(t *testing.T) {
	orderID, userID := uuid.New(), uuid.New()
	line := BookingLine{ServiceID: uuid.New(), SlotID: uuid.New(), Price: 2500, Quantity: 1, LateFee: 500}
	bundle := BundleLine{BundleBookingID: uuid.New(), BundleID: uuid.New(), SlotID: uuid.New(), Price: 3500}
	meta, err := EncodeMetadata(orderID, userID, []BookingLine{line}, []BundleLine{bundle})
	require.NoError(t, err)

	ev, err := parse(t, eventPayload(t, "evt_cs", "checkout.session.completed", map[string]any{
		"id":             "cs_test_1",
		"object":         "checkout.session",
		"payment_intent": "pi_test_1",
		"metadata":       meta,
	}))
	require.NoError(t, err)

	assert.Equal(t, KindCheckoutCompleted, ev.Kind)
	assert.Equal(t, "cs_test_1", ev.PaymentRef)
	assert.Equal(t, "pi_test_1", ev.PaymentIntentID)
	assert.Equal(t, orderID, ev.OrderID)
	assert.Equal(t, userID, ev.UserID)
	assert.Equal(t, []BookingLine{line}, ev.Bookings)
	assert.Equal(t, []BundleLine{bundle}, ev.Bundles)
}

func TestParsePaymentIntentAndCharge(t *testing.T) {
	orderID := uuid.New()

	ev, err := parse(t, eventPayload(t, "evt_pf", "payment_intent.payment_failed", map[string]any{
		"id":       "pi_test_2",
		"object":   "payment_intent",
		"metadata": map[string]string{MetaOrderID: orderID.String()},
	}))
	require.NoError(t, err)
	assert.Equal(t, KindPaymentFailed, ev.Kind)
	assert.Equal(t, "pi_test_2", ev.PaymentRef)
	assert.Equal(t, orderID, ev.OrderID)

	ev, err = parse(t, eventPayload(t, "evt_ps", "payment_intent.succeeded", map[string]any{"id": "pi_test_2", "object": "payment_intent"}))
	require.NoError(t, err)
	assert.Equal(t, KindPaymentSucceeded, ev.Kind)
	assert.Equal(t, uuid.Nil, ev.OrderID)

	ev, err = parse(t, eventPayload(t, "evt_cr", "charge.refunded", map[string]any{
		"id":             "ch_test_1",
		"object":         "charge",
		"payment_intent": "pi_test_2",
	}))
	require.NoError(t, err)
	assert.Equal(t, KindChargeRefunded, ev.Kind)
	assert.Equal(t, "pi_test_2", ev.PaymentRef)
	assert.Equal(t, "pi_test_2", ev.PaymentIntentID)
}

func TestParseRejectsUnknownAndMalformed(t *testing.T) {
	_, err := parse(t, eventPayload(t, "evt_x", "customer.created", map[string]any{"id": "cus_1", "object": "customer"}))
	assert.ErrorIs(t, err, ErrUnsupportedEvent)

	_, err = parse(t, eventPayload(t, "evt_y", "checkout.session.completed", map[string]any{
		"id":       "cs_test_3",
		"object":   "checkout.session",
		"metadata": map[string]string{MetaBookings: "not json"},
	}))
	assert.ErrorIs(t, err, ErrMalformedEvent)

	_, err = parse(t, eventPayload(t, "evt_z", "payment_intent.succeeded", map[string]any{
		"id":       "pi_test_3",
		"object":   "payment_intent",
		"metadata": map[string]string{MetaOrderID: "order-42"},
	}))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestStripeGatewayCreatesSession(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(body))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"cs_test_123","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_test_123","payment_intent":"pi_test_123","expires_at":%s}`, form.Get("expires_at"))
	}))
	defer srv.Close()

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	gw := NewStripeGatewayWithBackend(GatewayConfig{
		SecretKey:  "sk_test_123",
		SuccessURL: "https://example.com/ok",
		CancelURL:  "https://example.com/cancel",
	}, backend, zerolog.New(io.Discard))

	orderID, userID := uuid.New(), uuid.New()
	meta, err := EncodeMetadata(orderID, userID, nil, nil)
	require.NoError(t, err)

	expiresAt := time.Now().Add(2 * time.Hour).Truncate(time.Second).UTC()
	sess, err := gw.CreateCheckoutSession(context.Background(), SessionRequest{
		OrderID:   orderID,
		UserID:    userID,
		Lines:     []SessionLine{{Name: "Kettlebell basics", UnitAmount: 2500, Quantity: 1}},
		Metadata:  meta,
		ExpiresAt: expiresAt,
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_123", sess.ID)
	assert.Equal(t, "pi_test_123", sess.PaymentIntentID)
	assert.Contains(t, sess.URL, "cs_test_123")
	assert.Equal(t, expiresAt, sess.ExpiresAt)

	assert.Equal(t, "payment", form.Get("mode"))
	assert.Equal(t, orderID.String(), form.Get("metadata[order_id]"))
	assert.Equal(t, orderID.String(), form.Get("payment_intent_data[metadata][order_id]"))
	assert.Equal(t, "2500", form.Get("line_items[0][price_data][unit_amount]"))
	assert.Equal(t, "usd", form.Get("line_items[0][price_data][currency]"))
	assert.Equal(t, strconv.FormatInt(expiresAt.Unix(), 10), form.Get("expires_at"))
}
