package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/hackgods/training-booking/internal/booking"
	"github.com/hackgods/training-booking/internal/checkout"
	"github.com/hackgods/training-booking/internal/metrics"
	"github.com/hackgods/training-booking/internal/payment"
	redisclient "github.com/hackgods/training-booking/internal/redis"
)

const webhookSecret = "whsec_api_test"

type testServer struct {
	*httptest.Server
	store   *booking.MemoryStore
	engine  *booking.Engine
	service booking.Service
	start   time.Time
}

type serverOptions struct {
	locker    redisclient.OrderLocker
	rateLimit float64
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	logger := zerolog.New(io.Discard)
	reg := prometheus.NewRegistry()
	store := booking.NewMemoryStore()
	engine := booking.NewEngine(store, nil, metrics.New(reg), logger, booking.EngineConfig{})
	gateway := payment.NewMockGateway(logger)

	srv := httptest.NewServer(NewRouter(RouterConfig{
		Engine:       engine,
		Checkout:     checkout.NewCoordinator(engine, gateway, checkout.CoordinatorConfig{Currency: "usd"}, logger),
		Processor:    payment.NewProcessor(engine, opts.locker, nil, gateway, logger),
		Verifier:     payment.NewVerifier(webhookSecret),
		Gatherer:     reg,
		Logger:       logger,
		RateLimitRPS: opts.rateLimit,
		Env:          "test",
		Version:      "test",
	}))
	t.Cleanup(srv.Close)

	return &testServer{
		Server:  srv,
		store:   store,
		engine:  engine,
		service: store.AddService(booking.Service{Name: "Kettlebell basics", Price: 2500}),
		start:   time.Now().Add(7 * 24 * time.Hour).Truncate(time.Hour),
	}
}

func (s *testServer) slot(capacity int) booking.TimeSlot {
	s.start = s.start.Add(time.Hour)
	return s.store.AddSlot(booking.TimeSlot{
		ServiceID: s.service.ID,
		StartTime: s.start,
		EndTime:   s.start.Add(time.Hour),
		Capacity:  capacity,
	})
}

func (s *testServer) user() booking.User {
	return s.store.AddUser(booking.User{Name: "user", Email: uuid.NewString() + "@example.com"})
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (s *testServer) reserve(t *testing.T, userID uuid.UUID, slot booking.TimeSlot) (*http.Response, []byte) {
	t.Helper()
	return s.do(t, http.MethodPost, "/bookings", map[string]string{
		"user_id":    userID.String(),
		"service_id": slot.ServiceID.String(),
		"slot_id":    slot.ID.String(),
	})
}

func (s *testServer) webhook(t *testing.T, payload []byte, secret string) *http.Response {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	req, err := http.NewRequest(http.MethodPost, s.URL+"/webhooks/stripe", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Stripe-Signature", signed.Header)

	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func eventPayload(t *testing.T, eventType string, object map[string]any) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          "evt_" + uuid.NewString(),
		"object":      "event",
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"created":     time.Now().Unix(),
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)
	return payload
}

func TestReserveUntilFull(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	slot := s.slot(2)

	for i := 0; i < 2; i++ {
		resp, body := s.reserve(t, s.user().ID, slot)
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
		assert.Equal(t, "confirmed", decode[BookingResponse](t, body).Status)
	}

	resp, body := s.reserve(t, s.user().ID, slot)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "slot_full", decode[ErrorResponse](t, body).Error)

	resp, body = s.do(t, http.MethodGet, "/slots/"+slot.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[SlotResponse](t, body)
	assert.Equal(t, 2, got.BookedCount)
	assert.Equal(t, 0, got.Remaining)
	assert.False(t, got.IsAvailable)
}

func TestDuplicateAndFullAreDistinct(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	u := s.user()
	open := s.slot(3)
	full := s.slot(1)

	resp, _ := s.reserve(t, u.ID, open)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, body := s.reserve(t, u.ID, open)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	dup := decode[ErrorResponse](t, body)

	resp, _ = s.reserve(t, s.user().ID, full)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, body = s.reserve(t, u.ID, full)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	slotFull := decode[ErrorResponse](t, body)

	assert.Equal(t, "duplicate_booking", dup.Error)
	assert.Equal(t, "slot_full", slotFull.Error)
	assert.NotEqual(t, dup.Details, slotFull.Details)
}

func TestRequestValidation(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"bad slot id", http.MethodGet, "/slots/not-a-uuid", nil, http.StatusBadRequest, "invalid_slot_id"},
		{"unknown slot", http.MethodGet, "/slots/" + uuid.NewString(), nil, http.StatusNotFound, "slot_not_found"},
		{"unknown booking", http.MethodGet, "/bookings/" + uuid.NewString(), nil, http.StatusNotFound, "booking_not_found"},
		{"bad user id", http.MethodPost, "/bookings", map[string]string{"user_id": "x"}, http.StatusBadRequest, "invalid_user_id"},
		{"bad status", http.MethodPost, "/bookings", map[string]string{
			"user_id": uuid.NewString(), "service_id": s.service.ID.String(), "slot_id": s.slot(1).ID.String(), "status": "completed",
		}, http.StatusBadRequest, "invalid_status"},
		{"empty cart", http.MethodPost, "/orders", map[string]any{"user_id": uuid.NewString(), "items": []any{}}, http.StatusBadRequest, "empty_cart"},
		{"bad item type", http.MethodPost, "/orders", map[string]any{
			"user_id": uuid.NewString(), "items": []map[string]any{{"type": "voucher"}},
		}, http.StatusBadRequest, "invalid_item"},
		{"bad limit", http.MethodGet, "/users/" + uuid.NewString() + "/bookings?limit=0", nil, http.StatusBadRequest, "invalid_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, string(body))
			assert.Equal(t, tt.code, decode[ErrorResponse](t, body).Error)
		})
	}
}

func TestBookingLifecycle(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	u := s.user()
	slot := s.slot(1)

	resp, body := s.do(t, http.MethodPost, "/bookings", map[string]string{
		"user_id": u.ID.String(), "service_id": s.service.ID.String(), "slot_id": slot.ID.String(), "status": "pending",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	b := decode[BookingResponse](t, body)
	assert.Equal(t, "pending", b.Status)
	assert.NotNil(t, b.ExpiresAt)

	for i := 0; i < 2; i++ {
		resp, body = s.do(t, http.MethodPost, "/bookings/"+b.ID.String()+"/confirm", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "confirmed", decode[BookingResponse](t, body).Status)
	}

	resp, body = s.do(t, http.MethodPost, "/bookings/"+b.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[CancelResponse](t, body).Released)

	resp, body = s.do(t, http.MethodPost, "/bookings/"+b.ID.String()+"/complete", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "invalid_status_transition", decode[ErrorResponse](t, body).Error)

	resp, body = s.do(t, http.MethodGet, "/users/"+u.ID.String()+"/bookings?limit=500", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[BookingListResponse](t, body)
	assert.Len(t, list.Bookings, 1)
	assert.Equal(t, maxPageSize, list.Limit)
}

func TestAdminSlotEndpoints(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	slot := s.slot(3)
	path := "/admin/slots/" + slot.ID.String()

	resp, _ := s.reserve(t, s.user().ID, slot)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, body := s.reserve(t, s.user().ID, slot)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	second := decode[BookingResponse](t, body)

	resp, body = s.do(t, http.MethodPatch, path+"/capacity", map[string]int{"capacity": 1})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "capacity_below_booked", decode[ErrorResponse](t, body).Error)

	resp, body = s.do(t, http.MethodPatch, path+"/capacity", map[string]int{"capacity": 0})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "invalid_capacity", decode[ErrorResponse](t, body).Error)

	resp, body = s.do(t, http.MethodPatch, path+"/capacity", map[string]int{"capacity": 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[SlotResponse](t, body)
	assert.Equal(t, 2, got.Capacity)
	assert.False(t, got.IsAvailable)

	resp, body = s.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "slot_in_use", decode[ErrorResponse](t, body).Error)

	_, err := s.engine.Cancel(context.Background(), second.ID)
	require.NoError(t, err)

	// the first booking still holds a seat
	resp, _ = s.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCheckoutWebhookFlow(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	u := s.user()
	slot := s.slot(1)

	resp, body := s.do(t, http.MethodPost, "/orders", map[string]any{
		"user_id": u.ID.String(),
		"items": []map[string]any{
			{"type": "booking", "service_id": s.service.ID.String(), "slot_id": slot.ID.String()},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	order := decode[CreateOrderResponse](t, body)
	assert.Equal(t, int64(2500), order.Total)
	assert.True(t, strings.HasPrefix(order.PaymentSessionRef, "cs_mock_"))

	completed := eventPayload(t, "checkout.session.completed", map[string]any{
		"id":       order.PaymentSessionRef,
		"object":   "checkout.session",
		"metadata": map[string]string{"order_id": order.OrderID.String()},
	})
	assert.Equal(t, http.StatusOK, s.webhook(t, completed, webhookSecret).StatusCode)
	assert.Equal(t, http.StatusOK, s.webhook(t, completed, webhookSecret).StatusCode)

	resp, body = s.do(t, http.MethodGet, "/orders/"+order.OrderID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "processing", decode[OrderResponse](t, body).Status)

	resp, body = s.do(t, http.MethodGet, "/slots/"+slot.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[SlotResponse](t, body).BookedCount)

	failed := eventPayload(t, "payment_intent.payment_failed", map[string]any{
		"id":       "pi_test_1",
		"object":   "payment_intent",
		"metadata": map[string]string{"order_id": order.OrderID.String()},
	})
	assert.Equal(t, http.StatusOK, s.webhook(t, failed, webhookSecret).StatusCode)
	assert.Equal(t, http.StatusOK, s.webhook(t, failed, webhookSecret).StatusCode)

	resp, body = s.do(t, http.MethodGet, "/orders/"+order.OrderID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[OrderResponse](t, body)
	assert.Equal(t, "cancelled", got.Status)
	assert.Equal(t, "failed", got.PaymentStatus)

	resp, body = s.do(t, http.MethodGet, "/slots/"+slot.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, decode[SlotResponse](t, body).BookedCount)
}

func TestWebhookRejectsAndAcknowledges(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	payload := eventPayload(t, "charge.refunded", map[string]any{"id": "ch_1", "object": "charge"})
	assert.Equal(t, http.StatusBadRequest, s.webhook(t, payload, "whsec_wrong").StatusCode)

	unsupported := eventPayload(t, "customer.created", map[string]any{"id": "cus_1", "object": "customer"})
	assert.Equal(t, http.StatusOK, s.webhook(t, unsupported, webhookSecret).StatusCode)

	malformed := eventPayload(t, "payment_intent.succeeded", map[string]any{
		"id":       "pi_1",
		"object":   "payment_intent",
		"metadata": map[string]string{"order_id": "not-a-uuid"},
	})
	assert.Equal(t, http.StatusOK, s.webhook(t, malformed, webhookSecret).StatusCode)

	unknown := eventPayload(t, "charge.refunded", map[string]any{"id": "ch_2", "object": "charge", "payment_intent": "pi_nobody"})
	assert.Equal(t, http.StatusOK, s.webhook(t, unknown, webhookSecret).StatusCode)

	big := bytes.Repeat([]byte("a"), maxWebhookBody+1)
	assert.Equal(t, http.StatusRequestEntityTooLarge, s.webhook(t, big, webhookSecret).StatusCode)
}

func TestWebhookLockedOrderAsksForRetry(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := redisclient.NewRedisClient(context.Background(), mr.Addr(), "", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	s := newTestServer(t, serverOptions{locker: redisclient.NewRedisOrderLocker(client, 5*time.Second)})
	o := booking.Order{ID: uuid.New(), Status: booking.OrderPending, PaymentReference: "cs_locked", PaymentStatus: booking.PaymentUnpaid}
	require.NoError(t, s.store.InTx(context.Background(), func(ctx context.Context, tx booking.Tx) error {
		return tx.InsertOrder(ctx, &o)
	}))
	require.NoError(t, mr.Set("lock:order:"+o.ID.String(), "other"))

	payload := eventPayload(t, "payment_intent.succeeded", map[string]any{
		"id":       "pi_locked",
		"object":   "payment_intent",
		"metadata": map[string]string{"order_id": o.ID.String()},
	})
	resp := s.webhook(t, payload, webhookSecret)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	mr.Del("lock:order:" + o.ID.String())
	assert.Equal(t, http.StatusOK, s.webhook(t, payload, webhookSecret).StatusCode)

	got, err := s.engine.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.OrderCompleted, got.Status)
}

func TestUserCancelOrder(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	u := s.user()
	slot := s.slot(1)

	resp, body := s.do(t, http.MethodPost, "/orders", map[string]any{
		"user_id": u.ID.String(),
		"items":   []map[string]any{{"type": "booking", "service_id": s.service.ID.String(), "slot_id": slot.ID.String()}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	order := decode[CreateOrderResponse](t, body)
	path := "/orders/" + order.OrderID.String() + "/cancel"

	resp, body = s.do(t, http.MethodPost, path, map[string]string{"user_id": uuid.NewString()})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "order_not_found", decode[ErrorResponse](t, body).Error)

	for i := 0; i < 2; i++ {
		resp, body = s.do(t, http.MethodPost, path, map[string]string{"user_id": u.ID.String()})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	}

	resp, body = s.do(t, http.MethodGet, "/orders/"+order.OrderID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", decode[OrderResponse](t, body).Status)

	resp, _ = s.reserve(t, u.ID, slot)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	resp, body := s.do(t, http.MethodGet, "/health/live", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, body = s.do(t, http.MethodGet, "/health/ready", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ready := decode[ReadinessResponse](t, body)
	assert.Equal(t, "ok", ready.Status)
	assert.Equal(t, "ok", ready.Dependencies["postgres"])
	assert.Equal(t, "disabled", ready.Dependencies["redis"])

	slot := s.slot(1)
	s.reserve(t, s.user().ID, slot)
	s.reserve(t, s.user().ID, slot)

	resp, body = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `reservations_total{result="ok"} 1`)
	assert.Contains(t, string(body), `reservations_total{result="slot_full"} 1`)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, serverOptions{rateLimit: 0.001})
	path := "/slots/" + uuid.NewString()

	resp, _ := s.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := s.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", decode[ErrorResponse](t, body).Error)

	// health stays reachable
	resp, _ = s.do(t, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
