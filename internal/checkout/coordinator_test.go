package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"

	"github.com/hackgods/training-booking/internal/booking"
	"github.com/hackgods/training-booking/internal/payment"
)

type fakeGateway struct {
	mu       sync.Mutex
	requests []payment.SessionRequest
	expired  []string
	err      error
	onCreate func(req payment.SessionRequest)
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, req payment.SessionRequest) (*payment.Session, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	hook := g.onCreate
	g.mu.Unlock()

	if g.err != nil {
		return nil, g.err
	}
	if hook != nil {
		hook(req)
	}
	id := "cs_test_" + req.OrderID.String()[:8]
	return &payment.Session{ID: id, URL: "https://checkout.example/" + id}, nil
}

func (g *fakeGateway) ExpireCheckoutSession(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expired = append(g.expired, id)
	return nil
}

var testNow = time.Date(2026, 11, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	store   *booking.MemoryStore
	engine  *booking.Engine
	gateway *fakeGateway
	coord   *Coordinator
	user    booking.User
	service booking.Service
	other   booking.Service
	bundle  booking.Bundle
	product booking.Product
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := booking.NewMemoryStore()
	gw := &fakeGateway{}

	f := &fixture{
		store:   store,
		gateway: gw,
		now:     testNow,
		user:    store.AddUser(booking.User{Name: "Ana", Email: "ana@example.com"}),
		service: store.AddService(booking.Service{
			Name:  "Kettlebell basics",
			Price: 2500,
			LateFee: booking.LateFeeRule{
				Enabled:    true,
				WindowDays: 2,
				Amount:     500,
			},
		}),
		other:   store.AddService(booking.Service{Name: "Mobility", Price: 1500}),
		product: store.AddProduct(booking.Product{Name: "Water bottle", Price: 800}),
	}
	f.engine = booking.NewEngine(store, nil, nil, zerolog.New(io.Discard), booking.EngineConfig{
		Now: func() time.Time { return f.now },
	})
	f.coord = NewCoordinator(f.engine, gw, CoordinatorConfig{}, zerolog.New(io.Discard))
	f.bundle = store.AddBundle(booking.Bundle{
		Name:        "Strength and mobility",
		CustomPrice: 3500,
		ServiceIDs:  []uuid.UUID{f.service.ID, f.other.ID},
	})
	return f
}

func (f *fixture) slot(serviceID uuid.UUID, start time.Time, capacity, booked int) booking.TimeSlot {
	return f.store.AddSlot(booking.TimeSlot{
		ServiceID:   serviceID,
		StartTime:   start,
		EndTime:     start.Add(time.Hour),
		Capacity:    capacity,
		BookedCount: booked,
	})
}

func (f *fixture) reserveBundle(t *testing.T, start time.Time) *booking.BundleReservation {
	t.Helper()
	anchor := f.slot(f.service.ID, start, 4, 0)
	f.slot(f.other.ID, start, 4, 0)
	r, err := f.engine.ReserveBundle(context.Background(), booking.ReserveBundleRequest{
		UserID:   f.user.ID,
		BundleID: f.bundle.ID,
		SlotID:   anchor.ID,
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) booked(t *testing.T, id uuid.UUID) int {
	t.Helper()
	s, err := f.engine.GetSlot(context.Background(), id)
	require.NoError(t, err)
	return s.BookedCount
}

func TestCreateOrderPricesCart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	soon := f.slot(f.service.ID, testNow.Add(24*time.Hour), 3, 0)
	later := f.slot(f.service.ID, testNow.Add(10*24*time.Hour), 3, 0)
	bundle := f.reserveBundle(t, testNow.Add(5*24*time.Hour))

	res, err := f.coord.CreateOrder(ctx, f.user.ID, Cart{Items: []CartItem{
		{Type: ItemProduct, ProductID: f.product.ID, Quantity: 2},
		{Type: ItemBooking, ServiceID: f.service.ID, SlotID: soon.ID},
		{Type: ItemBooking, ServiceID: f.service.ID, SlotID: later.ID},
		{Type: ItemBundle, BundleBookingID: bundle.ID},
	}})
	require.NoError(t, err)

	// 2x800 + (2500+500) + 2500 + 3500
	assert.Equal(t, int64(10600), res.Total)
	assert.NotEmpty(t, res.PaymentSessionRef)
	assert.Contains(t, res.CheckoutURL, res.PaymentSessionRef)

	order, err := f.engine.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, booking.OrderPending, order.Status)
	assert.Equal(t, booking.PaymentUnpaid, order.PaymentStatus)
	assert.Equal(t, res.PaymentSessionRef, order.PaymentReference)
	assert.Equal(t, "usd", order.Currency)
	assert.Equal(t, int64(10600), order.Total)
	require.Len(t, order.Items, 4)

	// booking lines hold no seat until payment
	assert.Equal(t, 0, f.booked(t, soon.ID))
	assert.Equal(t, 0, f.booked(t, later.ID))

	got, err := f.engine.GetBundleBooking(ctx, bundle.ID)
	require.NoError(t, err)
	require.NotNil(t, got.OrderID)
	assert.Equal(t, res.OrderID, *got.OrderID)
	assert.Equal(t, res.PaymentSessionRef, got.PaymentCorrelationID)

	require.Len(t, f.gateway.requests, 1)
	req := f.gateway.requests[0]
	assert.Equal(t, "ana@example.com", req.CustomerEmail)
	assert.Equal(t, res.OrderID.String(), req.Metadata[payment.MetaOrderID])
	assert.Equal(t, f.user.ID.String(), req.Metadata[payment.MetaUserID])

	var lines []payment.BookingLine
	require.NoError(t, json.Unmarshal([]byte(req.Metadata[payment.MetaBookings]), &lines))
	require.Len(t, lines, 2)
	assert.Equal(t, int64(500), lines[0].LateFee)
	assert.Equal(t, int64(0), lines[1].LateFee)
	assert.Equal(t, int64(3000), req.Lines[1].UnitAmount)
}

func TestCreateOrderRejectsBadCarts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	full := f.slot(f.service.ID, testNow.Add(5*24*time.Hour), 1, 1)
	open := f.slot(f.service.ID, testNow.Add(6*24*time.Hour), 2, 0)
	foreign := f.slot(f.other.ID, testNow.Add(6*24*time.Hour), 2, 0)

	tests := []struct {
		name  string
		items []CartItem
		want  error
	}{
		{"empty", nil, ErrEmptyCart},
		{"zero quantity", []CartItem{{Type: ItemProduct, ProductID: f.product.ID}}, ErrInvalidItem},
		{"unknown type", []CartItem{{Type: "gift_card"}}, ErrInvalidItem},
		{"unknown product", []CartItem{{Type: ItemProduct, ProductID: uuid.New(), Quantity: 1}}, booking.ErrProductNotFound},
		{"full slot", []CartItem{{Type: ItemBooking, ServiceID: f.service.ID, SlotID: full.ID}}, booking.ErrSlotFull},
		{"wrong service", []CartItem{{Type: ItemBooking, ServiceID: f.service.ID, SlotID: foreign.ID}}, booking.ErrServiceMismatch},
		{"same slot twice", []CartItem{
			{Type: ItemBooking, ServiceID: f.service.ID, SlotID: open.ID},
			{Type: ItemBooking, ServiceID: f.service.ID, SlotID: open.ID},
		}, ErrInvalidItem},
		{"unknown bundle booking", []CartItem{{Type: ItemBundle, BundleBookingID: uuid.New()}}, booking.ErrBundleBookingNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.coord.CreateOrder(ctx, f.user.ID, Cart{Items: tt.items})
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.gateway.requests)

	_, err := f.coord.CreateOrder(ctx, uuid.New(), Cart{Items: []CartItem{{Type: ItemProduct, ProductID: f.product.ID, Quantity: 1}}})
	assert.ErrorIs(t, err, booking.ErrUserNotFound)
}

func TestCreateOrderRejectsHeldSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.slot(f.service.ID, testNow.Add(5*24*time.Hour), 3, 0)

	_, err := f.engine.Reserve(ctx, booking.ReserveRequest{UserID: f.user.ID, ServiceID: f.service.ID, SlotID: s.ID})
	require.NoError(t, err)

	_, err = f.coord.CreateOrder(ctx, f.user.ID, Cart{Items: []CartItem{{Type: ItemBooking, ServiceID: f.service.ID, SlotID: s.ID}}})
	assert.ErrorIs(t, err, booking.ErrDuplicateBooking)
}

func TestCreateOrderBundleOwnershipAndState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.reserveBundle(t, testNow.Add(5*24*time.Hour))
	stranger := f.store.AddUser(booking.User{Name: "Bo", Email: "bo@example.com"})

	_, err := f.coord.CreateOrder(ctx, stranger.ID, Cart{Items: []CartItem{{Type: ItemBundle, BundleBookingID: r.ID}}})
	assert.ErrorIs(t, err, booking.ErrBundleBookingNotFound)

	_, err = f.coord.CreateOrder(ctx, f.user.ID, Cart{Items: []CartItem{{Type: ItemBundle, BundleBookingID: r.ID}}})
	require.NoError(t, err)

	_, err = f.coord.CreateOrder(ctx, f.user.ID, Cart{Items: []CartItem{{Type: ItemBundle, BundleBookingID: r.ID}}})
	assert.ErrorIs(t, err, ErrBundleUnavailable)

	cancelled := f.reserveBundle(t, testNow.Add(6*24*time.Hour))
	_, err = f.engine.CancelBundle(ctx, cancelled.ID)
	require.NoError(t, err)
	_, err = f.coord.CreateOrder(ctx, f.user.ID, Cart{Items: []CartItem{{Type: ItemBundle, BundleBookingID: cancelled.ID}}})
	assert.ErrorIs(t, err, ErrBundleUnavailable)
}

func TestCreateOrderGatewayFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.err = errors.New("stripe unavailable")
	r := f.reserveBundle(t, testNow.Add(5*24*time.Hour))

	_, err := f.coord.CreateOrder(ctx, f.user.ID, Cart{Items: []CartItem{{Type: ItemBundle, BundleBookingID: r.ID}}})
	require.Error(t, err)

	require.Len(t, f.gateway.requests, 1)
	_, err = f.engine.GetOrder(ctx, f.gateway.requests[0].OrderID)
	assert.ErrorIs(t, err, booking.ErrOrderNotFound)

	got, err := f.engine.GetBundleBooking(ctx, r.ID)
	require.NoError(t, err)
	assert.Nil(t, got.OrderID)
}

func TestCreateOrderExpiresSessionWhenBundleClaimedConcurrently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.reserveBundle(t, testNow.Add(5*24*time.Hour))

	// another checkout claims the bundle while the session is being created
	f.gateway.onCreate = func(payment.SessionRequest) {
		rival := booking.Order{ID: uuid.New(), UserID: f.user.ID, Status: booking.OrderPending, PaymentReference: "cs_rival"}
		require.NoError(t, f.store.InTx(ctx, func(ctx context.Context, tx booking.Tx) error {
			if err := tx.InsertOrder(ctx, &rival); err != nil {
				return err
			}
			return tx.AttachBundleBookingToOrder(ctx, r.ID, rival.ID, rival.PaymentReference)
		}))
	}

	_, err := f.coord.CreateOrder(ctx, f.user.ID, Cart{Items: []CartItem{{Type: ItemBundle, BundleBookingID: r.ID}}})
	assert.ErrorIs(t, err, ErrBundleUnavailable)
	require.Len(t, f.gateway.expired, 1)

	_, err = f.engine.GetOrder(ctx, f.gateway.requests[0].OrderID)
	assert.ErrorIs(t, err, booking.ErrOrderNotFound)
}

func TestCreateOrderDropsOversizedMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var items []CartItem
	for i := 0; i < 6; i++ {
		s := f.slot(f.service.ID, testNow.Add(time.Duration(5*24+i)*time.Hour), 2, 0)
		items = append(items, CartItem{Type: ItemBooking, ServiceID: f.service.ID, SlotID: s.ID})
	}

	res, err := f.coord.CreateOrder(ctx, f.user.ID, Cart{Items: items})
	require.NoError(t, err)

	meta := f.gateway.requests[0].Metadata
	assert.NotContains(t, meta, payment.MetaBookings)
	assert.Equal(t, res.OrderID.String(), meta[payment.MetaOrderID])

	order, err := f.engine.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Len(t, order.Items, 6)
}

func checkoutEvent(t *testing.T, sessionID string, meta map[string]string) *payment.Event {
	t.Helper()
	obj, err := json.Marshal(map[string]any{
		"id":       sessionID,
		"object":   "checkout.session",
		"metadata": meta,
	})
	require.NoError(t, err)

	ev, err := payment.ParseEvent(stripe.Event{
		ID:   "evt_" + uuid.NewString(),
		Type: stripe.EventTypeCheckoutSessionCompleted,
		Data: &stripe.EventData{Raw: obj},
	})
	require.NoError(t, err)
	return ev
}

func TestCheckoutThroughPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.slot(f.service.ID, testNow.Add(5*24*time.Hour), 1, 0)
	r := f.reserveBundle(t, testNow.Add(6*24*time.Hour))
	proc := payment.NewProcessor(f.engine, nil, nil, f.gateway, zerolog.New(io.Discard))

	res, err := f.coord.CreateOrder(ctx, f.user.ID, Cart{Items: []CartItem{
		{Type: ItemBooking, ServiceID: f.service.ID, SlotID: s.ID},
		{Type: ItemBundle, BundleBookingID: r.ID},
	}})
	require.NoError(t, err)

	ev := checkoutEvent(t, res.PaymentSessionRef, f.gateway.requests[0].Metadata)
	outcome, err := proc.Process(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, payment.OutcomeApplied, outcome)

	assert.Equal(t, 1, f.booked(t, s.ID))
	bb, err := f.engine.GetBundleBooking(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.BundleConfirmed, bb.Status)

	order, err := f.engine.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, booking.OrderProcessing, order.Status)
}

func (f *fixture) payBundleOrder(t *testing.T, capacity int) (*booking.BundleReservation, *CheckoutResult, *payment.Processor) {
	t.Helper()
	start := testNow.Add(6 * 24 * time.Hour)
	anchor := f.slot(f.service.ID, start, capacity, 0)
	f.slot(f.other.ID, start, capacity, 0)
	r, err := f.engine.ReserveBundle(context.Background(), booking.ReserveBundleRequest{
		UserID:   f.user.ID,
		BundleID: f.bundle.ID,
		SlotID:   anchor.ID,
	})
	require.NoError(t, err)

	res, err := f.coord.CreateOrder(context.Background(), f.user.ID, Cart{Items: []CartItem{
		{Type: ItemBundle, BundleBookingID: r.ID},
	}})
	require.NoError(t, err)
	return r, res, payment.NewProcessor(f.engine, nil, nil, f.gateway, zerolog.New(io.Discard))
}

func (f *fixture) completeCheckout(t *testing.T, proc *payment.Processor, res *CheckoutResult) *payment.CheckoutResult {
	t.Helper()
	ev := checkoutEvent(t, res.PaymentSessionRef, f.gateway.requests[len(f.gateway.requests)-1].Metadata)
	var out *payment.CheckoutResult
	require.NoError(t, f.engine.Do(context.Background(), func(ctx context.Context, u *booking.Unit) error {
		r, err := proc.HandleCheckoutCompleted(ctx, u, res.OrderID, ev)
		out = r
		return err
	}))
	return out
}

func (f *fixture) orderBundles(t *testing.T, orderID uuid.UUID) []booking.BundleBooking {
	t.Helper()
	var out []booking.BundleBooking
	require.NoError(t, f.store.InTx(context.Background(), func(ctx context.Context, tx booking.Tx) error {
		bbs, err := tx.ListBundleBookingsByOrder(ctx, orderID)
		out = bbs
		return err
	}))
	return out
}

func TestCreateOrderSetsSessionExpiry(t *testing.T) {
	f := newFixture(t)
	_, res, _ := f.payBundleOrder(t, 2)

	require.Len(t, f.gateway.requests, 1)
	assert.Equal(t, testNow.Add(time.Hour), f.gateway.requests[0].ExpiresAt)

	order, err := f.engine.GetOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	require.NotNil(t, order.PaymentExpiresAt)
	assert.Equal(t, testNow.Add(time.Hour), *order.PaymentExpiresAt)
}

func TestCoordinatorClampsSessionTTL(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, minSessionTTL, NewCoordinator(f.engine, f.gateway, CoordinatorConfig{SessionTTL: time.Minute}, zerolog.Nop()).sessionTTL)
	assert.Equal(t, maxSessionTTL, NewCoordinator(f.engine, f.gateway, CoordinatorConfig{SessionTTL: 72 * time.Hour}, zerolog.Nop()).sessionTTL)
	assert.Equal(t, defaultSessionTTL, NewCoordinator(f.engine, f.gateway, CoordinatorConfig{}, zerolog.Nop()).sessionTTL)
}

func TestBundleHoldOutlivesItsTTLWhileSessionPayable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, res, proc := f.payBundleOrder(t, 2)

	// past the 15m hold, inside the 1h session
	f.now = testNow.Add(20 * time.Minute)
	expired, err := f.engine.ExpireStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, expired.Bundles)
	assert.Equal(t, 1, expired.Skipped)

	out := f.completeCheckout(t, proc, res)
	assert.Equal(t, 1, out.Bundles)
	assert.Zero(t, out.Restored)

	bb, err := f.engine.GetBundleBooking(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.BundleConfirmed, bb.Status)
	assert.Equal(t, 1, f.booked(t, r.SlotID))
}

func TestPaidBundleRestoredAfterSessionLapsed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, res, proc := f.payBundleOrder(t, 2)

	f.now = testNow.Add(2 * time.Hour)
	expired, err := f.engine.ExpireStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, expired.Bundles)
	assert.Equal(t, 0, f.booked(t, r.SlotID))

	out := f.completeCheckout(t, proc, res)
	assert.Equal(t, 1, out.Bundles)
	assert.Equal(t, 1, out.Restored)
	assert.Empty(t, out.Skipped)

	var confirmed []booking.BundleBooking
	for _, bb := range f.orderBundles(t, res.OrderID) {
		if bb.Status == booking.BundleConfirmed {
			confirmed = append(confirmed, bb)
		}
	}
	require.Len(t, confirmed, 1)
	assert.NotEqual(t, r.ID, confirmed[0].ID)
	assert.Equal(t, r.SlotID, confirmed[0].SlotID)
	assert.Equal(t, 1, f.booked(t, r.SlotID))
	for _, child := range r.Children {
		assert.Equal(t, 1, f.booked(t, *child.SlotID))
	}

	// a second delivery does not reserve again
	again := f.completeCheckout(t, proc, res)
	assert.Zero(t, again.Restored)
	assert.Equal(t, 1, f.booked(t, r.SlotID))
}

func TestPaidBundleFlaggedWhenSeatsGone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, res, proc := f.payBundleOrder(t, 1)

	f.now = testNow.Add(2 * time.Hour)
	_, err := f.engine.ExpireStale(ctx, 10)
	require.NoError(t, err)

	rival := f.store.AddUser(booking.User{Name: "Bo", Email: "bo@example.com"})
	_, err = f.engine.Reserve(ctx, booking.ReserveRequest{UserID: rival.ID, ServiceID: f.service.ID, SlotID: r.SlotID})
	require.NoError(t, err)

	out := f.completeCheckout(t, proc, res)
	assert.Zero(t, out.Bundles)
	assert.Equal(t, 1, out.Skipped[payment.SkipBundleCancelled])
	for _, bb := range f.orderBundles(t, res.OrderID) {
		assert.Equal(t, booking.BundleCancelled, bb.Status)
	}
	assert.Equal(t, 1, f.booked(t, r.SlotID))
}
