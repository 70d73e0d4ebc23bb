package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a Store kept in process memory. Transactions run one at a
// time on a copy of the state that replaces the original on commit, which
// gives the same all-or-nothing behaviour as the Postgres store.
type MemoryStore struct {
	mutex sync.Mutex
	state *memState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

type orderLink struct {
	orderID         uuid.UUID
	bookingID       *uuid.UUID
	bundleBookingID *uuid.UUID
}

type memState struct {
	slots          map[uuid.UUID]TimeSlot
	services       map[uuid.UUID]Service
	bundles        map[uuid.UUID]Bundle
	products       map[uuid.UUID]Product
	users          map[uuid.UUID]User
	bookings       map[uuid.UUID]Booking
	bundleBookings map[uuid.UUID]BundleBooking
	orders         map[uuid.UUID]Order
	links          []orderLink
	processed      map[string]string
	events         []EventLog
}

func newMemState() *memState {
	return &memState{
		slots:          make(map[uuid.UUID]TimeSlot),
		services:       make(map[uuid.UUID]Service),
		bundles:        make(map[uuid.UUID]Bundle),
		products:       make(map[uuid.UUID]Product),
		users:          make(map[uuid.UUID]User),
		bookings:       make(map[uuid.UUID]Booking),
		bundleBookings: make(map[uuid.UUID]BundleBooking),
		orders:         make(map[uuid.UUID]Order),
		processed:      make(map[string]string),
	}
}

func copyMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func (s *memState) clone() *memState {
	return &memState{
		slots:          copyMap(s.slots),
		services:       copyMap(s.services),
		bundles:        copyMap(s.bundles),
		products:       copyMap(s.products),
		users:          copyMap(s.users),
		bookings:       copyMap(s.bookings),
		bundleBookings: copyMap(s.bundleBookings),
		orders:         copyMap(s.orders),
		links:          append([]orderLink(nil), s.links...),
		processed:      copyMap(s.processed),
		events:         append([]EventLog(nil), s.events...),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	work := s.state.clone()
	if err := fn(ctx, &memTx{state: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// Seeding helpers, used by tests and local runs.

func (s *MemoryStore) AddService(svc Service) Service {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if svc.ID == uuid.Nil {
		svc.ID = uuid.New()
	}
	s.state.services[svc.ID] = svc
	return svc
}

func (s *MemoryStore) AddBundle(b Bundle) Bundle {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	b.ServiceIDs = append([]uuid.UUID(nil), b.ServiceIDs...)
	s.state.bundles[b.ID] = b
	return b
}

func (s *MemoryStore) AddProduct(p Product) Product {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	s.state.products[p.ID] = p
	return p
}

func (s *MemoryStore) AddUser(u User) User {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	s.state.users[u.ID] = u
	return u
}

func (s *MemoryStore) AddSlot(slot TimeSlot) TimeSlot {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if slot.ID == uuid.Nil {
		slot.ID = uuid.New()
	}
	now := time.Now()
	slot.IsAvailable = slot.BookedCount < slot.Capacity
	slot.CreatedAt, slot.UpdatedAt = now, now
	s.state.slots[slot.ID] = slot
	return slot
}

// BookingCount returns the number of booking rows, whatever their status.
func (s *MemoryStore) BookingCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.state.bookings)
}

// BundleBookingCount returns the number of bundle booking rows.
func (s *MemoryStore) BundleBookingCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.state.bundleBookings)
}

// EventLogs returns a copy of the audit trail.
func (s *MemoryStore) EventLogs() []EventLog {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]EventLog(nil), s.state.events...)
}

type memTx struct {
	state *memState
}

func (t *memTx) Savepoint(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	nested := t.state.clone()
	if err := fn(ctx, &memTx{state: nested}); err != nil {
		return err
	}
	*t.state = *nested
	return nil
}

// Slot store

func (t *memTx) GetSlot(_ context.Context, id uuid.UUID) (*TimeSlot, error) {
	slot, ok := t.state.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return &slot, nil
}

func (t *memTx) FindSlotByServiceAndStart(_ context.Context, serviceID uuid.UUID, start time.Time) (*TimeSlot, error) {
	var found *TimeSlot
	for _, slot := range t.state.slots {
		if slot.ServiceID != serviceID || !slot.StartTime.Equal(start) {
			continue
		}
		if found == nil || slot.CreatedAt.Before(found.CreatedAt) {
			s := slot
			found = &s
		}
	}
	if found == nil {
		return nil, ErrSlotNotFound
	}
	return found, nil
}

func (t *memTx) TryReserve(_ context.Context, id uuid.UUID, seats int) (*TimeSlot, error) {
	slot, ok := t.state.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if seats < 1 || slot.BookedCount+seats > slot.Capacity {
		return nil, ErrSlotFull
	}
	slot.BookedCount += seats
	slot.IsAvailable = slot.BookedCount < slot.Capacity
	slot.UpdatedAt = time.Now()
	t.state.slots[id] = slot
	return &slot, nil
}

func (t *memTx) Release(_ context.Context, id uuid.UUID, seats int) (*TimeSlot, error) {
	slot, ok := t.state.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	slot.BookedCount -= seats
	if slot.BookedCount < 0 {
		slot.BookedCount = 0
	}
	slot.IsAvailable = slot.BookedCount < slot.Capacity
	slot.UpdatedAt = time.Now()
	t.state.slots[id] = slot
	return &slot, nil
}

func (t *memTx) SetCapacity(_ context.Context, id uuid.UUID, capacity int) (*TimeSlot, error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	slot, ok := t.state.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if capacity < slot.BookedCount {
		return nil, ErrCapacityBelowBooked
	}
	slot.Capacity = capacity
	slot.IsAvailable = slot.BookedCount < slot.Capacity
	slot.UpdatedAt = time.Now()
	t.state.slots[id] = slot
	return &slot, nil
}

func (t *memTx) DeleteSlot(_ context.Context, id uuid.UUID) error {
	if _, ok := t.state.slots[id]; !ok {
		return ErrSlotNotFound
	}
	delete(t.state.slots, id)

	for bid, b := range t.state.bookings {
		if b.SlotID != nil && *b.SlotID == id {
			b.SlotID = nil
			t.state.bookings[bid] = b
		}
	}
	for bbid, bb := range t.state.bundleBookings {
		if bb.SlotID == id {
			bb.SlotID = uuid.Nil
			t.state.bundleBookings[bbid] = bb
		}
	}
	return nil
}

// Catalog

func (t *memTx) GetService(_ context.Context, id uuid.UUID) (*Service, error) {
	svc, ok := t.state.services[id]
	if !ok {
		return nil, ErrServiceNotFound
	}
	return &svc, nil
}

func (t *memTx) GetBundle(_ context.Context, id uuid.UUID) (*Bundle, error) {
	b, ok := t.state.bundles[id]
	if !ok {
		return nil, ErrBundleNotFound
	}
	b.ServiceIDs = append([]uuid.UUID(nil), b.ServiceIDs...)
	return &b, nil
}

func (t *memTx) GetProduct(_ context.Context, id uuid.UUID) (*Product, error) {
	p, ok := t.state.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	return &p, nil
}

func (t *memTx) GetUser(_ context.Context, id uuid.UUID) (*User, error) {
	u, ok := t.state.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

// Bookings

func sortBookings(list []Booking) []Booking {
	sort.Slice(list, func(i, j int) bool {
		return list[i].ID.String() < list[j].ID.String()
	})
	return list
}

func (t *memTx) filterBookings(keep func(Booking) bool) []Booking {
	var out []Booking
	for _, b := range t.state.bookings {
		if keep(b) {
			out = append(out, b)
		}
	}
	return sortBookings(out)
}

func (t *memTx) GetBooking(_ context.Context, id uuid.UUID) (*Booking, error) {
	b, ok := t.state.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	return &b, nil
}

func (t *memTx) GetBookingForUpdate(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return t.GetBooking(ctx, id)
}

func (t *memTx) FindActiveBooking(_ context.Context, userID, slotID uuid.UUID) (*Booking, error) {
	for _, b := range t.state.bookings {
		if b.UserID == userID && b.SlotID != nil && *b.SlotID == slotID && b.Status.Active() {
			return &b, nil
		}
	}
	return nil, ErrBookingNotFound
}

func (t *memTx) FindByPaymentCorrelation(_ context.Context, token string) ([]Booking, error) {
	if token == "" {
		return nil, nil
	}
	return t.filterBookings(func(b Booking) bool {
		return b.PaymentCorrelationID == token
	}), nil
}

func (t *memTx) FindByCorrelationAndSlot(_ context.Context, token string, slotID uuid.UUID) (*Booking, error) {
	// an uncorrelated booking stores NULL, which never equals ''
	if token == "" {
		return nil, ErrBookingNotFound
	}
	for _, b := range t.state.bookings {
		if b.PaymentCorrelationID == token && b.BundleBookingID == nil && b.SlotID != nil && *b.SlotID == slotID {
			return &b, nil
		}
	}
	return nil, ErrBookingNotFound
}

func (t *memTx) linkedBooking(orderID, bookingID uuid.UUID) bool {
	for _, l := range t.state.links {
		if l.orderID == orderID && l.bookingID != nil && *l.bookingID == bookingID {
			return true
		}
	}
	return false
}

func (t *memTx) linkedBundle(orderID, bundleBookingID uuid.UUID) bool {
	for _, l := range t.state.links {
		if l.orderID == orderID && l.bundleBookingID != nil && *l.bundleBookingID == bundleBookingID {
			return true
		}
	}
	return false
}

func (t *memTx) ListBookingsByOrder(_ context.Context, orderID uuid.UUID) ([]Booking, error) {
	return t.filterBookings(func(b Booking) bool {
		if b.BundleBookingID != nil {
			return false
		}
		return (b.OrderID != nil && *b.OrderID == orderID) || t.linkedBooking(orderID, b.ID)
	}), nil
}

func (t *memTx) ListBookingsByBundle(_ context.Context, bundleBookingID uuid.UUID) ([]Booking, error) {
	return t.filterBookings(func(b Booking) bool {
		return b.BundleBookingID != nil && *b.BundleBookingID == bundleBookingID
	}), nil
}

func (t *memTx) ListBookingsByUser(_ context.Context, userID uuid.UUID, limit, offset int) ([]Booking, error) {
	all := t.filterBookings(func(b Booking) bool { return b.UserID == userID })
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (t *memTx) CountActiveBookingsForSlot(_ context.Context, slotID uuid.UUID) (int, error) {
	n := 0
	for _, b := range t.state.bookings {
		if b.SlotID != nil && *b.SlotID == slotID && b.Status.Active() {
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertBooking(ctx context.Context, b *Booking) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	// mirrors the partial unique index on (user_id, slot_id)
	if b.SlotID != nil && b.Status.Active() {
		if _, err := t.FindActiveBooking(ctx, b.UserID, *b.SlotID); err == nil {
			return ErrDuplicateBooking
		}
	}
	now := time.Now()
	b.CreatedAt, b.UpdatedAt = now, now
	t.state.bookings[b.ID] = *b
	return nil
}

func (t *memTx) UpdateBookingStatus(_ context.Context, id uuid.UUID, from, to BookingStatus) (*Booking, error) {
	b, ok := t.state.bookings[id]
	if !ok || b.Status != from {
		return nil, ErrBookingNotFound
	}
	b.Status = to
	b.UpdatedAt = time.Now()
	t.state.bookings[id] = b
	return &b, nil
}

func (t *memTx) dropLinks(match func(orderLink) bool) {
	kept := t.state.links[:0]
	for _, l := range t.state.links {
		if !match(l) {
			kept = append(kept, l)
		}
	}
	t.state.links = kept
}

func (t *memTx) DeleteBookings(_ context.Context, ids []uuid.UUID) error {
	gone := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		gone[id] = true
		delete(t.state.bookings, id)
	}
	t.dropLinks(func(l orderLink) bool {
		return l.bookingID != nil && gone[*l.bookingID]
	})
	return nil
}

func (t *memTx) FindExpiredPending(_ context.Context, now time.Time, limit int) ([]Booking, error) {
	list := t.filterBookings(func(b Booking) bool {
		return b.Status == StatusPending && b.BundleBookingID == nil && b.ExpiresAt != nil && b.ExpiresAt.Before(now)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// Bundle bookings

func (t *memTx) GetBundleBooking(_ context.Context, id uuid.UUID) (*BundleBooking, error) {
	bb, ok := t.state.bundleBookings[id]
	if !ok {
		return nil, ErrBundleBookingNotFound
	}
	return &bb, nil
}

func (t *memTx) GetBundleBookingForUpdate(ctx context.Context, id uuid.UUID) (*BundleBooking, error) {
	return t.GetBundleBooking(ctx, id)
}

func (t *memTx) InsertBundleBooking(_ context.Context, bb *BundleBooking) error {
	if bb.ID == uuid.Nil {
		bb.ID = uuid.New()
	}
	now := time.Now()
	bb.CreatedAt, bb.UpdatedAt = now, now
	t.state.bundleBookings[bb.ID] = *bb
	return nil
}

func (t *memTx) UpdateBundleBookingStatus(_ context.Context, id uuid.UUID, from, to BundleStatus) (*BundleBooking, error) {
	bb, ok := t.state.bundleBookings[id]
	if !ok || bb.Status != from {
		return nil, ErrBundleBookingNotFound
	}
	bb.Status = to
	bb.UpdatedAt = time.Now()
	t.state.bundleBookings[id] = bb
	return &bb, nil
}

func (t *memTx) AttachBundleBookingToOrder(_ context.Context, id, orderID uuid.UUID, correlation string) error {
	bb, ok := t.state.bundleBookings[id]
	if !ok {
		return ErrBundleBookingNotFound
	}
	oid := orderID
	bb.OrderID = &oid
	bb.PaymentCorrelationID = correlation
	t.state.bundleBookings[id] = bb

	for bid, b := range t.state.bookings {
		if b.BundleBookingID != nil && *b.BundleBookingID == id {
			b.OrderID = &oid
			b.PaymentCorrelationID = correlation
			t.state.bookings[bid] = b
		}
	}
	return nil
}

func (t *memTx) ListBundleBookingsByOrder(_ context.Context, orderID uuid.UUID) ([]BundleBooking, error) {
	var out []BundleBooking
	for _, bb := range t.state.bundleBookings {
		if (bb.OrderID != nil && *bb.OrderID == orderID) || t.linkedBundle(orderID, bb.ID) {
			out = append(out, bb)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (t *memTx) DeleteBundleBookings(_ context.Context, ids []uuid.UUID) error {
	gone := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		gone[id] = true
		delete(t.state.bundleBookings, id)
	}
	for bid, b := range t.state.bookings {
		if b.BundleBookingID != nil && gone[*b.BundleBookingID] {
			delete(t.state.bookings, bid)
		}
	}
	t.dropLinks(func(l orderLink) bool {
		return l.bundleBookingID != nil && gone[*l.bundleBookingID]
	})
	return nil
}

func (t *memTx) FindExpiredBundlePending(_ context.Context, now time.Time, limit int) ([]BundleBooking, error) {
	var out []BundleBooking
	for _, bb := range t.state.bundleBookings {
		if bb.Status == BundlePendingPayment && bb.ExpiresAt != nil && bb.ExpiresAt.Before(now) {
			out = append(out, bb)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(*out[j].ExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Orders

func (t *memTx) InsertOrder(_ context.Context, o *Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	now := time.Now()
	o.CreatedAt, o.UpdatedAt = now, now
	for i := range o.Items {
		if o.Items[i].ID == uuid.Nil {
			o.Items[i].ID = uuid.New()
		}
		o.Items[i].OrderID = o.ID
	}
	stored := *o
	stored.Items = append([]OrderItem(nil), o.Items...)
	if o.PaymentExpiresAt != nil {
		until := *o.PaymentExpiresAt
		stored.PaymentExpiresAt = &until
	}
	t.state.orders[o.ID] = stored
	return nil
}

func (t *memTx) GetOrder(_ context.Context, id uuid.UUID) (*Order, error) {
	o, ok := t.state.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	o.Items = append([]OrderItem(nil), o.Items...)
	return &o, nil
}

func (t *memTx) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*Order, error) {
	return t.GetOrder(ctx, id)
}

func (t *memTx) FindOrderByPaymentRef(ctx context.Context, ref string) (*Order, error) {
	if ref == "" {
		return nil, ErrOrderNotFound
	}
	var byIntent *uuid.UUID
	for id, o := range t.state.orders {
		if o.PaymentReference == ref {
			return t.GetOrder(ctx, id)
		}
		if o.PaymentIntentID == ref {
			oid := id
			byIntent = &oid
		}
	}
	if byIntent != nil {
		return t.GetOrder(ctx, *byIntent)
	}
	return nil, ErrOrderNotFound
}

func (t *memTx) UpdateOrder(_ context.Context, o *Order) error {
	stored, ok := t.state.orders[o.ID]
	if !ok {
		return ErrOrderNotFound
	}
	stored.Status = o.Status
	stored.Total = o.Total
	stored.PaymentReference = o.PaymentReference
	stored.PaymentIntentID = o.PaymentIntentID
	stored.PaymentStatus = o.PaymentStatus
	stored.UpdatedAt = time.Now()
	o.UpdatedAt = stored.UpdatedAt
	t.state.orders[o.ID] = stored
	return nil
}

func (t *memTx) LinkOrderBooking(_ context.Context, orderID, bookingID uuid.UUID) error {
	if t.linkedBooking(orderID, bookingID) {
		return nil
	}
	bid := bookingID
	t.state.links = append(t.state.links, orderLink{orderID: orderID, bookingID: &bid})
	return nil
}

func (t *memTx) LinkOrderBundleBooking(_ context.Context, orderID, bundleBookingID uuid.UUID) error {
	if t.linkedBundle(orderID, bundleBookingID) {
		return nil
	}
	bbid := bundleBookingID
	t.state.links = append(t.state.links, orderLink{orderID: orderID, bundleBookingID: &bbid})
	return nil
}

// Events

func (t *memTx) MarkEventProcessed(_ context.Context, eventID, eventType string) (bool, error) {
	if _, ok := t.state.processed[eventID]; ok {
		return true, nil
	}
	t.state.processed[eventID] = eventType
	return false, nil
}

func (t *memTx) InsertEventLog(_ context.Context, ev EventLog) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	t.state.events = append(t.state.events, ev)
	return nil
}
