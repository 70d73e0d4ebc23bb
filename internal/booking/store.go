package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type SlotReader interface {
	GetSlot(ctx context.Context, id uuid.UUID) (*TimeSlot, error)
}

// SlotStore is the only code path that writes booked_count.
type SlotStore interface {
	SlotReader
	FindSlotByServiceAndStart(ctx context.Context, serviceID uuid.UUID, start time.Time) (*TimeSlot, error)

	// TryReserve adds seats only if booked_count+seats <= capacity.
	// It returns ErrSlotFull or ErrSlotNotFound otherwise.
	TryReserve(ctx context.Context, id uuid.UUID, seats int) (*TimeSlot, error)
	// Release removes seats, never going below zero.
	Release(ctx context.Context, id uuid.UUID, seats int) (*TimeSlot, error)

	SetCapacity(ctx context.Context, id uuid.UUID, capacity int) (*TimeSlot, error)
	DeleteSlot(ctx context.Context, id uuid.UUID) error
}

// Catalog is read only.
type Catalog interface {
	GetService(ctx context.Context, id uuid.UUID) (*Service, error)
	GetBundle(ctx context.Context, id uuid.UUID) (*Bundle, error)
	GetProduct(ctx context.Context, id uuid.UUID) (*Product, error)
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
}

// Ledger holds bookings, bundle bookings and orders. Methods named
// ForUpdate, and the List methods used by cancellation, lock the rows they
// return until the transaction ends.
type Ledger interface {
	Catalog
	SlotReader

	GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error)
	GetBookingForUpdate(ctx context.Context, id uuid.UUID) (*Booking, error)
	FindActiveBooking(ctx context.Context, userID, slotID uuid.UUID) (*Booking, error)
	FindByPaymentCorrelation(ctx context.Context, token string) ([]Booking, error)
	FindByCorrelationAndSlot(ctx context.Context, token string, slotID uuid.UUID) (*Booking, error)
	ListBookingsByOrder(ctx context.Context, orderID uuid.UUID) ([]Booking, error)
	ListBookingsByBundle(ctx context.Context, bundleBookingID uuid.UUID) ([]Booking, error)
	ListBookingsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Booking, error)
	CountActiveBookingsForSlot(ctx context.Context, slotID uuid.UUID) (int, error)
	InsertBooking(ctx context.Context, b *Booking) error
	UpdateBookingStatus(ctx context.Context, id uuid.UUID, from, to BookingStatus) (*Booking, error)
	DeleteBookings(ctx context.Context, ids []uuid.UUID) error
	FindExpiredPending(ctx context.Context, now time.Time, limit int) ([]Booking, error)

	GetBundleBooking(ctx context.Context, id uuid.UUID) (*BundleBooking, error)
	GetBundleBookingForUpdate(ctx context.Context, id uuid.UUID) (*BundleBooking, error)
	InsertBundleBooking(ctx context.Context, bb *BundleBooking) error
	UpdateBundleBookingStatus(ctx context.Context, id uuid.UUID, from, to BundleStatus) (*BundleBooking, error)
	AttachBundleBookingToOrder(ctx context.Context, id, orderID uuid.UUID, correlation string) error
	ListBundleBookingsByOrder(ctx context.Context, orderID uuid.UUID) ([]BundleBooking, error)
	DeleteBundleBookings(ctx context.Context, ids []uuid.UUID) error
	FindExpiredBundlePending(ctx context.Context, now time.Time, limit int) ([]BundleBooking, error)

	InsertOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*Order, error)
	FindOrderByPaymentRef(ctx context.Context, ref string) (*Order, error)
	UpdateOrder(ctx context.Context, o *Order) error
	LinkOrderBooking(ctx context.Context, orderID, bookingID uuid.UUID) error
	LinkOrderBundleBooking(ctx context.Context, orderID, bundleBookingID uuid.UUID) error

	// MarkEventProcessed records a provider event id. It reports true when
	// the id was already recorded.
	MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error)
	InsertEventLog(ctx context.Context, ev EventLog) error
}

type Tx interface {
	SlotStore
	Ledger

	// Savepoint runs fn in a nested transaction. An error from fn rolls
	// back only the work done inside it.
	Savepoint(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Store runs units of work. Either everything fn did commits or nothing does.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
}
