package booking

import (
	"time"

	"github.com/google/uuid"
)

type BookingStatus string

const (
	StatusPending   BookingStatus = "pending"
	StatusConfirmed BookingStatus = "confirmed"
	StatusCancelled BookingStatus = "cancelled"
	StatusCompleted BookingStatus = "completed"
)

// Active reports whether the booking holds a seat.
func (s BookingStatus) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

type BundleStatus string

const (
	BundlePendingPayment BundleStatus = "pending_payment"
	BundleConfirmed      BundleStatus = "confirmed"
	BundleCancelled      BundleStatus = "cancelled"
	BundleCompleted      BundleStatus = "completed"
)

// ChildStatus is the status every child booking of a bundle carries.
func (s BundleStatus) ChildStatus() BookingStatus {
	switch s {
	case BundlePendingPayment:
		return StatusPending
	case BundleConfirmed:
		return StatusConfirmed
	case BundleCancelled:
		return StatusCancelled
	default:
		return StatusCompleted
	}
}

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
	OrderRefunded   OrderStatus = "refunded"
)

// Closed reports whether the order can no longer take new bookings.
func (s OrderStatus) Closed() bool {
	return s == OrderCancelled || s == OrderRefunded
}

type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

type ItemKind string

const (
	ItemProduct ItemKind = "product"
	ItemBooking ItemKind = "booking"
	ItemBundle  ItemKind = "bundle"
)

type TimeSlot struct {
	ID          uuid.UUID
	ServiceID   uuid.UUID
	StartTime   time.Time
	EndTime     time.Time
	Capacity    int
	BookedCount int
	IsAvailable bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Remaining is the number of free seats.
func (s TimeSlot) Remaining() int {
	if s.BookedCount >= s.Capacity {
		return 0
	}
	return s.Capacity - s.BookedCount
}

type Booking struct {
	ID                   uuid.UUID
	UserID               uuid.UUID
	ServiceID            uuid.UUID
	SlotID               *uuid.UUID
	OrderID              *uuid.UUID
	BundleBookingID      *uuid.UUID
	Status               BookingStatus
	Notes                string
	PaymentCorrelationID string
	ExpiresAt            *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type BundleBooking struct {
	ID                   uuid.UUID
	BundleID             uuid.UUID
	UserID               uuid.UUID
	SlotID               uuid.UUID
	TotalPrice           int64
	LateFee              int64
	Status               BundleStatus
	OrderID              *uuid.UUID
	PaymentCorrelationID string
	ExpiresAt            *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// BundleReservation is a bundle booking with its child bookings.
type BundleReservation struct {
	BundleBooking
	Children []Booking
}

type Order struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	Status           OrderStatus
	Total            int64
	Currency         string
	PaymentReference string
	PaymentIntentID  string
	PaymentStatus    PaymentStatus
	// PaymentExpiresAt is when the checkout session stops accepting
	// payment. Holds attached to the order outlive it.
	PaymentExpiresAt *time.Time
	Items            []OrderItem
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type OrderItem struct {
	ID              uuid.UUID
	OrderID         uuid.UUID
	Kind            ItemKind
	ProductID       *uuid.UUID
	ServiceID       *uuid.UUID
	SlotID          *uuid.UUID
	BundleBookingID *uuid.UUID
	Quantity        int
	UnitPrice       int64
	LateFee         int64
}

// Subtotal is what the line contributes to the order total.
func (i OrderItem) Subtotal() int64 {
	return int64(i.Quantity)*i.UnitPrice + i.LateFee
}

// Catalog types are read only for this service.

type Service struct {
	ID              uuid.UUID
	Name            string
	Price           int64
	DurationMinutes int
	LateFee         LateFeeRule
}

type Bundle struct {
	ID          uuid.UUID
	Name        string
	CustomPrice int64
	ServiceIDs  []uuid.UUID
	LateFee     LateFeeRule
}

type Product struct {
	ID    uuid.UUID
	Name  string
	Price int64
}

type User struct {
	ID    uuid.UUID
	Name  string
	Email string
}

const (
	EntityBooking       = "booking"
	EntityBundleBooking = "bundle_booking"
	EntityOrder         = "order"
	EntitySlot          = "slot"
)

type EventLog struct {
	ID         uuid.UUID
	EntityType string
	EntityID   uuid.UUID
	EventType  string
	Payload    []byte
	CreatedAt  time.Time
}
