package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/training-booking/internal/booking"
)

type CreateBookingRequest struct {
	UserID    string `json:"user_id"`
	ServiceID string `json:"service_id"`
	SlotID    string `json:"slot_id"`
	Notes     string `json:"notes"`
	Status    string `json:"status"`
}

type CreateBundleBookingRequest struct {
	UserID       string            `json:"user_id"`
	BundleID     string            `json:"bundle_id"`
	SlotID       string            `json:"slot_id"`
	ServiceSlots map[string]string `json:"service_slots"`
	Status       string            `json:"status"`
}

type AdjustCapacityRequest struct {
	Capacity *int `json:"capacity"`
}

type CartItemRequest struct {
	Type            string `json:"type"`
	ProductID       string `json:"product_id,omitempty"`
	Quantity        int    `json:"quantity,omitempty"`
	ServiceID       string `json:"service_id,omitempty"`
	SlotID          string `json:"slot_id,omitempty"`
	BundleBookingID string `json:"bundle_booking_id,omitempty"`
}

type CreateOrderRequest struct {
	UserID   string            `json:"user_id"`
	Currency string            `json:"currency"`
	Items    []CartItemRequest `json:"items"`
}

type CancelOrderRequest struct {
	UserID string `json:"user_id"`
}

type SlotResponse struct {
	ID          uuid.UUID `json:"id"`
	ServiceID   uuid.UUID `json:"service_id"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Capacity    int       `json:"capacity"`
	BookedCount int       `json:"booked_count"`
	Remaining   int       `json:"remaining"`
	IsAvailable bool      `json:"is_available"`
}

func newSlotResponse(s *booking.TimeSlot) SlotResponse {
	return SlotResponse{
		ID:          s.ID,
		ServiceID:   s.ServiceID,
		StartTime:   s.StartTime,
		EndTime:     s.EndTime,
		Capacity:    s.Capacity,
		BookedCount: s.BookedCount,
		Remaining:   s.Remaining(),
		IsAvailable: s.IsAvailable,
	}
}

type BookingResponse struct {
	ID              uuid.UUID  `json:"id"`
	UserID          uuid.UUID  `json:"user_id"`
	ServiceID       uuid.UUID  `json:"service_id"`
	SlotID          *uuid.UUID `json:"slot_id,omitempty"`
	OrderID         *uuid.UUID `json:"order_id,omitempty"`
	BundleBookingID *uuid.UUID `json:"bundle_booking_id,omitempty"`
	Status          string     `json:"status"`
	Notes           string     `json:"notes,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func newBookingResponse(b *booking.Booking) BookingResponse {
	return BookingResponse{
		ID:              b.ID,
		UserID:          b.UserID,
		ServiceID:       b.ServiceID,
		SlotID:          b.SlotID,
		OrderID:         b.OrderID,
		BundleBookingID: b.BundleBookingID,
		Status:          string(b.Status),
		Notes:           b.Notes,
		ExpiresAt:       b.ExpiresAt,
		CreatedAt:       b.CreatedAt,
	}
}

type BookingListResponse struct {
	Bookings []BookingResponse `json:"bookings"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

type BundleBookingResponse struct {
	ID         uuid.UUID         `json:"id"`
	BundleID   uuid.UUID         `json:"bundle_id"`
	UserID     uuid.UUID         `json:"user_id"`
	SlotID     uuid.UUID         `json:"slot_id"`
	TotalPrice int64             `json:"total_price"`
	LateFee    int64             `json:"late_fee"`
	Status     string            `json:"status"`
	OrderID    *uuid.UUID        `json:"order_id,omitempty"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	Bookings   []BookingResponse `json:"bookings,omitempty"`
}

func newBundleBookingResponse(bb *booking.BundleBooking, children []booking.Booking) BundleBookingResponse {
	resp := BundleBookingResponse{
		ID:         bb.ID,
		BundleID:   bb.BundleID,
		UserID:     bb.UserID,
		SlotID:     bb.SlotID,
		TotalPrice: bb.TotalPrice,
		LateFee:    bb.LateFee,
		Status:     string(bb.Status),
		OrderID:    bb.OrderID,
		ExpiresAt:  bb.ExpiresAt,
	}
	for i := range children {
		resp.Bookings = append(resp.Bookings, newBookingResponse(&children[i]))
	}
	return resp
}

type CancelResponse struct {
	Cancelled        []uuid.UUID `json:"cancelled"`
	BundlesCancelled []uuid.UUID `json:"bundles_cancelled,omitempty"`
	Released         int         `json:"released"`
	Deleted          int         `json:"deleted,omitempty"`
}

func newCancelResponse(r *booking.CancelResult) CancelResponse {
	resp := CancelResponse{
		Cancelled:        r.Cancelled,
		BundlesCancelled: r.BundlesCancelled,
		Released:         r.Released,
		Deleted:          r.Deleted,
	}
	if resp.Cancelled == nil {
		resp.Cancelled = []uuid.UUID{}
	}
	return resp
}

type CreateOrderResponse struct {
	OrderID           uuid.UUID `json:"order_id"`
	PaymentSessionRef string    `json:"payment_session_ref"`
	CheckoutURL       string    `json:"checkout_url,omitempty"`
	Total             int64     `json:"total"`
}

type OrderItemResponse struct {
	Kind            string     `json:"kind"`
	ProductID       *uuid.UUID `json:"product_id,omitempty"`
	ServiceID       *uuid.UUID `json:"service_id,omitempty"`
	SlotID          *uuid.UUID `json:"slot_id,omitempty"`
	BundleBookingID *uuid.UUID `json:"bundle_booking_id,omitempty"`
	Quantity        int        `json:"quantity"`
	UnitPrice       int64      `json:"unit_price"`
	LateFee         int64      `json:"late_fee,omitempty"`
}

type OrderResponse struct {
	ID               uuid.UUID           `json:"id"`
	UserID           uuid.UUID           `json:"user_id"`
	Status           string              `json:"status"`
	Total            int64               `json:"total"`
	Currency         string              `json:"currency"`
	PaymentReference string              `json:"payment_reference,omitempty"`
	PaymentStatus    string              `json:"payment_status"`
	Items            []OrderItemResponse `json:"items"`
	CreatedAt        time.Time           `json:"created_at"`
}

func newOrderResponse(o *booking.Order) OrderResponse {
	resp := OrderResponse{
		ID:               o.ID,
		UserID:           o.UserID,
		Status:           string(o.Status),
		Total:            o.Total,
		Currency:         o.Currency,
		PaymentReference: o.PaymentReference,
		PaymentStatus:    string(o.PaymentStatus),
		Items:            make([]OrderItemResponse, 0, len(o.Items)),
		CreatedAt:        o.CreatedAt,
	}
	for _, it := range o.Items {
		resp.Items = append(resp.Items, OrderItemResponse{
			Kind:            string(it.Kind),
			ProductID:       it.ProductID,
			ServiceID:       it.ServiceID,
			SlotID:          it.SlotID,
			BundleBookingID: it.BundleBookingID,
			Quantity:        it.Quantity,
			UnitPrice:       it.UnitPrice,
			LateFee:         it.LateFee,
		})
	}
	return resp
}

type WebhookResponse struct {
	Received bool `json:"received"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
