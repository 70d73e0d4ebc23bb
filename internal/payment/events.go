package payment

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind is the logical event the processor applies.
type Kind string

const (
	KindCheckoutCompleted Kind = "checkout_completed"
	KindPaymentSucceeded  Kind = "payment_succeeded"
	KindPaymentFailed     Kind = "payment_failed"
	KindChargeRefunded    Kind = "charge_refunded"
)

// Metadata keys attached to the checkout session and its payment intent.
const (
	MetaOrderID  = "order_id"
	MetaUserID   = "user_id"
	MetaBookings = "bookings"
	MetaBundles  = "bundles"
)

var (
	ErrUnsupportedEvent = errors.New("unsupported payment event")
	ErrMalformedEvent   = errors.New("malformed payment event")
)

type BookingLine struct {
	ServiceID uuid.UUID `json:"service_id"`
	SlotID    uuid.UUID `json:"slot_id"`
	Price     int64     `json:"price"`
	Quantity  int       `json:"quantity"`
	LateFee   int64     `json:"late_fee,omitempty"`
}

type BundleLine struct {
	BundleBookingID uuid.UUID `json:"bundle_booking_id"`
	BundleID        uuid.UUID `json:"bundle_id"`
	SlotID          uuid.UUID `json:"slot_id"`
	Price           int64     `json:"price"`
	LateFee         int64     `json:"late_fee,omitempty"`
}

// Event is a verified provider event reduced to what reconciliation needs.
type Event struct {
	ID              string
	Type            string
	Kind            Kind
	OrderID         uuid.UUID // uuid.Nil when the metadata has none
	UserID          uuid.UUID
	PaymentRef      string
	PaymentIntentID string
	Bookings        []BookingLine
	Bundles         []BundleLine
}

// EncodeMetadata builds the metadata carried by a checkout session.
func EncodeMetadata(orderID, userID uuid.UUID, bookings []BookingLine, bundles []BundleLine) (map[string]string, error) {
	meta := map[string]string{
		MetaOrderID: orderID.String(),
		MetaUserID:  userID.String(),
	}
	if len(bookings) > 0 {
		data, err := json.Marshal(bookings)
		if err != nil {
			return nil, fmt.Errorf("encode booking lines: %w", err)
		}
		meta[MetaBookings] = string(data)
	}
	if len(bundles) > 0 {
		data, err := json.Marshal(bundles)
		if err != nil {
			return nil, fmt.Errorf("encode bundle lines: %w", err)
		}
		meta[MetaBundles] = string(data)
	}
	return meta, nil
}

// applyMetadata fills ev from session or intent metadata. Missing keys are
// fine; values that do not parse are not.
func applyMetadata(ev *Event, meta map[string]string) error {
	if v := meta[MetaOrderID]; v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return fmt.Errorf("%w: order_id %q", ErrMalformedEvent, v)
		}
		ev.OrderID = id
	}
	if v := meta[MetaUserID]; v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return fmt.Errorf("%w: user_id %q", ErrMalformedEvent, v)
		}
		ev.UserID = id
	}
	if v := meta[MetaBookings]; v != "" {
		if err := json.Unmarshal([]byte(v), &ev.Bookings); err != nil {
			return fmt.Errorf("%w: bookings: %v", ErrMalformedEvent, err)
		}
	}
	if v := meta[MetaBundles]; v != "" {
		if err := json.Unmarshal([]byte(v), &ev.Bundles); err != nil {
			return fmt.Errorf("%w: bundles: %v", ErrMalformedEvent, err)
		}
	}
	return nil
}
