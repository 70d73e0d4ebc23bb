package booking

import "errors"

var (
	ErrSlotNotFound          = errors.New("slot not found")
	ErrBookingNotFound       = errors.New("booking not found")
	ErrBundleBookingNotFound = errors.New("bundle booking not found")
	ErrOrderNotFound         = errors.New("order not found")
	ErrServiceNotFound       = errors.New("service not found")
	ErrBundleNotFound        = errors.New("bundle not found")
	ErrProductNotFound       = errors.New("product not found")
	ErrUserNotFound          = errors.New("user not found")
)

var (
	ErrSlotFull            = errors.New("slot is fully booked")
	ErrDuplicateBooking    = errors.New("user already holds an active booking for this slot")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrInvalidStatus       = errors.New("invalid initial status")
	ErrServiceMismatch     = errors.New("slot does not belong to the requested service")
	ErrInvalidBundle       = errors.New("bundle must include at least two services")
	ErrBundleMember        = errors.New("booking belongs to a bundle, act on the bundle booking instead")
	ErrCapacityBelowBooked = errors.New("capacity cannot be reduced below the booked count")
	ErrInvalidCapacity     = errors.New("capacity must be at least 1")
	ErrSlotInUse           = errors.New("slot still has active bookings")
	ErrOrderNotCancellable = errors.New("order can no longer be cancelled")
)

// ErrTransient marks lock timeouts, serialization failures and lost
// connections. The whole operation rolled back and may be retried.
var ErrTransient = errors.New("transient store failure")
