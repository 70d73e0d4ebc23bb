package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/training-booking/internal/metrics"
	"github.com/hackgods/training-booking/internal/notify"
)

const (
	EventBookingReserved  = "BOOKING_RESERVED"
	EventBookingConfirmed = "BOOKING_CONFIRMED"
	EventBookingCancelled = "BOOKING_CANCELLED"
	EventBookingCompleted = "BOOKING_COMPLETED"
	EventBookingExpired   = "BOOKING_EXPIRED"
	EventBundleReserved   = "BUNDLE_RESERVED"
	EventBundleConfirmed  = "BUNDLE_CONFIRMED"
	EventBundleCancelled  = "BUNDLE_CANCELLED"
	EventBundleCompleted  = "BUNDLE_COMPLETED"
	EventOrderCancelled   = "ORDER_CANCELLED"
	EventCapacityChanged  = "SLOT_CAPACITY_CHANGED"
	EventSlotDeleted      = "SLOT_DELETED"
	EventBookingsDeleted  = "BOOKINGS_DELETED"
)

type EngineConfig struct {
	PendingHoldTTL time.Duration
	NotifyTimeout  time.Duration
	Now            func() time.Time
}

// Engine applies every capacity changing operation as one unit of work.
type Engine struct {
	store    Store
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	cfg      EngineConfig

	inflight sync.WaitGroup
}

func NewEngine(store Store, notifier notify.Notifier, m *metrics.Metrics, logger zerolog.Logger, cfg EngineConfig) *Engine {
	if cfg.PendingHoldTTL <= 0 {
		cfg.PendingHoldTTL = 15 * time.Minute
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Engine{
		store:    store,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With().Str("component", "reservation_engine").Logger(),
		cfg:      cfg,
	}
}

func (e *Engine) Store() Store { return e.store }

func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Unit is one open transaction. Confirmations queued on it are sent only
// once the transaction commits.
type Unit struct {
	engine        *Engine
	tx            Tx
	now           time.Time
	confirmations []notify.Confirmation
	released      int
}

// Ledger exposes reads and non capacity writes to callers composing a unit.
func (u *Unit) Ledger() Ledger { return u.tx }

func (u *Unit) Now() time.Time { return u.now }

// Do runs fn inside a single transaction.
func (e *Engine) Do(ctx context.Context, fn func(ctx context.Context, u *Unit) error) error {
	var unit *Unit
	err := e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		unit = &Unit{engine: e, tx: tx, now: e.cfg.Now()}
		return fn(ctx, unit)
	})
	if err != nil {
		return err
	}

	e.metrics.AddReleased(unit.released)
	e.dispatch(unit.confirmations)
	return nil
}

// Savepoint runs fn in a nested transaction; its queued side effects are
// kept only when it succeeds.
func (u *Unit) Savepoint(ctx context.Context, fn func(ctx context.Context, u *Unit) error) error {
	var inner *Unit
	err := u.tx.Savepoint(ctx, func(ctx context.Context, tx Tx) error {
		inner = &Unit{engine: u.engine, tx: tx, now: u.now}
		return fn(ctx, inner)
	})
	if err != nil {
		return err
	}
	u.confirmations = append(u.confirmations, inner.confirmations...)
	u.released += inner.released
	return nil
}

// Wait blocks until queued confirmations have been handed to the notifier.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

func (e *Engine) dispatch(items []notify.Confirmation) {
	if e.notifier == nil {
		return
	}
	for _, c := range items {
		e.inflight.Add(1)
		go func(c notify.Confirmation) {
			defer e.inflight.Done()
			defer func() {
				if r := recover(); r != nil {
					e.metrics.IncNotification("panic")
					e.logger.Error().Interface("panic", r).Str("booking_id", c.BookingID.String()).Msg("confirmation notifier panicked")
				}
			}()

			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.NotifyTimeout)
			defer cancel()

			if err := e.notifier.SendConfirmation(ctx, c); err != nil {
				e.metrics.IncNotification("failed")
				e.logger.Warn().Err(err).Str("booking_id", c.BookingID.String()).Msg("send confirmation failed")
				return
			}
			e.metrics.IncNotification("sent")
		}(c)
	}
}

func (u *Unit) queueConfirmation(ctx context.Context, b Booking, slot *TimeSlot) {
	user, err := u.tx.GetUser(ctx, b.UserID)
	if err != nil {
		u.engine.logger.Debug().Err(err).Str("booking_id", b.ID.String()).Msg("no recipient for confirmation")
		return
	}

	c := notify.Confirmation{
		To:        user.Email,
		UserName:  user.Name,
		BookingID: b.ID,
		Status:    string(b.Status),
	}
	if svc, err := u.tx.GetService(ctx, b.ServiceID); err == nil {
		c.ServiceName = svc.Name
	}
	if slot != nil {
		c.StartTime = slot.StartTime
		c.EndTime = slot.EndTime
	}

	u.confirmations = append(u.confirmations, c)
}

func (u *Unit) slotFor(ctx context.Context, b Booking) *TimeSlot {
	if b.SlotID == nil {
		return nil
	}
	slot, err := u.tx.GetSlot(ctx, *b.SlotID)
	if err != nil {
		return nil
	}
	return slot
}

func (u *Unit) logEvent(ctx context.Context, entityType string, entityID uuid.UUID, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		u.engine.logger.Warn().Err(err).Str("event_type", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	ev := EventLog{
		EntityType: entityType,
		EntityID:   entityID,
		EventType:  eventType,
		Payload:    data,
		CreatedAt:  u.now,
	}

	if err := u.tx.InsertEventLog(ctx, ev); err != nil {
		return fmt.Errorf("log %s: %w", eventType, err)
	}
	return nil
}

func reservationResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrSlotFull):
		return "slot_full"
	case errors.Is(err, ErrDuplicateBooking):
		return "duplicate"
	default:
		return "error"
	}
}

type ReserveRequest struct {
	UserID    uuid.UUID
	ServiceID uuid.UUID
	SlotID    uuid.UUID
	Notes     string
	// Status is StatusConfirmed for self-serve booking or StatusPending for
	// the cart path. Empty means confirmed.
	Status               BookingStatus
	PaymentCorrelationID string
	OrderID              *uuid.UUID
}

// Reserve takes one seat on a slot for a user.
func (e *Engine) Reserve(ctx context.Context, req ReserveRequest) (*Booking, error) {
	var created *Booking
	err := e.Do(ctx, func(ctx context.Context, u *Unit) error {
		b, err := u.Reserve(ctx, req)
		created = b
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (u *Unit) Reserve(ctx context.Context, req ReserveRequest) (*Booking, error) {
	b, err := u.reserve(ctx, req)
	u.engine.metrics.IncReservation(reservationResult(err))
	return b, err
}

func (u *Unit) reserve(ctx context.Context, req ReserveRequest) (*Booking, error) {
	status := req.Status
	if status == "" {
		status = StatusConfirmed
	}
	if status != StatusPending && status != StatusConfirmed {
		return nil, ErrInvalidStatus
	}

	slot, err := u.tx.GetSlot(ctx, req.SlotID)
	if err != nil {
		return nil, err
	}
	if slot.ServiceID != req.ServiceID {
		return nil, ErrServiceMismatch
	}

	if _, err := u.tx.FindActiveBooking(ctx, req.UserID, req.SlotID); err == nil {
		return nil, ErrDuplicateBooking
	} else if !errors.Is(err, ErrBookingNotFound) {
		return nil, fmt.Errorf("check active booking: %w", err)
	}

	slot, err = u.tx.TryReserve(ctx, req.SlotID, 1)
	if err != nil {
		return nil, err
	}

	slotID := slot.ID
	b := &Booking{
		ID:                   uuid.New(),
		UserID:               req.UserID,
		ServiceID:            req.ServiceID,
		SlotID:               &slotID,
		OrderID:              req.OrderID,
		Status:               status,
		Notes:                req.Notes,
		PaymentCorrelationID: req.PaymentCorrelationID,
	}
	if status == StatusPending {
		expiresAt := u.now.Add(u.engine.cfg.PendingHoldTTL)
		b.ExpiresAt = &expiresAt
	}

	if err := u.tx.InsertBooking(ctx, b); err != nil {
		return nil, err
	}
	if req.OrderID != nil {
		if err := u.tx.LinkOrderBooking(ctx, *req.OrderID, b.ID); err != nil {
			return nil, err
		}
	}

	if err := u.logEvent(ctx, EntityBooking, b.ID, EventBookingReserved, map[string]any{
		"slot_id":      slotID.String(),
		"user_id":      req.UserID.String(),
		"status":       status,
		"booked_count": slot.BookedCount,
	}); err != nil {
		return nil, err
	}

	u.queueConfirmation(ctx, *b, slot)
	return b, nil
}

// Confirm moves a pending booking to confirmed. Confirming twice is a no-op.
func (e *Engine) Confirm(ctx context.Context, bookingID uuid.UUID) (*Booking, error) {
	var out *Booking
	err := e.Do(ctx, func(ctx context.Context, u *Unit) error {
		b, err := u.Confirm(ctx, bookingID)
		out = b
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (u *Unit) Confirm(ctx context.Context, bookingID uuid.UUID) (*Booking, error) {
	b, err := u.tx.GetBookingForUpdate(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.BundleBookingID != nil {
		return nil, ErrBundleMember
	}

	switch b.Status {
	case StatusConfirmed:
		return b, nil
	case StatusPending:
	default:
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, StatusConfirmed)
	}

	updated, err := u.tx.UpdateBookingStatus(ctx, b.ID, StatusPending, StatusConfirmed)
	if err != nil {
		return nil, fmt.Errorf("confirm booking: %w", err)
	}

	if err := u.logEvent(ctx, EntityBooking, updated.ID, EventBookingConfirmed, map[string]any{}); err != nil {
		return nil, err
	}

	u.queueConfirmation(ctx, *updated, u.slotFor(ctx, *updated))
	return updated, nil
}

// Complete marks an attended booking. It keeps its seat.
func (e *Engine) Complete(ctx context.Context, bookingID uuid.UUID) (*Booking, error) {
	var out *Booking
	err := e.Do(ctx, func(ctx context.Context, u *Unit) error {
		b, err := u.tx.GetBookingForUpdate(ctx, bookingID)
		if err != nil {
			return err
		}
		if b.BundleBookingID != nil {
			return ErrBundleMember
		}

		switch b.Status {
		case StatusCompleted:
			out = b
			return nil
		case StatusConfirmed:
		default:
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, StatusCompleted)
		}

		updated, err := u.tx.UpdateBookingStatus(ctx, b.ID, StatusConfirmed, StatusCompleted)
		if err != nil {
			return fmt.Errorf("complete booking: %w", err)
		}
		out = updated
		return u.logEvent(ctx, EntityBooking, updated.ID, EventBookingCompleted, map[string]any{})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Reads

func (e *Engine) GetSlot(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	var slot *TimeSlot
	err := e.Do(ctx, func(ctx context.Context, u *Unit) error {
		var err error
		slot, err = u.tx.GetSlot(ctx, id)
		return err
	})
	return slot, err
}

func (e *Engine) GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	var b *Booking
	err := e.Do(ctx, func(ctx context.Context, u *Unit) error {
		var err error
		b, err = u.tx.GetBooking(ctx, id)
		return err
	})
	return b, err
}

func (e *Engine) GetBundleBooking(ctx context.Context, id uuid.UUID) (*BundleReservation, error) {
	var out *BundleReservation
	err := e.Do(ctx, func(ctx context.Context, u *Unit) error {
		bb, err := u.tx.GetBundleBooking(ctx, id)
		if err != nil {
			return err
		}
		children, err := u.tx.ListBookingsByBundle(ctx, id)
		if err != nil {
			return err
		}
		out = &BundleReservation{BundleBooking: *bb, Children: children}
		return nil
	})
	return out, err
}

func (e *Engine) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	var o *Order
	err := e.Do(ctx, func(ctx context.Context, u *Unit) error {
		var err error
		o, err = u.tx.GetOrder(ctx, id)
		return err
	})
	return o, err
}

// ListUserBookings pages through a user's bookings, newest first.
func (e *Engine) ListUserBookings(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Booking, error) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}

	var out []Booking
	err := e.Do(ctx, func(ctx context.Context, u *Unit) error {
		var err error
		out, err = u.tx.ListBookingsByUser(ctx, userID, limit, offset)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list bookings by user: %w", err)
	}
	return out, nil
}
