package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/training-booking/internal/booking"
	"github.com/hackgods/training-booking/internal/metrics"
	redisclient "github.com/hackgods/training-booking/internal/redis"
)

var ErrOrderLocked = errors.New("order is being processed by another delivery")

type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeUnknownOrder Outcome = "unknown_order"
)

// Skip reasons for checkout line items.
const (
	SkipSlotFull        = "slot_full"
	SkipDuplicate       = "duplicate"
	SkipInvalidLine     = "invalid_line"
	SkipBundleMissing   = "bundle_missing"
	SkipBundleCancelled = "bundle_cancelled"
	SkipBundleClosed    = "bundle_closed"
)

// SessionExpirer closes a checkout session nobody will pay anymore.
type SessionExpirer interface {
	ExpireCheckoutSession(ctx context.Context, sessionID string) error
}

// Processor applies provider events to orders and bookings. Every event
// may arrive late, early or more than once.
type Processor struct {
	engine   *booking.Engine
	locker   redisclient.OrderLocker
	dedup    redisclient.EventDeduper
	sessions SessionExpirer
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func NewProcessor(engine *booking.Engine, locker redisclient.OrderLocker, dedup redisclient.EventDeduper, sessions SessionExpirer, logger zerolog.Logger) *Processor {
	if locker == nil {
		locker = redisclient.NoopOrderLocker{}
	}
	if dedup == nil {
		dedup = redisclient.NoopEventDeduper{}
	}
	return &Processor{
		engine:   engine,
		locker:   locker,
		dedup:    dedup,
		sessions: sessions,
		metrics:  engine.Metrics(),
		logger:   logger.With().Str("component", "payment_processor").Logger(),
	}
}

// CheckoutResult summarizes line items applied from a checkout event.
type CheckoutResult struct {
	Created  []uuid.UUID
	Existing int
	Bundles  int
	// Restored counts paid bundles whose hold had lapsed and were reserved again.
	Restored int
	Skipped  map[string]int
}

func (r *CheckoutResult) skip(reason string) {
	if r.Skipped == nil {
		r.Skipped = make(map[string]int)
	}
	r.Skipped[reason]++
}

// Process applies ev exactly once in effect.
func (p *Processor) Process(ctx context.Context, ev *Event) (Outcome, error) {
	outcome, err := p.process(ctx, ev)
	switch {
	case err != nil:
		p.metrics.IncWebhook(ev.Type, "error")
	default:
		p.metrics.IncWebhook(ev.Type, string(outcome))
	}
	return outcome, err
}

func (p *Processor) process(ctx context.Context, ev *Event) (Outcome, error) {
	log := p.logger.With().Str("event_id", ev.ID).Str("event_type", ev.Type).Logger()

	seen, err := p.dedup.Seen(ctx, ev.ID)
	if err != nil {
		log.Warn().Err(err).Msg("dedup lookup failed, falling back to the ledger")
	}
	if seen {
		log.Debug().Msg("event already processed")
		return OutcomeDuplicate, nil
	}

	orderID, err := p.resolveOrder(ctx, ev)
	if errors.Is(err, booking.ErrOrderNotFound) {
		log.Warn().Str("payment_ref", ev.PaymentRef).Msg("event for unknown order")
		return OutcomeUnknownOrder, nil
	}
	if err != nil {
		return "", err
	}
	log = log.With().Str("order_id", orderID.String()).Logger()

	var outcome Outcome
	err = p.locker.WithOrderLock(ctx, orderID, func(ctx context.Context) error {
		return p.engine.Do(ctx, func(ctx context.Context, u *booking.Unit) error {
			already, err := u.Ledger().MarkEventProcessed(ctx, ev.ID, ev.Type)
			if err != nil {
				return fmt.Errorf("mark event processed: %w", err)
			}
			if already {
				outcome = OutcomeDuplicate
				return nil
			}

			outcome, err = p.apply(ctx, u, orderID, ev, log)
			return err
		})
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return "", ErrOrderLocked
	}
	if errors.Is(err, booking.ErrOrderNotFound) {
		log.Warn().Msg("event references a missing order")
		return OutcomeUnknownOrder, nil
	}
	if err != nil {
		return "", err
	}

	if err := p.dedup.Mark(ctx, ev.ID); err != nil {
		log.Warn().Err(err).Msg("failed to record event in dedup cache")
	}
	log.Info().Str("outcome", string(outcome)).Msg("payment event handled")
	return outcome, nil
}

func (p *Processor) resolveOrder(ctx context.Context, ev *Event) (uuid.UUID, error) {
	if ev.OrderID != uuid.Nil {
		return ev.OrderID, nil
	}

	refs := []string{ev.PaymentRef}
	if ev.PaymentIntentID != "" && ev.PaymentIntentID != ev.PaymentRef {
		refs = append(refs, ev.PaymentIntentID)
	}

	var found uuid.UUID
	err := p.engine.Do(ctx, func(ctx context.Context, u *booking.Unit) error {
		for _, ref := range refs {
			o, err := u.Ledger().FindOrderByPaymentRef(ctx, ref)
			if errors.Is(err, booking.ErrOrderNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			found = o.ID
			return nil
		}
		return booking.ErrOrderNotFound
	})
	return found, err
}

func (p *Processor) apply(ctx context.Context, u *booking.Unit, orderID uuid.UUID, ev *Event, log zerolog.Logger) (Outcome, error) {
	switch ev.Kind {
	case KindCheckoutCompleted:
		res, err := p.HandleCheckoutCompleted(ctx, u, orderID, ev)
		if err != nil {
			return "", err
		}
		if res == nil {
			return OutcomeIgnored, nil
		}
		log.Info().
			Int("created", len(res.Created)).
			Int("existing", res.Existing).
			Int("bundles", res.Bundles).
			Interface("skipped", res.Skipped).
			Msg("checkout completed")
		return OutcomeApplied, nil

	case KindPaymentSucceeded:
		applied, err := p.HandlePaymentSucceeded(ctx, u, orderID, ev)
		return outcomeFor(applied), err

	case KindPaymentFailed:
		applied, err := p.HandlePaymentFailed(ctx, u, orderID)
		return outcomeFor(applied), err

	case KindChargeRefunded:
		applied, err := p.HandleChargeRefunded(ctx, u, orderID)
		return outcomeFor(applied), err

	default:
		return OutcomeIgnored, nil
	}
}

func outcomeFor(applied bool) Outcome {
	if applied {
		return OutcomeApplied
	}
	return OutcomeIgnored
}

// HandleCheckoutCompleted moves the order to processing and creates the
// paid bookings. A line that cannot be applied is skipped, never fatal.
// It returns nil when the order is already closed.
func (p *Processor) HandleCheckoutCompleted(ctx context.Context, u *booking.Unit, orderID uuid.UUID, ev *Event) (*CheckoutResult, error) {
	ledger := u.Ledger()
	log := p.logger.With().Str("order_id", orderID.String()).Str("event_id", ev.ID).Logger()

	order, err := ledger.GetOrderForUpdate(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.Closed() {
		log.Warn().Str("order_status", string(order.Status)).Msg("checkout completed for a closed order, nothing created")
		return nil, nil
	}

	if ev.PaymentRef != "" {
		order.PaymentReference = ev.PaymentRef
	}
	if ev.PaymentIntentID != "" {
		order.PaymentIntentID = ev.PaymentIntentID
	}
	if order.Status == booking.OrderPending {
		order.Status = booking.OrderProcessing
	}
	if err := ledger.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}

	userID := order.UserID
	if userID == uuid.Nil {
		userID = ev.UserID
	}

	res := &CheckoutResult{}
	for _, line := range bookingLines(order, ev) {
		if err := p.applyBookingLine(ctx, u, order, userID, line, res, log); err != nil {
			return nil, err
		}
	}

	bundles, err := p.bundleLines(ctx, ledger, order, ev)
	if err != nil {
		return nil, err
	}
	for _, line := range bundles {
		if err := p.applyBundleLine(ctx, u, order, line, res, log); err != nil {
			return nil, err
		}
	}

	return res, nil
}

// bookingLines prefers the event metadata and falls back to the order's
// own items when the metadata was not attached.
func bookingLines(order *booking.Order, ev *Event) []BookingLine {
	if len(ev.Bookings) > 0 {
		return ev.Bookings
	}
	var out []BookingLine
	for _, item := range order.Items {
		if item.Kind != booking.ItemBooking || item.SlotID == nil || item.ServiceID == nil {
			continue
		}
		out = append(out, BookingLine{
			ServiceID: *item.ServiceID,
			SlotID:    *item.SlotID,
			Price:     item.UnitPrice,
			Quantity:  item.Quantity,
			LateFee:   item.LateFee,
		})
	}
	return out
}

func (p *Processor) bundleLines(ctx context.Context, ledger booking.Ledger, order *booking.Order, ev *Event) ([]BundleLine, error) {
	if len(ev.Bundles) > 0 {
		return ev.Bundles, nil
	}
	linked, err := ledger.ListBundleBookingsByOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	out := make([]BundleLine, 0, len(linked))
	for _, bb := range linked {
		out = append(out, BundleLine{
			BundleBookingID: bb.ID,
			BundleID:        bb.BundleID,
			SlotID:          bb.SlotID,
			Price:           bb.TotalPrice,
			LateFee:         bb.LateFee,
		})
	}
	return out, nil
}

func (p *Processor) skipLine(res *CheckoutResult, reason string, log *zerolog.Event) {
	res.skip(reason)
	p.metrics.IncSkipped(reason)
	log.Str("reason", reason).Msg("checkout line item skipped")
}

func (p *Processor) applyBookingLine(ctx context.Context, u *booking.Unit, order *booking.Order, userID uuid.UUID, line BookingLine, res *CheckoutResult, log zerolog.Logger) error {
	correlation := order.PaymentReference

	existing, err := u.Ledger().FindByCorrelationAndSlot(ctx, correlation, line.SlotID)
	if err == nil {
		res.Existing++
		log.Debug().Str("slot_id", line.SlotID.String()).Str("booking_id", existing.ID.String()).Msg("line item already applied")
		return nil
	}
	if !errors.Is(err, booking.ErrBookingNotFound) {
		return err
	}

	if line.Quantity > 1 {
		log.Warn().Str("slot_id", line.SlotID.String()).Int("quantity", line.Quantity).Msg("booking line quantity above one, reserving a single seat")
	}

	orderID := order.ID
	var created *booking.Booking
	err = u.Savepoint(ctx, func(ctx context.Context, u *booking.Unit) error {
		b, err := u.Reserve(ctx, booking.ReserveRequest{
			UserID:               userID,
			ServiceID:            line.ServiceID,
			SlotID:               line.SlotID,
			Status:               booking.StatusConfirmed,
			PaymentCorrelationID: correlation,
			OrderID:              &orderID,
		})
		created = b
		return err
	})

	switch {
	case err == nil:
		res.Created = append(res.Created, created.ID)
	case errors.Is(err, booking.ErrSlotFull):
		p.skipLine(res, SkipSlotFull, log.Warn().Str("slot_id", line.SlotID.String()))
	case errors.Is(err, booking.ErrDuplicateBooking):
		p.skipLine(res, SkipDuplicate, log.Warn().Str("slot_id", line.SlotID.String()))
	case errors.Is(err, booking.ErrSlotNotFound), errors.Is(err, booking.ErrServiceMismatch):
		p.skipLine(res, SkipInvalidLine, log.Warn().Err(err).Str("slot_id", line.SlotID.String()))
	default:
		return fmt.Errorf("apply booking line for slot %s: %w", line.SlotID, err)
	}
	return nil
}

func (p *Processor) applyBundleLine(ctx context.Context, u *booking.Unit, order *booking.Order, line BundleLine, res *CheckoutResult, log zerolog.Logger) error {
	log = log.With().Str("bundle_booking_id", line.BundleBookingID.String()).Logger()

	bb, err := u.Ledger().GetBundleBooking(ctx, line.BundleBookingID)
	if errors.Is(err, booking.ErrBundleBookingNotFound) {
		p.skipLine(res, SkipBundleMissing, log.Warn())
		return nil
	}
	if err != nil {
		return err
	}

	switch bb.Status {
	case booking.BundleCancelled:
		if bb.OrderID == nil || *bb.OrderID != order.ID {
			p.skipLine(res, SkipBundleCancelled, log.Warn())
			return nil
		}
		return p.restoreBundle(ctx, u, order, bb, res, log)
	case booking.BundleCompleted:
		p.skipLine(res, SkipBundleClosed, log.Warn())
		return nil
	}

	err = u.Savepoint(ctx, func(ctx context.Context, u *booking.Unit) error {
		if bb.OrderID == nil {
			if err := u.Ledger().AttachBundleBookingToOrder(ctx, bb.ID, order.ID, order.PaymentReference); err != nil {
				return err
			}
			if err := u.Ledger().LinkOrderBundleBooking(ctx, order.ID, bb.ID); err != nil {
				return err
			}
		}
		_, err := u.ConfirmBundle(ctx, bb.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("confirm bundle booking %s: %w", bb.ID, err)
	}
	res.Bundles++
	return nil
}

// HandlePaymentSucceeded marks the order paid. It has no capacity effect.
func (p *Processor) HandlePaymentSucceeded(ctx context.Context, u *booking.Unit, orderID uuid.UUID, ev *Event) (bool, error) {
	ledger := u.Ledger()
	order, err := ledger.GetOrderForUpdate(ctx, orderID)
	if err != nil {
		return false, err
	}

	switch order.Status {
	case booking.OrderPending, booking.OrderProcessing:
	case booking.OrderCompleted:
		return false, nil
	default:
		p.logger.Warn().
			Str("order_id", order.ID.String()).
			Str("order_status", string(order.Status)).
			Msg("payment succeeded for a closed order, needs manual review")
		return false, nil
	}

	order.Status = booking.OrderCompleted
	order.PaymentStatus = booking.PaymentPaid
	if order.PaymentIntentID == "" && ev.PaymentIntentID != "" {
		order.PaymentIntentID = ev.PaymentIntentID
	}
	if err := ledger.UpdateOrder(ctx, order); err != nil {
		return false, err
	}
	return true, nil
}

// HandlePaymentFailed cancels the order and releases every seat it holds.
// A completed order is left alone.
func (p *Processor) HandlePaymentFailed(ctx context.Context, u *booking.Unit, orderID uuid.UUID) (bool, error) {
	order, err := u.Ledger().GetOrderForUpdate(ctx, orderID)
	if err != nil {
		return false, err
	}
	if order.Status == booking.OrderCompleted {
		p.logger.Info().Str("order_id", order.ID.String()).Msg("payment failure after completion ignored")
		return false, nil
	}

	opts := booking.CancelOrderOptions{
		OrderStatus:   booking.OrderCancelled,
		PaymentStatus: booking.PaymentFailed,
		Reason:        "payment_failed",
	}
	if order.Status == booking.OrderRefunded {
		opts.OrderStatus, opts.PaymentStatus = "", ""
	}

	res, err := u.CancelOrder(ctx, orderID, opts)
	if err != nil {
		return false, err
	}
	p.logger.Info().Str("order_id", orderID.String()).Int("released", res.Released).Msg("order cancelled after payment failure")
	return true, nil
}

// HandleChargeRefunded refunds the order through the same cancel path.
func (p *Processor) HandleChargeRefunded(ctx context.Context, u *booking.Unit, orderID uuid.UUID) (bool, error) {
	res, err := u.CancelOrder(ctx, orderID, booking.CancelOrderOptions{
		OrderStatus:   booking.OrderRefunded,
		PaymentStatus: booking.PaymentRefunded,
		Reason:        "charge_refunded",
	})
	if err != nil {
		return false, err
	}
	p.logger.Info().Str("order_id", orderID.String()).Int("released", res.Released).Msg("order refunded")
	return true, nil
}

// CancelOrderByUser cancels an order at the customer's request and deletes
// its bookings so the same slots can be booked again.
func (p *Processor) CancelOrderByUser(ctx context.Context, orderID, userID uuid.UUID) (*booking.CancelResult, error) {
	var (
		res       *booking.CancelResult
		sessionID string
	)
	err := p.locker.WithOrderLock(ctx, orderID, func(ctx context.Context) error {
		return p.engine.Do(ctx, func(ctx context.Context, u *booking.Unit) error {
			order, err := u.Ledger().GetOrderForUpdate(ctx, orderID)
			if err != nil {
				return err
			}
			if userID != uuid.Nil && order.UserID != userID {
				return booking.ErrOrderNotFound
			}
			if order.Status == booking.OrderCompleted || order.Status == booking.OrderRefunded {
				return booking.ErrOrderNotCancellable
			}
			if order.PaymentStatus == booking.PaymentUnpaid && order.Status != booking.OrderCancelled {
				sessionID = order.PaymentReference
			}

			res, err = u.CancelOrder(ctx, orderID, booking.CancelOrderOptions{
				OrderStatus: booking.OrderCancelled,
				HardDelete:  true,
				Reason:      "user_cancel",
			})
			return err
		})
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return nil, ErrOrderLocked
	}
	if err != nil {
		return nil, err
	}

	if sessionID != "" && p.sessions != nil {
		if err := p.sessions.ExpireCheckoutSession(ctx, sessionID); err != nil {
			p.logger.Warn().Err(err).Str("order_id", orderID.String()).Str("session_id", sessionID).Msg("failed to expire checkout session")
		}
	}

	p.logger.Info().
		Str("order_id", orderID.String()).
		Int("released", res.Released).
		Int("deleted", res.Deleted).
		Msg("order cancelled by user")
	return res, nil
}

// restoreBundle re-reserves a bundle this order paid for after its hold
// was released. The same slots are taken again if they still have room.
func (p *Processor) restoreBundle(ctx context.Context, u *booking.Unit, order *booking.Order, bb *booking.BundleBooking, res *CheckoutResult, log zerolog.Logger) error {
	linked, err := u.Ledger().ListBundleBookingsByOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	for _, other := range linked {
		if other.ID != bb.ID && other.BundleID == bb.BundleID && other.SlotID == bb.SlotID &&
			other.Status != booking.BundleCancelled {
			res.Existing++
			return nil
		}
	}

	children, err := u.Ledger().ListBookingsByBundle(ctx, bb.ID)
	if err != nil {
		return err
	}
	serviceSlots := make(map[uuid.UUID]uuid.UUID, len(children))
	for _, c := range children {
		if c.SlotID != nil {
			serviceSlots[c.ServiceID] = *c.SlotID
		}
	}

	var restored *booking.BundleReservation
	err = u.Savepoint(ctx, func(ctx context.Context, u *booking.Unit) error {
		r, err := u.ReserveBundle(ctx, booking.ReserveBundleRequest{
			UserID:       bb.UserID,
			BundleID:     bb.BundleID,
			SlotID:       bb.SlotID,
			ServiceSlots: serviceSlots,
			Status:       booking.BundleConfirmed,
		})
		if err != nil {
			return err
		}
		if err := u.Ledger().AttachBundleBookingToOrder(ctx, r.ID, order.ID, order.PaymentReference); err != nil {
			return err
		}
		restored = r
		return u.Ledger().LinkOrderBundleBooking(ctx, order.ID, r.ID)
	})
	if errors.Is(err, booking.ErrSlotFull) || errors.Is(err, booking.ErrDuplicateBooking) ||
		errors.Is(err, booking.ErrSlotNotFound) {
		// paid but unseatable, the line needs a refund
		p.skipLine(res, SkipBundleCancelled, log.Error().Err(err).Bool("refund_required", true))
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore bundle booking %s: %w", bb.ID, err)
	}

	log.Warn().Str("restored_bundle_booking_id", restored.ID.String()).Msg("paid bundle hold had lapsed, reserved again")
	res.Bundles++
	res.Restored++
	return nil
}
