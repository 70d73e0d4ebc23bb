package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

type CancelResult struct {
	Cancelled        []uuid.UUID // bookings moved to cancelled by this call
	BundlesCancelled []uuid.UUID
	AlreadyCancelled int
	Skipped          int // completed rows, left untouched
	Released         int // seats returned to slots
	Deleted          int // rows hard deleted
}

func (r *CancelResult) merge(o CancelResult) {
	r.Cancelled = append(r.Cancelled, o.Cancelled...)
	r.BundlesCancelled = append(r.BundlesCancelled, o.BundlesCancelled...)
	r.AlreadyCancelled += o.AlreadyCancelled
	r.Skipped += o.Skipped
	r.Released += o.Released
	r.Deleted += o.Deleted
}

// Cancel cancels a single booking. Cancelling twice releases its seat once.
func (e *Engine) Cancel(ctx context.Context, bookingID uuid.UUID) (*CancelResult, error) {
	var out *CancelResult
	err := e.Do(ctx, func(ctx context.Context, u *Unit) error {
		b, err := u.tx.GetBookingForUpdate(ctx, bookingID)
		if err != nil {
			return err
		}
		if b.BundleBookingID != nil {
			return ErrBundleMember
		}
		if b.Status == StatusCompleted {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, StatusCancelled)
		}

		res, err := u.cancelBookings(ctx, []Booking{*b}, "booking_cancel")
		out = &res
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// cancelBookings releases exactly one seat for every row that was not
// cancelled before this call. Rows must already be locked by the caller.
func (u *Unit) cancelBookings(ctx context.Context, list []Booking, reason string) (CancelResult, error) {
	var res CancelResult

	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].SlotID, list[j].SlotID
		if a == nil || b == nil {
			return b == nil && a != nil
		}
		return a.String() < b.String()
	})

	for _, b := range list {
		switch b.Status {
		case StatusCancelled:
			res.AlreadyCancelled++
			continue
		case StatusCompleted:
			res.Skipped++
			continue
		}

		if _, err := u.tx.UpdateBookingStatus(ctx, b.ID, b.Status, StatusCancelled); err != nil {
			if errors.Is(err, ErrBookingNotFound) {
				// status moved since the caller read it
				res.AlreadyCancelled++
				continue
			}
			return res, fmt.Errorf("cancel booking %s: %w", b.ID, err)
		}
		res.Cancelled = append(res.Cancelled, b.ID)

		if b.SlotID != nil {
			if _, err := u.tx.Release(ctx, *b.SlotID, 1); err != nil {
				if !errors.Is(err, ErrSlotNotFound) {
					return res, fmt.Errorf("release slot %s: %w", *b.SlotID, err)
				}
			} else {
				res.Released++
				u.released++
			}
		}

		payload := map[string]any{"reason": reason}
		if b.SlotID != nil {
			payload["slot_id"] = b.SlotID.String()
		}
		if err := u.logEvent(ctx, EntityBooking, b.ID, EventBookingCancelled, payload); err != nil {
			return res, err
		}
	}

	return res, nil
}

type CancelOrderOptions struct {
	// OrderStatus and PaymentStatus are applied to the order when set.
	OrderStatus   OrderStatus
	PaymentStatus PaymentStatus
	// HardDelete removes the cancelled rows so the user can book the same
	// slot again.
	HardDelete bool
	Reason     string
}

// CancelOrder cancels every booking tied to the order, directly, through
// a bundle or by payment correlation, and releases their seats together.
func (e *Engine) CancelOrder(ctx context.Context, orderID uuid.UUID, opts CancelOrderOptions) (*CancelResult, error) {
	var out *CancelResult
	err := e.Do(ctx, func(ctx context.Context, u *Unit) error {
		res, err := u.CancelOrder(ctx, orderID, opts)
		out = res
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (u *Unit) CancelOrder(ctx context.Context, orderID uuid.UUID, opts CancelOrderOptions) (*CancelResult, error) {
	order, err := u.tx.GetOrderForUpdate(ctx, orderID)
	if err != nil {
		return nil, err
	}
	reason := opts.Reason
	if reason == "" {
		reason = "order_cancel"
	}

	bookings, err := u.orderBookings(ctx, order)
	if err != nil {
		return nil, err
	}

	bundles, err := u.tx.ListBundleBookingsByOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	res := &CancelResult{}
	for i := range bundles {
		r, err := u.cancelBundle(ctx, &bundles[i], reason)
		res.merge(r)
		if err != nil {
			return nil, err
		}
	}

	r, err := u.cancelBookings(ctx, bookings, reason)
	res.merge(r)
	if err != nil {
		return nil, err
	}

	changed := false
	if opts.OrderStatus != "" && order.Status != opts.OrderStatus {
		order.Status = opts.OrderStatus
		changed = true
	}
	if opts.PaymentStatus != "" && order.PaymentStatus != opts.PaymentStatus {
		order.PaymentStatus = opts.PaymentStatus
		changed = true
	}
	if changed {
		if err := u.tx.UpdateOrder(ctx, order); err != nil {
			return nil, err
		}
	}

	if opts.HardDelete {
		deleted, err := u.deleteCancelled(ctx, order.ID, bookings, bundles)
		if err != nil {
			return nil, err
		}
		res.Deleted = deleted
	}

	if err := u.logEvent(ctx, EntityOrder, order.ID, EventOrderCancelled, map[string]any{
		"reason":       reason,
		"order_status": order.Status,
		"cancelled":    len(res.Cancelled),
		"released":     res.Released,
		"deleted":      res.Deleted,
	}); err != nil {
		return nil, err
	}

	return res, nil
}

// orderBookings returns the order's own bookings plus those sharing its
// payment correlation id, without duplicates and without bundle children.
func (u *Unit) orderBookings(ctx context.Context, order *Order) ([]Booking, error) {
	direct, err := u.tx.ListBookingsByOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	correlated, err := u.tx.FindByPaymentCorrelation(ctx, order.PaymentReference)
	if err != nil {
		return nil, err
	}

	seen := make(map[uuid.UUID]bool, len(direct))
	out := make([]Booking, 0, len(direct)+len(correlated))
	for _, b := range direct {
		seen[b.ID] = true
		out = append(out, b)
	}
	for _, b := range correlated {
		if b.BundleBookingID != nil || seen[b.ID] {
			continue
		}
		seen[b.ID] = true
		out = append(out, b)
	}
	return out, nil
}

func (u *Unit) deleteCancelled(ctx context.Context, orderID uuid.UUID, bookings []Booking, bundles []BundleBooking) (int, error) {
	var bookingIDs, bundleIDs []uuid.UUID

	for _, b := range bookings {
		if b.Status != StatusCompleted {
			bookingIDs = append(bookingIDs, b.ID)
		}
	}
	childCount := 0
	for _, bb := range bundles {
		if bb.Status == BundleCompleted {
			continue
		}
		children, err := u.tx.ListBookingsByBundle(ctx, bb.ID)
		if err != nil {
			return 0, err
		}
		childCount += len(children)
		bundleIDs = append(bundleIDs, bb.ID)
	}

	if err := u.tx.DeleteBookings(ctx, bookingIDs); err != nil {
		return 0, err
	}
	// children go with their parent
	if err := u.tx.DeleteBundleBookings(ctx, bundleIDs); err != nil {
		return 0, err
	}

	deleted := len(bookingIDs) + childCount
	if deleted > 0 {
		if err := u.logEvent(ctx, EntityOrder, orderID, EventBookingsDeleted, map[string]any{
			"bookings":        len(bookingIDs),
			"bundle_bookings": len(bundleIDs),
		}); err != nil {
			return 0, err
		}
	}
	return deleted, nil
}
