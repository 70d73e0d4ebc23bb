package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type ExpireResult struct {
	Bookings int
	Bundles  int
	Skipped  int
	Failed   int
}

// ExpireStale cancels pending holds whose expiry has passed and returns
// their seats. Each hold is expired in its own transaction so one failure
// does not block the rest. Holds tied to an order that is being paid, or
// whose checkout session can still be paid, are left to the payment flow.
func (e *Engine) ExpireStale(ctx context.Context, limit int) (ExpireResult, error) {
	var res ExpireResult
	if limit <= 0 {
		limit = 200
	}

	var bookings []Booking
	var bundles []BundleBooking
	err := e.Do(ctx, func(ctx context.Context, u *Unit) error {
		var err error
		bookings, err = u.tx.FindExpiredPending(ctx, u.now, limit)
		if err != nil {
			return fmt.Errorf("find expired pending bookings: %w", err)
		}
		bundles, err = u.tx.FindExpiredBundlePending(ctx, u.now, limit)
		if err != nil {
			return fmt.Errorf("find expired pending bundles: %w", err)
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	for _, b := range bookings {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		expired, err := e.expireBooking(ctx, b.ID)
		switch {
		case err != nil:
			res.Failed++
			e.logger.Error().Err(err).Str("booking_id", b.ID.String()).Msg("failed to expire booking")
		case expired:
			res.Bookings++
		default:
			res.Skipped++
		}
	}

	for _, bb := range bundles {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		expired, err := e.expireBundle(ctx, bb.ID)
		switch {
		case err != nil:
			res.Failed++
			e.logger.Error().Err(err).Str("bundle_booking_id", bb.ID.String()).Msg("failed to expire bundle booking")
		case expired:
			res.Bundles++
		default:
			res.Skipped++
		}
	}

	e.metrics.AddExpired(res.Bookings + res.Bundles)
	return res, nil
}

func (u *Unit) orderInPayment(ctx context.Context, orderID *uuid.UUID) (bool, error) {
	if orderID == nil {
		return false, nil
	}
	order, err := u.tx.GetOrder(ctx, *orderID)
	if errors.Is(err, ErrOrderNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch order.Status {
	case OrderProcessing, OrderCompleted:
		return true, nil
	case OrderPending:
		return order.PaymentExpiresAt != nil && u.now.Before(*order.PaymentExpiresAt), nil
	}
	return false, nil
}

func (e *Engine) expireBooking(ctx context.Context, id uuid.UUID) (bool, error) {
	expired := false
	err := e.Do(ctx, func(ctx context.Context, u *Unit) error {
		b, err := u.tx.GetBookingForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if b.Status != StatusPending || b.ExpiresAt == nil || !b.ExpiresAt.Before(u.now) {
			return nil
		}

		paying, err := u.orderInPayment(ctx, b.OrderID)
		if err != nil || paying {
			return err
		}

		res, err := u.cancelBookings(ctx, []Booking{*b}, "expired")
		if err != nil {
			return err
		}
		if len(res.Cancelled) == 0 {
			return nil
		}
		expired = true

		return u.logEvent(ctx, EntityBooking, b.ID, EventBookingExpired, map[string]any{"expires_at": b.ExpiresAt})
	})
	return expired, err
}

func (e *Engine) expireBundle(ctx context.Context, id uuid.UUID) (bool, error) {
	expired := false
	err := e.Do(ctx, func(ctx context.Context, u *Unit) error {
		bb, err := u.tx.GetBundleBookingForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if bb.Status != BundlePendingPayment || bb.ExpiresAt == nil || !bb.ExpiresAt.Before(u.now) {
			return nil
		}

		paying, err := u.orderInPayment(ctx, bb.OrderID)
		if err != nil || paying {
			return err
		}

		if _, err := u.cancelBundle(ctx, bb, "expired"); err != nil {
			return err
		}
		expired = true

		return u.logEvent(ctx, EntityBundleBooking, bb.ID, EventBookingExpired, map[string]any{"expires_at": bb.ExpiresAt})
	})
	return expired, err
}
