package booking

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// AdjustCapacity changes a slot's capacity. It refuses to go below the
// seats already held.
func (e *Engine) AdjustCapacity(ctx context.Context, slotID uuid.UUID, capacity int) (*TimeSlot, error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}

	var out *TimeSlot
	err := e.Do(ctx, func(ctx context.Context, u *Unit) error {
		before, err := u.tx.GetSlot(ctx, slotID)
		if err != nil {
			return err
		}

		slot, err := u.tx.SetCapacity(ctx, slotID, capacity)
		if err != nil {
			return err
		}
		out = slot

		return u.logEvent(ctx, EntitySlot, slot.ID, EventCapacityChanged, map[string]any{
			"from":         before.Capacity,
			"to":           slot.Capacity,
			"booked_count": slot.BookedCount,
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteSlot removes a slot nobody actively holds. Cancelled and completed
// bookings keep their rows with the slot reference cleared.
func (e *Engine) DeleteSlot(ctx context.Context, slotID uuid.UUID) error {
	return e.Do(ctx, func(ctx context.Context, u *Unit) error {
		slot, err := u.tx.GetSlot(ctx, slotID)
		if err != nil {
			return err
		}

		active, err := u.tx.CountActiveBookingsForSlot(ctx, slotID)
		if err != nil {
			return fmt.Errorf("count active bookings: %w", err)
		}
		if active > 0 {
			return fmt.Errorf("%w: %d active", ErrSlotInUse, active)
		}

		if err := u.tx.DeleteSlot(ctx, slotID); err != nil {
			return err
		}

		return u.logEvent(ctx, EntitySlot, slotID, EventSlotDeleted, map[string]any{
			"service_id": slot.ServiceID.String(),
			"start_time": slot.StartTime,
		})
	})
}
