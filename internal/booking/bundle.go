package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

type ReserveBundleRequest struct {
	UserID   uuid.UUID
	BundleID uuid.UUID
	// SlotID anchors the bundle. It must belong to one of the bundle's
	// services and sets the start time used for the late fee.
	SlotID uuid.UUID
	// ServiceSlots picks the slot for other services. A service missing
	// here gets its slot starting at the same time as the anchor.
	ServiceSlots map[uuid.UUID]uuid.UUID
	// Status is BundlePendingPayment (default) or BundleConfirmed.
	Status BundleStatus
}

// ReserveBundle reserves one seat per included service. Either every seat
// and row is created or none is.
func (e *Engine) ReserveBundle(ctx context.Context, req ReserveBundleRequest) (*BundleReservation, error) {
	var out *BundleReservation
	err := e.Do(ctx, func(ctx context.Context, u *Unit) error {
		r, err := u.ReserveBundle(ctx, req)
		out = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (u *Unit) ReserveBundle(ctx context.Context, req ReserveBundleRequest) (*BundleReservation, error) {
	r, err := u.reserveBundle(ctx, req)
	u.engine.metrics.IncReservation(reservationResult(err))
	return r, err
}

type serviceSlot struct {
	service *Service
	slot    *TimeSlot
}

func (u *Unit) reserveBundle(ctx context.Context, req ReserveBundleRequest) (*BundleReservation, error) {
	status := req.Status
	if status == "" {
		status = BundlePendingPayment
	}
	if status != BundlePendingPayment && status != BundleConfirmed {
		return nil, ErrInvalidStatus
	}

	bundle, err := u.tx.GetBundle(ctx, req.BundleID)
	if err != nil {
		return nil, err
	}
	if len(bundle.ServiceIDs) < 2 {
		return nil, ErrInvalidBundle
	}

	anchor, err := u.tx.GetSlot(ctx, req.SlotID)
	if err != nil {
		return nil, err
	}

	included := false
	for _, id := range bundle.ServiceIDs {
		if id == anchor.ServiceID {
			included = true
			break
		}
	}
	if !included {
		return nil, ErrServiceMismatch
	}

	plan := make([]serviceSlot, 0, len(bundle.ServiceIDs))
	for _, serviceID := range bundle.ServiceIDs {
		svc, err := u.tx.GetService(ctx, serviceID)
		if err != nil {
			return nil, err
		}

		slot, err := u.resolveBundleSlot(ctx, serviceID, anchor, req.ServiceSlots)
		if err != nil {
			return nil, err
		}

		if _, err := u.tx.FindActiveBooking(ctx, req.UserID, slot.ID); err == nil {
			return nil, ErrDuplicateBooking
		} else if !errors.Is(err, ErrBookingNotFound) {
			return nil, fmt.Errorf("check active booking: %w", err)
		}

		plan = append(plan, serviceSlot{service: svc, slot: slot})
	}

	// fixed lock order across slots
	sort.Slice(plan, func(i, j int) bool {
		return plan[i].slot.ID.String() < plan[j].slot.ID.String()
	})

	for i := range plan {
		reserved, err := u.tx.TryReserve(ctx, plan[i].slot.ID, 1)
		if err != nil {
			return nil, err
		}
		plan[i].slot = reserved
	}

	lateFee := bundle.LateFee.FeeFor(anchor.StartTime, u.now)
	bb := &BundleBooking{
		ID:         uuid.New(),
		BundleID:   bundle.ID,
		UserID:     req.UserID,
		SlotID:     anchor.ID,
		TotalPrice: bundle.CustomPrice + lateFee,
		LateFee:    lateFee,
		Status:     status,
	}
	if status == BundlePendingPayment {
		expiresAt := u.now.Add(u.engine.cfg.PendingHoldTTL)
		bb.ExpiresAt = &expiresAt
	}
	if err := u.tx.InsertBundleBooking(ctx, bb); err != nil {
		return nil, err
	}

	out := &BundleReservation{BundleBooking: *bb}
	for _, p := range plan {
		slotID := p.slot.ID
		bundleBookingID := bb.ID
		child := &Booking{
			ID:              uuid.New(),
			UserID:          req.UserID,
			ServiceID:       p.service.ID,
			SlotID:          &slotID,
			BundleBookingID: &bundleBookingID,
			Status:          status.ChildStatus(),
		}
		if err := u.tx.InsertBooking(ctx, child); err != nil {
			return nil, err
		}
		out.Children = append(out.Children, *child)
		u.queueConfirmation(ctx, *child, p.slot)
	}

	if err := u.logEvent(ctx, EntityBundleBooking, bb.ID, EventBundleReserved, map[string]any{
		"bundle_id":   bundle.ID.String(),
		"slot_id":     anchor.ID.String(),
		"total_price": bb.TotalPrice,
		"late_fee":    bb.LateFee,
		"children":    len(out.Children),
	}); err != nil {
		return nil, err
	}

	return out, nil
}

func (u *Unit) resolveBundleSlot(ctx context.Context, serviceID uuid.UUID, anchor *TimeSlot, chosen map[uuid.UUID]uuid.UUID) (*TimeSlot, error) {
	if serviceID == anchor.ServiceID {
		return anchor, nil
	}

	if slotID, ok := chosen[serviceID]; ok {
		slot, err := u.tx.GetSlot(ctx, slotID)
		if err != nil {
			return nil, err
		}
		if slot.ServiceID != serviceID {
			return nil, ErrServiceMismatch
		}
		return slot, nil
	}

	slot, err := u.tx.FindSlotByServiceAndStart(ctx, serviceID, anchor.StartTime)
	if err != nil {
		return nil, fmt.Errorf("no slot for service %s at %s: %w", serviceID, anchor.StartTime.Format("2006-01-02T15:04"), err)
	}
	return slot, nil
}

// ConfirmBundle moves a pending_payment bundle and its children to
// confirmed. Already confirmed is a no-op.
func (e *Engine) ConfirmBundle(ctx context.Context, bundleBookingID uuid.UUID) (*BundleBooking, error) {
	var out *BundleBooking
	err := e.Do(ctx, func(ctx context.Context, u *Unit) error {
		bb, err := u.ConfirmBundle(ctx, bundleBookingID)
		out = bb
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (u *Unit) ConfirmBundle(ctx context.Context, bundleBookingID uuid.UUID) (*BundleBooking, error) {
	bb, err := u.tx.GetBundleBookingForUpdate(ctx, bundleBookingID)
	if err != nil {
		return nil, err
	}

	switch bb.Status {
	case BundleConfirmed:
		return bb, nil
	case BundlePendingPayment:
	default:
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, bb.Status, BundleConfirmed)
	}

	updated, err := u.transitionBundle(ctx, bb, BundleConfirmed)
	if err != nil {
		return nil, err
	}

	if err := u.logEvent(ctx, EntityBundleBooking, updated.ID, EventBundleConfirmed, map[string]any{}); err != nil {
		return nil, err
	}
	return updated, nil
}

// CompleteBundle marks a confirmed bundle and its children as attended.
func (e *Engine) CompleteBundle(ctx context.Context, bundleBookingID uuid.UUID) (*BundleBooking, error) {
	var out *BundleBooking
	err := e.Do(ctx, func(ctx context.Context, u *Unit) error {
		bb, err := u.tx.GetBundleBookingForUpdate(ctx, bundleBookingID)
		if err != nil {
			return err
		}

		switch bb.Status {
		case BundleCompleted:
			out = bb
			return nil
		case BundleConfirmed:
		default:
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, bb.Status, BundleCompleted)
		}

		updated, err := u.transitionBundle(ctx, bb, BundleCompleted)
		if err != nil {
			return err
		}
		out = updated
		return u.logEvent(ctx, EntityBundleBooking, updated.ID, EventBundleCompleted, map[string]any{})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// transitionBundle moves parent and children together. Cancellation goes
// through cancelBundle instead because it releases seats.
func (u *Unit) transitionBundle(ctx context.Context, bb *BundleBooking, to BundleStatus) (*BundleBooking, error) {
	updated, err := u.tx.UpdateBundleBookingStatus(ctx, bb.ID, bb.Status, to)
	if err != nil {
		return nil, fmt.Errorf("update bundle booking: %w", err)
	}

	children, err := u.tx.ListBookingsByBundle(ctx, bb.ID)
	if err != nil {
		return nil, err
	}

	from, target := bb.Status.ChildStatus(), to.ChildStatus()
	for _, child := range children {
		if child.Status == target {
			continue
		}
		moved, err := u.tx.UpdateBookingStatus(ctx, child.ID, from, target)
		if err != nil {
			return nil, fmt.Errorf("update bundle child %s: %w", child.ID, err)
		}
		if target == StatusConfirmed {
			u.queueConfirmation(ctx, *moved, u.slotFor(ctx, *moved))
		}
	}
	return updated, nil
}

// CancelBundle cancels a bundle booking and releases every child seat not
// already released.
func (e *Engine) CancelBundle(ctx context.Context, bundleBookingID uuid.UUID) (*CancelResult, error) {
	var out *CancelResult
	err := e.Do(ctx, func(ctx context.Context, u *Unit) error {
		bb, err := u.tx.GetBundleBookingForUpdate(ctx, bundleBookingID)
		if err != nil {
			return err
		}
		if bb.Status == BundleCompleted {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, bb.Status, BundleCancelled)
		}
		res, err := u.cancelBundle(ctx, bb, "bundle_cancel")
		out = &res
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (u *Unit) cancelBundle(ctx context.Context, bb *BundleBooking, reason string) (CancelResult, error) {
	var res CancelResult

	if bb.Status == BundleCompleted {
		res.Skipped++
		return res, nil
	}

	if bb.Status != BundleCancelled {
		if _, err := u.tx.UpdateBundleBookingStatus(ctx, bb.ID, bb.Status, BundleCancelled); err != nil {
			return res, fmt.Errorf("cancel bundle booking: %w", err)
		}
		res.BundlesCancelled = append(res.BundlesCancelled, bb.ID)
		if err := u.logEvent(ctx, EntityBundleBooking, bb.ID, EventBundleCancelled, map[string]any{"reason": reason}); err != nil {
			return res, err
		}
	}

	children, err := u.tx.ListBookingsByBundle(ctx, bb.ID)
	if err != nil {
		return res, err
	}
	childRes, err := u.cancelBookings(ctx, children, reason)
	res.merge(childRes)
	return res, err
}
