package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const activeBookingIndex = "idx_bookings_active_user_slot"

// classifyPgError maps driver failures onto the package sentinels. Errors
// that already carry a sentinel pass through untouched.
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrDuplicateBooking) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			if pgErr.ConstraintName == activeBookingIndex {
				return fmt.Errorf("%w: %w", ErrDuplicateBooking, err)
			}
		case "40001", "40P01", "55P03", "57014":
			// serialization_failure, deadlock_detected, lock_not_available, query_canceled
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}
