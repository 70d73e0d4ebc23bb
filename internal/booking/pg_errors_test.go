package booking

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestClassifyPgError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "active booking unique violation",
			err:  fmt.Errorf("insert booking: %w", &pgconn.PgError{Code: "23505", ConstraintName: activeBookingIndex}),
			want: ErrDuplicateBooking,
		},
		{
			name: "deadlock",
			err:  &pgconn.PgError{Code: "40P01"},
			want: ErrTransient,
		},
		{
			name: "lock timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: ErrTransient,
		},
		{
			name: "deadline",
			err:  fmt.Errorf("begin tx: %w", context.DeadlineExceeded),
			want: ErrTransient,
		},
		{
			name: "sentinel passes through",
			err:  ErrSlotFull,
			want: ErrSlotFull,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classifyPgError(tt.err), tt.want)
		})
	}
}

func TestClassifyPgErrorLeavesOtherViolations(t *testing.T) {
	err := &pgconn.PgError{Code: "23505", ConstraintName: "idx_orders_payment_reference"}
	got := classifyPgError(err)

	assert.False(t, errors.Is(got, ErrDuplicateBooking))
	assert.False(t, errors.Is(got, ErrTransient))
	assert.Nil(t, classifyPgError(nil))
}
