package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPgStore returns a Store backed by Postgres. lockTimeout bounds how long
// a transaction waits on a row lock before failing with ErrTransient.
func NewPgStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PgStore {
	return &PgStore{pool: pool, lockTimeout: lockTimeout}
}

func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classifyPgError(fmt.Errorf("begin tx: %w", err))
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if s.lockTimeout > 0 {
		ms := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, ms); err != nil {
			return classifyPgError(fmt.Errorf("set lock timeout: %w", err))
		}
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return classifyPgError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyPgError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Savepoint(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	nested, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin savepoint: %w", err)
	}
	if err := fn(ctx, &pgTx{tx: nested}); err != nil {
		if rbErr := nested.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback savepoint: %w (after %w)", rbErr, err)
		}
		return err
	}
	return nested.Commit(ctx)
}

// Helpers

const slotColumns = `id, service_id, start_time, end_time, capacity, booked_count, is_available, created_at, updated_at`

const bookingColumns = `id, user_id, service_id, slot_id, order_id, bundle_booking_id, status, notes,
	payment_correlation_id, expires_at, created_at, updated_at`

const bundleBookingColumns = `id, bundle_id, user_id, slot_id, total_price, late_fee, status, order_id,
	payment_correlation_id, expires_at, created_at, updated_at`

const orderColumns = `id, user_id, status, total, currency, payment_reference, payment_intent_id,
	payment_status, payment_expires_at, created_at, updated_at`

func scanSlot(row pgx.Row) (*TimeSlot, error) {
	var s TimeSlot

	err := row.Scan(
		&s.ID,
		&s.ServiceID,
		&s.StartTime,
		&s.EndTime,
		&s.Capacity,
		&s.BookedCount,
		&s.IsAvailable,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}

	return &s, nil
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	var correlation *string

	err := row.Scan(
		&b.ID,
		&b.UserID,
		&b.ServiceID,
		&b.SlotID,
		&b.OrderID,
		&b.BundleBookingID,
		&b.Status,
		&b.Notes,
		&correlation,
		&b.ExpiresAt,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}

	if correlation != nil {
		b.PaymentCorrelationID = *correlation
	}
	return &b, nil
}

func scanBundleBooking(row pgx.Row) (*BundleBooking, error) {
	var bb BundleBooking
	var slotID *uuid.UUID
	var correlation *string

	err := row.Scan(
		&bb.ID,
		&bb.BundleID,
		&bb.UserID,
		&slotID,
		&bb.TotalPrice,
		&bb.LateFee,
		&bb.Status,
		&bb.OrderID,
		&correlation,
		&bb.ExpiresAt,
		&bb.CreatedAt,
		&bb.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBundleBookingNotFound
		}
		return nil, err
	}

	if slotID != nil {
		bb.SlotID = *slotID
	}
	if correlation != nil {
		bb.PaymentCorrelationID = *correlation
	}
	return &bb, nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var ref, intent *string

	err := row.Scan(
		&o.ID,
		&o.UserID,
		&o.Status,
		&o.Total,
		&o.Currency,
		&ref,
		&intent,
		&o.PaymentStatus,
		&o.PaymentExpiresAt,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	if ref != nil {
		o.PaymentReference = *ref
	}
	if intent != nil {
		o.PaymentIntentID = *intent
	}
	return &o, nil
}

func collectBookings(rows pgx.Rows) ([]Booking, error) {
	defer rows.Close()

	var result []Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *b)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func collectBundleBookings(rows pgx.Rows) ([]BundleBooking, error) {
	defer rows.Close()

	var result []BundleBooking
	for rows.Next() {
		bb, err := scanBundleBooking(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *bb)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// Slot store

func (t *pgTx) GetSlot(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM time_slots
		WHERE id = $1
	`, id)
	return scanSlot(row)
}

func (t *pgTx) FindSlotByServiceAndStart(ctx context.Context, serviceID uuid.UUID, start time.Time) (*TimeSlot, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM time_slots
		WHERE service_id = $1 AND start_time = $2
		ORDER BY created_at
		LIMIT 1
	`, serviceID, start)
	return scanSlot(row)
}

func (t *pgTx) slotExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	if err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM time_slots WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check slot exists: %w", err)
	}
	return exists, nil
}

func (t *pgTx) TryReserve(ctx context.Context, id uuid.UUID, seats int) (*TimeSlot, error) {
	if seats < 1 {
		return nil, fmt.Errorf("try reserve: seats must be positive, got %d", seats)
	}

	// The row lock taken by UPDATE serializes concurrent reservations on
	// the same slot; the WHERE clause is the capacity check.
	row := t.tx.QueryRow(ctx, `
		UPDATE time_slots
		SET booked_count = booked_count + $2,
		    is_available = booked_count + $2 < capacity,
		    updated_at = now()
		WHERE id = $1
		  AND booked_count + $2 <= capacity
		RETURNING `+slotColumns, id, seats)

	slot, err := scanSlot(row)
	if !errors.Is(err, ErrSlotNotFound) {
		return slot, err
	}

	exists, err := t.slotExists(ctx, id)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrSlotFull
	}
	return nil, ErrSlotNotFound
}

func (t *pgTx) Release(ctx context.Context, id uuid.UUID, seats int) (*TimeSlot, error) {
	if seats < 1 {
		return nil, fmt.Errorf("release: seats must be positive, got %d", seats)
	}

	row := t.tx.QueryRow(ctx, `
		UPDATE time_slots
		SET booked_count = GREATEST(booked_count - $2, 0),
		    is_available = GREATEST(booked_count - $2, 0) < capacity,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+slotColumns, id, seats)
	return scanSlot(row)
}

func (t *pgTx) SetCapacity(ctx context.Context, id uuid.UUID, capacity int) (*TimeSlot, error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}

	row := t.tx.QueryRow(ctx, `
		UPDATE time_slots
		SET capacity = $2,
		    is_available = booked_count < $2,
		    updated_at = now()
		WHERE id = $1
		  AND booked_count <= $2
		RETURNING `+slotColumns, id, capacity)

	slot, err := scanSlot(row)
	if !errors.Is(err, ErrSlotNotFound) {
		return slot, err
	}

	exists, err := t.slotExists(ctx, id)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrCapacityBelowBooked
	}
	return nil, ErrSlotNotFound
}

func (t *pgTx) DeleteSlot(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM time_slots WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

// Catalog

func (t *pgTx) GetService(ctx context.Context, id uuid.UUID) (*Service, error) {
	var s Service
	err := t.tx.QueryRow(ctx, `
		SELECT id, name, price, duration_minutes, late_fee_enabled, late_fee_days, late_fee_amount
		FROM services
		WHERE id = $1
	`, id).Scan(&s.ID, &s.Name, &s.Price, &s.DurationMinutes, &s.LateFee.Enabled, &s.LateFee.WindowDays, &s.LateFee.Amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrServiceNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (t *pgTx) GetBundle(ctx context.Context, id uuid.UUID) (*Bundle, error) {
	var b Bundle
	err := t.tx.QueryRow(ctx, `
		SELECT id, name, custom_price, late_fee_enabled, late_fee_days, late_fee_amount
		FROM bundles
		WHERE id = $1
	`, id).Scan(&b.ID, &b.Name, &b.CustomPrice, &b.LateFee.Enabled, &b.LateFee.WindowDays, &b.LateFee.Amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBundleNotFound
		}
		return nil, err
	}

	rows, err := t.tx.Query(ctx, `
		SELECT service_id
		FROM bundle_services
		WHERE bundle_id = $1
		ORDER BY position, service_id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load bundle services: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var serviceID uuid.UUID
		if err := rows.Scan(&serviceID); err != nil {
			return nil, err
		}
		b.ServiceIDs = append(b.ServiceIDs, serviceID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &b, nil
}

func (t *pgTx) GetProduct(ctx context.Context, id uuid.UUID) (*Product, error) {
	var p Product
	err := t.tx.QueryRow(ctx, `SELECT id, name, price FROM products WHERE id = $1`, id).Scan(&p.ID, &p.Name, &p.Price)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (t *pgTx) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := t.tx.QueryRow(ctx, `SELECT id, name, email FROM users WHERE id = $1`, id).Scan(&u.ID, &u.Name, &u.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

// Bookings

func (t *pgTx) GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	return scanBooking(row)
}

func (t *pgTx) GetBookingForUpdate(ctx context.Context, id uuid.UUID) (*Booking, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id)
	return scanBooking(row)
}

func (t *pgTx) FindActiveBooking(ctx context.Context, userID, slotID uuid.UUID) (*Booking, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE user_id = $1
		  AND slot_id = $2
		  AND status IN ('pending', 'confirmed')
		LIMIT 1
	`, userID, slotID)
	return scanBooking(row)
}

func (t *pgTx) FindByPaymentCorrelation(ctx context.Context, token string) ([]Booking, error) {
	if token == "" {
		return nil, nil
	}
	rows, err := t.tx.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE payment_correlation_id = $1
		ORDER BY id
		FOR UPDATE
	`, token)
	if err != nil {
		return nil, fmt.Errorf("find by payment correlation: %w", err)
	}
	return collectBookings(rows)
}

func (t *pgTx) FindByCorrelationAndSlot(ctx context.Context, token string, slotID uuid.UUID) (*Booking, error) {
	if token == "" {
		return nil, ErrBookingNotFound
	}
	row := t.tx.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE payment_correlation_id = $1
		  AND slot_id = $2
		  AND bundle_booking_id IS NULL
		LIMIT 1
	`, token, slotID)
	return scanBooking(row)
}

func (t *pgTx) ListBookingsByOrder(ctx context.Context, orderID uuid.UUID) ([]Booking, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE bundle_booking_id IS NULL
		  AND (order_id = $1 OR id IN (
		        SELECT booking_id FROM order_bookings
		        WHERE order_id = $1 AND booking_id IS NOT NULL))
		ORDER BY id
		FOR UPDATE
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list bookings by order: %w", err)
	}
	return collectBookings(rows)
}

func (t *pgTx) ListBookingsByBundle(ctx context.Context, bundleBookingID uuid.UUID) ([]Booking, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE bundle_booking_id = $1
		ORDER BY id
		FOR UPDATE
	`, bundleBookingID)
	if err != nil {
		return nil, fmt.Errorf("list bookings by bundle: %w", err)
	}
	return collectBookings(rows)
}

func (t *pgTx) ListBookingsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Booking, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list bookings by user: %w", err)
	}
	return collectBookings(rows)
}

func (t *pgTx) CountActiveBookingsForSlot(ctx context.Context, slotID uuid.UUID) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
		SELECT count(*)
		FROM bookings
		WHERE slot_id = $1 AND status IN ('pending', 'confirmed')
	`, slotID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active bookings: %w", err)
	}
	return n, nil
}

func (t *pgTx) InsertBooking(ctx context.Context, b *Booking) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}

	err := t.tx.QueryRow(ctx, `
		INSERT INTO bookings (id, user_id, service_id, slot_id, order_id, bundle_booking_id, status, notes,
		                      payment_correlation_id, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		RETURNING created_at, updated_at
	`, b.ID, b.UserID, b.ServiceID, b.SlotID, b.OrderID, b.BundleBookingID, b.Status, b.Notes,
		nullableString(b.PaymentCorrelationID), b.ExpiresAt).Scan(&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return classifyPgError(fmt.Errorf("insert booking: %w", err))
	}
	return nil
}

func (t *pgTx) UpdateBookingStatus(ctx context.Context, id uuid.UUID, from, to BookingStatus) (*Booking, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE bookings
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+bookingColumns, id, to, from)
	return scanBooking(row)
}

func (t *pgTx) DeleteBookings(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM bookings WHERE id = ANY($1::uuid[])`, uuidStrings(ids)); err != nil {
		return fmt.Errorf("delete bookings: %w", err)
	}
	return nil
}

func (t *pgTx) FindExpiredPending(ctx context.Context, now time.Time, limit int) ([]Booking, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE status = 'pending'
		  AND bundle_booking_id IS NULL
		  AND expires_at IS NOT NULL
		  AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("find expired pending: %w", err)
	}
	return collectBookings(rows)
}

// Bundle bookings

func (t *pgTx) GetBundleBooking(ctx context.Context, id uuid.UUID) (*BundleBooking, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+bundleBookingColumns+` FROM bundle_bookings WHERE id = $1`, id)
	return scanBundleBooking(row)
}

func (t *pgTx) GetBundleBookingForUpdate(ctx context.Context, id uuid.UUID) (*BundleBooking, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+bundleBookingColumns+` FROM bundle_bookings WHERE id = $1 FOR UPDATE`, id)
	return scanBundleBooking(row)
}

func (t *pgTx) InsertBundleBooking(ctx context.Context, bb *BundleBooking) error {
	if bb.ID == uuid.Nil {
		bb.ID = uuid.New()
	}

	err := t.tx.QueryRow(ctx, `
		INSERT INTO bundle_bookings (id, bundle_id, user_id, slot_id, total_price, late_fee, status, order_id,
		                             payment_correlation_id, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		RETURNING created_at, updated_at
	`, bb.ID, bb.BundleID, bb.UserID, bb.SlotID, bb.TotalPrice, bb.LateFee, bb.Status, bb.OrderID,
		nullableString(bb.PaymentCorrelationID), bb.ExpiresAt).Scan(&bb.CreatedAt, &bb.UpdatedAt)
	if err != nil {
		return classifyPgError(fmt.Errorf("insert bundle booking: %w", err))
	}
	return nil
}

func (t *pgTx) UpdateBundleBookingStatus(ctx context.Context, id uuid.UUID, from, to BundleStatus) (*BundleBooking, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE bundle_bookings
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+bundleBookingColumns, id, to, from)
	return scanBundleBooking(row)
}

func (t *pgTx) AttachBundleBookingToOrder(ctx context.Context, id, orderID uuid.UUID, correlation string) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE bundle_bookings
		SET order_id = $2,
		    payment_correlation_id = $3,
		    updated_at = now()
		WHERE id = $1
	`, id, orderID, nullableString(correlation))
	if err != nil {
		return fmt.Errorf("attach bundle booking: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBundleBookingNotFound
	}

	if _, err := t.tx.Exec(ctx, `
		UPDATE bookings
		SET order_id = $2,
		    payment_correlation_id = $3,
		    updated_at = now()
		WHERE bundle_booking_id = $1
	`, id, orderID, nullableString(correlation)); err != nil {
		return fmt.Errorf("attach bundle children: %w", err)
	}
	return nil
}

func (t *pgTx) ListBundleBookingsByOrder(ctx context.Context, orderID uuid.UUID) ([]BundleBooking, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+bundleBookingColumns+`
		FROM bundle_bookings
		WHERE order_id = $1
		   OR id IN (SELECT bundle_booking_id FROM order_bookings
		             WHERE order_id = $1 AND bundle_booking_id IS NOT NULL)
		ORDER BY id
		FOR UPDATE
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list bundle bookings by order: %w", err)
	}
	return collectBundleBookings(rows)
}

func (t *pgTx) DeleteBundleBookings(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM bundle_bookings WHERE id = ANY($1::uuid[])`, uuidStrings(ids)); err != nil {
		return fmt.Errorf("delete bundle bookings: %w", err)
	}
	return nil
}

func (t *pgTx) FindExpiredBundlePending(ctx context.Context, now time.Time, limit int) ([]BundleBooking, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+bundleBookingColumns+`
		FROM bundle_bookings
		WHERE status = 'pending_payment'
		  AND expires_at IS NOT NULL
		  AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("find expired bundle pending: %w", err)
	}
	return collectBundleBookings(rows)
}

// Orders

func (t *pgTx) InsertOrder(ctx context.Context, o *Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}

	err := t.tx.QueryRow(ctx, `
		INSERT INTO orders (id, user_id, status, total, currency, payment_reference, payment_intent_id,
		                    payment_status, payment_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
		RETURNING created_at, updated_at
	`, o.ID, o.UserID, o.Status, o.Total, o.Currency, nullableString(o.PaymentReference),
		nullableString(o.PaymentIntentID), o.PaymentStatus, o.PaymentExpiresAt).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for i := range o.Items {
		item := &o.Items[i]
		if item.ID == uuid.Nil {
			item.ID = uuid.New()
		}
		item.OrderID = o.ID

		if _, err := t.tx.Exec(ctx, `
			INSERT INTO order_items (id, order_id, kind, product_id, service_id, slot_id, bundle_booking_id,
			                         quantity, unit_price, late_fee)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, item.ID, item.OrderID, item.Kind, item.ProductID, item.ServiceID, item.SlotID, item.BundleBookingID,
			item.Quantity, item.UnitPrice, item.LateFee); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	return nil
}

func (t *pgTx) loadOrderItems(ctx context.Context, o *Order) error {
	rows, err := t.tx.Query(ctx, `
		SELECT id, order_id, kind, product_id, service_id, slot_id, bundle_booking_id, quantity, unit_price, late_fee
		FROM order_items
		WHERE order_id = $1
		ORDER BY id
	`, o.ID)
	if err != nil {
		return fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.Kind, &item.ProductID, &item.ServiceID,
			&item.SlotID, &item.BundleBookingID, &item.Quantity, &item.UnitPrice, &item.LateFee); err != nil {
			return err
		}
		o.Items = append(o.Items, item)
	}
	return rows.Err()
}

func (t *pgTx) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := t.loadOrderItems(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if err := t.loadOrderItems(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (t *pgTx) FindOrderByPaymentRef(ctx context.Context, ref string) (*Order, error) {
	if ref == "" {
		return nil, ErrOrderNotFound
	}
	row := t.tx.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE payment_reference = $1 OR payment_intent_id = $1
		ORDER BY (payment_reference = $1) IS TRUE DESC
		LIMIT 1
	`, ref)
	return scanOrder(row)
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *Order) error {
	err := t.tx.QueryRow(ctx, `
		UPDATE orders
		SET status = $2,
		    total = $3,
		    payment_reference = $4,
		    payment_intent_id = $5,
		    payment_status = $6,
		    updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, o.ID, o.Status, o.Total, nullableString(o.PaymentReference), nullableString(o.PaymentIntentID),
		o.PaymentStatus).Scan(&o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOrderNotFound
		}
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

func (t *pgTx) LinkOrderBooking(ctx context.Context, orderID, bookingID uuid.UUID) error {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO order_bookings (order_id, booking_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, orderID, bookingID); err != nil {
		return fmt.Errorf("link order booking: %w", err)
	}
	return nil
}

func (t *pgTx) LinkOrderBundleBooking(ctx context.Context, orderID, bundleBookingID uuid.UUID) error {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO order_bookings (order_id, bundle_booking_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, orderID, bundleBookingID); err != nil {
		return fmt.Errorf("link order bundle booking: %w", err)
	}
	return nil
}

// Events

func (t *pgTx) MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO processed_webhook_events (event_id, event_type, processed_at)
		VALUES ($1, $2, now())
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("mark event processed: %w", err)
	}
	return tag.RowsAffected() == 0, nil
}

func (t *pgTx) InsertEventLog(ctx context.Context, ev EventLog) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	payload := ev.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	_, err := t.tx.Exec(ctx, `
		INSERT INTO event_logs (id, entity_type, entity_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))
	`, ev.ID, ev.EntityType, ev.EntityID, ev.EventType, payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
