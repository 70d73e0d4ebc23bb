package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS services (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		price BIGINT NOT NULL CHECK (price >= 0),
		duration_minutes INT NOT NULL DEFAULT 60,
		late_fee_enabled BOOLEAN NOT NULL DEFAULT false,
		late_fee_days INT NOT NULL DEFAULT 0,
		late_fee_amount BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS bundles (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		custom_price BIGINT NOT NULL CHECK (custom_price >= 0),
		late_fee_enabled BOOLEAN NOT NULL DEFAULT false,
		late_fee_days INT NOT NULL DEFAULT 0,
		late_fee_amount BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS bundle_services (
		bundle_id UUID NOT NULL REFERENCES bundles(id) ON DELETE CASCADE,
		service_id UUID NOT NULL REFERENCES services(id),
		position INT NOT NULL DEFAULT 0,
		PRIMARY KEY (bundle_id, service_id)
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		price BIGINT NOT NULL CHECK (price >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS time_slots (
		id UUID PRIMARY KEY,
		service_id UUID NOT NULL REFERENCES services(id),
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ NOT NULL,
		capacity INT NOT NULL CHECK (capacity >= 1),
		booked_count INT NOT NULL DEFAULT 0 CHECK (booked_count >= 0 AND booked_count <= capacity),
		is_available BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		CHECK (end_time > start_time)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_time_slots_service_start ON time_slots (service_id, start_time)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		total BIGINT NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT 'usd',
		payment_reference TEXT,
		payment_intent_id TEXT,
		payment_status TEXT NOT NULL DEFAULT 'unpaid',
		payment_expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`ALTER TABLE orders ADD COLUMN IF NOT EXISTS payment_expires_at TIMESTAMPTZ`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_payment_reference ON orders (payment_reference) WHERE payment_reference IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_orders_payment_intent ON orders (payment_intent_id) WHERE payment_intent_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS order_items (
		id UUID PRIMARY KEY,
		order_id UUID NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		product_id UUID,
		service_id UUID,
		slot_id UUID,
		bundle_booking_id UUID,
		quantity INT NOT NULL DEFAULT 1,
		unit_price BIGINT NOT NULL DEFAULT 0,
		late_fee BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS bundle_bookings (
		id UUID PRIMARY KEY,
		bundle_id UUID NOT NULL REFERENCES bundles(id),
		user_id UUID NOT NULL,
		slot_id UUID REFERENCES time_slots(id) ON DELETE SET NULL,
		total_price BIGINT NOT NULL,
		late_fee BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		order_id UUID REFERENCES orders(id) ON DELETE SET NULL,
		payment_correlation_id TEXT,
		expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bundle_bookings_expiry ON bundle_bookings (expires_at) WHERE status = 'pending_payment'`,
	`CREATE TABLE IF NOT EXISTS bookings (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL,
		service_id UUID NOT NULL REFERENCES services(id),
		slot_id UUID REFERENCES time_slots(id) ON DELETE SET NULL,
		order_id UUID REFERENCES orders(id) ON DELETE SET NULL,
		bundle_booking_id UUID REFERENCES bundle_bookings(id) ON DELETE CASCADE,
		status TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		payment_correlation_id TEXT,
		expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_bookings_active_user_slot ON bookings (user_id, slot_id)
		WHERE status IN ('pending', 'confirmed') AND slot_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_correlation ON bookings (payment_correlation_id) WHERE payment_correlation_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_expiry ON bookings (expires_at) WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS order_bookings (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		order_id UUID NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		booking_id UUID REFERENCES bookings(id) ON DELETE CASCADE,
		bundle_booking_id UUID REFERENCES bundle_bookings(id) ON DELETE CASCADE,
		CHECK (booking_id IS NOT NULL OR bundle_booking_id IS NOT NULL)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_order_bookings_booking ON order_bookings (order_id, booking_id) WHERE booking_id IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_order_bookings_bundle ON order_bookings (order_id, bundle_booking_id) WHERE bundle_booking_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS processed_webhook_events (
		event_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS event_logs (
		id UUID PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id UUID NOT NULL,
		event_type TEXT NOT NULL,
		payload JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate applies the schema. Every statement is idempotent so it is run
// on each startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, stmt := range schema {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}
