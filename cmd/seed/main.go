package main

import (
	"context"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/training-booking/internal/config"
	"github.com/hackgods/training-booking/internal/db"
	"github.com/hackgods/training-booking/internal/logging"
)

const (
	userCount     = 2000
	slotDays      = 14
	slotsPerDay   = 4
	productCount  = 12
	bundleCount   = 6
	servicesInSet = 3
)

var durations = []time.Duration{45 * time.Minute, 60 * time.Minute, 90 * time.Minute}

var serviceNames = []string{
	"Strength Fundamentals",
	"Olympic Lifting",
	"Mobility Clinic",
	"Sprint Mechanics",
	"Kettlebell Basics",
	"Endurance Block",
	"Nutrition Consult",
	"Boxing Conditioning",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.Env, cfg.LogLevel)
	logger.Info().Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{})
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if err := db.Migrate(context.Background(), pool); err != nil {
		logger.Fatal().Err(err).Msg("migrate")
	}

	gofakeit.Seed(time.Now().UnixNano())
	s := &seeder{pool: pool, logger: logger}

	bg := context.Background()
	if err := s.users(bg, userCount); err != nil {
		logger.Fatal().Err(err).Msg("seed users")
	}
	services, err := s.services(bg)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed services")
	}
	if err := s.slots(bg, services); err != nil {
		logger.Fatal().Err(err).Msg("seed slots")
	}
	if err := s.bundles(bg, services, bundleCount); err != nil {
		logger.Fatal().Err(err).Msg("seed bundles")
	}
	if err := s.products(bg, productCount); err != nil {
		logger.Fatal().Err(err).Msg("seed products")
	}

	logger.Info().Msg("seed complete")
}

type seeder struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func (s *seeder) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *seeder) users(ctx context.Context, count int) error {
	s.logger.Info().Int("count", count).Msg("seeding users")

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		err := s.inTx(ctx, func(tx pgx.Tx) error {
			for i := offset; i < end; i++ {
				_, err := tx.Exec(ctx, `
					INSERT INTO users (id, name, email)
					VALUES ($1, $2, $3)
					ON CONFLICT (email) DO NOTHING
				`, uuid.New(), gofakeit.Name(), gofakeit.Email())
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		s.logger.Info().Int("done", end).Int("total", count).Msg("users seeded")
	}
	return nil
}

type seededService struct {
	id       uuid.UUID
	duration time.Duration
}

func (s *seeder) services(ctx context.Context) ([]seededService, error) {
	s.logger.Info().Int("count", len(serviceNames)).Msg("seeding services")

	out := make([]seededService, 0, len(serviceNames))
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, name := range serviceNames {
			svc := seededService{
				id:       uuid.New(),
				duration: durations[gofakeit.Number(0, len(durations)-1)],
			}
			// roughly a third of services charge for booking close to the start
			lateFee := gofakeit.Number(0, 2) == 0
			_, err := tx.Exec(ctx, `
				INSERT INTO services (id, name, price, duration_minutes, late_fee_enabled, late_fee_days, late_fee_amount)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, svc.id, name, int64(gofakeit.Number(20, 120))*100, int(svc.duration/time.Minute),
				lateFee, gofakeit.Number(1, 3), int64(gofakeit.Number(5, 15))*100)
			if err != nil {
				return err
			}
			out = append(out, svc)
		}
		return nil
	})
	return out, err
}

func (s *seeder) slots(ctx context.Context, services []seededService) error {
	s.logger.Info().Int("days", slotDays).Int("per_day", slotsPerDay).Msg("seeding time slots")

	day := time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	for _, svc := range services {
		err := s.inTx(ctx, func(tx pgx.Tx) error {
			for d := 0; d < slotDays; d++ {
				for n := 0; n < slotsPerDay; n++ {
					start := day.AddDate(0, 0, d).Add(time.Duration(8+n*2) * time.Hour)
					_, err := tx.Exec(ctx, `
						INSERT INTO time_slots (id, service_id, start_time, end_time, capacity)
						VALUES ($1, $2, $3, $4, $5)
					`, uuid.New(), svc.id, start, start.Add(svc.duration), gofakeit.Number(1, 12))
					if err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	s.logger.Info().Int("count", len(services)*slotDays*slotsPerDay).Msg("time slots seeded")
	return nil
}

func (s *seeder) bundles(ctx context.Context, services []seededService, count int) error {
	s.logger.Info().Int("count", count).Msg("seeding bundles")

	return s.inTx(ctx, func(tx pgx.Tx) error {
		for i := 0; i < count; i++ {
			id := uuid.New()
			_, err := tx.Exec(ctx, `
				INSERT INTO bundles (id, name, custom_price, late_fee_enabled, late_fee_days, late_fee_amount)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, id, gofakeit.Adjective()+" Pack", int64(gofakeit.Number(60, 250))*100,
				gofakeit.Bool(), gofakeit.Number(1, 3), int64(gofakeit.Number(5, 20))*100)
			if err != nil {
				return err
			}

			first := gofakeit.Number(0, len(services)-1)
			for pos := 0; pos < servicesInSet; pos++ {
				svc := services[(first+pos)%len(services)]
				_, err := tx.Exec(ctx, `
					INSERT INTO bundle_services (bundle_id, service_id, position)
					VALUES ($1, $2, $3)
				`, id, svc.id, pos)
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *seeder) products(ctx context.Context, count int) error {
	s.logger.Info().Int("count", count).Msg("seeding products")

	return s.inTx(ctx, func(tx pgx.Tx) error {
		for i := 0; i < count; i++ {
			_, err := tx.Exec(ctx, `
				INSERT INTO products (id, name, price)
				VALUES ($1, $2, $3)
			`, uuid.New(), gofakeit.ProductName(), int64(gofakeit.Number(5, 80))*100)
			if err != nil {
				return err
			}
		}
		return nil
	})
}
