package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/training-booking/internal/config"
	"github.com/hackgods/training-booking/internal/db"
	"github.com/hackgods/training-booking/internal/logging"
)

// SimConfig drives a contention run against a live api-server. A small
// number of hot slots is shared by every worker so over-booking shows up
// quickly if capacity accounting is wrong.
type SimConfig struct {
	APIBaseURL  string
	Duration    time.Duration
	Workers     int
	HotSlots    int
	UserLimit   int
	BookRatio   float64
	CancelRatio float64
	ReadRatio   float64
	PostgresDSN string
}

type slotRef struct {
	ID        uuid.UUID
	ServiceID uuid.UUID
}

type DataPool struct {
	Users []uuid.UUID
	Slots []slotRef

	mu       sync.RWMutex
	bookings []uuid.UUID
}

func (dp *DataPool) AddBooking(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.bookings = append(dp.bookings, id)
}

// TakeBooking removes and returns a random booking so two workers do not
// cancel the same one.
func (dp *DataPool) TakeBooking(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.bookings) == 0 {
		return uuid.Nil, false
	}
	idx := rng.Intn(len(dp.bookings))
	id := dp.bookings[idx]
	dp.bookings[idx] = dp.bookings[len(dp.bookings)-1]
	dp.bookings = dp.bookings[:len(dp.bookings)-1]
	return id, true
}

// OperationMetrics counts responses by error code; "" is success.
type OperationMetrics struct {
	Total     int64
	mu        sync.Mutex
	outcomes  map[string]int64
	latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, outcome string) {
	atomic.AddInt64(&om.Total, 1)

	om.mu.Lock()
	defer om.mu.Unlock()
	if om.outcomes == nil {
		om.outcomes = make(map[string]int64)
	}
	om.outcomes[outcome]++
	om.latencies = append(om.latencies, latency)
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	latencies := make([]time.Duration, len(om.latencies))
	copy(latencies, om.latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	pick := func(pct int) time.Duration {
		idx := len(latencies) * pct / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}
	return sum / time.Duration(len(latencies)), pick(50), pick(95), latencies[len(latencies)-1]
}

type Metrics struct {
	Book     OperationMetrics
	Cancel   OperationMetrics
	ReadSlot OperationMetrics
	ListUser OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	logger  zerolog.Logger
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("failed to load base config")
	}
	logger := logging.New(baseCfg.Env, baseCfg.LogLevel)

	cfg := loadConfig(baseCfg)
	if err := validateConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	logger.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Int("hot_slots", cfg.HotSlots).
		Float64("book", cfg.BookRatio).
		Float64("cancel", cfg.CancelRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 2})
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("load data pool")
	}
	logger.Info().Int("users", len(dataPool.Users)).Int("slots", len(dataPool.Slots)).Msg("data pool loaded")

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}

	sim.Run()
	sim.PrintReport()

	if !sim.VerifySlots(context.Background()) {
		os.Exit(1)
	}
}

func loadConfig(base config.Config) SimConfig {
	cfg := SimConfig{
		APIBaseURL:  getEnv("SIM_API_BASE_URL", "http://localhost:"+base.HTTPPort),
		Duration:    getDuration("SIM_DURATION", 30*time.Second),
		Workers:     getInt("SIM_WORKERS", 20),
		HotSlots:    getInt("SIM_HOT_SLOTS", 5),
		UserLimit:   getInt("SIM_USER_LIMIT", 500),
		BookRatio:   getFloat("SIM_BOOK_RATIO", 0.6),
		CancelRatio: getFloat("SIM_CANCEL_RATIO", 0.15),
		ReadRatio:   getFloat("SIM_READ_RATIO", 0.25),
		PostgresDSN: base.PostgresDSN,
	}

	total := cfg.BookRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.HotSlots <= 0 {
		return fmt.Errorf("SIM_HOT_SLOTS must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `SELECT id FROM users LIMIT $1`, cfg.UserLimit)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Users = append(dataPool.Users, id)
	}
	rows.Close()

	// smallest open slots first so they fill up during the run
	rows, err = pool.Query(ctx, `
		SELECT id, service_id FROM time_slots
		WHERE is_available AND booked_count < capacity AND start_time > now()
		ORDER BY capacity, start_time
		LIMIT $1
	`, cfg.HotSlots)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	for rows.Next() {
		var ref slotRef
		if err := rows.Scan(&ref.ID, &ref.ServiceID); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Slots = append(dataPool.Slots, ref)
	}
	rows.Close()

	if len(dataPool.Users) == 0 {
		return nil, fmt.Errorf("no users loaded")
	}
	if len(dataPool.Slots) == 0 {
		return nil, fmt.Errorf("no open slots loaded")
	}
	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}
	wg.Wait()

	s.logger.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.BookRatio:
			s.doBook(ctx, rng)
		case r < s.config.BookRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng)
		case rng.Intn(2) == 0:
			s.doReadSlot(ctx, rng)
		default:
			s.doListUser(ctx, rng)
		}
	}
}

// call sends a request and classifies the response by its error code.
func (s *Simulator) call(ctx context.Context, method, url string, body any, want int, out any) (string, time.Duration) {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return "request_error", 0
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return "", 0
		}
		return "transport_error", latency
	}
	defer resp.Body.Close()

	if resp.StatusCode == want {
		if out != nil {
			_ = json.NewDecoder(resp.Body).Decode(out)
		}
		return "", latency
	}

	var apiErr struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
		return "http_" + strconv.Itoa(resp.StatusCode), latency
	}
	return apiErr.Error, latency
}

func (s *Simulator) doBook(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	user := s.pool.Users[rng.Intn(len(s.pool.Users))]

	reqBody := map[string]string{
		"user_id":    user.String(),
		"service_id": slot.ServiceID.String(),
		"slot_id":    slot.ID.String(),
		"status":     "confirmed",
	}
	var created struct {
		ID uuid.UUID `json:"id"`
	}
	outcome, latency := s.call(ctx, http.MethodPost, s.config.APIBaseURL+"/bookings", reqBody, http.StatusCreated, &created)
	if latency == 0 {
		return
	}
	if outcome == "" && created.ID != uuid.Nil {
		s.pool.AddBooking(created.ID)
	}
	s.metrics.Book.Record(latency, outcome)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.TakeBooking(rng)
	if !ok {
		return
	}
	outcome, latency := s.call(ctx, http.MethodPost,
		fmt.Sprintf("%s/bookings/%s/cancel", s.config.APIBaseURL, id), nil, http.StatusOK, nil)
	if latency == 0 {
		return
	}
	s.metrics.Cancel.Record(latency, outcome)
}

func (s *Simulator) doReadSlot(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	outcome, latency := s.call(ctx, http.MethodGet,
		fmt.Sprintf("%s/slots/%s", s.config.APIBaseURL, slot.ID), nil, http.StatusOK, nil)
	if latency == 0 {
		return
	}
	s.metrics.ReadSlot.Record(latency, outcome)
}

func (s *Simulator) doListUser(ctx context.Context, rng *rand.Rand) {
	user := s.pool.Users[rng.Intn(len(s.pool.Users))]
	outcome, latency := s.call(ctx, http.MethodGet,
		fmt.Sprintf("%s/users/%s/bookings?limit=20&offset=0", s.config.APIBaseURL, user), nil, http.StatusOK, nil)
	if latency == 0 {
		return
	}
	s.metrics.ListUser.Record(latency, outcome)
}

// VerifySlots re-reads every hot slot and reports any whose booked count
// left the [0, capacity] range.
func (s *Simulator) VerifySlots(ctx context.Context) bool {
	ok := true
	for _, ref := range s.pool.Slots {
		var slot struct {
			Capacity    int `json:"capacity"`
			BookedCount int `json:"booked_count"`
		}
		outcome, _ := s.call(ctx, http.MethodGet,
			fmt.Sprintf("%s/slots/%s", s.config.APIBaseURL, ref.ID), nil, http.StatusOK, &slot)
		if outcome != "" {
			s.logger.Error().Str("slot_id", ref.ID.String()).Str("outcome", outcome).Msg("could not read slot for verification")
			ok = false
			continue
		}
		if slot.BookedCount < 0 || slot.BookedCount > slot.Capacity {
			s.logger.Error().
				Str("slot_id", ref.ID.String()).
				Int("capacity", slot.Capacity).
				Int("booked_count", slot.BookedCount).
				Msg("slot capacity violated")
			ok = false
			continue
		}
		s.logger.Info().
			Str("slot_id", ref.ID.String()).
			Int("capacity", slot.Capacity).
			Int("booked_count", slot.BookedCount).
			Msg("slot verified")
	}
	return ok
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d  Hot slots: %d\n", s.config.Workers, len(s.pool.Slots))
	fmt.Println()

	printOperationReport("Book", &s.metrics.Book)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Read slot", &s.metrics.ReadSlot)
	printOperationReport("List user bookings", &s.metrics.ListUser)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	om.mu.Lock()
	codes := make([]string, 0, len(om.outcomes))
	for code := range om.outcomes {
		codes = append(codes, code)
	}
	counts := make(map[string]int64, len(om.outcomes))
	for code, n := range om.outcomes {
		counts[code] = n
	}
	om.mu.Unlock()
	sort.Strings(codes)

	avg, p50, p95, max := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	for _, code := range codes {
		label := code
		if label == "" {
			label = "ok"
		}
		fmt.Printf("  %s: %d (%.1f%%)\n", label, counts[code], float64(counts[code])/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), max.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
