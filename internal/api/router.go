package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/training-booking/internal/booking"
	"github.com/hackgods/training-booking/internal/checkout"
	"github.com/hackgods/training-booking/internal/payment"
)

type RouterConfig struct {
	Engine         *booking.Engine
	Checkout       *checkout.Coordinator
	Processor      *payment.Processor
	Verifier       *payment.Verifier
	Redis          *redis.Client
	Gatherer       prometheus.Gatherer
	Logger         zerolog.Logger
	RateLimitRPS   float64
	RateLimitBurst int
	Env            string
	Version        string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)

	// Health endpoints
	health := NewHealthHandler(cfg.Engine.Store(), cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	// Stripe has its own retry policy and is not rate limited
	r.Post("/webhooks/stripe", stripeWebhookHandler(cfg.Verifier, cfg.Processor))

	r.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst))

		r.Get("/slots/{id}", getSlotHandler(cfg.Engine))

		r.Route("/admin/slots/{id}", func(r chi.Router) {
			r.Patch("/capacity", adjustCapacityHandler(cfg.Engine))
			r.Delete("/", deleteSlotHandler(cfg.Engine))
		})

		r.Post("/bookings", createBookingHandler(cfg.Engine))
		r.Route("/bookings/{id}", func(r chi.Router) {
			r.Get("/", getBookingHandler(cfg.Engine))
			r.Post("/confirm", confirmBookingHandler(cfg.Engine))
			r.Post("/cancel", cancelBookingHandler(cfg.Engine))
			r.Post("/complete", completeBookingHandler(cfg.Engine))
		})
		r.Get("/users/{id}/bookings", listUserBookingsHandler(cfg.Engine))

		r.Post("/bundle-bookings", createBundleBookingHandler(cfg.Engine))
		r.Route("/bundle-bookings/{id}", func(r chi.Router) {
			r.Get("/", getBundleBookingHandler(cfg.Engine))
			r.Post("/confirm", confirmBundleBookingHandler(cfg.Engine))
			r.Post("/cancel", cancelBundleBookingHandler(cfg.Engine))
			r.Post("/complete", completeBundleBookingHandler(cfg.Engine))
		})

		r.Post("/orders", createOrderHandler(cfg.Checkout))
		r.Get("/orders/{id}", getOrderHandler(cfg.Engine))
		r.Post("/orders/{id}/cancel", cancelOrderHandler(cfg.Processor))
	})

	return r
}
