package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

var (
	ErrSignatureInvalid = errors.New("webhook signature verification failed")
	ErrStripeAPI        = errors.New("stripe API error")
)

// Verifier checks the Stripe-Signature header against the raw body.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret, tolerance: webhook.DefaultTolerance}
}

func (v *Verifier) Verify(payload []byte, header string) (stripe.Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, header, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return ev, nil
}

// ParseEvent maps the four Stripe event types reconciliation handles.
// Anything else returns ErrUnsupportedEvent.
func ParseEvent(se stripe.Event) (*Event, error) {
	ev := &Event{ID: se.ID, Type: string(se.Type)}
	if se.Data == nil {
		return nil, fmt.Errorf("%w: event %s has no data", ErrMalformedEvent, se.ID)
	}

	var meta map[string]string
	switch se.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		var s stripe.CheckoutSession
		if err := json.Unmarshal(se.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %v", ErrMalformedEvent, err)
		}
		ev.Kind = KindCheckoutCompleted
		ev.PaymentRef = s.ID
		if s.PaymentIntent != nil {
			ev.PaymentIntentID = s.PaymentIntent.ID
		}
		meta = s.Metadata

	case stripe.EventTypePaymentIntentSucceeded, stripe.EventTypePaymentIntentPaymentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(se.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: payment intent: %v", ErrMalformedEvent, err)
		}
		ev.Kind = KindPaymentSucceeded
		if se.Type == stripe.EventTypePaymentIntentPaymentFailed {
			ev.Kind = KindPaymentFailed
		}
		ev.PaymentRef = pi.ID
		ev.PaymentIntentID = pi.ID
		meta = pi.Metadata

	case stripe.EventTypeChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(se.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("%w: charge: %v", ErrMalformedEvent, err)
		}
		ev.Kind = KindChargeRefunded
		ev.PaymentRef = ch.ID
		if ch.PaymentIntent != nil && ch.PaymentIntent.ID != "" {
			ev.PaymentRef = ch.PaymentIntent.ID
			ev.PaymentIntentID = ch.PaymentIntent.ID
		}
		meta = ch.Metadata

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, se.Type)
	}

	if err := applyMetadata(ev, meta); err != nil {
		return nil, err
	}
	return ev, nil
}

// SessionLine is one priced line shown on the hosted checkout page.
type SessionLine struct {
	Name       string
	UnitAmount int64
	Quantity   int64
}

type SessionRequest struct {
	OrderID       uuid.UUID
	UserID        uuid.UUID
	CustomerEmail string
	Currency      string
	Lines         []SessionLine
	Metadata      map[string]string
	// ExpiresAt is when the session stops accepting payment.
	ExpiresAt time.Time
}

type Session struct {
	ID              string
	URL             string
	PaymentIntentID string
	ExpiresAt       time.Time
}

type GatewayConfig struct {
	SecretKey  string
	SuccessURL string
	CancelURL  string
	Currency   string
}

// StripeGateway creates and expires hosted checkout sessions.
type StripeGateway struct {
	client *stripe.Client
	cfg    GatewayConfig
	logger zerolog.Logger
}

func NewStripeGateway(cfg GatewayConfig, logger zerolog.Logger) *StripeGateway {
	return newStripeGateway(stripe.NewClient(cfg.SecretKey), cfg, logger)
}

// NewStripeGatewayWithBackend talks to backend instead of api.stripe.com.
func NewStripeGatewayWithBackend(cfg GatewayConfig, backend stripe.Backend, logger zerolog.Logger) *StripeGateway {
	backends := &stripe.Backends{API: backend, Connect: backend, Uploads: backend}
	return newStripeGateway(stripe.NewClient(cfg.SecretKey, stripe.WithBackends(backends)), cfg, logger)
}

func newStripeGateway(sc *stripe.Client, cfg GatewayConfig, logger zerolog.Logger) *StripeGateway {
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	return &StripeGateway{
		client: sc,
		cfg:    cfg,
		logger: logger.With().Str("component", "stripe_gateway").Logger(),
	}
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req SessionRequest) (*Session, error) {
	currency := req.Currency
	if currency == "" {
		currency = g.cfg.Currency
	}

	items := make([]*stripe.CheckoutSessionCreateLineItemParams, 0, len(req.Lines))
	for _, l := range req.Lines {
		items = append(items, &stripe.CheckoutSessionCreateLineItemParams{
			Quantity: stripe.Int64(l.Quantity),
			PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(l.UnitAmount),
				ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
					Name: stripe.String(l.Name),
				},
			},
		})
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(g.cfg.SuccessURL),
		CancelURL:         stripe.String(g.cfg.CancelURL),
		ClientReferenceID: stripe.String(req.OrderID.String()),
		LineItems:         items,
		Metadata:          req.Metadata,
		PaymentIntentData: &stripe.CheckoutSessionCreatePaymentIntentDataParams{
			Metadata: req.Metadata,
		},
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	if !req.ExpiresAt.IsZero() {
		params.ExpiresAt = stripe.Int64(req.ExpiresAt.Unix())
	}

	sess, err := g.client.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		g.logger.Error().Err(err).Str("order_id", req.OrderID.String()).Msg("create checkout session failed")
		return nil, fmt.Errorf("%w: %v", ErrStripeAPI, err)
	}

	out := &Session{ID: sess.ID, URL: sess.URL}
	if sess.PaymentIntent != nil {
		out.PaymentIntentID = sess.PaymentIntent.ID
	}
	if sess.ExpiresAt > 0 {
		out.ExpiresAt = time.Unix(sess.ExpiresAt, 0).UTC()
	}
	g.logger.Info().Str("order_id", req.OrderID.String()).Str("session_id", sess.ID).Msg("checkout session created")
	return out, nil
}

func (g *StripeGateway) ExpireCheckoutSession(ctx context.Context, sessionID string) error {
	if _, err := g.client.V1CheckoutSessions.Expire(ctx, sessionID, &stripe.CheckoutSessionExpireParams{}); err != nil {
		return fmt.Errorf("%w: %v", ErrStripeAPI, err)
	}
	return nil
}

// MockGateway hands out fake sessions when no Stripe key is configured.
type MockGateway struct {
	logger zerolog.Logger
}

func NewMockGateway(logger zerolog.Logger) *MockGateway {
	return &MockGateway{logger: logger.With().Str("component", "stripe_gateway").Bool("mock", true).Logger()}
}

func (g *MockGateway) CreateCheckoutSession(_ context.Context, req SessionRequest) (*Session, error) {
	id := "cs_mock_" + uuid.NewString()
	g.logger.Info().Str("order_id", req.OrderID.String()).Str("session_id", id).Msg("mock checkout session created")
	return &Session{ID: id, URL: "https://checkout.invalid/" + id, ExpiresAt: req.ExpiresAt}, nil
}

func (g *MockGateway) ExpireCheckoutSession(_ context.Context, sessionID string) error {
	g.logger.Info().Str("session_id", sessionID).Msg("mock checkout session expired")
	return nil
}
