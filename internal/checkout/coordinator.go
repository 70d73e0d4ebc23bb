package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/training-booking/internal/booking"
	"github.com/hackgods/training-booking/internal/payment"
)

var (
	ErrEmptyCart         = errors.New("cart has no items")
	ErrInvalidItem       = errors.New("invalid cart item")
	ErrBundleUnavailable = errors.New("bundle booking is not awaiting payment")
)

// Stripe rejects metadata values longer than this.
const maxMetadataValue = 500

// Stripe only accepts session expiries inside this window.
const (
	minSessionTTL     = 30 * time.Minute
	maxSessionTTL     = 24 * time.Hour
	defaultSessionTTL = time.Hour
)

type ItemType string

const (
	ItemProduct ItemType = "product"
	ItemBooking ItemType = "booking"
	ItemBundle  ItemType = "bundle"
)

type CartItem struct {
	Type            ItemType
	ProductID       uuid.UUID
	Quantity        int
	ServiceID       uuid.UUID
	SlotID          uuid.UUID
	BundleBookingID uuid.UUID
}

type Cart struct {
	Items    []CartItem
	Currency string
}

// PaymentGateway is the hosted checkout provider.
type PaymentGateway interface {
	CreateCheckoutSession(ctx context.Context, req payment.SessionRequest) (*payment.Session, error)
	ExpireCheckoutSession(ctx context.Context, sessionID string) error
}

type CheckoutResult struct {
	OrderID           uuid.UUID
	PaymentSessionRef string
	CheckoutURL       string
	Total             int64
}

// Coordinator turns a cart into a pending order and a checkout session.
// Booking lines take no seat here; they are reserved when the checkout
// completes.
type Coordinator struct {
	engine     *booking.Engine
	gateway    PaymentGateway
	currency   string
	sessionTTL time.Duration
	logger     zerolog.Logger
}

type CoordinatorConfig struct {
	Currency string
	// SessionTTL is how long the checkout session stays payable. Bundle
	// holds attached to the order are kept at least that long.
	SessionTTL time.Duration
}

func NewCoordinator(engine *booking.Engine, gateway PaymentGateway, cfg CoordinatorConfig, logger zerolog.Logger) *Coordinator {
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	switch {
	case cfg.SessionTTL <= 0:
		cfg.SessionTTL = defaultSessionTTL
	case cfg.SessionTTL < minSessionTTL:
		cfg.SessionTTL = minSessionTTL
	case cfg.SessionTTL > maxSessionTTL:
		cfg.SessionTTL = maxSessionTTL
	}
	return &Coordinator{
		engine:     engine,
		gateway:    gateway,
		currency:   cfg.Currency,
		sessionTTL: cfg.SessionTTL,
		logger:     logger.With().Str("component", "checkout").Logger(),
	}
}

type pricedCart struct {
	email    string
	total    int64
	items    []booking.OrderItem
	lines    []payment.SessionLine
	bookings []payment.BookingLine
	bundles  []payment.BundleLine
}

func (c *Coordinator) CreateOrder(ctx context.Context, userID uuid.UUID, cart Cart) (*CheckoutResult, error) {
	if len(cart.Items) == 0 {
		return nil, ErrEmptyCart
	}
	currency := cart.Currency
	if currency == "" {
		currency = c.currency
	}

	var priced *pricedCart
	var now time.Time
	err := c.engine.Do(ctx, func(ctx context.Context, u *booking.Unit) error {
		now = u.Now()
		p, err := c.price(ctx, u, userID, cart)
		priced = p
		return err
	})
	if err != nil {
		return nil, err
	}

	orderID := uuid.New()
	log := c.logger.With().Str("order_id", orderID.String()).Str("user_id", userID.String()).Logger()

	meta, err := payment.EncodeMetadata(orderID, userID, priced.bookings, priced.bundles)
	if err != nil {
		return nil, err
	}
	trimMetadata(meta, log)

	payableUntil := now.Add(c.sessionTTL)
	sess, err := c.gateway.CreateCheckoutSession(ctx, payment.SessionRequest{
		OrderID:       orderID,
		UserID:        userID,
		CustomerEmail: priced.email,
		Currency:      currency,
		Lines:         priced.lines,
		Metadata:      meta,
		ExpiresAt:     payableUntil,
	})
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	order := &booking.Order{
		ID:               orderID,
		UserID:           userID,
		Status:           booking.OrderPending,
		Total:            priced.total,
		Currency:         currency,
		PaymentReference: sess.ID,
		PaymentIntentID:  sess.PaymentIntentID,
		PaymentStatus:    booking.PaymentUnpaid,
		Items:            priced.items,
	}
	if !sess.ExpiresAt.IsZero() {
		payableUntil = sess.ExpiresAt
	}
	order.PaymentExpiresAt = &payableUntil
	err = c.engine.Do(ctx, func(ctx context.Context, u *booking.Unit) error {
		return c.persist(ctx, u, order, priced.bundles)
	})
	if err != nil {
		if expErr := c.gateway.ExpireCheckoutSession(context.WithoutCancel(ctx), sess.ID); expErr != nil {
			log.Warn().Err(expErr).Str("session_id", sess.ID).Msg("failed to expire orphaned checkout session")
		}
		return nil, err
	}

	log.Info().
		Str("session_id", sess.ID).
		Int64("total", priced.total).
		Int("items", len(priced.items)).
		Msg("order created")

	return &CheckoutResult{
		OrderID:           orderID,
		PaymentSessionRef: sess.ID,
		CheckoutURL:       sess.URL,
		Total:             priced.total,
	}, nil
}

func (c *Coordinator) price(ctx context.Context, u *booking.Unit, userID uuid.UUID, cart Cart) (*pricedCart, error) {
	ledger := u.Ledger()

	user, err := ledger.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := &pricedCart{email: user.Email}

	seenSlots := make(map[uuid.UUID]bool)
	seenBundles := make(map[uuid.UUID]bool)

	for i, item := range cart.Items {
		switch item.Type {
		case ItemProduct:
			if item.Quantity < 1 {
				return nil, fmt.Errorf("%w: item %d quantity must be at least 1", ErrInvalidItem, i)
			}
			product, err := ledger.GetProduct(ctx, item.ProductID)
			if err != nil {
				return nil, err
			}
			productID := product.ID
			out.add(booking.OrderItem{
				Kind:      booking.ItemProduct,
				ProductID: &productID,
				Quantity:  item.Quantity,
				UnitPrice: product.Price,
			}, payment.SessionLine{Name: product.Name, UnitAmount: product.Price, Quantity: int64(item.Quantity)})

		case ItemBooking:
			if seenSlots[item.SlotID] {
				return nil, fmt.Errorf("%w: slot %s appears twice", ErrInvalidItem, item.SlotID)
			}
			seenSlots[item.SlotID] = true

			line, err := c.priceBooking(ctx, u, userID, item)
			if err != nil {
				return nil, err
			}
			out.bookings = append(out.bookings, line.booking)
			out.add(line.item, line.session)

		case ItemBundle:
			if seenBundles[item.BundleBookingID] {
				return nil, fmt.Errorf("%w: bundle booking %s appears twice", ErrInvalidItem, item.BundleBookingID)
			}
			seenBundles[item.BundleBookingID] = true

			line, err := c.priceBundle(ctx, ledger, userID, item)
			if err != nil {
				return nil, err
			}
			out.bundles = append(out.bundles, line.bundle)
			out.add(line.item, line.session)

		default:
			return nil, fmt.Errorf("%w: item %d has type %q", ErrInvalidItem, i, item.Type)
		}
	}
	return out, nil
}

func (p *pricedCart) add(item booking.OrderItem, line payment.SessionLine) {
	p.items = append(p.items, item)
	p.lines = append(p.lines, line)
	p.total += item.Subtotal()
}

type pricedLine struct {
	item    booking.OrderItem
	session payment.SessionLine
	booking payment.BookingLine
	bundle  payment.BundleLine
}

// priceBooking charges the service price plus its late fee. A slot that
// is already full or already held by the user is refused up front.
func (c *Coordinator) priceBooking(ctx context.Context, u *booking.Unit, userID uuid.UUID, item CartItem) (*pricedLine, error) {
	ledger := u.Ledger()

	svc, err := ledger.GetService(ctx, item.ServiceID)
	if err != nil {
		return nil, err
	}
	slot, err := ledger.GetSlot(ctx, item.SlotID)
	if err != nil {
		return nil, err
	}
	if slot.ServiceID != svc.ID {
		return nil, booking.ErrServiceMismatch
	}
	if slot.Remaining() == 0 {
		return nil, booking.ErrSlotFull
	}
	if _, err := ledger.FindActiveBooking(ctx, userID, slot.ID); err == nil {
		return nil, booking.ErrDuplicateBooking
	} else if !errors.Is(err, booking.ErrBookingNotFound) {
		return nil, err
	}

	lateFee := svc.LateFee.FeeFor(slot.StartTime, u.Now())
	serviceID, slotID := svc.ID, slot.ID
	return &pricedLine{
		item: booking.OrderItem{
			Kind:      booking.ItemBooking,
			ServiceID: &serviceID,
			SlotID:    &slotID,
			Quantity:  1,
			UnitPrice: svc.Price,
			LateFee:   lateFee,
		},
		session: payment.SessionLine{
			Name:       fmt.Sprintf("%s, %s", svc.Name, slot.StartTime.Format("Jan 2 15:04")),
			UnitAmount: svc.Price + lateFee,
			Quantity:   1,
		},
		booking: payment.BookingLine{
			ServiceID: serviceID,
			SlotID:    slotID,
			Price:     svc.Price,
			Quantity:  1,
			LateFee:   lateFee,
		},
	}, nil
}

func (c *Coordinator) priceBundle(ctx context.Context, ledger booking.Ledger, userID uuid.UUID, item CartItem) (*pricedLine, error) {
	bb, err := ledger.GetBundleBooking(ctx, item.BundleBookingID)
	if err != nil {
		return nil, err
	}
	if bb.UserID != userID {
		return nil, booking.ErrBundleBookingNotFound
	}
	if err := checkBundleOpen(bb); err != nil {
		return nil, err
	}
	bundle, err := ledger.GetBundle(ctx, bb.BundleID)
	if err != nil {
		return nil, err
	}

	bbID := bb.ID
	return &pricedLine{
		item: booking.OrderItem{
			Kind:            booking.ItemBundle,
			BundleBookingID: &bbID,
			Quantity:        1,
			UnitPrice:       bb.TotalPrice - bb.LateFee,
			LateFee:         bb.LateFee,
		},
		session: payment.SessionLine{Name: bundle.Name, UnitAmount: bb.TotalPrice, Quantity: 1},
		bundle: payment.BundleLine{
			BundleBookingID: bbID,
			BundleID:        bb.BundleID,
			SlotID:          bb.SlotID,
			Price:           bb.TotalPrice,
			LateFee:         bb.LateFee,
		},
	}, nil
}

func checkBundleOpen(bb *booking.BundleBooking) error {
	if bb.Status != booking.BundlePendingPayment {
		return fmt.Errorf("%w: status %s", ErrBundleUnavailable, bb.Status)
	}
	if bb.OrderID != nil {
		return fmt.Errorf("%w: already in order %s", ErrBundleUnavailable, *bb.OrderID)
	}
	return nil
}

// persist inserts the order and claims its bundle bookings. Bundles are
// re-checked under lock since another checkout may have claimed them
// while the session was being created.
func (c *Coordinator) persist(ctx context.Context, u *booking.Unit, order *booking.Order, bundles []payment.BundleLine) error {
	ledger := u.Ledger()
	if err := ledger.InsertOrder(ctx, order); err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, line := range bundles {
		bb, err := ledger.GetBundleBookingForUpdate(ctx, line.BundleBookingID)
		if err != nil {
			return err
		}
		if err := checkBundleOpen(bb); err != nil {
			return err
		}
		if err := ledger.AttachBundleBookingToOrder(ctx, bb.ID, order.ID, order.PaymentReference); err != nil {
			return fmt.Errorf("attach bundle booking %s: %w", bb.ID, err)
		}
		if err := ledger.LinkOrderBundleBooking(ctx, order.ID, bb.ID); err != nil {
			return fmt.Errorf("link bundle booking %s: %w", bb.ID, err)
		}
	}
	return nil
}

// trimMetadata drops line arrays Stripe would reject. The processor then
// falls back to the order's stored items and linked bundles.
func trimMetadata(meta map[string]string, log zerolog.Logger) {
	for _, key := range []string{payment.MetaBookings, payment.MetaBundles} {
		if len(meta[key]) > maxMetadataValue {
			log.Debug().Str("key", key).Int("length", len(meta[key])).Msg("metadata value too long, relying on stored order items")
			delete(meta, key)
		}
	}
}
