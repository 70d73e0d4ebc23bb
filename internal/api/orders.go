package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/training-booking/internal/booking"
	"github.com/hackgods/training-booking/internal/checkout"
	"github.com/hackgods/training-booking/internal/payment"
)

func createOrderHandler(coord *checkout.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		userID, ok := parseID(w, req.UserID, "invalid_user_id", "user_id")
		if !ok {
			return
		}

		cart := checkout.Cart{Currency: req.Currency, Items: make([]checkout.CartItem, 0, len(req.Items))}
		for _, it := range req.Items {
			item, ok := cartItem(w, it)
			if !ok {
				return
			}
			cart.Items = append(cart.Items, item)
		}

		res, err := coord.CreateOrder(r.Context(), userID, cart)
		if err != nil {
			handleBookingError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, CreateOrderResponse{
			OrderID:           res.OrderID,
			PaymentSessionRef: res.PaymentSessionRef,
			CheckoutURL:       res.CheckoutURL,
			Total:             res.Total,
		})
	}
}

func cartItem(w http.ResponseWriter, it CartItemRequest) (checkout.CartItem, bool) {
	item := checkout.CartItem{Type: checkout.ItemType(it.Type), Quantity: it.Quantity}
	var ok bool

	switch item.Type {
	case checkout.ItemProduct:
		item.ProductID, ok = parseID(w, it.ProductID, "invalid_product_id", "product_id")
	case checkout.ItemBooking:
		if item.ServiceID, ok = parseID(w, it.ServiceID, "invalid_service_id", "service_id"); ok {
			item.SlotID, ok = parseID(w, it.SlotID, "invalid_slot_id", "slot_id")
		}
	case checkout.ItemBundle:
		item.BundleBookingID, ok = parseID(w, it.BundleBookingID, "invalid_bundle_booking_id", "bundle_booking_id")
	default:
		writeError(w, http.StatusBadRequest, "invalid_item", "item type must be product, booking or bundle")
		return item, false
	}
	return item, ok
}

func getOrderHandler(engine *booking.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, chi.URLParam(r, "id"), "invalid_order_id", "id")
		if !ok {
			return
		}

		o, err := engine.GetOrder(r.Context(), id)
		if err != nil {
			handleBookingError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newOrderResponse(o))
	}
}

func cancelOrderHandler(proc *payment.Processor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, chi.URLParam(r, "id"), "invalid_order_id", "id")
		if !ok {
			return
		}

		var req CancelOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		userID, ok := parseID(w, req.UserID, "invalid_user_id", "user_id")
		if !ok {
			return
		}

		res, err := proc.CancelOrderByUser(r.Context(), id, userID)
		if err != nil {
			handleBookingError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newCancelResponse(res))
	}
}
