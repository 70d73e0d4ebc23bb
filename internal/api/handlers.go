package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/training-booking/internal/booking"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func getSlotHandler(engine *booking.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, chi.URLParam(r, "id"), "invalid_slot_id", "id")
		if !ok {
			return
		}

		slot, err := engine.GetSlot(r.Context(), id)
		if err != nil {
			handleBookingError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newSlotResponse(slot))
	}
}

func adjustCapacityHandler(engine *booking.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, chi.URLParam(r, "id"), "invalid_slot_id", "id")
		if !ok {
			return
		}

		var req AdjustCapacityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Capacity == nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "body must be {\"capacity\": <int>}")
			return
		}

		slot, err := engine.AdjustCapacity(r.Context(), id, *req.Capacity)
		if err != nil {
			handleBookingError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newSlotResponse(slot))
	}
}

func deleteSlotHandler(engine *booking.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, chi.URLParam(r, "id"), "invalid_slot_id", "id")
		if !ok {
			return
		}

		if err := engine.DeleteSlot(r.Context(), id); err != nil {
			handleBookingError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func createBookingHandler(engine *booking.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateBookingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		userID, ok := parseID(w, req.UserID, "invalid_user_id", "user_id")
		if !ok {
			return
		}
		serviceID, ok := parseID(w, req.ServiceID, "invalid_service_id", "service_id")
		if !ok {
			return
		}
		slotID, ok := parseID(w, req.SlotID, "invalid_slot_id", "slot_id")
		if !ok {
			return
		}

		b, err := engine.Reserve(r.Context(), booking.ReserveRequest{
			UserID:    userID,
			ServiceID: serviceID,
			SlotID:    slotID,
			Notes:     req.Notes,
			Status:    booking.BookingStatus(req.Status),
		})
		if err != nil {
			handleBookingError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, newBookingResponse(b))
	}
}

func getBookingHandler(engine *booking.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, chi.URLParam(r, "id"), "invalid_booking_id", "id")
		if !ok {
			return
		}

		b, err := engine.GetBooking(r.Context(), id)
		if err != nil {
			handleBookingError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newBookingResponse(b))
	}
}

func listUserBookingsHandler(engine *booking.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := parseID(w, chi.URLParam(r, "id"), "invalid_user_id", "id")
		if !ok {
			return
		}

		limit, err := queryInt(r, "limit", defaultPageSize)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
		offset, err := queryInt(r, "offset", 0)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "invalid_offset", "offset must be a non-negative integer")
			return
		}

		list, err := engine.ListUserBookings(r.Context(), userID, limit, offset)
		if err != nil {
			handleBookingError(w, r, err)
			return
		}

		resp := BookingListResponse{Bookings: make([]BookingResponse, 0, len(list)), Limit: limit, Offset: offset}
		for i := range list {
			resp.Bookings = append(resp.Bookings, newBookingResponse(&list[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func confirmBookingHandler(engine *booking.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, chi.URLParam(r, "id"), "invalid_booking_id", "id")
		if !ok {
			return
		}

		b, err := engine.Confirm(r.Context(), id)
		if err != nil {
			handleBookingError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newBookingResponse(b))
	}
}

func completeBookingHandler(engine *booking.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, chi.URLParam(r, "id"), "invalid_booking_id", "id")
		if !ok {
			return
		}

		b, err := engine.Complete(r.Context(), id)
		if err != nil {
			handleBookingError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newBookingResponse(b))
	}
}

func cancelBookingHandler(engine *booking.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, chi.URLParam(r, "id"), "invalid_booking_id", "id")
		if !ok {
			return
		}

		res, err := engine.Cancel(r.Context(), id)
		if err != nil {
			handleBookingError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newCancelResponse(res))
	}
}

func createBundleBookingHandler(engine *booking.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateBundleBookingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		userID, ok := parseID(w, req.UserID, "invalid_user_id", "user_id")
		if !ok {
			return
		}
		bundleID, ok := parseID(w, req.BundleID, "invalid_bundle_id", "bundle_id")
		if !ok {
			return
		}
		slotID, ok := parseID(w, req.SlotID, "invalid_slot_id", "slot_id")
		if !ok {
			return
		}

		serviceSlots := make(map[uuid.UUID]uuid.UUID, len(req.ServiceSlots))
		for svc, slot := range req.ServiceSlots {
			serviceID, err := uuid.Parse(svc)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_service_slots", "service_slots keys must be service UUIDs")
				return
			}
			sid, err := uuid.Parse(slot)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_service_slots", "service_slots values must be slot UUIDs")
				return
			}
			serviceSlots[serviceID] = sid
		}

		res, err := engine.ReserveBundle(r.Context(), booking.ReserveBundleRequest{
			UserID:       userID,
			BundleID:     bundleID,
			SlotID:       slotID,
			ServiceSlots: serviceSlots,
			Status:       booking.BundleStatus(req.Status),
		})
		if err != nil {
			handleBookingError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, newBundleBookingResponse(&res.BundleBooking, res.Children))
	}
}

func getBundleBookingHandler(engine *booking.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, chi.URLParam(r, "id"), "invalid_bundle_booking_id", "id")
		if !ok {
			return
		}

		res, err := engine.GetBundleBooking(r.Context(), id)
		if err != nil {
			handleBookingError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newBundleBookingResponse(&res.BundleBooking, res.Children))
	}
}

func confirmBundleBookingHandler(engine *booking.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, chi.URLParam(r, "id"), "invalid_bundle_booking_id", "id")
		if !ok {
			return
		}

		bb, err := engine.ConfirmBundle(r.Context(), id)
		if err != nil {
			handleBookingError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newBundleBookingResponse(bb, nil))
	}
}

func cancelBundleBookingHandler(engine *booking.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, chi.URLParam(r, "id"), "invalid_bundle_booking_id", "id")
		if !ok {
			return
		}

		res, err := engine.CancelBundle(r.Context(), id)
		if err != nil {
			handleBookingError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newCancelResponse(res))
	}
}

func completeBundleBookingHandler(engine *booking.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, chi.URLParam(r, "id"), "invalid_bundle_booking_id", "id")
		if !ok {
			return
		}

		bb, err := engine.CompleteBundle(r.Context(), id)
		if err != nil {
			handleBookingError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newBundleBookingResponse(bb, nil))
	}
}
