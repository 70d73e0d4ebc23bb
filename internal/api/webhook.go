package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/hackgods/training-booking/internal/booking"
	"github.com/hackgods/training-booking/internal/payment"
)

const maxWebhookBody = 64 << 10

// stripeWebhookHandler acknowledges every verified event it will never be
// able to apply, so Stripe only retries on 503.
func stripeWebhookHandler(verifier *payment.Verifier, proc *payment.Processor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := zerolog.Ctx(r.Context())

		r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "webhook body exceeds 64KiB")
				return
			}
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not read body")
			return
		}

		se, err := verifier.Verify(payload, r.Header.Get("Stripe-Signature"))
		if err != nil {
			log.Warn().Err(err).Msg("rejected webhook with invalid signature")
			writeError(w, http.StatusBadRequest, "invalid_signature", "signature verification failed")
			return
		}

		ev, err := payment.ParseEvent(se)
		switch {
		case errors.Is(err, payment.ErrUnsupportedEvent):
			log.Debug().Str("event_id", se.ID).Str("event_type", string(se.Type)).Msg("ignoring unsupported event type")
			writeJSON(w, http.StatusOK, WebhookResponse{Received: true})
			return
		case err != nil:
			log.Error().Err(err).Str("event_id", se.ID).Str("event_type", string(se.Type)).Msg("malformed webhook event acknowledged")
			writeJSON(w, http.StatusOK, WebhookResponse{Received: true})
			return
		}

		if _, err := proc.Process(r.Context(), ev); err != nil {
			if errors.Is(err, payment.ErrOrderLocked) || errors.Is(err, booking.ErrTransient) {
				log.Warn().Err(err).Str("event_id", ev.ID).Msg("webhook deferred, asking for redelivery")
			} else {
				log.Error().Err(err).Str("event_id", ev.ID).Msg("webhook processing failed")
			}
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusServiceUnavailable, "processing_failed", "event not applied, retry later")
			return
		}
		writeJSON(w, http.StatusOK, WebhookResponse{Received: true})
	}
}
