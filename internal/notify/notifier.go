package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Confirmation is the payload handed to the e-mail collaborator after a
// booking is reserved or confirmed.
type Confirmation struct {
	To          string    `json:"to"`
	UserName    string    `json:"user_name"`
	ServiceName string    `json:"service_name"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	BookingID   uuid.UUID `json:"booking_id"`
	Status      string    `json:"status"`
}

type Notifier interface {
	SendConfirmation(ctx context.Context, c Confirmation) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, c Confirmation) error

func (f NotifierFunc) SendConfirmation(ctx context.Context, c Confirmation) error {
	return f(ctx, c)
}
