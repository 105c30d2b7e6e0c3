// Package dispatcher turns notify.send events into emails.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/diagnosis/chainconsult/pkg/events"
	"github.com/diagnosis/chainconsult/pkg/logger"
	"github.com/diagnosis/chainconsult/services/notify/internal/mailer"
)

var ErrUnknownTemplate = errors.New("unknown notification template")

type Dispatcher struct {
	mailer mailer.Service
}

func New(m mailer.Service) *Dispatcher {
	return &Dispatcher{mailer: m}
}

// Handle is the NATS callback. Failures are logged; core NATS has no redelivery.
func (d *Dispatcher) Handle(msg *events.Message) {
	ctx := context.WithValue(context.Background(), logger.RequestIDKey, msg.ID)
	if err := d.Dispatch(ctx, msg); err != nil {
		logger.ErrorContext(ctx, "Failed to dispatch notification", "error", err, "subject", msg.Subject)
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, msg *events.Message) error {
	var n events.NotificationEvent
	if err := msg.Decode(&n); err != nil {
		return err
	}
	if n.Type != "" && n.Type != "email" {
		logger.DebugContext(ctx, "Skipping non-email notification", "type", n.Type)
		return nil
	}
	if strings.TrimSpace(n.Recipient) == "" {
		return fmt.Errorf("notification %q has no recipient", n.Template)
	}

	switch n.Template {
	case events.TemplateBookingConfirmation:
		return d.mailer.SendBookingConfirmation(ctx, n.Recipient, n.Name, mailer.BookingDetails{
			BookingID:          int64Field(n.Data, "booking_id"),
			Type:               stringField(n.Data, "type"),
			Status:             stringField(n.Data, "status"),
			IsFreeConsultation: boolField(n.Data, "is_free_consultation"),
			ManageURL:          stringField(n.Data, "manage_url"),
		})
	case events.TemplateAccountInvitation:
		return d.mailer.SendAccountInvitation(ctx, n.Recipient, n.Name, stringField(n.Data, "register_url"))
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTemplate, n.Template)
	}
}

func stringField(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}

func boolField(data map[string]interface{}, key string) bool {
	b, _ := data[key].(bool)
	return b
}

// int64Field reads a JSON number, which decodes as float64.
func int64Field(data map[string]interface{}, key string) int64 {
	f, _ := data[key].(float64)
	return int64(f)
}
