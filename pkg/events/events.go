package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/diagnosis/chainconsult/pkg/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
	Close() error
}

type Subscriber interface {
	Subscribe(subject string, handler func(msg *Message)) error
	QueueSubscribe(subject, queue string, handler func(msg *Message)) error
	Close() error
}

type EventBus interface {
	Publisher
	Subscriber
}

type Message struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	ID        string
}

// Decode unmarshals the message payload into v.
func (m *Message) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s event: %w", m.Subject, err)
	}
	return nil
}

type NATSEventBus struct {
	conn *nats.Conn
	subs []*nats.Subscription
}

func NewNATSEventBus(url, name string) (*NATSEventBus, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSEventBus{conn: conn}, nil
}

func (n *NATSEventBus) Publish(ctx context.Context, subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	logger.DebugContext(ctx, "Publishing event", "subject", subject, "bytes", len(payload))

	return n.conn.Publish(subject, payload)
}

func (n *NATSEventBus) Subscribe(subject string, handler func(msg *Message)) error {
	sub, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(toMessage(msg))
	})
	if err != nil {
		return err
	}
	n.subs = append(n.subs, sub)
	return nil
}

func (n *NATSEventBus) QueueSubscribe(subject, queue string, handler func(msg *Message)) error {
	sub, err := n.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		handler(toMessage(msg))
	})
	if err != nil {
		return err
	}
	n.subs = append(n.subs, sub)
	return nil
}

// Close drains subscriptions so in-flight handlers finish before the
// connection goes away.
func (n *NATSEventBus) Close() error {
	for _, sub := range n.subs {
		_ = sub.Drain()
	}
	return n.conn.Drain()
}

func toMessage(msg *nats.Msg) *Message {
	return &Message{
		Subject:   msg.Subject,
		Data:      msg.Data,
		Timestamp: time.Now(),
		ID:        uuid.NewString(),
	}
}

// Event subjects
const (
	ConsultationBooked     = "consultation.booked"
	ConsultationCanceled   = "consultation.canceled"
	FreeConsultationDenied = "consultation.free_denied"
	AccountRegistered      = "account.registered"

	NotifySend = "notify.send"
)

// Notification templates understood by the notify service.
const (
	TemplateBookingConfirmation = "booking_confirmation"
	TemplateAccountInvitation   = "account_invitation"
)

type ConsultationBookedEvent struct {
	BookingID          int64     `json:"booking_id"`
	Email              string    `json:"email"`
	Name               string    `json:"name"`
	Type               string    `json:"type"`
	IsFreeConsultation bool      `json:"is_free_consultation"`
	UserID             *int64    `json:"user_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

type ConsultationCanceledEvent struct {
	BookingID  int64     `json:"booking_id"`
	Email      string    `json:"email"`
	Reason     string    `json:"reason"`
	CanceledAt time.Time `json:"canceled_at"`
}

// FreeConsultationDeniedEvent carries the gate's reason code, never the
// client fingerprint.
type FreeConsultationDeniedEvent struct {
	Email     string    `json:"email"`
	Reason    string    `json:"reason"`
	IPAddress string    `json:"ip_address"`
	DeniedAt  time.Time `json:"denied_at"`
}

type AccountRegisteredEvent struct {
	UserID         int64     `json:"user_id"`
	Email          string    `json:"email"`
	LinkedBookings int64     `json:"linked_bookings"`
	RegisteredAt   time.Time `json:"registered_at"`
}

type NotificationEvent struct {
	Type      string                 `json:"type"`
	Recipient string                 `json:"recipient"`
	Name      string                 `json:"name,omitempty"`
	Template  string                 `json:"template"`
	Data      map[string]interface{} `json:"data"`
}
