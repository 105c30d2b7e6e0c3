package mailer

import (
	"context"
	"fmt"
)

// Message is a rendered email ready for a transport.
type Message struct {
	ToEmail string
	ToName  string
	Subject string
	Text    string
	HTML    string
}

// Sender delivers rendered messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type Service interface {
	SendBookingConfirmation(ctx context.Context, toEmail, toName string, b BookingDetails) error
	SendAccountInvitation(ctx context.Context, toEmail, toName, registerURL string) error
}

type BookingDetails struct {
	BookingID          int64
	Type               string
	Status             string
	IsFreeConsultation bool
	ManageURL          string
}

type mailService struct {
	sender Sender
}

func New(sender Sender) Service {
	return &mailService{sender: sender}
}

func (m *mailService) SendBookingConfirmation(ctx context.Context, toEmail, toName string, b BookingDetails) error {
	msg, err := renderBookingConfirmation(toEmail, toName, b)
	if err != nil {
		return fmt.Errorf("render booking confirmation: %w", err)
	}
	return m.sender.Send(ctx, msg)
}

func (m *mailService) SendAccountInvitation(ctx context.Context, toEmail, toName, registerURL string) error {
	msg, err := renderAccountInvitation(toEmail, toName, registerURL)
	if err != nil {
		return fmt.Errorf("render account invitation: %w", err)
	}
	return m.sender.Send(ctx, msg)
}
