package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/diagnosis/chainconsult/pkg/clock"
	"github.com/diagnosis/chainconsult/pkg/config"
	"github.com/diagnosis/chainconsult/pkg/events"
	"github.com/diagnosis/chainconsult/pkg/logger"
	"github.com/diagnosis/chainconsult/services/consultations/internal/clientinfo"
	"github.com/diagnosis/chainconsult/services/consultations/internal/domain"
	"github.com/diagnosis/chainconsult/services/consultations/internal/eligibility"
	"github.com/diagnosis/chainconsult/services/consultations/internal/repository"
)

type BookingService interface {
	CreateGuestBooking(ctx context.Context, req *domain.GuestBookingRequest, info clientinfo.ClientInfo) (*domain.ConsultationBooking, error)
	CreateUserBooking(ctx context.Context, userID int64, req *domain.UserBookingRequest, info clientinfo.ClientInfo) (*domain.ConsultationBooking, error)
	CheckFreeEligibility(ctx context.Context, email string, info clientinfo.ClientInfo) (*domain.EligibilityResponse, error)
	GetGuestBooking(ctx context.Context, id int64, token string) (*domain.ConsultationBooking, error)
	CancelGuestBooking(ctx context.Context, id int64, token string) (*domain.ConsultationBooking, error)
	ListUserBookings(ctx context.Context, userID int64, limit, offset int) ([]domain.ConsultationBooking, error)
}

type bookingService struct {
	bookingRepo repository.BookingRepository
	userRepo    repository.UserRepository
	gate        *eligibility.Checker
	eventBus    events.EventBus
	clock       clock.Clock
	config      *config.Config
}

func NewBookingService(
	bookingRepo repository.BookingRepository,
	userRepo repository.UserRepository,
	gate *eligibility.Checker,
	eventBus events.EventBus,
	clk clock.Clock,
	config *config.Config,
) BookingService {
	return &bookingService{
		bookingRepo: bookingRepo,
		userRepo:    userRepo,
		gate:        gate,
		eventBus:    eventBus,
		clock:       clk,
		config:      config,
	}
}

func (s *bookingService) CreateGuestBooking(ctx context.Context, req *domain.GuestBookingRequest, info clientinfo.ClientInfo) (*domain.ConsultationBooking, error) {
	req.Normalize()
	if err := req.Validate(s.clock.Now()); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	typ, _ := domain.ParseConsultationType(req.Type)

	var userID *int64
	if typ.IsFree() {
		res := s.gate.CheckEligibility(ctx, req.GuestEmail, info)
		if !res.Eligible {
			s.publishDenied(ctx, req.GuestEmail, res.Code, info)
			return nil, &domain.IneligibleError{Reason: res.Reason, Code: string(res.Code)}
		}
		userID = res.UserID
	} else {
		// Paid bookings are still attached to an existing account when there
		// is one, but a lookup failure should not block payment.
		if u, err := s.userRepo.FindByEmail(ctx, req.GuestEmail); err != nil {
			logger.WarnContext(ctx, "Account lookup for guest booking failed", "error", err)
		} else if u != nil {
			userID = &u.ID
		}
	}

	email := req.GuestEmail
	booking, err := s.bookingRepo.Create(ctx, &domain.NewBooking{
		Type:               typ,
		Status:             initialStatus(typ),
		GuestEmail:         &email,
		Name:               req.GuestName,
		Phone:              req.GuestPhone,
		Description:        req.Description,
		PreferredDate:      req.PreferredDate,
		IsFreeConsultation: typ.IsFree(),
		ClientIPAddress:    info.IPAddress,
		ClientFingerprint:  info.Fingerprint,
		UserID:             userID,
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateFreeConsultation) {
			s.publishDenied(ctx, email, eligibility.CodeEmailUsed, info)
			return nil, &domain.IneligibleError{Reason: eligibility.ReasonEmailUsed, Code: string(eligibility.CodeEmailUsed)}
		}
		return nil, fmt.Errorf("failed to create guest booking: %w", err)
	}

	logger.InfoContext(ctx, "Guest booking created",
		"booking_id", booking.ID,
		"type", booking.Type,
		"free", booking.IsFreeConsultation,
	)
	s.publishBooked(ctx, booking, email, req.GuestName)
	return booking, nil
}

func (s *bookingService) CreateUserBooking(ctx context.Context, userID int64, req *domain.UserBookingRequest, info clientinfo.ClientInfo) (*domain.ConsultationBooking, error) {
	req.Normalize()
	if err := req.Validate(s.clock.Now()); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	typ, _ := domain.ParseConsultationType(req.Type)

	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return nil, domain.ErrNotFound
	}

	if typ.IsFree() {
		res := s.gate.CheckEligibility(ctx, user.Email, info)
		if !res.Eligible {
			s.publishDenied(ctx, user.Email, res.Code, info)
			return nil, &domain.IneligibleError{Reason: res.Reason, Code: string(res.Code)}
		}
	}

	booking, err := s.bookingRepo.Create(ctx, &domain.NewBooking{
		Type:               typ,
		Status:             initialStatus(typ),
		Name:               user.Name,
		Phone:              user.Phone,
		Description:        req.Description,
		PreferredDate:      req.PreferredDate,
		IsFreeConsultation: typ.IsFree(),
		ClientIPAddress:    info.IPAddress,
		ClientFingerprint:  info.Fingerprint,
		UserID:             &user.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create user booking: %w", err)
	}

	if booking.IsFreeConsultation {
		s.gate.MarkFreeConsultationUsed(ctx, user.ID)
	}

	logger.InfoContext(ctx, "User booking created", "booking_id", booking.ID, "type", booking.Type)
	s.publishBooked(ctx, booking, user.Email, user.Name)
	return booking, nil
}

func (s *bookingService) CheckFreeEligibility(ctx context.Context, email string, info clientinfo.ClientInfo) (*domain.EligibilityResponse, error) {
	req := domain.EligibilityRequest{Email: email}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	res := s.gate.CheckEligibility(ctx, req.Email, info)
	return &domain.EligibilityResponse{Eligible: res.Eligible, Reason: res.Reason}, nil
}

func (s *bookingService) GetGuestBooking(ctx context.Context, id int64, token string) (*domain.ConsultationBooking, error) {
	booking, err := s.bookingRepo.GetByIDWithToken(ctx, id, token)
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	if booking == nil {
		return nil, domain.ErrNotFound
	}
	return booking, nil
}

func (s *bookingService) CancelGuestBooking(ctx context.Context, id int64, token string) (*domain.ConsultationBooking, error) {
	booking, err := s.GetGuestBooking(ctx, id, token)
	if err != nil {
		return nil, err
	}
	if !booking.CanCancel() {
		return nil, domain.ErrCannotCancel
	}

	ok, err := s.bookingRepo.CancelWithToken(ctx, id, token)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel booking: %w", err)
	}
	if !ok {
		// Lost a race with another cancel or a status change.
		return nil, domain.ErrCannotCancel
	}

	now := s.clock.Now()
	booking.Status = domain.BookingCanceled
	booking.UpdatedAt = now

	if booking.GuestEmail != nil {
		event := events.ConsultationCanceledEvent{
			BookingID:  booking.ID,
			Email:      *booking.GuestEmail,
			Reason:     "guest_request",
			CanceledAt: now,
		}
		if err := s.eventBus.Publish(ctx, events.ConsultationCanceled, event); err != nil {
			logger.ErrorContext(ctx, "Failed to publish booking canceled event", "error", err, "booking_id", booking.ID)
		}
	}
	return booking, nil
}

func (s *bookingService) ListUserBookings(ctx context.Context, userID int64, limit, offset int) ([]domain.ConsultationBooking, error) {
	bookings, err := s.bookingRepo.ListByUserID(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	return bookings, nil
}

func initialStatus(t domain.ConsultationType) domain.BookingStatus {
	if t.IsFree() {
		return domain.BookingPending
	}
	return domain.BookingPendingPayment
}

func (s *bookingService) publishDenied(ctx context.Context, email string, code eligibility.ReasonCode, info clientinfo.ClientInfo) {
	event := events.FreeConsultationDeniedEvent{
		Email:     email,
		Reason:    string(code),
		IPAddress: info.IPAddress,
		DeniedAt:  s.clock.Now(),
	}
	if err := s.eventBus.Publish(ctx, events.FreeConsultationDenied, event); err != nil {
		logger.ErrorContext(ctx, "Failed to publish free consultation denied event", "error", err)
	}
}

// publishBooked emits the domain event and the notification requests. Guests
// without an account also get an invitation to register.
func (s *bookingService) publishBooked(ctx context.Context, b *domain.ConsultationBooking, email, name string) {
	event := events.ConsultationBookedEvent{
		BookingID:          b.ID,
		Email:              email,
		Name:               name,
		Type:               string(b.Type),
		IsFreeConsultation: b.IsFreeConsultation,
		UserID:             b.UserID,
		CreatedAt:          b.CreatedAt,
	}
	if err := s.eventBus.Publish(ctx, events.ConsultationBooked, event); err != nil {
		logger.ErrorContext(ctx, "Failed to publish booking created event", "error", err, "booking_id", b.ID)
	}

	data := map[string]interface{}{
		"booking_id":           b.ID,
		"type":                 string(b.Type),
		"status":               string(b.Status),
		"is_free_consultation": b.IsFreeConsultation,
	}
	if b.GuestEmail != nil {
		data["manage_url"] = fmt.Sprintf("%s/bookings/%d?manage_token=%s", s.config.Email.AppBaseURL, b.ID, b.ManageToken)
	}
	s.notify(ctx, events.NotificationEvent{
		Type:      "email",
		Recipient: email,
		Name:      name,
		Template:  events.TemplateBookingConfirmation,
		Data:      data,
	})

	if b.UserID == nil {
		s.notify(ctx, events.NotificationEvent{
			Type:      "email",
			Recipient: email,
			Name:      name,
			Template:  events.TemplateAccountInvitation,
			Data: map[string]interface{}{
				"register_url": s.config.Email.AppBaseURL + "/register?email=" + url.QueryEscape(email),
			},
		})
	}
}

func (s *bookingService) notify(ctx context.Context, n events.NotificationEvent) {
	if err := s.eventBus.Publish(ctx, events.NotifySend, n); err != nil {
		logger.ErrorContext(ctx, "Failed to publish notification", "error", err, "template", n.Template)
	}
}
