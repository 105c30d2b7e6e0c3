package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/diagnosis/chainconsult/internal/utils"
)

type ConsultationType string

const (
	TypeFreeConsultation    ConsultationType = "free_consultation"
	TypeStrategySession     ConsultationType = "strategy_session"
	TypeTechnicalAudit      ConsultationType = "technical_audit"
	TypeSmartContractReview ConsultationType = "smart_contract_review"
	TypeTokenomicsDesign    ConsultationType = "tokenomics_design"
)

func ParseConsultationType(s string) (ConsultationType, bool) {
	switch ConsultationType(s) {
	case TypeFreeConsultation, TypeStrategySession, TypeTechnicalAudit, TypeSmartContractReview, TypeTokenomicsDesign:
		return ConsultationType(s), true
	default:
		return "", false
	}
}

// IsFree reports whether the type is the zero-cost promotional consultation.
func (t ConsultationType) IsFree() bool {
	return t == TypeFreeConsultation
}

type BookingStatus string

const (
	BookingPending        BookingStatus = "pending"
	BookingPendingPayment BookingStatus = "pending_payment"
	BookingConfirmed      BookingStatus = "confirmed"
	BookingCompleted      BookingStatus = "completed"
	BookingCanceled       BookingStatus = "canceled"
)

// ConsultationBooking is one persisted booking attempt. GuestEmail is nil once
// the booking has been linked to a registered account.
type ConsultationBooking struct {
	ID                 int64            `json:"id"`
	ManageToken        string           `json:"manageToken,omitempty"`
	Status             BookingStatus    `json:"status"`
	Type               ConsultationType `json:"type"`
	GuestEmail         *string          `json:"guestEmail,omitempty"`
	Name               string           `json:"name"`
	Phone              string           `json:"phone"`
	Description        string           `json:"description"`
	PreferredDate      *time.Time       `json:"preferredDate,omitempty"`
	IsFreeConsultation bool             `json:"isFreeConsultation"`
	ClientIPAddress    string           `json:"-"`
	ClientFingerprint  string           `json:"-"`
	UserID             *int64           `json:"userId,omitempty"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
}

func (b *ConsultationBooking) CanCancel() bool {
	return b.Status != BookingCanceled && b.Status != BookingCompleted
}

// NewBooking is the insert payload handed to the repository.
type NewBooking struct {
	Type               ConsultationType
	Status             BookingStatus
	GuestEmail         *string
	Name               string
	Phone              string
	Description        string
	PreferredDate      *time.Time
	IsFreeConsultation bool
	ClientIPAddress    string
	ClientFingerprint  string
	UserID             *int64
}

const (
	MaxDescriptionLength = 2000
	MaxNameLength        = 120
)

type GuestBookingRequest struct {
	GuestEmail    string     `json:"guestEmail"`
	GuestName     string     `json:"guestName"`
	GuestPhone    string     `json:"guestPhone"`
	Type          string     `json:"type"`
	Description   string     `json:"description"`
	PreferredDate *time.Time `json:"preferredDate,omitempty"`
}

func (r *GuestBookingRequest) Normalize() {
	r.GuestEmail = utils.NormalizeEmail(r.GuestEmail)
	r.GuestName = utils.NormalizeString(r.GuestName)
	r.GuestPhone = utils.NormalizePhone(r.GuestPhone)
	r.Type = utils.NormalizeString(r.Type)
	r.Description = utils.NormalizeString(r.Description)
}

func (r *GuestBookingRequest) Validate(now time.Time) error {
	if r.GuestEmail == "" {
		return errors.New("guestEmail is required")
	}
	if !utils.IsValidEmail(r.GuestEmail) {
		return errors.New("guestEmail is not a valid email address")
	}
	if r.GuestName == "" {
		return errors.New("guestName is required")
	}
	if len([]rune(r.GuestName)) > MaxNameLength {
		return fmt.Errorf("guestName must be at most %d characters", MaxNameLength)
	}
	if r.GuestPhone != "" && !utils.IsValidPhone(r.GuestPhone) {
		return errors.New("guestPhone is not a valid phone number")
	}
	return validateBookingFields(r.Type, r.Description, r.PreferredDate, now)
}

// UserBookingRequest is the authenticated variant; contact details come from
// the account.
type UserBookingRequest struct {
	Type          string     `json:"type"`
	Description   string     `json:"description"`
	PreferredDate *time.Time `json:"preferredDate,omitempty"`
}

func (r *UserBookingRequest) Normalize() {
	r.Type = utils.NormalizeString(r.Type)
	r.Description = utils.NormalizeString(r.Description)
}

func (r *UserBookingRequest) Validate(now time.Time) error {
	return validateBookingFields(r.Type, r.Description, r.PreferredDate, now)
}

func validateBookingFields(typ, description string, preferred *time.Time, now time.Time) error {
	if _, ok := ParseConsultationType(typ); !ok {
		return fmt.Errorf("unknown consultation type %q", typ)
	}
	if len([]rune(description)) > MaxDescriptionLength {
		return fmt.Errorf("description must be at most %d characters", MaxDescriptionLength)
	}
	if preferred != nil && preferred.Before(now) {
		return errors.New("preferredDate must be in the future")
	}
	return nil
}

type BookingCreatedResponse struct {
	ID                 int64            `json:"id"`
	ManageToken        string           `json:"manageToken,omitempty"`
	Status             BookingStatus    `json:"status"`
	Type               ConsultationType `json:"type"`
	IsFreeConsultation bool             `json:"isFreeConsultation"`
	CreatedAt          time.Time        `json:"createdAt"`
}

type EligibilityRequest struct {
	Email string `json:"email"`
}

func (r *EligibilityRequest) Normalize() {
	r.Email = utils.NormalizeEmail(r.Email)
}

func (r *EligibilityRequest) Validate() error {
	if !utils.IsValidEmail(r.Email) {
		return errors.New("a valid email is required")
	}
	return nil
}

type EligibilityResponse struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}
