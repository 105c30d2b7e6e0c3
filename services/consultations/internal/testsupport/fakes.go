// Package testsupport holds in-memory stand-ins for the Postgres repositories
// and the NATS bus.
package testsupport

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/diagnosis/chainconsult/pkg/clock"
	"github.com/diagnosis/chainconsult/pkg/events"
	"github.com/diagnosis/chainconsult/services/consultations/internal/domain"
	"github.com/google/uuid"
)

// Bookings mimics the consultation_bookings table, including the partial
// unique index on free bookings per email. Setting Err makes every call fail.
type Bookings struct {
	mu       sync.Mutex
	clock    clock.Clock
	nextID   int64
	bookings []domain.ConsultationBooking

	Err error
}

func NewBookings(clk clock.Clock) *Bookings {
	return &Bookings{clock: clk, nextID: 1}
}

// Seed stores b as-is, assigning an ID and token when missing. CreatedAt is
// kept so tests can place bookings anywhere in time.
func (s *Bookings) Seed(b domain.ConsultationBooking) domain.ConsultationBooking {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == 0 {
		b.ID = s.nextID
		s.nextID++
	}
	if b.ManageToken == "" {
		b.ManageToken = uuid.NewString()
	}
	if b.Status == "" {
		b.Status = domain.BookingPending
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.clock.Now()
	}
	b.UpdatedAt = b.CreatedAt
	s.bookings = append(s.bookings, b)
	return b
}

// SeedFree is shorthand for a historical free booking.
func (s *Bookings) SeedFree(email, ip, fingerprint string, createdAt time.Time) domain.ConsultationBooking {
	var guestEmail *string
	if email != "" {
		guestEmail = &email
	}
	return s.Seed(domain.ConsultationBooking{
		Type:               domain.TypeFreeConsultation,
		GuestEmail:         guestEmail,
		IsFreeConsultation: true,
		ClientIPAddress:    ip,
		ClientFingerprint:  fingerprint,
		CreatedAt:          createdAt,
	})
}

func (s *Bookings) All() []domain.ConsultationBooking {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ConsultationBooking, len(s.bookings))
	copy(out, s.bookings)
	return out
}

func (s *Bookings) Create(ctx context.Context, nb *domain.NewBooking) (*domain.ConsultationBooking, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.Lock()
	if nb.IsFreeConsultation && nb.GuestEmail != nil {
		for _, b := range s.bookings {
			if b.IsFreeConsultation && b.GuestEmail != nil && strings.EqualFold(*b.GuestEmail, *nb.GuestEmail) {
				s.mu.Unlock()
				return nil, domain.ErrDuplicateFreeConsultation
			}
		}
	}
	s.mu.Unlock()

	b := s.Seed(domain.ConsultationBooking{
		Status:             nb.Status,
		Type:               nb.Type,
		GuestEmail:         nb.GuestEmail,
		Name:               nb.Name,
		Phone:              nb.Phone,
		Description:        nb.Description,
		PreferredDate:      nb.PreferredDate,
		IsFreeConsultation: nb.IsFreeConsultation,
		ClientIPAddress:    nb.ClientIPAddress,
		ClientFingerprint:  nb.ClientFingerprint,
		UserID:             nb.UserID,
	})
	return &b, nil
}

func (s *Bookings) GetByIDWithToken(ctx context.Context, id int64, token string) (*domain.ConsultationBooking, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bookings {
		if b.ID == id && b.ManageToken == token {
			return &b, nil
		}
	}
	return nil, nil
}

func (s *Bookings) ListByUserID(ctx context.Context, userID int64, limit, offset int) ([]domain.ConsultationBooking, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ConsultationBooking
	for i := len(s.bookings) - 1; i >= 0; i-- {
		b := s.bookings[i]
		if b.UserID != nil && *b.UserID == userID {
			out = append(out, b)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Bookings) CancelWithToken(ctx context.Context, id int64, token string) (bool, error) {
	if s.Err != nil {
		return false, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.bookings {
		b := &s.bookings[i]
		if b.ID == id && b.ManageToken == token && b.CanCancel() {
			b.Status = domain.BookingCanceled
			b.UpdatedAt = s.clock.Now()
			return true, nil
		}
	}
	return false, nil
}

// LinkToUser mirrors the registration UPDATE: set user_id and clear the guest
// email on matching rows.
func (s *Bookings) LinkToUser(userID int64, email string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.bookings {
		b := &s.bookings[i]
		if b.GuestEmail != nil && strings.EqualFold(*b.GuestEmail, email) {
			id := userID
			b.UserID = &id
			b.GuestEmail = nil
			n++
		}
	}
	return n
}

func (s *Bookings) HasFreeBookingForEmail(ctx context.Context, email string) (bool, error) {
	if s.Err != nil {
		return false, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bookings {
		if b.IsFreeConsultation && b.GuestEmail != nil && strings.EqualFold(*b.GuestEmail, email) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Bookings) CountFreeBookingsByIPSince(ctx context.Context, ip string, since time.Time) (int, error) {
	if s.Err != nil {
		return 0, s.Err
	}
	return s.count(func(b domain.ConsultationBooking) bool { return b.ClientIPAddress == ip }, since), nil
}

func (s *Bookings) CountFreeBookingsByFingerprintSince(ctx context.Context, fingerprint string, since time.Time) (int, error) {
	if s.Err != nil {
		return 0, s.Err
	}
	return s.count(func(b domain.ConsultationBooking) bool { return b.ClientFingerprint == fingerprint }, since), nil
}

func (s *Bookings) count(match func(domain.ConsultationBooking) bool, since time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.bookings {
		if b.IsFreeConsultation && !b.CreatedAt.Before(since) && match(b) {
			n++
		}
	}
	return n
}

// Users is an in-memory account store. When Bookings is set, LinkExistingBookings
// updates it.
type Users struct {
	mu     sync.Mutex
	clock  clock.Clock
	nextID int64
	users  map[int64]*domain.User

	Bookings *Bookings
	Err      error
	// MarkErr fails only MarkFreeConsultationUsed.
	MarkErr error
}

func NewUsers(clk clock.Clock, bookings *Bookings) *Users {
	return &Users{
		clock:    clk,
		nextID:   1,
		users:    make(map[int64]*domain.User),
		Bookings: bookings,
	}
}

func (s *Users) Create(ctx context.Context, u *domain.User) (*domain.User, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return nil, domain.ErrEmailExists
		}
	}
	created := *u
	created.ID = s.nextID
	s.nextID++
	created.CreatedAt = s.clock.Now()
	created.UpdatedAt = created.CreatedAt
	s.users[created.ID] = &created
	out := created
	return &out, nil
}

func (s *Users) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			out := *u
			return &out, nil
		}
	}
	return nil, nil
}

func (s *Users) FindByID(ctx context.Context, id int64) (*domain.User, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		out := *u
		return &out, nil
	}
	return nil, nil
}

func (s *Users) LinkExistingBookings(ctx context.Context, userID int64, email string) (int64, error) {
	if s.Err != nil {
		return 0, s.Err
	}
	if s.Bookings == nil {
		return 0, nil
	}
	return s.Bookings.LinkToUser(userID, email), nil
}

func (s *Users) MarkFreeConsultationUsed(ctx context.Context, userID int64, at time.Time) error {
	if s.MarkErr != nil {
		return s.MarkErr
	}
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return domain.ErrNotFound
	}
	u.FreeConsultationUsed = true
	u.FreeConsultationDate = &at
	return nil
}

// Bus records published events in order.
type Bus struct {
	mu        sync.Mutex
	Published []Published
	Err       error
}

type Published struct {
	Subject string
	Data    interface{}
}

var _ events.EventBus = (*Bus)(nil)

func (b *Bus) Publish(ctx context.Context, subject string, data interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	b.Published = append(b.Published, Published{Subject: subject, Data: data})
	return nil
}

func (b *Bus) Subscribe(subject string, handler func(msg *events.Message)) error {
	return nil
}

func (b *Bus) QueueSubscribe(subject, queue string, handler func(msg *events.Message)) error {
	return nil
}

func (b *Bus) Close() error { return nil }

// Subjects lists published subjects in order.
func (b *Bus) Subjects() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.Published))
	for _, p := range b.Published {
		out = append(out, p.Subject)
	}
	return out
}
