package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/diagnosis/chainconsult/pkg/auth"
	"github.com/diagnosis/chainconsult/pkg/clock"
	"github.com/diagnosis/chainconsult/pkg/config"
	"github.com/diagnosis/chainconsult/pkg/events"
	"github.com/diagnosis/chainconsult/services/consultations/internal/clientinfo"
	"github.com/diagnosis/chainconsult/services/consultations/internal/domain"
	"github.com/diagnosis/chainconsult/services/consultations/internal/eligibility"
	"github.com/diagnosis/chainconsult/services/consultations/internal/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type env struct {
	clock    *clock.Fixed
	bookings *testsupport.Bookings
	users    *testsupport.Users
	bus      *testsupport.Bus
	booking  BookingService
	auth     AuthService
	cfg      *config.Config
}

func newEnv(t *testing.T, enforceAccountFlag bool) *env {
	t.Helper()
	clk := clock.NewFixed(now)
	bookings := testsupport.NewBookings(clk)
	users := testsupport.NewUsers(clk, bookings)
	bus := &testsupport.Bus{}

	cfg := &config.Config{}
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.AccessTokenTTL = 15 * time.Minute
	cfg.Email.AppBaseURL = "https://app.example.com"
	cfg.FreeConsultation.EnforceAccountFlag = enforceAccountFlag

	gate := eligibility.NewChecker(bookings, users, eligibility.PolicyFromConfig(cfg.FreeConsultation), clk, nil)
	return &env{
		clock:    clk,
		bookings: bookings,
		users:    users,
		bus:      bus,
		booking:  NewBookingService(bookings, users, gate, bus, clk, cfg),
		auth:     NewAuthService(users, bus, clk, cfg),
		cfg:      cfg,
	}
}

func guestInfo(ip string) clientinfo.ClientInfo {
	return clientinfo.ClientInfo{IPAddress: ip, UserAgent: "ua", Fingerprint: "fp-" + ip}
}

func freeRequest(email string) *domain.GuestBookingRequest {
	return &domain.GuestBookingRequest{
		GuestEmail:  email,
		GuestName:   "Alice Liddell",
		GuestPhone:  "+1 (555) 010-2000",
		Type:        string(domain.TypeFreeConsultation),
		Description: "DeFi protocol review",
	}
}

func TestCreateGuestBooking_FreeAccepted(t *testing.T) {
	e := newEnv(t, false)

	b, err := e.booking.CreateGuestBooking(context.Background(), freeRequest(" Alice@Example.com "), guestInfo("10.0.0.1"))

	require.NoError(t, err)
	assert.True(t, b.IsFreeConsultation)
	assert.Equal(t, domain.BookingPending, b.Status)
	require.NotNil(t, b.GuestEmail)
	assert.Equal(t, "alice@example.com", *b.GuestEmail)
	assert.Equal(t, "+15550102000", b.Phone)
	assert.Equal(t, "10.0.0.1", b.ClientIPAddress)
	assert.Equal(t, "fp-10.0.0.1", b.ClientFingerprint)
	assert.NotEmpty(t, b.ManageToken)
	assert.Nil(t, b.UserID)

	assert.Equal(t, []string{events.ConsultationBooked, events.NotifySend, events.NotifySend}, e.bus.Subjects())
	confirmation := e.bus.Published[1].Data.(events.NotificationEvent)
	assert.Equal(t, events.TemplateBookingConfirmation, confirmation.Template)
	assert.Equal(t, "alice@example.com", confirmation.Recipient)
	assert.Contains(t, confirmation.Data["manage_url"], "manage_token="+b.ManageToken)
	invitation := e.bus.Published[2].Data.(events.NotificationEvent)
	assert.Equal(t, events.TemplateAccountInvitation, invitation.Template)
	assert.Equal(t, "https://app.example.com/register?email=alice%40example.com", invitation.Data["register_url"])
}

func TestCreateGuestBooking_SecondFreeRefused(t *testing.T) {
	e := newEnv(t, false)
	_, err := e.booking.CreateGuestBooking(context.Background(), freeRequest("alice@example.com"), guestInfo("10.0.0.1"))
	require.NoError(t, err)

	_, err = e.booking.CreateGuestBooking(context.Background(), freeRequest("ALICE@example.com"), guestInfo("10.9.9.9"))

	var ineligible *domain.IneligibleError
	require.ErrorAs(t, err, &ineligible)
	assert.Equal(t, eligibility.ReasonEmailUsed, ineligible.Reason)
	assert.Equal(t, string(eligibility.CodeEmailUsed), ineligible.Code)
	assert.Len(t, e.bookings.All(), 1)

	last := e.bus.Published[len(e.bus.Published)-1]
	assert.Equal(t, events.FreeConsultationDenied, last.Subject)
	denied := last.Data.(events.FreeConsultationDeniedEvent)
	assert.Equal(t, "email_used", denied.Reason)
	assert.Equal(t, "10.9.9.9", denied.IPAddress)
}

// historyBlind passes every check so the insert-time unique index is the only
// guard, as when two requests race past the gate.
type historyBlind struct{}

func (historyBlind) HasFreeBookingForEmail(context.Context, string) (bool, error) { return false, nil }
func (historyBlind) CountFreeBookingsByIPSince(context.Context, string, time.Time) (int, error) {
	return 0, nil
}
func (historyBlind) CountFreeBookingsByFingerprintSince(context.Context, string, time.Time) (int, error) {
	return 0, nil
}

func TestCreateGuestBooking_ConcurrentDuplicateMapsToEmailReason(t *testing.T) {
	e := newEnv(t, false)
	e.bookings.SeedFree("race@example.com", "10.0.0.1", "fp", now)
	gate := eligibility.NewChecker(historyBlind{}, e.users, eligibility.DefaultPolicy(), e.clock, nil)
	svc := NewBookingService(e.bookings, e.users, gate, e.bus, e.clock, e.cfg)

	_, err := svc.CreateGuestBooking(context.Background(), freeRequest("race@example.com"), guestInfo("10.0.0.2"))

	var ineligible *domain.IneligibleError
	require.ErrorAs(t, err, &ineligible)
	assert.Equal(t, eligibility.ReasonEmailUsed, ineligible.Reason)
}

func TestCreateGuestBooking_PaidSkipsGate(t *testing.T) {
	e := newEnv(t, false)
	e.bookings.SeedFree("paid@example.com", "10.0.0.1", "fp-10.0.0.1", now.Add(-time.Hour))
	req := freeRequest("paid@example.com")
	req.Type = string(domain.TypeSmartContractReview)

	b, err := e.booking.CreateGuestBooking(context.Background(), req, guestInfo("10.0.0.1"))

	require.NoError(t, err)
	assert.False(t, b.IsFreeConsultation)
	assert.Equal(t, domain.BookingPendingPayment, b.Status)
}

func TestCreateGuestBooking_LinksExistingAccount(t *testing.T) {
	e := newEnv(t, false)
	u, err := e.users.Create(context.Background(), &domain.User{Email: "member@example.com", Name: "Member"})
	require.NoError(t, err)

	b, err := e.booking.CreateGuestBooking(context.Background(), freeRequest("member@example.com"), guestInfo("10.0.0.3"))

	require.NoError(t, err)
	require.NotNil(t, b.UserID)
	assert.Equal(t, u.ID, *b.UserID)
	assert.Equal(t, []string{events.ConsultationBooked, events.NotifySend}, e.bus.Subjects())
}

func TestCreateGuestBooking_InvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *domain.GuestBookingRequest)
	}{
		{"missing email", func(r *domain.GuestBookingRequest) { r.GuestEmail = "" }},
		{"bad email", func(r *domain.GuestBookingRequest) { r.GuestEmail = "not-an-email" }},
		{"missing name", func(r *domain.GuestBookingRequest) { r.GuestName = " " }},
		{"unknown type", func(r *domain.GuestBookingRequest) { r.Type = "lunch" }},
		{"past date", func(r *domain.GuestBookingRequest) {
			past := now.Add(-time.Hour)
			r.PreferredDate = &past
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, false)
			req := freeRequest("v@example.com")
			tt.mutate(req)

			_, err := e.booking.CreateGuestBooking(context.Background(), req, guestInfo("10.0.0.1"))

			assert.ErrorIs(t, err, domain.ErrInvalidInput)
			assert.Empty(t, e.bookings.All())
		})
	}
}

func TestCreateGuestBooking_GateFailureFailsClosed(t *testing.T) {
	e := newEnv(t, false)
	e.users.Err = errors.New("db down")

	_, err := e.booking.CreateGuestBooking(context.Background(), freeRequest("x@example.com"), guestInfo("10.0.0.1"))

	var ineligible *domain.IneligibleError
	require.ErrorAs(t, err, &ineligible)
	assert.Equal(t, eligibility.ReasonVerificationFailed, ineligible.Reason)
	assert.Empty(t, e.bookings.All())
}

func TestCreateGuestBooking_PublishFailureDoesNotFailBooking(t *testing.T) {
	e := newEnv(t, false)
	e.bus.Err = errors.New("nats down")

	b, err := e.booking.CreateGuestBooking(context.Background(), freeRequest("y@example.com"), guestInfo("10.0.0.1"))

	require.NoError(t, err)
	assert.NotZero(t, b.ID)
}

func registerUser(t *testing.T, e *env, email string) *domain.User {
	t.Helper()
	u, err := e.auth.Register(context.Background(), &domain.RegisterRequest{
		Email:    email,
		Password: "correct horse battery",
		Name:     "Reg User",
	})
	require.NoError(t, err)
	return u
}

func TestCreateUserBooking_MarkerPersistsWhenEnforced(t *testing.T) {
	e := newEnv(t, true)
	u := registerUser(t, e, "auth@example.com")

	b, err := e.booking.CreateUserBooking(context.Background(), u.ID, &domain.UserBookingRequest{Type: "free_consultation"}, guestInfo("10.1.0.1"))
	require.NoError(t, err)
	assert.Nil(t, b.GuestEmail)
	require.NotNil(t, b.UserID)
	assert.Equal(t, u.ID, *b.UserID)

	stored, err := e.users.FindByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.True(t, stored.FreeConsultationUsed)

	_, err = e.booking.CreateUserBooking(context.Background(), u.ID, &domain.UserBookingRequest{Type: "free_consultation"}, guestInfo("10.1.0.2"))
	var ineligible *domain.IneligibleError
	require.ErrorAs(t, err, &ineligible)
	assert.Equal(t, eligibility.ReasonAccountFlag, ineligible.Reason)
}

func TestCreateUserBooking_MarkerLogsOnlyByDefault(t *testing.T) {
	e := newEnv(t, false)
	u := registerUser(t, e, "auth2@example.com")

	_, err := e.booking.CreateUserBooking(context.Background(), u.ID, &domain.UserBookingRequest{Type: "free_consultation"}, guestInfo("10.2.0.1"))
	require.NoError(t, err)

	stored, err := e.users.FindByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.False(t, stored.FreeConsultationUsed)

	// Same device is still caught by the fingerprint rule.
	_, err = e.booking.CreateUserBooking(context.Background(), u.ID, &domain.UserBookingRequest{Type: "free_consultation"}, guestInfo("10.2.0.1"))
	var ineligible *domain.IneligibleError
	require.ErrorAs(t, err, &ineligible)
	assert.Equal(t, string(eligibility.CodeFingerprintThreshold), ineligible.Code)
}

func TestCreateUserBooking_UnknownUser(t *testing.T) {
	e := newEnv(t, false)

	_, err := e.booking.CreateUserBooking(context.Background(), 404, &domain.UserBookingRequest{Type: "strategy_session"}, guestInfo("10.0.0.1"))

	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCheckFreeEligibility(t *testing.T) {
	e := newEnv(t, false)

	res, err := e.booking.CheckFreeEligibility(context.Background(), "fresh@example.com", guestInfo("10.3.0.1"))
	require.NoError(t, err)
	assert.True(t, res.Eligible)
	assert.Empty(t, res.Reason)

	e.bookings.SeedFree("fresh@example.com", "10.9.0.1", "fp", now.Add(-time.Hour))
	res, err = e.booking.CheckFreeEligibility(context.Background(), "FRESH@example.com", guestInfo("10.3.0.1"))
	require.NoError(t, err)
	assert.False(t, res.Eligible)
	assert.Equal(t, eligibility.ReasonEmailUsed, res.Reason)

	_, err = e.booking.CheckFreeEligibility(context.Background(), "nope", guestInfo("10.3.0.1"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestGuestBookingLifecycle(t *testing.T) {
	e := newEnv(t, false)
	created, err := e.booking.CreateGuestBooking(context.Background(), freeRequest("life@example.com"), guestInfo("10.4.0.1"))
	require.NoError(t, err)

	got, err := e.booking.GetGuestBooking(context.Background(), created.ID, created.ManageToken)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = e.booking.GetGuestBooking(context.Background(), created.ID, "wrong")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	canceled, err := e.booking.CancelGuestBooking(context.Background(), created.ID, created.ManageToken)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingCanceled, canceled.Status)
	assert.Contains(t, e.bus.Subjects(), events.ConsultationCanceled)

	_, err = e.booking.CancelGuestBooking(context.Background(), created.ID, created.ManageToken)
	assert.ErrorIs(t, err, domain.ErrCannotCancel)
}

func TestRegister_LinksGuestBookings(t *testing.T) {
	e := newEnv(t, false)
	_, err := e.booking.CreateGuestBooking(context.Background(), freeRequest("linkme@example.com"), guestInfo("10.5.0.1"))
	require.NoError(t, err)

	u := registerUser(t, e, "LinkMe@example.com")

	assert.Equal(t, "linkme@example.com", u.Email)
	assert.Equal(t, auth.RoleClient, u.Role)
	assert.NotEqual(t, "correct horse battery", u.PasswordHash)

	all := e.bookings.All()
	require.Len(t, all, 1)
	assert.Nil(t, all[0].GuestEmail)
	require.NotNil(t, all[0].UserID)
	assert.Equal(t, u.ID, *all[0].UserID)

	last := e.bus.Published[len(e.bus.Published)-1]
	require.Equal(t, events.AccountRegistered, last.Subject)
	assert.Equal(t, int64(1), last.Data.(events.AccountRegisteredEvent).LinkedBookings)

	bookings, err := e.booking.ListUserBookings(context.Background(), u.ID, 20, 0)
	require.NoError(t, err)
	assert.Len(t, bookings, 1)
}

func TestRegister_Errors(t *testing.T) {
	e := newEnv(t, false)
	registerUser(t, e, "taken@example.com")

	_, err := e.auth.Register(context.Background(), &domain.RegisterRequest{Email: "taken@example.com", Password: "longenough", Name: "T"})
	assert.ErrorIs(t, err, domain.ErrEmailExists)

	_, err = e.auth.Register(context.Background(), &domain.RegisterRequest{Email: "short@example.com", Password: "short", Name: "S"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestLogin(t *testing.T) {
	e := newEnv(t, false)
	u := registerUser(t, e, "login@example.com")

	res, err := e.auth.Login(context.Background(), &domain.LoginRequest{Email: " LOGIN@example.com", Password: "correct horse battery"})
	require.NoError(t, err)
	assert.Equal(t, int64(900), res.ExpiresIn)
	claims, err := auth.Parse(res.AccessToken, e.cfg.Auth.JWTSecret)
	require.NoError(t, err)
	assert.Equal(t, u.ID, claims.Sub)

	_, err = e.auth.Login(context.Background(), &domain.LoginRequest{Email: "login@example.com", Password: "wrong password"})
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)

	_, err = e.auth.Login(context.Background(), &domain.LoginRequest{Email: "ghost@example.com", Password: "whatever1"})
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
}
