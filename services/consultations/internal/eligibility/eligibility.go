// Package eligibility decides whether a guest may book a free consultation.
//
// Checks run in a fixed order and stop at the first refusal: account flag,
// email history, IP volume, device fingerprint. Any persistence failure fails
// closed with ReasonVerificationFailed.
package eligibility

import (
	"context"
	"time"

	"github.com/diagnosis/chainconsult/pkg/clock"
	"github.com/diagnosis/chainconsult/pkg/config"
	"github.com/diagnosis/chainconsult/pkg/logger"
	"github.com/diagnosis/chainconsult/pkg/metrics"
	"github.com/diagnosis/chainconsult/services/consultations/internal/clientinfo"
	"github.com/diagnosis/chainconsult/services/consultations/internal/domain"
)

// Guest-facing refusal messages.
const (
	ReasonAccountFlag          = "You have already used your free consultation."
	ReasonEmailUsed            = "A free consultation has already been booked with this email address."
	ReasonIPThreshold          = "Multiple free consultations have been detected from this location. Please contact support for assistance."
	ReasonFingerprintThreshold = "A free consultation has already been booked from this device. Please use a different email or contact support."
	ReasonVerificationFailed   = "Unable to verify eligibility. Please try again later."
)

// ReasonCode is the machine-readable counterpart of a refusal message, used
// for metrics and events.
type ReasonCode string

const (
	CodeNone                 ReasonCode = ""
	CodeAccountFlag          ReasonCode = "account_flag"
	CodeEmailUsed            ReasonCode = "email_used"
	CodeIPThreshold          ReasonCode = "ip_threshold"
	CodeFingerprintThreshold ReasonCode = "fingerprint_threshold"
	CodeVerificationFailed   ReasonCode = "verification_failed"
)

// History answers questions about past free bookings.
type History interface {
	HasFreeBookingForEmail(ctx context.Context, email string) (bool, error)
	CountFreeBookingsByIPSince(ctx context.Context, ip string, since time.Time) (int, error)
	CountFreeBookingsByFingerprintSince(ctx context.Context, fingerprint string, since time.Time) (int, error)
}

// Accounts looks up registered users. FindByEmail returns nil, nil when no
// account exists.
type Accounts interface {
	FindByEmail(ctx context.Context, email string) (*domain.User, error)
	MarkFreeConsultationUsed(ctx context.Context, userID int64, at time.Time) error
}

type Policy struct {
	Window               time.Duration
	IPThreshold          int
	FingerprintThreshold int
	EnforceAccountFlag   bool
}

func DefaultPolicy() Policy {
	return Policy{
		Window:               config.DefaultFreeConsultationWindow,
		IPThreshold:          config.DefaultIPThreshold,
		FingerprintThreshold: config.DefaultFingerprintThreshold,
	}
}

// PolicyFromConfig falls back to the defaults for non-positive values.
func PolicyFromConfig(cfg config.FreeConsultationConfig) Policy {
	p := DefaultPolicy()
	if cfg.Window > 0 {
		p.Window = cfg.Window
	}
	if cfg.IPThreshold > 0 {
		p.IPThreshold = cfg.IPThreshold
	}
	if cfg.FingerprintThreshold > 0 {
		p.FingerprintThreshold = cfg.FingerprintThreshold
	}
	p.EnforceAccountFlag = cfg.EnforceAccountFlag
	return p
}

type Result struct {
	Eligible bool
	Reason   string
	Code     ReasonCode
	// UserID is set when an account with the email exists.
	UserID *int64
}

func eligible(userID *int64) Result {
	return Result{Eligible: true, UserID: userID}
}

func denied(code ReasonCode, reason string, userID *int64) Result {
	return Result{Reason: reason, Code: code, UserID: userID}
}

func failed() Result {
	return Result{Reason: ReasonVerificationFailed, Code: CodeVerificationFailed}
}

type Checker struct {
	history  History
	accounts Accounts
	policy   Policy
	clock    clock.Clock
	metrics  *metrics.EligibilityMetrics
}

// NewChecker wires the gate. m may be nil.
func NewChecker(history History, accounts Accounts, policy Policy, clk clock.Clock, m *metrics.EligibilityMetrics) *Checker {
	if clk == nil {
		clk = clock.New()
	}
	return &Checker{
		history:  history,
		accounts: accounts,
		policy:   policy,
		clock:    clk,
		metrics:  m,
	}
}

// CheckEligibility never returns an error; infrastructure problems become an
// ineligible result.
func (c *Checker) CheckEligibility(ctx context.Context, email string, info clientinfo.ClientInfo) Result {
	res := c.check(ctx, email, info)
	c.metrics.ObserveDecision(res.Eligible, string(res.Code))
	if !res.Eligible {
		logger.InfoContext(ctx, "Free consultation refused",
			"reason_code", res.Code,
			"ip", info.IPAddress,
		)
	}
	return res
}

func (c *Checker) check(ctx context.Context, email string, info clientinfo.ClientInfo) Result {
	var userID *int64

	user, err := c.accounts.FindByEmail(ctx, email)
	if err != nil {
		logger.ErrorContext(ctx, "Eligibility account lookup failed", "error", err)
		return failed()
	}
	if user != nil {
		id := user.ID
		userID = &id
		if c.policy.EnforceAccountFlag && user.FreeConsultationUsed {
			return denied(CodeAccountFlag, ReasonAccountFlag, userID)
		}
	}

	used, err := c.history.HasFreeBookingForEmail(ctx, email)
	if err != nil {
		logger.ErrorContext(ctx, "Eligibility email lookup failed", "error", err)
		return failed()
	}
	if used {
		return denied(CodeEmailUsed, ReasonEmailUsed, userID)
	}

	since := c.clock.Now().Add(-c.policy.Window)

	ipCount, err := c.history.CountFreeBookingsByIPSince(ctx, info.IPAddress, since)
	if err != nil {
		logger.ErrorContext(ctx, "Eligibility IP count failed", "error", err)
		return failed()
	}
	if ipCount >= c.policy.IPThreshold {
		return denied(CodeIPThreshold, ReasonIPThreshold, userID)
	}

	fpCount, err := c.history.CountFreeBookingsByFingerprintSince(ctx, info.Fingerprint, since)
	if err != nil {
		logger.ErrorContext(ctx, "Eligibility fingerprint count failed", "error", err)
		return failed()
	}
	if fpCount >= c.policy.FingerprintThreshold {
		return denied(CodeFingerprintThreshold, ReasonFingerprintThreshold, userID)
	}

	return eligible(userID)
}

// MarkFreeConsultationUsed records that the account consumed its free
// consultation. With the account flag disabled it only logs. Errors are
// logged and swallowed.
func (c *Checker) MarkFreeConsultationUsed(ctx context.Context, userID int64) {
	if !c.policy.EnforceAccountFlag {
		logger.InfoContext(ctx, "Free consultation used", "user_id", userID)
		return
	}
	if err := c.accounts.MarkFreeConsultationUsed(ctx, userID, c.clock.Now()); err != nil {
		logger.ErrorContext(ctx, "Failed to mark free consultation used", "error", err, "user_id", userID)
	}
}
