package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/alexedwards/argon2id"
	"github.com/diagnosis/chainconsult/pkg/auth"
	"github.com/diagnosis/chainconsult/pkg/clock"
	"github.com/diagnosis/chainconsult/pkg/config"
	"github.com/diagnosis/chainconsult/pkg/events"
	"github.com/diagnosis/chainconsult/pkg/logger"
	"github.com/diagnosis/chainconsult/services/consultations/internal/domain"
	"github.com/diagnosis/chainconsult/services/consultations/internal/repository"
)

type AuthService interface {
	Register(ctx context.Context, req *domain.RegisterRequest) (*domain.User, error)
	Login(ctx context.Context, req *domain.LoginRequest) (*domain.LoginResponse, error)
}

type authService struct {
	userRepo repository.UserRepository
	eventBus events.EventBus
	clock    clock.Clock
	config   *config.Config
}

func NewAuthService(userRepo repository.UserRepository, eventBus events.EventBus, clk clock.Clock, config *config.Config) AuthService {
	return &authService{
		userRepo: userRepo,
		eventBus: eventBus,
		clock:    clk,
		config:   config,
	}
}

// Register creates a client account and adopts any guest bookings made with
// the same email.
func (s *authService) Register(ctx context.Context, req *domain.RegisterRequest) (*domain.User, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	passwordHash, err := argon2id.CreateHash(req.Password, argon2id.DefaultParams)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := s.userRepo.Create(ctx, &domain.User{
		Role:         auth.RoleClient,
		Email:        req.Email,
		PasswordHash: passwordHash,
		Name:         req.Name,
		Phone:        req.Phone,
	})
	if err != nil {
		if errors.Is(err, domain.ErrEmailExists) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	linked, err := s.userRepo.LinkExistingBookings(ctx, user.ID, user.Email)
	if err != nil {
		// The account is usable without the link; support can re-run it.
		logger.ErrorContext(ctx, "Failed to link guest bookings", "error", err, "user_id", user.ID)
	}

	event := events.AccountRegisteredEvent{
		UserID:         user.ID,
		Email:          user.Email,
		LinkedBookings: linked,
		RegisteredAt:   s.clock.Now(),
	}
	if err := s.eventBus.Publish(ctx, events.AccountRegistered, event); err != nil {
		logger.ErrorContext(ctx, "Failed to publish account registered event", "error", err, "user_id", user.ID)
	}

	logger.InfoContext(ctx, "Account registered", "user_id", user.ID, "linked_bookings", linked)
	return user, nil
}

func (s *authService) Login(ctx context.Context, req *domain.LoginRequest) (*domain.LoginResponse, error) {
	req.Normalize()
	user, err := s.userRepo.FindByEmail(ctx, req.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, domain.ErrInvalidCredentials
	}

	valid, err := argon2id.ComparePasswordAndHash(req.Password, user.PasswordHash)
	if err != nil || !valid {
		return nil, domain.ErrInvalidCredentials
	}

	ttl := s.config.Auth.AccessTokenTTL
	token, err := auth.NewAccessToken(user.ID, user.Email, user.Role, s.config.Auth.JWTSecret, ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	return &domain.LoginResponse{
		AccessToken: token,
		ExpiresIn:   int64(ttl.Seconds()),
		User:        user,
	}, nil
}
