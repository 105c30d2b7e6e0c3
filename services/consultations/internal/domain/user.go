package domain

import (
	"errors"
	"time"

	"github.com/diagnosis/chainconsult/internal/utils"
)

type User struct {
	ID                   int64      `json:"id"`
	Role                 string     `json:"role"`
	Email                string     `json:"email"`
	PasswordHash         string     `json:"-"`
	Name                 string     `json:"name"`
	Phone                string     `json:"phone"`
	FreeConsultationUsed bool       `json:"freeConsultationUsed"`
	FreeConsultationDate *time.Time `json:"freeConsultationDate,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

const MinPasswordLength = 8

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
}

func (r *RegisterRequest) Normalize() {
	r.Email = utils.NormalizeEmail(r.Email)
	r.Name = utils.NormalizeString(r.Name)
	r.Phone = utils.NormalizePhone(r.Phone)
}

func (r *RegisterRequest) Validate() error {
	if !utils.IsValidEmail(r.Email) {
		return errors.New("a valid email is required")
	}
	if len(r.Password) < MinPasswordLength {
		return errors.New("password must be at least 8 characters")
	}
	if r.Name == "" {
		return errors.New("name is required")
	}
	if r.Phone != "" && !utils.IsValidPhone(r.Phone) {
		return errors.New("phone is not a valid phone number")
	}
	return nil
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r *LoginRequest) Normalize() {
	r.Email = utils.NormalizeEmail(r.Email)
}

type LoginResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
	User        *User  `json:"user"`
}
