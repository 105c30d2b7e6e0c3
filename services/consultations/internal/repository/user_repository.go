package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diagnosis/chainconsult/services/consultations/internal/domain"
	"github.com/jackc/pgx/v5"
)

type UserRepository interface {
	Create(ctx context.Context, u *domain.User) (*domain.User, error)
	FindByEmail(ctx context.Context, email string) (*domain.User, error)
	FindByID(ctx context.Context, id int64) (*domain.User, error)
	LinkExistingBookings(ctx context.Context, userID int64, email string) (int64, error)
	MarkFreeConsultationUsed(ctx context.Context, userID int64, at time.Time) error
}

type userRepository struct {
	db DBTX
}

func NewUserRepository(db DBTX) UserRepository {
	return &userRepository{db: db}
}

const userCols = `id, role, email, password_hash, name, phone,
free_consultation_used, free_consultation_date, created_at, updated_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(
		&u.ID, &u.Role, &u.Email, &u.PasswordHash, &u.Name, &u.Phone,
		&u.FreeConsultationUsed, &u.FreeConsultationDate, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *userRepository) Create(ctx context.Context, u *domain.User) (*domain.User, error) {
	const q = `INSERT INTO users (role, email, password_hash, name, phone)
		VALUES ($1, lower($2), $3, $4, $5)
		RETURNING ` + userCols
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	created, err := scanUser(r.db.QueryRow(ctx, q, u.Role, u.Email, u.PasswordHash, u.Name, u.Phone))
	if err != nil {
		if isUniqueViolation(err, "") {
			return nil, domain.ErrEmailExists
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return created, nil
}

// FindByEmail returns nil, nil when no account exists.
func (r *userRepository) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	const q = `SELECT ` + userCols + ` FROM users WHERE lower(email)=lower($1)`
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	u, err := scanUser(r.db.QueryRow(ctx, q, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user by email: %w", err)
	}
	return u, nil
}

func (r *userRepository) FindByID(ctx context.Context, id int64) (*domain.User, error) {
	const q = `SELECT ` + userCols + ` FROM users WHERE id=$1`
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	u, err := scanUser(r.db.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user by id: %w", err)
	}
	return u, nil
}

// LinkExistingBookings attaches earlier guest bookings to the new account.
// guest_email is cleared on the linked rows.
func (r *userRepository) LinkExistingBookings(ctx context.Context, userID int64, email string) (int64, error) {
	const q = `UPDATE consultation_bookings
		SET user_id=$1, guest_email=NULL, updated_at=now()
		WHERE lower(guest_email)=lower($2)`
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	tag, err := r.db.Exec(ctx, q, userID, email)
	if err != nil {
		return 0, fmt.Errorf("link guest bookings: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *userRepository) MarkFreeConsultationUsed(ctx context.Context, userID int64, at time.Time) error {
	const q = `UPDATE users
		SET free_consultation_used=true, free_consultation_date=$2, updated_at=now()
		WHERE id=$1`
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	tag, err := r.db.Exec(ctx, q, userID, at)
	if err != nil {
		return fmt.Errorf("mark free consultation used: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
