package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diagnosis/chainconsult/services/consultations/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type BookingRepository interface {
	Create(ctx context.Context, nb *domain.NewBooking) (*domain.ConsultationBooking, error)
	GetByIDWithToken(ctx context.Context, id int64, token string) (*domain.ConsultationBooking, error)
	ListByUserID(ctx context.Context, userID int64, limit, offset int) ([]domain.ConsultationBooking, error)
	CancelWithToken(ctx context.Context, id int64, token string) (bool, error)

	HasFreeBookingForEmail(ctx context.Context, email string) (bool, error)
	CountFreeBookingsByIPSince(ctx context.Context, ip string, since time.Time) (int, error)
	CountFreeBookingsByFingerprintSince(ctx context.Context, fingerprint string, since time.Time) (int, error)
}

type bookingRepository struct {
	db DBTX
}

func NewBookingRepository(db DBTX) BookingRepository {
	return &bookingRepository{db: db}
}

// freeEmailIndex is the partial unique index on lower(guest_email) for free
// bookings.
const freeEmailIndex = "consultation_bookings_free_email_uniq"

const bookingCols = `id, manage_token, status, type,
guest_email, name, phone, description, preferred_date,
is_free_consultation, client_ip_address, client_fingerprint,
user_id, created_at, updated_at`

func scanBooking(row pgx.Row) (*domain.ConsultationBooking, error) {
	var b domain.ConsultationBooking
	err := row.Scan(
		&b.ID, &b.ManageToken, &b.Status, &b.Type,
		&b.GuestEmail, &b.Name, &b.Phone, &b.Description, &b.PreferredDate,
		&b.IsFreeConsultation, &b.ClientIPAddress, &b.ClientFingerprint,
		&b.UserID, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *bookingRepository) Create(ctx context.Context, nb *domain.NewBooking) (*domain.ConsultationBooking, error) {
	const q = `INSERT INTO consultation_bookings (
		manage_token, status, type,
		guest_email, name, phone, description, preferred_date,
		is_free_consultation, client_ip_address, client_fingerprint, user_id
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	RETURNING ` + bookingCols

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	b, err := scanBooking(r.db.QueryRow(ctx, q, uuid.NewString(), nb.Status, nb.Type,
		nb.GuestEmail, nb.Name, nb.Phone, nb.Description, nb.PreferredDate,
		nb.IsFreeConsultation, nb.ClientIPAddress, nb.ClientFingerprint, nb.UserID,
	))
	if err != nil {
		if isUniqueViolation(err, freeEmailIndex) {
			return nil, domain.ErrDuplicateFreeConsultation
		}
		return nil, fmt.Errorf("insert booking: %w", err)
	}
	return b, nil
}

func (r *bookingRepository) GetByIDWithToken(ctx context.Context, id int64, token string) (*domain.ConsultationBooking, error) {
	const q = `SELECT ` + bookingCols + ` FROM consultation_bookings WHERE id=$1 AND manage_token=$2`
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	b, err := scanBooking(r.db.QueryRow(ctx, q, id, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func (r *bookingRepository) ListByUserID(ctx context.Context, userID int64, limit, offset int) ([]domain.ConsultationBooking, error) {
	limit, offset = clampPage(limit, offset)
	const q = `SELECT ` + bookingCols + ` FROM consultation_bookings
		WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	rows, err := r.db.Query(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bookings []domain.ConsultationBooking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, *b)
	}
	return bookings, rows.Err()
}

func (r *bookingRepository) CancelWithToken(ctx context.Context, id int64, token string) (bool, error) {
	const q = `UPDATE consultation_bookings SET status='canceled', updated_at=now()
		WHERE id=$1 AND manage_token=$2 AND status NOT IN ('canceled','completed')`
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	tag, err := r.db.Exec(ctx, q, id, token)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *bookingRepository) HasFreeBookingForEmail(ctx context.Context, email string) (bool, error) {
	const q = `SELECT EXISTS (
		SELECT 1 FROM consultation_bookings
		WHERE is_free_consultation AND lower(guest_email)=lower($1)
	)`
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var exists bool
	if err := r.db.QueryRow(ctx, q, email).Scan(&exists); err != nil {
		return false, fmt.Errorf("free booking by email: %w", err)
	}
	return exists, nil
}

func (r *bookingRepository) CountFreeBookingsByIPSince(ctx context.Context, ip string, since time.Time) (int, error) {
	const q = `SELECT count(*) FROM consultation_bookings
		WHERE is_free_consultation AND client_ip_address=$1 AND created_at >= $2`
	return r.count(ctx, q, ip, since)
}

func (r *bookingRepository) CountFreeBookingsByFingerprintSince(ctx context.Context, fingerprint string, since time.Time) (int, error) {
	const q = `SELECT count(*) FROM consultation_bookings
		WHERE is_free_consultation AND client_fingerprint=$1 AND created_at >= $2`
	return r.count(ctx, q, fingerprint, since)
}

func (r *bookingRepository) count(ctx context.Context, q string, args ...any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var n int64
	if err := r.db.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count free bookings: %w", err)
	}
	return int(n), nil
}
