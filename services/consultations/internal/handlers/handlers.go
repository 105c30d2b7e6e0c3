package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/diagnosis/chainconsult/pkg/auth"
	"github.com/diagnosis/chainconsult/pkg/logger"
	"github.com/diagnosis/chainconsult/services/consultations/internal/clientinfo"
	"github.com/diagnosis/chainconsult/services/consultations/internal/domain"
	"github.com/diagnosis/chainconsult/services/consultations/internal/service"
	"github.com/go-chi/chi/v5"
)

type Handlers struct {
	bookingService service.BookingService
	authService    service.AuthService
	extractor      *clientinfo.Extractor
	jwtSecret      string
}

func New(bookingService service.BookingService, authService service.AuthService, extractor *clientinfo.Extractor, jwtSecret string) *Handlers {
	return &Handlers{
		bookingService: bookingService,
		authService:    authService,
		extractor:      extractor,
		jwtSecret:      jwtSecret,
	}
}

// Routes builds the service API. idempotency wraps booking creation and may
// be nil.
func (h *Handlers) Routes(idempotency func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	if idempotency == nil {
		idempotency = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/guest", func(r chi.Router) {
		r.With(idempotency).Post("/book-consultation", h.CreateGuestBooking)
		r.Post("/free-consultation/eligibility", h.CheckEligibility)
		r.Get("/bookings/{id}", h.GetGuestBooking)
		r.Delete("/bookings/{id}", h.CancelGuestBooking)
	})

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
	})

	r.Route("/user/bookings", func(r chi.Router) {
		r.Use(h.RequireJWT)
		r.With(idempotency).Post("/", h.CreateUserBooking)
		r.Get("/", h.ListUserBookings)
	})

	return r
}

type claimsKey struct{}

// RequireJWT accepts a Bearer access token and puts its claims on the context.
func (h *Handlers) RequireJWT(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "Missing or invalid authorization header")
			return
		}

		claims, err := auth.Parse(strings.TrimPrefix(authHeader, "Bearer "), h.jwtSecret)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), logger.UserIDKey, claims.Sub)
		ctx = context.WithValue(ctx, claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getClaims(r *http.Request) *auth.Claims {
	if claims, ok := r.Context().Value(claimsKey{}).(*auth.Claims); ok {
		return claims
	}
	return nil
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

// writeServiceError maps service errors onto status codes. Internal details
// are logged and never returned.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var ineligible *domain.IneligibleError
	switch {
	case errors.As(err, &ineligible):
		writeError(w, http.StatusBadRequest, ineligible.Reason)
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, domain.ErrEmailExists):
		writeError(w, http.StatusConflict, "An account with this email already exists")
	case errors.Is(err, domain.ErrCannotCancel):
		writeError(w, http.StatusConflict, "Booking can no longer be canceled")
	default:
		logger.ErrorContext(r.Context(), "Request failed", "error", err, "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parsePagination(r *http.Request) (limit, offset int) {
	limit = 20
	offset = 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return limit, offset
}

func parseID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}
