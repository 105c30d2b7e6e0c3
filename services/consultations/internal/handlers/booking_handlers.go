package handlers

import (
	"net/http"

	"github.com/diagnosis/chainconsult/services/consultations/internal/domain"
)

func (h *Handlers) CreateGuestBooking(w http.ResponseWriter, r *http.Request) {
	var req domain.GuestBookingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}

	booking, err := h.bookingService.CreateGuestBooking(r.Context(), &req, h.extractor.Extract(r.Header))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, createdResponse(booking))
}

func (h *Handlers) CheckEligibility(w http.ResponseWriter, r *http.Request) {
	var req domain.EligibilityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}

	res, err := h.bookingService.CheckFreeEligibility(r.Context(), req.Email, h.extractor.Extract(r.Header))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) GetGuestBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid booking ID")
		return
	}
	token := r.URL.Query().Get("manage_token")
	if token == "" {
		writeError(w, http.StatusUnauthorized, "manage_token is required")
		return
	}

	booking, err := h.bookingService.GetGuestBooking(r.Context(), id, token)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (h *Handlers) CancelGuestBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid booking ID")
		return
	}
	token := r.URL.Query().Get("manage_token")
	if token == "" {
		writeError(w, http.StatusUnauthorized, "manage_token is required")
		return
	}

	booking, err := h.bookingService.CancelGuestBooking(r.Context(), id, token)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (h *Handlers) CreateUserBooking(w http.ResponseWriter, r *http.Request) {
	claims := getClaims(r)
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req domain.UserBookingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}

	booking, err := h.bookingService.CreateUserBooking(r.Context(), claims.Sub, &req, h.extractor.Extract(r.Header))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	res := createdResponse(booking)
	res.ManageToken = ""
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handlers) ListUserBookings(w http.ResponseWriter, r *http.Request) {
	claims := getClaims(r)
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	limit, offset := parsePagination(r)
	bookings, err := h.bookingService.ListUserBookings(r.Context(), claims.Sub, limit, offset)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	// Manage tokens are for guest links only.
	out := make([]domain.ConsultationBooking, 0, len(bookings))
	for _, b := range bookings {
		b.ManageToken = ""
		out = append(out, b)
	}
	writeJSON(w, http.StatusOK, out)
}

func createdResponse(b *domain.ConsultationBooking) domain.BookingCreatedResponse {
	return domain.BookingCreatedResponse{
		ID:                 b.ID,
		ManageToken:        b.ManageToken,
		Status:             b.Status,
		Type:               b.Type,
		IsFreeConsultation: b.IsFreeConsultation,
		CreatedAt:          b.CreatedAt,
	}
}
