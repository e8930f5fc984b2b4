package queue

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/wolfman30/clinic-queue/internal/http/middleware"
	"github.com/wolfman30/clinic-queue/pkg/logging"
)

// Handler exposes the queue service over HTTP.
type Handler struct {
	svc      *Service
	validate *validator.Validate
	logger   *logging.Logger
}

// NewHandler creates a queue HTTP handler.
func NewHandler(svc *Service, logger *logging.Logger) *Handler {
	if svc == nil {
		panic("queue: service required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		svc:      svc,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Register attaches the queue routes to r.
func (h *Handler) Register(r chi.Router) {
	r.Post("/clinics/{clinicID}/appointments", h.CreateAppointment)
	r.Post("/clinics/{clinicID}/staff/{staffID}/days/{day}/call-next", h.CallNext)
	r.Get("/clinics/{clinicID}/staff/{staffID}/days/{day}/schedule", h.Schedule)
	r.Post("/clinics/{clinicID}/absences/expire", h.ExpireAbsences)

	r.Post("/appointments/{entryID}/check-in", h.CheckIn)
	r.Post("/appointments/{entryID}/absent", h.MarkAbsent)
	r.Post("/appointments/{entryID}/return", h.MarkReturned)
	r.Post("/appointments/{entryID}/complete", h.Complete)
	r.Post("/appointments/{entryID}/cancel", h.Cancel)
	r.Put("/appointments/{entryID}/position", h.Reorder)
}

// Routes returns a chi router with the queue routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

type createAppointmentRequest struct {
	StaffID         string     `json:"staff_id" validate:"required,max=128"`
	PatientID       string     `json:"patient_id" validate:"omitempty,max=128"`
	GuestID         string     `json:"guest_id" validate:"omitempty,max=128"`
	AppointmentType string     `json:"appointment_type" validate:"omitempty,max=64"`
	IsWalkIn        bool       `json:"is_walk_in"`
	StartTime       *time.Time `json:"start_time"`
	EndTime         *time.Time `json:"end_time"`
}

type callNextRequest struct {
	SkipAbsent *bool `json:"skip_absent"`
}

type markAbsentRequest struct {
	Reason             string `json:"reason" validate:"max=500"`
	GracePeriodMinutes int    `json:"grace_period_minutes" validate:"gte=0,lte=1440"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type reorderRequest struct {
	Position int    `json:"position"`
	Reason   string `json:"reason" validate:"max=500"`
}

type expireRequest struct {
	AsOf *time.Time `json:"as_of"`
}

// CreateAppointment books an appointment or registers a walk-in.
// POST /clinics/{clinicID}/appointments
func (h *Handler) CreateAppointment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req createAppointmentRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	draft := Draft{
		ClinicID:        chi.URLParam(r, "clinicID"),
		StaffID:         req.StaffID,
		PatientID:       req.PatientID,
		GuestID:         req.GuestID,
		AppointmentType: req.AppointmentType,
		IsWalkIn:        req.IsWalkIn,
	}
	if req.StartTime != nil {
		draft.StartTime = *req.StartTime
	}
	if req.EndTime != nil {
		draft.EndTime = *req.EndTime
	}

	entry, err := h.svc.CreateAppointment(r.Context(), draft, actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry, h.logger)
}

// CheckIn marks a booked patient as arrived.
// POST /appointments/{entryID}/check-in
func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	h.entryAction(w, r, func(id uuid.UUID, actor string) (*Entry, error) {
		return h.svc.CheckInPatient(r.Context(), id, actor)
	})
}

// CallNext starts the next eligible visit for a staff member.
// POST /clinics/{clinicID}/staff/{staffID}/days/{day}/call-next
func (h *Handler) CallNext(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	day, ok := parseDayParam(w, r)
	if !ok {
		return
	}
	var req callNextRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	skipAbsent := true
	if req.SkipAbsent != nil {
		skipAbsent = *req.SkipAbsent
	}

	entry, err := h.svc.CallNextPatient(r.Context(), chi.URLParam(r, "clinicID"), chi.URLParam(r, "staffID"), day, actor, skipAbsent)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry, h.logger)
}

// MarkAbsent takes a patient out of selection for a grace period.
// POST /appointments/{entryID}/absent
func (h *Handler) MarkAbsent(w http.ResponseWriter, r *http.Request) {
	var req markAbsentRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	h.entryAction(w, r, func(id uuid.UUID, actor string) (*Entry, error) {
		grace := time.Duration(req.GracePeriodMinutes) * time.Minute
		return h.svc.MarkPatientAbsent(r.Context(), id, actor, req.Reason, grace)
	})
}

// MarkReturned puts an absent patient back at the tail of the queue.
// POST /appointments/{entryID}/return
func (h *Handler) MarkReturned(w http.ResponseWriter, r *http.Request) {
	h.entryAction(w, r, func(id uuid.UUID, actor string) (*Entry, error) {
		return h.svc.MarkPatientReturned(r.Context(), id, actor)
	})
}

// Complete finishes an in-progress visit.
// POST /appointments/{entryID}/complete
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	h.entryAction(w, r, func(id uuid.UUID, actor string) (*Entry, error) {
		return h.svc.CompleteAppointment(r.Context(), id, actor)
	})
}

// Cancel cancels a non-terminal appointment.
// POST /appointments/{entryID}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	h.entryAction(w, r, func(id uuid.UUID, actor string) (*Entry, error) {
		return h.svc.CancelAppointment(r.Context(), id, actor, req.Reason)
	})
}

// Reorder moves an entry to a new queue position.
// PUT /appointments/{entryID}/position
func (h *Handler) Reorder(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	h.entryAction(w, r, func(id uuid.UUID, actor string) (*Entry, error) {
		return h.svc.ReorderQueue(r.Context(), id, req.Position, actor, req.Reason)
	})
}

// Schedule returns a staff member's day in display order.
// GET /clinics/{clinicID}/staff/{staffID}/days/{day}/schedule
func (h *Handler) Schedule(w http.ResponseWriter, r *http.Request) {
	day, ok := parseDayParam(w, r)
	if !ok {
		return
	}
	sched, err := h.svc.GetDailySchedule(r.Context(), chi.URLParam(r, "clinicID"), chi.URLParam(r, "staffID"), day)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sched, h.logger)
}

// ExpireAbsences cancels entries whose absence grace period has run out.
// POST /clinics/{clinicID}/absences/expire
func (h *Handler) ExpireAbsences(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req expireRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	var asOf time.Time
	if req.AsOf != nil {
		asOf = *req.AsOf
	}

	cancelled, err := h.svc.ExpireAbsences(r.Context(), chi.URLParam(r, "clinicID"), asOf, actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if cancelled == nil {
		cancelled = []*Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled}, h.logger)
}

func (h *Handler) entryAction(w http.ResponseWriter, r *http.Request, fn func(uuid.UUID, string) (*Entry, error)) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "entryID"))
	if err != nil {
		http.Error(w, `{"error": "invalid entry id"}`, http.StatusBadRequest)
		return
	}
	entry, err := fn(id, actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry, h.logger)
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		http.Error(w, `{"error": "actor required"}`, http.StatusUnauthorized)
		return "", false
	}
	return actor, true
}

// decode reads a JSON body into dst and validates it. An empty body is
// accepted when optional is set.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			http.Error(w, `{"error": "invalid JSON body"}`, http.StatusBadRequest)
			return false
		}
	}
	if err := h.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()}, h.logger)
		return false
	}
	return true
}

func parseDayParam(w http.ResponseWriter, r *http.Request) (Day, bool) {
	day, err := ParseDay(chi.URLParam(r, "day"))
	if err != nil {
		http.Error(w, `{"error": "day must be YYYY-MM-DD"}`, http.StatusBadRequest)
		return Day{}, false
	}
	return day, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var noEligible *NoEligibleError
	if errors.As(err, &noEligible) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":   err.Error(),
			"pending": noEligible.Pending,
			"nominal": noEligible.Nominal,
		}, h.logger)
		return
	}

	status := http.StatusInternalServerError
	switch KindOf(err) {
	case ErrValidation:
		status = http.StatusBadRequest
	case ErrNotFound:
		status = http.StatusNotFound
	case ErrBusinessRule:
		status = http.StatusUnprocessableEntity
	case ErrConflict:
		status = http.StatusConflict
	default:
		h.logger.Error("queue request failed", "path", r.URL.Path, "error", err)
		http.Error(w, `{"error": "internal server error"}`, status)
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()}, h.logger)
}

func writeJSON(w http.ResponseWriter, status int, body any, logger *logging.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}
