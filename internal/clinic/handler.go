package clinic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/wolfman30/clinic-queue/internal/queue"
	"github.com/wolfman30/clinic-queue/pkg/logging"
)

type statsReader interface {
	DayStats(ctx context.Context, clinicID string, day queue.Day, loc *time.Location) (*DayStats, error)
}

// Handler provides HTTP endpoints for clinic scheduling configuration.
type Handler struct {
	store    *Store
	stats    statsReader
	validate *validator.Validate
	logger   *logging.Logger
}

// NewHandler creates a new clinic config HTTP handler. stats may be nil when
// running without Postgres.
func NewHandler(store *Store, stats statsReader, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		store:    store,
		stats:    stats,
		validate: validator.New(),
		logger:   logger,
	}
}

// Register attaches the clinic routes to r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/clinics/{clinicID}/policy", h.GetPolicy)
	r.Put("/clinics/{clinicID}/policy", h.UpdatePolicy)
	if h.stats != nil {
		r.Get("/clinics/{clinicID}/days/{day}/stats", h.GetDayStats)
	}
}

// GetPolicy returns the clinic's scheduling configuration.
// GET /clinics/{clinicID}/policy
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	clinicID := chi.URLParam(r, "clinicID")
	cfg, err := h.store.Get(r.Context(), clinicID)
	if err != nil {
		h.logger.Error("failed to get clinic config", "clinic_id", clinicID, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, cfg)
}

// UpdatePolicyRequest is a partial update of the clinic config.
type UpdatePolicyRequest struct {
	Name                   *string           `json:"name,omitempty" validate:"omitempty,max=200"`
	Mode                   *string           `json:"mode,omitempty" validate:"omitempty,oneof=flow slotted"`
	ModeOverrides          map[string]string `json:"mode_overrides,omitempty" validate:"omitempty,dive,keys,oneof=sunday monday tuesday wednesday thursday friday saturday,endkeys,oneof=flow slotted"`
	Timezone               *string           `json:"timezone,omitempty" validate:"omitempty,timezone"`
	DefaultDurationMinutes *int              `json:"default_duration_minutes,omitempty" validate:"omitempty,gte=1,lte=480"`
	GracePeriodMinutes     *int              `json:"grace_period_minutes,omitempty" validate:"omitempty,gte=0,lte=1440"`
	EarlyCallWindowMinutes *int              `json:"early_call_window_minutes,omitempty" validate:"omitempty,gte=0,lte=240"`
	AppointmentTypes       []string          `json:"appointment_types,omitempty" validate:"omitempty,dive,required,max=64"`
	AutoCancelOnExpiry     *bool             `json:"auto_cancel_on_expiry,omitempty"`
}

// UpdatePolicy creates or updates the clinic's scheduling configuration.
// PUT /clinics/{clinicID}/policy
func (h *Handler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	clinicID := chi.URLParam(r, "clinicID")

	var req UpdatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	cfg, err := h.store.Get(r.Context(), clinicID)
	if err != nil {
		h.logger.Error("failed to get clinic config", "clinic_id", clinicID, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}

	if req.Name != nil {
		cfg.Name = *req.Name
	}
	if req.Mode != nil {
		cfg.Mode = *req.Mode
	}
	if req.ModeOverrides != nil {
		cfg.ModeOverrides = req.ModeOverrides
	}
	if req.Timezone != nil {
		cfg.Timezone = *req.Timezone
	}
	if req.DefaultDurationMinutes != nil {
		cfg.DefaultDurationMinutes = *req.DefaultDurationMinutes
	}
	if req.GracePeriodMinutes != nil {
		cfg.GracePeriodMinutes = *req.GracePeriodMinutes
	}
	if req.EarlyCallWindowMinutes != nil {
		cfg.EarlyCallWindowMinutes = *req.EarlyCallWindowMinutes
	}
	if req.AppointmentTypes != nil {
		cfg.AppointmentTypes = req.AppointmentTypes
	}
	if req.AutoCancelOnExpiry != nil {
		cfg.AutoCancelOnExpiry = *req.AutoCancelOnExpiry
	}

	if err := h.store.Set(r.Context(), cfg); err != nil {
		if errors.Is(err, ErrInvalidConfig) {
			h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		h.logger.Error("failed to save clinic config", "clinic_id", clinicID, "error", err)
		http.Error(w, `{"error": "failed to save config"}`, http.StatusInternalServerError)
		return
	}

	h.logger.Info("clinic policy updated", "clinic_id", clinicID, "mode", cfg.Mode)
	h.writeJSON(w, http.StatusOK, cfg)
}

// GetDayStats returns queue statistics for one clinic day.
// GET /clinics/{clinicID}/days/{day}/stats
func (h *Handler) GetDayStats(w http.ResponseWriter, r *http.Request) {
	clinicID := chi.URLParam(r, "clinicID")
	day, err := queue.ParseDay(chi.URLParam(r, "day"))
	if err != nil {
		http.Error(w, `{"error": "day must be YYYY-MM-DD"}`, http.StatusBadRequest)
		return
	}
	policy, err := h.store.Policy(r.Context(), clinicID)
	if err != nil {
		h.logger.Error("failed to get clinic policy", "clinic_id", clinicID, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}

	stats, err := h.stats.DayStats(r.Context(), clinicID, day, policy.Location())
	if err != nil {
		h.logger.Error("failed to get clinic stats", "clinic_id", clinicID, "day", day.String(), "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
