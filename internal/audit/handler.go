package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/clinic-queue/internal/queue"
	"github.com/wolfman30/clinic-queue/pkg/logging"
)

const maxListLimit = 500

// Lister reads back audit records.
type Lister interface {
	List(ctx context.Context, filter Filter) ([]queue.AuditRecord, error)
}

// Handler serves the override trail for a clinic.
type Handler struct {
	store  Lister
	logger *logging.Logger
}

// NewHandler creates an audit HTTP handler.
func NewHandler(store Lister, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{store: store, logger: logger}
}

// Register attaches the audit routes to r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/clinics/{clinicID}/audit", h.List)
}

// List returns recent overrides.
// GET /clinics/{clinicID}/audit?entry_id=&actor=&action=reorder,cancel&since=&limit=
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := Filter{
		ClinicID: chi.URLParam(r, "clinicID"),
		Actor:    strings.TrimSpace(q.Get("actor")),
		Limit:    100,
	}

	if raw := q.Get("entry_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, `{"error": "invalid entry_id"}`, http.StatusBadRequest)
			return
		}
		filter.EntryID = id
	}
	if raw := q.Get("action"); raw != "" {
		for _, a := range strings.Split(raw, ",") {
			if a = strings.TrimSpace(a); a != "" {
				filter.Actions = append(filter.Actions, queue.Action(a))
			}
		}
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, `{"error": "since must be RFC3339"}`, http.StatusBadRequest)
			return
		}
		filter.Since = since
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, `{"error": "invalid limit"}`, http.StatusBadRequest)
			return
		}
		if n > maxListLimit {
			n = maxListLimit
		}
		filter.Limit = n
	}

	records, err := h.store.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list audit records", "clinic_id", filter.ClinicID, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []queue.AuditRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"records": records}); err != nil {
		h.logger.Error("failed to encode audit records", "error", err)
	}
}
