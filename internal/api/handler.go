// Package api serves the operational HTTP surface: health and readiness
// checks plus the reminder and recipient endpoints used by the app backend.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/domain"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/logging"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/scheduler"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Reminders is the lifecycle service that keeps records and pending entries
// consistent.
type Reminders interface {
	Create(ctx context.Context, r domain.Reminder) (domain.Reminder, error)
	UpdateRule(ctx context.Context, key string, rule domain.Rule, timezone string) (domain.Reminder, error)
	Pause(ctx context.Context, key string) (domain.Reminder, error)
	Resume(ctx context.Context, key string) (domain.Reminder, error)
	Delete(ctx context.Context, key string) error
}

// Store is the read side of the reminder record store.
type Store interface {
	Get(ctx context.Context, key string) (domain.Reminder, error)
	List(ctx context.Context, afterKey string, limit int) (domain.Page, error)
}

type Registry interface {
	Get(ctx context.Context, recipientID string) ([]domain.Endpoint, error)
	Set(ctx context.Context, recipientID string, endpoints []domain.Endpoint) error
	Delete(ctx context.Context, recipientID string) error
}

// HealthChecker provides backend health status for the /health endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// CycleStatus reports the most recent dispatch cycle.
type CycleStatus interface {
	LastStatus() (scheduler.Status, bool)
}

type Handler struct {
	reminders Reminders
	store     Store
	registry  Registry
	backend   HealthChecker
	cycles    CycleStatus
	clock     func() time.Time
	log       logrus.FieldLogger
}

func NewHandler(reminders Reminders, store Store, registry Registry) *Handler {
	return &Handler{
		reminders: reminders,
		store:     store,
		registry:  registry,
		clock:     time.Now,
		log:       logging.Component(logrus.StandardLogger(), "api"),
	}
}

// WithHealthChecker sets the backend health checker for /ready and verbose /health.
func (h *Handler) WithHealthChecker(backend HealthChecker) *Handler {
	h.backend = backend
	return h
}

// WithCycleStatus reports the last dispatch cycle in verbose /health.
func (h *Handler) WithCycleStatus(c CycleStatus) *Handler {
	h.cycles = c
	return h
}

func (h *Handler) WithLogger(l logrus.FieldLogger) *Handler {
	h.log = logging.Component(l, "api")
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case r.URL.Path == "/ready" && r.Method == http.MethodGet:
		h.ready(w, r)

	case r.URL.Path == "/reminders" && r.Method == http.MethodPost:
		h.createReminder(w, r)

	case r.URL.Path == "/reminders" && r.Method == http.MethodGet:
		h.listReminders(w, r)

	case len(parts) == 2 && parts[0] == "reminders" && r.Method == http.MethodGet:
		h.getReminder(w, r, parts[1])

	case len(parts) == 2 && parts[0] == "reminders" && r.Method == http.MethodDelete:
		h.deleteReminder(w, r, parts[1])

	case len(parts) == 3 && parts[0] == "reminders" && parts[2] == "rule" && r.Method == http.MethodPut:
		h.updateRule(w, r, parts[1])

	case len(parts) == 3 && parts[0] == "reminders" && parts[2] == "pause" && r.Method == http.MethodPost:
		h.transition(w, r, parts[1], h.reminders.Pause)

	case len(parts) == 3 && parts[0] == "reminders" && parts[2] == "resume" && r.Method == http.MethodPost:
		h.transition(w, r, parts[1], h.reminders.Resume)

	case len(parts) == 3 && parts[0] == "recipients" && parts[2] == "endpoints" && r.Method == http.MethodGet:
		h.getEndpoints(w, r, parts[1])

	case len(parts) == 3 && parts[0] == "recipients" && parts[2] == "endpoints" && r.Method == http.MethodPut:
		h.setEndpoints(w, r, parts[1])

	case len(parts) == 2 && parts[0] == "recipients" && r.Method == http.MethodDelete:
		h.deleteRecipient(w, r, parts[1])

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	// Check if verbose mode requested via ?verbose=true
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	if h.backend != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		if err := h.backend.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components["store"] = "unhealthy: " + err.Error()
		} else {
			resp.Components["store"] = "healthy"
		}
	}

	if h.cycles != nil {
		st, ok := h.cycles.LastStatus()
		switch {
		case !ok:
			resp.Components["dispatch"] = "no cycle run yet"
		case st.Err != nil:
			resp.Status = "degraded"
			resp.Components["dispatch"] = "last cycle failed: " + st.Err.Error()
		default:
			resp.Components["dispatch"] = "last cycle ok at " + formatTime(st.StartedAt) +
				" (due=" + strconv.Itoa(st.Report.Due) + ")"
		}
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	if h.backend != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := h.backend.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ready"})
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// decodeBody decodes a size-limited JSON body, writing the error response
// itself when it fails.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	// Limit request body size to prevent DoS via large payloads
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func (h *Handler) createReminder(w http.ResponseWriter, r *http.Request) {
	var req CreateReminderRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := validateCreateReminder(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := h.reminders.Create(r.Context(), domain.Reminder{
		Key:         req.Key,
		RecipientID: req.RecipientID,
		Title:       req.Title,
		Message:     req.Message,
		URL:         req.URL,
		Rule:        req.Rule,
		Timezone:    req.Timezone,
		Paused:      req.Paused,
		BaseDate:    req.BaseDate,
	})
	if err != nil {
		h.writeServiceError(w, "create reminder", err)
		return
	}

	writeJSON(w, http.StatusCreated, toReminderResponse(created))
}

func (h *Handler) listReminders(w http.ResponseWriter, r *http.Request) {
	limit, after, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := h.store.List(r.Context(), after, limit)
	if err != nil {
		h.log.WithError(err).Error("list reminders failed")
		writeError(w, http.StatusInternalServerError, "failed to list reminders")
		return
	}

	resp := ListRemindersResponse{Reminders: make([]ReminderResponse, len(page.Reminders))}
	for i, rem := range page.Reminders {
		resp.Reminders[i] = toReminderResponse(rem)
	}
	if len(page.Undecodable) > 0 {
		h.log.WithField("keys", page.Undecodable).Warn("skipped undecodable reminders")
	}
	if page.Scanned() == limit {
		resp.NextAfter = page.LastKey
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getReminder(w http.ResponseWriter, r *http.Request, key string) {
	rem, err := h.store.Get(r.Context(), key)
	if err != nil {
		h.writeServiceError(w, "get reminder", err)
		return
	}
	writeJSON(w, http.StatusOK, toReminderResponse(rem))
}

func (h *Handler) updateRule(w http.ResponseWriter, r *http.Request, key string) {
	var req UpdateRuleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Timezone != "" {
		if err := validateTimezone(req.Timezone); err != nil {
			writeError(w, http.StatusBadRequest, "invalid timezone: "+err.Error())
			return
		}
	}

	updated, err := h.reminders.UpdateRule(r.Context(), key, req.Rule, req.Timezone)
	if err != nil {
		h.writeServiceError(w, "update rule", err)
		return
	}
	writeJSON(w, http.StatusOK, toReminderResponse(updated))
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, key string,
	op func(ctx context.Context, key string) (domain.Reminder, error)) {
	rem, err := op(r.Context(), key)
	if err != nil {
		h.writeServiceError(w, "update reminder", err)
		return
	}
	writeJSON(w, http.StatusOK, toReminderResponse(rem))
}

func (h *Handler) deleteReminder(w http.ResponseWriter, r *http.Request, key string) {
	if err := h.reminders.Delete(r.Context(), key); err != nil {
		h.writeServiceError(w, "delete reminder", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getEndpoints(w http.ResponseWriter, r *http.Request, recipientID string) {
	eps, err := h.registry.Get(r.Context(), recipientID)
	if err != nil {
		h.log.WithError(err).WithField("recipient", recipientID).Error("get endpoints failed")
		writeError(w, http.StatusInternalServerError, "failed to get endpoints")
		return
	}
	if eps == nil {
		eps = []domain.Endpoint{}
	}
	writeJSON(w, http.StatusOK, EndpointsResponse{RecipientID: recipientID, Endpoints: eps})
}

func (h *Handler) setEndpoints(w http.ResponseWriter, r *http.Request, recipientID string) {
	if err := validateKey("recipientId", recipientID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req EndpointsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validateEndpoints(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := h.clock().UTC()
	for i := range req.Endpoints {
		if req.Endpoints[i].CreatedAt.IsZero() {
			req.Endpoints[i].CreatedAt = now
		}
	}

	var err error
	if len(req.Endpoints) == 0 {
		err = h.registry.Delete(r.Context(), recipientID)
	} else {
		err = h.registry.Set(r.Context(), recipientID, req.Endpoints)
	}
	if err != nil {
		h.log.WithError(err).WithField("recipient", recipientID).Error("set endpoints failed")
		writeError(w, http.StatusInternalServerError, "failed to store endpoints")
		return
	}

	if req.Endpoints == nil {
		req.Endpoints = []domain.Endpoint{}
	}
	writeJSON(w, http.StatusOK, EndpointsResponse{RecipientID: recipientID, Endpoints: req.Endpoints})
}

func (h *Handler) deleteRecipient(w http.ResponseWriter, r *http.Request, recipientID string) {
	if err := h.registry.Delete(r.Context(), recipientID); err != nil {
		h.log.WithError(err).WithField("recipient", recipientID).Error("delete recipient failed")
		writeError(w, http.StatusInternalServerError, "failed to delete recipient")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeServiceError maps domain errors to status codes.
func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "reminder not found")
	case errors.Is(err, domain.ErrExists):
		writeError(w, http.StatusConflict, "reminder already exists")
	case errors.Is(err, domain.ErrRuleInvalid), errors.Is(err, domain.ErrMalformed):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnschedulable):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.log.WithError(err).Errorf("%s failed", op)
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("api: json encode error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates the limit and after query parameters.
// Returns DefaultLimit if limit is not specified.
// Returns an error if limit exceeds MaxLimit or is negative/invalid.
func parsePagination(r *http.Request) (limit int, after string, err error) {
	limit = DefaultLimit
	after = r.URL.Query().Get("after")

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, "", err
		}
		if limit < 0 {
			return 0, "", strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, "", &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	return limit, after, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
