package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/psicoagenda/wa-gateway/internal/audit"
	apperrors "github.com/psicoagenda/wa-gateway/internal/errors"
	"github.com/psicoagenda/wa-gateway/internal/model"
	"github.com/psicoagenda/wa-gateway/internal/service"
)

// Sweeper runs one guarded sweep on demand.
type Sweeper interface {
	RunOnce(ctx context.Context) (service.SweepResult, error)
}

type NotificationHandler struct {
	scheduler *service.SchedulerService
	catalog   *service.TemplateCatalog
	sweeper   Sweeper
}

func NewNotificationHandler(scheduler *service.SchedulerService, catalog *service.TemplateCatalog, sweeper Sweeper) *NotificationHandler {
	return &NotificationHandler{
		scheduler: scheduler,
		catalog:   catalog,
		sweeper:   sweeper,
	}
}

func (h *NotificationHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/stats", h.Stats)
	r.Get("/templates", h.Templates)
	r.Post("/sweep", h.Sweep)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/retry", h.Retry)

	return r
}

type createNotificationRequest struct {
	PhoneNumber  string         `json:"phoneNumber"`
	Template     string         `json:"template"`
	TemplateName string         `json:"templateName"`
	Variables    map[string]any `json:"variables"`
	DelayMs      int64          `json:"delayMs"`
	ScheduledFor *time.Time     `json:"scheduledFor"`
	Metadata     model.Metadata `json:"metadata"`
}

// POST /notifications
func (h *NotificationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createNotificationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	n, err := h.scheduler.ScheduleReminder(r.Context(), service.ScheduleParams{
		PhoneNumber:  req.PhoneNumber,
		Template:     req.Template,
		TemplateName: req.TemplateName,
		Variables:    req.Variables,
		Delay:        time.Duration(req.DelayMs) * time.Millisecond,
		ScheduledFor: req.ScheduledFor,
		Metadata:     req.Metadata,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

// GET /notifications?status=&limit=&offset=
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r)
	status := model.NotificationStatus(r.URL.Query().Get("status"))

	items, err := h.scheduler.List(r.Context(), status, p.Limit, p.Offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []model.Notification{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": items,
		"limit":         p.Limit,
		"offset":        p.Offset,
	})
}

// GET /notifications/stats
func (h *NotificationHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.scheduler.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GET /notifications/templates
func (h *NotificationHandler) Templates(w http.ResponseWriter, r *http.Request) {
	templates := []service.Template{}
	if h.catalog != nil {
		templates = h.catalog.List()
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

// GET /notifications/{id}
func (h *NotificationHandler) Get(w http.ResponseWriter, r *http.Request) {
	n, err := h.scheduler.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// POST /notifications/{id}/retry
func (h *NotificationHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := h.scheduler.Retry(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:    audit.EventNotificationRetry,
		Details: map[string]interface{}{"notificationId": id},
	})
	writeJSON(w, http.StatusOK, n)
}

// POST /notifications/sweep
func (h *NotificationHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		writeError(w, r, apperrors.InvalidState("sweeping is not enabled"))
		return
	}

	audit.LogFromRequest(r, audit.Event{Type: audit.EventSweepTrigger})

	res, err := h.sweeper.RunOnce(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
