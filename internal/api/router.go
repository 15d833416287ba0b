package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/floworc/floworc/internal/monitor"
	"github.com/floworc/floworc/internal/notification"
	"github.com/floworc/floworc/internal/recovery"
	"github.com/floworc/floworc/internal/scheduler"
	"github.com/floworc/floworc/internal/websocket"
)

// RouterConfig carries the wired components the handlers delegate to.
type RouterConfig struct {
	Scheduler  *scheduler.Scheduler
	Monitor    *monitor.Service
	Notifier   *notification.Service
	Supervisor *recovery.Supervisor
	Hub        *websocket.Hub
	Logger     *zap.Logger
}

// NewRouter builds the HTTP handler tree.
func NewRouter(cfg RouterConfig) http.Handler {
	h := &handlers{
		scheduler:  cfg.Scheduler,
		monitor:    cfg.Monitor,
		notifier:   cfg.Notifier,
		supervisor: cfg.Supervisor,
		hub:        cfg.Hub,
		logger:     cfg.Logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.createJob)
			r.Get("/", h.listJobs)
			r.Get("/{id}", h.getJob)
			r.Delete("/{id}", h.cancelJob)
			r.Get("/{id}/metrics", h.getJobMetrics)
			r.Get("/{id}/metrics/history", h.getMetricsHistory)
		})

		r.Get("/metrics/aggregate", h.aggregateMetrics)

		r.Route("/recovery", func(r chi.Router) {
			r.Get("/", h.recoveryStatus)
			r.Post("/{name}/recover", h.forceRecover)
		})

		r.Get("/notifications", h.listNotifications)

		r.Get("/ws", h.serveWS)
	})

	return r
}

type handlers struct {
	scheduler  *scheduler.Scheduler
	monitor    *monitor.Service
	notifier   *notification.Service
	supervisor *recovery.Supervisor
	hub        *websocket.Hub
	logger     *zap.Logger
}

// health reports overall liveness plus per-component recovery state. Degraded
// components turn the response into a 503 so load balancers can react.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	state := "ok"
	if h.supervisor != nil && !h.supervisor.Healthy() {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}

	payload := envelope{"status": state}
	if h.supervisor != nil {
		payload["components"] = h.supervisor.Status()
	}
	JSON(w, status, envelope{"data": payload})
}

func (h *handlers) recoveryStatus(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.supervisor.Status())
}

func (h *handlers) forceRecover(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !h.supervisor.ForceRecover(r.Context(), name) {
		ErrNotFound(w)
		return
	}
	Ok(w, envelope{"component": name, "recovered": true})
}

func (h *handlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	Ok(w, envelope{
		"delivered": h.notifier.Delivered(),
		"pending":   h.notifier.PendingLen(),
		"retrying":  h.notifier.RetryLen(),
	})
}
