package api

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/collectord/internal/clock/system"
	"github.com/JakeFAU/collectord/internal/collector"
	"github.com/JakeFAU/collectord/internal/scheduler"
	"github.com/JakeFAU/collectord/internal/status"
	"github.com/JakeFAU/collectord/internal/telemetry"
)

const defaultSummaryDays = 7

// Triggerer starts a background run.
type Triggerer interface {
	Trigger(id string) error
}

// CollectorInfo is the static configuration the API reports alongside
// history. Parent names the collector whose displayed status aggregates this
// one.
type CollectorInfo struct {
	ID     string `json:"id"`
	Parent string `json:"parent,omitempty"`
}

// Server wires HTTP handlers to the status store and scheduler.
type Server struct {
	router     chi.Router
	store      *status.Store
	trigger    Triggerer
	collectors map[string]CollectorInfo
	clock      collector.Clock
	logger     *zap.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithClock sets the clock that defines "today" for default date ranges.
func WithClock(c collector.Clock) Option { return func(s *Server) { s.clock = c } }

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store *status.Store,
	trigger Triggerer,
	collectors []CollectorInfo,
	logger *zap.Logger,
	opts ...Option,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:      store,
		trigger:    trigger,
		collectors: make(map[string]CollectorInfo, len(collectors)),
		clock:      system.New(),
		logger:     logger,
	}
	for _, c := range collectors {
		s.collectors[c.ID] = c
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", telemetry.Handler())

	r.Route("/v1/collectors", func(r chi.Router) {
		r.Get("/", s.listCollectors)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/status", s.collectorStatus)
			r.Get("/history", s.history)
			r.Get("/summary", s.summary)
			r.Get("/summaries", s.summaries)
			r.Post("/run", s.run)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.store.Collectors(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "status store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type collectorView struct {
	ID string `json:"id"`
	// Parent is set for specialized collectors.
	Parent        string           `json:"parent,omitempty"`
	Children      []string         `json:"children,omitempty"`
	Status        collector.Status `json:"status"`
	DisplayStatus collector.Status `json:"display_status"`
	Latest        *status.Event    `json:"latest"`
}

func (s *Server) listCollectors(w http.ResponseWriter, r *http.Request) {
	ids, err := s.knownIDs(r.Context())
	if err != nil {
		s.internalError(w, "list collectors", err)
		return
	}
	views := make([]collectorView, 0, len(ids))
	for _, id := range ids {
		v, err := s.view(r.Context(), id)
		if err != nil {
			s.internalError(w, "collector status", err)
			return
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"collectors": views})
}

func (s *Server) collectorStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.collectorID(w, r)
	if !ok {
		return
	}
	v, err := s.view(r.Context(), id)
	if err != nil {
		s.internalError(w, "collector status", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	id, ok := s.collectorID(w, r)
	if !ok {
		return
	}
	since, ok := s.dateParam(w, r, "since", s.today())
	if !ok {
		return
	}
	events, err := s.store.History(r.Context(), id, since)
	if err != nil {
		s.internalError(w, "history", err)
		return
	}
	if events == nil {
		events = []status.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"collector_id": id,
		"since":        since.Format(status.DateLayout),
		"events":       events,
	})
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	id, ok := s.collectorID(w, r)
	if !ok {
		return
	}
	date, ok := s.dateParam(w, r, "date", s.today())
	if !ok {
		return
	}
	sum, err := s.store.DailySummary(r.Context(), id, date)
	if err != nil {
		s.internalError(w, "summary", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) summaries(w http.ResponseWriter, r *http.Request) {
	id, ok := s.collectorID(w, r)
	if !ok {
		return
	}
	since, ok := s.dateParam(w, r, "since", s.today().AddDate(0, 0, -(defaultSummaryDays-1)))
	if !ok {
		return
	}
	sums, err := s.store.DailySummaries(r.Context(), id, since)
	if err != nil {
		s.internalError(w, "summaries", err)
		return
	}
	if sums == nil {
		sums = []status.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"collector_id": id, "summaries": sums})
}

func (s *Server) run(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.trigger == nil {
		writeError(w, http.StatusServiceUnavailable, "runs cannot be triggered")
		return
	}
	err := s.trigger.Trigger(id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"collector_id": id, "status": "triggered"})
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrUnknownCollector):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.internalError(w, "trigger run", err)
	}
}

func (s *Server) view(ctx context.Context, id string) (collectorView, error) {
	v := collectorView{ID: id, Parent: s.collectors[id].Parent, Status: collector.StatusUnknown}
	latest, err := s.store.Latest(ctx, id)
	switch {
	case errors.Is(err, status.ErrNotFound):
	case err != nil:
		return collectorView{}, err
	default:
		v.Status = latest.Status
		v.Latest = &latest
	}

	var children []collector.Status
	for _, c := range s.sortedCollectors() {
		if c.Parent != id {
			continue
		}
		st, err := s.store.CurrentStatus(ctx, c.ID)
		if err != nil {
			return collectorView{}, err
		}
		v.Children = append(v.Children, c.ID)
		children = append(children, st)
	}
	v.DisplayStatus = status.Aggregate(v.Status, children)
	return v, nil
}

// knownIDs merges configured collectors with any that have history.
func (s *Server) knownIDs(ctx context.Context) ([]string, error) {
	stored, err := s.store.Collectors(ctx)
	if err != nil {
		return nil, err
	}
	ids := append([]string(nil), stored...)
	for id := range s.collectors {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

func (s *Server) sortedCollectors() []CollectorInfo {
	out := make([]CollectorInfo, 0, len(s.collectors))
	for _, c := range s.collectors {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b CollectorInfo) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// collectorID resolves the {id} parameter, answering 404 for collectors that
// are neither configured nor present in history.
func (s *Server) collectorID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, ok := s.collectors[id]; ok {
		return id, true
	}
	if _, err := s.store.Latest(r.Context(), id); err == nil {
		return id, true
	} else if !errors.Is(err, status.ErrNotFound) {
		s.internalError(w, "lookup collector", err)
		return "", false
	}
	writeError(w, http.StatusNotFound, "collector not found")
	return "", false
}

func (s *Server) dateParam(w http.ResponseWriter, r *http.Request, name string, def time.Time) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	t, err := s.store.ParseDate(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, name+" must be YYYY-MM-DD")
		return time.Time{}, false
	}
	return t, true
}

func (s *Server) today() time.Time {
	return s.store.DayStart(s.clock.Now())
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("request failed", zap.String("op", op), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
