package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"bellsched/internal/config"
	"bellsched/internal/dispatch"
	appLog "bellsched/internal/log"
	"bellsched/internal/model"
	"bellsched/internal/planner"
)

// Dispatcher is the part of dispatch.Dispatcher exposed over HTTP.
type Dispatcher interface {
	Snapshot() dispatch.Status
	Ring(ctx context.Context, pattern string) (string, error)
	Replan(ctx context.Context, now time.Time) *planner.Day
}

// Planner resolves arbitrary dates without changing the current plan.
type Planner interface {
	Plan(date time.Time) *planner.Day
}

// Server provides the status and operations API.
type Server struct {
	cfg *config.Config
	mux *http.ServeMux

	// ctx outlives requests; manual rings and replans run on it so a
	// playback is not cut short when its HTTP request returns.
	ctx     context.Context
	disp    Dispatcher
	planner Planner
	limiter *rate.Limiter
	now     func() time.Time
}

// NewServer constructs a new Server.
func NewServer(ctx context.Context, cfg *config.Config, disp Dispatcher, pl Planner) *Server {
	perSecond := rate.Limit(cfg.RingRate.PerMinute / 60)
	if cfg.RingRate.PerMinute <= 0 {
		perSecond = rate.Inf
	}
	s := &Server{
		cfg:     cfg,
		mux:     http.NewServeMux(),
		ctx:     ctx,
		disp:    disp,
		planner: pl,
		limiter: rate.NewLimiter(perSecond, max(cfg.RingRate.Burst, 1)),
		now:     time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password disables auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="bellsched", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/today", s.handleToday)
	s.mux.HandleFunc("GET /api/resolve", s.handleResolve)
	s.mux.HandleFunc("POST /api/ring", s.handleRing)
	s.mux.HandleFunc("POST /api/replan", s.handleReplan)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleToday returns the current day with per-trigger state and the
// playbacks still running.
func (s *Server) handleToday(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.disp.Snapshot())
}

// resolveResponse is the JSON response shape for /api/resolve.
type resolveResponse struct {
	Date     string     `json:"date"`
	Schedule string     `json:"schedule,omitempty"`
	Layer    string     `json:"layer"`
	Source   string     `json:"source,omitempty"`
	Detail   string     `json:"detail,omitempty"`
	Entries  []entryDTO `json:"entries"`
}

type entryDTO struct {
	At       string   `json:"at"`
	Pattern  string   `json:"pattern"`
	Rings    int      `json:"rings"`
	Duration string   `json:"duration"`
	Spacing  string   `json:"spacing"`
	Lines    []string `json:"lines,omitempty"`
}

// handleResolve explains which schedule applies on a date.
//
// GET /api/resolve?date=YYYY-MM-DD
//   - date: defaults to today
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	date := s.now()
	if q := r.URL.Query().Get("date"); q != "" {
		d, err := time.ParseInLocation(model.DateLayout, q, time.Local)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		date = d
	}

	day := s.planner.Plan(date)
	resp := resolveResponse{
		Date:     day.Date.Format(model.DateLayout),
		Schedule: day.Decision.Schedule,
		Layer:    string(day.Decision.Layer),
		Source:   day.Decision.Source,
		Detail:   day.Decision.Detail,
		Entries:  make([]entryDTO, 0, len(day.Triggers)),
	}
	for _, t := range day.Triggers {
		resp.Entries = append(resp.Entries, entryDTO{
			At:       t.At.String(),
			Pattern:  t.Pattern.Name,
			Rings:    t.Pattern.Rings,
			Duration: t.Pattern.Duration.String(),
			Spacing:  t.Pattern.Spacing.String(),
			Lines:    t.Pattern.Lines,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type ringResponse struct {
	ID      string `json:"id"`
	Pattern string `json:"pattern"`
}

// handleRing plays a pattern now. The response is sent as soon as the
// playback has started.
//
// POST /api/ring?pattern=name
func (s *Server) handleRing(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		writeError(w, http.StatusBadRequest, "pattern is required")
		return
	}
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		writeError(w, http.StatusTooManyRequests, "manual ring rate limit exceeded")
		return
	}

	id, err := s.disp.Ring(s.ctx, pattern)
	if err != nil {
		appLog.Error("api ring failed", err, "pattern", pattern, "remote", r.RemoteAddr)
		status := http.StatusNotFound
		if errors.Is(err, dispatch.ErrClosing) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	appLog.Info("api ring", "firing", id, "pattern", pattern, "remote", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, ringResponse{ID: id, Pattern: pattern})
}

// handleReplan recomputes today's plan (same-day rearm policy applies) and
// returns the new state.
func (s *Server) handleReplan(w http.ResponseWriter, r *http.Request) {
	day := s.disp.Replan(s.ctx, s.now())
	appLog.Info("api replan", "date", day.Date.Format(model.DateLayout), "schedule", day.Decision.Schedule, "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, s.disp.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
