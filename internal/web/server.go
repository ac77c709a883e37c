// Package web exposes the ops surface over HTTP: engine status, lookahead
// queries, mute and refresh controls, and an ICS feed of the resolved
// schedule.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"belltower/internal/schedule"
	"belltower/internal/services/dispatch"
	"belltower/internal/services/timesync"
	logx "belltower/pkg/logx"
)

type Config struct {
	Enabled bool
	Addr    string // default ":8080"
	// Token guards every endpoint except /health; empty disables auth.
	Token string
}

type Server struct {
	cfg      Config
	engine   *dispatch.Engine
	resolver *schedule.Resolver
	sync     *timesync.Service
	log      logx.Logger
	srv      *http.Server
}

func New(cfg Config, engine *dispatch.Engine, resolver *schedule.Resolver, sync *timesync.Service, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:      cfg,
		engine:   engine,
		resolver: resolver,
		sync:     sync,
		log:      log.With(logx.String("component", "web")),
	}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.auth(s.handleStatus))
	mux.HandleFunc("GET /api/next-event", s.auth(s.handleNextEvent))
	mux.HandleFunc("GET /api/resolve", s.auth(s.handleResolve))
	mux.HandleFunc("GET /api/lookahead", s.auth(s.handleLookahead))
	mux.HandleFunc("GET /api/feed.ics", s.auth(s.handleFeed))
	mux.HandleFunc("POST /api/refresh", s.auth(s.handleRefresh))
	mux.HandleFunc("POST /api/mute", s.auth(s.handleMute))
	mux.HandleFunc("POST /api/sync-now", s.auth(s.handleSyncNow))
	return mux
}

// Start serves until Shutdown. It returns after the listener closes.
func (s *Server) Start() error {
	s.log.Info("http server listening", logx.String("addr", s.cfg.Addr))
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// loc is the engine timezone; dates in requests and responses are
// interpreted in it, not in the host zone.
func (s *Server) loc() *time.Location {
	if s.resolver != nil && s.resolver.Location != nil {
		return s.resolver.Location
	}
	return time.Local
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	if s.cfg.Token == "" {
		return next
	}
	want := []byte(s.cfg.Token)
	return func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode failed", logx.Err(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"engine": s.engine.Status(),
		"now":    time.Now(),
	}
	if s.sync != nil {
		if last, err := s.sync.Last(r.Context()); err == nil && last != nil {
			out["timesync"] = last
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleNextEvent(w http.ResponseWriter, r *http.Request) {
	up, err := s.engine.NextEvent(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if up == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"next": nil})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"next": up})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("date")
	date := time.Now().In(s.loc())
	if raw != "" {
		var err error
		date, err = time.ParseInLocation("2006-01-02", raw, s.loc())
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	events, err := s.resolver.Resolve(r.Context(), date)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"date":   date.Format("2006-01-02"),
		"events": events,
	})
}

func (s *Server) handleLookahead(w http.ResponseWriter, r *http.Request) {
	days, err := s.resolver.Lookahead(r.Context(), time.Now().In(s.loc()))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"days": days})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.engine.Refresh()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "rebuild requested"})
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Muted bool `json:"muted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.engine.MuteAll(req.Muted)
	s.writeJSON(w, http.StatusOK, map[string]bool{"muted": s.engine.Muted()})
}

func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("time sync not configured"))
		return
	}
	res, err := s.sync.Sync(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}
