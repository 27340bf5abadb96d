// Package hooks serves the local HTTP endpoint that Claude Code hook
// commands talk to.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/agent-command/approvald/internal/bridge"
	"github.com/agent-command/approvald/internal/broker"
	"github.com/agent-command/approvald/internal/logging"
	"github.com/agent-command/approvald/internal/session"
)

const maxBodyBytes = 1 << 20

// Core is the part of the bridge the hook endpoint drives.
type Core interface {
	SubmitPermissionRequest(ctx context.Context, in bridge.PermissionInput) (broker.Result, error)
	SubmitSessionEvent(ctx context.Context, ev bridge.SessionEvent) (session.Session, error)
	Status() bridge.Status
	Pending() []broker.PendingRequest
	PendingRequest(requestID string) (broker.PendingRequest, bool)
	RequestReply(ctx context.Context, sessionID string) error
	AllSessions() []session.Session
	Session(id string) (session.Session, bool)
	RemoveSession(id string) bool
}

type Server struct {
	core    Core
	log     zerolog.Logger
	metrics http.Handler
}

// NewServer builds the router. metricsHandler may be nil to leave
// /metrics unmounted.
func NewServer(core Core, log zerolog.Logger, metricsHandler http.Handler) *Server {
	return &Server{core: core, log: log, metrics: metricsHandler}
}

type PermissionResponse struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

type HealthResponse struct {
	Status   string `json:"status"`
	Pending  int    `json:"pending"`
	Sessions int    `json:"sessions"`
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Post("/permission", s.handlePermission)
	r.Post("/session", s.handleSession)
	r.Get("/pending", s.handlePending)
	r.Get("/pending/{requestID}", s.handleGetPending)
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.handleSessions)
		r.Get("/{sessionID}", s.handleGetSession)
		r.Delete("/{sessionID}", s.handleDeleteSession)
		r.Post("/{sessionID}/reply-request", s.handleReplyRequest)
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("hook endpoint listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.core.Status()
	respondJSON(w, http.StatusOK, HealthResponse{Status: "ok", Pending: st.Pending, Sessions: st.Sessions})
}

// handlePermission blocks until the approver decides or the timeout hits.
// A client that goes away does not retract the request; the timeout
// cleans it up.
func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	var in bridge.PermissionInput
	if err := decodeJSON(w, r, &in); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx := logging.WithRequest(r.Context(), s.log, in.RequestID, in.SessionID)
	res, err := s.core.SubmitPermissionRequest(ctx, in)
	switch {
	case errors.Is(err, bridge.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, broker.ErrDuplicateRequestID):
		respondError(w, http.StatusConflict, err)
		return
	case errors.Is(err, bridge.ErrShuttingDown):
		respondError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, PermissionResponse{Decision: string(res.Decision), Reason: res.Reason})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	var ev bridge.SessionEvent
	if err := decodeJSON(w, r, &ev); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := s.core.SubmitSessionEvent(r.Context(), ev); err != nil {
		if errors.Is(err, bridge.ErrInvalidInput) {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.core.Pending())
}

func (s *Server) handleGetPending(w http.ResponseWriter, r *http.Request) {
	req, ok := s.core.PendingRequest(chi.URLParam(r, "requestID"))
	if !ok {
		respondError(w, http.StatusNotFound, broker.ErrNotFound)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.core.AllSessions())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.core.Session(chi.URLParam(r, "sessionID"))
	if !ok {
		respondError(w, http.StatusNotFound, bridge.ErrSessionNotFound)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.core.RemoveSession(chi.URLParam(r, "sessionID")) {
		respondError(w, http.StatusNotFound, bridge.ErrSessionNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReplyRequest prompts the approver to answer a session.
func (s *Server) handleReplyRequest(w http.ResponseWriter, r *http.Request) {
	err := s.core.RequestReply(r.Context(), chi.URLParam(r, "sessionID"))
	switch {
	case errors.Is(err, bridge.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, err)
	case err != nil:
		respondError(w, http.StatusBadGateway, err)
	default:
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("req_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
	}{Error: err.Error(), Status: status})
}
