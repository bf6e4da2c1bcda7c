// Package server exposes the popup API and the tab websocket over one
// listener. Cleartext HTTP/2 is accepted alongside HTTP/1.1.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/TheMichaelB/sectionrepeat/internal/config"
	"github.com/TheMichaelB/sectionrepeat/internal/events"
	"github.com/TheMichaelB/sectionrepeat/internal/models"
	"github.com/TheMichaelB/sectionrepeat/internal/transport"
)

const maxBodyBytes = 1 << 20

// Server routes popup requests into the message dispatcher.
type Server struct {
	cfg     config.ServerConfig
	logger  *events.Logger
	origins map[string]bool

	mu       sync.RWMutex
	dispatch transport.MessageHandler

	recent  func() []events.Entry
	tabs    http.Handler
	handler http.Handler
}

// New builds the server. tabs serves the websocket endpoint and may be nil.
func New(cfg config.ServerConfig, dispatch transport.MessageHandler, tabs http.Handler, logger *events.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger.WithField("component", "server"),
		origins:  make(map[string]bool, len(cfg.AllowedOrigins)),
		dispatch: dispatch,
		recent:   logger.Recent,
		tabs:     tabs,
	}
	for _, o := range cfg.AllowedOrigins {
		s.origins[o] = true
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/storage", s.handleStorage)
	mux.HandleFunc("POST /api/purge", s.handlePurge)
	mux.HandleFunc("POST /api/setup/retry", s.handleSetupRetry)
	mux.HandleFunc("POST /api/message", s.handleMessage)
	mux.HandleFunc("GET /api/logs", s.handleLogs)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if tabs != nil {
		mux.Handle("GET /ws", tabs)
	}

	s.handler = h2c.NewHandler(s.checkOrigin(mux), &http2.Server{})
	return s
}

// SetDispatcher swaps the dispatcher, e.g. to the disabled handler.
func (s *Server) SetDispatcher(d transport.MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch = d
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Serve accepts connections on l until ctx is cancelled, then shuts down
// within the configured timeout.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", l.Addr().String()).Info("Serving popup API and tab socket")
		errCh <- srv.Serve(l)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, l)
}

func (s *Server) checkOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && len(s.origins) > 0 && !s.origins[origin] {
			s.logger.WithField("origin", origin).Warn("Rejected request from unknown origin")
			writeJSON(w, http.StatusForbidden, models.Response{Error: "origin_not_allowed"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) call(w http.ResponseWriter, r *http.Request, msg models.Message) {
	s.mu.RLock()
	dispatch := s.dispatch
	s.mu.RUnlock()

	resp := dispatch(r.Context(), models.Sender{}, msg)
	writeJSON(w, statusFor(resp), resp)
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	s.call(w, r, models.Message{Type: models.MsgGetStorageInfo})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	s.call(w, r, models.Message{Type: models.MsgForcePurge})
}

func (s *Server) handleSetupRetry(w http.ResponseWriter, r *http.Request) {
	s.call(w, r, models.Message{Type: models.MsgReattemptSetup})
}

// handleMessage accepts any popup message envelope.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg models.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, models.Response{Error: "invalid_json"})
		return
	}
	if msg.Type == "" {
		writeJSON(w, http.StatusBadRequest, models.Response{Error: "type is required"})
		return
	}
	s.call(w, r, msg)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	entries := s.recent()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, models.Response{Error: "invalid limit"})
			return
		}
		if limit < len(entries) {
			entries = entries[len(entries)-limit:]
		}
	}
	if entries == nil {
		entries = []events.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func statusFor(resp models.Response) int {
	switch {
	case resp.Success:
		return http.StatusOK
	case resp.Error == models.ReasonCriticalInit:
		return http.StatusServiceUnavailable
	case resp.Reason == models.ReasonUnknownMessageType:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
