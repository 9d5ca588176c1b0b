// Package httpapi serves the board's state and controls over HTTP for
// browser based presentation clients.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mil-ad/eegmenu/internal/connection"
	"github.com/mil-ad/eegmenu/internal/link"
	"github.com/mil-ad/eegmenu/internal/menu"
)

type Options struct {
	// ConnectTimeout bounds POST /api/connect. Zero means no bound beyond
	// the request's own context.
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

type Server struct {
	link           Link
	menu           Menu
	hub            *Hub
	connectTimeout time.Duration
	log            *slog.Logger
	stop           context.Context
}

// Response is the body of every /api reply except /api/options.
type Response struct {
	View
	Error string `json:"error,omitempty"`
}

func New(l Link, m Menu, hub *Hub, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		link:           l,
		menu:           m,
		hub:            hub,
		connectTimeout: opts.ConnectTimeout,
		log:            opts.Logger.With("component", "http"),
		stop:           context.Background(),
	}
}

func (s *Server) Router() *mux.Router {
	// Routes live on the root router: a method mismatch inside a
	// PathPrefix subrouter is reported as 404 rather than 405.
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/view", s.handleView).Methods("GET")
	r.HandleFunc("/api/options", s.handleOptions).Methods("GET")
	r.HandleFunc("/api/connect", s.handleConnect).Methods("POST")
	r.HandleFunc("/api/disconnect", s.handleDisconnect).Methods("POST")
	r.HandleFunc("/api/options/{id}/tap", s.handleTap).Methods("POST")
	r.HandleFunc("/api/events", s.handleEvents).Methods("GET")
	r.Use(s.logRequests)
	return r
}

// ListenAndServe serves on addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.stop = ctx
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("OK\n"))
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	s.reply(w, http.StatusOK, nil)
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.menu.Options())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.connectTimeout)
		defer cancel()
	}
	err := s.link.Connect(ctx)
	s.reply(w, connectStatus(err), err)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.link.Disconnect()
	s.reply(w, http.StatusOK, nil)
}

func (s *Server) handleTap(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.menu.Tap(r.Context(), id)
	var code int
	switch {
	case err == nil:
		code = http.StatusOK
	case errors.Is(err, menu.ErrUnknownOption):
		code = http.StatusNotFound
	case errors.Is(err, menu.ErrNotConnected):
		code = http.StatusConflict
	default:
		code = http.StatusServiceUnavailable
	}
	s.reply(w, code, err)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Serve(s.stop, w, r); err != nil {
		s.log.Debug("event stream ended", "error", err)
	}
}

func connectStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, connection.ErrAlreadyConnecting), errors.Is(err, connection.ErrAlreadyConnected):
		return http.StatusConflict
	case errors.Is(err, link.ErrTransportUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) reply(w http.ResponseWriter, code int, err error) {
	resp := Response{View: Snapshot(s.link, s.menu)}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
