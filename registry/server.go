package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const requestIDHeader = "X-Request-ID"

// Server exposes a Service over HTTP and owns its lifecycle: Start binds the
// listener and starts the expiry sweep, Stop drains in-flight requests.
type Server struct {
	svc  *Service
	cfg  Config
	http *http.Server

	ready atomic.Bool
	lis   net.Listener

	// base is the parent of every request context; cancelling it releases
	// long-polling answer waiters during shutdown.
	base       context.Context
	cancelBase context.CancelFunc
	stopSweep  context.CancelFunc
	group      *errgroup.Group
	done       context.Context
}

func NewServer(svc *Service) *Server {
	s := &Server{
		svc: svc,
		cfg: svc.Config(),
	}
	s.base, s.cancelBase = context.WithCancel(context.Background())
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return s.base },
	}
	return s
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("GET /resolve/{code}", s.handleResolve)
	mux.HandleFunc("POST /answer/{code}", s.handlePostAnswer)
	mux.HandleFunc("GET /answer/{code}", s.handleAwaitAnswer)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", s.svc.Metrics().Handler())

	return withRequestLog(mux)
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("net.Listen: %w", err)
	}
	s.lis = lis

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	s.stopSweep = stopSweep

	g, done := errgroup.WithContext(context.Background())
	s.group, s.done = g, done

	g.Go(func() error {
		s.svc.RunSweeper(sweepCtx)
		return nil
	})
	g.Go(func() error {
		if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http.Serve: %w", err)
		}
		return nil
	})

	s.ready.Store(true)
	slog.Info("Registry listening",
		"address", lis.Addr().String(),
		"ttl", s.cfg.TTL,
		"singleUse", s.cfg.SingleUse,
		"codeLength", s.cfg.CodeLength)
	return nil
}

// Addr returns the bound address. It is valid after Start.
func (s *Server) Addr() net.Addr {
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Stop marks the server not ready, waits for in-flight requests until ctx is
// done, and stops the sweep.
func (s *Server) Stop(ctx context.Context) error {
	s.ready.Store(false)
	slog.Info("Registry shutting down")

	s.cancelBase()
	shutdownErr := s.http.Shutdown(ctx)
	if s.stopSweep != nil {
		s.stopSweep()
	}

	var groupErr error
	if s.group != nil {
		groupErr = s.group.Wait()
	}

	return errors.Join(shutdownErr, groupErr)
}

// Run starts the server and blocks until ctx is done or serving fails, then
// shuts down within ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-s.done.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	return s.Stop(stopCtx)
}

// POST /register
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.readPayload(r, func(body []byte) ([]byte, error) {
		var req RegisterRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		return req.Ticket, nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	reg, err := s.svc.Register(s.source(r), ticket)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, RegisterResponse{
		Code:             reg.Code,
		Words:            reg.Words,
		ExpiresInSeconds: int64(reg.ExpiresIn / time.Second),
		OwnerToken:       reg.OwnerToken,
	})
}

// GET /resolve/{code}
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.svc.Resolve(s.source(r), r.PathValue("code"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ResolveResponse{Ticket: ticket})
}

// POST /answer/{code}
func (s *Server) handlePostAnswer(w http.ResponseWriter, r *http.Request) {
	answer, err := s.readPayload(r, func(body []byte) ([]byte, error) {
		var req AnswerRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		return req.Answer, nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.svc.PostAnswer(s.source(r), r.PathValue("code"), answer); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /answer/{code}?wait=25s
func (s *Server) handleAwaitAnswer(w http.ResponseWriter, r *http.Request) {
	if _, err := s.svc.parseCode(r.PathValue("code")); err != nil {
		s.writeError(w, r, err)
		return
	}

	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		s.writeError(w, r, ErrNotFound)
		return
	}

	var wait time.Duration
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid wait duration"})
			return
		}
		wait = d
	}

	answer, err := s.svc.AwaitAnswer(r.Context(), r.PathValue("code"), token, wait)
	switch {
	case errors.Is(err, ErrAnswerPending), errors.Is(err, context.Canceled):
		w.WriteHeader(http.StatusNoContent)
	case err != nil:
		s.writeError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, AnswerResponse{Answer: answer})
	}
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Entries: s.svc.Len(),
	})
}

// GET /ready
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "draining"})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ready"})
}

// readPayload reads a blob from the request body. JSON bodies are decoded with
// fromJSON, anything else is taken as raw bytes. At most one byte more than the
// limit is read so the service can reject oversized payloads.
func (s *Server) readPayload(r *http.Request, fromJSON func([]byte) ([]byte, error)) ([]byte, error) {
	limit := int64(s.cfg.MaxTicketSize)

	isJSON := false
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		isJSON = err == nil && mt == "application/json"
	}

	if isJSON {
		// room for base64 and any envelope; the decoded size is checked later
		jsonLimit := 2*((limit+2)/3*4) + 4096
		body, err := io.ReadAll(io.LimitReader(r.Body, jsonLimit+1))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if int64(len(body)) > jsonLimit {
			return nil, ErrPayloadTooLarge
		}
		blob, err := fromJSON(body)
		if err != nil {
			return nil, &badRequestError{msg: "invalid JSON body"}
		}
		return blob, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// source identifies the caller for rate limiting.
func (s *Server) source(r *http.Request) string {
	if s.cfg.TrustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string { return e.msg }

// StatusFor maps a registry error to its HTTP status.
func StatusFor(err error) int {
	var bad *badRequestError
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidCode), errors.Is(err, ErrEmptyTicket):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrCodeSpaceExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrAnswerExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	msg := err.Error()

	switch status {
	case http.StatusInternalServerError:
		slog.Error("Request failed", "path", r.URL.Path, "requestID", w.Header().Get(requestIDHeader), "error", err)
		msg = "internal error"
	case http.StatusTooManyRequests:
		w.Header().Set("Retry-After", strconv.Itoa(int(s.cfg.RateWindow/time.Second)))
	}

	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withRequestLog tags every request with an ID, logs it, and turns a panic in
// a handler into a 500.
func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				slog.Error("Handler panic", "path", r.URL.Path, "requestID", id, "panic", v)
				writeJSON(rec, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
			}
			slog.Debug("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start),
				"requestID", id)
		}()

		next.ServeHTTP(rec, r)
	})
}
