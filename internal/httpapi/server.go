package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/compliance"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/orchestrator"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/tracing"
)

// Runtime is the part of the orchestrator the HTTP surface drives
type Runtime interface {
	Start(task orchestrator.Task) (string, error)
	Pause(runID string) bool
	Resume(runID string) bool
	Stop(runID string, immediate bool) bool
	CancelQueued(runID string) bool
	ApproveAction(runID, approvalID, by string) bool
	DenyAction(runID, approvalID, by, reason string) bool
	GetRun(runID string) (orchestrator.RunView, bool)
	ListRuns() []orchestrator.RunView
	GetPendingApprovals(runID string) []compliance.ApprovalRequest
	QueueLength() int
}

// Server exposes runs, approvals and event streams over HTTP
type Server struct {
	runs   Runtime
	stream *StreamingHandler
	auth   *auth.Middleware
	logger *zap.Logger
}

// NewServer wires the handlers. mw may be nil to disable authentication.
func NewServer(runs Runtime, bus *streaming.Manager, mw *auth.Middleware, logger *zap.Logger, opts ...StreamOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mw == nil {
		mw = auth.NewMiddleware("", nil, logger)
	}
	return &Server{
		runs:   runs,
		stream: NewStreamingHandler(bus, logger, opts...),
		auth:   mw,
		logger: logger,
	}
}

// RegisterRoutes registers every API route on mux
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	read := func(h http.HandlerFunc) http.Handler {
		return s.auth.HTTPMiddleware(auth.RequireScope(auth.ScopeRunsRead, h))
	}
	write := func(h http.HandlerFunc) http.Handler {
		return s.auth.HTTPMiddleware(auth.RequireScope(auth.ScopeRunsWrite, h))
	}

	mux.Handle("POST /api/runs", write(s.handleSubmit))
	mux.Handle("GET /api/runs", read(s.handleList))
	mux.Handle("GET /api/runs/{id}", read(s.handleGet))
	mux.Handle("POST /api/runs/{id}/pause", write(s.handlePause))
	mux.Handle("POST /api/runs/{id}/resume", write(s.handleResume))
	mux.Handle("POST /api/runs/{id}/stop", write(s.handleStop))
	mux.Handle("POST /api/runs/{id}/cancel", write(s.handleCancel))
	mux.Handle("GET /api/runs/{id}/approvals", read(s.handleApprovals))
	mux.Handle("POST /approvals/decision", s.auth.HTTPMiddleware(auth.RequireScope(auth.ScopeApprovalsResolve, s.handleDecision)))

	mux.Handle("GET /stream/sse", read(s.stream.handleSSE))
	mux.Handle("GET /stream/ws", read(s.stream.handleWS))
}

// Handler returns the API with request metrics and tracing applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return Instrument(mux)
}

// Instrument counts requests by route pattern and status and opens a span
// per request. h must be a ServeMux (or wrap one without copying the
// request) for the route label to be filled in.
func Instrument(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracing.StartSpan(r.Context(), "http "+r.Method)
		defer span.End()
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	// a hijacked websocket reports as a protocol switch
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// sanitizeErr trims error messages for client output (UTF-8 safe).
func sanitizeErr(s string) string {
	runes := []rune(s)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return s
}
