package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/streaming"
)

// Replayer serves events that already fell out of the in-memory ring
type Replayer interface {
	ReplaySince(ctx context.Context, runID string, since uint64) ([]streaming.Event, error)
}

// StreamOption configures a StreamingHandler
type StreamOption func(*StreamingHandler)

// WithReplayer falls back to r when a reconnecting client asks for events
// older than the ring still holds
func WithReplayer(r Replayer) StreamOption {
	return func(h *StreamingHandler) { h.replayer = r }
}

// WithHeartbeat sets the keep-alive interval of SSE and WebSocket streams
func WithHeartbeat(d time.Duration) StreamOption {
	return func(h *StreamingHandler) { h.heartbeat = d }
}

// StreamingHandler serves SSE and WebSocket endpoints for run events.
type StreamingHandler struct {
	mgr       *streaming.Manager
	replayer  Replayer
	heartbeat time.Duration
	logger    *zap.Logger
}

func NewStreamingHandler(mgr *streaming.Manager, logger *zap.Logger, opts ...StreamOption) *StreamingHandler {
	h := &StreamingHandler{mgr: mgr, heartbeat: 15 * time.Second, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// streamRequest holds the query shared by SSE and WebSocket
type streamRequest struct {
	runID  string
	types  map[streaming.EventType]struct{}
	lastID uint64
}

func parseStreamRequest(r *http.Request) (streamRequest, error) {
	q := r.URL.Query()
	sr := streamRequest{runID: q.Get("run_id"), types: map[streaming.EventType]struct{}{}}
	if sr.runID == "" {
		return sr, fmt.Errorf("run_id required")
	}
	if s := q.Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				sr.types[streaming.EventType(t)] = struct{}{}
			}
		}
	}
	// Last-Event-ID header wins over the query param
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			sr.lastID = n
		}
	}
	if v := q.Get("last_event_id"); v != "" && sr.lastID == 0 {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			sr.lastID = n
		}
	}
	return sr, nil
}

func (sr streamRequest) wants(evt streaming.Event) bool {
	if len(sr.types) == 0 {
		return true
	}
	_, ok := sr.types[evt.Type]
	return ok
}

// backlog returns the events after sr.lastID. The ring is authoritative;
// the replayer is asked only when the ring has lost some of them.
func (h *StreamingHandler) backlog(ctx context.Context, sr streamRequest) []streaming.Event {
	if sr.lastID == 0 {
		return nil
	}
	events := h.mgr.ReplaySince(sr.runID, sr.lastID)
	gap := len(events) == 0 || events[0].Seq > sr.lastID+1
	if !gap || h.replayer == nil {
		return events
	}
	older, err := h.replayer.ReplaySince(ctx, sr.runID, sr.lastID)
	if err != nil {
		h.logger.Warn("Event replay from mirror failed", zap.String("run_id", sr.runID), zap.Error(err))
		return events
	}
	if len(older) > len(events) {
		return older
	}
	return events
}

// isTerminal reports events after which a run emits nothing more
func isTerminal(t streaming.EventType) bool {
	switch t {
	case streaming.EventRunFinished, streaming.EventRunFailed, streaming.EventStopped:
		return true
	}
	return false
}

// handleSSE streams events for a run via Server-Sent Events. The stream
// ends after the run's terminal event or when the run is cleaned up.
// GET /stream/sse?run_id=<id>&types=A,B
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	sr, err := parseStreamRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// subscribe before replaying so nothing falls between the two
	ch := h.mgr.Subscribe(sr.runID, 256)
	defer h.mgr.Unsubscribe(sr.runID, ch)

	fmt.Fprintf(w, ": connected to run %s\n\n", sr.runID)
	flusher.Flush()

	sent := sr.lastID
	write := func(evt streaming.Event) (done bool) {
		if evt.Seq <= sent {
			return false
		}
		sent = evt.Seq
		if !sr.wants(evt) {
			return isTerminal(evt.Type)
		}
		fmt.Fprintf(w, "id: %d\n", evt.Seq)
		fmt.Fprintf(w, "event: %s\n", evt.Type)
		fmt.Fprintf(w, "data: %s\n\n", evt.Marshal())
		return isTerminal(evt.Type)
	}

	for _, evt := range h.backlog(r.Context(), sr) {
		if write(evt) {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	hb := time.NewTicker(h.heartbeat)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("run_id", sr.runID))
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			done := write(evt)
			flusher.Flush()
			if done {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
