package control

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCancelled is returned from pause points once the run is cancelled
var ErrCancelled = errors.New("run cancelled")

// Handler is the pause/resume/cancel gate of one run. Pause and resume can
// alternate any number of times; cancellation is permanent.
type Handler struct {
	mu      sync.Mutex
	state   State
	resumed chan struct{} // closed while not paused
	done    chan struct{} // closed on cancel

	runID  string
	logger *zap.Logger
}

// NewHandler creates a handler in the running (not paused) state
func NewHandler(runID string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	resumed := make(chan struct{})
	close(resumed)
	return &Handler{
		resumed: resumed,
		done:    make(chan struct{}),
		runID:   runID,
		logger:  logger,
	}
}

// Pause marks the run paused. It returns false when already paused or cancelled.
func (h *Handler) Pause(req PauseRequest) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.IsCancelled || h.state.IsPaused {
		return false
	}
	h.state.IsPaused = true
	h.state.PausedAt = time.Now()
	h.state.PauseReason = req.Reason
	h.state.PausedBy = req.RequestedBy
	h.resumed = make(chan struct{})
	return true
}

// Resume releases a paused run. It returns false when not paused or cancelled.
func (h *Handler) Resume(req ResumeRequest) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.IsCancelled || !h.state.IsPaused {
		return false
	}
	h.state.IsPaused = false
	h.state.PausedAt = time.Time{}
	h.state.PauseReason = ""
	h.state.PausedBy = ""
	close(h.resumed)
	h.logger.Debug("Run resumed", zap.String("run_id", h.runID), zap.String("by", req.RequestedBy))
	return true
}

// Cancel signals cancellation. Only the first call returns true.
func (h *Handler) Cancel(req CancelRequest) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.IsCancelled {
		return false
	}
	h.state.IsCancelled = true
	h.state.CancelReason = req.Reason
	h.state.CancelledBy = req.RequestedBy
	close(h.done)
	return true
}

// Done is closed once the run is cancelled
func (h *Handler) Done() <-chan struct{} { return h.done }

func (h *Handler) IsPaused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.IsPaused
}

func (h *Handler) IsCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.IsCancelled
}

// State returns a copy of the control flags
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// CheckPausePoint blocks while paused and returns ErrCancelled if the run
// is cancelled before or while waiting. ctx expiry is returned as-is.
func (h *Handler) CheckPausePoint(ctx context.Context, checkpoint string) error {
	h.mu.Lock()
	cancelled, paused, resumed := h.state.IsCancelled, h.state.IsPaused, h.resumed
	h.mu.Unlock()

	if cancelled {
		return ErrCancelled
	}
	if !paused {
		return nil
	}

	h.logger.Debug("Waiting at pause point",
		zap.String("run_id", h.runID),
		zap.String("checkpoint", checkpoint),
	)
	select {
	case <-resumed:
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if h.IsCancelled() {
		return ErrCancelled
	}
	return nil
}
