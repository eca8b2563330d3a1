package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPauseResume(t *testing.T) {
	h := NewHandler("run", zaptest.NewLogger(t))

	assert.False(t, h.Resume(ResumeRequest{}), "resume while running")
	assert.True(t, h.Pause(PauseRequest{Reason: "lunch", RequestedBy: "alice"}))
	assert.False(t, h.Pause(PauseRequest{}), "double pause")

	st := h.State()
	assert.True(t, st.IsPaused)
	assert.Equal(t, "lunch", st.PauseReason)
	assert.Equal(t, "alice", st.PausedBy)

	assert.True(t, h.Resume(ResumeRequest{}))
	assert.False(t, h.IsPaused())
	assert.Empty(t, h.State().PauseReason)

	// the cycle can repeat
	assert.True(t, h.Pause(PauseRequest{}))
	assert.True(t, h.Resume(ResumeRequest{}))
}

func TestCheckPausePointBlocksUntilResume(t *testing.T) {
	h := NewHandler("run", zaptest.NewLogger(t))
	require.NoError(t, h.CheckPausePoint(context.Background(), "step-0"))

	h.Pause(PauseRequest{})
	released := make(chan error, 1)
	go func() { released <- h.CheckPausePoint(context.Background(), "step-1") }()

	select {
	case err := <-released:
		t.Fatalf("pause point returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	h.Resume(ResumeRequest{})
	select {
	case err := <-released:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pause point did not release")
	}
}

func TestCancelReleasesPausedWaiter(t *testing.T) {
	h := NewHandler("run", zaptest.NewLogger(t))
	h.Pause(PauseRequest{})

	released := make(chan error, 1)
	go func() { released <- h.CheckPausePoint(context.Background(), "step") }()

	assert.True(t, h.Cancel(CancelRequest{Reason: "stop"}))
	assert.False(t, h.Cancel(CancelRequest{}))

	select {
	case err := <-released:
		assert.True(t, errors.Is(err, ErrCancelled))
	case <-time.After(time.Second):
		t.Fatal("cancel did not release the pause point")
	}

	select {
	case <-h.Done():
	default:
		t.Fatal("Done must be closed after cancel")
	}
}

func TestCancellationIsMonotonic(t *testing.T) {
	h := NewHandler("run", nil)
	h.Cancel(CancelRequest{RequestedBy: "bob"})

	assert.False(t, h.Pause(PauseRequest{}))
	assert.False(t, h.Resume(ResumeRequest{}))
	assert.True(t, h.IsCancelled())
	assert.Equal(t, "bob", h.State().CancelledBy)
	assert.ErrorIs(t, h.CheckPausePoint(context.Background(), "x"), ErrCancelled)
}

func TestCheckPausePointHonoursContext(t *testing.T) {
	h := NewHandler("run", nil)
	h.Pause(PauseRequest{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.CheckPausePoint(ctx, "x"), context.DeadlineExceeded)
}
