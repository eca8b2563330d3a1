package streaming

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler receives events synchronously on the emitting goroutine
type Handler func(Event)

// Sink receives every delivered event, e.g. to mirror it to Redis Streams.
type Sink interface {
	Append(ctx context.Context, evt Event) error
}

// forgetter is implemented by sinks that can drop a run's mirrored events
type forgetter interface {
	Forget(ctx context.Context, runID string) error
}

const DefaultCapacity = 256

type subscription struct {
	id    uint64
	runID string
	typ   EventType
	fn    Handler
}

func (s subscription) matches(evt Event) bool {
	if s.runID != "" && s.runID != evt.RunID {
		return false
	}
	if s.typ != "" && s.typ != evt.Type {
		return false
	}
	return true
}

// lane is the ordered delivery queue of one run. Only one goroutine drains
// a lane at a time; events enqueued meanwhile are delivered by that drainer.
type lane struct {
	queue    []Event
	draining bool
}

// Manager provides in-memory pub/sub for run events.
type Manager struct {
	mu   sync.Mutex
	subs []subscription // copy-on-write, ordered by subscription id
	next uint64
	// per-run ring buffer for replay and Last-Event-ID support
	history  map[string]*ring
	lanes    map[string]*lane
	chans    map[chan Event]*chanSub
	capacity int

	sink        Sink
	sinkTimeout time.Duration
	logger      *zap.Logger
}

// Option configures a Manager
type Option func(*Manager)

// WithSink mirrors delivered events to s
func WithSink(s Sink, timeout time.Duration) Option {
	return func(m *Manager) {
		m.sink = s
		if timeout > 0 {
			m.sinkTimeout = timeout
		}
	}
}

// NewManager creates a manager keeping up to capacity events per run.
func NewManager(capacity int, logger *zap.Logger, opts ...Option) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		history:     make(map[string]*ring),
		lanes:       make(map[string]*lane),
		chans:       make(map[chan Event]*chanSub),
		capacity:    capacity,
		sinkTimeout: time.Second,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SubscribeRun registers fn for every event of runID.
func (m *Manager) SubscribeRun(runID string, fn Handler) func() {
	return m.subscribe(subscription{runID: runID, fn: fn})
}

// SubscribeType registers fn for every event of type typ across runs.
func (m *Manager) SubscribeType(typ EventType, fn Handler) func() {
	return m.subscribe(subscription{typ: typ, fn: fn})
}

// SubscribeAll registers fn for every event.
func (m *Manager) SubscribeAll(fn Handler) func() {
	return m.subscribe(subscription{fn: fn})
}

func (m *Manager) subscribe(s subscription) func() {
	m.mu.Lock()
	m.next++
	s.id = m.next
	subs := make([]subscription, len(m.subs), len(m.subs)+1)
	copy(subs, m.subs)
	m.subs = append(subs, s)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { m.remove(s.id) })
	}
}

func (m *Manager) remove(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := make([]subscription, 0, len(m.subs))
	for _, s := range m.subs {
		if s.id != id {
			subs = append(subs, s)
		}
	}
	m.subs = subs
}

// Emit records evt and delivers it to current subscribers before returning,
// unless another goroutine is already delivering events of the same run, in
// which case that goroutine delivers it after the events queued before it.
func (m *Manager) Emit(evt Event) Event {
	evt = m.Enqueue(evt)
	m.Drain(evt.RunID)
	return evt
}

// Enqueue assigns the sequence number, appends evt to the run history and
// queues it for delivery without running any handler. Callers that need
// events ordered with their own state changes enqueue while holding their
// lock and Drain after releasing it.
func (m *Manager) Enqueue(evt Event) Event {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rg := m.history[evt.RunID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[evt.RunID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)

	ln := m.lanes[evt.RunID]
	if ln == nil {
		ln = &lane{}
		m.lanes[evt.RunID] = ln
	}
	ln.queue = append(ln.queue, evt)
	return evt
}

// Drain delivers queued events of runID in order.
func (m *Manager) Drain(runID string) {
	m.mu.Lock()
	ln := m.lanes[runID]
	if ln == nil || ln.draining {
		m.mu.Unlock()
		return
	}
	ln.draining = true
	for len(ln.queue) > 0 {
		evt := ln.queue[0]
		ln.queue[0] = Event{}
		ln.queue = ln.queue[1:]
		subs := m.subs
		m.mu.Unlock()

		for _, s := range subs {
			if s.matches(evt) {
				m.invoke(s, evt)
			}
		}
		m.mirror(evt)

		m.mu.Lock()
	}
	ln.draining = false
	m.mu.Unlock()
}

func (m *Manager) invoke(s subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Event handler panicked",
				zap.String("run_id", evt.RunID),
				zap.String("type", string(evt.Type)),
				zap.Uint64("subscription", s.id),
				zap.Any("panic", r),
			)
		}
	}()
	s.fn(evt)
}

func (m *Manager) mirror(evt Event) {
	if m.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.sinkTimeout)
	defer cancel()
	if err := m.sink.Append(ctx, evt); err != nil {
		m.logger.Warn("Failed to mirror event",
			zap.String("run_id", evt.RunID),
			zap.String("type", string(evt.Type)),
			zap.Error(err),
		)
	}
}

// AwaitIdle blocks until no events of runID are queued or being delivered.
// It must not be called from inside a handler of the same run.
func (m *Manager) AwaitIdle(ctx context.Context, runID string) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.mu.Lock()
		ln := m.lanes[runID]
		idle := ln == nil || (!ln.draining && len(ln.queue) == 0)
		m.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// History returns the retained events of runID, oldest first.
func (m *Manager) History(runID string) []Event {
	return m.ReplaySince(runID, 0)
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(runID string, since uint64) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	rg := m.history[runID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// ClearRunHistory drops the history, delivery lane and run-scoped
// subscriptions of runID.
func (m *Manager) ClearRunHistory(runID string) {
	m.mu.Lock()
	delete(m.history, runID)
	if ln := m.lanes[runID]; ln != nil && !ln.draining && len(ln.queue) == 0 {
		delete(m.lanes, runID)
	}
	subs := make([]subscription, 0, len(m.subs))
	for _, s := range m.subs {
		if s.runID != runID {
			subs = append(subs, s)
		}
	}
	m.subs = subs
	var closing []*chanSub
	for ch, cs := range m.chans {
		if cs.runID == runID {
			closing = append(closing, cs)
			delete(m.chans, ch)
		}
	}
	m.mu.Unlock()

	for _, cs := range closing {
		cs.close()
	}
	if f, ok := m.sink.(forgetter); ok {
		ctx, cancel := context.WithTimeout(context.Background(), m.sinkTimeout)
		defer cancel()
		if err := f.Forget(ctx, runID); err != nil {
			m.logger.Warn("Failed to drop mirrored events", zap.String("run_id", runID), zap.Error(err))
		}
	}
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
