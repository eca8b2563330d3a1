package streaming

import "sync"

// chanSub adapts a buffered channel to a Handler. Sends never block: a slow
// reader loses events, which it can recover through ReplaySince.
type chanSub struct {
	mu     sync.Mutex
	ch     chan Event
	runID  string
	closed bool
	unsub  func()
}

func (c *chanSub) send(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- evt:
	default:
		// Drop if subscriber is slow
	}
}

func (c *chanSub) close() {
	c.unsub()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// Subscribe adds a subscriber channel for runID; caller must drain and call
// Unsubscribe. The channel is closed by Unsubscribe or ClearRunHistory.
func (m *Manager) Subscribe(runID string, buffer int) chan Event {
	cs := &chanSub{ch: make(chan Event, buffer), runID: runID}
	cs.unsub = m.SubscribeRun(runID, cs.send)
	m.mu.Lock()
	m.chans[cs.ch] = cs
	m.mu.Unlock()
	return cs.ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(runID string, ch chan Event) {
	m.mu.Lock()
	cs, ok := m.chans[ch]
	if ok && cs.runID == runID {
		delete(m.chans, ch)
	}
	m.mu.Unlock()
	if ok && cs.runID == runID {
		cs.close()
	}
}
