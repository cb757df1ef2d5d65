package db

import (
	"context"
	"database/sql"
	"sync"
)

// HandleState is the lifecycle state of an active query handle.
type HandleState int

// Handle states.
const (
	HandleRunning HandleState = iota
	HandleCompleting
	HandleCancelled
	HandleFailed
)

func (s HandleState) String() string {
	switch s {
	case HandleRunning:
		return "running"
	case HandleCompleting:
		return "completing"
	case HandleCancelled:
		return "cancelled"
	case HandleFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Handle owns one exclusive connection from the pool for the lifetime of a
// single report query, together with the ability to cancel that query.
//
// A Handle is used by one request goroutine; Cancel may additionally be
// called by the pool during a forced drain.
type Handle struct {
	pool      *Pool
	ctx       context.Context
	cancel    context.CancelFunc
	stopForce func() bool
	conn      *sql.Conn

	mu          sync.Mutex
	state       HandleState
	cancelCount int
	released    bool
}

// Context returns the context every statement on the handle must use.
// It is done once the handle is cancelled or released.
func (h *Handle) Context() context.Context { return h.ctx }

// Conn returns the exclusive connection.
func (h *Handle) Conn() *sql.Conn { return h.conn }

// State returns the current lifecycle state.
func (h *Handle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Cancellations returns how many times the query was actually cancelled.
// It is never more than one.
func (h *Handle) Cancellations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelCount
}

// MarkCompleting records that the cursor reported its last row.
func (h *Handle) MarkCompleting() { h.transition(HandleCompleting) }

// MarkFailed records that the query ended with an error.
func (h *Handle) MarkFailed() { h.transition(HandleFailed) }

func (h *Handle) transition(to HandleState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == HandleRunning {
		h.state = to
	}
}

// Cancel aborts the in-flight query. Only the first call on a running
// handle has an effect; it reports whether this call cancelled the query.
func (h *Handle) Cancel() bool {
	h.mu.Lock()
	if h.state != HandleRunning {
		h.mu.Unlock()
		return false
	}
	h.state = HandleCancelled
	h.cancelCount++
	h.mu.Unlock()

	h.cancel()
	return true
}

// Release returns the connection to the pool. A handle that is still running
// is cancelled first. Release is idempotent. Any *sql.Rows opened on the
// connection must be closed before Release.
func (h *Handle) Release() {
	h.Cancel()

	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()

	if h.conn != nil {
		if err := h.conn.Close(); err != nil {
			h.pool.logger.Debug("close connection", "error", err)
		}
	}
	h.stopForce()
	h.cancel()
	h.pool.deregister(h)
}
