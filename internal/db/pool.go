// Package db manages the database connection pool used by report exports.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"report-stream/internal/config"
	"report-stream/internal/domain"
	"report-stream/internal/metrics"
)

// Error codes for acquisition failures.
const (
	CodePoolDraining  = "POOL_DRAINING"
	CodePoolExhausted = "POOL_EXHAUSTED"
)

// forceGrace bounds how long a forced drain waits for cancelled handles to
// return their connections before the pool is closed underneath them.
const forceGrace = time.Second

// State is the pool lifecycle state.
type State int

// Pool states.
const (
	StateOpen State = iota
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DrainResult reports how a drain ended.
type DrainResult struct {
	// Clean is true when every outstanding handle finished within the timeout.
	Clean bool
	// Outstanding is the number of handles in use when the drain started.
	Outstanding int
	// Forced is the number of handles cancelled after the timeout.
	Forced int
}

// Option configures a Pool.
type Option func(*Pool)

// WithMetrics records pool state and usage in m.
func WithMetrics(m *metrics.Pool) Option {
	return func(p *Pool) { p.metrics = m }
}

// Pool is the process-wide set of database connections. It is opened once
// before the HTTP listener starts and drained once on shutdown.
type Pool struct {
	db             *sql.DB
	dialect        Dialect
	procedure      string
	acquireTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Pool

	forceCtx context.Context
	force    context.CancelFunc

	mu         sync.Mutex
	state      State
	handles    map[*Handle]struct{}
	idle       chan struct{}
	idleClosed bool

	drainOnce   sync.Once
	drainResult DrainResult
	drainErr    error
}

// Open creates the pool and verifies the database is reachable, retrying with
// exponential backoff for up to cfg.ConnectTimeout. It fails with a
// configuration error for an unusable setup and a connectivity error when the
// database cannot be reached.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger, opts ...Option) (*Pool, error) {
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect.DriverName, cfg.DSN)
	if err != nil {
		return nil, domain.WrapError(domain.KindConfiguration, "", err, "open %s", cfg.Driver)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	p := &Pool{
		db:             db,
		dialect:        dialect,
		procedure:      cfg.Procedure,
		acquireTimeout: cfg.AcquireTimeout,
		logger:         logger.With("component", "pool", "driver", cfg.Driver),
		handles:        make(map[*Handle]struct{}),
		idle:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.forceCtx, p.force = context.WithCancel(context.Background())

	if err := p.ping(ctx, cfg.ConnectTimeout); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := dialect.Bootstrap(ctx, db, cfg.Procedure); err != nil {
		_ = db.Close()
		return nil, domain.WrapError(domain.KindConfiguration, "", err, "install report procedure %s", cfg.Procedure)
	}

	p.metrics.SetState(int(StateOpen))
	p.logger.Info("connection pool open", "max_open_conns", cfg.MaxOpenConns)
	return p, nil
}

func (p *Pool) ping(ctx context.Context, maxElapsed time.Duration) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = maxElapsed
	attempt := 1
	err := backoff.Retry(func() error {
		err := p.db.PingContext(ctx)
		if err == nil {
			return nil
		}
		if domain.KindOf(Classify(err)) == domain.KindQueryPermission {
			return backoff.Permanent(err)
		}
		p.logger.Info("waiting for database", "attempt", attempt, "error", err)
		attempt++
		return err
	}, backoff.WithContext(policy, ctx))
	if err == nil {
		return nil
	}
	if domain.KindOf(Classify(err)) == domain.KindQueryPermission {
		return domain.WrapError(domain.KindConfiguration, "", err, "database rejected credentials")
	}
	return domain.WrapError(domain.KindConnectivity, "", err, "database unreachable")
}

// Dialect returns the dialect the pool was opened with.
func (p *Pool) Dialect() Dialect { return p.dialect }

// Procedure returns the configured report procedure name.
func (p *Pool) Procedure() string { return p.procedure }

// DB exposes the underlying *sql.DB for migrations and health checks.
func (p *Pool) DB() *sql.DB { return p.db }

// State returns the current lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// InUse returns the number of handles currently holding a connection.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Ping checks the database is reachable through the pool.
func (p *Pool) Ping(ctx context.Context) error {
	if p.State() != StateOpen {
		return domain.NewError(domain.KindConnectivity, CodePoolDraining, "connection pool is shutting down")
	}
	if err := p.db.PingContext(ctx); err != nil {
		return Classify(err)
	}
	return nil
}

// Acquire reserves one connection for a report query. The returned handle's
// context is derived from ctx, so cancelling ctx cancels the query.
//
// Acquire fails with a connectivity error when the pool is draining or closed,
// or when no connection frees up within the acquire timeout.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	if p.state != StateOpen {
		p.mu.Unlock()
		p.metrics.AcquireFailed("draining")
		return nil, domain.NewError(domain.KindConnectivity, CodePoolDraining, "connection pool is shutting down")
	}
	hctx, cancel := context.WithCancel(ctx)
	h := &Handle{pool: p, ctx: hctx, cancel: cancel, state: HandleRunning}
	h.stopForce = context.AfterFunc(p.forceCtx, func() { h.Cancel() })
	p.handles[h] = struct{}{}
	p.metrics.SetInUse(len(p.handles))
	p.mu.Unlock()

	actx := hctx
	if p.acquireTimeout > 0 {
		var acancel context.CancelFunc
		actx, acancel = context.WithTimeout(hctx, p.acquireTimeout)
		defer acancel()
	}

	conn, err := p.db.Conn(actx)
	if err != nil {
		h.Release()
		switch {
		case ctx.Err() != nil:
			return nil, Classify(ctx.Err())
		case p.forceCtx.Err() != nil:
			p.metrics.AcquireFailed("draining")
			return nil, domain.WrapError(domain.KindConnectivity, CodePoolDraining, err, "connection pool is shutting down")
		case errors.Is(err, context.DeadlineExceeded):
			p.metrics.AcquireFailed("timeout")
			return nil, domain.WrapError(domain.KindConnectivity, CodePoolExhausted, err,
				"no database connection available within %s", p.acquireTimeout)
		default:
			p.metrics.AcquireFailed("connect")
			return nil, Classify(err)
		}
	}
	h.conn = conn
	return h, nil
}

func (p *Pool) deregister(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handles, h)
	p.metrics.SetInUse(len(p.handles))
	p.signalIdleLocked()
}

func (p *Pool) signalIdleLocked() {
	if p.state != StateOpen && len(p.handles) == 0 && !p.idleClosed {
		p.idleClosed = true
		close(p.idle)
	}
}

// DrainAndClose stops new acquisitions, waits up to timeout for outstanding
// handles to be released, force-cancels whatever is left and closes the
// underlying pool. Later calls return the result of the first.
func (p *Pool) DrainAndClose(timeout time.Duration) (DrainResult, error) {
	p.drainOnce.Do(func() {
		p.drainResult, p.drainErr = p.drain(timeout)
	})
	return p.drainResult, p.drainErr
}

func (p *Pool) drain(timeout time.Duration) (DrainResult, error) {
	p.mu.Lock()
	p.state = StateDraining
	res := DrainResult{Outstanding: len(p.handles)}
	p.signalIdleLocked()
	p.mu.Unlock()

	p.metrics.SetState(int(StateDraining))
	p.logger.Info("connection pool draining", "outstanding", res.Outstanding, "timeout", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.idle:
		res.Clean = true
	case <-timer.C:
		res.Forced = p.InUse()
		p.logger.Warn("drain timeout exceeded, cancelling queries", "handles", res.Forced)
		p.force()
		select {
		case <-p.idle:
		case <-time.After(forceGrace):
			p.logger.Warn("handles still held after cancellation", "handles", p.InUse())
		}
	}
	p.force()

	p.mu.Lock()
	p.state = StateClosed
	p.mu.Unlock()
	p.metrics.SetState(int(StateClosed))

	if err := p.db.Close(); err != nil {
		return res, fmt.Errorf("close pool: %w", err)
	}
	p.logger.Info("connection pool closed", "clean", res.Clean, "forced", res.Forced)
	return res, nil
}
