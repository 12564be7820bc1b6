// Package smtppool keeps idle SMTP client connections for reuse, limiting the
// number of connections in use.
package smtppool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mjl-/smtpsubmit/mlog"
	"github.com/mjl-/smtpsubmit/smtpclient"
	"github.com/mjl-/smtpsubmit/stub"
)

var (
	MetricConnections stub.GaugeVec   = stub.GaugeVecIgnore{}   // Label "state": idle, inuse.
	MetricDropped     stub.CounterVec = stub.CounterVecIgnore{} // Label "reason": broken, dead, stale, closed.
)

var (
	ErrPoolExhausted = errors.New("all connections in pool are in use")
	ErrPoolClosed    = errors.New("pool is closed")
)

// Config for a pool. MaxSize is the maximum number of connections handed out
// at the same time, it must be at least 1.
type Config struct {
	MaxSize int

	// If set, Get waits for a connection to be returned when MaxSize connections are
	// in use. Otherwise Get fails immediately with ErrPoolExhausted.
	Wait bool

	// Idle connections older than IdleTimeout are closed instead of reused. Servers
	// typically close connections after a few minutes of inactivity. Zero means no
	// timeout, connections are still checked with a NOOP before reuse.
	IdleTimeout time.Duration
}

// Factory makes a new connection, ready for sending messages, i.e. after TLS and
// authentication.
type Factory func(ctx context.Context) (*smtpclient.Conn, error)

type idleConn struct {
	conn  *smtpclient.Conn
	since time.Time
}

// Pool hands out connections with Get, and takes them back with Put. A
// connection is never handed to two callers at the same time.
type Pool struct {
	log     mlog.Log
	cfg     Config
	factory Factory
	sem     *semaphore.Weighted

	sync.Mutex
	idle   []idleConn                    // Most recently used last.
	inUse  map[*smtpclient.Conn]struct{} // Handed out by Get.
	closed bool
}

// New returns a new pool, making connections with factory.
func New(elog *slog.Logger, cfg Config, factory Factory) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1
	}
	return &Pool{
		log:     mlog.New("smtppool", elog),
		cfg:     cfg,
		factory: factory,
		sem:     semaphore.NewWeighted(int64(cfg.MaxSize)),
		inUse:   map[*smtpclient.Conn]struct{}{},
	}
}

func clientError(err error) error {
	return smtpclient.Error{Kind: smtpclient.KindClient, Err: err}
}

// Get returns a connection, either an idle one that still responds to NOOP, or
// a new one from the factory. The connection must be returned with Put.
func (p *Pool) Get(ctx context.Context) (*smtpclient.Conn, error) {
	if p.cfg.Wait {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil, clientError(fmt.Errorf("%w: waiting: %w", ErrPoolExhausted, err))
		}
	} else if !p.sem.TryAcquire(1) {
		return nil, clientError(ErrPoolExhausted)
	}

	for {
		ic, err := p.popIdle()
		if err != nil {
			p.sem.Release(1)
			return nil, err
		}
		if ic.conn == nil {
			break
		}
		if p.cfg.IdleTimeout > 0 && time.Since(ic.since) > p.cfg.IdleTimeout {
			p.log.Debug("closing stale idle connection", slog.Duration("idle", time.Since(ic.since)))
			MetricDropped.IncLabels("stale")
			err := ic.conn.Quit(ctx)
			p.log.Check(err, "quit for stale connection")
			continue
		}
		if ic.conn.TestConnected(ctx) {
			p.markInUse(ic.conn)
			p.log.Debug("reusing idle connection")
			return ic.conn, nil
		}
		p.log.Debug("idle connection is dead, dropping")
		MetricDropped.IncLabels("dead")
	}

	c, err := p.factory(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	p.markInUse(c)
	p.log.Debug("new connection for pool")
	return c, nil
}

func (p *Pool) popIdle() (idleConn, error) {
	p.Lock()
	defer p.Unlock()
	if p.closed {
		return idleConn{}, clientError(ErrPoolClosed)
	}
	if len(p.idle) == 0 {
		return idleConn{}, nil
	}
	ic := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	p.updateMetrics()
	return ic, nil
}

func (p *Pool) markInUse(c *smtpclient.Conn) {
	p.Lock()
	defer p.Unlock()
	p.inUse[c] = struct{}{}
	p.updateMetrics()
}

// must be called with lock held.
func (p *Pool) updateMetrics() {
	MetricConnections.SetLabels(float64(len(p.idle)), "idle")
	MetricConnections.SetLabels(float64(len(p.inUse)), "inuse")
}

// Put returns a connection from Get to the pool. Broken connections are
// dropped. Connections returned after the pool was closed are quit.
func (p *Pool) Put(c *smtpclient.Conn) {
	p.Lock()
	if _, ok := p.inUse[c]; !ok {
		p.Unlock()
		p.log.Error("connection returned to pool that is not in use, ignoring")
		return
	}
	delete(p.inUse, c)
	var reason string
	switch {
	case c.Broken() || c.State() == smtpclient.StateClosed:
		reason = "broken"
	case p.closed:
		reason = "closed"
	default:
		p.idle = append(p.idle, idleConn{c, time.Now()})
	}
	p.updateMetrics()
	p.Unlock()

	if reason != "" {
		p.log.Debug("dropping connection", slog.String("reason", reason))
		MetricDropped.IncLabels(reason)
		err := c.Quit(context.Background())
		p.log.Check(err, "quit for dropped connection")
	}
	p.sem.Release(1)
}

// Close quits all idle connections. Connections in use are quit when they are
// returned with Put. Later calls to Get fail.
func (p *Pool) Close() {
	p.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.updateMetrics()
	p.Unlock()

	for _, ic := range idle {
		MetricDropped.IncLabels("closed")
		err := ic.conn.Quit(context.Background())
		p.log.Check(err, "quit idle connection for closing pool")
	}
}

// Stats returns the number of idle connections and connections in use.
func (p *Pool) Stats() (idle, inUse int) {
	p.Lock()
	defer p.Unlock()
	return len(p.idle), len(p.inUse)
}
