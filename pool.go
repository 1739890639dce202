package maestro

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Pool is a counting semaphore with optional capacity that bounds
// simultaneous agent child processes. Waiters are served in FIFO order.
// Capacity 0 means unlimited.
type Pool struct {
	logger *slog.Logger

	mu      sync.Mutex
	max     int // 0 = unlimited
	current int // outstanding (unreleased) tokens
	waiters []*poolWaiter
}

// poolWaiter is one blocked Acquire call. The channel is buffered so a
// grant never blocks the releaser; granted marks tokens that may already
// sit in the buffer when the waiter gives up.
type poolWaiter struct {
	ch      chan *PoolToken
	granted bool
}

// PoolToken is an opaque release handle. Release is idempotent: every
// path out of an execution (normal completion, error, panic recovery,
// cancellation) can release without double-accounting.
type PoolToken struct {
	id   string
	pool *Pool
	once sync.Once
}

// Release returns the slot to the pool. Calling it a second time is a
// no-op.
func (t *PoolToken) Release() {
	t.once.Do(func() { t.pool.release(t.id) })
}

// PoolStats is a point-in-time occupancy snapshot. Max 0 means unlimited,
// in which case Available is -1.
type PoolStats struct {
	Current   int `json:"current"`
	Max       int `json:"max"`
	Available int `json:"available"`
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolLogger sets the logger for acquire/release debug records.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPool creates a pool with the given capacity. max <= 0 means
// unlimited.
func NewPool(max int, opts ...PoolOption) *Pool {
	if max < 0 {
		max = 0
	}
	p := &Pool{logger: nopLogger, max: max}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Acquire blocks until a slot is free or ctx is done. Waiters are served
// strictly in arrival order.
func (p *Pool) Acquire(ctx context.Context) (*PoolToken, error) {
	p.mu.Lock()
	if p.hasRoomLocked() {
		tok := p.takeLocked()
		p.mu.Unlock()
		return tok, nil
	}

	w := &poolWaiter{ch: make(chan *PoolToken, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case tok := <-w.ch:
		return tok, nil
	case <-ctx.Done():
		p.mu.Lock()
		if w.granted {
			// The grant raced the cancellation; the token is already in
			// the buffer and must go back.
			p.mu.Unlock()
			tok := <-w.ch
			tok.Release()
			return nil, ctx.Err()
		}
		for i, q := range p.waiters {
			if q == w {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// TryAcquire returns a token immediately, or nil when the pool is at
// capacity.
func (p *Pool) TryAcquire() *PoolToken {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasRoomLocked() {
		return nil
	}
	return p.takeLocked()
}

// SetMaxConcurrent updates capacity at runtime. Raising it releases
// waiters up to the new headroom; lowering it never preempts held slots —
// the pool shrinks as tokens are released.
func (p *Pool) SetMaxConcurrent(max int) {
	if max < 0 {
		max = 0
	}
	p.mu.Lock()
	p.max = max
	p.grantLocked()
	p.mu.Unlock()
	p.logger.Debug("pool capacity updated", "max", max)
}

// Stats reports current occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := PoolStats{Current: p.current, Max: p.max}
	if p.max == 0 {
		s.Available = -1
	} else if avail := p.max - p.current; avail > 0 {
		s.Available = avail
	}
	return s
}

func (p *Pool) hasRoomLocked() bool {
	return p.max == 0 || p.current < p.max
}

// takeLocked increments occupancy and mints a token. Caller holds p.mu.
func (p *Pool) takeLocked() *PoolToken {
	p.current++
	return &PoolToken{id: uuid.NewString(), pool: p}
}

// grantLocked serves queued waiters in FIFO order while room remains.
// Caller holds p.mu.
func (p *Pool) grantLocked() {
	for len(p.waiters) > 0 && p.hasRoomLocked() {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w.granted = true
		w.ch <- p.takeLocked()
	}
}

func (p *Pool) release(id string) {
	p.mu.Lock()
	p.current--
	p.grantLocked()
	p.mu.Unlock()
	p.logger.Debug("pool slot released", "token", id)
}
