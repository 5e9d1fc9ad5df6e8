package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	apperrors "github.com/campustools/vover-harvester/internal/errors"
)

// acquirePollInterval is how often a blocked Acquire re-checks the slots.
const acquirePollInterval = 10 * time.Millisecond

// Pool is a fixed set of sessions handed out for exclusive use. Sessions
// are not thread-safe, so a caller holds a Lease for the whole duration of
// its sequential work and releases it afterwards.
type Pool struct {
	slots []poolSlot
}

type poolSlot struct {
	session *Session
	busy    *atomic.Bool
}

// Lease is an exclusive claim on one pooled session.
type Lease struct {
	session *Session
	busy    *atomic.Bool
}

// Session returns the leased session.
func (l *Lease) Session() *Session { return l.session }

// Release returns the session to the pool. Releasing twice is a no-op.
func (l *Lease) Release() {
	if l.busy != nil {
		l.busy.Store(false)
		l.busy = nil
	}
}

// NewPool creates size sessions, each with its own cookie jar.
func NewPool(size int, opts SessionOptions) (*Pool, error) {
	if size < 1 {
		return nil, apperrors.NewValidationError("pool_size", "must be at least 1")
	}

	slots := make([]poolSlot, size)
	for i := range slots {
		session, err := NewSession(opts)
		if err != nil {
			return nil, err
		}
		slots[i] = poolSlot{session: session, busy: new(atomic.Bool)}
	}
	return &Pool{slots: slots}, nil
}

// Size returns the number of pooled sessions.
func (p *Pool) Size() int { return len(p.slots) }

// TryAcquire claims a free session without blocking. The second return is
// false when every session is busy.
func (p *Pool) TryAcquire() (*Lease, bool) {
	for i := range p.slots {
		if p.slots[i].busy.CompareAndSwap(false, true) {
			return &Lease{session: p.slots[i].session, busy: p.slots[i].busy}, true
		}
	}
	return nil, false
}

// Acquire claims a free session, polling until one frees up or the context
// ends.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if lease, ok := p.TryAcquire(); ok {
		return lease, nil
	}

	ticker := time.NewTicker(acquirePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, acquireErr(ctx.Err())
		case <-ticker.C:
			if lease, ok := p.TryAcquire(); ok {
				return lease, nil
			}
		}
	}
}

// acquireErr tags the domain sentinel onto the context error; both stay
// checkable with errors.Is.
func acquireErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("session pool: %w: %w", apperrors.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("session pool: %w: %w", apperrors.ErrContextCanceled, err)
	}
	return err
}
