// Package admission bounds the number of pipeline runs executing at once.
package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/loykin/provoice/internal/metrics"
)

// ErrOverloaded is returned when no slot frees up within the admission wait.
var ErrOverloaded = errors.New("admission pool saturated")

// Pool hands out a fixed number of slots. Waiters are served in arrival order.
type Pool struct {
	size int64
	wait time.Duration
	sem  *semaphore.Weighted

	acquired atomic.Int64
	released atomic.Int64
	rejected atomic.Int64
}

// New creates a pool with size slots. wait bounds how long Acquire may block; zero means
// fail immediately when the pool is full.
func New(size int, wait time.Duration) *Pool {
	if size < 1 {
		size = 1
	}
	if wait < 0 {
		wait = 0
	}
	return &Pool{size: int64(size), wait: wait, sem: semaphore.NewWeighted(int64(size))}
}

// Slot is a capacity token. Release is safe to call more than once; only the first call
// returns the token to the pool.
type Slot struct {
	p    *Pool
	once sync.Once
}

// Acquire takes a slot, blocking at most the configured wait. It returns ErrOverloaded
// when the wait elapses, or ctx.Err() when the caller's context ends first.
func (p *Pool) Acquire(ctx context.Context) (*Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.wait == 0 {
		if !p.sem.TryAcquire(1) {
			p.reject()
			return nil, ErrOverloaded
		}
		return p.grant(), nil
	}
	wctx, cancel := context.WithTimeout(ctx, p.wait)
	defer cancel()
	if err := p.sem.Acquire(wctx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.reject()
		return nil, ErrOverloaded
	}
	return p.grant(), nil
}

func (p *Pool) grant() *Slot {
	p.acquired.Add(1)
	metrics.SetAdmissionInFlight(p.InFlight())
	return &Slot{p: p}
}

func (p *Pool) reject() {
	p.rejected.Add(1)
	metrics.IncAdmissionRejected()
}

// Release returns the slot to its pool.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.p.released.Add(1)
		s.p.sem.Release(1)
		metrics.SetAdmissionInFlight(s.p.InFlight())
	})
}

// Size is the number of slots.
func (p *Pool) Size() int { return int(p.size) }

// InFlight is the number of slots currently held.
func (p *Pool) InFlight() int { return int(p.acquired.Load() - p.released.Load()) }

// Stats is a snapshot of pool counters.
type Stats struct {
	Size     int   `json:"size"`
	InFlight int   `json:"in_flight"`
	Acquired int64 `json:"acquired"`
	Released int64 `json:"released"`
	Rejected int64 `json:"rejected"`
}

func (p *Pool) Stats() Stats {
	return Stats{
		Size:     int(p.size),
		InFlight: p.InFlight(),
		Acquired: p.acquired.Load(),
		Released: p.released.Load(),
		Rejected: p.rejected.Load(),
	}
}
