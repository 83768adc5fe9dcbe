// Package politeness enforces per-domain request limits: a bounded number of
// in-flight requests and a minimum interval between request starts. Domains
// never share a lock on the acquisition path.
package politeness

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// MaxConcurrent caps any per-domain limit.
const MaxConcurrent = 64

// Limit is the politeness setting of one domain.
type Limit struct {
	MaxConcurrent int
	MinInterval   time.Duration
}

// domain holds a semaphore of capacity MaxConcurrent. The slots above the
// current limit are held by the limiter itself, which makes the limit
// resizable without swapping semaphores under waiters.
type domain struct {
	sem   *semaphore.Weighted
	pacer *rate.Limiter

	mu            sync.Mutex
	limit         int
	pendingShrink int // slots to keep on release instead of returning
	inFlight      int
	waiting       int // callers between get and a held slot
	lastUsed      time.Time
}

func newDomain(l Limit) *domain {
	d := &domain{
		sem:   semaphore.NewWeighted(MaxConcurrent),
		pacer: rate.NewLimiter(rate.Inf, 1),
		limit: MaxConcurrent,
	}
	d.setLimit(l)
	return d
}

func (d *domain) setLimit(l Limit) {
	n := l.MaxConcurrent
	if n < 1 {
		n = 1
	}
	if n > MaxConcurrent {
		n = MaxConcurrent
	}

	d.mu.Lock()
	for d.limit > n {
		if !d.sem.TryAcquire(1) {
			d.pendingShrink++
		}
		d.limit--
	}
	for d.limit < n {
		if d.pendingShrink > 0 {
			d.pendingShrink--
		} else {
			d.sem.Release(1)
		}
		d.limit++
	}
	d.mu.Unlock()

	every := rate.Inf
	if l.MinInterval > 0 {
		every = rate.Every(l.MinInterval)
	}
	if d.pacer.Limit() != every {
		d.pacer.SetLimit(every)
	}
}

func (d *domain) release() {
	d.mu.Lock()
	d.inFlight--
	if d.pendingShrink > 0 {
		d.pendingShrink--
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	d.sem.Release(1)
}

// Limiter hands out per-domain slots. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	domains map[string]*domain
	now     func() time.Time
}

// NewLimiter creates an empty Limiter.
func NewLimiter() *Limiter {
	return &Limiter{domains: make(map[string]*domain), now: time.Now}
}

// get returns the domain of name with its waiting count raised, so Sweep
// cannot drop it before the caller holds or gives up a slot.
func (l *Limiter) get(name string, lim Limit) *domain {
	l.mu.Lock()
	d, ok := l.domains[name]
	if !ok {
		d = newDomain(lim)
		l.domains[name] = d
	}
	d.mu.Lock()
	d.waiting++
	d.lastUsed = l.now()
	d.mu.Unlock()
	l.mu.Unlock()
	if ok {
		d.setLimit(lim)
	}
	return d
}

// Acquire blocks until a slot of name is free and its minimum interval has
// elapsed, then returns the release func. Release is idempotent and must be
// called on every path. On ctx cancellation no slot is held.
func (l *Limiter) Acquire(ctx context.Context, name string, lim Limit) (func(), error) {
	d := l.get(name, lim)
	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.mu.Lock()
		d.waiting--
		d.mu.Unlock()
		return nil, err
	}
	d.mu.Lock()
	d.waiting--
	d.inFlight++
	d.lastUsed = l.now()
	d.mu.Unlock()

	if err := d.pacer.Wait(ctx); err != nil {
		d.release()
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(d.release) }, nil
}

// InFlight returns the number of held slots of name.
func (l *Limiter) InFlight(name string) int {
	l.mu.Lock()
	d, ok := l.domains[name]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight
}

// Sweep forgets domains idle for longer than idle and returns how many were
// dropped. A domain with a held slot or a pending Acquire is never idle.
func (l *Limiter) Sweep(idle time.Duration) int {
	cutoff := l.now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for name, d := range l.domains {
		d.mu.Lock()
		drop := d.inFlight == 0 && d.waiting == 0 && d.lastUsed.Before(cutoff)
		d.mu.Unlock()
		if drop {
			delete(l.domains, name)
			n++
		}
	}
	return n
}
