package render

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/oklog/ulid/v2"
)

// Factory starts one browser. The returned closer must release every
// resource the browser holds (process, websocket).
type Factory func(ctx context.Context) (*rod.Browser, func() error, error)

// LaunchConfig configures the default Factory.
type LaunchConfig struct {
	// RemoteURL is the DevTools websocket of an external Chrome. Empty
	// launches a local headless Chrome.
	RemoteURL string `yaml:"remote_url"`
	// Bin overrides the Chrome binary. Empty lets rod locate or download one.
	Bin string `yaml:"bin"`
	// NoSandbox is required when running as root inside containers.
	NoSandbox bool `yaml:"no_sandbox"`
}

// LaunchFactory returns a Factory that launches (or connects to) Chrome.
func LaunchFactory(cfg LaunchConfig, logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context) (*rod.Browser, func() error, error) {
		wsURL := cfg.RemoteURL
		var l *launcher.Launcher
		if wsURL == "" {
			l = launcher.New().Context(ctx).Headless(true)
			if cfg.Bin != "" {
				l = l.Bin(cfg.Bin)
			}
			l = l.NoSandbox(cfg.NoSandbox).
				Set("disable-blink-features", "AutomationControlled").
				Set("disable-dev-shm-usage").
				Set("disable-gpu").
				Set("disable-extensions").
				Set("disable-background-networking").
				Set("window-size", "1366,900").
				Set("lang", "en-US,en")
			u, err := l.Launch()
			if err != nil {
				return nil, nil, fmt.Errorf("render: launch: %w", err)
			}
			wsURL = u
			logger.Info("render: launched local chrome", "url", wsURL)
		}

		b := rod.New().ControlURL(wsURL)
		if err := b.Connect(); err != nil {
			if l != nil {
				l.Kill()
			}
			return nil, nil, fmt.Errorf("render: connect: %w", err)
		}
		if err := b.IgnoreCertErrors(true); err != nil {
			logger.Warn("render: ignore cert errors failed", "error", err)
		}
		closer := func() error {
			err := b.Close()
			if l != nil {
				l.Kill()
				l.Cleanup()
			}
			return err
		}
		return b, closer, nil
	}
}

// Instance is a pooled browser with its usage metadata.
type Instance struct {
	ID         string
	Browser    *rod.Browser
	CreatedAt  time.Time
	LastUsedAt time.Time
	Renders    int

	inUse bool
	close func() error
}

// PoolConfig sizes the pool.
type PoolConfig struct {
	// Size is the maximum number of concurrent browsers. Default: 2.
	Size int `yaml:"size"`
	// MaxRenders recycles a browser after that many renders. Default: 50.
	MaxRenders int `yaml:"max_renders"`
	// MaxAge recycles a browser older than this. Default: 30m.
	MaxAge time.Duration `yaml:"max_age"`
}

func (c *PoolConfig) defaults() {
	if c.Size <= 0 {
		c.Size = 2
	}
	if c.MaxRenders <= 0 {
		c.MaxRenders = 50
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 30 * time.Minute
	}
}

// PoolStats is a point-in-time view of the pool, served on /health.
type PoolStats struct {
	Total    int   `json:"total"`
	InUse    int   `json:"in_use"`
	Idle     int   `json:"idle"`
	Creating int   `json:"creating"`
	Waiting  int   `json:"waiting"`
	MaxSize  int   `json:"max_size"`
	Created  int64 `json:"created"`
	Recycled int64 `json:"recycled"`
	Closed   bool  `json:"closed"`
}

// Pool hands out browsers to renders. Waiters are served in FIFO order.
// A nil value on a waiter channel grants a free slot: the waiter creates
// its own browser outside the lock.
type Pool struct {
	mu        sync.Mutex
	cfg       PoolConfig
	factory   Factory
	logger    *slog.Logger
	instances map[string]*Instance
	idle      []*Instance
	waiting   []chan *Instance
	creating  int
	created   int64
	recycled  int64
	closed    bool
	now       func() time.Time
}

// NewPool creates an empty pool. Browsers are created lazily or by Warmup.
func NewPool(cfg PoolConfig, factory Factory, logger *slog.Logger) *Pool {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:       cfg,
		factory:   factory,
		logger:    logger,
		instances: make(map[string]*Instance),
		now:       time.Now,
	}
}

// Warmup pre-creates up to n idle browsers.
func (p *Pool) Warmup(ctx context.Context, n int) error {
	if n > p.cfg.Size {
		n = p.cfg.Size
	}
	for i := 0; i < n; i++ {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrPoolClosed
		}
		if len(p.instances)+p.creating >= p.cfg.Size {
			p.mu.Unlock()
			return nil
		}
		p.creating++
		p.mu.Unlock()

		inst, err := p.create(ctx)
		if err != nil {
			return err
		}
		p.putBack(inst)
	}
	p.logger.Info("render: pool warmed up", "browsers", n)
	return nil
}

// Acquire returns a browser for exclusive use. It blocks while the pool is
// at capacity and every browser is busy.
func (p *Pool) Acquire(ctx context.Context) (*Instance, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	for len(p.idle) > 0 {
		inst := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if p.expired(inst) {
			p.removeLocked(inst)
			go p.closeInstance(inst)
			continue
		}
		inst.inUse = true
		inst.LastUsedAt = p.now()
		p.mu.Unlock()
		return inst, nil
	}

	if len(p.instances)+p.creating < p.cfg.Size {
		p.creating++
		p.mu.Unlock()
		return p.create(ctx)
	}

	ch := make(chan *Instance, 1)
	p.waiting = append(p.waiting, ch)
	p.mu.Unlock()

	select {
	case inst, ok := <-ch:
		if !ok {
			return nil, ErrPoolClosed
		}
		if inst == nil {
			return p.create(ctx)
		}
		return inst, nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, w := range p.waiting {
			if w == ch {
				p.waiting = append(p.waiting[:i], p.waiting[i+1:]...)
				p.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		p.mu.Unlock()
		// Already served: hand the grant on.
		inst, ok := <-ch
		if ok {
			if inst == nil {
				p.mu.Lock()
				p.creating--
				p.grantSlotLocked()
				p.mu.Unlock()
			} else {
				inst.Renders--
				p.Release(inst)
			}
		}
		return nil, ctx.Err()
	}
}

// Release returns a browser after use. Browsers past MaxRenders or MaxAge
// are closed and their slot handed to the next waiter.
func (p *Pool) Release(inst *Instance) {
	p.release(inst, false)
}

// Discard closes a browser that failed a health check instead of
// returning it to the pool.
func (p *Pool) Discard(inst *Instance) {
	p.release(inst, true)
}

func (p *Pool) release(inst *Instance, broken bool) {
	if inst == nil {
		return
	}
	p.mu.Lock()
	inst.inUse = false
	inst.Renders++
	inst.LastUsedAt = p.now()

	if p.closed {
		p.removeLocked(inst)
		p.mu.Unlock()
		p.closeInstance(inst)
		return
	}

	if broken || p.expired(inst) {
		p.removeLocked(inst)
		p.recycled++
		p.grantSlotLocked()
		p.mu.Unlock()
		p.logger.Info("render: recycling browser", "id", inst.ID, "renders", inst.Renders, "broken", broken)
		p.closeInstance(inst)
		return
	}

	if len(p.waiting) > 0 {
		ch := p.waiting[0]
		p.waiting = p.waiting[1:]
		inst.inUse = true
		p.mu.Unlock()
		ch <- inst
		return
	}
	p.idle = append(p.idle, inst)
	p.mu.Unlock()
}

// Close shuts every browser down and fails all waiters with ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var toClose []*Instance
	for _, inst := range p.instances {
		if !inst.inUse {
			toClose = append(toClose, inst)
		}
	}
	for _, inst := range toClose {
		delete(p.instances, inst.ID)
	}
	p.idle = nil
	for _, ch := range p.waiting {
		close(ch)
	}
	p.waiting = nil
	p.mu.Unlock()

	var firstErr error
	for _, inst := range toClose {
		if err := inst.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PoolStats{
		Total:    len(p.instances),
		Idle:     len(p.idle),
		Creating: p.creating,
		Waiting:  len(p.waiting),
		MaxSize:  p.cfg.Size,
		Created:  p.created,
		Recycled: p.recycled,
		Closed:   p.closed,
	}
	for _, inst := range p.instances {
		if inst.inUse {
			st.InUse++
		}
	}
	return st
}

// create runs the factory for a slot already counted in p.creating.
func (p *Pool) create(ctx context.Context) (*Instance, error) {
	b, closer, err := p.factory(ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.grantSlotLocked()
		p.mu.Unlock()
		return nil, &Error{Kind: KindBrowser, Err: err}
	}
	if closer == nil {
		closer = func() error { return nil }
	}
	now := p.now()
	inst := &Instance{
		ID:         ulid.Make().String(),
		Browser:    b,
		CreatedAt:  now,
		LastUsedAt: now,
		inUse:      true,
		close:      closer,
	}
	if p.closed {
		p.mu.Unlock()
		closer()
		return nil, ErrPoolClosed
	}
	p.instances[inst.ID] = inst
	p.created++
	p.mu.Unlock()
	p.logger.Debug("render: browser created", "id", inst.ID)
	return inst, nil
}

// putBack parks a freshly created browser, serving a waiter first.
func (p *Pool) putBack(inst *Instance) {
	inst.Renders--
	p.release(inst, false)
}

// grantSlotLocked passes a free slot to the oldest waiter, if any.
func (p *Pool) grantSlotLocked() {
	if len(p.waiting) == 0 {
		return
	}
	ch := p.waiting[0]
	p.waiting = p.waiting[1:]
	p.creating++
	ch <- nil
}

func (p *Pool) removeLocked(inst *Instance) {
	delete(p.instances, inst.ID)
	for i, v := range p.idle {
		if v == inst {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
}

func (p *Pool) expired(inst *Instance) bool {
	return inst.Renders >= p.cfg.MaxRenders || p.now().Sub(inst.CreatedAt) > p.cfg.MaxAge
}

func (p *Pool) closeInstance(inst *Instance) {
	if err := inst.close(); err != nil {
		p.logger.Warn("render: close browser", "id", inst.ID, "error", err)
	}
}
