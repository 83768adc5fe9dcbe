package politeness

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquire_BoundK(t *testing.T) {
	for _, k := range []int{1, 2, 4} {
		l := NewLimiter()
		var cur, peak atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				release, err := l.Acquire(context.Background(), "example.com", Limit{MaxConcurrent: k})
				if err != nil {
					t.Error(err)
					return
				}
				defer release()
				n := cur.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				cur.Add(-1)
			}()
		}
		wg.Wait()
		if int(peak.Load()) > k {
			t.Fatalf("K=%d: peak in-flight %d", k, peak.Load())
		}
		if l.InFlight("example.com") != 0 {
			t.Fatalf("K=%d: slots leaked", k)
		}
	}
}

func TestAcquire_DomainsIndependent(t *testing.T) {
	l := NewLimiter()
	release, err := l.Acquire(context.Background(), "a.example", Limit{MaxConcurrent: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	r2, err := l.Acquire(ctx, "b.example", Limit{MaxConcurrent: 1})
	if err != nil {
		t.Fatalf("other domain blocked: %v", err)
	}
	r2()
}

func TestAcquire_CancelReleasesNothing(t *testing.T) {
	l := NewLimiter()
	release, _ := l.Acquire(context.Background(), "a.example", Limit{MaxConcurrent: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := l.Acquire(ctx, "a.example", Limit{MaxConcurrent: 1})
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancellation not prompt")
	}

	release()
	release() // idempotent
	if l.InFlight("a.example") != 0 {
		t.Fatalf("in flight: %d", l.InFlight("a.example"))
	}
	r, err := l.Acquire(context.Background(), "a.example", Limit{MaxConcurrent: 1})
	if err != nil {
		t.Fatal(err)
	}
	r()
}

func TestAcquire_Resize(t *testing.T) {
	l := NewLimiter()
	var releases []func()
	for i := 0; i < 3; i++ {
		r, err := l.Acquire(context.Background(), "a.example", Limit{MaxConcurrent: 3})
		if err != nil {
			t.Fatal(err)
		}
		releases = append(releases, r)
	}
	// Shrink to 1 while 3 are held: the next acquire waits for all but one
	// of them to come back.
	for _, r := range releases[:2] {
		r()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "a.example", Limit{MaxConcurrent: 1}); err == nil {
		t.Fatal("acquired above the shrunk limit")
	}
	releases[2]()
	r, err := l.Acquire(context.Background(), "a.example", Limit{MaxConcurrent: 1})
	if err != nil {
		t.Fatal(err)
	}
	r()

	// Grow back.
	var held []func()
	for i := 0; i < 4; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		r, err := l.Acquire(ctx, "a.example", Limit{MaxConcurrent: 4})
		cancel()
		if err != nil {
			t.Fatalf("grow: acquire %d: %v", i, err)
		}
		held = append(held, r)
	}
	for _, r := range held {
		r()
	}
}

func TestAcquire_MinInterval(t *testing.T) {
	l := NewLimiter()
	lim := Limit{MaxConcurrent: 4, MinInterval: 30 * time.Millisecond}
	start := time.Now()
	for i := 0; i < 3; i++ {
		r, err := l.Acquire(context.Background(), "a.example", lim)
		if err != nil {
			t.Fatal(err)
		}
		r()
	}
	if el := time.Since(start); el < 55*time.Millisecond {
		t.Fatalf("3 starts in %v, want >= 60ms spacing", el)
	}
}

func TestSweep(t *testing.T) {
	l := NewLimiter()
	r, _ := l.Acquire(context.Background(), "busy.example", Limit{MaxConcurrent: 1})
	r2, _ := l.Acquire(context.Background(), "idle.example", Limit{MaxConcurrent: 1})
	r2()
	l.now = func() time.Time { return time.Now().Add(time.Hour) }
	if n := l.Sweep(time.Minute); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	r()
}

func TestSweep_KeepsPendingAcquire(t *testing.T) {
	l := NewLimiter()
	base := time.Now()
	l.now = func() time.Time { return base }

	// A caller that looked the domain up but holds no slot yet.
	d := l.get("a.example", Limit{MaxConcurrent: 1})
	l.now = func() time.Time { return base.Add(time.Hour) }
	if n := l.Sweep(time.Minute); n != 0 {
		t.Fatalf("swept %d domains with a pending acquire", n)
	}
	d.mu.Lock()
	d.waiting--
	d.mu.Unlock()

	// A cancelled Acquire must not leave the domain pinned.
	release, err := l.Acquire(context.Background(), "a.example", Limit{MaxConcurrent: 1})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Acquire(ctx, "a.example", Limit{MaxConcurrent: 1}); err == nil {
		t.Fatal("acquired a held slot")
	}
	release()
	l.now = func() time.Time { return base.Add(2 * time.Hour) }
	if n := l.Sweep(time.Minute); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}

	// The domain is rebuilt once, and its single slot still bounds callers.
	r1, err := l.Acquire(context.Background(), "a.example", Limit{MaxConcurrent: 1})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "a.example", Limit{MaxConcurrent: 1}); err == nil {
		t.Fatal("two slots for a K=1 domain")
	}
	r1()
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Rand: func() float64 { return 0.999999 }}
	if d := b.Delay(0, 0); d > 100*time.Millisecond || d < 99*time.Millisecond {
		t.Fatalf("attempt 0: %v", d)
	}
	if d := b.Delay(2, 0); d > 400*time.Millisecond || d < 399*time.Millisecond {
		t.Fatalf("attempt 2: %v", d)
	}
	if d := b.Delay(10, 0); d > time.Second {
		t.Fatalf("cap: %v", d)
	}
	zero := Backoff{Base: 100 * time.Millisecond, Rand: func() float64 { return 0 }}
	if d := zero.Delay(3, 2*time.Second); d != 2*time.Second {
		t.Fatalf("retry-after not honoured: %v", d)
	}
}

func TestSleep_Cancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
