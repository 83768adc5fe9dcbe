package profile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/dipcrawl/dbopen"
)

func testStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	return NewStore(db, opts...)
}

func TestGet_Missing(t *testing.T) {
	s := testStore(t)
	p, err := s.Get(context.Background(), "nowhere.example")
	if err != nil || p != nil {
		t.Fatalf("got %v, %v; want nil, nil", p, err)
	}
}

func TestEnsureProfile_CreatesOnce(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p, created, err := s.EnsureProfile(ctx, "example.com", func(p *Profile) {
		p.SupportsHead = true
		p.LastVerifiedAt = time.Now().UTC()
	})
	if err != nil || !created {
		t.Fatalf("first: created=%v err=%v", created, err)
	}
	if p.PreferredStrategy != FetchOnly || p.Version != 1 || !p.SupportsHead {
		t.Fatalf("new profile: %+v", p)
	}
	if p.RateLimit.MaxConcurrent != s.Policy.DefaultConcurrency {
		t.Fatalf("default concurrency: %d", p.RateLimit.MaxConcurrent)
	}

	_, created, err = s.EnsureProfile(ctx, "example.com", func(p *Profile) { p.SupportsHead = false })
	if err != nil || created {
		t.Fatalf("second: created=%v err=%v", created, err)
	}
	got, _ := s.Get(ctx, "example.com")
	if !got.SupportsHead {
		t.Fatal("second seed must not overwrite")
	}
}

func TestUpdate_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p, err := s.Update(ctx, "example.com", func(p *Profile) error {
		p.PreferredStrategy = FetchThenRender
		p.WaitSelector = "#content"
		p.Stats.Successes = 7
		p.KnownJSONEndpoints = []Endpoint{{PagePattern: "/a/*", EndpointTemplate: "https://example.com/api/{1}"}}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.Version != 2 {
		t.Fatalf("version: %d", p.Version)
	}
	got, err := s.Get(ctx, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if got.PreferredStrategy != FetchThenRender || got.WaitSelector != "#content" ||
		got.Stats.Successes != 7 || len(got.KnownJSONEndpoints) != 1 || got.Version != 2 {
		t.Fatalf("round trip: %+v", got)
	}
}

func TestUpdate_FnErrorAborts(t *testing.T) {
	s := testStore(t)
	boom := errors.New("boom")
	if _, err := s.Update(context.Background(), "example.com", func(*Profile) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	p, _ := s.Get(context.Background(), "example.com")
	if p.Version != 1 {
		t.Fatalf("aborted update wrote: version %d", p.Version)
	}
}

func TestUpdate_RetriesOnConflict(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	calls := 0
	_, err := s.Update(ctx, "example.com", func(p *Profile) error {
		calls++
		if calls == 1 {
			// A concurrent writer lands between our read and our write.
			if _, err := s.Update(ctx, "example.com", func(q *Profile) error {
				q.Stats.Successes += 10
				return nil
			}); err != nil {
				return err
			}
		}
		p.Stats.Successes++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("fn calls: %d, want 2", calls)
	}
	got, _ := s.Get(ctx, "example.com")
	if got.Stats.Successes != 11 {
		t.Fatalf("lost update: successes=%d", got.Stats.Successes)
	}
	if got.Version != 3 {
		t.Fatalf("version: %d", got.Version)
	}
}

func TestUpdate_GivesUp(t *testing.T) {
	s := testStore(t, WithMaxRetries(2))
	ctx := context.Background()
	calls := 0
	_, err := s.Update(ctx, "example.com", func(p *Profile) error {
		calls++
		_, err := s.Update(ctx, "example.com", func(*Profile) error { return nil })
		return err
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("err = %v", err)
	}
	if calls != 3 {
		t.Fatalf("attempts: %d, want 3", calls)
	}
}

func TestUpdate_ConcurrentWritersLoseNothing(t *testing.T) {
	s := testStore(t, WithMaxRetries(50))
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Update(ctx, "example.com", func(p *Profile) error {
				p.Stats.Successes++
				return nil
			}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	got, _ := s.Get(ctx, "example.com")
	if got.Stats.Successes != 10 {
		t.Fatalf("successes: %d", got.Stats.Successes)
	}
}

func TestList_And_PurgeInactive(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	s := testStore(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	s.EnsureProfile(ctx, "old.example", nil)
	clock = now.Add(200 * 24 * time.Hour)
	s.EnsureProfile(ctx, "new.example", nil)

	list, err := s.List(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Domain != "new.example" {
		t.Fatalf("list order: %v", list)
	}

	n, err := s.PurgeInactive(ctx, 180*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
	if p, _ := s.Get(ctx, "old.example"); p != nil {
		t.Fatal("old profile survived retention")
	}
}

func TestInspect(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	s := testStore(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	if in, err := s.Inspect(ctx, "unknown.example"); in != nil || err != nil {
		t.Fatalf("unknown: %v %v", in, err)
	}
	s.Update(ctx, "example.com", func(p *Profile) error {
		s.Policy.StartCooldown(p, now, 10*time.Minute, "challenge")
		return nil
	})
	in, err := s.Inspect(ctx, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !in.InCooldown || in.CooldownRemaining != "10m0s" || in.CooldownReason != "challenge" {
		t.Fatalf("inspection: %+v", in)
	}
}
