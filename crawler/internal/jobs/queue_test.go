package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/dipcrawl/dbopen"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(t *testing.T) (*queue, *clock) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(queueSchema))
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	return newQueue(db, "test", time.Minute, c.now), c
}

func TestQueue_ClaimHidesUntilVisibility(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()
	if err := q.publish(ctx, q.db, "a", "job1", []byte("one")); err != nil {
		t.Fatal(err)
	}
	c.advance(time.Millisecond)
	if err := q.publish(ctx, q.db, "b", "job1", []byte("two")); err != nil {
		t.Fatal(err)
	}

	m, err := q.claim(ctx)
	if err != nil || m == nil || m.ID != "a" || m.Attempts != 1 || m.Group != "job1" {
		t.Fatalf("claim = %+v, %v", m, err)
	}
	m2, _ := q.claim(ctx)
	if m2 == nil || m2.ID != "b" {
		t.Fatalf("second claim = %+v", m2)
	}
	if m3, _ := q.claim(ctx); m3 != nil {
		t.Fatalf("claimed hidden row %+v", m3)
	}

	// a dies, b keeps extending.
	c.advance(40 * time.Second)
	if err := q.extend(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	c.advance(30 * time.Second)
	again, _ := q.claim(ctx)
	if again == nil || again.ID != "a" || again.Attempts != 2 {
		t.Fatalf("redelivery = %+v", again)
	}
	if m, _ := q.claim(ctx); m != nil {
		t.Fatalf("extended row redelivered: %+v", m)
	}

	if err := q.ack(ctx, q.db, "a"); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.length(ctx); n != 1 {
		t.Fatalf("length = %d", n)
	}
}

func TestQueue_Nack(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	_ = q.publish(ctx, q.db, "a", "g", nil)
	m, _ := q.claim(ctx)
	if err := q.nack(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	m, _ = q.claim(ctx)
	if m == nil || m.Attempts != 2 {
		t.Fatalf("nacked row = %+v", m)
	}
}

func TestQueue_DropVisible(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		grp := "job1"
		if id == "c" {
			grp = "job2"
		}
		_ = q.publish(ctx, q.db, id, grp, []byte(id))
		c.advance(time.Millisecond)
	}
	if m, _ := q.claim(ctx); m == nil || m.ID != "a" {
		t.Fatalf("claim = %+v", m)
	}

	got, err := q.dropVisible(ctx, q.db, "job1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || string(got[0]) != "b" {
		t.Fatalf("dropped = %q, want only the unclaimed row of job1", got)
	}
	if n, _ := q.length(ctx); n != 2 {
		t.Fatalf("length = %d, want the claimed row and job2", n)
	}
}
