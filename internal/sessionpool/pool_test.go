package sessionpool

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/swarm/internal/connectors/memconn"
	"github.com/fentz26/swarm/internal/models"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestPool(t *testing.T, cfg *Config) (*Pool, *memconn.Connector, *fakeClock) {
	t.Helper()
	conn := memconn.New(nil)
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := New(conn, cfg, nil)
	p.now = clock.now
	return p, conn, clock
}

func TestAcquire_CreatesWithTitle(t *testing.T) {
	p, conn, _ := newTestPool(t, nil)
	ctx := context.Background()

	s, err := p.Acquire(ctx, "explore", "parent-1", "scan repo")
	if err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}
	if !s.InUse || s.Health != models.SessionHealthy {
		t.Errorf("Unexpected session state: %+v", s)
	}
	if got := conn.Title(s.ID); got != "Parallel: scan repo" {
		t.Errorf("Expected title %q, got %q", "Parallel: scan repo", got)
	}
	if st := p.Stats(); st.CreationMisses != 1 || st.ReuseHits != 0 {
		t.Errorf("Unexpected stats: %+v", st)
	}
}

func TestAcquire_ReusesReleasedSession(t *testing.T) {
	p, conn, clock := newTestPool(t, nil)
	ctx := context.Background()

	first, _ := p.Acquire(ctx, "explore", "parent", "a")
	clock.advance(time.Second)
	if err := p.Release(ctx, first.ID); err != nil {
		t.Fatalf("Failed to release: %v", err)
	}
	if conn.Compactions() != 1 {
		t.Errorf("Expected release to compact the session")
	}

	second, err := p.Acquire(ctx, "explore", "parent", "b")
	if err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("Expected reuse of %s, got %s", first.ID, second.ID)
	}
	if second.ReuseCount != 1 {
		t.Errorf("Expected reuse count 1, got %d", second.ReuseCount)
	}
	if st := p.Stats(); st.ReuseHits != 1 {
		t.Errorf("Expected 1 reuse hit, got %d", st.ReuseHits)
	}

	// A different category never shares sessions.
	other, _ := p.Acquire(ctx, "build", "parent", "c")
	if other.ID == first.ID {
		t.Error("Expected a new session for another category")
	}
}

func TestAcquire_SkipsDegraded(t *testing.T) {
	p, conn, _ := newTestPool(t, nil)
	ctx := context.Background()

	s, _ := p.Acquire(ctx, "explore", "parent", "a")
	conn.CompactErr = errors.New("reset failed")
	p.Release(ctx, s.ID)

	for _, ps := range p.Sessions() {
		if ps.ID == s.ID && ps.Health != models.SessionDegraded {
			t.Fatalf("Expected degraded session, got %s", ps.Health)
		}
	}

	conn.CompactErr = nil
	next, _ := p.Acquire(ctx, "explore", "parent", "b")
	if next.ID == s.ID {
		t.Error("Expected degraded session to be skipped")
	}
}

func TestRelease_RetiresAtReuseCeiling(t *testing.T) {
	p, conn, _ := newTestPool(t, &Config{MaxReuse: 2})
	ctx := context.Background()

	s, _ := p.Acquire(ctx, "explore", "parent", "a")
	for i := 0; i < 2; i++ {
		p.Release(ctx, s.ID)
		s, _ = p.Acquire(ctx, "explore", "parent", "a")
	}
	if s.ReuseCount != 2 {
		t.Fatalf("Expected reuse count 2, got %d", s.ReuseCount)
	}

	p.Release(ctx, s.ID)
	if p.Contains(s.ID) || conn.Exists(s.ID) {
		t.Error("Expected session at reuse ceiling to be deleted")
	}
}

func TestRelease_RetiresOldSession(t *testing.T) {
	p, conn, clock := newTestPool(t, &Config{IdleTimeout: time.Minute})
	ctx := context.Background()

	s, _ := p.Acquire(ctx, "explore", "parent", "a")
	clock.advance(3 * time.Minute)
	p.Release(ctx, s.ID)

	if conn.Exists(s.ID) {
		t.Error("Expected session older than twice the idle timeout to be deleted")
	}
}

func TestRelease_EvictsLRUWhenFull(t *testing.T) {
	p, conn, clock := newTestPool(t, &Config{MaxPerCategory: 2})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		s, _ := p.Acquire(ctx, "explore", "parent", "x")
		ids = append(ids, s.ID)
		clock.advance(time.Second)
	}
	p.Release(ctx, ids[0])
	clock.advance(time.Second)
	p.Release(ctx, ids[1])
	clock.advance(time.Second)
	p.Release(ctx, ids[2])

	if conn.Exists(ids[0]) {
		t.Error("Expected least recently used idle session to be evicted")
	}
	if !conn.Exists(ids[1]) || !conn.Exists(ids[2]) {
		t.Error("Expected newer sessions to survive")
	}
	if st := p.Stats(); st.ByCategory["explore"].Available != 2 {
		t.Errorf("Expected 2 idle sessions, got %+v", st.ByCategory["explore"])
	}
}

func TestRelease_Unknown(t *testing.T) {
	p, _, _ := newTestPool(t, nil)
	if err := p.Release(context.Background(), "nope"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Expected ErrUnknownSession, got %v", err)
	}
}

func TestSweep(t *testing.T) {
	p, conn, clock := newTestPool(t, &Config{IdleTimeout: time.Minute})
	ctx := context.Background()

	idle, _ := p.Acquire(ctx, "explore", "parent", "a")
	busy, _ := p.Acquire(ctx, "explore", "parent", "b")
	p.Release(ctx, idle.ID)

	clock.advance(90 * time.Second)
	if n := p.Sweep(ctx); n != 1 {
		t.Fatalf("Expected 1 swept session, got %d", n)
	}
	if conn.Exists(idle.ID) {
		t.Error("Expected idle session to be deleted")
	}
	if !p.Contains(busy.ID) {
		t.Error("Expected in-use session to survive the sweep")
	}
}

func TestSweep_RemovesDegraded(t *testing.T) {
	p, conn, _ := newTestPool(t, nil)
	ctx := context.Background()

	s, _ := p.Acquire(ctx, "explore", "parent", "a")
	conn.CompactErr = errors.New("reset failed")
	p.Release(ctx, s.ID)
	conn.CompactErr = nil

	if n := p.Sweep(ctx); n != 1 {
		t.Errorf("Expected degraded session to be swept, got %d", n)
	}
}

func TestInvalidateAndForget(t *testing.T) {
	p, conn, _ := newTestPool(t, nil)
	ctx := context.Background()

	a, _ := p.Acquire(ctx, "explore", "parent", "a")
	b, _ := p.Acquire(ctx, "explore", "parent", "b")

	if err := p.Invalidate(ctx, a.ID); err != nil {
		t.Fatalf("Failed to invalidate: %v", err)
	}
	if conn.Exists(a.ID) || p.Contains(a.ID) {
		t.Error("Expected invalidated session to be gone")
	}
	if err := p.Invalidate(ctx, a.ID); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Expected ErrUnknownSession, got %v", err)
	}

	p.Forget(b.ID)
	if p.Contains(b.ID) {
		t.Error("Expected forgotten session to leave the pool")
	}
	if !conn.Exists(b.ID) {
		t.Error("Forget must not delete remotely")
	}
}

func TestCreateFailure(t *testing.T) {
	p, conn, _ := newTestPool(t, nil)
	conn.CreateErr = errors.New("host down")

	_, err := p.Acquire(context.Background(), "explore", "parent", "a")
	if err == nil || !strings.Contains(err.Error(), "session creation failed") {
		t.Errorf("Expected creation failure, got %v", err)
	}
	if p.Stats().TotalSessions != 0 {
		t.Error("Expected no session tracked after failure")
	}
}

func TestShutdown_DeletesAll(t *testing.T) {
	p, conn, _ := newTestPool(t, nil)
	ctx := context.Background()
	p.Start()

	a, _ := p.Acquire(ctx, "explore", "parent", "a")
	b, _ := p.Acquire(ctx, "build", "parent", "b")
	p.Release(ctx, a.ID)

	p.Shutdown(ctx)

	if conn.Exists(a.ID) || conn.Exists(b.ID) {
		t.Error("Expected all sessions deleted on shutdown")
	}
	if p.Stats().TotalSessions != 0 {
		t.Error("Expected empty pool after shutdown")
	}
}
