// Package sessionpool caches reusable remote sessions per agent category.
package sessionpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/swarm/internal/connectors"
	"github.com/fentz26/swarm/internal/models"
	"github.com/fentz26/swarm/internal/workpool"
	"github.com/hashicorp/go-hclog"
)

// ErrUnknownSession is returned for IDs the pool does not track.
var ErrUnknownSession = errors.New("session not in pool")

// TitlePrefix prefixes the title of every session the pool creates.
const TitlePrefix = "Parallel"

// Config defines the pool policy.
type Config struct {
	MaxPerCategory int           `yaml:"max_per_category"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxReuse       int           `yaml:"max_reuse"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	CreateTimeout  time.Duration `yaml:"create_timeout"`
}

// DefaultConfig returns the default pool policy.
func DefaultConfig() *Config {
	return &Config{
		MaxPerCategory: 10,
		IdleTimeout:    3 * time.Minute,
		MaxReuse:       20,
		SweepInterval:  time.Minute,
		CreateTimeout:  time.Minute,
	}
}

// Stats describes the pool.
type Stats struct {
	TotalSessions     int                      `json:"total_sessions"`
	SessionsInUse     int                      `json:"sessions_in_use"`
	AvailableSessions int                      `json:"available_sessions"`
	ReuseHits         int                      `json:"reuse_hits"`
	CreationMisses    int                      `json:"creation_misses"`
	ByCategory        map[string]CategoryStats `json:"by_category"`
}

// CategoryStats describes one category's sessions.
type CategoryStats struct {
	Total     int `json:"total"`
	InUse     int `json:"in_use"`
	Available int `json:"available"`
}

// Pool hands out sessions, reusing idle ones of the same category.
type Pool struct {
	conn   connectors.Connector
	cfg    Config
	logger hclog.Logger

	mu         sync.Mutex
	sessions   map[string]*models.PooledSession
	byCategory map[string][]string

	reuseHits      int
	creationMisses int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// New creates a pool. Call Start to run the periodic sweep.
func New(conn connectors.Connector, cfg *Config, logger hclog.Logger) *Pool {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	d := DefaultConfig()
	if c.MaxPerCategory <= 0 {
		c.MaxPerCategory = d.MaxPerCategory
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.MaxReuse <= 0 {
		c.MaxReuse = d.MaxReuse
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = d.CreateTimeout
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		conn:       conn,
		cfg:        c,
		logger:     logger.Named("pool"),
		sessions:   make(map[string]*models.PooledSession),
		byCategory: make(map[string][]string),
		ctx:        ctx,
		cancel:     cancel,
		now:        time.Now,
	}
}

// Start begins the periodic idle sweep.
func (p *Pool) Start() {
	p.wg.Add(1)
	go p.sweepLoop()
	p.logger.Info("session pool started", "sweep_interval", p.cfg.SweepInterval)
}

// Stop ends the sweep loop. Sessions are kept; see Shutdown.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(p.ctx)
		}
	}
}

// Acquire returns an idle healthy session of category below the reuse
// ceiling, or creates a new one.
func (p *Pool) Acquire(ctx context.Context, category, parentID, description string) (models.PooledSession, error) {
	p.mu.Lock()
	if s := p.reusableLocked(category); s != nil {
		s.InUse = true
		s.ReuseCount++
		s.LastUsedAt = p.now()
		p.reuseHits++
		out := *s
		p.mu.Unlock()

		p.logger.Debug("reusing session", "session", short(out.ID), "category", category, "reuse", out.ReuseCount)
		return out, nil
	}
	p.creationMisses++
	p.mu.Unlock()

	return p.create(ctx, category, parentID, description)
}

// reusableLocked picks the most recently used candidate so that stale
// sessions age out through the sweep.
func (p *Pool) reusableLocked(category string) *models.PooledSession {
	var best *models.PooledSession
	for _, id := range p.byCategory[category] {
		s := p.sessions[id]
		if s.InUse || s.ReuseCount >= p.cfg.MaxReuse || s.Health == models.SessionDegraded {
			continue
		}
		if best == nil || s.LastUsedAt.After(best.LastUsedAt) {
			best = s
		}
	}
	return best
}

func (p *Pool) create(ctx context.Context, category, parentID, description string) (models.PooledSession, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
	defer cancel()

	id, err := p.conn.Create(ctx, parentID, fmt.Sprintf("%s: %s", TitlePrefix, description))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.PooledSession{}, fmt.Errorf("session creation timed out after %s: %w", p.cfg.CreateTimeout, err)
		}
		return models.PooledSession{}, fmt.Errorf("session creation failed: %w", err)
	}

	now := p.now()
	s := &models.PooledSession{
		ID:              id,
		Category:        category,
		ParentSessionID: parentID,
		CreatedAt:       now,
		LastUsedAt:      now,
		LastResetAt:     now,
		InUse:           true,
		Health:          models.SessionHealthy,
	}

	p.mu.Lock()
	p.sessions[id] = s
	p.byCategory[category] = append(p.byCategory[category], id)
	out := *s
	p.mu.Unlock()

	p.logger.Debug("created session", "session", short(id), "category", category)
	return out, nil
}

// Release returns a session to its category's idle pool. Sessions past
// the reuse ceiling or older than twice the idle timeout are deleted
// instead. When the idle pool is full the least recently used idle
// session is evicted first. The session's context is compacted; a failed
// compaction marks it degraded.
func (p *Pool) Release(ctx context.Context, id string) error {
	p.mu.Lock()
	s, ok := p.sessions[id]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownSession
	}

	now := p.now()
	if s.ReuseCount >= p.cfg.MaxReuse || now.Sub(s.CreatedAt) > 2*p.cfg.IdleTimeout {
		p.removeLocked(id)
		p.mu.Unlock()
		p.logger.Debug("retiring session", "session", short(id))
		p.deleteRemote(ctx, id)
		return nil
	}

	var evict string
	idle := p.idleLocked(s.Category)
	if len(idle) >= p.cfg.MaxPerCategory {
		evict = idle[0].ID
		p.removeLocked(evict)
	}
	p.mu.Unlock()

	if evict != "" {
		p.logger.Debug("evicting idle session", "session", short(evict), "category", s.Category)
		p.deleteRemote(ctx, evict)
	}

	health := models.SessionHealthy
	if err := p.conn.Compact(ctx, id); err != nil {
		p.logger.Warn("session reset failed", "session", short(id), "error", err)
		health = models.SessionDegraded
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok = p.sessions[id]
	if !ok {
		return nil
	}
	now = p.now()
	s.Health = health
	if health == models.SessionHealthy {
		s.LastResetAt = now
	}
	s.LastUsedAt = now
	s.InUse = false
	return nil
}

// idleLocked returns the idle sessions of a category, least recently used first.
func (p *Pool) idleLocked(category string) []*models.PooledSession {
	var idle []*models.PooledSession
	for _, id := range p.byCategory[category] {
		if s := p.sessions[id]; !s.InUse {
			idle = append(idle, s)
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].LastUsedAt.Before(idle[j].LastUsedAt) })
	return idle
}

// Invalidate removes a session from the pool and deletes it remotely.
func (p *Pool) Invalidate(ctx context.Context, id string) error {
	p.mu.Lock()
	_, ok := p.sessions[id]
	if ok {
		p.removeLocked(id)
	}
	p.mu.Unlock()

	if !ok {
		return ErrUnknownSession
	}
	p.deleteRemote(ctx, id)
	p.logger.Debug("invalidated session", "session", short(id))
	return nil
}

// Forget drops a session the host already deleted, without a remote call.
func (p *Pool) Forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sessions[id]; ok {
		p.removeLocked(id)
	}
}

// Contains reports whether the pool tracks a session.
func (p *Pool) Contains(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[id]
	return ok
}

// Sweep deletes idle sessions unused for longer than the idle timeout and
// idle sessions whose last reset failed. It returns the number removed.
func (p *Pool) Sweep(ctx context.Context) int {
	now := p.now()

	p.mu.Lock()
	var stale []string
	for id, s := range p.sessions {
		if s.InUse {
			continue
		}
		if now.Sub(s.LastUsedAt) > p.cfg.IdleTimeout || s.Health == models.SessionDegraded {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		p.removeLocked(id)
	}
	p.mu.Unlock()

	workpool.Run(ctx, stale, 0, func(ctx context.Context, id string) error {
		p.deleteRemote(ctx, id)
		return nil
	})
	if len(stale) > 0 {
		p.logger.Info("cleaned up stale sessions", "count", len(stale))
	}
	return len(stale)
}

// Shutdown stops the sweep and deletes every tracked session, tolerating
// individual failures.
func (p *Pool) Shutdown(ctx context.Context) {
	p.Stop()

	p.mu.Lock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	p.sessions = make(map[string]*models.PooledSession)
	p.byCategory = make(map[string][]string)
	p.mu.Unlock()

	errs := workpool.Run(ctx, ids, 0, func(ctx context.Context, id string) error {
		return p.conn.Delete(ctx, id)
	})
	p.logger.Info("session pool shut down", "sessions", len(ids), "delete_failures", workpool.Failed(errs))
}

// Stats returns pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{
		TotalSessions:  len(p.sessions),
		ReuseHits:      p.reuseHits,
		CreationMisses: p.creationMisses,
		ByCategory:     make(map[string]CategoryStats, len(p.byCategory)),
	}
	for category, ids := range p.byCategory {
		cs := CategoryStats{Total: len(ids)}
		for _, id := range ids {
			if p.sessions[id].InUse {
				cs.InUse++
			}
		}
		cs.Available = cs.Total - cs.InUse
		st.ByCategory[category] = cs
		st.SessionsInUse += cs.InUse
	}
	st.AvailableSessions = st.TotalSessions - st.SessionsInUse
	return st
}

// Sessions returns copies of every tracked session.
func (p *Pool) Sessions() []models.PooledSession {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]models.PooledSession, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (p *Pool) removeLocked(id string) {
	s, ok := p.sessions[id]
	if !ok {
		return
	}
	delete(p.sessions, id)

	ids := p.byCategory[s.Category]
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(p.byCategory, s.Category)
	} else {
		p.byCategory[s.Category] = ids
	}
}

// deleteRemote is best effort; the session may already be gone.
func (p *Pool) deleteRemote(ctx context.Context, id string) {
	if err := p.conn.Delete(ctx, id); err != nil {
		p.logger.Debug("delete session failed", "session", short(id), "error", err)
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
