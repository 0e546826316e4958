package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/swarm/internal/models"
	"github.com/hashicorp/go-hclog"
)

// JobFunc is one run of a job. It returns the number of items it handled.
type JobFunc func(ctx context.Context) int

// JobStats describes the runs of one job.
type JobStats struct {
	Name         string        `json:"name"`
	Every        time.Duration `json:"every"`
	Runs         int           `json:"runs"`
	Handled      int           `json:"handled"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
}

type job struct {
	name  string
	every time.Duration
	fn    JobFunc
	stats JobStats
}

// Scheduler runs registered jobs on their own tickers.
type Scheduler struct {
	logger hclog.Logger

	mu      sync.Mutex
	jobs    []*job
	running bool

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new scheduler.
func New(logger hclog.Logger) *Scheduler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger: logger.Named("scheduler"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers a job. Jobs with a non-positive interval are ignored. Jobs
// added after Start begin immediately.
func (sch *Scheduler) Add(name string, every time.Duration, fn JobFunc) {
	if every <= 0 || fn == nil {
		return
	}
	j := &job{name: name, every: every, fn: fn, stats: JobStats{Name: name, Every: every}}

	sch.mu.Lock()
	defer sch.mu.Unlock()
	sch.jobs = append(sch.jobs, j)
	if sch.running {
		sch.startLocked(j)
	}
}

// Start begins every job loop.
func (sch *Scheduler) Start() {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	if sch.running {
		return
	}
	sch.running = true
	for _, j := range sch.jobs {
		sch.startLocked(j)
	}
	sch.logger.Info("scheduler started", "jobs", len(sch.jobs))
}

func (sch *Scheduler) startLocked(j *job) {
	sch.wg.Add(1)
	go sch.loop(j)
}

// Stop gracefully stops the scheduler, waiting for running jobs.
func (sch *Scheduler) Stop() {
	sch.cancel()
	sch.wg.Wait()
	sch.logger.Info("scheduler stopped")
}

func (sch *Scheduler) loop(j *job) {
	defer sch.wg.Done()

	ticker := time.NewTicker(j.every)
	defer ticker.Stop()

	for {
		select {
		case <-sch.ctx.Done():
			return
		case <-ticker.C:
			sch.RunNow(j.name)
		}
	}
}

// RunNow runs the named job once, synchronously. It reports whether the
// job exists.
func (sch *Scheduler) RunNow(name string) bool {
	sch.mu.Lock()
	var j *job
	for _, candidate := range sch.jobs {
		if candidate.name == name {
			j = candidate
			break
		}
	}
	sch.mu.Unlock()
	if j == nil {
		return false
	}

	start := time.Now()
	n := j.fn(sch.ctx)
	elapsed := time.Since(start)

	sch.mu.Lock()
	j.stats.Runs++
	j.stats.Handled += n
	j.stats.LastRun = start
	j.stats.LastDuration = elapsed
	sch.mu.Unlock()

	if n > 0 {
		sch.logger.Debug("job ran", "job", name, "handled", n, "took", elapsed)
	}
	return true
}

// GetStats returns a snapshot of every job, sorted by name.
func (sch *Scheduler) GetStats() []JobStats {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	out := make([]JobStats, 0, len(sch.jobs))
	for _, j := range sch.jobs {
		out = append(out, j.stats)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// --- Jobs ---

// Collector frees memory held by finished tasks.
type Collector interface {
	GC() int
}

// Pruner expires tasks past their lifetime.
type Pruner interface {
	PruneExpired(ctx context.Context) int
}

// MissionRunner lists missions and runs passes.
type MissionRunner interface {
	List(ctx context.Context) ([]models.MissionState, error)
	HandleIdle(ctx context.Context, sessionID string)
}

// GCJob collects finished tasks.
func GCJob(c Collector) JobFunc {
	return func(context.Context) int { return c.GC() }
}

// PruneJob expires tasks past their TTL.
func PruneJob(p Pruner) JobFunc {
	return p.PruneExpired
}

// MissionJob gives every active mission a pass. Busy sessions are skipped
// by the pass itself, so this only moves missions whose idle signal was lost.
func MissionJob(m MissionRunner, logger hclog.Logger) JobFunc {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return func(ctx context.Context) int {
		states, err := m.List(ctx)
		if err != nil {
			logger.Warn("failed to list missions", "error", err)
			return 0
		}
		n := 0
		for _, st := range states {
			if st.Status != models.MissionActive {
				continue
			}
			m.HandleIdle(ctx, st.SessionID)
			n++
		}
		return n
	}
}
