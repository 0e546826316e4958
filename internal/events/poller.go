package events

import (
	"context"
	"sync"
	"time"

	"github.com/fentz26/swarm/internal/connectors"
	"github.com/fentz26/swarm/internal/models"
	"github.com/fentz26/swarm/internal/taskstore"
	"github.com/hashicorp/go-hclog"
)

const maxProgressMessage = 100

// Poller completes tasks whose idle signal was missed. It runs while any
// task is pending or running and stops itself otherwise.
type Poller struct {
	conn    connectors.Connector
	store   *taskstore.Store
	handler *Handler
	cleaner *Cleaner
	opts    Options
	logger  hclog.Logger

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	now func() time.Time
}

// NewPoller creates a stopped poller.
func NewPoller(conn connectors.Connector, store *taskstore.Store, handler *Handler, cleaner *Cleaner, opts Options, logger hclog.Logger) *Poller {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		conn:    conn,
		store:   store,
		handler: handler,
		cleaner: cleaner,
		opts:    opts.withDefaults(),
		logger:  logger.Named("poller"),
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}
}

// Start begins polling unless already running.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.ctx.Err() != nil {
		return
	}
	p.running = true
	p.wg.Add(1)
	go p.loop()
}

// Stop ends polling for good.
func (p *Poller) Stop() {
	p.cancel()
	p.wg.Wait()
}

// IsRunning reports whether the poll loop is active.
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			p.mu.Lock()
			p.running = false
			p.mu.Unlock()
			return
		case <-ticker.C:
			p.Poll(p.ctx)
			if p.idleExit() {
				p.logger.Debug("no active tasks, polling stopped")
				return
			}
		}
	}
}

// idleExit clears the running flag when no task is active. The check runs
// under the same lock as Start so a launch never falls between them.
func (p *Poller) idleExit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hasActive() {
		return false
	}
	p.running = false
	return true
}

func (p *Poller) hasActive() bool {
	for _, t := range p.store.GetAll() {
		if !t.Status.IsTerminal() {
			return true
		}
	}
	return false
}

// Poll runs one pass: expire old tasks, then complete running tasks whose
// session is idle or whose output has been stable long enough.
func (p *Poller) Poll(ctx context.Context) {
	p.cleaner.PruneExpired(ctx)

	running := p.store.GetRunning()
	if len(running) == 0 {
		return
	}

	statuses, err := p.conn.Status(ctx)
	if err != nil {
		p.logger.Warn("status poll failed", "error", err)
		return
	}

	for _, task := range running {
		elapsed := p.now().Sub(task.StartedAt)

		if statuses[task.SessionID] == models.SessionIdle {
			if elapsed < p.opts.MinStability {
				continue
			}
			if p.handler.hasOutput(ctx, task.SessionID) {
				p.handler.Complete(ctx, task.ID)
			}
			continue
		}

		stable := p.updateProgress(ctx, task.ID, task.SessionID)
		if elapsed >= p.opts.MinStability && stable >= p.opts.StablePolls && p.handler.hasOutput(ctx, task.SessionID) {
			p.logger.Debug("task output stable, completing", "task", task.ID, "polls", stable)
			p.handler.Complete(ctx, task.ID)
		}
	}
}

// updateProgress refreshes the task's progress snapshot and returns its
// stable-poll count.
func (p *Poller) updateProgress(ctx context.Context, id, sessionID string) int {
	msgs, err := p.conn.Messages(ctx, sessionID)
	if err != nil {
		p.logger.Debug("progress lookup failed", "task", id, "error", err)
		return 0
	}

	progress := &models.Progress{LastUpdate: p.now()}
	for _, m := range msgs {
		if m.Role != "assistant" {
			continue
		}
		for _, part := range m.Parts {
			if part.Type == models.PartToolUse || part.Tool != "" {
				progress.ToolCalls++
				progress.LastTool = part.Tool
				if progress.LastTool == "" {
					progress.LastTool = part.Name
				}
			}
			if part.Type == models.PartText && part.Text != "" {
				progress.LastMessage = part.Text
			}
		}
	}
	if r := []rune(progress.LastMessage); len(r) > maxProgressMessage {
		progress.LastMessage = string(r[:maxProgressMessage])
	}

	stable := 0
	p.store.Update(id, func(t *models.Task) {
		t.Progress = progress
		if t.LastMsgCount == len(msgs) {
			t.StablePolls++
		} else {
			t.StablePolls = 0
		}
		t.LastMsgCount = len(msgs)
		stable = t.StablePolls
	})
	return stable
}
