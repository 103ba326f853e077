// Package orchestrator drives tasks through their lifecycle: it starts agent
// runs, folds run completions back into task state, finalizes reviewed work,
// handles operator stops and rebuilds in-memory state after a restart.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-company/internal/bus"
	"github.com/basket/go-company/internal/config"
	"github.com/basket/go-company/internal/delegation"
	"github.com/basket/go-company/internal/launcher"
	"github.com/basket/go-company/internal/otel"
	"github.com/basket/go-company/internal/persistence"
	"github.com/basket/go-company/internal/review"
	"github.com/basket/go-company/internal/session"
	"github.com/basket/go-company/internal/worktree"
)

type Options struct {
	Store      *persistence.Store
	Bus        *bus.Bus
	Config     config.Config
	Logger     *slog.Logger
	Sessions   *session.Manager
	Worktrees  *worktree.Manager
	Launchers  *launcher.Registry
	Supervisor *launcher.Supervisor
	Review     *review.Engine
	Delegation *delegation.Queue
	// Publisher opens pull requests for projects bound to a GitHub repo.
	// Nil means approved work is always merged locally.
	Publisher worktree.Publisher
	Metrics   *otel.Metrics
}

type Orchestrator struct {
	store      *persistence.Store
	bus        *bus.Bus
	logger     *slog.Logger
	sessions   *session.Manager
	worktrees  *worktree.Manager
	launchers  *launcher.Registry
	supervisor *launcher.Supervisor
	review     *review.Engine
	queue      *delegation.Queue
	publisher  worktree.Publisher
	metrics    *otel.Metrics

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	cfg       config.Config
	stops     map[string]string // task id -> stop mode
	starting  map[string]bool
	reviewing map[string]bool
	rerun     map[string]FinishOptions // FinishReview calls that arrived mid-review
	closing   bool
}

func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewManager(opts.Store)
	}
	if opts.Supervisor == nil {
		opts.Supervisor = launcher.NewSupervisor()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:      opts.Store,
		bus:        opts.Bus,
		logger:     opts.Logger.With("component", "orchestrator"),
		sessions:   opts.Sessions,
		worktrees:  opts.Worktrees,
		launchers:  opts.Launchers,
		supervisor: opts.Supervisor,
		review:     opts.Review,
		queue:      opts.Delegation,
		publisher:  opts.Publisher,
		metrics:    opts.Metrics,
		baseCtx:    ctx,
		cancel:     cancel,
		cfg:        opts.Config,
		stops:      make(map[string]string),
		starting:   make(map[string]bool),
		reviewing:  make(map[string]bool),
		rerun:      make(map[string]FinishOptions),
	}
	if o.queue != nil {
		o.queue.SetHooks(delegation.Hooks{
			StartTask: func(ctx context.Context, taskID, agentID string) error {
				return o.StartTask(ctx, taskID, agentID)
			},
			FinishReview: func(ctx context.Context, taskID string) {
				if err := o.FinishReview(ctx, taskID, FinishOptions{Trigger: "delegation_drained"}); err != nil {
					o.logger.Error("finish review after delegation failed", "task_id", taskID, "error", err)
				}
			},
		})
	}
	return o
}

// SetConfig swaps the tunables used by later operations. Runs already in
// flight keep the timeouts they started with.
func (o *Orchestrator) SetConfig(cfg config.Config) {
	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()
}

func (o *Orchestrator) config() config.Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// Sessions exposes the execution session table for status surfaces.
func (o *Orchestrator) Sessions() *session.Manager { return o.sessions }

// Running reports the ids of tasks with a live agent process.
func (o *Orchestrator) Running() []string { return o.supervisor.Active() }

// Close stops scheduling follow-ups and kills live runs. Completions that
// arrive while closing are ignored so the next start requeues the tasks as
// interrupted.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()
	o.cancel()
	if n := o.supervisor.KillAll("shutdown"); n > 0 {
		o.logger.Info("killed live runs on shutdown", "count", n)
	}
	o.wg.Wait()
}

// Wait blocks until no scheduled follow-up is pending or running.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) isClosing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closing
}

// after runs fn on a background goroutine after d, unless the orchestrator
// closes first.
func (o *Orchestrator) after(d time.Duration, fn func(ctx context.Context)) {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()
	go func() {
		defer o.wg.Done()
		if d > 0 {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-o.baseCtx.Done():
				return
			}
		}
		if o.baseCtx.Err() != nil {
			return
		}
		fn(o.baseCtx)
	}()
}

func (o *Orchestrator) appendLog(ctx context.Context, taskID, msg string) {
	if err := o.store.AppendTaskLog(ctx, taskID, persistence.LogSystem, msg); err != nil {
		o.logger.Warn("append task log failed", "task_id", taskID, "error", err)
	}
}

func (o *Orchestrator) notifyCEO(taskID, projectID, fromAgent, msg string) {
	o.bus.Publish(bus.TopicCEONotice, bus.CEONotice{
		TaskID:    taskID,
		ProjectID: projectID,
		FromAgent: fromAgent,
		Message:   msg,
	})
}

// sendReport stores a report message from agent to everyone and announces
// it on the bus.
func (o *Orchestrator) sendReport(ctx context.Context, from *persistence.Agent, task *persistence.Task, content string) {
	msg, err := o.store.InsertMessage(ctx, persistence.Message{
		SenderType:   persistence.SenderAgent,
		SenderID:     from.ID,
		ReceiverType: persistence.ReceiverAll,
		Content:      content,
		MessageType:  persistence.MessageReport,
		TaskID:       task.ID,
		ProjectID:    task.ProjectID,
	})
	if err != nil {
		o.logger.Warn("store leader report failed", "task_id", task.ID, "agent_id", from.ID, "error", err)
		return
	}
	o.bus.Publish(bus.TopicMessageNew, bus.MessageEvent{
		MessageID:   msg.ID,
		SenderType:  msg.SenderType,
		SenderID:    msg.SenderID,
		MessageType: msg.MessageType,
		Content:     msg.Content,
		ProjectID:   msg.ProjectID,
	})
	_ = o.store.AppendTaskLog(ctx, task.ID, persistence.LogReport, fmt.Sprintf("%s: %s", from.Name, content))
}

// leaderOf returns the team leader of the task's department, or nil.
func (o *Orchestrator) leaderOf(ctx context.Context, task *persistence.Task) *persistence.Agent {
	if task.DepartmentID == "" {
		return nil
	}
	leader, err := o.store.FindTeamLeader(ctx, task.DepartmentID)
	if err != nil {
		return nil
	}
	return leader
}

// recordStop marks a stop request so the run's completion is ignored.
func (o *Orchestrator) recordStop(taskID, mode string) {
	o.mu.Lock()
	o.stops[taskID] = mode
	o.mu.Unlock()
}

// takeStop removes and returns the pending stop request of a task.
func (o *Orchestrator) takeStop(taskID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	mode, ok := o.stops[taskID]
	delete(o.stops, taskID)
	return mode, ok
}

// clearWorkflowState drops everything held in memory for a task and closes
// its execution session.
func (o *Orchestrator) clearWorkflowState(ctx context.Context, taskID string, status persistence.TaskStatus) {
	o.mu.Lock()
	delete(o.stops, taskID)
	delete(o.starting, taskID)
	o.mu.Unlock()
	o.sessions.End(ctx, taskID, "workflow_cleared_"+string(status))
}
