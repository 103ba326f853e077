package orchestrator

import (
	"context"
	"errors"

	"github.com/basket/go-company/internal/persistence"
	"github.com/basket/go-company/internal/worktree"
)

// RecoveryReport summarizes startup recovery.
type RecoveryReport struct {
	Requeued    int   `json:"requeued"`
	AgentsReset int64 `json:"agents_reset"`
	Worktrees   int   `json:"worktrees"`
	Queues      int   `json:"queues"`
}

// Recover rebuilds in-memory state after a restart. No agent process
// survives a restart, so every in_progress task goes back to the inbox.
func (o *Orchestrator) Recover(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	tasks, err := o.store.ListTasks(ctx, persistence.TaskFilter{Statuses: []persistence.TaskStatus{
		persistence.TaskStatusInProgress,
		persistence.TaskStatusReview,
		persistence.TaskStatusPending,
	}})
	if err != nil {
		return rep, err
	}

	targets := make([]worktree.RecoverTarget, 0, len(tasks))
	for _, t := range tasks {
		targets = append(targets, worktree.RecoverTarget{TaskID: t.ID, ProjectPath: t.ProjectPath, BaseBranch: t.BaseBranch})
		if t.Status != persistence.TaskStatusInProgress || o.supervisor.Running(t.ID) || o.supervisor.Settling(t.ID) {
			continue
		}
		if o.requeue(ctx, t.ID, "RUN interrupted by restart") {
			rep.Requeued++
		}
	}

	n, err := o.store.ResetWorkingAgents(ctx)
	if err != nil {
		return rep, err
	}
	rep.AgentsReset = n
	if o.worktrees != nil {
		rep.Worktrees = o.worktrees.Recover(ctx, targets)
	}
	if o.queue != nil {
		rep.Queues = o.queue.Recover(ctx)
	}
	o.logger.Info("recovery complete", "requeued", rep.Requeued, "agents_reset", rep.AgentsReset,
		"worktrees", rep.Worktrees, "queues", rep.Queues)
	return rep, nil
}

func (o *Orchestrator) requeue(ctx context.Context, taskID, line string) bool {
	ok, err := o.store.TransitionTask(ctx, taskID, persistence.TaskStatusInbox, persistence.TransitionOptions{
		AllowedFrom: []persistence.TaskStatus{persistence.TaskStatusInProgress},
		Reason:      "no live process",
	})
	if err != nil {
		o.logger.Warn("requeue task failed", "task_id", taskID, "error", err)
		return false
	}
	if ok {
		o.appendLog(ctx, taskID, line)
	}
	return ok
}

// SweepOrphans requeues in_progress tasks that have no live process and are
// neither being started nor completing. It returns the number requeued.
func (o *Orchestrator) SweepOrphans(ctx context.Context) int {
	tasks, err := o.store.ListTasks(ctx, persistence.TaskFilter{Statuses: []persistence.TaskStatus{persistence.TaskStatusInProgress}})
	if err != nil {
		o.logger.Error("orphan sweep failed", "error", err)
		return 0
	}
	n := 0
	for _, t := range tasks {
		if o.supervisor.Running(t.ID) || o.supervisor.Settling(t.ID) || o.isStarting(t.ID) {
			continue
		}
		if o.requeue(ctx, t.ID, "RUN interrupted (no live process found by recovery sweep)") {
			if t.AssignedAgentID != "" {
				_ = o.store.ReleaseAgent(ctx, t.AssignedAgentID, t.ID, false)
			}
			n++
		}
	}
	if n > 0 {
		o.logger.Warn("orphaned runs requeued", "count", n)
	}
	return n
}

func (o *Orchestrator) isStarting(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.starting[taskID]
}

// RetryReviews pushes stalled review tasks forward: tasks whose subtasks and
// children are all settled get another FinishReview, tasks held for a
// revision get their revision run. Tasks waiting on a decision are left
// alone. It returns the number of tasks acted on.
func (o *Orchestrator) RetryReviews(ctx context.Context) int {
	tasks, err := o.store.ListTasks(ctx, persistence.TaskFilter{
		Statuses: []persistence.TaskStatus{persistence.TaskStatusReview},
		RootOnly: true,
	})
	if err != nil {
		o.logger.Error("review retry sweep failed", "error", err)
		return 0
	}
	n := 0
	for _, t := range tasks {
		if o.isReviewing(t.ID) || (o.queue != nil && o.queue.InFlight(t.ID)) {
			continue
		}
		latest, err := o.store.LatestReviewRound(ctx, t.ID)
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			continue
		}
		if latest == nil && t.ProjectID != "" {
			continue // waiting for the project decision
		}
		if latest != nil && latest.Status == persistence.RoundEscalated {
			continue
		}
		subs, err := o.store.ListSubtasks(ctx, t.ID)
		if err != nil || unfinished(subs) > 0 {
			continue
		}
		if ready, total, err := o.childProgress(ctx, t.ID); err != nil || ready < total {
			continue
		}
		task := t
		if latest != nil && latest.Status == persistence.RoundHold {
			o.continueAfterHold(ctx, &task, latest.Round)
		} else if err := o.FinishReview(ctx, t.ID, FinishOptions{Trigger: "review_retry_sweep"}); err != nil {
			o.logger.Warn("review retry failed", "task_id", t.ID, "error", err)
			continue
		}
		n++
	}
	return n
}

func (o *Orchestrator) isReviewing(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reviewing[taskID]
}
