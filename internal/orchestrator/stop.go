package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/go-company/internal/persistence"
)

// Stop modes.
const (
	StopPause  = "pause"
	StopCancel = "cancel"
)

var (
	ErrInvalidStopMode = errors.New("stop mode must be pause or cancel")
	ErrTaskFinished    = errors.New("task already finished")
	ErrNotPaused       = errors.New("task is not paused")
)

// StopResult reports what Stop did.
type StopResult struct {
	TaskID string                 `json:"task_id"`
	Mode   string                 `json:"mode"`
	Status persistence.TaskStatus `json:"status"`
	Killed bool                   `json:"killed"`
}

// Stop halts a task. The stop request is recorded before the process tree
// is killed so the run's completion is ignored. pause keeps the workflow
// state for Resume; cancel discards the worktree and closes the session.
func (o *Orchestrator) Stop(ctx context.Context, taskID, mode string) (StopResult, error) {
	if mode != StopPause && mode != StopCancel {
		return StopResult{}, ErrInvalidStopMode
	}
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return StopResult{}, err
	}
	if task.Status.IsTerminal() {
		return StopResult{}, fmt.Errorf("%w: %s is %s", ErrTaskFinished, taskID, task.Status)
	}

	o.recordStop(taskID, mode)
	o.appendLog(ctx, taskID, fmt.Sprintf("RUN stop requested (mode=%s)", mode))
	killed := o.supervisor.Kill(taskID, "stop_"+mode)
	if !killed {
		// No run will complete, so nothing needs ignoring.
		o.takeStop(taskID)
	}
	res := StopResult{TaskID: taskID, Mode: mode, Killed: killed}

	target, reason := persistence.TaskStatusPending, "paused by operator"
	if mode == StopCancel {
		target, reason = persistence.TaskStatusCancelled, "cancelled by operator"
	}
	if task.Status != target {
		if _, err := o.store.TransitionTask(ctx, taskID, target, persistence.TransitionOptions{Reason: reason}); err != nil {
			return res, err
		}
	}
	res.Status = target
	o.appendLog(ctx, taskID, fmt.Sprintf("Status → %s (%s)", target, reason))
	if task.AssignedAgentID != "" {
		if err := o.store.ReleaseAgent(ctx, task.AssignedAgentID, taskID, false); err != nil {
			o.logger.Warn("release agent failed", "agent_id", task.AssignedAgentID, "error", err)
		}
	}

	if mode == StopCancel {
		if err := o.store.CancelOpenMeetings(ctx, taskID); err != nil {
			o.logger.Warn("cancel open meetings failed", "task_id", taskID, "error", err)
		}
		if o.worktrees != nil {
			if _, had := o.worktrees.Get(taskID); had {
				if err := o.worktrees.Discard(ctx, taskID); err != nil {
					o.logger.Warn("discard worktree failed", "task_id", taskID, "error", err)
				} else {
					o.appendLog(ctx, taskID, "Worktree cleaned up (task cancelled)")
				}
			}
		}
		if !killed {
			o.clearWorkflowState(ctx, taskID, target)
		}
		if task.IsDelegatedChild() && o.queue != nil {
			o.queue.ChildCancelled(ctx, taskID)
		}
	}
	o.logger.Info("task stopped", "task_id", taskID, "mode", mode, "killed", killed)
	return res, nil
}

// Resume re-runs a paused task with its assignee.
func (o *Orchestrator) Resume(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != persistence.TaskStatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotPaused, taskID, task.Status)
	}
	o.appendLog(ctx, taskID, "RUN resume requested")
	return o.StartTask(ctx, taskID, "")
}
