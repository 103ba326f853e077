package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/go-company/internal/bus"
	"github.com/basket/go-company/internal/persistence"
	"github.com/basket/go-company/internal/review"
	"github.com/basket/go-company/internal/shared"
	"github.com/basket/go-company/internal/worktree"
)

// FinishOptions tunes a FinishReview call.
type FinishOptions struct {
	// BypassProjectGate skips the project-level decision gate, as when the
	// operator starts the project review from the decision inbox.
	BypassProjectGate bool
	Trigger           string
}

// FinishReview moves a task in review towards done: it applies the project
// gate and the subtask gates, runs the next consensus round and finalizes
// approved work. A call for a task whose review is already running is
// replayed once the running one returns.
func (o *Orchestrator) FinishReview(ctx context.Context, taskID string, opts FinishOptions) error {
	if !o.beginReview(taskID, opts) {
		return nil
	}
	defer o.endReview(taskID)

	task, err := o.store.GetTask(ctx, taskID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if task.Status != persistence.TaskStatusReview {
		return nil
	}
	root := !task.IsDelegatedChild()

	if root && task.ProjectID != "" {
		if opts.BypassProjectGate {
			trigger := opts.Trigger
			if trigger == "" {
				trigger = "manual"
			}
			o.appendLog(ctx, taskID, fmt.Sprintf("Review gate bypassed (trigger=%s)", trigger))
		} else {
			return o.holdAtProjectGate(ctx, task)
		}
	}

	subs, err := o.healDelegatedSubtasks(ctx, task)
	if err != nil {
		return err
	}
	if open := unfinished(subs); open > 0 {
		o.appendLog(ctx, taskID, fmt.Sprintf("Review hold: waiting for %d unfinished subtasks", open))
		o.notifyCEO(taskID, task.ProjectID, "",
			fmt.Sprintf("'%s' is waiting for %d unfinished subtask(s) before review can complete.", task.Title, open))
		return nil
	}

	if root {
		ready, total, err := o.childProgress(ctx, taskID)
		if err != nil {
			return err
		}
		if ready < total {
			o.appendLog(ctx, taskID, fmt.Sprintf("Review hold: waiting for collaboration children to reach review (%d/%d)", ready, total))
			o.notifyCEO(taskID, task.ProjectID, "",
				fmt.Sprintf("'%s' is waiting for %d collaboration child task(s) to reach review before the team-lead meeting starts.", task.Title, total-ready))
			return nil
		}
	} else {
		o.appendLog(ctx, taskID, "Review consensus skipped for delegated collaboration task")
		return o.finalize(ctx, taskID)
	}

	latest, err := o.store.LatestReviewRound(ctx, taskID)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return err
	}
	if latest != nil && latest.Status == persistence.RoundEscalated {
		o.appendLog(ctx, taskID, fmt.Sprintf("Review hold: round %d escalated to the decision inbox", latest.Round))
		return nil
	}
	if latest != nil && (latest.Status == persistence.RoundApproved ||
		(latest.Status == persistence.RoundResolved && latest.Resolution == ActionApproveAndFinalize)) {
		// Approved earlier but the merge did not land.
		o.appendLog(ctx, taskID, fmt.Sprintf("Review round %d already approved, retrying finalization", latest.Round))
		return o.finalize(ctx, taskID)
	}
	round, err := o.review.NextRound(ctx, taskID)
	if err != nil {
		return err
	}
	out, err := o.review.RunMeeting(ctx, *task, round)
	if err != nil {
		return fmt.Errorf("review meeting round %d: %w", round, err)
	}
	o.metrics.ReviewRound(ctx, out.Mode, string(out.Verdict))

	switch out.Verdict {
	case review.VerdictApproved:
		o.appendLog(ctx, taskID, fmt.Sprintf("Review round %d: all leaders approved", round))
		return o.finalize(ctx, taskID)
	case review.VerdictEscalate:
		o.appendLog(ctx, taskID, fmt.Sprintf("Review round %d: no consensus at the round cap, escalated to the decision inbox", round))
		o.notifyCEO(taskID, task.ProjectID, "",
			fmt.Sprintf("Review of '%s' has no consensus after %d rounds. A decision is waiting in the Decision Inbox.", task.Title, round))
		return nil
	default:
		o.appendLog(ctx, taskID, fmt.Sprintf("Review round %d: hold with %d open memo item(s)", round, len(out.OpenItems)))
		o.continueAfterHold(ctx, task, round)
		return nil
	}
}

func (o *Orchestrator) beginReview(taskID string, opts FinishOptions) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.reviewing[taskID] {
		o.rerun[taskID] = opts
		return false
	}
	o.reviewing[taskID] = true
	return true
}

func (o *Orchestrator) endReview(taskID string) {
	o.mu.Lock()
	delete(o.reviewing, taskID)
	opts, again := o.rerun[taskID]
	delete(o.rerun, taskID)
	o.mu.Unlock()
	if !again {
		return
	}
	o.after(0, func(ctx context.Context) {
		if err := o.FinishReview(ctx, taskID, opts); err != nil {
			o.logger.Error("replayed finish review failed", "task_id", taskID, "error", err)
		}
	})
}

func (o *Orchestrator) holdAtProjectGate(ctx context.Context, task *persistence.Task) error {
	snap, err := o.store.ProjectGate(ctx, task.ProjectID)
	if err != nil {
		return err
	}
	o.appendLog(ctx, task.ID, fmt.Sprintf("Review gate: waiting for project-level decision (%d/%d active tasks in review)",
		snap.ActiveReview, snap.ActiveTotal))
	if !snap.Ready() {
		return nil
	}
	interval := int64(o.config().Review.GateNotifyIntervalSeconds) * 1000
	claimed, err := o.store.ClaimProjectGateNotice(ctx, task.ProjectID, interval)
	if err != nil || !claimed {
		return err
	}
	name := task.ProjectID
	if p, err := o.store.GetProject(ctx, task.ProjectID); err == nil && strings.TrimSpace(p.Name) != "" {
		name = strings.TrimSpace(p.Name)
	}
	o.notifyCEO(task.ID, task.ProjectID, "", fmt.Sprintf(
		"[CEO OFFICE] Project '%s' now has all %d active tasks in Review. Approve from Decision Inbox to start team-lead review meetings.",
		name, snap.ActiveTotal))
	o.bus.Publish(bus.TopicDecisionInbox, bus.DecisionInboxEvent{
		DecisionID: projectDecisionID(task.ProjectID),
		Kind:       KindProjectReview,
		Summary:    fmt.Sprintf("Project '%s' is ready for review (%d tasks)", name, snap.ActiveTotal),
	})
	return nil
}

// healDelegatedSubtasks marks done the blocked subtasks whose delegated
// child has since reached review or done, and returns the fresh list.
func (o *Orchestrator) healDelegatedSubtasks(ctx context.Context, task *persistence.Task) ([]persistence.Subtask, error) {
	subs, err := o.store.ListSubtasks(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	healed := 0
	for i, st := range subs {
		if st.Status != persistence.SubtaskBlocked || st.DelegatedTaskID == "" {
			continue
		}
		child, err := o.store.GetTask(ctx, st.DelegatedTaskID)
		if err != nil || (child.Status != persistence.TaskStatusReview && child.Status != persistence.TaskStatusDone) {
			continue
		}
		if err := o.store.SetSubtaskStatus(ctx, st.ID, persistence.SubtaskDone, ""); err != nil {
			o.logger.Warn("heal delegated subtask failed", "subtask_id", st.ID, "error", err)
			continue
		}
		subs[i].Status = persistence.SubtaskDone
		healed++
	}
	if healed > 0 {
		o.appendLog(ctx, task.ID, fmt.Sprintf("Review gate auto-heal: recovered %d blocked delegated subtask(s) after successful resume", healed))
	}
	return subs, nil
}

func unfinished(subs []persistence.Subtask) int {
	n := 0
	for _, st := range subs {
		if st.Status != persistence.SubtaskDone {
			n++
		}
	}
	return n
}

// childProgress counts the live collaboration children of a root task and
// how many of them reached review or done. Cancelled children are ignored.
func (o *Orchestrator) childProgress(ctx context.Context, taskID string) (ready, total int, err error) {
	children, err := o.store.ListTasks(ctx, persistence.TaskFilter{SourceTaskID: taskID})
	if err != nil {
		return 0, 0, err
	}
	for _, c := range children {
		switch c.Status {
		case persistence.TaskStatusCancelled:
			continue
		case persistence.TaskStatusReview, persistence.TaskStatusDone:
			ready++
		}
		total++
	}
	return ready, total, nil
}

// continueAfterHold starts the revision run that addresses the memo. With
// no assignee the next round is scheduled directly.
func (o *Orchestrator) continueAfterHold(ctx context.Context, task *persistence.Task, round int) {
	err := o.startRevision(ctx, task.ID)
	if err == nil {
		o.appendLog(ctx, task.ID, fmt.Sprintf("Review round %d: revision run started (review -> in_progress)", round))
		return
	}
	var hold *HoldError
	if errors.As(err, &hold) && hold.Reason == HoldNoAssignee {
		o.scheduleNextReviewRound(task.ID, round)
		return
	}
	if errors.As(err, &hold) {
		o.appendLog(ctx, task.ID, fmt.Sprintf("Review hold: revision run pending (%s)", hold.Reason))
		return
	}
	o.logger.Error("start revision run failed", "task_id", task.ID, "error", err)
}

// scheduleNextReviewRound holds the following meeting after a short pause.
func (o *Orchestrator) scheduleNextReviewRound(taskID string, round int) {
	cfg := o.config().Review
	delay := shared.RandomDelay(shared.Millis(cfg.NextRoundDelayMinMs), shared.Millis(cfg.NextRoundDelayMaxMs))
	o.appendLog(context.Background(), taskID, fmt.Sprintf("Review round %d: scheduling round %d finalization meeting", round, round+1))
	o.after(delay, func(ctx context.Context) {
		if err := o.FinishReview(ctx, taskID, FinishOptions{BypassProjectGate: true, Trigger: "next_round"}); err != nil {
			o.logger.Error("next review round failed", "task_id", taskID, "error", err)
		}
	})
}

// finalize merges (or publishes) the task's worktree and closes the task.
// A merge conflict keeps the task in review with its worktree intact.
func (o *Orchestrator) finalize(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != persistence.TaskStatusReview {
		return nil
	}
	merged, err := o.mergeWork(ctx, task)
	if err != nil {
		return err
	}
	if !merged {
		return nil
	}

	ok, err := o.store.TransitionTask(ctx, taskID, persistence.TaskStatusDone, persistence.TransitionOptions{
		AllowedFrom:   []persistence.TaskStatus{persistence.TaskStatusReview},
		Reason:        "all leaders approved",
		MarkCompleted: true,
	})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := o.store.MarkTaskCreationCompleted(ctx, taskID); err != nil {
		o.logger.Warn("mark creation audit completed failed", "task_id", taskID, "error", err)
	}
	o.appendLog(ctx, taskID, "Status → done (all leaders approved)")
	o.sessions.End(ctx, taskID, "task_done")
	o.mu.Lock()
	delete(o.stops, taskID)
	o.mu.Unlock()

	from := ""
	leaderName := "Team Lead"
	if leader := o.leaderOf(ctx, task); leader != nil {
		from, leaderName = leader.ID, leader.Name
	}
	o.notifyCEO(taskID, task.ProjectID, from, fmt.Sprintf("%s: '%s' is complete and approved.", leaderName, task.Title))
	o.logger.Info("task finalized", "task_id", taskID)

	if task.IsDelegatedChild() {
		if o.queue != nil {
			o.queue.ChildFinished(ctx, taskID, true, "")
		}
		return nil
	}
	children, err := o.store.ListTasks(ctx, persistence.TaskFilter{
		SourceTaskID: taskID,
		Statuses:     []persistence.TaskStatus{persistence.TaskStatusReview},
	})
	if err != nil {
		return err
	}
	if len(children) > 0 {
		o.appendLog(ctx, taskID, fmt.Sprintf("Finalization: closing %d collaboration child task(s) after parent review", len(children)))
	}
	for _, c := range children {
		if err := o.FinishReview(ctx, c.ID, FinishOptions{Trigger: "parent_finalized"}); err != nil {
			o.logger.Warn("close collaboration child failed", "task_id", c.ID, "error", err)
		}
	}
	return nil
}

// mergeWork lands the task branch. It reports false when the task has to
// stay in review (conflict or git failure).
func (o *Orchestrator) mergeWork(ctx context.Context, task *persistence.Task) (bool, error) {
	if o.worktrees == nil {
		return true, nil
	}
	info, ok := o.worktrees.Get(task.ID)
	if !ok {
		return true, nil
	}

	if repo := o.githubRepo(ctx, task); repo != "" && o.publisher != nil {
		res, err := o.worktrees.Publish(ctx, task.ID, o.publisher, o.config().Hosting.Remote, worktree.PullRequest{
			Repo:  repo,
			Title: task.Title,
			Body:  fmt.Sprintf("%s\n\nTask: %s", strings.TrimSpace(task.Description), task.ID),
		})
		if err != nil {
			o.appendLog(ctx, task.ID, fmt.Sprintf("Pull request failed: %v", err))
			o.mergeHold(ctx, task, info, nil)
			return false, nil
		}
		if !res.Skipped {
			o.appendLog(ctx, task.ID, fmt.Sprintf("Pull request opened: %s", res.URL))
		}
		return true, nil
	}

	res, err := o.worktrees.Merge(ctx, task.ID)
	if err != nil {
		o.appendLog(ctx, task.ID, fmt.Sprintf("Git merge failed: %v", err))
		o.mergeHold(ctx, task, info, nil)
		return false, nil
	}
	if len(res.Conflicts) > 0 {
		o.appendLog(ctx, task.ID, fmt.Sprintf("Git merge failed: conflicts in %d file(s)", len(res.Conflicts)))
		o.mergeHold(ctx, task, info, res.Conflicts)
		return false, nil
	}
	if res.Merged {
		o.appendLog(ctx, task.ID, fmt.Sprintf("Git merge completed: %s into %s", info.Branch, res.Into))
		o.appendLog(ctx, task.ID, "Worktree cleaned up after successful merge")
	}
	return true, nil
}

func (o *Orchestrator) githubRepo(ctx context.Context, task *persistence.Task) string {
	if task.ProjectID == "" {
		return ""
	}
	p, err := o.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(p.GitHubRepo)
}

func (o *Orchestrator) mergeHold(ctx context.Context, task *persistence.Task, info worktree.Info, conflicts []string) {
	leaderName := "Team Lead"
	from := ""
	if leader := o.leaderOf(ctx, task); leader != nil {
		leaderName, from = leader.Name, leader.ID
	}
	msg := fmt.Sprintf("%s: Merge conflict while merging '%s'. Manual resolution is required.", leaderName, task.Title)
	if len(conflicts) > 0 {
		msg += "\nConflicting files: " + strings.Join(conflicts, ", ")
	}
	msg += "\nBranch: " + info.Branch
	o.notifyCEO(task.ID, task.ProjectID, from, msg)
	o.appendLog(ctx, task.ID, "Review hold: merge pending (worktree kept for manual resolution)")
}
