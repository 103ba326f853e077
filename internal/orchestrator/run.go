package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/go-company/internal/bus"
	"github.com/basket/go-company/internal/launcher"
	"github.com/basket/go-company/internal/persistence"
	"github.com/basket/go-company/internal/shared"
)

// Hold reasons reported when a task can not be started.
const (
	HoldNoAssignee     = "no_assignee"
	HoldAgentNotFound  = "agent_not_found"
	HoldAgentOffline   = "agent_offline"
	HoldAlreadyRunning = "already_running"
	HoldAgentBusy      = "agent_busy"
)

// HoldError reports why a task stays where it is instead of running.
type HoldError struct {
	TaskID        string
	Reason        string
	CurrentTaskID string // set for agent_busy
}

func (e *HoldError) Error() string {
	if e.CurrentTaskID != "" {
		return fmt.Sprintf("task %s not started: %s (agent busy on %s)", e.TaskID, e.Reason, e.CurrentTaskID)
	}
	return fmt.Sprintf("task %s not started: %s", e.TaskID, e.Reason)
}

// ErrNotStartable is returned when the task's status has no edge to
// in_progress for the requested start.
var ErrNotStartable = errors.New("task is not in a startable status")

var startableStatuses = []persistence.TaskStatus{
	persistence.TaskStatusInbox,
	persistence.TaskStatusPlanned,
	persistence.TaskStatusPending,
}

var roleLabels = map[string]string{
	persistence.RoleTeamLeader: "Team Leader",
	persistence.RoleSenior:     "Senior",
	persistence.RoleJunior:     "Junior",
	persistence.RoleIntern:     "Intern",
}

// StartTask runs taskID with agentID, or with the task's assignee when
// agentID is empty. A *HoldError means the task was left untouched.
func (o *Orchestrator) StartTask(ctx context.Context, taskID, agentID string) error {
	return o.startTask(ctx, taskID, agentID, startableStatuses, "run started")
}

// startRevision relaunches a held review task with its assignee so the
// open memo items get addressed.
func (o *Orchestrator) startRevision(ctx context.Context, taskID string) error {
	return o.startTask(ctx, taskID, "", []persistence.TaskStatus{persistence.TaskStatusReview}, "revision run after review hold")
}

func (o *Orchestrator) startTask(ctx context.Context, taskID, agentID string, from []persistence.TaskStatus, reason string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	agent, err := o.checkStartable(ctx, task, agentID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return errors.New("orchestrator is shutting down")
	}
	o.starting[taskID] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.starting, taskID)
		o.mu.Unlock()
	}()

	assignee := agent.ID
	ok, err := o.store.TransitionTask(ctx, taskID, persistence.TaskStatusInProgress, persistence.TransitionOptions{
		AllowedFrom:     from,
		Reason:          reason,
		AssignedAgentID: &assignee,
		MarkStarted:     true,
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotStartable, taskID)
	}
	if err := o.store.SetAgentStatus(ctx, agent.ID, persistence.AgentWorking, taskID); err != nil {
		o.logger.Warn("mark agent working failed", "agent_id", agent.ID, "error", err)
	}
	// A stale stop request from an earlier run must not swallow this one.
	o.takeStop(taskID)
	o.appendLog(ctx, taskID, fmt.Sprintf("%s started (%s)", agent.Name, reason))

	task.AssignedAgentID = agent.ID
	return o.launch(ctx, task, agent)
}

// checkStartable resolves the agent for a start and applies the hold rules.
func (o *Orchestrator) checkStartable(ctx context.Context, task *persistence.Task, agentID string) (*persistence.Agent, error) {
	if agentID == "" {
		agentID = task.AssignedAgentID
	}
	if agentID == "" {
		return nil, &HoldError{TaskID: task.ID, Reason: HoldNoAssignee}
	}
	agent, err := o.store.GetAgent(ctx, agentID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, &HoldError{TaskID: task.ID, Reason: HoldAgentNotFound}
	}
	if err != nil {
		return nil, err
	}
	if agent.Status == persistence.AgentOffline {
		return nil, &HoldError{TaskID: task.ID, Reason: HoldAgentOffline}
	}
	if o.supervisor.Running(task.ID) {
		return nil, &HoldError{TaskID: task.ID, Reason: HoldAlreadyRunning}
	}
	if agent.Status == persistence.AgentWorking && agent.CurrentTaskID != "" &&
		agent.CurrentTaskID != task.ID && o.supervisor.Running(agent.CurrentTaskID) {
		return nil, &HoldError{TaskID: task.ID, Reason: HoldAgentBusy, CurrentTaskID: agent.CurrentTaskID}
	}
	return agent, nil
}

// launch prepares the working directory and prompt and hands the run to
// the supervisor. Launch failures are folded into a failed completion so
// the task never stays in_progress without a process.
func (o *Orchestrator) launch(ctx context.Context, task *persistence.Task, agent *persistence.Agent) error {
	cfg := o.config()
	sess := o.sessions.Ensure(ctx, task.ID, agent.ID, agent.Provider)

	projectPath, baseBranch := o.projectLocation(ctx, task)
	workDir := projectPath
	worktreeBranch := ""
	if o.worktrees != nil && projectPath != "" {
		info, ok, err := o.worktrees.Create(ctx, task.ID, projectPath, baseBranch)
		switch {
		case err != nil:
			o.logger.Warn("worktree create failed, running in project dir", "task_id", task.ID, "error", err)
			o.appendLog(ctx, task.ID, fmt.Sprintf("Git worktree unavailable, running in project directory: %v", err))
		case ok:
			workDir = info.Dir
			worktreeBranch = info.Branch
			o.appendLog(ctx, task.ID, fmt.Sprintf("Git worktree created: %s (branch: %s)", info.Dir, info.Branch))
		}
	}
	if workDir == "" {
		workDir = filepath.Join(cfg.HomeDir, "workspace")
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			o.failStart(ctx, task, agent, fmt.Errorf("create workspace: %w", err))
			return nil
		}
	}

	prompt := o.buildPrompt(ctx, task, agent, sess.ID, worktreeBranch)
	l, err := o.launchers.Get(agent.Provider)
	if err != nil {
		o.failStart(ctx, task, agent, err)
		return nil
	}
	provider := agent.Provider
	if provider == "" {
		provider = "default"
	}
	spec := launcher.Spec{
		TaskID:      task.ID,
		AgentID:     agent.ID,
		SessionID:   sess.ID,
		Provider:    agent.Provider,
		Prompt:      prompt,
		WorkDir:     workDir,
		LogPath:     launcher.TaskLogPath(cfg.HomeDir, task.ID),
		IdleTimeout: shared.Millis(cfg.Execution.IdleTimeoutSeconds * 1000),
		HardTimeout: shared.Millis(cfg.Execution.HardTimeoutSeconds * 1000),
	}
	o.appendLog(ctx, task.ID, fmt.Sprintf("RUN start (agent=%s, provider=%s)", agent.Name, provider))
	o.logger.Info("run starting", "task_id", task.ID, "agent_id", agent.ID, "provider", provider, "workdir", workDir)

	taskID := task.ID
	started := time.Now()
	o.metrics.RunStarted(ctx, provider)
	err = o.supervisor.Start(o.baseCtx, l, spec, func(exit launcher.Exit) {
		o.metrics.RunFinished(o.baseCtx, provider, exit.Reason, exit.Success(), time.Since(started))
		o.HandleRunComplete(o.baseCtx, taskID, exit)
	})
	if err != nil {
		o.metrics.RunFinished(ctx, provider, launcher.ReasonExited, false, time.Since(started))
		o.failStart(ctx, task, agent, err)
	}
	return nil
}

// failStart turns a launch that never produced a process into a failed run.
func (o *Orchestrator) failStart(ctx context.Context, task *persistence.Task, agent *persistence.Agent, cause error) {
	o.logger.Error("run launch failed", "task_id", task.ID, "agent_id", agent.ID, "error", cause)
	o.appendLog(ctx, task.ID, fmt.Sprintf("RUN launch failed: %v", cause))
	o.HandleRunComplete(ctx, task.ID, launcher.Exit{Code: -1, Reason: launcher.ReasonExited, Err: cause})
}

func (o *Orchestrator) projectLocation(ctx context.Context, task *persistence.Task) (path, baseBranch string) {
	path, baseBranch = task.ProjectPath, task.BaseBranch
	if task.ProjectID == "" || (path != "" && baseBranch != "") {
		return path, baseBranch
	}
	p, err := o.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return path, baseBranch
	}
	if path == "" {
		path = p.Path
	}
	if baseBranch == "" {
		baseBranch = p.BaseBranch
	}
	return path, baseBranch
}

// buildPrompt assembles the execution prompt handed to the agent.
func (o *Orchestrator) buildPrompt(ctx context.Context, task *persistence.Task, agent *persistence.Agent, sessionID, branch string) string {
	var deptName, deptPrompt string
	if agent.DepartmentID != "" {
		if d, err := o.store.GetDepartment(ctx, agent.DepartmentID); err == nil {
			deptName, deptPrompt = d.Name, strings.TrimSpace(d.Prompt)
		}
	}
	if deptName == "" {
		deptName = "Unassigned"
	}
	role := roleLabels[agent.Role]
	if role == "" {
		role = agent.Role
	}

	var brief string
	if o.review != nil {
		b, err := o.review.RevisionBrief(ctx, task.ID)
		if err != nil {
			o.logger.Warn("load revision brief failed", "task_id", task.ID, "error", err)
		}
		brief = strings.TrimSpace(b)
	}

	parts := []string{
		fmt.Sprintf("[Task Session] id=%s owner=%s provider=%s", sessionID, agent.ID, agent.Provider),
		"This session is scoped to this task only. Keep context continuity inside this task session and do not mix with other projects.",
		"[Task] " + task.Title,
	}
	if d := strings.TrimSpace(task.Description); d != "" {
		parts = append(parts, d)
	}
	if brief != "" {
		parts = append(parts, "[Continuation Brief]\n"+brief,
			"Continuation run: keep ownership, skip greetings and kickoff narration, and execute the unresolved review items immediately.")
	} else {
		parts = append(parts, "Execute directly without long preamble and keep messages concise.")
	}
	if conv := o.conversationContext(ctx, agent.ID); conv != "" {
		parts = append(parts, conv)
	}
	parts = append(parts, "---", fmt.Sprintf("Agent: %s (%s, %s)", agent.Name, role, deptName))
	if p := strings.TrimSpace(agent.Personality); p != "" {
		parts = append(parts, "Personality: "+p)
	}
	if agent.DepartmentID != "" {
		parts = append(parts, fmt.Sprintf("[Department Constraint] You work for %s. Stay within its responsibilities; work owned by other departments is delegated as subtasks.", deptName))
	}
	if deptPrompt != "" {
		parts = append(parts, "[Department Shared Prompt]\n"+deptPrompt)
	}
	if branch != "" {
		parts = append(parts, fmt.Sprintf("NOTE: You are working in an isolated Git worktree branch (%s). Commit your changes normally.", branch))
	}
	parts = append(parts, "Please complete the task above thoroughly. Use the continuation brief and conversation context above if relevant.")
	return strings.Join(parts, "\n\n")
}

func (o *Orchestrator) conversationContext(ctx context.Context, agentID string) string {
	msgs, err := o.store.RecentAgentMessages(ctx, agentID, 10)
	if err != nil || len(msgs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[Recent Conversation]")
	for _, m := range msgs {
		who := m.SenderType
		if m.SenderID != "" {
			who = m.SenderID
		}
		line := strings.Join(strings.Fields(m.Content), " ")
		fmt.Fprintf(&b, "\n- %s: %s", who, shared.Truncate(line, 200))
	}
	return b.String()
}

// HandleRunComplete is the single completion path of every agent run.
func (o *Orchestrator) HandleRunComplete(ctx context.Context, taskID string, exit launcher.Exit) {
	if o.isClosing() {
		return
	}
	task, err := o.store.GetTask(ctx, taskID)
	stopMode, stopRequested := o.takeStop(taskID)
	if err != nil || stopRequested || task.Status != persistence.TaskStatusInProgress {
		if err == nil {
			mode := stopMode
			if mode == "" {
				mode = "none"
			}
			requested := "no"
			if stopRequested {
				requested = "yes"
			}
			o.appendLog(ctx, taskID, fmt.Sprintf("RUN completion ignored (status=%s, exit=%d, stop_requested=%s, stop_mode=%s)",
				task.Status, exit.Code, requested, mode))
			if !(stopRequested && stopMode == StopPause) {
				o.clearWorkflowState(ctx, taskID, task.Status)
			}
		}
		return
	}

	cfg := o.config()
	logPath := launcher.TaskLogPath(cfg.HomeDir, taskID)
	success := exit.Success()
	if exit.TimedOut() {
		limit := cfg.Execution.IdleTimeoutSeconds
		if exit.Reason == launcher.ReasonHardTimeout {
			limit = cfg.Execution.HardTimeoutSeconds
		}
		o.appendLog(ctx, taskID, fmt.Sprintf("RUN TIMEOUT (reason=%s, limit=%ds)", exit.Reason, limit))
	}
	if success {
		o.appendLog(ctx, taskID, fmt.Sprintf("RUN completed (exit code: %d)", exit.Code))
	} else {
		o.appendLog(ctx, taskID, fmt.Sprintf("RUN failed (exit code: %d, reason: %s)", exit.Code, exit.Reason))
	}
	if result := launcher.TailFile(logPath, cfg.Execution.ResultTailChars); result != "" {
		if err := o.store.SetTaskResult(ctx, taskID, result); err != nil {
			o.logger.Warn("store run result failed", "task_id", taskID, "error", err)
		}
	}
	o.logger.Info("run finished", "task_id", taskID, "code", exit.Code, "reason", exit.Reason)

	if success {
		o.completeRun(ctx, task, logPath)
		return
	}
	o.failRun(ctx, task, exit, logPath)
}

func (o *Orchestrator) completeRun(ctx context.Context, task *persistence.Task, logPath string) {
	if n, err := o.store.CompleteLocalSubtasks(ctx, task.ID, task.DepartmentID); err != nil {
		o.logger.Warn("complete local subtasks failed", "task_id", task.ID, "error", err)
	} else if n > 0 {
		o.appendLog(ctx, task.ID, fmt.Sprintf("Auto-completed %d same-department subtask(s)", n))
	}
	if task.AssignedAgentID != "" {
		if err := o.store.ReleaseAgent(ctx, task.AssignedAgentID, task.ID, true); err != nil {
			o.logger.Warn("release agent failed", "agent_id", task.AssignedAgentID, "error", err)
		}
	}
	ok, err := o.store.TransitionTask(ctx, task.ID, persistence.TaskStatusReview, persistence.TransitionOptions{
		AllowedFrom: []persistence.TaskStatus{persistence.TaskStatusInProgress},
		Reason:      "run completed",
	})
	if err != nil || !ok {
		o.logger.Warn("move to review skipped", "task_id", task.ID, "moved", ok, "error", err)
		return
	}

	if task.IsDelegatedChild() {
		o.appendLog(ctx, task.ID, "Status → review (delegated collaboration task waiting for parent consolidation)")
		o.notifyCEO(task.ID, task.ProjectID, "",
			fmt.Sprintf("'%s' collaboration child task is now waiting in Review. It will be consolidated in the parent task's review meeting.", task.Title))
		if o.queue != nil {
			o.queue.ChildFinished(ctx, task.ID, true, "")
		}
		return
	}
	o.appendLog(ctx, task.ID, "Status → review (team leader review pending)")

	if o.queue != nil {
		if pending, err := o.queue.HasPending(ctx, task); err == nil && pending {
			if _, err := o.queue.Start(ctx, task.ID); err != nil {
				o.logger.Error("start subtask delegation failed", "task_id", task.ID, "error", err)
			}
		}
	}

	if leader := o.leaderOf(ctx, task); leader != nil {
		o.notifyCEO(task.ID, task.ProjectID, leader.ID, fmt.Sprintf("%s is reviewing the result for '%s'.", leader.Name, task.Title))
		report := fmt.Sprintf("CEO, reporting completion for '%s'.", task.Title)
		if body := launcher.TailFile(logPath, o.config().Execution.ReportTailChars); strings.TrimSpace(body) != "" {
			report += "\n\nResult:\n..." + strings.TrimSpace(body)
		} else {
			report += " The work has been finished successfully."
		}
		o.sendReport(ctx, leader, task, report)
	}

	taskID := task.ID
	o.after(0, func(ctx context.Context) {
		if err := o.FinishReview(ctx, taskID, FinishOptions{Trigger: "run_completed"}); err != nil {
			o.logger.Error("finish review failed", "task_id", taskID, "error", err)
		}
	})
}

func (o *Orchestrator) failRun(ctx context.Context, task *persistence.Task, exit launcher.Exit, logPath string) {
	if task.AssignedAgentID != "" {
		if err := o.store.ReleaseAgent(ctx, task.AssignedAgentID, task.ID, false); err != nil {
			o.logger.Warn("release agent failed", "agent_id", task.AssignedAgentID, "error", err)
		}
	}
	ok, err := o.store.TransitionTask(ctx, task.ID, persistence.TaskStatusInbox, persistence.TransitionOptions{
		AllowedFrom: []persistence.TaskStatus{persistence.TaskStatusInProgress},
		Reason:      "run failed",
	})
	if err != nil || !ok {
		o.logger.Warn("move to inbox skipped", "task_id", task.ID, "moved", ok, "error", err)
	}

	if o.worktrees != nil {
		if _, had := o.worktrees.Get(task.ID); had {
			if err := o.worktrees.Discard(ctx, task.ID); err != nil {
				o.logger.Warn("discard worktree failed", "task_id", task.ID, "error", err)
			} else {
				o.appendLog(ctx, task.ID, "Worktree cleaned up (task failed)")
			}
		}
	}

	if leader := o.leaderOf(ctx, task); leader != nil {
		report := fmt.Sprintf("CEO, '%s' failed with an issue (exit code: %d).", task.Title, exit.Code)
		if body := strings.TrimSpace(launcher.TailFile(logPath, o.config().Execution.ReportTailChars)); body != "" {
			report += "\n\nError:\n..." + body + "\n\nPlease reassign the agent or revise the task, then try again."
		} else {
			report += " Please reassign the agent or revise the task, then try again."
		}
		o.sendReport(ctx, leader, task, report)
	}
	o.notifyCEO(task.ID, task.ProjectID, "", fmt.Sprintf("Task '%s' failed (exit code: %d).", task.Title, exit.Code))

	if exit.TimedOut() {
		o.bus.Publish(bus.TopicDecisionInbox, bus.DecisionInboxEvent{
			DecisionID: timeoutDecisionID(task.ID),
			Kind:       KindTimeoutResume,
			Summary:    fmt.Sprintf("'%s' stopped after a %s", task.Title, strings.ReplaceAll(exit.Reason, "_", " ")),
		})
	}

	if task.IsDelegatedChild() && o.queue != nil {
		o.queue.ChildFinished(ctx, task.ID, false, "")
	}
}
