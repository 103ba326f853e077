package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/basket/go-company/internal/persistence"
)

// Decision kinds.
const (
	KindProjectReview = "project_review_ready"
	KindReviewRound   = "review_round"
	KindTimeoutResume = "task_timeout_resume"
)

// Decision option actions.
const (
	ActionStartProjectReview = "start_project_review"
	ActionKeepWaiting        = "keep_waiting"
	ActionApproveAndFinalize = "approve_and_finalize"
	ActionSupplementRound    = "open_supplement_round"
	ActionRunNextRound       = "run_next_round"
	ActionResumeTimeoutTask  = "resume_timeout_task"
	ActionKeepInbox          = "keep_inbox"
)

const (
	projectDecisionPrefix = "project-review-ready:"
	roundDecisionPrefix   = "review-round:"
	timeoutDecisionPrefix = "task-timeout-resume:"
)

func projectDecisionID(projectID string) string { return projectDecisionPrefix + projectID }

func roundDecisionID(taskID string, round int) string {
	return fmt.Sprintf("%s%s:%d", roundDecisionPrefix, taskID, round)
}

func timeoutDecisionID(taskID string) string { return timeoutDecisionPrefix + taskID }

type DecisionOption struct {
	Number int    `json:"number"`
	Action string `json:"action"`
	Label  string `json:"label"`
}

// Decision is one item of the operator's decision inbox. Items are derived
// from durable state on every read.
type Decision struct {
	ID        string           `json:"id"`
	Kind      string           `json:"kind"`
	Summary   string           `json:"summary"`
	TaskID    string           `json:"task_id,omitempty"`
	ProjectID string           `json:"project_id,omitempty"`
	Round     int              `json:"round,omitempty"`
	Options   []DecisionOption `json:"options"`
	CreatedAt int64            `json:"created_at"`
}

// DecisionError is a reply rejection with a stable code and HTTP status.
type DecisionError struct {
	Status int
	Code   string
	Extra  map[string]any
}

func (e *DecisionError) Error() string { return e.Code }

func decisionErr(status int, code string, extra map[string]any) *DecisionError {
	return &DecisionError{Status: status, Code: code, Extra: extra}
}

// DecisionReply reports the effect of an accepted reply.
type DecisionReply struct {
	DecisionID string `json:"decision_id"`
	Action     string `json:"action"`
	Started    bool   `json:"started,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Tasks      int    `json:"tasks,omitempty"`
}

// Decisions lists the decision inbox, newest first.
func (o *Orchestrator) Decisions(ctx context.Context) ([]Decision, error) {
	var out []Decision

	ready, err := o.store.ListReadyProjects(ctx)
	if err != nil {
		return nil, err
	}
	for _, rp := range ready {
		waiting, err := o.gatedProjectReviews(ctx, rp.ProjectID)
		if err != nil {
			return nil, err
		}
		if len(waiting) == 0 {
			continue
		}
		out = append(out, Decision{
			ID:        projectDecisionID(rp.ProjectID),
			Kind:      KindProjectReview,
			ProjectID: rp.ProjectID,
			Summary: fmt.Sprintf("Project '%s' has all %d active tasks in Review. Start the team-lead review meetings?",
				rp.ProjectName, rp.Gate.ActiveTotal),
			Options: []DecisionOption{
				{Number: 1, Action: ActionStartProjectReview, Label: "Start project review"},
				{Number: 2, Action: ActionKeepWaiting, Label: "Keep waiting"},
			},
			CreatedAt: rp.UpdatedAt,
		})
	}

	rounds, err := o.store.ListEscalatedRounds(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range rounds {
		task, err := o.store.GetTask(ctx, r.TaskID)
		if err != nil || task.Status != persistence.TaskStatusReview {
			continue
		}
		out = append(out, Decision{
			ID:      roundDecisionID(r.TaskID, r.Round),
			Kind:    KindReviewRound,
			TaskID:  r.TaskID,
			Round:   r.Round,
			Summary: fmt.Sprintf("Review of '%s' has no consensus after round %d (%s).", task.Title, r.Round, summarizeDecisions(r.Decisions)),
			Options: []DecisionOption{
				{Number: 1, Action: ActionApproveAndFinalize, Label: "Approve and finalize"},
				{Number: 2, Action: ActionSupplementRound, Label: "Open a supplement round"},
				{Number: 3, Action: ActionRunNextRound, Label: "Run the next review round"},
			},
			CreatedAt: r.UpdatedAt,
		})
	}

	timedOut, err := o.store.ListTimedOutInboxTasks(ctx, 200)
	if err != nil {
		return nil, err
	}
	for _, t := range timedOut {
		out = append(out, Decision{
			ID:      timeoutDecisionID(t.ID),
			Kind:    KindTimeoutResume,
			TaskID:  t.ID,
			Summary: fmt.Sprintf("'%s' stopped on a run timeout and waits in the inbox. Resume it?", t.Title),
			Options: []DecisionOption{
				{Number: 1, Action: ActionResumeTimeoutTask, Label: "Resume the task"},
				{Number: 2, Action: ActionKeepInbox, Label: "Keep it in the inbox"},
			},
			CreatedAt: t.TimeoutAt,
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

// gatedProjectReviews returns the root review tasks of a project that wait on
// the project decision. Tasks with an escalated round have their own item.
func (o *Orchestrator) gatedProjectReviews(ctx context.Context, projectID string) ([]persistence.Task, error) {
	tasks, err := o.store.ListTasks(ctx, persistence.TaskFilter{
		Statuses:  []persistence.TaskStatus{persistence.TaskStatusReview},
		ProjectID: projectID,
		RootOnly:  true,
	})
	if err != nil {
		return nil, err
	}
	var out []persistence.Task
	for _, t := range tasks {
		latest, err := o.store.LatestReviewRound(ctx, t.ID)
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			return nil, err
		}
		if latest != nil && latest.Status == persistence.RoundEscalated {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func summarizeDecisions(decisions map[string]string) string {
	keys := make([]string, 0, len(decisions))
	for k := range decisions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+decisions[k])
	}
	return strings.Join(parts, ", ")
}

// ReplyDecision applies the operator's choice to a decision inbox item.
// Rejections are *DecisionError.
func (o *Orchestrator) ReplyDecision(ctx context.Context, decisionID string, option int, note string) (*DecisionReply, error) {
	if !strings.HasPrefix(decisionID, projectDecisionPrefix) &&
		!strings.HasPrefix(decisionID, roundDecisionPrefix) &&
		!strings.HasPrefix(decisionID, timeoutDecisionPrefix) {
		return nil, decisionErr(http.StatusBadRequest, "unknown_decision_id", nil)
	}
	items, err := o.Decisions(ctx)
	if err != nil {
		return nil, err
	}
	var item *Decision
	for i := range items {
		if items[i].ID == decisionID {
			item = &items[i]
			break
		}
	}
	if item == nil {
		return nil, decisionErr(http.StatusNotFound, "decision_not_found", nil)
	}
	if len(item.Options) == 0 {
		return nil, decisionErr(http.StatusConflict, "decision_options_not_ready", map[string]any{"kind": item.Kind})
	}
	var chosen *DecisionOption
	for i := range item.Options {
		if item.Options[i].Number == option {
			chosen = &item.Options[i]
			break
		}
	}
	if chosen == nil {
		return nil, decisionErr(http.StatusBadRequest, "option_not_found", map[string]any{"option_number": option})
	}

	note = strings.TrimSpace(note)
	reply := &DecisionReply{DecisionID: decisionID, Action: chosen.Action}
	switch item.Kind {
	case KindProjectReview:
		err = o.replyProjectReview(ctx, item, chosen.Action, note, reply)
	case KindReviewRound:
		err = o.replyReviewRound(ctx, item, chosen.Action, note, reply)
	case KindTimeoutResume:
		err = o.replyTimeoutResume(ctx, item, chosen.Action, note, reply)
	default:
		err = decisionErr(http.StatusBadRequest, "unknown_decision_id", nil)
	}
	if err != nil {
		return nil, err
	}
	o.logger.Info("decision inbox reply", "decision_id", decisionID, "action", chosen.Action)
	return reply, nil
}

func (o *Orchestrator) logNote(ctx context.Context, taskID, note string) {
	if note != "" {
		o.appendLog(ctx, taskID, "Decision note: "+note)
	}
}

func (o *Orchestrator) replyProjectReview(ctx context.Context, item *Decision, action, note string, reply *DecisionReply) error {
	tasks, err := o.gatedProjectReviews(ctx, item.ProjectID)
	if err != nil {
		return err
	}
	reply.Tasks = len(tasks)
	for _, t := range tasks {
		o.logNote(ctx, t.ID, note)
		if action == ActionKeepWaiting {
			o.appendLog(ctx, t.ID, "Decision inbox: project review kept waiting by CEO")
			continue
		}
		o.appendLog(ctx, t.ID, "Decision inbox: project review started by CEO")
		taskID := t.ID
		o.after(0, func(ctx context.Context) {
			if err := o.FinishReview(ctx, taskID, FinishOptions{BypassProjectGate: true, Trigger: "decision_inbox"}); err != nil {
				o.logger.Error("project review failed", "task_id", taskID, "error", err)
			}
		})
	}
	reply.Started = action == ActionStartProjectReview && len(tasks) > 0
	return nil
}

func (o *Orchestrator) replyReviewRound(ctx context.Context, item *Decision, action, note string, reply *DecisionReply) error {
	o.logNote(ctx, item.TaskID, note)
	if err := o.review.Resolve(ctx, item.TaskID, item.Round, action, action == ActionApproveAndFinalize); err != nil {
		return err
	}
	taskID := item.TaskID
	switch action {
	case ActionApproveAndFinalize:
		o.appendLog(ctx, taskID, fmt.Sprintf("Decision inbox: review round %d approved by CEO", item.Round))
		o.after(0, func(ctx context.Context) {
			if err := o.finalize(ctx, taskID); err != nil {
				o.logger.Error("finalize after decision failed", "task_id", taskID, "error", err)
			}
		})
		reply.Started = true
	case ActionSupplementRound:
		started, reason, err := o.openSupplementRound(ctx, taskID, "Decision inbox")
		if err != nil {
			return err
		}
		reply.Started, reply.Reason = started, reason
	case ActionRunNextRound:
		o.appendLog(ctx, taskID, fmt.Sprintf("Decision inbox: round %d closed by CEO, running another round", item.Round))
		o.scheduleNextReviewRound(taskID, item.Round)
		reply.Started = true
	}
	return nil
}

// openSupplementRound moves a reviewed task back to pending and relaunches
// it with its assignee when possible. Blocked delegations are reopened so
// the run re-delegates them.
func (o *Orchestrator) openSupplementRound(ctx context.Context, taskID, prefix string) (bool, string, error) {
	ok, err := o.store.TransitionTask(ctx, taskID, persistence.TaskStatusPending, persistence.TransitionOptions{
		AllowedFrom: []persistence.TaskStatus{persistence.TaskStatusReview},
		Reason:      "supplement round",
	})
	if err != nil {
		return false, "", err
	}
	if !ok {
		return false, "", decisionErr(http.StatusConflict, "task_not_in_review", nil)
	}
	o.appendLog(ctx, taskID, prefix+": supplement round opened (review -> pending)")

	subs, err := o.store.ListSubtasks(ctx, taskID)
	if err == nil {
		for _, st := range subs {
			if st.Status == persistence.SubtaskBlocked && st.DelegatedTaskID != "" {
				if err := o.store.ReopenBlockedDelegatedSubtask(ctx, st.ID); err != nil {
					o.logger.Warn("reopen blocked subtask failed", "subtask_id", st.ID, "error", err)
				}
			}
		}
	}

	err = o.StartTask(ctx, taskID, "")
	var hold *HoldError
	if errors.As(err, &hold) {
		detail := hold.Reason
		if hold.CurrentTaskID != "" {
			detail = "agent busy on " + hold.CurrentTaskID
		}
		o.appendLog(ctx, taskID, fmt.Sprintf("%s: supplement round pending (%s)", prefix, detail))
		return false, hold.Reason, nil
	}
	if err != nil {
		return false, "", err
	}
	o.appendLog(ctx, taskID, prefix+": supplement round execution started")
	return true, "started", nil
}

func (o *Orchestrator) replyTimeoutResume(ctx context.Context, item *Decision, action, note string, reply *DecisionReply) error {
	task, err := o.store.GetTask(ctx, item.TaskID)
	if errors.Is(err, persistence.ErrNotFound) {
		return decisionErr(http.StatusNotFound, "task_not_found", nil)
	}
	if err != nil {
		return err
	}
	o.logNote(ctx, task.ID, note)
	if action == ActionKeepInbox {
		o.appendLog(ctx, task.ID, "Decision inbox: timeout task kept in inbox by CEO")
		return nil
	}
	if task.Status != persistence.TaskStatusInbox {
		return decisionErr(http.StatusConflict, "task_not_in_inbox", map[string]any{"status": string(task.Status)})
	}
	if _, err := o.checkStartable(ctx, task, ""); err != nil {
		return holdToDecisionErr(err)
	}
	o.appendLog(ctx, task.ID, "Decision inbox: timeout resume approved by CEO")
	if err := o.StartTask(ctx, task.ID, ""); err != nil {
		return holdToDecisionErr(err)
	}
	reply.Started = true
	return nil
}

func holdToDecisionErr(err error) error {
	var hold *HoldError
	if !errors.As(err, &hold) {
		return err
	}
	switch hold.Reason {
	case HoldNoAssignee:
		return decisionErr(http.StatusConflict, "task_has_no_assigned_agent", nil)
	case HoldAgentNotFound:
		return decisionErr(http.StatusNotFound, "agent_not_found", nil)
	case HoldAgentBusy:
		return decisionErr(http.StatusConflict, "agent_busy", map[string]any{"current_task_id": hold.CurrentTaskID})
	default:
		return decisionErr(http.StatusConflict, hold.Reason, nil)
	}
}

// ParseRoundDecisionID splits a review-round decision id. It is exported
// for surfaces that link a decision back to its task.
func ParseRoundDecisionID(id string) (taskID string, round int, ok bool) {
	rest, found := strings.CutPrefix(id, roundDecisionPrefix)
	if !found {
		return "", 0, false
	}
	i := strings.LastIndex(rest, ":")
	if i <= 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(rest[i+1:])
	if err != nil {
		return "", 0, false
	}
	return rest[:i], n, true
}
