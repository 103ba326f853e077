package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/go-company/internal/persistence"
	"github.com/basket/go-company/internal/shared"
)

// ErrNoPlanningLeader is returned when a directive arrives and the planning
// department has no team leader to own it.
var ErrNoPlanningLeader = errors.New("planning department has no team leader")

const directiveTitleMax = 80

// ScheduleDirective delegates a stored directive message to the planning
// team leader after the configured random delay.
func (o *Orchestrator) ScheduleDirective(msg persistence.Message) {
	cfg := o.config().Directives
	delay := shared.RandomDelay(shared.Millis(cfg.DelegateDelayMinMs), shared.Millis(cfg.DelegateDelayMaxMs))
	o.after(delay, func(ctx context.Context) {
		if _, err := o.DelegateDirective(ctx, msg); err != nil {
			o.logger.Error("directive delegation failed", "message_id", msg.ID, "error", err)
		}
	})
}

// DelegateDirective creates the planning task for a directive and starts
// it. A hold on the start is logged on the task and is not an error.
func (o *Orchestrator) DelegateDirective(ctx context.Context, msg persistence.Message) (*persistence.Task, error) {
	cfg := o.config()
	leader, err := o.store.FindTeamLeader(ctx, cfg.Directives.PlanningDepartmentID)
	if errors.Is(err, persistence.ErrNotFound) {
		o.notifyCEO("", msg.ProjectID, "", "Directive received but the planning department has no team leader.")
		return nil, ErrNoPlanningLeader
	}
	if err != nil {
		return nil, err
	}

	content := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(msg.Content), "$"))
	title := content
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = shared.Truncate(strings.TrimSpace(title), directiveTitleMax)
	if title == "" {
		title = "CEO directive"
	}

	projectPath, baseBranch := "", ""
	if msg.ProjectID != "" {
		if p, err := o.store.GetProject(ctx, msg.ProjectID); err == nil {
			projectPath, baseBranch = p.Path, p.BaseBranch
		} else if pc, ok := cfg.Project(msg.ProjectID); ok {
			projectPath, baseBranch = pc.Path, pc.BaseBranch
		}
	}

	task, err := o.store.CreateTask(ctx, persistence.Task{
		Title:           title,
		Description:     content,
		TaskType:        persistence.MessageDirective,
		DepartmentID:    leader.DepartmentID,
		AssignedAgentID: leader.ID,
		ProjectID:       msg.ProjectID,
		ProjectPath:     projectPath,
		BaseBranch:      baseBranch,
	})
	if err != nil {
		return nil, fmt.Errorf("create directive task: %w", err)
	}
	if err := o.store.RecordTaskCreation(ctx, task, persistence.TaskCreationAudit{
		Trigger:        "directive_delegation",
		TriggerDetail:  "message:" + msg.ID,
		ActorType:      persistence.SenderCEO,
		ActorID:        msg.SenderID,
		PayloadHash:    msg.PayloadHash,
		PayloadPreview: msg.Content,
	}); err != nil {
		o.logger.Warn("record task creation failed", "task_id", task.ID, "error", err)
	}
	o.appendLog(ctx, task.ID, fmt.Sprintf("CEO directive delegated to %s", leader.Name))
	o.notifyCEO(task.ID, task.ProjectID, leader.Name, fmt.Sprintf("%s picked up the directive '%s'.", leader.Name, title))

	err = o.StartTask(ctx, task.ID, "")
	var hold *HoldError
	if errors.As(err, &hold) {
		o.appendLog(ctx, task.ID, fmt.Sprintf("Directive waiting in inbox (%s)", hold.Reason))
		return task, nil
	}
	if err != nil {
		return task, err
	}
	return task, nil
}
