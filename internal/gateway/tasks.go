package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/basket/go-company/internal/audit"
	"github.com/basket/go-company/internal/ingress"
	"github.com/basket/go-company/internal/orchestrator"
	"github.com/basket/go-company/internal/persistence"
)

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := persistence.TaskFilter{
		ProjectID: q.Get("project_id"),
		AgentID:   q.Get("agent_id"),
		RootOnly:  q.Get("root_only") == "true",
		Limit:     queryLimit(r, 100, 1000),
	}
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := persistence.TaskStatus(strings.TrimSpace(part))
			if !st.Valid() {
				writeError(w, http.StatusBadRequest, "invalid_status", map[string]any{"status": string(st)})
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	tasks, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		s.internalError(w, r, "list tasks", err)
		return
	}
	if tasks == nil {
		tasks = []persistence.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

type createTaskRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	DepartmentID string `json:"department_id"`
	AgentID      string `json:"agent_id"`
	ProjectID    string `json:"project_id"`
	Priority     int    `json:"priority"`
	TaskType     string `json:"task_type"`
}

// handleCreateTask creates an inbox task. A task with an assignee is started
// right away; a hold leaves it in the inbox and is reported as "hold".
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := s.schemas.decode(r, "task_create", &req); err != nil {
		s.writeDecodeError(w, err)
		return
	}
	ctx := r.Context()
	task := persistence.Task{
		Title:           strings.TrimSpace(req.Title),
		Description:     req.Description,
		DepartmentID:    req.DepartmentID,
		AssignedAgentID: req.AgentID,
		ProjectID:       req.ProjectID,
		Priority:        req.Priority,
		TaskType:        req.TaskType,
	}
	if task.Title == "" {
		writeError(w, http.StatusBadRequest, "title_required", nil)
		return
	}
	if req.AgentID != "" {
		agent, err := s.store.GetAgent(ctx, req.AgentID)
		if errors.Is(err, persistence.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "agent_not_found", nil)
			return
		}
		if err != nil {
			s.internalError(w, r, "get agent", err)
			return
		}
		if task.DepartmentID == "" {
			task.DepartmentID = agent.DepartmentID
		}
	}
	if req.ProjectID != "" {
		project, err := s.store.GetProject(ctx, req.ProjectID)
		if errors.Is(err, persistence.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "project_not_found", nil)
			return
		}
		if err != nil {
			s.internalError(w, r, "get project", err)
			return
		}
		task.ProjectPath = project.Path
		task.BaseBranch = project.BaseBranch
	}

	created, err := s.store.CreateTask(ctx, task)
	if err != nil {
		s.internalError(w, r, "create task", err)
		return
	}
	meta := ingress.MetaFromRequest(r, "/api/tasks", nil)
	if err := s.store.RecordTaskCreation(ctx, created, persistence.TaskCreationAudit{
		Trigger:        "api_create",
		ActorType:      persistence.SenderCEO,
		RequestID:      meta.RequestID,
		RequestIP:      meta.RequestIP,
		UserAgent:      meta.UserAgent,
		PayloadHash:    audit.PayloadHash(req),
		PayloadPreview: created.Title,
	}); err != nil {
		s.logger.Warn("record task creation failed", "task_id", created.ID, "error", err)
	}

	out := map[string]any{"ok": true, "task": created}
	if created.AssignedAgentID != "" {
		err := s.orch.StartTask(ctx, created.ID, "")
		var hold *orchestrator.HoldError
		switch {
		case errors.As(err, &hold):
			out["hold"] = hold.Reason
		case err != nil:
			s.logger.Warn("start created task failed", "task_id", created.ID, "error", err)
		default:
			out["started"] = true
		}
		if fresh, err := s.store.GetTask(ctx, created.ID); err == nil {
			out["task"] = fresh
		}
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	subtasks, err := s.store.ListSubtasks(r.Context(), task.ID)
	if err != nil {
		s.internalError(w, r, "list subtasks", err)
		return
	}
	if subtasks == nil {
		subtasks = []persistence.Subtask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task, "subtasks": subtasks})
}

type runTaskRequest struct {
	AgentID string `json:"agent_id"`
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	var req runTaskRequest
	if err := s.schemas.decode(r, "task_run", &req); err != nil {
		s.writeDecodeError(w, err)
		return
	}
	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	err := s.orch.StartTask(r.Context(), task.ID, req.AgentID)
	var hold *orchestrator.HoldError
	switch {
	case errors.As(err, &hold):
		extra := map[string]any{}
		if hold.CurrentTaskID != "" {
			extra["current_task_id"] = hold.CurrentTaskID
		}
		writeError(w, holdStatus(hold.Reason), hold.Reason, extra)
	case errors.Is(err, orchestrator.ErrNotStartable):
		writeError(w, http.StatusConflict, "task_not_startable", map[string]any{"status": string(task.Status)})
	case err != nil:
		s.internalError(w, r, "start task", err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "task_id": task.ID})
	}
}

func holdStatus(reason string) int {
	switch reason {
	case orchestrator.HoldNoAssignee, orchestrator.HoldAgentNotFound:
		return http.StatusBadRequest
	default:
		return http.StatusConflict
	}
}

type stopTaskRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	var req stopTaskRequest
	if err := s.schemas.decode(r, "task_stop", &req); err != nil {
		s.writeDecodeError(w, err)
		return
	}
	if req.Mode == "" {
		req.Mode = orchestrator.StopCancel
	}
	res, err := s.orch.Stop(r.Context(), r.PathValue("id"), req.Mode)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		writeError(w, http.StatusNotFound, "task_not_found", nil)
	case errors.Is(err, orchestrator.ErrInvalidStopMode):
		writeError(w, http.StatusBadRequest, "invalid_mode", nil)
	case errors.Is(err, orchestrator.ErrTaskFinished):
		writeError(w, http.StatusConflict, "task_already_finished", nil)
	case err != nil:
		s.internalError(w, r, "stop task", err)
	default:
		audit.Record("allow", "task.stop", req.Mode, actor(r), res.TaskID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "stop": res})
	}
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	err := s.orch.Resume(r.Context(), r.PathValue("id"))
	var hold *orchestrator.HoldError
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		writeError(w, http.StatusNotFound, "task_not_found", nil)
	case errors.Is(err, orchestrator.ErrNotPaused):
		writeError(w, http.StatusConflict, "task_not_paused", nil)
	case errors.As(err, &hold):
		extra := map[string]any{}
		if hold.CurrentTaskID != "" {
			extra["current_task_id"] = hold.CurrentTaskID
		}
		writeError(w, holdStatus(hold.Reason), hold.Reason, extra)
	case err != nil:
		s.internalError(w, r, "resume task", err)
	default:
		audit.Record("allow", "task.resume", "", actor(r), r.PathValue("id"))
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "task_id": r.PathValue("id")})
	}
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	logs, err := s.store.ListTaskLogs(r.Context(), task.ID, queryLimit(r, 200, 2000))
	if err != nil {
		s.internalError(w, r, "list task logs", err)
		return
	}
	if logs == nil {
		logs = []persistence.TaskLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) handleListSubtasks(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	subtasks, err := s.store.ListSubtasks(r.Context(), task.ID)
	if err != nil {
		s.internalError(w, r, "list subtasks", err)
		return
	}
	if subtasks == nil {
		subtasks = []persistence.Subtask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"subtasks": subtasks})
}

type createSubtaskRequest struct {
	Title              string `json:"title"`
	Description        string `json:"description"`
	TargetDepartmentID string `json:"target_department_id"`
}

func (s *Server) handleCreateSubtask(w http.ResponseWriter, r *http.Request) {
	var req createSubtaskRequest
	if err := s.schemas.decode(r, "subtask_create", &req); err != nil {
		s.writeDecodeError(w, err)
		return
	}
	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	if task.Status.IsTerminal() {
		writeError(w, http.StatusConflict, "task_already_finished", nil)
		return
	}
	if req.TargetDepartmentID != "" {
		if _, err := s.store.GetDepartment(r.Context(), req.TargetDepartmentID); errors.Is(err, persistence.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "department_not_found", nil)
			return
		}
	}
	st, err := s.store.CreateSubtask(r.Context(), persistence.Subtask{
		TaskID:             task.ID,
		Title:              strings.TrimSpace(req.Title),
		Description:        req.Description,
		TargetDepartmentID: req.TargetDepartmentID,
	})
	if err != nil {
		s.internalError(w, r, "create subtask", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "subtask": st})
}

func (s *Server) lookupTask(w http.ResponseWriter, r *http.Request) (*persistence.Task, bool) {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task_not_found", nil)
		return nil, false
	}
	if err != nil {
		s.internalError(w, r, "get task", err)
		return nil, false
	}
	return task, true
}
