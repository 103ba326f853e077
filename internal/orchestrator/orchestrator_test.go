package orchestrator_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-company/internal/bus"
	"github.com/basket/go-company/internal/config"
	"github.com/basket/go-company/internal/launcher"
	"github.com/basket/go-company/internal/orchestrator"
	"github.com/basket/go-company/internal/persistence"
	"github.com/basket/go-company/internal/review"
)

// fakeRun ends when the test's scripted exit fires or when killed.
type fakeRun struct {
	once   sync.Once
	onExit func(launcher.Exit)
	done   chan struct{}
}

func (r *fakeRun) finish(exit launcher.Exit) {
	r.once.Do(func() {
		r.onExit(exit)
		close(r.done)
	})
}

func (r *fakeRun) Kill(reason string) {
	go r.finish(launcher.Exit{Code: -1, Reason: launcher.ReasonKilled})
}

func (r *fakeRun) Done() <-chan struct{} { return r.done }

// fakeLauncher pops one scripted exit per launch. With the script drained
// the run stays alive until killed.
type fakeLauncher struct {
	mu    sync.Mutex
	exits []launcher.Exit
	specs []launcher.Spec
	runs  []*fakeRun
}

func (f *fakeLauncher) script(exits ...launcher.Exit) {
	f.mu.Lock()
	f.exits = append(f.exits, exits...)
	f.mu.Unlock()
}

func (f *fakeLauncher) Launch(_ context.Context, spec launcher.Spec, onExit func(launcher.Exit)) (launcher.Handle, error) {
	r := &fakeRun{onExit: onExit, done: make(chan struct{})}
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.runs = append(f.runs, r)
	var exit *launcher.Exit
	if len(f.exits) > 0 {
		e := f.exits[0]
		f.exits = f.exits[1:]
		exit = &e
	}
	f.mu.Unlock()
	if exit != nil {
		if spec.LogPath != "" {
			_ = os.MkdirAll(filepath.Dir(spec.LogPath), 0o755)
			_ = os.WriteFile(spec.LogPath, []byte("implemented the change\n"), 0o644)
		}
		go r.finish(*exit)
	}
	return r, nil
}

// lastRun returns the most recent run so a test can end it by hand.
func (f *fakeLauncher) lastRun() *fakeRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[len(f.runs)-1]
}

func (f *fakeLauncher) launches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

func (f *fakeLauncher) lastSpec() launcher.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[len(f.specs)-1]
}

var (
	exitOK      = launcher.Exit{Code: 0, Reason: launcher.ReasonExited}
	exitFailed  = launcher.Exit{Code: 2, Reason: launcher.ReasonExited}
	exitTimeout = launcher.Exit{Code: -1, Reason: launcher.ReasonIdleTimeout}
)

type scriptedReviewer struct {
	mu      sync.Mutex
	replies map[string][]string // agent id -> replies, LGTM once drained
}

func (s *scriptedReviewer) Opinion(_ context.Context, req review.OpinionRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.replies[req.Leader.ID]
	if len(queue) == 0 {
		return "LGTM, approved.", nil
	}
	s.replies[req.Leader.ID] = queue[1:]
	return queue[0], nil
}

type harness struct {
	store    *persistence.Store
	orch     *orchestrator.Orchestrator
	agents   *fakeLauncher
	reviewer *scriptedReviewer
}

func newHarness(t *testing.T, maxRounds int) *harness {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gocompany.db"), bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Config{
		HomeDir:    t.TempDir(),
		Directives: config.DirectivesConfig{PlanningDepartmentID: "planning"},
		Review:     config.ReviewConfig{MaxRounds: maxRounds, MemoMaxPerDepartment: 3, MemoMaxPerRound: 8},
		Execution: config.ExecutionConfig{
			IdleTimeoutSeconds: 600, HardTimeoutSeconds: 3600, ResultTailChars: 2000, ReportTailChars: 300,
		},
	}
	registry, err := launcher.NewRegistry(nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	h := &harness{store: store, agents: &fakeLauncher{}, reviewer: &scriptedReviewer{replies: map[string][]string{}}}
	registry.Set("fake", h.agents)

	h.orch = orchestrator.New(orchestrator.Options{
		Store:     store,
		Config:    cfg,
		Launchers: registry,
		Review: review.NewEngine(review.Options{
			Store:                store,
			Reviewer:             h.reviewer,
			PlanningDepartmentID: "planning",
			MaxRounds:            maxRounds,
			MemoMaxPerDepartment: 3,
			MemoMaxPerRound:      8,
		}),
	})
	t.Cleanup(h.orch.Close)

	ctx := context.Background()
	for _, d := range []persistence.Department{
		{ID: "planning", Name: "Planning", Priority: 1},
		{ID: "dev", Name: "Development", Priority: 2, Prompt: "Ship working code with tests."},
	} {
		if err := store.UpsertDepartment(ctx, d); err != nil {
			t.Fatalf("department: %v", err)
		}
	}
	for _, a := range []persistence.Agent{
		{ID: "planning-lead", Name: "Sage", DepartmentID: "planning", Role: persistence.RoleTeamLeader, Provider: "fake"},
		{ID: "dev-lead", Name: "Aria", DepartmentID: "dev", Role: persistence.RoleTeamLeader, Provider: "fake"},
		{ID: "dev-senior", Name: "Bolt", DepartmentID: "dev", Role: persistence.RoleSenior, Provider: "fake"},
	} {
		if err := store.UpsertAgent(ctx, a); err != nil {
			t.Fatalf("agent: %v", err)
		}
	}
	return h
}

func (h *harness) task(t *testing.T, tmpl persistence.Task) *persistence.Task {
	t.Helper()
	if tmpl.Title == "" {
		tmpl.Title = "Checkout flow"
	}
	if tmpl.DepartmentID == "" {
		tmpl.DepartmentID = "dev"
	}
	task, err := h.store.CreateTask(context.Background(), tmpl)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (h *harness) waitStatus(t *testing.T, taskID string, want persistence.TaskStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		task, err := h.store.GetTask(context.Background(), taskID)
		if err == nil && task.Status == want {
			return
		}
		if time.Now().After(deadline) {
			got := persistence.TaskStatus("?")
			if task != nil {
				got = task.Status
			}
			t.Fatalf("task %s: want status %s, got %s (logs: %s)", taskID, want, got, h.logText(taskID))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (h *harness) waitLog(t *testing.T, taskID, substr string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(h.logText(taskID), substr) {
		if time.Now().After(deadline) {
			t.Fatalf("task %s: log line %q not found in:\n%s", taskID, substr, h.logText(taskID))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (h *harness) logText(taskID string) string {
	logs, _ := h.store.ListTaskLogs(context.Background(), taskID, 500)
	lines := make([]string, 0, len(logs))
	for _, l := range logs {
		lines = append(lines, l.Message)
	}
	return strings.Join(lines, "\n")
}

func TestStartTask_HoldReasons(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	if err := h.store.UpsertAgent(ctx, persistence.Agent{ID: "dev-away", Name: "Nomad", DepartmentID: "dev",
		Role: persistence.RoleJunior, Provider: "fake"}); err != nil {
		t.Fatalf("agent: %v", err)
	}
	if err := h.store.SetAgentStatus(ctx, "dev-away", persistence.AgentOffline, ""); err != nil {
		t.Fatalf("set offline: %v", err)
	}

	cases := []struct {
		name     string
		assignee string
		want     string
	}{
		{"no assignee", "", orchestrator.HoldNoAssignee},
		{"unknown agent", "ghost", orchestrator.HoldAgentNotFound},
		{"offline agent", "dev-away", orchestrator.HoldAgentOffline},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			task := h.task(t, persistence.Task{AssignedAgentID: tc.assignee})
			err := h.orch.StartTask(ctx, task.ID, "")
			var hold *orchestrator.HoldError
			if !errors.As(err, &hold) || hold.Reason != tc.want {
				t.Fatalf("want hold %s, got %v", tc.want, err)
			}
			got, _ := h.store.GetTask(ctx, task.ID)
			if got.Status != persistence.TaskStatusInbox {
				t.Fatalf("held task moved to %s", got.Status)
			}
		})
	}
	if h.agents.launches() != 0 {
		t.Fatalf("held tasks must not launch, got %d launches", h.agents.launches())
	}
}

func TestStartTask_AgentBusyOnAnotherRun(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	first := h.task(t, persistence.Task{AssignedAgentID: "dev-senior"})
	second := h.task(t, persistence.Task{Title: "Refund flow", AssignedAgentID: "dev-senior"})

	if err := h.orch.StartTask(ctx, first.ID, ""); err != nil {
		t.Fatalf("start first: %v", err)
	}
	err := h.orch.StartTask(ctx, second.ID, "")
	var hold *orchestrator.HoldError
	if !errors.As(err, &hold) || hold.Reason != orchestrator.HoldAgentBusy || hold.CurrentTaskID != first.ID {
		t.Fatalf("want agent_busy on %s, got %v", first.ID, err)
	}
	if err := h.orch.StartTask(ctx, first.ID, ""); !errors.As(err, &hold) || hold.Reason != orchestrator.HoldAlreadyRunning {
		t.Fatalf("want already_running, got %v", err)
	}
}

func TestRun_SuccessReviewsAndFinalizes(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.agents.script(exitOK)
	task := h.task(t, persistence.Task{Description: "Build the checkout page", AssignedAgentID: "dev-senior"})

	if err := h.orch.StartTask(ctx, task.ID, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.waitStatus(t, task.ID, persistence.TaskStatusDone)

	logs := h.logText(task.ID)
	for _, want := range []string{
		"Bolt started (run started)",
		"RUN start (agent=Bolt, provider=fake)",
		"RUN completed (exit code: 0)",
		"Status → review (team leader review pending)",
		"Review round 1: all leaders approved",
		"Status → done (all leaders approved)",
	} {
		if !strings.Contains(logs, want) {
			t.Fatalf("missing log line %q in:\n%s", want, logs)
		}
	}

	spec := h.agents.lastSpec()
	for _, want := range []string{"[Task Session]", "[Task] Checkout flow", "Agent: Bolt (Senior, Development)",
		"[Department Shared Prompt]\nShip working code with tests."} {
		if !strings.Contains(spec.Prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, spec.Prompt)
		}
	}

	got, _ := h.store.GetTask(ctx, task.ID)
	if !strings.Contains(got.Result, "implemented the change") {
		t.Fatalf("expected run transcript tail as result, got %q", got.Result)
	}
	agent, _ := h.store.GetAgent(ctx, "dev-senior")
	if agent.Status != persistence.AgentIdle || agent.StatsTasksDone != 1 {
		t.Fatalf("agent should be idle with one task done, got %+v", agent)
	}
}

func TestRun_HoldRevisesThenApproves(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.agents.script(exitOK, exitOK)
	h.reviewer.replies["dev-lead"] = []string{"Hold: tests are missing.\n- add checkout unit tests"}
	task := h.task(t, persistence.Task{AssignedAgentID: "dev-senior"})

	if err := h.orch.StartTask(ctx, task.ID, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.waitStatus(t, task.ID, persistence.TaskStatusDone)

	if h.agents.launches() != 2 {
		t.Fatalf("expected a revision run, got %d launches", h.agents.launches())
	}
	if !strings.Contains(h.agents.lastSpec().Prompt, "[Continuation Brief]") {
		t.Fatalf("revision prompt lacks the continuation brief:\n%s", h.agents.lastSpec().Prompt)
	}
	logs := h.logText(task.ID)
	for _, want := range []string{"Review round 1: hold with 1 open memo item(s)", "revision run after review hold", "Review round 2: all leaders approved"} {
		if !strings.Contains(logs, want) {
			t.Fatalf("missing log line %q in:\n%s", want, logs)
		}
	}
}

func TestRun_FailureReturnsToInbox(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.agents.script(exitFailed)
	task := h.task(t, persistence.Task{AssignedAgentID: "dev-senior"})

	if err := h.orch.StartTask(ctx, task.ID, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.waitStatus(t, task.ID, persistence.TaskStatusInbox)
	h.waitLog(t, task.ID, "RUN failed (exit code: 2, reason: exited)")

	items, err := h.orch.Decisions(ctx)
	if err != nil {
		t.Fatalf("decisions: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("a plain failure must not offer a decision, got %+v", items)
	}
}

func TestRun_TimeoutOffersResumeDecision(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.agents.script(exitTimeout)
	task := h.task(t, persistence.Task{AssignedAgentID: "dev-senior"})

	if err := h.orch.StartTask(ctx, task.ID, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.waitStatus(t, task.ID, persistence.TaskStatusInbox)
	h.waitLog(t, task.ID, "RUN TIMEOUT (reason=idle_timeout, limit=600s)")

	items, err := h.orch.Decisions(ctx)
	if err != nil {
		t.Fatalf("decisions: %v", err)
	}
	if len(items) != 1 || items[0].ID != "task-timeout-resume:"+task.ID || items[0].Kind != orchestrator.KindTimeoutResume {
		t.Fatalf("expected one timeout decision, got %+v", items)
	}

	_, err = h.orch.ReplyDecision(ctx, items[0].ID, 7, "")
	var derr *orchestrator.DecisionError
	if !errors.As(err, &derr) || derr.Code != "option_not_found" || derr.Status != 400 || derr.Extra["option_number"] != 7 {
		t.Fatalf("want option_not_found, got %v", err)
	}

	reply, err := h.orch.ReplyDecision(ctx, items[0].ID, 1, "try once more")
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if !reply.Started || reply.Action != orchestrator.ActionResumeTimeoutTask {
		t.Fatalf("unexpected reply %+v", reply)
	}
	h.waitStatus(t, task.ID, persistence.TaskStatusInProgress)
	logs := h.logText(task.ID)
	if !strings.Contains(logs, "Decision inbox: timeout resume approved by CEO") || !strings.Contains(logs, "Decision note: try once more") {
		t.Fatalf("missing decision log lines:\n%s", logs)
	}
}

func TestReplyDecision_Errors(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	var derr *orchestrator.DecisionError

	if _, err := h.orch.ReplyDecision(ctx, "mystery:1", 1, ""); !errors.As(err, &derr) || derr.Code != "unknown_decision_id" {
		t.Fatalf("want unknown_decision_id, got %v", err)
	}
	if _, err := h.orch.ReplyDecision(ctx, "task-timeout-resume:missing", 1, ""); !errors.As(err, &derr) ||
		derr.Code != "decision_not_found" || derr.Status != 404 {
		t.Fatalf("want decision_not_found, got %v", err)
	}
}

func TestFinishReview_ProjectGateWaitsForDecision(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	if err := h.store.UpsertProject(ctx, persistence.Project{ID: "shop", Name: "Shop"}); err != nil {
		t.Fatalf("project: %v", err)
	}
	a := h.task(t, persistence.Task{ProjectID: "shop", AssignedAgentID: "dev-senior", Status: persistence.TaskStatusReview})
	b := h.task(t, persistence.Task{Title: "Cart badge", ProjectID: "shop", AssignedAgentID: "dev-lead", Status: persistence.TaskStatusReview})

	if err := h.orch.FinishReview(ctx, a.ID, orchestrator.FinishOptions{Trigger: "test"}); err != nil {
		t.Fatalf("finish review: %v", err)
	}
	h.waitLog(t, a.ID, "Review gate: waiting for project-level decision (2/2 active tasks in review)")
	if got, _ := h.store.GetTask(ctx, a.ID); got.Status != persistence.TaskStatusReview {
		t.Fatalf("gated task moved to %s", got.Status)
	}

	items, err := h.orch.Decisions(ctx)
	if err != nil {
		t.Fatalf("decisions: %v", err)
	}
	if len(items) != 1 || items[0].ID != "project-review-ready:shop" || len(items[0].Options) != 2 {
		t.Fatalf("expected the project decision, got %+v", items)
	}

	reply, err := h.orch.ReplyDecision(ctx, items[0].ID, 1, "")
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply.Tasks != 2 || !reply.Started {
		t.Fatalf("unexpected reply %+v", reply)
	}
	h.waitStatus(t, a.ID, persistence.TaskStatusDone)
	h.waitStatus(t, b.ID, persistence.TaskStatusDone)
	h.waitLog(t, b.ID, "Decision inbox: project review started by CEO")
	h.waitLog(t, b.ID, "Review gate bypassed (trigger=decision_inbox)")
}

func TestFinishReview_ProjectGateHoldsAfterFirstRound(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	if err := h.store.UpsertProject(ctx, persistence.Project{ID: "shop", Name: "Shop"}); err != nil {
		t.Fatalf("project: %v", err)
	}
	a := h.task(t, persistence.Task{ProjectID: "shop", AssignedAgentID: "dev-senior", Status: persistence.TaskStatusReview})
	b := h.task(t, persistence.Task{Title: "Cart badge", ProjectID: "shop", AssignedAgentID: "dev-lead", Status: persistence.TaskStatusInProgress})
	if err := h.store.SaveReviewRound(ctx, persistence.ReviewRoundState{
		TaskID: a.ID, Round: 1, Mode: review.ModeForRound(1), Status: persistence.RoundHold,
		Decisions: map[string]string{"dev-lead": "hold"},
	}); err != nil {
		t.Fatalf("save round: %v", err)
	}

	if err := h.orch.FinishReview(ctx, a.ID, orchestrator.FinishOptions{Trigger: "run_completed"}); err != nil {
		t.Fatalf("finish review: %v", err)
	}
	h.waitLog(t, a.ID, "Review gate: waiting for project-level decision (1/2 active tasks in review)")
	if got, _ := h.store.GetTask(ctx, a.ID); got.Status != persistence.TaskStatusReview {
		t.Fatalf("root task moved to %s while a sibling is in progress", got.Status)
	}
	if latest, err := h.store.LatestReviewRound(ctx, a.ID); err != nil || latest.Round != 1 {
		t.Fatalf("no new round may run behind the gate, latest=%+v err=%v", latest, err)
	}
	if items, _ := h.orch.Decisions(ctx); len(items) != 0 {
		t.Fatalf("project is not ready, got %+v", items)
	}

	if _, err := h.store.TransitionTask(ctx, b.ID, persistence.TaskStatusReview, persistence.TransitionOptions{}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	items, err := h.orch.Decisions(ctx)
	if err != nil {
		t.Fatalf("decisions: %v", err)
	}
	if len(items) != 1 || items[0].ID != "project-review-ready:shop" {
		t.Fatalf("expected the project decision, got %+v", items)
	}
	reply, err := h.orch.ReplyDecision(ctx, items[0].ID, 1, "")
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply.Tasks != 2 {
		t.Fatalf("the reviewed task must be restarted with its sibling, got %+v", reply)
	}
	h.waitStatus(t, a.ID, persistence.TaskStatusDone)
	h.waitStatus(t, b.ID, persistence.TaskStatusDone)
	h.waitLog(t, a.ID, "Review round 2: all leaders approved")
}

func TestFinishReview_WaitsForUnfinishedSubtasks(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	task := h.task(t, persistence.Task{AssignedAgentID: "dev-senior", Status: persistence.TaskStatusReview})
	if _, err := h.store.CreateSubtask(ctx, persistence.Subtask{TaskID: task.ID, Title: "Copy review", TargetDepartmentID: "planning"}); err != nil {
		t.Fatalf("subtask: %v", err)
	}
	if err := h.orch.FinishReview(ctx, task.ID, orchestrator.FinishOptions{}); err != nil {
		t.Fatalf("finish review: %v", err)
	}
	h.waitLog(t, task.ID, "Review hold: waiting for 1 unfinished subtasks")
	if _, err := h.store.LatestReviewRound(ctx, task.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("no meeting should run while subtasks are open, got %v", err)
	}
}

func TestFinishReview_EscalationResolvedByDecision(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	h.reviewer.replies["dev-lead"] = []string{"Hold: needs more work.\n- handle declined cards"}
	task := h.task(t, persistence.Task{AssignedAgentID: "dev-senior", Status: persistence.TaskStatusReview})

	if err := h.orch.FinishReview(ctx, task.ID, orchestrator.FinishOptions{}); err != nil {
		t.Fatalf("finish review: %v", err)
	}
	h.waitLog(t, task.ID, "Review round 1: no consensus at the round cap, escalated to the decision inbox")

	items, err := h.orch.Decisions(ctx)
	if err != nil {
		t.Fatalf("decisions: %v", err)
	}
	want := "review-round:" + task.ID + ":1"
	if len(items) != 1 || items[0].ID != want || len(items[0].Options) != 3 {
		t.Fatalf("expected %s with three options, got %+v", want, items)
	}
	taskID, round, ok := orchestrator.ParseRoundDecisionID(items[0].ID)
	if !ok || taskID != task.ID || round != 1 {
		t.Fatalf("parse %s: %s %d %t", items[0].ID, taskID, round, ok)
	}

	// Another sweep must not reopen the escalated round.
	if n := h.orch.RetryReviews(ctx); n != 0 {
		t.Fatalf("escalated task retried %d times", n)
	}

	if _, err := h.orch.ReplyDecision(ctx, want, 1, ""); err != nil {
		t.Fatalf("reply: %v", err)
	}
	h.waitStatus(t, task.ID, persistence.TaskStatusDone)
	if items, _ := h.orch.Decisions(ctx); len(items) != 0 {
		t.Fatalf("resolved decision still listed: %+v", items)
	}
}

func TestStop_PauseIgnoresCompletionThenResume(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	task := h.task(t, persistence.Task{AssignedAgentID: "dev-senior"})
	if err := h.orch.StartTask(ctx, task.ID, ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	res, err := h.orch.Stop(ctx, task.ID, orchestrator.StopPause)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !res.Killed || res.Status != persistence.TaskStatusPending {
		t.Fatalf("unexpected stop result %+v", res)
	}
	h.waitLog(t, task.ID, "RUN completion ignored (status=")
	h.waitLog(t, task.ID, "stop_requested=yes, stop_mode=pause)")
	h.waitStatus(t, task.ID, persistence.TaskStatusPending)

	h.agents.script(exitOK)
	if err := h.orch.Resume(ctx, task.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	h.waitStatus(t, task.ID, persistence.TaskStatusDone)
	if h.agents.launches() != 2 {
		t.Fatalf("expected two launches, got %d", h.agents.launches())
	}
}

func TestStop_CancelAndInvalidMode(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	task := h.task(t, persistence.Task{AssignedAgentID: "dev-senior"})

	if _, err := h.orch.Stop(ctx, task.ID, "halt"); !errors.Is(err, orchestrator.ErrInvalidStopMode) {
		t.Fatalf("want ErrInvalidStopMode, got %v", err)
	}
	if err := h.orch.StartTask(ctx, task.ID, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	res, err := h.orch.Stop(ctx, task.ID, orchestrator.StopCancel)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Status != persistence.TaskStatusCancelled {
		t.Fatalf("want cancelled, got %+v", res)
	}
	h.waitLog(t, task.ID, "RUN stop requested (mode=cancel)")
	h.waitLog(t, task.ID, "stop_mode=cancel")

	if err := h.orch.Resume(ctx, task.ID); !errors.Is(err, orchestrator.ErrNotPaused) {
		t.Fatalf("want ErrNotPaused, got %v", err)
	}
	if _, err := h.orch.Stop(ctx, task.ID, orchestrator.StopPause); !errors.Is(err, orchestrator.ErrTaskFinished) {
		t.Fatalf("want ErrTaskFinished, got %v", err)
	}
	agent, _ := h.store.GetAgent(ctx, "dev-senior")
	if agent.Status != persistence.AgentIdle {
		t.Fatalf("cancelled run should release the agent, got %s", agent.Status)
	}
}

func TestRecover_RequeuesInterruptedRuns(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	task := h.task(t, persistence.Task{AssignedAgentID: "dev-senior"})
	if _, err := h.store.TransitionTask(ctx, task.ID, persistence.TaskStatusInProgress, persistence.TransitionOptions{}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := h.store.SetAgentStatus(ctx, "dev-senior", persistence.AgentWorking, task.ID); err != nil {
		t.Fatalf("agent status: %v", err)
	}

	rep, err := h.orch.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if rep.Requeued != 1 || rep.AgentsReset != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	h.waitStatus(t, task.ID, persistence.TaskStatusInbox)
	h.waitLog(t, task.ID, "RUN interrupted by restart")
}

func TestSweepOrphans_SkipsLiveRuns(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	live := h.task(t, persistence.Task{AssignedAgentID: "dev-senior"})
	orphan := h.task(t, persistence.Task{Title: "Orphan", AssignedAgentID: "dev-lead"})

	if err := h.orch.StartTask(ctx, live.ID, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.store.TransitionTask(ctx, orphan.ID, persistence.TaskStatusInProgress, persistence.TransitionOptions{}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if n := h.orch.SweepOrphans(ctx); n != 1 {
		t.Fatalf("want one orphan requeued, got %d", n)
	}
	h.waitStatus(t, orphan.ID, persistence.TaskStatusInbox)
	h.waitLog(t, orphan.ID, "no live process found by recovery sweep")
	if got, _ := h.store.GetTask(ctx, live.ID); got.Status != persistence.TaskStatusInProgress {
		t.Fatalf("live run requeued: %s", got.Status)
	}
}

func TestSweepOrphans_SkipsCompletingRun(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	task := h.task(t, persistence.Task{AssignedAgentID: "dev-senior"})
	if err := h.orch.StartTask(ctx, task.ID, ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Hold the only connection: the exit callback then blocks inside
	// completion after the run slot has been released.
	conn, err := h.store.DB().Conn(ctx)
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	run := h.agents.lastRun()
	go run.finish(exitOK)
	deadline := time.Now().Add(5 * time.Second)
	for len(h.orch.Running()) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("run slot was not released")
		}
		time.Sleep(5 * time.Millisecond)
	}

	swept := make(chan int, 1)
	go func() { swept <- h.orch.SweepOrphans(ctx) }()
	time.Sleep(20 * time.Millisecond)
	_ = conn.Close()

	if n := <-swept; n != 0 {
		t.Fatalf("completing run was requeued by the sweep (%d)", n)
	}
	h.waitStatus(t, task.ID, persistence.TaskStatusDone)
	if strings.Contains(h.logText(task.ID), "no live process found by recovery sweep") {
		t.Fatalf("sweep touched a completing run:\n%s", h.logText(task.ID))
	}
}

func TestDelegateDirective_CopiesProjectBinding(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	if err := h.store.UpsertProject(ctx, persistence.Project{ID: "p1", Name: "Build", Path: t.TempDir(), BaseBranch: "main"}); err != nil {
		t.Fatalf("project: %v", err)
	}
	msg, err := h.store.InsertMessage(ctx, persistence.Message{
		SenderType:  persistence.SenderCEO,
		Content:     "$Fix build failure\nThe CI job fails on lint.",
		MessageType: persistence.MessageDirective,
		ProjectID:   "p1",
	})
	if err != nil {
		t.Fatalf("insert message: %v", err)
	}

	task, err := h.orch.DelegateDirective(ctx, *msg)
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if task.ProjectID != "p1" || task.AssignedAgentID != "planning-lead" || task.TaskType != persistence.MessageDirective {
		t.Fatalf("unexpected task %+v", task)
	}
	if task.Title != "Fix build failure" || task.BaseBranch != "main" {
		t.Fatalf("unexpected title/branch %q %q", task.Title, task.BaseBranch)
	}
	h.waitStatus(t, task.ID, persistence.TaskStatusInProgress)
	if spec := h.agents.lastSpec(); spec.AgentID != "planning-lead" {
		t.Fatalf("directive ran with %s", spec.AgentID)
	}
}

func TestSyncRoster_UpsertsConfiguredOrg(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	cfg := config.Config{
		Departments: []config.DepartmentConfig{{ID: "qa", Name: "Quality Assurance", Priority: 4}},
		Agents:      []config.AgentConfig{{ID: "qa-lead", Name: "Hawk", DepartmentID: "qa", Role: "team_leader", Provider: "fake"}},
		Projects:    []config.ProjectConfig{{ID: "shop", Name: "Shop", Path: "/srv/shop", GitHubRepo: "basket/shop"}},
	}
	if err := h.orch.SyncRoster(ctx, cfg); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if leader, err := h.store.FindTeamLeader(ctx, "qa"); err != nil || leader.Name != "Hawk" {
		t.Fatalf("qa leader: %+v %v", leader, err)
	}
	if p, err := h.store.GetProject(ctx, "shop"); err != nil || p.GitHubRepo != "basket/shop" {
		t.Fatalf("project: %+v %v", p, err)
	}
}
