// Package delegation hands cross-department subtasks to the departments that
// own them, one department batch at a time. Progress is kept in a durable
// continuation record so the queue survives restarts.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-company/internal/bus"
	"github.com/basket/go-company/internal/persistence"
	"github.com/basket/go-company/internal/shared"
)

// TaskTypeCollaboration marks delegated child tasks.
const TaskTypeCollaboration = "collaboration"

const (
	reasonChildFailed    = "Delegated task failed"
	reasonChildCancelled = "Delegated task cancelled"
	reasonNoAgent        = "No available agent in target department"
)

// Hooks connect the queue to the task driver.
type Hooks struct {
	// StartTask launches a delegated child task with its owner.
	StartTask func(ctx context.Context, taskID, agentID string) error
	// FinishReview retries the parent's finalization after the queue
	// drains while the parent sits in review.
	FinishReview func(ctx context.Context, taskID string)
}

type Options struct {
	Store  *persistence.Store
	Bus    *bus.Bus
	Logger *slog.Logger
	Hooks  Hooks

	HandoffDelayMin      time.Duration
	HandoffDelayMax      time.Duration
	FailureContinueDelay time.Duration
	FinalizeRetryDelay   time.Duration
}

// Queue runs the sequential delegation of every parent task. The in-flight
// set and the notice set are caches; the continuation rows are the source of
// truth.
type Queue struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger
	hooks  Hooks

	handoffMin, handoffMax time.Duration
	failureDelay           time.Duration
	finalizeDelay          time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu         sync.Mutex
	inFlight   map[string]bool
	noticeSent map[string]bool
	closed     bool
}

func New(opts Options) *Queue {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		store:         opts.Store,
		bus:           opts.Bus,
		logger:        opts.Logger.With("component", "delegation"),
		hooks:         opts.Hooks,
		handoffMin:    opts.HandoffDelayMin,
		handoffMax:    opts.HandoffDelayMax,
		failureDelay:  opts.FailureContinueDelay,
		finalizeDelay: opts.FinalizeRetryDelay,
		baseCtx:       ctx,
		cancel:        cancel,
		inFlight:      make(map[string]bool),
		noticeSent:    make(map[string]bool),
	}
}

// SetHooks replaces the hooks. It must be called before the queue is used.
func (q *Queue) SetHooks(h Hooks) { q.hooks = h }

// Close stops pending handoffs and waits for running ones.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
}

// Wait blocks until no handoff is pending or running.
func (q *Queue) Wait() { q.wg.Wait() }

func (q *Queue) InFlight(parentTaskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight[parentTaskID]
}

// after runs fn on a background goroutine after d, unless the queue closes
// first.
func (q *Queue) after(d time.Duration, fn func(ctx context.Context)) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.wg.Add(1)
	q.mu.Unlock()
	go func() {
		defer q.wg.Done()
		if d > 0 {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-q.baseCtx.Done():
				return
			}
		}
		if q.baseCtx.Err() != nil {
			return
		}
		fn(q.baseCtx)
	}()
}

// foreignOpen returns the parent's open, undelegated subtasks whose target is
// another department.
func (q *Queue) foreignOpen(ctx context.Context, parent *persistence.Task) ([]persistence.Subtask, error) {
	subs, err := q.store.ListSubtasks(ctx, parent.ID)
	if err != nil {
		return nil, err
	}
	var out []persistence.Subtask
	for _, st := range subs {
		if st.Open() && st.DelegatedTaskID == "" && st.IsForeign(parent.DepartmentID) {
			out = append(out, st)
		}
	}
	return out, nil
}

// HasPending reports whether the parent still has foreign subtasks that the
// queue would delegate.
func (q *Queue) HasPending(ctx context.Context, parent *persistence.Task) (bool, error) {
	subs, err := q.foreignOpen(ctx, parent)
	return len(subs) > 0, err
}

// Start begins delegating the parent's foreign subtasks. It returns false
// when there is nothing to delegate or a run for the parent is already in
// flight.
func (q *Queue) Start(ctx context.Context, parentTaskID string) (bool, error) {
	parent, err := q.store.GetTask(ctx, parentTaskID)
	if err != nil {
		return false, err
	}
	subs, err := q.foreignOpen(ctx, parent)
	if err != nil || len(subs) == 0 {
		return false, err
	}

	q.mu.Lock()
	if q.inFlight[parent.ID] {
		q.mu.Unlock()
		return false, nil
	}
	q.inFlight[parent.ID] = true
	delete(q.noticeSent, parent.ID)
	q.mu.Unlock()

	depts, err := q.orderDepartments(ctx, subs)
	if err == nil {
		err = q.store.SaveContinuation(ctx, persistence.DelegationContinuation{
			ParentTaskID: parent.ID, Departments: depts,
		})
	}
	if err != nil {
		q.clearInFlight(parent.ID)
		return false, err
	}

	q.appendLog(ctx, parent.ID, fmt.Sprintf(
		"Subtask delegation mode: sequential_by_department_batched (queues=%d, items=%d)", len(depts), len(subs)))
	notice := fmt.Sprintf("Delegating %d external-department subtasks for '%s' sequentially by department, one batched request at a time.",
		len(subs), parent.Title)
	q.bus.Publish(bus.TopicCEONotice, bus.CEONotice{TaskID: parent.ID, Message: notice})
	q.logger.Info("delegation started", "task_id", parent.ID, "queues", len(depts), "items", len(subs))

	q.after(0, func(ctx context.Context) { q.dispatch(ctx, parent.ID) })
	return true, nil
}

// orderDepartments groups subtasks by target department and orders the
// groups by department priority, then id.
func (q *Queue) orderDepartments(ctx context.Context, subs []persistence.Subtask) ([]string, error) {
	all, err := q.store.ListDepartments(ctx)
	if err != nil {
		return nil, err
	}
	priority := make(map[string]int, len(all))
	for _, d := range all {
		priority[d.ID] = d.Priority
	}
	seen := map[string]bool{}
	var ids []string
	for _, st := range subs {
		if !seen[st.TargetDepartmentID] {
			seen[st.TargetDepartmentID] = true
			ids = append(ids, st.TargetDepartmentID)
		}
	}
	const unknownPriority = 1 << 30
	rank := func(id string) int {
		if p, ok := priority[id]; ok {
			return p
		}
		return unknownPriority
	}
	sort.SliceStable(ids, func(i, j int) bool {
		if rank(ids[i]) != rank(ids[j]) {
			return rank(ids[i]) < rank(ids[j])
		}
		return ids[i] < ids[j]
	})
	return ids, nil
}

// dispatch runs the department at the continuation's cursor.
func (q *Queue) dispatch(ctx context.Context, parentID string) {
	cont, err := q.store.GetContinuation(ctx, parentID)
	if errors.Is(err, persistence.ErrNotFound) {
		q.clearInFlight(parentID)
		return
	}
	if err != nil {
		q.logger.Error("load continuation failed", "task_id", parentID, "error", err)
		return
	}
	parent, err := q.store.GetTask(ctx, parentID)
	if err != nil {
		q.logger.Error("load parent task failed", "task_id", parentID, "error", err)
		return
	}
	if parent.Status.IsTerminal() {
		q.appendLog(ctx, parentID, fmt.Sprintf("Subtask delegation stopped (parent is %s)", parent.Status))
		q.drain(ctx, parent)
		return
	}

	for !cont.Done() {
		dept := cont.Departments[cont.NextDepartmentIndex]
		started, err := q.delegateBatch(ctx, parent, cont, dept)
		if err != nil {
			q.logger.Error("delegate batch failed", "task_id", parentID, "department_id", dept, "error", err)
			q.appendLog(ctx, parentID, fmt.Sprintf("Subtask delegation to %s failed: %v", dept, err))
		}
		if started {
			return
		}
		cont.NextDepartmentIndex++
		cont.ChildTaskID = ""
		if err := q.store.SaveContinuation(ctx, *cont); err != nil {
			q.logger.Error("save continuation failed", "task_id", parentID, "error", err)
			return
		}
	}
	q.drain(ctx, parent)
}

// delegateBatch creates the child task for one department and starts it. It
// reports whether a child is now running; false means the department was
// skipped and the cursor should move on.
func (q *Queue) delegateBatch(ctx context.Context, parent *persistence.Task, cont *persistence.DelegationContinuation, deptID string) (bool, error) {
	subs, err := q.foreignOpen(ctx, parent)
	if err != nil {
		return false, err
	}
	var batch []persistence.Subtask
	for _, st := range subs {
		if st.TargetDepartmentID == deptID {
			batch = append(batch, st)
		}
	}
	if len(batch) == 0 {
		return false, nil
	}

	owner, err := q.pickOwner(ctx, deptID)
	if err != nil {
		return false, err
	}
	if owner == nil {
		for _, st := range batch {
			if err := q.store.SetSubtaskStatus(ctx, st.ID, persistence.SubtaskBlocked, reasonNoAgent); err != nil {
				return false, err
			}
		}
		q.appendLog(ctx, parent.ID, fmt.Sprintf("Subtask delegation skipped %s: no available agent", deptID))
		return false, nil
	}

	deptName := deptID
	if d, err := q.store.GetDepartment(ctx, deptID); err == nil && d.Name != "" {
		deptName = d.Name
	}
	child, err := q.store.CreateTask(ctx, persistence.Task{
		Title:           fmt.Sprintf("[Collaboration:%s] %s", deptName, parent.Title),
		Description:     batchDescription(parent, deptName, batch),
		TaskType:        TaskTypeCollaboration,
		Priority:        parent.Priority,
		DepartmentID:    deptID,
		AssignedAgentID: owner.ID,
		ProjectID:       parent.ProjectID,
		ProjectPath:     parent.ProjectPath,
		BaseBranch:      parent.BaseBranch,
		SourceTaskID:    parent.ID,
		Status:          persistence.TaskStatusPlanned,
	})
	if err != nil {
		return false, err
	}
	ids := make([]string, len(batch))
	titles := make([]string, len(batch))
	for i, st := range batch {
		ids[i] = st.ID
		titles[i] = st.Title
	}
	if err := q.store.RecordTaskCreation(ctx, child, persistence.TaskCreationAudit{
		Trigger:        "subtask_delegation",
		TriggerDetail:  fmt.Sprintf("parent=%s department=%s subtasks=%d", parent.ID, deptID, len(batch)),
		ActorType:      shared.SystemActor,
		PayloadPreview: strings.Join(titles, "\n"),
	}); err != nil {
		q.logger.Warn("record task creation failed", "task_id", child.ID, "error", err)
	}
	if err := q.store.LinkSubtasksToDelegatedTask(ctx, ids, child.ID, owner.ID); err != nil {
		return false, err
	}
	cont.ChildTaskID = child.ID
	if err := q.store.SaveContinuation(ctx, *cont); err != nil {
		return false, err
	}

	q.appendLog(ctx, parent.ID, fmt.Sprintf("Delegated %d subtask(s) to %s (%s, child=%s)",
		len(batch), deptName, owner.Name, shortID(child.ID)))
	q.appendLog(ctx, child.ID, fmt.Sprintf("Collaboration task created from %s (%d subtask(s))", shortID(parent.ID), len(batch)))
	q.bus.Publish(bus.TopicDelegationStep, bus.DelegationStepEvent{
		ParentTaskID: parent.ID,
		DepartmentID: deptID,
		ChildTaskID:  child.ID,
		Index:        cont.NextDepartmentIndex,
		Total:        len(cont.Departments),
	})

	if q.hooks.StartTask == nil {
		return true, nil
	}
	if err := q.hooks.StartTask(ctx, child.ID, owner.ID); err != nil {
		q.appendLog(ctx, child.ID, fmt.Sprintf("Collaboration task start held: %v", err))
		q.logger.Warn("delegated task did not start", "task_id", child.ID, "agent_id", owner.ID, "error", err)
		// The child never ran; fold it as a failure so the queue moves on.
		q.after(0, func(ctx context.Context) {
			q.ChildFinished(ctx, child.ID, false, reasonChildFailed)
		})
	}
	return true, nil
}

// pickOwner returns the department's team leader, else its best
// subordinate, else nil.
func (q *Queue) pickOwner(ctx context.Context, deptID string) (*persistence.Agent, error) {
	leader, err := q.store.FindTeamLeader(ctx, deptID)
	if err == nil && leader.Status != persistence.AgentOffline {
		return leader, nil
	}
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return nil, err
	}
	sub, err := q.store.FindBestSubordinate(ctx, deptID, "")
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, nil
	}
	return sub, err
}

// ChildFinished folds a delegated child's outcome into its linked subtasks
// and advances the parent's queue. reason is used for blocked subtasks.
func (q *Queue) ChildFinished(ctx context.Context, childID string, success bool, reason string) {
	linked, err := q.store.ListSubtasksByDelegatedTask(ctx, childID)
	if err != nil {
		q.logger.Error("list linked subtasks failed", "task_id", childID, "error", err)
	}
	if reason == "" {
		reason = reasonChildFailed
	}
	changed := 0
	for _, st := range linked {
		if success && st.Status != persistence.SubtaskDone {
			err = q.store.SetSubtaskStatus(ctx, st.ID, persistence.SubtaskDone, "")
		} else if !success && st.Status != persistence.SubtaskBlocked {
			err = q.store.SetSubtaskStatus(ctx, st.ID, persistence.SubtaskBlocked, reason)
		} else {
			continue
		}
		if err != nil {
			q.logger.Error("sync linked subtask failed", "subtask_id", st.ID, "error", err)
			continue
		}
		changed++
	}
	if changed > 0 {
		state := "done"
		if !success {
			state = "blocked"
		}
		q.appendLog(ctx, childID, fmt.Sprintf("Delegated subtask sync: marked %d linked subtask(s) as %s", changed, state))
	}

	cont, err := q.store.GetContinuationByChild(ctx, childID)
	if errors.Is(err, persistence.ErrNotFound) {
		// Not queue-driven (or already advanced); a completion may still
		// finish the parent's subtasks.
		if success && len(linked) > 0 {
			q.maybeNotifyComplete(ctx, linked[0].TaskID)
		}
		return
	}
	if err != nil {
		q.logger.Error("load continuation failed", "task_id", childID, "error", err)
		return
	}
	cont.NextDepartmentIndex++
	cont.ChildTaskID = ""
	if err := q.store.SaveContinuation(ctx, *cont); err != nil {
		q.logger.Error("advance continuation failed", "task_id", cont.ParentTaskID, "error", err)
		return
	}
	q.mu.Lock()
	q.inFlight[cont.ParentTaskID] = true
	q.mu.Unlock()

	delay := shared.RandomDelay(q.handoffMin, q.handoffMax)
	if !success && q.failureDelay > 0 {
		delay = q.failureDelay
	}
	parentID := cont.ParentTaskID
	q.after(delay, func(ctx context.Context) { q.dispatch(ctx, parentID) })
}

// ChildCancelled is ChildFinished for an operator-cancelled child.
func (q *Queue) ChildCancelled(ctx context.Context, childID string) {
	q.ChildFinished(ctx, childID, false, reasonChildCancelled)
}

func (q *Queue) drain(ctx context.Context, parent *persistence.Task) {
	if err := q.store.DeleteContinuation(ctx, parent.ID); err != nil {
		q.logger.Error("delete continuation failed", "task_id", parent.ID, "error", err)
	}
	q.clearInFlight(parent.ID)
	q.logger.Info("delegation queue drained", "task_id", parent.ID)
	q.maybeNotifyComplete(ctx, parent.ID)
}

// maybeNotifyComplete fires the completion notice once every subtask of the
// parent is done, and retries the parent's finalization if it waits in
// review.
func (q *Queue) maybeNotifyComplete(ctx context.Context, parentID string) {
	subs, err := q.store.ListSubtasks(ctx, parentID)
	if err != nil || len(subs) == 0 {
		return
	}
	done := 0
	for _, st := range subs {
		if st.Status == persistence.SubtaskDone {
			done++
		}
	}
	if done != len(subs) {
		return
	}
	q.mu.Lock()
	if q.noticeSent[parentID] {
		q.mu.Unlock()
		return
	}
	q.noticeSent[parentID] = true
	q.mu.Unlock()

	parent, err := q.store.GetTask(ctx, parentID)
	if err != nil {
		return
	}
	q.appendLog(ctx, parentID, fmt.Sprintf("All %d subtask(s) complete, including cross-department collaboration", len(subs)))
	q.bus.Publish(bus.TopicCEONotice, bus.CEONotice{
		TaskID:  parentID,
		Message: fmt.Sprintf("All subtasks for '%s' (including cross-department collaboration) are complete.", parent.Title),
	})
	if parent.Status == persistence.TaskStatusReview && q.hooks.FinishReview != nil {
		q.after(q.finalizeDelay, func(ctx context.Context) { q.hooks.FinishReview(ctx, parentID) })
	}
}

// Recover resumes persisted queues after a restart. It returns the number
// of parents resumed.
func (q *Queue) Recover(ctx context.Context) int {
	conts, err := q.store.ListContinuations(ctx)
	if err != nil {
		q.logger.Error("list continuations failed", "error", err)
		return 0
	}
	resumed := 0
	for _, c := range conts {
		q.mu.Lock()
		q.inFlight[c.ParentTaskID] = true
		q.mu.Unlock()

		if c.ChildTaskID == "" || c.Done() {
			q.after(0, func(ctx context.Context) { q.dispatch(ctx, c.ParentTaskID) })
			resumed++
			continue
		}
		child, err := q.store.GetTask(ctx, c.ChildTaskID)
		switch {
		case errors.Is(err, persistence.ErrNotFound):
			c.ChildTaskID = ""
			if err := q.store.SaveContinuation(ctx, c); err != nil {
				q.logger.Error("reset continuation failed", "task_id", c.ParentTaskID, "error", err)
				continue
			}
			q.appendLog(ctx, c.ParentTaskID, "Subtask delegation resumed after restart (child missing, department restarted)")
			q.after(0, func(ctx context.Context) { q.dispatch(ctx, c.ParentTaskID) })
		case err != nil:
			q.logger.Error("load delegated child failed", "task_id", c.ChildTaskID, "error", err)
			continue
		case child.Status == persistence.TaskStatusDone || child.Status == persistence.TaskStatusReview:
			q.appendLog(ctx, c.ParentTaskID, "Subtask delegation resumed after restart")
			q.ChildFinished(ctx, child.ID, true, "")
		case child.Status == persistence.TaskStatusCancelled:
			q.appendLog(ctx, c.ParentTaskID, "Subtask delegation resumed after restart")
			q.ChildCancelled(ctx, child.ID)
		case child.Status == persistence.TaskStatusInProgress:
			// Still running under a live process; its completion advances
			// the queue.
			continue
		default:
			if q.hooks.StartTask == nil || child.AssignedAgentID == "" {
				continue
			}
			q.appendLog(ctx, c.ParentTaskID, fmt.Sprintf("Subtask delegation resumed after restart (restarting child %s)", shortID(child.ID)))
			childID, agentID := child.ID, child.AssignedAgentID
			q.after(0, func(ctx context.Context) {
				if err := q.hooks.StartTask(ctx, childID, agentID); err != nil {
					q.logger.Warn("restart delegated child failed", "task_id", childID, "error", err)
				}
			})
		}
		resumed++
	}
	return resumed
}

func (q *Queue) clearInFlight(parentID string) {
	q.mu.Lock()
	delete(q.inFlight, parentID)
	q.mu.Unlock()
}

func (q *Queue) appendLog(ctx context.Context, taskID, msg string) {
	if err := q.store.AppendTaskLog(ctx, taskID, persistence.LogSystem, msg); err != nil {
		q.logger.Warn("append task log failed", "task_id", taskID, "error", err)
	}
}

func batchDescription(parent *persistence.Task, deptName string, batch []persistence.Subtask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Collaboration request for %s on '%s'.\n", deptName, parent.Title)
	if desc := strings.TrimSpace(parent.Description); desc != "" {
		fmt.Fprintf(&b, "\nParent task context:\n%s\n", shared.Truncate(desc, 1200))
	}
	b.WriteString("\nDeliver every item below in one pass:\n")
	for i, st := range batch {
		fmt.Fprintf(&b, "%d. %s", i+1, st.Title)
		if d := strings.TrimSpace(st.Description); d != "" {
			fmt.Fprintf(&b, ": %s", d)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
