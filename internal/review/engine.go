package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/go-company/internal/bus"
	"github.com/basket/go-company/internal/persistence"
	"github.com/basket/go-company/internal/shared"
)

// Reviewer obtains one leader's free-text opinion.
type Reviewer interface {
	Opinion(ctx context.Context, req OpinionRequest) (string, error)
}

// Verdict is the outcome of one meeting round.
type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictRevise   Verdict = "revise"
	VerdictEscalate Verdict = "escalate"
)

// Outcome summarizes a finished meeting.
type Outcome struct {
	TaskID    string
	MeetingID string
	Round     int
	Mode      string
	Verdict   Verdict
	Decisions map[string]Decision
	NewItems  []persistence.RevisionItem
	OpenItems []persistence.RevisionItem
	Summary   string
}

// Participant is a leader invited to a meeting.
type Participant struct {
	Agent      persistence.Agent
	Department persistence.Department
	Chair      bool
}

type Options struct {
	Store      *persistence.Store
	Bus        *bus.Bus
	Reviewer   Reviewer
	Classifier Classifier
	Logger     *slog.Logger

	PlanningDepartmentID string
	MaxRounds            int
	MemoMaxPerDepartment int
	MemoMaxPerRound      int
}

// Engine runs review meetings. It keeps no state of its own: rounds, minutes
// and memo items live in the store.
type Engine struct {
	store      *persistence.Store
	bus        *bus.Bus
	reviewer   Reviewer
	classifier Classifier
	logger     *slog.Logger

	planningDept string
	maxRounds    int
	memoPerDept  int
	memoPerRound int
}

func NewEngine(opts Options) *Engine {
	if opts.Classifier == nil {
		opts.Classifier = RuleClassifier{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = 3
	}
	return &Engine{
		store:        opts.Store,
		bus:          opts.Bus,
		reviewer:     opts.Reviewer,
		classifier:   opts.Classifier,
		logger:       opts.Logger.With("component", "review"),
		planningDept: opts.PlanningDepartmentID,
		maxRounds:    opts.MaxRounds,
		memoPerDept:  opts.MemoMaxPerDepartment,
		memoPerRound: opts.MemoMaxPerRound,
	}
}

func (e *Engine) MaxRounds() int { return e.maxRounds }

// NextRound returns the number of the round to hold next for taskID.
func (e *Engine) NextRound(ctx context.Context, taskID string) (int, error) {
	st, err := e.store.LatestReviewRound(ctx, taskID)
	if errors.Is(err, persistence.ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return st.Round + 1, nil
}

// Participants returns the relevant leaders for a task: the owning
// department, every subtask target department and planning. The task's own
// department speaks first; in merge_synthesis the planning leader chairs
// and speaks last.
func (e *Engine) Participants(ctx context.Context, task *persistence.Task, mode string) ([]Participant, error) {
	depts, err := e.store.ListDepartments(ctx)
	if err != nil {
		return nil, err
	}
	wanted := map[string]bool{}
	if task.DepartmentID != "" {
		wanted[task.DepartmentID] = true
	}
	if e.planningDept != "" {
		wanted[e.planningDept] = true
	}
	subs, err := e.store.ListSubtasks(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	for _, st := range subs {
		if st.TargetDepartmentID != "" {
			wanted[st.TargetDepartmentID] = true
		}
	}

	ordered := make([]persistence.Department, 0, len(wanted))
	for _, d := range depts {
		if d.ID == task.DepartmentID {
			ordered = append([]persistence.Department{d}, ordered...)
		} else if wanted[d.ID] {
			ordered = append(ordered, d)
		}
	}

	var out []Participant
	var chair *Participant
	for _, d := range ordered {
		leader, err := e.store.FindTeamLeader(ctx, d.ID)
		if errors.Is(err, persistence.ErrNotFound) {
			e.logger.Warn("department has no team leader, skipped in review", "task_id", task.ID, "department_id", d.ID)
			continue
		}
		if err != nil {
			return nil, err
		}
		p := Participant{Agent: *leader, Department: d}
		if mode == ModeMergeSynthesis && d.ID == e.planningDept {
			p.Chair = true
			chair = &p
			continue
		}
		out = append(out, p)
	}
	if chair != nil {
		out = append(out, *chair)
	}
	return out, nil
}

// RunMeeting holds review round `round` for task and records minutes,
// per-leader decisions and memo items. Unanimous approval yields
// VerdictApproved. Otherwise the round is a revision request below the round
// cap and an escalation to the operator at or above it; it is never
// force-approved. A round with no reviewers escalates at once.
func (e *Engine) RunMeeting(ctx context.Context, task persistence.Task, round int) (*Outcome, error) {
	if round < 1 {
		round = 1
	}
	mode := ModeForRound(round)
	if err := e.store.CancelOpenMeetings(ctx, task.ID); err != nil {
		return nil, err
	}
	participants, err := e.Participants(ctx, &task, mode)
	if err != nil {
		return nil, err
	}
	minute, err := e.store.StartMeeting(ctx, task.ID, round, mode)
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveReviewRound(ctx, persistence.ReviewRoundState{
		TaskID: task.ID, Round: round, Mode: mode, Status: persistence.RoundOpen,
	}); err != nil {
		return nil, err
	}
	openItems, err := e.store.ListRevisionItems(ctx, task.ID, true)
	if err != nil {
		return nil, err
	}
	e.logger.Info("review meeting started", "task_id", task.ID, "round", round, "mode", mode, "leaders", len(participants))

	out := &Outcome{TaskID: task.ID, MeetingID: minute.ID, Round: round, Mode: mode, Decisions: map[string]Decision{}}
	var (
		transcript []persistence.MeetingEntry
		holds      []persistence.RevisionItem
	)
	for _, p := range participants {
		text, opErr := e.reviewer.Opinion(ctx, OpinionRequest{
			Task:       task,
			Leader:     p.Agent,
			Department: p.Department.Name,
			Round:      round,
			Mode:       mode,
			Chair:      p.Chair,
			Transcript: append([]persistence.MeetingEntry(nil), transcript...),
			OpenItems:  openItems,
		})
		if ctx.Err() != nil {
			_ = e.store.FinishMeeting(context.WithoutCancel(ctx), minute.ID, persistence.MeetingCancelled, "interrupted")
			return nil, ctx.Err()
		}
		decision := DecisionReviewing
		content := strings.TrimSpace(text)
		if opErr != nil {
			e.logger.Warn("review opinion failed", "task_id", task.ID, "agent_id", p.Agent.ID, "error", opErr)
			content = "(no opinion: " + shared.Truncate(opErr.Error(), 200) + ")"
		} else {
			decision = e.classifier.Classify(content)
		}

		entry := persistence.MeetingEntry{
			MeetingID:      minute.ID,
			SpeakerAgentID: p.Agent.ID,
			SpeakerName:    p.Agent.Name,
			DepartmentID:   p.Department.ID,
			Role:           p.Agent.Role,
			Content:        content,
			Decision:       string(decision),
		}
		if err := e.store.AppendMeetingEntry(ctx, entry); err != nil {
			return nil, err
		}
		transcript = append(transcript, entry)
		out.Decisions[p.Agent.ID] = decision
		e.bus.Publish(bus.TopicReviewMeeting, bus.ReviewMeetingEvent{
			TaskID: task.ID, Round: round, Mode: mode, AgentID: p.Agent.ID,
			Decision: string(decision), Summary: shared.Truncate(content, 280),
		})

		if decision != DecisionApproved && opErr == nil && content != "" {
			for _, note := range ExtractRevisionNotes(content) {
				holds = append(holds, persistence.RevisionItem{
					DepartmentID: p.Department.ID, AgentID: p.Agent.ID, RawNote: note,
				})
			}
		}
	}

	decisions := make(map[string]string, len(out.Decisions))
	for id, d := range out.Decisions {
		decisions[id] = string(d)
	}
	out.Summary = summarize(round, mode, out.Decisions)
	state := persistence.ReviewRoundState{TaskID: task.ID, Round: round, Mode: mode, Decisions: decisions}

	if len(participants) > 0 && unanimous(out.Decisions) {
		out.Verdict = VerdictApproved
		state.Status = persistence.RoundApproved
		if err := e.store.ResolveRevisionItems(ctx, task.ID); err != nil {
			return nil, err
		}
		if err := e.closeRound(ctx, minute.ID, persistence.MeetingCompleted, state, out.Summary); err != nil {
			return nil, err
		}
		e.logger.Info("review meeting approved", "task_id", task.ID, "round", round)
		return out, nil
	}

	stored, err := e.store.RecordRevisionItems(ctx, task.ID, round, holds, e.memoPerDept, e.memoPerRound)
	if err != nil {
		return nil, err
	}
	out.NewItems = stored
	if out.OpenItems, err = e.store.ListRevisionItems(ctx, task.ID, true); err != nil {
		return nil, err
	}

	// Without reviewers no later round can reach consensus either.
	if round >= e.maxRounds || len(participants) == 0 {
		out.Verdict = VerdictEscalate
		state.Status = persistence.RoundEscalated
		if err := e.closeRound(ctx, minute.ID, persistence.MeetingEscalated, state, out.Summary); err != nil {
			return nil, err
		}
		e.bus.Publish(bus.TopicDecisionInbox, bus.DecisionInboxEvent{
			DecisionID: fmt.Sprintf("review-round:%s:%d", task.ID, round),
			Kind:       "review_round",
			Summary:    fmt.Sprintf("Review of %q has no consensus after %d rounds", task.Title, round),
		})
		e.logger.Warn("review round cap reached, escalated", "task_id", task.ID, "round", round)
		return out, nil
	}

	out.Verdict = VerdictRevise
	state.Status = persistence.RoundHold
	if err := e.closeRound(ctx, minute.ID, persistence.MeetingRevisionRequested, state, out.Summary); err != nil {
		return nil, err
	}
	e.logger.Info("review meeting requested revision", "task_id", task.ID, "round", round, "new_items", len(stored))
	return out, nil
}

func (e *Engine) closeRound(ctx context.Context, meetingID, meetingStatus string, state persistence.ReviewRoundState, summary string) error {
	if err := e.store.FinishMeeting(ctx, meetingID, meetingStatus, summary); err != nil {
		return err
	}
	if err := e.store.SaveReviewRound(ctx, state); err != nil {
		return err
	}
	e.bus.Publish(bus.TopicReviewMeeting, bus.ReviewMeetingEvent{
		TaskID: state.TaskID, Round: state.Round, Mode: state.Mode, Decision: state.Status, Summary: summary,
	})
	return nil
}

// Resolve closes an escalated round with the operator's resolution and, on
// approval, resolves every open memo item.
func (e *Engine) Resolve(ctx context.Context, taskID string, round int, resolution string, approved bool) error {
	if err := e.store.SetReviewRoundStatus(ctx, taskID, round, persistence.RoundResolved, resolution); err != nil {
		return err
	}
	if approved {
		return e.store.ResolveRevisionItems(ctx, taskID)
	}
	return nil
}

// RevisionBrief lists the unresolved memo items of a task for the revision
// run's prompt. It is empty when nothing is open.
func (e *Engine) RevisionBrief(ctx context.Context, taskID string) (string, error) {
	items, err := e.store.ListRevisionItems(ctx, taskID, true)
	if err != nil || len(items) == 0 {
		return "", err
	}
	var b strings.Builder
	b.WriteString("Review memo to address:\n")
	for _, it := range items {
		dept := it.DepartmentID
		if dept == "" {
			dept = "review"
		}
		fmt.Fprintf(&b, "- [%s, round %d] %s\n", dept, it.Round, it.RawNote)
	}
	return b.String(), nil
}

func unanimous(decisions map[string]Decision) bool {
	if len(decisions) == 0 {
		return false
	}
	for _, d := range decisions {
		if d != DecisionApproved {
			return false
		}
	}
	return true
}

func summarize(round int, mode string, decisions map[string]Decision) string {
	counts := map[Decision]int{}
	for _, d := range decisions {
		counts[d]++
	}
	return fmt.Sprintf("round %d %s: approved=%d hold=%d reviewing=%d",
		round, mode, counts[DecisionApproved], counts[DecisionHold], counts[DecisionReviewing])
}
