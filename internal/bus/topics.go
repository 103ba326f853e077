package bus

// Task lifecycle topics.
const (
	TopicTaskUpdated    = "task.updated"
	TopicTaskLog        = "task.log"
	TopicSubtaskUpdated = "subtask.updated"
)

// Message ingress topics.
const (
	TopicMessageNew          = "message.new"
	TopicMessageAnnouncement = "message.announcement"
)

// Organisation and review topics.
const (
	TopicAgentStatus    = "agent.status"
	TopicDecisionInbox  = "decision.inbox"
	TopicReviewMeeting  = "review.meeting"
	TopicCEONotice      = "ceo.notice"
	TopicDelegationStep = "delegation.step"
)

// TaskUpdatedEvent is published after every persisted task transition.
type TaskUpdatedEvent struct {
	TaskID    string `json:"task_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	ProjectID string `json:"project_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// TaskLogEvent mirrors a task_logs row.
type TaskLogEvent struct {
	TaskID  string `json:"task_id"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// SubtaskUpdatedEvent is published when a subtask changes state.
type SubtaskUpdatedEvent struct {
	SubtaskID       string `json:"subtask_id"`
	TaskID          string `json:"task_id"`
	Status          string `json:"status"`
	DelegatedTaskID string `json:"delegated_task_id,omitempty"`
	BlockedReason   string `json:"blocked_reason,omitempty"`
}

// MessageEvent is published for accepted messages, announcements and directives.
type MessageEvent struct {
	MessageID   string `json:"message_id"`
	SenderType  string `json:"sender_type"`
	SenderID    string `json:"sender_id,omitempty"`
	ReceiverID  string `json:"receiver_id,omitempty"`
	MessageType string `json:"message_type"`
	Content     string `json:"content"`
	ProjectID   string `json:"project_id,omitempty"`
}

// AgentStatusEvent is published when an agent goes idle, working or offline.
type AgentStatusEvent struct {
	AgentID       string `json:"agent_id"`
	Status        string `json:"status"`
	CurrentTaskID string `json:"current_task_id,omitempty"`
}

// DecisionInboxEvent signals that the decision inbox changed.
type DecisionInboxEvent struct {
	DecisionID string `json:"decision_id"`
	Kind       string `json:"kind"`
	Summary    string `json:"summary"`
}

// ReviewMeetingEvent reports a leader statement or round outcome.
type ReviewMeetingEvent struct {
	TaskID   string `json:"task_id"`
	Round    int    `json:"round"`
	Mode     string `json:"mode"`
	AgentID  string `json:"agent_id,omitempty"`
	Decision string `json:"decision"`
	Summary  string `json:"summary,omitempty"`
}

// CEONotice is an operator-facing notice (leader reports, gate notices).
type CEONotice struct {
	TaskID    string `json:"task_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	FromAgent string `json:"from_agent,omitempty"`
	Message   string `json:"message"`
}

// DelegationStepEvent reports progress of a parent's delegation queue.
type DelegationStepEvent struct {
	ParentTaskID string `json:"parent_task_id"`
	DepartmentID string `json:"department_id"`
	ChildTaskID  string `json:"child_task_id,omitempty"`
	Index        int    `json:"index"`
	Total        int    `json:"total"`
}
