package eventbus

type Type string

const (
	TypeTaskStarted      Type = "task_started"
	TypeTaskOutput       Type = "task_output"
	TypeTaskCompleted    Type = "task_completed"
	TypeActivityCreated  Type = "activity_created"
	TypePlanningPhase    Type = "planning_phase"
	TypePlanningComplete Type = "planning_complete"
	TypeSchedulingHint   Type = "scheduling_hint"
	TypeNotification     Type = "notification"

	TypeTaskUpdated    Type = "task_updated"
	TypeTaskDeleted    Type = "task_deleted"
	TypeProjectUpdated Type = "project_updated"
	TypeProjectDeleted Type = "project_deleted"
	TypeAgentUpdated   Type = "agent_updated"
	TypeAgentDeleted   Type = "agent_deleted"
	TypeMessageCreated Type = "message_created"

	// TypeSubscribed is sent once to a new stream subscriber, never published.
	TypeSubscribed Type = "subscribed"
)

type Subscribed struct {
	SubscriberID string `json:"subscriber_id"`
}

type TaskStarted struct {
	TaskID    string `json:"task_id"`
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	TaskTitle string `json:"task_title"`
}

type TaskOutput struct {
	TaskID     string `json:"task_id"`
	Content    string `json:"content"`
	OutputType string `json:"output_type"`
}

type TaskCompleted struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type ActivityCreated struct {
	Activity any `json:"activity"`
}

type PlanningPhase struct {
	ProjectID string `json:"project_id"`
	Phase     string `json:"phase"`
	Message   string `json:"message"`
}

type PlanningComplete struct {
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
	Title     string `json:"title,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SchedulingHint lists tasks that just became runnable. Nothing runs them
// automatically except the orchestrator loop of an executing project.
type SchedulingHint struct {
	ProjectID string   `json:"project_id"`
	TaskIDs   []string `json:"task_ids"`
}

type NotificationLevel string

const (
	NotificationInfo  NotificationLevel = "info"
	NotificationError NotificationLevel = "error"
)

type Notification struct {
	Level   NotificationLevel `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	URL     string            `json:"url,omitempty"`
}

// RecordChanged carries the committed record for the *_updated and *_deleted
// types.
type RecordChanged struct {
	Op     string `json:"op"`
	Record any    `json:"record"`
}
