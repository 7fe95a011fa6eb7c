package protocol

// Task is the task shape carried by task_update and dashboard data.
type Task struct {
	ID                      ID       `json:"id"`
	Title                   string   `json:"title"`
	Status                  string   `json:"status,omitempty"`
	Priority                string   `json:"priority,omitempty"`
	DueDate                 string   `json:"due_date,omitempty"`
	AssignedTo              string   `json:"assigned_to,omitempty"`
	AssignedToName          string   `json:"assigned_to_name,omitempty"`
	CompletedAt             string   `json:"completed_at,omitempty"`
	LastStatusUpdate        string   `json:"last_status_update,omitempty"`
	Changes                 []string `json:"changes,omitempty"`
	BeautifiedStatusMessage string   `json:"beautified_status_message,omitempty"`
}

// TaskUpdateInfo is the formatted description of one change to a task.
type TaskUpdateInfo struct {
	ID          string   `json:"id"`
	TaskID      ID       `json:"taskId"`
	Timestamp   string   `json:"timestamp"`
	Type        string   `json:"type"`
	Title       string   `json:"title"`
	Message     string   `json:"message"`
	Status      string   `json:"status,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	CompletedAt string   `json:"completedAt,omitempty"`
	AssignedTo  string   `json:"assignedTo,omitempty"`
	Changes     []string `json:"changes,omitempty"`
}

type Notification struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	TaskID    ID     `json:"taskId,omitempty"`
	Priority  string `json:"priority,omitempty"`
	Status    string `json:"status,omitempty"`
}

// TaskUpdate is the task_update payload. Update, Notification and
// BeautifiedStatus are optional parts a sender may attach.
type TaskUpdate struct {
	Task             Task            `json:"task"`
	Update           *TaskUpdateInfo `json:"update,omitempty"`
	Notification     *Notification   `json:"notification,omitempty"`
	BeautifiedStatus string          `json:"beautifiedStatus,omitempty"`
	SenderID         string          `json:"-"`
}

type TaskStatusChange struct {
	Task           Task   `json:"task"`
	PreviousStatus string `json:"previous_status,omitempty"`
	SenderID       string `json:"-"`
}

// DashboardState is carried by both dashboard_state and dashboard_sync.
// TargetUserID is only meaningful for dashboard_sync.
type DashboardState struct {
	SourceUserID  string         `json:"source_user_id,omitempty"`
	TargetUserID  string         `json:"target_user_id,omitempty"`
	DashboardType string         `json:"dashboard_type"`
	Filters       map[string]any `json:"filters"`
	Data          map[string]any `json:"data"`
	Timestamp     float64        `json:"timestamp,omitempty"`
}

type DashboardFilter struct {
	SourceUserID string         `json:"source_user_id,omitempty"`
	Filters      map[string]any `json:"filters"`
	Timestamp    float64        `json:"timestamp,omitempty"`
}

// StateUpdate is the state_update payload. Data is a single record object
// for create/update/delete and an array of records for batch.
type StateUpdate struct {
	ResourceType string  `json:"resource_type"`
	ResourceID   string  `json:"resource_id,omitempty"`
	Action       string  `json:"action"`
	Data         any     `json:"data,omitempty"`
	Timestamp    float64 `json:"timestamp,omitempty"`
	SenderID     string  `json:"-"`
}

type BeautifiedStatus struct {
	TaskID ID     `json:"taskId"`
	Status string `json:"status"`
}

type Presence struct {
	UserID      string  `json:"user_id"`
	WorkspaceID string  `json:"workspace_id,omitempty"`
	Status      string  `json:"status"`
	LastSeen    float64 `json:"last_seen,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
