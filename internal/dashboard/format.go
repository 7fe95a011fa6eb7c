package dashboard

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/dashsync/internal/protocol"
)

// UpdateKind classifies a task change for its update and notification text.
type UpdateKind string

const (
	UpdateStatusChange UpdateKind = "status_change"
	UpdateCompletion   UpdateKind = "completion"
	UpdateAssignment   UpdateKind = "assignment"
	UpdateGeneric      UpdateKind = "update"
)

func ParseUpdateKind(raw string) UpdateKind {
	switch k := UpdateKind(strings.ToLower(strings.TrimSpace(raw))); k {
	case UpdateStatusChange, UpdateCompletion, UpdateAssignment:
		return k
	}
	return UpdateGeneric
}

var statusDisplay = map[string]string{
	"TODO":        "📋 To Do",
	"IN_PROGRESS": "🔄 In Progress",
	"COMPLETED":   "✅ Completed",
	"BLOCKED":     "🚫 Blocked",
	"ON_HOLD":     "⏸️ On Hold",
}

var priorityDisplay = map[string]string{
	"LOW":    "🔽 Low Priority",
	"MEDIUM": "➡️ Medium Priority",
	"HIGH":   "🔼 High Priority",
	"URGENT": "⚠️ Urgent",
}

func StatusDisplay(status string) string {
	if s, ok := statusDisplay[status]; ok {
		return s
	}
	return status
}

func PriorityDisplay(priority string) string {
	if p, ok := priorityDisplay[priority]; ok {
		return p
	}
	return priority
}

// BeautifiedStatusMessage renders the human status summary for a task.
// previousStatus may be empty.
func BeautifiedStatusMessage(task protocol.Task, previousStatus string) string {
	var b strings.Builder
	if previousStatus != "" && previousStatus != task.Status {
		fmt.Fprintf(&b, "Task \"%s\" moved from %s to %s\n", task.Title, StatusDisplay(previousStatus), StatusDisplay(task.Status))
	} else {
		fmt.Fprintf(&b, "Task \"%s\" is %s\n", task.Title, StatusDisplay(task.Status))
	}
	if task.Priority != "" {
		b.WriteString(PriorityDisplay(task.Priority) + " | ")
	}
	if task.DueDate != "" {
		b.WriteString("Due: " + longDate(task.DueDate) + " | ")
	}
	if task.Status == "COMPLETED" && task.CompletedAt != "" {
		b.WriteString("✨ Completed on " + longDate(task.CompletedAt))
	}
	if task.LastStatusUpdate != "" {
		b.WriteString("\nLast updated: " + dateTime(task.LastStatusUpdate))
	}
	return strings.TrimSpace(b.String())
}

// FormatTaskUpdate builds the update entry shown in the activity feed.
func FormatTaskUpdate(task protocol.Task, kind UpdateKind, previousStatus, id string, now time.Time) protocol.TaskUpdateInfo {
	info := protocol.TaskUpdateInfo{
		ID:        id,
		TaskID:    task.ID,
		Timestamp: isoTimestamp(now),
		Type:      string(kind),
	}
	switch kind {
	case UpdateStatusChange:
		info.Title = "Task Status Updated"
		info.Message = BeautifiedStatusMessage(task, previousStatus)
		info.Status = task.Status
		info.Priority = task.Priority
	case UpdateCompletion:
		info.Title = "Task Completed"
		info.Message = fmt.Sprintf("🎉 Task \"%s\" has been completed!", task.Title)
		info.CompletedAt = task.CompletedAt
	case UpdateAssignment:
		info.Title = "Task Assigned"
		info.Message = fmt.Sprintf("Task \"%s\" has been assigned to %s", task.Title, task.AssignedToName)
		info.AssignedTo = task.AssignedTo
	default:
		info.Type = string(UpdateGeneric)
		info.Title = "Task Updated"
		info.Message = fmt.Sprintf("Task \"%s\" has been updated", task.Title)
		info.Changes = append([]string{}, task.Changes...)
	}
	return info
}

// TaskNotification derives the notification for an update entry.
func TaskNotification(task protocol.Task, update protocol.TaskUpdateInfo) protocol.Notification {
	return protocol.Notification{
		ID:        update.ID,
		Title:     update.Title,
		Message:   update.Message,
		Type:      "task_update",
		Timestamp: update.Timestamp,
		TaskID:    task.ID,
		Priority:  task.Priority,
		Status:    task.Status,
	}
}

func isoTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// longDate renders "March 1st, 2024". Unparseable input is returned as is.
func longDate(raw string) string {
	t, ok := parseDate(raw)
	if !ok {
		return raw
	}
	return fmt.Sprintf("%s %s, %d", t.Month(), ordinal(t.Day()), t.Year())
}

// dateTime renders "Mar 1, 2024, 3:04 PM".
func dateTime(raw string) string {
	t, ok := parseDate(raw)
	if !ok {
		return raw
	}
	return t.Format("Jan 2, 2006, 3:04 PM")
}

func ordinal(day int) string {
	suffix := "th"
	switch day % 100 {
	case 11, 12, 13:
	default:
		switch day % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return fmt.Sprintf("%d%s", day, suffix)
}
