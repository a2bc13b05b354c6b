// Package task defines the local task model, the lifecycle status rules and
// the codec that maps the rich model onto the remote record's bounded notes
// field.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Status is a task lifecycle bucket.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in-progress"
	StatusOverdue    Status = "overdue"
	StatusDone       Status = "done"
	StatusArchive    Status = "archive"
)

// Priority of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// MaxActivityEntries caps the activity log; the oldest entries are dropped
// once the cap is reached.
const MaxActivityEntries = 50

// Subtask is an ordered checklist item, optionally linking to another task.
type Subtask struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Done         bool   `json:"done"`
	LinkedTaskID string `json:"linkedTaskId,omitempty"`
}

// Attachment references an external resource attached to a task.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ActivityEntry records one event in a task's history.
type ActivityEntry struct {
	ID      string    `json:"id"`
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Location describes where a task takes place.
type Location struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"`
}

// Task is the local task record. An empty ID means the task has not been
// persisted remotely yet; the remote create assigns it.
type Task struct {
	ID          string
	Title       string
	Description string
	Status      Status
	Priority    Priority
	Completed   bool

	// Scheduling. Dates use "2006-01-02", clock times use "15:04".
	// Empty string means unset.
	StartDate string
	StartTime string
	DueDate   string
	DueTime   string

	ActualStart time.Time
	ActualEnd   time.Time

	Tags        []string
	Subtasks    []Subtask
	Attachments []Attachment
	Activity    []ActivityEntry

	Collection string
	Location   Location

	Updated time.Time
}

// AppendActivity adds a new entry to the task's activity log, enforcing the
// entry cap by dropping the oldest entries.
func (t *Task) AppendActivity(at time.Time, message string) {
	t.Activity = append(t.Activity, ActivityEntry{
		ID:      uuid.New().String(),
		At:      at,
		Message: message,
	})
	if len(t.Activity) > MaxActivityEntries {
		t.Activity = t.Activity[len(t.Activity)-MaxActivityEntries:]
	}
}

// AddTag adds a tag if not already present; tags behave as a set.
func (t *Task) AddTag(tag string) {
	for _, existing := range t.Tags {
		if existing == tag {
			return
		}
	}
	t.Tags = append(t.Tags, tag)
}

// HasTag reports whether the task carries the given tag.
func (t *Task) HasTag(tag string) bool {
	for _, existing := range t.Tags {
		if existing == tag {
			return true
		}
	}
	return false
}
