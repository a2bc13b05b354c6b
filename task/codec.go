package task

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Remote record field caps imposed by the task API.
const (
	MaxTitleLength = 1023
	MaxNotesLength = 4095
)

// Reduction ladder limits, applied only when the encoded form exceeds
// MaxNotesLength. Each step re-measures before moving to the next.
const (
	reducedActivityEntries  = 5
	reducedSubtasks         = 5
	reducedDescriptionChars = 500
	reducedLocationAddress  = 256
	reducedLocationName     = 64
)

const ellipsis = "…"

// notesPayload is the structured representation stored in the remote record's
// notes field. Field names are part of the wire format; records written by
// older versions decode with missing fields zeroed.
type notesPayload struct {
	Description string          `json:"description,omitempty"`
	Status      Status          `json:"status,omitempty"`
	Priority    Priority        `json:"priority,omitempty"`
	Collection  string          `json:"collection,omitempty"`
	Location    *Location       `json:"location,omitempty"`
	StartDate   string          `json:"startDate,omitempty"`
	StartTime   string          `json:"startTime,omitempty"`
	DueDate     string          `json:"dueDate,omitempty"`
	DueTime     string          `json:"dueTime,omitempty"`
	ActualStart string          `json:"actualStart,omitempty"`
	ActualEnd   string          `json:"actualEnd,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	Subtasks    []Subtask       `json:"subtasks,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	Activity    []ActivityEntry `json:"activity,omitempty"`
}

func payloadFromTask(t Task) notesPayload {
	p := notesPayload{
		Description: t.Description,
		Status:      t.Status,
		Priority:    t.Priority,
		Collection:  t.Collection,
		StartDate:   t.StartDate,
		StartTime:   t.StartTime,
		DueDate:     t.DueDate,
		DueTime:     t.DueTime,
		Tags:        t.Tags,
		Subtasks:    t.Subtasks,
		Attachments: t.Attachments,
		Activity:    t.Activity,
	}
	if t.Location != (Location{}) {
		loc := t.Location
		p.Location = &loc
	}
	if !t.ActualStart.IsZero() {
		p.ActualStart = t.ActualStart.UTC().Format(time.RFC3339)
	}
	if !t.ActualEnd.IsZero() {
		p.ActualEnd = t.ActualEnd.UTC().Format(time.RFC3339)
	}
	return p
}

func marshalPayload(p notesPayload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal notes payload: %w", err)
	}
	return string(b), nil
}

// EncodeNotes serializes a task's non-primary fields into the remote notes
// field. If the serialized form exceeds MaxNotesLength, a deterministic
// size-reduction ladder is applied step by step, re-measuring after each
// step, until the encoding fits. Applying the ladder to already-reduced data
// is a no-op.
func EncodeNotes(t Task) (string, error) {
	p := payloadFromTask(t)

	s, err := marshalPayload(p)
	if err != nil {
		return "", err
	}
	if len(s) <= MaxNotesLength {
		return s, nil
	}

	// Step 1: keep only the most recent activity entries.
	if len(p.Activity) > reducedActivityEntries {
		p.Activity = p.Activity[len(p.Activity)-reducedActivityEntries:]
		if s, err = marshalPayload(p); err != nil {
			return "", err
		}
		if len(s) <= MaxNotesLength {
			return s, nil
		}
	}

	// Step 2: drop attachments.
	if len(p.Attachments) > 0 {
		p.Attachments = nil
		if s, err = marshalPayload(p); err != nil {
			return "", err
		}
		if len(s) <= MaxNotesLength {
			return s, nil
		}
	}

	// Step 3: keep only the first subtasks.
	if len(p.Subtasks) > reducedSubtasks {
		p.Subtasks = p.Subtasks[:reducedSubtasks]
		if s, err = marshalPayload(p); err != nil {
			return "", err
		}
		if len(s) <= MaxNotesLength {
			return s, nil
		}
	}

	// Step 4: truncate the description.
	if len(p.Description) > reducedDescriptionChars {
		p.Description = truncate(p.Description, reducedDescriptionChars) + ellipsis
		if s, err = marshalPayload(p); err != nil {
			return "", err
		}
		if len(s) <= MaxNotesLength {
			return s, nil
		}
	}

	// Step 5: truncate long location text.
	if p.Location != nil {
		if len(p.Location.Address) > reducedLocationAddress {
			p.Location.Address = truncate(p.Location.Address, reducedLocationAddress) + ellipsis
		}
		if len(p.Location.Name) > reducedLocationName {
			p.Location.Name = truncate(p.Location.Name, reducedLocationName) + ellipsis
		}
		if s, err = marshalPayload(p); err != nil {
			return "", err
		}
		if len(s) <= MaxNotesLength {
			return s, nil
		}
	}

	// Step 6: minimal record. Retains status, priority, collection, a short
	// location name, scheduling fields and the single most recent activity
	// entry; subtasks, attachments, tags and the description are discarded.
	minimal := notesPayload{
		Status:      p.Status,
		Priority:    p.Priority,
		Collection:  p.Collection,
		StartDate:   p.StartDate,
		StartTime:   p.StartTime,
		DueDate:     p.DueDate,
		DueTime:     p.DueTime,
		ActualStart: p.ActualStart,
		ActualEnd:   p.ActualEnd,
	}
	if p.Location != nil && p.Location.Name != "" {
		name := p.Location.Name
		if len(name) > reducedLocationName {
			name = truncate(name, reducedLocationName) + ellipsis
		}
		minimal.Location = &Location{Name: name}
	}
	if len(p.Activity) > 0 {
		minimal.Activity = p.Activity[len(p.Activity)-1:]
	}
	if s, err = marshalPayload(minimal); err != nil {
		return "", err
	}
	if len(s) > MaxNotesLength {
		return "", fmt.Errorf("encoded task notes still exceed %d bytes after reduction", MaxNotesLength)
	}
	return s, nil
}

// DecodeNotes parses the remote notes field back into the task. Records not
// written by this engine (or plain free text) are treated as an unstructured
// description.
func DecodeNotes(notes string, t *Task) {
	trimmed := strings.TrimSpace(notes)
	if !strings.HasPrefix(trimmed, "{") {
		t.Description = notes
		return
	}

	var p notesPayload
	if err := json.Unmarshal([]byte(trimmed), &p); err != nil {
		t.Description = notes
		return
	}

	t.Description = p.Description
	t.Status = p.Status
	t.Priority = p.Priority
	t.Collection = p.Collection
	t.StartDate = p.StartDate
	t.StartTime = p.StartTime
	t.DueDate = p.DueDate
	t.DueTime = p.DueTime
	t.Tags = p.Tags
	t.Subtasks = p.Subtasks
	t.Attachments = p.Attachments
	t.Activity = p.Activity
	if p.Location != nil {
		t.Location = *p.Location
	}
	if p.ActualStart != "" {
		if ts, err := parseRFC3339(p.ActualStart); err == nil {
			t.ActualStart = ts
		}
	}
	if p.ActualEnd != "" {
		if ts, err := parseRFC3339(p.ActualEnd); err == nil {
			t.ActualEnd = ts
		}
	}
}

func parseRFC3339(s string) (t time.Time, err error) {
	return time.Parse(time.RFC3339, s)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
