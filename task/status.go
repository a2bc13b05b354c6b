package task

import (
	"fmt"
	"time"
)

const (
	dateLayout  = "2006-01-02"
	clockLayout = "15:04"
)

// combineInstant builds an instant from a date and/or clock-time string.
// A date without a time resolves to the start of that day (or, when endOfDay
// is set, one second before midnight, so a due date covers the whole day).
// A time without a date resolves to that time on now's date.
func combineInstant(date, clock string, now time.Time, endOfDay bool) (time.Time, bool) {
	if date == "" && clock == "" {
		return time.Time{}, false
	}

	loc := now.Location()

	if date == "" {
		t, err := time.ParseInLocation(clockLayout, clock, loc)
		if err != nil {
			return time.Time{}, false
		}
		return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, loc), true
	}

	d, err := time.ParseInLocation(dateLayout, date, loc)
	if err != nil {
		return time.Time{}, false
	}
	if clock == "" {
		if endOfDay {
			return time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, loc), true
		}
		return d, true
	}

	t, err := time.ParseInLocation(clockLayout, clock, loc)
	if err != nil {
		return d, true
	}
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour(), t.Minute(), 0, 0, loc), true
}

// DueInstant returns the task's effective due instant, if any.
func (t *Task) DueInstant(now time.Time) (time.Time, bool) {
	return combineInstant(t.DueDate, t.DueTime, now, true)
}

// StartInstant returns the task's effective start instant, if any.
func (t *Task) StartInstant(now time.Time) (time.Time, bool) {
	return combineInstant(t.StartDate, t.StartTime, now, false)
}

// DetermineStatus derives a task's lifecycle status from its completion flag
// and scheduling fields. Overdue takes precedence over start-based states.
func DetermineStatus(t Task, now time.Time) Status {
	if t.Completed {
		return StatusDone
	}

	if t.StartDate == "" && t.StartTime == "" {
		return StatusBacklog
	}

	if due, ok := t.DueInstant(now); ok && now.After(due) {
		return StatusOverdue
	}

	if start, ok := t.StartInstant(now); ok {
		if now.Before(start) {
			return StatusTodo
		}
		return StatusInProgress
	}

	if t.Status != "" {
		return t.Status
	}
	return StatusBacklog
}

// CheckAndMoveOverdueTasks applies DetermineStatus to every task in the
// collection, skipping tasks that are already done. Whenever the derived
// status differs from the stored one, the task is updated in place and an
// activity entry records the automatic transition. It returns the tasks
// whose status changed.
func CheckAndMoveOverdueTasks(tasks []Task, now time.Time) []Task {
	var changed []Task
	for i := range tasks {
		t := &tasks[i]
		if t.Status == StatusDone || t.Status == StatusArchive {
			continue
		}
		derived := DetermineStatus(*t, now)
		prior := t.Status
		if prior == "" {
			prior = StatusBacklog
		}
		if derived == prior {
			t.Status = derived
			continue
		}
		t.Status = derived
		t.AppendActivity(now, fmt.Sprintf("status automatically changed from %s to %s", prior, derived))
		changed = append(changed, *t)
	}
	return changed
}
