package tasksync

import (
	"fmt"
	"time"

	"github.com/taskdock/taskdock/task"
)

// encodeRemote maps a local task onto the remote record shape. Everything
// the record cannot carry natively travels through the notes codec. Archive
// is a local status; the remote's binary completion flag treats it like done
// so archived tasks stay hidden from the provider's active views.
func encodeRemote(t task.Task, now time.Time) (RemoteTask, error) {
	notes, err := task.EncodeNotes(t)
	if err != nil {
		return RemoteTask{}, fmt.Errorf("encode notes: %w", err)
	}

	out := RemoteTask{
		ID:        t.ID,
		Title:     t.Title,
		Notes:     notes,
		Completed: t.Completed || t.Status == task.StatusDone || t.Status == task.StatusArchive,
	}
	if due, ok := t.DueInstant(now); ok {
		out.Due = due
	}
	return out, nil
}

// decodeRemote rebuilds the local task from a remote record. A notes field
// that is not codec output is kept as a plain description, so records written
// by other clients survive a round trip.
func decodeRemote(r RemoteTask) task.Task {
	t := task.Task{
		ID:        r.ID,
		Title:     r.Title,
		Completed: r.Completed,
		Updated:   r.Updated,
	}
	task.DecodeNotes(r.Notes, &t)

	if r.Completed && t.Status != task.StatusArchive {
		t.Status = task.StatusDone
	}
	if !r.Due.IsZero() && t.DueDate == "" {
		t.DueDate = r.Due.Format("2006-01-02")
	}
	return t
}
