// Package gtasks implements the tasksync.Backend contract on the Google
// Tasks API.
package gtasks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/tasks/v1"

	"github.com/taskdock/taskdock/tasksync"
)

const (
	statusNeedsAction = "needsAction"
	statusCompleted   = "completed"
)

// TasksBackend implements tasksync.Backend for Google Tasks.
type TasksBackend struct {
	service *tasks.Service
}

// NewTasksBackend creates a backend bound to the given token. clientOpts lets
// tests point the service at a fake endpoint.
func NewTasksBackend(ctx context.Context, token string, clientOpts ...option.ClientOption) (*TasksBackend, error) {
	opts := []option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})),
	}
	opts = append(opts, clientOpts...)

	srv, err := tasks.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create tasks service: %w", err)
	}
	return &TasksBackend{service: srv}, nil
}

// Provider implements tasksync.BackendProvider.
type Provider struct {
	clientOpts []option.ClientOption
}

// NewProvider creates a Provider. clientOpts is forwarded to every backend it
// builds.
func NewProvider(clientOpts ...option.ClientOption) *Provider {
	return &Provider{clientOpts: clientOpts}
}

func (p *Provider) Backend(ctx context.Context, token string) (tasksync.Backend, error) {
	return NewTasksBackend(ctx, token, p.clientOpts...)
}

func (b *TasksBackend) List(ctx context.Context, collectionID string) ([]tasksync.RemoteTask, error) {
	var out []tasksync.RemoteTask
	pageToken := ""
	for {
		call := b.service.Tasks.List(collectionID).
			ShowCompleted(true).
			ShowHidden(true).
			MaxResults(100).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		res, err := call.Do()
		if err != nil {
			return nil, classify("list tasks", err)
		}
		for _, item := range res.Items {
			out = append(out, fromAPI(item))
		}
		if res.NextPageToken == "" {
			return out, nil
		}
		pageToken = res.NextPageToken
	}
}

func (b *TasksBackend) Create(ctx context.Context, collectionID string, t tasksync.RemoteTask) (tasksync.RemoteTask, error) {
	res, err := b.service.Tasks.Insert(collectionID, toAPI(t)).Context(ctx).Do()
	if err != nil {
		return tasksync.RemoteTask{}, classify("create task", err)
	}
	return fromAPI(res), nil
}

func (b *TasksBackend) Patch(ctx context.Context, collectionID, taskID string, t tasksync.RemoteTask) (tasksync.RemoteTask, error) {
	res, err := b.service.Tasks.Patch(collectionID, taskID, toAPI(t)).Context(ctx).Do()
	if err != nil {
		return tasksync.RemoteTask{}, classify("update task", err)
	}
	return fromAPI(res), nil
}

func (b *TasksBackend) Delete(ctx context.Context, collectionID, taskID string) error {
	if err := b.service.Tasks.Delete(collectionID, taskID).Context(ctx).Do(); err != nil {
		return classify("delete task", err)
	}
	return nil
}

func toAPI(t tasksync.RemoteTask) *tasks.Task {
	out := &tasks.Task{
		Title:  t.Title,
		Notes:  t.Notes,
		Status: statusNeedsAction,
	}
	if t.Completed {
		out.Status = statusCompleted
	}
	if !t.Due.IsZero() {
		out.Due = t.Due.UTC().Format(time.RFC3339)
	}
	return out
}

func fromAPI(t *tasks.Task) tasksync.RemoteTask {
	out := tasksync.RemoteTask{
		ID:        t.Id,
		Title:     t.Title,
		Notes:     t.Notes,
		Completed: t.Status == statusCompleted,
	}
	if t.Due != "" {
		if due, err := time.Parse(time.RFC3339, t.Due); err == nil {
			out.Due = due
		}
	}
	if t.Updated != "" {
		if upd, err := time.Parse(time.RFC3339, t.Updated); err == nil {
			out.Updated = upd
		}
	}
	return out
}

// classify maps Google API failures onto the package's sentinel errors so
// callers can branch with errors.Is.
func classify(op string, err error) error {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		switch gErr.Code {
		case 401:
			return fmt.Errorf("%s: %w: %v", op, tasksync.ErrAuthRequired, gErr.Message)
		case 403:
			return fmt.Errorf("%s: %w: %v", op, tasksync.ErrPermissionDenied, gErr.Message)
		case 404:
			return fmt.Errorf("%s: %w", op, tasksync.ErrNotFound)
		case 400, 411, 413:
			return fmt.Errorf("%s: %w: %v", op, tasksync.ErrRemoteValidation, gErr.Message)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, tasksync.ErrNetwork, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
