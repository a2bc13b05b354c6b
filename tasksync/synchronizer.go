// Package tasksync reconciles the rich local task model with the remote
// store: cached reads, debounced optimistic writes, and bounded-concurrency
// batch operations. It consumes tokens from the auth layer and never mutates
// auth policy itself.
package tasksync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskdock/taskdock/cache"
	"github.com/taskdock/taskdock/task"
)

// TokenSource yields access tokens for remote calls. Implemented by the auth
// manager.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	RefreshToken(ctx context.Context) (string, error)
}

// Options carries the synchronizer's tunables. Zero values take defaults.
type Options struct {
	// CacheTTL is how long a loaded collection stays fresh.
	CacheTTL time.Duration

	// CacheCapacity bounds the number of cached collections.
	CacheCapacity int

	// BatchSize is the chunk size for batch operations. Items within a
	// chunk run concurrently; chunks run sequentially.
	BatchSize int

	// DebounceDelay is the quiet period after the last queued edit before
	// a debounced write fires.
	DebounceDelay time.Duration

	// MaxDebounceWait caps how long a burst of edits can postpone a write.
	MaxDebounceWait time.Duration

	// ReloadDelay is the pause before the forced reload scheduled after a
	// failed write.
	ReloadDelay time.Duration

	// WriteTimeout bounds each background debounced write.
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.CacheTTL == 0 {
		o.CacheTTL = 30 * time.Second
	}
	if o.CacheCapacity == 0 {
		o.CacheCapacity = 32
	}
	if o.BatchSize == 0 {
		o.BatchSize = 5
	}
	if o.DebounceDelay == 0 {
		o.DebounceDelay = time.Second
	}
	if o.MaxDebounceWait == 0 {
		o.MaxDebounceWait = 5 * time.Second
	}
	if o.ReloadDelay == 0 {
		o.ReloadDelay = 2 * time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 30 * time.Second
	}
	return o
}

// CollectionListener receives the refreshed task list for a collection after
// every load and successful mutation.
type CollectionListener func(collectionID string, tasks []task.Task)

// ErrorListener receives failures from background debounced writes, which
// have no caller left to return to.
type ErrorListener func(collectionID string, err error)

type pendingWrite struct {
	collectionID string
	task         task.Task
	first        time.Time
	timer        *time.Timer
}

type loadHandle struct {
	seq    uint64
	cancel context.CancelFunc
}

// Synchronizer orchestrates remote task operations.
type Synchronizer struct {
	provider BackendProvider
	tokens   TokenSource
	cache    *cache.Cache[[]task.Task]
	logger   *slog.Logger
	opts     Options

	mu       sync.Mutex
	loads    map[string]loadHandle
	loadSeq  uint64
	pending  map[string]*pendingWrite
	assigned map[string]string
	closed   bool

	lmu       sync.Mutex
	listeners []CollectionListener
	onError   ErrorListener

	now func() time.Time
}

// New creates a Synchronizer.
func New(provider BackendProvider, tokens TokenSource, logger *slog.Logger, opts Options) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Synchronizer{
		provider: provider,
		tokens:   tokens,
		cache:    cache.New[[]task.Task](opts.CacheCapacity),
		logger:   logger,
		opts:     opts,
		loads:    make(map[string]loadHandle),
		pending:  make(map[string]*pendingWrite),
		assigned: make(map[string]string),
		now:      time.Now,
	}
}

// Subscribe registers a listener for refreshed collections.
func (s *Synchronizer) Subscribe(l CollectionListener) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = append(s.listeners, l)
}

// OnError registers the listener for background write failures.
func (s *Synchronizer) OnError(l ErrorListener) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.onError = l
}

func (s *Synchronizer) publish(collectionID string, tasks []task.Task) {
	s.lmu.Lock()
	listeners := make([]CollectionListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.lmu.Unlock()
	for _, l := range listeners {
		l(collectionID, tasks)
	}
}

func (s *Synchronizer) reportError(collectionID string, err error) {
	s.lmu.Lock()
	l := s.onError
	s.lmu.Unlock()
	if l != nil {
		l(collectionID, err)
	}
}

// Load returns the collection's tasks. A fresh cache entry is served without
// any network call unless force is set. A previous in-flight load for the
// same collection is cancelled first; at most one load per collection runs at
// a time.
func (s *Synchronizer) Load(ctx context.Context, collectionID string, force bool) ([]task.Task, error) {
	if !force {
		if tasks, ok := s.cache.Get(collectionID); ok {
			return tasks, nil
		}
	}

	loadCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if prev, ok := s.loads[collectionID]; ok {
		prev.cancel()
	}
	s.loadSeq++
	seq := s.loadSeq
	s.loads[collectionID] = loadHandle{seq: seq, cancel: cancel}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if h, ok := s.loads[collectionID]; ok && h.seq == seq {
			delete(s.loads, collectionID)
		}
		s.mu.Unlock()
		cancel()
	}()

	var remote []RemoteTask
	err := s.withBackend(loadCtx, func(b Backend) error {
		var lerr error
		remote, lerr = b.List(loadCtx, collectionID)
		return lerr
	})
	if err != nil {
		return nil, err
	}

	// A cancelled load discards its result without touching shared state.
	if loadCtx.Err() != nil {
		return nil, loadCtx.Err()
	}

	tasks := make([]task.Task, 0, len(remote))
	for _, r := range remote {
		t := decodeRemote(r)
		t.Collection = collectionID
		tasks = append(tasks, t)
	}
	task.CheckAndMoveOverdueTasks(tasks, s.now())

	s.cache.Set(collectionID, tasks, s.opts.CacheTTL)
	s.publish(collectionID, tasks)
	return tasks, nil
}

// Create queues a debounced remote create. The task gets a placeholder local
// ID until the remote assigns a real one; the cached collection is updated
// optimistically right away. The placeholder ID is returned so callers can
// address follow-up edits to the same task; once the create completes,
// placeholder references resolve to the remote-assigned ID.
func (s *Synchronizer) Create(collectionID string, t task.Task) (string, error) {
	if err := preflight(t); err != nil {
		return "", err
	}
	t.ID = localIDPrefix + uuid.New().String()
	s.applyLocal(collectionID, t, t.ID)
	s.queueWrite(collectionID, t.ID, t)
	return t.ID, nil
}

// Update queues a debounced remote patch. Rapid successive updates to the
// same task coalesce into one write.
func (s *Synchronizer) Update(collectionID string, t task.Task) error {
	if t.ID == "" {
		return fmt.Errorf("%w: update requires a task id", ErrLocalValidation)
	}
	if err := preflight(t); err != nil {
		return err
	}
	t.ID = s.resolveID(t.ID)
	s.applyLocal(collectionID, t, t.ID)
	s.queueWrite(collectionID, t.ID, t)
	return nil
}

// Delete removes the task locally and remotely. A remote failure schedules a
// forced reload so local state resynchronizes with the server.
func (s *Synchronizer) Delete(ctx context.Context, collectionID, taskID string) error {
	taskID = s.resolveID(taskID)
	s.removeLocal(collectionID, taskID)
	err := s.withBackend(ctx, func(b Backend) error {
		return b.Delete(ctx, collectionID, taskID)
	})
	if err != nil {
		s.scheduleReload(collectionID)
		return err
	}
	return nil
}

// DeleteMultiple deletes the given tasks in bounded-concurrency chunks.
func (s *Synchronizer) DeleteMultiple(ctx context.Context, collectionID string, taskIDs []string) error {
	return s.inChunks(len(taskIDs), func(i int) error {
		return s.Delete(ctx, collectionID, taskIDs[i])
	})
}

// UpdateMultiple writes the given tasks immediately (not debounced) in
// bounded-concurrency chunks.
func (s *Synchronizer) UpdateMultiple(ctx context.Context, collectionID string, tasks []task.Task) error {
	for i := range tasks {
		if tasks[i].ID == "" {
			return fmt.Errorf("%w: update requires a task id", ErrLocalValidation)
		}
		if err := preflight(tasks[i]); err != nil {
			return err
		}
	}
	err := s.inChunks(len(tasks), func(i int) error {
		_, werr := s.writeNow(ctx, collectionID, tasks[i])
		return werr
	})
	if err != nil {
		s.scheduleReload(collectionID)
		return err
	}
	s.cache.Delete(collectionID)
	return nil
}

// CopyTasks duplicates the given tasks from one collection into another.
func (s *Synchronizer) CopyTasks(ctx context.Context, srcCollectionID, dstCollectionID string, taskIDs []string) error {
	tasks, err := s.Load(ctx, srcCollectionID, false)
	if err != nil {
		return err
	}
	byID := make(map[string]task.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	err = s.inChunks(len(taskIDs), func(i int) error {
		t, ok := byID[taskIDs[i]]
		if !ok {
			return fmt.Errorf("%w: task %s not in collection %s", ErrNotFound, taskIDs[i], srcCollectionID)
		}
		t.ID = ""
		t.Collection = dstCollectionID
		_, werr := s.writeNow(ctx, dstCollectionID, t)
		return werr
	})
	if err != nil {
		s.scheduleReload(dstCollectionID)
		return err
	}
	s.cache.Delete(dstCollectionID)
	return nil
}

// MoveTasks copies the tasks into the destination collection, then deletes
// them from the source.
func (s *Synchronizer) MoveTasks(ctx context.Context, srcCollectionID, dstCollectionID string, taskIDs []string) error {
	if err := s.CopyTasks(ctx, srcCollectionID, dstCollectionID, taskIDs); err != nil {
		return err
	}
	return s.DeleteMultiple(ctx, srcCollectionID, taskIDs)
}

// ArchiveTasks transitions the given tasks to the archive status and writes
// them back. Archiving is a status transition, not a deletion.
func (s *Synchronizer) ArchiveTasks(ctx context.Context, collectionID string, taskIDs []string) error {
	tasks, err := s.Load(ctx, collectionID, false)
	if err != nil {
		return err
	}
	byID := make(map[string]task.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	now := s.now()
	archived := make([]task.Task, 0, len(taskIDs))
	for _, id := range taskIDs {
		t, ok := byID[id]
		if !ok {
			return fmt.Errorf("%w: task %s not in collection %s", ErrNotFound, id, collectionID)
		}
		if t.Status == task.StatusArchive {
			continue
		}
		t.AppendActivity(now, fmt.Sprintf("status automatically changed from %s to %s", t.Status, task.StatusArchive))
		t.Status = task.StatusArchive
		archived = append(archived, t)
	}
	return s.UpdateMultiple(ctx, collectionID, archived)
}

// Flush runs every pending debounced write immediately. Used on shutdown and
// by tests.
func (s *Synchronizer) Flush(ctx context.Context) {
	s.mu.Lock()
	writes := make([]*pendingWrite, 0, len(s.pending))
	for key, p := range s.pending {
		p.timer.Stop()
		writes = append(writes, p)
		delete(s.pending, key)
	}
	s.mu.Unlock()

	for _, p := range writes {
		s.performWrite(ctx, p.collectionID, p.task)
	}
}

// Close cancels in-flight loads and flushes pending writes.
func (s *Synchronizer) Close(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	for _, h := range s.loads {
		h.cancel()
	}
	s.mu.Unlock()
	s.Flush(ctx)
}

// localIDPrefix marks task IDs that exist only in the local cache, pending
// their first remote create.
const localIDPrefix = "local:"

func isLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}

// resolveID maps a placeholder ID to the remote-assigned ID once its create
// has completed, so follow-up edits addressed to the ID Create returned become
// patches instead of duplicate creates. Unassigned and non-local IDs pass
// through unchanged.
func (s *Synchronizer) resolveID(id string) string {
	if !isLocalID(id) {
		return id
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if remote, ok := s.assigned[id]; ok {
		return remote
	}
	return id
}

func (s *Synchronizer) recordAssigned(localID, remoteID string) {
	s.mu.Lock()
	s.assigned[localID] = remoteID
	s.mu.Unlock()
}

func preflight(t task.Task) error {
	if len(t.Title) > task.MaxTitleLength {
		return fmt.Errorf("%w: title exceeds %d bytes", ErrLocalValidation, task.MaxTitleLength)
	}
	return nil
}

// queueWrite records a debounced write. Each new edit restarts the quiet
// period; a burst older than MaxDebounceWait fires immediately.
func (s *Synchronizer) queueWrite(collectionID, key string, t task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if p, ok := s.pending[key]; ok {
		p.task = t
		delay := s.opts.DebounceDelay
		if s.now().Sub(p.first) >= s.opts.MaxDebounceWait {
			delay = 0
		}
		p.timer.Reset(delay)
		return
	}

	p := &pendingWrite{
		collectionID: collectionID,
		task:         t,
		first:        s.now(),
	}
	p.timer = time.AfterFunc(s.opts.DebounceDelay, func() { s.firePending(key) })
	s.pending[key] = p
}

func (s *Synchronizer) firePending(key string) {
	s.mu.Lock()
	p, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()
	s.performWrite(ctx, p.collectionID, p.task)
}

func (s *Synchronizer) performWrite(ctx context.Context, collectionID string, t task.Task) {
	key := s.resolveID(t.ID)
	t.ID = key
	saved, err := s.writeNow(ctx, collectionID, t)
	if err != nil {
		s.logger.Error("task write failed", "collection", collectionID, "task", t.ID, "kind", Classify(err), "error", err)
		s.reportError(collectionID, err)
		s.scheduleReload(collectionID)
		return
	}
	// Replace the placeholder (or stale) cached entry with the saved task.
	s.applyLocal(collectionID, saved, key)
	if tasks, ok := s.cache.Get(collectionID); ok {
		s.publish(collectionID, tasks)
	}
}

// writeNow performs one remote create or patch, mapped through the codec.
func (s *Synchronizer) writeNow(ctx context.Context, collectionID string, t task.Task) (task.Task, error) {
	t.ID = s.resolveID(t.ID)
	remote, err := encodeRemote(t, s.now())
	if err != nil {
		return task.Task{}, fmt.Errorf("%w: %v", ErrLocalValidation, err)
	}

	var saved RemoteTask
	err = s.withBackend(ctx, func(b Backend) error {
		var werr error
		if t.ID == "" || isLocalID(t.ID) {
			saved, werr = b.Create(ctx, collectionID, remote)
		} else {
			saved, werr = b.Patch(ctx, collectionID, t.ID, remote)
		}
		return werr
	})
	if err != nil {
		if errors.Is(err, ErrRemoteValidation) {
			// The codec should have kept the payload under the remote
			// caps; reaching here is a local bug.
			s.logger.Error("remote rejected codec output", "collection", collectionID, "task", t.ID, "error", err)
		}
		return task.Task{}, err
	}

	if isLocalID(t.ID) && saved.ID != "" {
		s.recordAssigned(t.ID, saved.ID)
	}
	t.ID = saved.ID
	t.Updated = saved.Updated
	return t, nil
}

// withBackend runs fn with a token-bound backend. A 401/403-class failure
// triggers exactly one token-refresh-and-retry cycle before the error is
// surfaced.
func (s *Synchronizer) withBackend(ctx context.Context, fn func(Backend) error) error {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}
	b, err := s.provider.Backend(ctx, token)
	if err != nil {
		return err
	}

	err = fn(b)
	if err == nil || (!errors.Is(err, ErrAuthRequired) && !errors.Is(err, ErrPermissionDenied)) {
		return err
	}

	s.logger.Warn("remote call rejected, refreshing token once", "error", err)
	token, rerr := s.tokens.RefreshToken(ctx)
	if rerr != nil {
		return err
	}
	b, berr := s.provider.Backend(ctx, token)
	if berr != nil {
		return err
	}
	return fn(b)
}

// inChunks runs fn over n items: BatchSize items concurrently per chunk,
// chunks sequentially.
func (s *Synchronizer) inChunks(n int, fn func(i int) error) error {
	var (
		emu  sync.Mutex
		errs []error
	)
	for start := 0; start < n; start += s.opts.BatchSize {
		end := start + s.opts.BatchSize
		if end > n {
			end = n
		}
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := fn(i); err != nil {
					emu.Lock()
					errs = append(errs, err)
					emu.Unlock()
				}
			}(i)
		}
		wg.Wait()
	}
	return errors.Join(errs...)
}

// applyLocal updates the cached collection optimistically: replace the entry
// matching key (remote ID or local debounce key), or append.
func (s *Synchronizer) applyLocal(collectionID string, t task.Task, key string) {
	tasks, ok := s.cache.Get(collectionID)
	if !ok {
		return
	}
	replaced := false
	for i := range tasks {
		if tasks[i].ID == key {
			tasks[i] = t
			replaced = true
			break
		}
	}
	if !replaced {
		tasks = append(tasks, t)
	}
	s.cache.Set(collectionID, tasks, s.opts.CacheTTL)
}

func (s *Synchronizer) removeLocal(collectionID, taskID string) {
	tasks, ok := s.cache.Get(collectionID)
	if !ok {
		return
	}
	out := tasks[:0]
	for _, t := range tasks {
		if t.ID != taskID {
			out = append(out, t)
		}
	}
	s.cache.Set(collectionID, out, s.opts.CacheTTL)
	s.publish(collectionID, out)
}

// scheduleReload forces a reload after a short delay so local state
// resynchronizes with the server after a failed write. Local state is never
// assumed authoritative once a write has failed.
func (s *Synchronizer) scheduleReload(collectionID string) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	time.AfterFunc(s.opts.ReloadDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
		defer cancel()
		if _, err := s.Load(ctx, collectionID, true); err != nil {
			s.logger.Warn("post-failure reload failed", "collection", collectionID, "error", err)
		}
	})
}
