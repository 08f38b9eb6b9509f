// ABOUTME: Orchestrator runs tasks: submits upstream, dispatches tool calls, republishes events.
// ABOUTME: Cancel, timeout and link loss each end a task with exactly one terminal event.

package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/pilot-gateway/internal/clock"
	"github.com/2389/pilot-gateway/internal/dedupe"
	"github.com/2389/pilot-gateway/internal/fault"
	"github.com/2389/pilot-gateway/internal/link"
	"github.com/2389/pilot-gateway/internal/metrics"
	"github.com/2389/pilot-gateway/internal/store"
	"github.com/2389/pilot-gateway/internal/tools"
)

const (
	// DefaultTimeout bounds a task's total duration.
	DefaultTimeout = 300 * time.Second
	// DefaultIdempotencyTTL is how long an idempotency key maps to its task.
	DefaultIdempotencyTTL = 10 * time.Minute

	storeWriteTimeout = 5 * time.Second
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("orchestrator closed")

// Config configures an Orchestrator.
type Config struct {
	Agent Agent
	Tools Executor
	// Store is optional; without it finished tasks cannot be replayed.
	Store          store.Store
	Metrics        *metrics.Metrics
	Clock          clock.Clock
	Logger         *slog.Logger
	Timeout        time.Duration
	IdempotencyTTL time.Duration
}

// Orchestrator owns every live task.
type Orchestrator struct {
	agent   Agent
	tools   Executor
	store   store.Store
	metrics *metrics.Metrics
	clock   clock.Clock
	logger  *slog.Logger
	timeout time.Duration
	keys    *dedupe.Cache

	mu     sync.Mutex
	tasks  map[string]*Task
	closed bool
	wg     sync.WaitGroup

	wmu        sync.RWMutex
	wclosed    bool
	writes     chan write
	writerDone chan struct{}
}

// write is one queued store operation. after runs once it is done.
type write struct {
	task  *store.Task
	event *store.Event
	after func()
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Agent == nil {
		return nil, errors.New("task: agent is required")
	}
	if cfg.Tools == nil {
		return nil, errors.New("task: tool executor is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = DefaultIdempotencyTTL
	}

	o := &Orchestrator{
		agent:   cfg.Agent,
		tools:   cfg.Tools,
		store:   cfg.Store,
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
		logger:  cfg.Logger.With("component", "tasks"),
		timeout: cfg.Timeout,
		keys:    dedupe.New(cfg.Clock, cfg.IdempotencyTTL, 10000),
		tasks:   make(map[string]*Task),
	}
	if o.store != nil {
		o.writes = make(chan write, 256)
		o.writerDone = make(chan struct{})
		go o.writer()
	}
	return o, nil
}

// Submit starts a task for prompt and returns a handle following it.
// Submission failures are returned and leave no task behind.
func (o *Orchestrator) Submit(ctx context.Context, prompt, client string) (*Handle, error) {
	t, err := o.start(ctx, uuid.New().String(), prompt, client)
	if err != nil {
		return nil, err
	}
	return t.follow(), nil
}

// SubmitWithKey is Submit with an idempotency key. If key was used within
// the idempotency window and its task is live or replayable, the returned
// handle follows that task and existing is true.
func (o *Orchestrator) SubmitWithKey(ctx context.Context, key, prompt, client string) (h *Handle, existing bool, err error) {
	if key == "" {
		h, err = o.Submit(ctx, prompt, client)
		return h, false, err
	}

	id := uuid.New().String()
	if prev, loaded := o.keys.PutIfAbsent(key, id); loaded {
		if h, err := o.attach(ctx, prev); err == nil {
			o.logger.Info("idempotent resubmission", "key", key, "task_id", prev)
			return h, true, nil
		}
		o.keys.Put(key, id)
	}

	t, err := o.start(ctx, id, prompt, client)
	if err != nil {
		o.keys.Delete(key)
		return nil, false, err
	}
	return t.follow(), false, nil
}

func (o *Orchestrator) start(ctx context.Context, id, prompt, client string) (*Task, error) {
	now := o.clock.Now()
	t := newTask(id, prompt, client, now)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", fault.ErrConnectionLost, ErrClosed)
	}
	o.tasks[id] = t
	o.wg.Add(1)
	o.mu.Unlock()

	stream, err := o.agent.Submit(ctx, id, prompt)
	if err != nil {
		code := fault.CodeOf(err)
		// Handles attached through an idempotency key see why it ended.
		t.finish(StatusFailed, EventError,
			link.MustPayload(link.ErrorPayload{Code: string(code), Message: err.Error()}),
			string(code), err.Error(), o.clock.Now())
		o.remove(id)
		o.wg.Done()
		o.logger.Warn("task submission failed", "task_id", id, "error", err)
		return nil, fmt.Errorf("submitting task: %w", err)
	}

	base, cancel := context.WithCancelCause(context.Background())
	runCtx, stopTimer := clock.WithTimeout(base, o.clock, o.timeout,
		fmt.Errorf("%w: task exceeded %s", fault.ErrTimeout, o.timeout))

	t.mu.Lock()
	t.cancel = cancel
	aborted := t.status.Terminal()
	if !aborted {
		t.status = StatusStreaming
		t.updated = o.clock.Now()
	}
	t.mu.Unlock()

	o.persist(write{task: record(t)})
	o.metrics.TaskStarted()
	o.logger.Info("task started", "task_id", id, "client", client)

	if aborted {
		// Close raced with the submission.
		cancel(fmt.Errorf("%w: %w", fault.ErrCancelled, ErrClosed))
	}
	go o.run(runCtx, stopTimer, t, stream)
	return t, nil
}

// run consumes one task's upstream stream in order.
func (o *Orchestrator) run(ctx context.Context, stopTimer context.CancelFunc, t *Task, stream Stream) {
	defer o.wg.Done()
	defer stream.Close()
	defer stopTimer()

	// Cancellation and timeout end the task from here, even while a tool
	// call is still unwinding.
	stopWatch := context.AfterFunc(ctx, func() { o.abort(t, context.Cause(ctx)) })
	defer stopWatch()

	local := make(map[string]struct{})
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-stream.Events():
			if !ok {
				o.abort(t, fmt.Errorf("%w: upstream stream ended without a result", fault.ErrConnectionLost))
				return
			}
			if o.handle(ctx, t, stream, ev, local) {
				return
			}
		}
	}
}

// handle processes one upstream event and reports whether it ended the task.
func (o *Orchestrator) handle(ctx context.Context, t *Task, stream Stream, ev link.Event, local map[string]struct{}) bool {
	switch ev.Kind {
	case link.KindThought:
		o.publish(t, EventThought, ev.Payload)
	case link.KindToolCall:
		o.dispatch(ctx, t, stream, ev.Payload, local)
	case link.KindToolResult:
		var p link.ToolResultPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			if _, ok := local[p.CallID]; ok {
				o.logger.Debug("dropping upstream echo of local tool result", "task_id", t.id, "call_id", p.CallID)
				return false
			}
		}
		o.publish(t, EventToolResult, ev.Payload)
	case link.KindFinal:
		if final, ok := t.finish(StatusCompleted, EventFinal, ev.Payload, "", "", o.clock.Now()); ok {
			o.finished(t, final)
		}
		return true
	case link.KindError:
		o.upstreamError(t, ev.Payload)
		return true
	default:
		o.logger.Warn("ignoring event of unknown kind", "task_id", t.id, "kind", ev.Kind, "upstream_seq", ev.UpstreamSeq)
	}
	return false
}

// dispatch executes one tool call and sends its result upstream. One call
// is in flight per task because the stream is read sequentially.
func (o *Orchestrator) dispatch(ctx context.Context, t *Task, stream Stream, payload json.RawMessage, local map[string]struct{}) {
	var call link.ToolCallPayload
	decodeErr := json.Unmarshal(payload, &call)

	if _, ok := o.publish(t, EventToolCall, payload); !ok {
		return
	}
	t.setStatus(StatusAwaitingTool, o.clock.Now())

	var res *tools.Result
	if decodeErr != nil {
		res = &tools.Result{
			CallID:  call.CallID,
			Tool:    call.Name,
			IsError: true,
			Code:    fault.CodeInvalidArgument,
			Content: []tools.Content{{Type: tools.ContentText, Text: "malformed tool call: " + decodeErr.Error()}},
		}
	} else {
		res = o.tools.Execute(ctx, tools.Call{
			ID:        call.CallID,
			Name:      call.Name,
			Arguments: call.Arguments,
			Session:   call.Session,
			Timeout:   call.Timeout(),
		})
	}
	if ctx.Err() != nil {
		return
	}
	local[call.CallID] = struct{}{}

	reply := link.ToolResultPayload{
		CallID:  call.CallID,
		Name:    call.Name,
		IsError: res.IsError,
		Code:    string(res.Code),
		Output:  res.JSON(),
	}
	if err := stream.SendToolResult(reply); err != nil {
		// A lost link ends the stream with connection_lost on its own.
		o.logger.Warn("sending tool result upstream", "task_id", t.id, "call_id", call.CallID, "error", err)
	}
	o.publish(t, EventToolResult, link.MustPayload(reply))
	t.setStatus(StatusStreaming, o.clock.Now())
}

// upstreamError ends the task with the agent's error. A missing code
// becomes upstream_error.
func (o *Orchestrator) upstreamError(t *Task, payload json.RawMessage) {
	var p link.ErrorPayload
	_ = json.Unmarshal(payload, &p)
	if p.Code == "" {
		p.Code = string(fault.CodeUpstream)
	}
	if p.Message == "" {
		p.Message = "agent reported an error"
	}
	if ev, ok := t.finish(StatusFailed, EventError, link.MustPayload(p), p.Code, p.Message, o.clock.Now()); ok {
		o.finished(t, ev)
	}
}

// abort ends t because of cause. Only the first terminal event counts.
func (o *Orchestrator) abort(t *Task, cause error) {
	code := fault.CodeOf(cause)
	status := StatusFailed
	switch code {
	case fault.CodeTimeout:
		status = StatusTimedOut
	case fault.CodeCancelled:
		status = StatusCancelled
	}
	msg := cause.Error()
	payload := link.MustPayload(link.ErrorPayload{Code: string(code), Message: msg})
	if ev, ok := t.finish(status, EventError, payload, string(code), msg, o.clock.Now()); ok {
		o.finished(t, ev)
	}
}

func (o *Orchestrator) publish(t *Task, typ EventType, payload json.RawMessage) (Event, bool) {
	ev, ok := t.publish(typ, payload, o.clock.Now())
	if !ok {
		return ev, false
	}
	o.metrics.IncTaskEvent(string(typ))
	o.persist(write{event: eventRecord(ev, o.clock.Now())})
	return ev, true
}

// finished records the terminal event and retires the task from the live
// table once the store has it.
func (o *Orchestrator) finished(t *Task, ev Event) {
	snap := t.Snapshot()
	elapsed := clock.Since(o.clock, t.created)
	o.metrics.IncTaskEvent(string(ev.Type))
	o.metrics.TaskFinished(snap.Status, elapsed)
	o.logger.Info("task finished", "task_id", t.id, "status", snap.Status,
		"code", snap.ErrorCode, "events", snap.Seq, "elapsed", elapsed)

	now := o.clock.Now()
	o.persist(write{event: eventRecord(ev, now)})
	o.persist(write{task: record(t), after: func() { o.remove(t.id) }})
}

func (o *Orchestrator) remove(id string) {
	o.mu.Lock()
	delete(o.tasks, id)
	o.mu.Unlock()
}

// persist queues w for the store writer. Without a store, or after the
// writer stopped, after still runs.
func (o *Orchestrator) persist(w write) {
	o.wmu.RLock()
	if o.store == nil || o.wclosed {
		o.wmu.RUnlock()
		if w.after != nil {
			w.after()
		}
		return
	}
	o.writes <- w
	o.wmu.RUnlock()
}

// writer applies queued writes in order. Failures are logged; a task's
// live events do not depend on the store.
func (o *Orchestrator) writer() {
	defer close(o.writerDone)
	for w := range o.writes {
		ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
		if w.task != nil {
			if err := o.store.SaveTask(ctx, w.task); err != nil {
				o.logger.Warn("persisting task", "task_id", w.task.ID, "error", err)
			}
		}
		if w.event != nil {
			if err := o.store.AppendEvent(ctx, w.event); err != nil {
				o.logger.Warn("persisting event", "task_id", w.event.TaskID, "seq", w.event.Seq, "error", err)
			}
		}
		cancel()
		if w.after != nil {
			w.after()
		}
	}
}

func record(t *Task) *store.Task {
	s := t.Snapshot()
	return &store.Task{
		ID:           s.ID,
		Prompt:       s.Prompt,
		Client:       s.Client,
		Status:       s.Status,
		ErrorCode:    s.ErrorCode,
		ErrorMessage: s.ErrorMessage,
		LastSeq:      int64(s.Seq),
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

func eventRecord(ev Event, now time.Time) *store.Event {
	return &store.Event{
		TaskID:    ev.TaskID,
		Seq:       int64(ev.Seq),
		Type:      string(ev.Type),
		Payload:   ev.Payload,
		CreatedAt: now,
	}
}

func snapshotOf(r *store.Task) Snapshot {
	return Snapshot{
		ID:           r.ID,
		Prompt:       r.Prompt,
		Client:       r.Client,
		Status:       r.Status,
		Seq:          uint64(r.LastSeq),
		ErrorCode:    r.ErrorCode,
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func (o *Orchestrator) live(id string) *Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tasks[id]
}

// Cancel ends a live task with a cancelled terminal event, cancels its
// in-flight tool call and closes its upstream stream. Cancelling a task
// that already ended is a no-op.
func (o *Orchestrator) Cancel(id string) error {
	t := o.live(id)
	if t == nil {
		return fmt.Errorf("%w: %s", fault.ErrTaskNotFound, id)
	}
	cause := fmt.Errorf("%w: task cancelled by client", fault.ErrCancelled)
	o.abort(t, cause)

	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel(cause)
	}
	return nil
}

// Get returns a live task, or a finished one from the store.
func (o *Orchestrator) Get(ctx context.Context, id string) (Snapshot, error) {
	if t := o.live(id); t != nil {
		return t.Snapshot(), nil
	}
	if o.store != nil {
		r, err := o.store.GetTask(ctx, id)
		if err == nil {
			return snapshotOf(r), nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return Snapshot{}, fmt.Errorf("loading task %s: %w", id, err)
		}
	}
	return Snapshot{}, fmt.Errorf("%w: %s", fault.ErrTaskNotFound, id)
}

// List returns the live tasks, oldest first.
func (o *Orchestrator) List() []Snapshot {
	o.mu.Lock()
	live := make([]*Task, 0, len(o.tasks))
	for _, t := range o.tasks {
		live = append(live, t)
	}
	o.mu.Unlock()

	out := make([]Snapshot, 0, len(live))
	for _, t := range live {
		out = append(out, t.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// History returns persisted tasks, newest first.
func (o *Orchestrator) History(ctx context.Context, limit int) ([]Snapshot, error) {
	if o.store == nil {
		return nil, nil
	}
	records, err := o.store.ListTasks(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	out := make([]Snapshot, 0, len(records))
	for _, r := range records {
		out = append(out, snapshotOf(r))
	}
	return out, nil
}

// Events returns a task's events with Seq > after, from memory while the
// task is live and from the store afterwards.
func (o *Orchestrator) Events(ctx context.Context, id string, after uint64) ([]Event, error) {
	if t := o.live(id); t != nil {
		return t.eventsAfter(after), nil
	}
	if o.store == nil {
		return nil, fmt.Errorf("%w: %s", fault.ErrTaskNotFound, id)
	}
	if _, err := o.store.GetTask(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", fault.ErrTaskNotFound, id)
		}
		return nil, fmt.Errorf("loading task %s: %w", id, err)
	}
	records, err := o.store.ListEvents(ctx, id, int64(after), 0)
	if err != nil {
		return nil, fmt.Errorf("loading events of %s: %w", id, err)
	}
	out := make([]Event, 0, len(records))
	for _, r := range records {
		out = append(out, Event{TaskID: r.TaskID, Seq: uint64(r.Seq), Type: EventType(r.Type), Payload: r.Payload})
	}
	return out, nil
}

// attach follows a live task or replays a finished one from the store.
func (o *Orchestrator) attach(ctx context.Context, id string) (*Handle, error) {
	if t := o.live(id); t != nil {
		return t.follow(), nil
	}
	if o.store == nil {
		return nil, fmt.Errorf("%w: %s", fault.ErrTaskNotFound, id)
	}
	r, err := o.store.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", fault.ErrTaskNotFound, id)
	}
	status, ok := ParseStatus(r.Status)
	if !ok || !status.Terminal() {
		// Left unfinished by an earlier process; nothing will end it.
		return nil, fmt.Errorf("%w: %s is not replayable", fault.ErrTaskNotFound, id)
	}
	events, err := o.Events(ctx, id, 0)
	if err != nil {
		return nil, err
	}

	t := newTask(r.ID, r.Prompt, r.Client, r.CreatedAt)
	t.log = events
	t.status = status
	t.updated = r.UpdatedAt
	t.errCode = r.ErrorCode
	t.errMsg = r.ErrorMessage
	return t.follow(), nil
}

// Len returns the number of live tasks.
func (o *Orchestrator) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tasks)
}

// Close cancels every live task, waits for their goroutines (bounded by
// ctx) and flushes the store writer.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	live := make([]*Task, 0, len(o.tasks))
	for _, t := range o.tasks {
		live = append(live, t)
	}
	o.mu.Unlock()

	cause := fmt.Errorf("%w: gateway shutting down", fault.ErrCancelled)
	for _, t := range live {
		o.abort(t, cause)
		t.mu.Lock()
		cancel := t.cancel
		t.mu.Unlock()
		if cancel != nil {
			cancel(cause)
		}
	}

	var err error
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = context.Cause(ctx)
	}

	if o.store != nil {
		o.wmu.Lock()
		o.wclosed = true
		close(o.writes)
		o.wmu.Unlock()
		select {
		case <-o.writerDone:
		case <-ctx.Done():
			err = context.Cause(ctx)
		}
	}
	o.keys.Close()

	if len(live) > 0 {
		o.logger.Info("tasks cancelled at shutdown", "count", len(live))
	}
	return err
}
