// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	events map[string][]*Event // keyed by task ID, sorted by Seq
	// FailAppend, when set, is returned by every AppendEvent call.
	FailAppend error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		tasks:  make(map[string]*Task),
		events: make(map[string][]*Event),
	}
}

// SaveTask stores a copy of task.
func (m *MockStore) SaveTask(ctx context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := *task
	if existing, ok := m.tasks[t.ID]; ok {
		t.Prompt = existing.Prompt
		t.Client = existing.Client
		t.CreatedAt = existing.CreatedAt
	}
	m.tasks[t.ID] = &t
	return nil
}

// GetTask retrieves a task by ID.
func (m *MockStore) GetTask(ctx context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *t
	return &result, nil
}

// ListTasks returns tasks newest first.
func (m *MockStore) ListTasks(ctx context.Context, limit int) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tasks := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		c := *t
		tasks = append(tasks, &c)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

// AppendEvent stores a copy of event.
func (m *MockStore) AppendEvent(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailAppend != nil {
		return m.FailAppend
	}
	if _, ok := m.tasks[event.TaskID]; !ok {
		return fmt.Errorf("%w: task %s", ErrNotFound, event.TaskID)
	}
	list := m.events[event.TaskID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Seq >= event.Seq })
	if i < len(list) && list[i].Seq == event.Seq {
		return fmt.Errorf("%w: task %s seq %d", ErrDuplicateEvent, event.TaskID, event.Seq)
	}
	e := *event
	e.Payload = append([]byte(nil), event.Payload...)
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = &e
	m.events[event.TaskID] = list
	return nil
}

// ListEvents returns events after afterSeq in sequence order.
func (m *MockStore) ListEvents(ctx context.Context, taskID string, afterSeq int64, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for _, e := range m.events[taskID] {
		if e.Seq <= afterSeq {
			continue
		}
		c := *e
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
