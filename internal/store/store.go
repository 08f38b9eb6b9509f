// ABOUTME: Store interface and data types for task and event persistence
// ABOUTME: Defines Task and Event records shared by the SQLite and in-memory stores

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateEvent is returned when an event's sequence number was already written
var ErrDuplicateEvent = errors.New("event already exists")

// Task is the persisted view of one task.
type Task struct {
	ID           string
	Prompt       string
	Client       string
	Status       string
	ErrorCode    string // set on failed, cancelled and timed out tasks
	ErrorMessage string
	LastSeq      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Event is one client-visible event of a task.
type Event struct {
	TaskID    string
	Seq       int64
	Type      string // thought, tool_call, tool_result, final, error
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Store defines the interface for task and event persistence
type Store interface {
	// SaveTask inserts the task or replaces the stored copy.
	SaveTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	// ListTasks returns the newest tasks first.
	ListTasks(ctx context.Context, limit int) ([]*Task, error)

	AppendEvent(ctx context.Context, event *Event) error
	// ListEvents returns events with Seq > afterSeq in sequence order.
	// limit <= 0 means no limit.
	ListEvents(ctx context.Context, taskID string, afterSeq int64, limit int) ([]*Event, error)

	// Close releases any resources held by the store
	Close() error
}
