// Package store persists tasks and their client-visible events.
//
// # Data Models
//
//   - Task: one submitted prompt with its status and terminal error, if any
//   - Event: one client-visible event, keyed by (task id, sequence number)
//
// Events are append-only. A task's events form a gapless sequence starting
// at 1; AppendEvent rejects a sequence number that was already written so a
// replaying client never sees two different events under one number.
//
// SQLiteStore is the production implementation (modernc.org/sqlite, WAL
// journal). MockStore keeps everything in memory for tests.
package store
