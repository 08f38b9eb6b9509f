// ABOUTME: Tests for task state and handle replay.
// ABOUTME: Terminal events are first-wins and handles see the whole log.

package task

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_StringRoundTrip(t *testing.T) {
	for st := StatusPending; st <= StatusTimedOut; st++ {
		parsed, ok := ParseStatus(st.String())
		require.True(t, ok, st.String())
		assert.Equal(t, st, parsed)
	}
	_, ok := ParseStatus("bogus")
	assert.False(t, ok)
}

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusStreaming.Terminal())
	assert.False(t, StatusAwaitingTool.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.True(t, StatusTimedOut.Terminal())
}

func TestTask_FinishIsFirstWins(t *testing.T) {
	now := time.Now()
	tk := newTask("t1", "p", "c", now)
	_, ok := tk.publish(EventThought, json.RawMessage(`{"text":"a"}`), now)
	require.True(t, ok)

	ev, ok := tk.finish(StatusCancelled, EventError, json.RawMessage(`{"code":"cancelled"}`), "cancelled", "bye", now)
	require.True(t, ok)
	assert.Equal(t, uint64(2), ev.Seq)

	_, ok = tk.finish(StatusTimedOut, EventError, json.RawMessage(`{"code":"timeout"}`), "timeout", "late", now)
	assert.False(t, ok)
	_, ok = tk.publish(EventThought, json.RawMessage(`{}`), now)
	assert.False(t, ok)

	tk.setStatus(StatusStreaming, now)
	snap := tk.Snapshot()
	assert.Equal(t, "cancelled", snap.Status)
	assert.Equal(t, "cancelled", snap.ErrorCode)
	assert.Equal(t, uint64(2), snap.Seq)
}

func TestHandle_LateFollowerReplays(t *testing.T) {
	now := time.Now()
	tk := newTask("t1", "p", "c", now)
	tk.publish(EventThought, json.RawMessage(`{"text":"a"}`), now)

	early := tk.follow()
	defer early.Close()
	tk.publish(EventThought, json.RawMessage(`{"text":"b"}`), now)
	tk.finish(StatusCompleted, EventFinal, json.RawMessage(`{"text":"c"}`), "", "", now)
	late := tk.follow()

	assert.Equal(t, collect(t, early), collect(t, late))
}

func TestHandle_CloseStopsFollowing(t *testing.T) {
	tk := newTask("t1", "p", "c", time.Now())
	h := tk.follow()
	h.Close()
	select {
	case _, ok := <-h.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("handle did not close")
	}
}
