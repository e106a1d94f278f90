// internal/status/status_test.go
package status

import (
	"bytes"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReporterSnapshot(t *testing.T) {
	t.Parallel()

	t.Run("aggregates sessions and conversations sorted", func(t *testing.T) {
		t.Parallel()
		r := NewReporter()
		r.SetSessionHealth("bot-b", "run-2", HealthHealthy)
		r.SetSessionHealth("bot-a", "run-1", HealthDegraded)
		r.SetConversation("bot-a", ConversationStatus{ID: "t2", State: "IDLE", Messages: 3})
		r.SetConversation("bot-a", ConversationStatus{ID: "t1", State: "STUCK", Messages: 5, Turn: 2})

		snap := r.Snapshot()
		require.Len(t, snap.Sessions, 2)
		assert.Equal(t, "bot-a", snap.Sessions[0].IdentityID)
		assert.Equal(t, HealthDegraded, snap.Sessions[0].Health)
		require.Len(t, snap.Sessions[0].Conversations, 2)
		assert.Equal(t, "t1", snap.Sessions[0].Conversations[0].ID)
		assert.Equal(t, "STUCK", snap.Sessions[0].Conversations[0].State)
	})

	t.Run("snapshot is a copy, not a live view", func(t *testing.T) {
		t.Parallel()
		r := NewReporter()
		r.SetConversation("bot-a", ConversationStatus{ID: "t1", State: "IDLE"})

		before := r.Snapshot()
		r.SetConversation("bot-a", ConversationStatus{ID: "t1", State: "REPLYING"})

		assert.Equal(t, "IDLE", before.Sessions[0].Conversations[0].State)
	})

	t.Run("restart and failure accounting", func(t *testing.T) {
		t.Parallel()
		r := NewReporter()
		r.SetSessionHealth("bot-a", "run-1", HealthHealthy)
		r.RecordRestart("bot-a")
		r.RecordRestart("bot-a")
		r.MarkFailed("bot-a")

		snap := r.Snapshot()
		require.Len(t, snap.Sessions, 1)
		assert.Equal(t, 2, snap.Sessions[0].Restarts)
		assert.Equal(t, HealthFailed, snap.Sessions[0].Health)
	})
}

func TestReporterConcurrentAccess(t *testing.T) {
	t.Parallel()
	r := NewReporter()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			for j := 0; j < 100; j++ {
				r.SetSessionHealth(id, "run", HealthHealthy)
				r.SetConversation(id, ConversationStatus{ID: "t1", State: "IDLE", Messages: j})
				_ = r.Snapshot()
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, r.Snapshot().Sessions, 8)
}

func TestWriteAndDecodeJSON(t *testing.T) {
	t.Parallel()
	r := NewReporter()
	r.SetSessionHealth("bot-a", "run-1", HealthHealthy)
	r.SetConversation("bot-a", ConversationStatus{ID: "t1", State: "IDLE", Messages: 2, Turn: 1})

	want := r.Snapshot()

	var buf bytes.Buffer
	require.NoError(t, r.WriteJSON(&buf))

	decoded, err := DecodeSnapshot(&buf)
	require.NoError(t, err)

	// TakenAt is regenerated per snapshot; the session payload must survive
	// the round trip exactly.
	if diff := cmp.Diff(want.Sessions, decoded.Sessions); diff != "" {
		t.Fatalf("snapshot round-trip mismatch (-want +got):\n%s", diff)
	}
}
