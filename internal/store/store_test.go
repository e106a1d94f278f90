// internal/store/store_test.go
package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alitoori/marketbot/internal/evidence"
	"github.com/alitoori/marketbot/internal/session"
)

func setupStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)
	return s, mockPool
}

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestEnsureSchema(t *testing.T) {
	s, mockPool := setupStore(t)

	mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS messages").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSaveMessages(t *testing.T) {
	t.Run("persists a batch inside a transaction", func(t *testing.T) {
		s, mockPool := setupStore(t)
		now := time.Now().UTC()
		msgs := []session.Message{
			{Sender: session.SenderCounterpart, Text: "price?", Index: 0, ReceivedAt: now},
			{Sender: session.SenderSelf, Text: "Check the listing page.", Index: 1, ReceivedAt: now},
		}

		mockPool.ExpectBegin()
		eb := mockPool.ExpectBatch()
		eb.ExpectExec("INSERT INTO messages").
			WithArgs("alice", "c1", 0, "counterpart", "price?", now).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		eb.ExpectExec("INSERT INTO messages").
			WithArgs("alice", "c1", 1, "self", "Check the listing page.", now).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback() // deferred rollback after commit is a no-op

		require.NoError(t, s.SaveMessages(context.Background(), "alice", "c1", msgs))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("empty batch issues no queries", func(t *testing.T) {
		s, mockPool := setupStore(t)
		require.NoError(t, s.SaveMessages(context.Background(), "alice", "c1", nil))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("rolls back on insert failure", func(t *testing.T) {
		s, mockPool := setupStore(t)
		insertErr := errors.New("constraint violation")

		mockPool.ExpectBegin()
		eb := mockPool.ExpectBatch()
		eb.ExpectExec("INSERT INTO messages").
			WithArgs("alice", "c1", 0, "counterpart", "price?", pgxmock.AnyArg()).
			WillReturnError(insertErr)
		mockPool.ExpectRollback()

		err := s.SaveMessages(context.Background(), "alice", "c1", []session.Message{
			{Sender: session.SenderCounterpart, Text: "price?", Index: 0, ReceivedAt: time.Now()},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, insertErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestSaveEvidence(t *testing.T) {
	s, mockPool := setupStore(t)
	rec := evidence.Record{
		ID:             uuid.NewString(),
		SessionID:      "s1",
		ConversationID: "c1",
		Turn:           1,
		Path:           "/var/evidence/s1/c1/turn-0001.png",
		Bytes:          2048,
		CapturedAt:     time.Now().UTC(),
	}

	mockPool.ExpectCopyFrom(
		pgx.Identifier{"evidence"},
		[]string{"id", "session_id", "conversation_id", "turn", "path", "bytes", "captured_at"},
	).WillReturnResult(1)

	require.NoError(t, s.SaveEvidence(context.Background(), rec))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestTranscript(t *testing.T) {
	s, mockPool := setupStore(t)
	now := time.Now().UTC()

	rows := pgxmock.NewRows([]string{"idx", "sender", "body", "received_at"}).
		AddRow(0, "counterpart", "price?", now).
		AddRow(1, "self", "Check the listing page.", now)
	mockPool.ExpectQuery("SELECT idx, sender, body, received_at").
		WithArgs("alice", "c1").
		WillReturnRows(rows)

	msgs, err := s.Transcript(context.Background(), "alice", "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, session.SenderCounterpart, msgs[0].Sender)
	assert.Equal(t, "price?", msgs[0].Text)
	assert.Equal(t, 1, msgs[1].Index)
	assert.Equal(t, session.SenderSelf, msgs[1].Sender)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
