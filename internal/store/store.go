// internal/store/store.go
// Optional Postgres persistence for conversation transcripts and evidence
// records. The engine works without it; when configured, sessions and the
// archiver push through the session.TranscriptSink and evidence.Sink
// interfaces. All writes tolerate duplicate delivery, since sessions replay
// history after a restart.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/alitoori/marketbot/internal/evidence"
	"github.com/alitoori/marketbot/internal/session"
)

// DBPool abstracts pgxpool.Pool so tests can substitute a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store is the Postgres implementation of both persistence sinks.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var (
	_ session.TranscriptSink = (*Store)(nil)
	_ evidence.Sink          = (*Store)(nil)
)

// New verifies the connection and returns a ready Store.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS messages (
    identity_id     TEXT        NOT NULL,
    conversation_id TEXT        NOT NULL,
    idx             INT         NOT NULL,
    sender          TEXT        NOT NULL,
    body            TEXT        NOT NULL,
    received_at     TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (identity_id, conversation_id, idx)
);
CREATE TABLE IF NOT EXISTS evidence (
    id              TEXT        PRIMARY KEY,
    session_id      TEXT        NOT NULL,
    conversation_id TEXT        NOT NULL,
    turn            INT         NOT NULL,
    path            TEXT        NOT NULL,
    bytes           INT         NOT NULL,
    captured_at     TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const sqlInsertMessage = `
        INSERT INTO messages (identity_id, conversation_id, idx, sender, body, received_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (identity_id, conversation_id, idx) DO NOTHING;
    `

// SaveMessages persists a batch of confirmed messages for one conversation.
// The arrival index is part of the key, so replays after a session restart
// are no-ops rather than duplicates.
func (s *Store) SaveMessages(ctx context.Context, identityID, conversationID string, msgs []session.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(sqlInsertMessage,
			identityID, conversationID, m.Index,
			string(m.Sender), m.Text, m.ReceivedAt.UTC())
	}

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	defer func() {
		_ = br.Close()
	}()
	for i := range msgs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert message %d of conversation %s: %w", msgs[i].Index, conversationID, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveEvidence persists one screenshot record.
func (s *Store) SaveEvidence(ctx context.Context, rec evidence.Record) error {
	rows := [][]interface{}{{
		rec.ID, rec.SessionID, rec.ConversationID,
		rec.Turn, rec.Path, rec.Bytes, rec.CapturedAt.UTC(),
	}}

	copyCount, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"evidence"},
		[]string{"id", "session_id", "conversation_id", "turn", "path", "bytes", "captured_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy evidence record: %w", err)
	}
	if copyCount != 1 {
		return fmt.Errorf("mismatch in copied evidence count: expected 1, got %d", copyCount)
	}
	return nil
}

// Transcript returns one conversation's messages in arrival order.
func (s *Store) Transcript(ctx context.Context, identityID, conversationID string) ([]session.Message, error) {
	query := `
        SELECT idx, sender, body, received_at
        FROM messages
        WHERE identity_id = $1 AND conversation_id = $2
        ORDER BY idx ASC;
    `
	rows, err := s.pool.Query(ctx, query, identityID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []session.Message
	for rows.Next() {
		var m session.Message
		var sender string
		if err := rows.Scan(&m.Index, &sender, &m.Text, &m.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.Sender = session.Sender(sender)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return msgs, nil
}
