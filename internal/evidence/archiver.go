// internal/evidence/archiver.go
package evidence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alitoori/marketbot/internal/errs"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Record is one write-once evidence entry: a screenshot proving a given
// conversational turn occurred. Records are never updated or removed.
type Record struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	Turn           int       `json:"turn"`
	Path           string    `json:"path"`
	Bytes          int       `json:"bytes"`
	CapturedAt     time.Time `json:"captured_at"`
}

// Screenshotter is the slice of the browser port the archiver needs.
type Screenshotter interface {
	Screenshot(ctx context.Context) ([]byte, error)
}

// Sink receives records for durable persistence beyond the local archive.
// Implementations must tolerate duplicate delivery.
type Sink interface {
	SaveEvidence(ctx context.Context, rec Record) error
}

// Archiver persists screenshots under dir, keyed session/conversation/turn,
// and appends one line per record to an index file. Capture is best-effort:
// failures are logged and retried once, never propagated into the
// conversation's progress.
type Archiver struct {
	dir    string
	logger *zap.Logger
	sink   Sink // optional

	mu sync.Mutex // serializes index appends across sessions
}

// NewArchiver creates the archive directory and index. sink may be nil.
func NewArchiver(dir string, sink Sink, logger *zap.Logger) (*Archiver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating evidence dir: %w", err)
	}
	return &Archiver{
		dir:    dir,
		logger: logger.Named("evidence"),
		sink:   sink,
	}, nil
}

// Capture obtains a screenshot through the session's port and appends one
// record. The returned error is informational; callers log it and move on.
func (a *Archiver) Capture(ctx context.Context, port Screenshotter, sessionID, conversationID string, turn int) (*Record, error) {
	shot, err := port.Screenshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("capturing screenshot: %w", err)
	}

	rec := Record{
		ID:             uuid.New().String(),
		SessionID:      sessionID,
		ConversationID: conversationID,
		Turn:           turn,
		Bytes:          len(shot),
		CapturedAt:     time.Now().UTC(),
	}
	rec.Path = filepath.Join(a.dir, sessionID, conversationID, fmt.Sprintf("turn-%04d.png", turn))

	if err := a.writeOnceWithRetry(rec.Path, shot); err != nil {
		return nil, err
	}
	if err := a.appendIndex(rec); err != nil {
		a.logger.Warn("Evidence index append failed.", zap.Error(err))
	}

	if a.sink != nil {
		if err := a.sink.SaveEvidence(ctx, rec); err != nil {
			a.logger.Warn("Evidence sink write failed.", zap.String("record_id", rec.ID), zap.Error(err))
		}
	}
	return &rec, nil
}

// writeOnceWithRetry writes the screenshot, retrying exactly once on failure.
func (a *Archiver) writeOnceWithRetry(path string, data []byte) error {
	write := func() error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		return os.WriteFile(path, data, 0o644)
	}

	if err := write(); err != nil {
		a.logger.Warn("Evidence write failed, retrying once.", zap.String("path", path), zap.Error(err))
		if err := write(); err != nil {
			return &errs.EvidenceWriteError{Path: path, Err: err}
		}
	}
	return nil
}

// appendIndex adds one JSON line to the archive index.
func (a *Archiver) appendIndex(rec Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(a.dir, "index.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}
