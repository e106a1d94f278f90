// internal/session/poller.go
package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/alitoori/marketbot/internal/browser"
)

// threadUpdate is one poll's findings for a single conversation.
type threadUpdate struct {
	conversationID string
	newMessages    []Message
	ended          bool
}

// poller samples the messaging surface for new or changed threads. The
// surface offers no push notifications, so detection is necessarily
// poll-based; the per-conversation watermark keeps repeated polls idempotent.
//
// The poller never mutates conversations: it reports deltas and the session
// applies them, which keeps the idempotence property directly testable.
type poller struct {
	port   browser.Port
	logger *zap.Logger
	now    func() time.Time
}

func newPoller(port browser.Port, logger *zap.Logger) *poller {
	return &poller{
		port:   port,
		logger: logger.Named("poller"),
		now:    time.Now,
	}
}

// poll reads the thread list and returns new messages past each
// conversation's watermark. Any transient read failure aborts the whole poll
// with an error; the session counts it as one soft failure and retries on the
// next tick.
func (p *poller) poll(ctx context.Context, conversations map[string]*Conversation) ([]threadUpdate, error) {
	if err := p.port.Navigate(ctx, pathMessages); err != nil {
		return nil, fmt.Errorf("opening messages page: %w", err)
	}

	threads, err := p.port.Find(ctx, selThreads)
	if err != nil {
		return nil, fmt.Errorf("reading thread list: %w", err)
	}

	var updates []threadUpdate
	for _, th := range threads {
		id := th.Attr(attrThreadID)
		if id == "" {
			continue
		}
		if conv, ok := conversations[id]; ok && conv.state == StateEnded {
			// Terminal threads are never polled again.
			continue
		}

		update, err := p.readThread(ctx, id, conversations[id])
		if err != nil {
			return nil, fmt.Errorf("reading thread %s: %w", id, err)
		}
		if len(update.newMessages) > 0 || update.ended {
			updates = append(updates, update)
		}
	}
	return updates, nil
}

func (p *poller) readThread(ctx context.Context, id string, conv *Conversation) (threadUpdate, error) {
	update := threadUpdate{conversationID: id}

	elements, err := p.port.Find(ctx, threadMessagesSel(id))
	if err != nil {
		return update, err
	}

	watermark := 0
	if conv != nil {
		watermark = conv.watermark
	}
	if len(elements) < watermark {
		// Stale or partial render. The watermark never decreases; wait for
		// the surface to settle rather than reprocessing.
		p.logger.Debug("Thread rendered fewer messages than watermark, skipping.",
			zap.String("conversation_id", id),
			zap.Int("rendered", len(elements)),
			zap.Int("watermark", watermark))
		return threadUpdate{conversationID: id}, nil
	}

	now := p.now()
	for i := watermark; i < len(elements); i++ {
		sender := SenderCounterpart
		if elements[i].Attr(attrSender) == string(SenderSelf) {
			sender = SenderSelf
		}
		update.newMessages = append(update.newMessages, Message{
			Sender:     sender,
			Text:       elements[i].Text,
			Index:      i,
			ReceivedAt: now,
		})
	}

	// An explicit closed marker is the only signal that ends a conversation.
	if _, closed, err := p.port.FindText(ctx, threadClosedSel(id)); err == nil && closed {
		update.ended = true
	}
	return update, nil
}
