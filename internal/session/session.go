// internal/session/session.go
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/alitoori/marketbot/internal/browser"
	"github.com/alitoori/marketbot/internal/config"
	"github.com/alitoori/marketbot/internal/errs"
	"github.com/alitoori/marketbot/internal/evidence"
	"github.com/alitoori/marketbot/internal/identity"
	"github.com/alitoori/marketbot/internal/script"
	"github.com/alitoori/marketbot/internal/status"
)

// TranscriptSink receives confirmed messages for durable persistence.
// Implementations must tolerate duplicate delivery across session restarts.
type TranscriptSink interface {
	SaveMessages(ctx context.Context, identityID, conversationID string, msgs []Message) error
}

// Session is one isolated automation context: one identity, one exclusively
// owned browser port, one conversation map. Sessions never touch each other's
// ports or conversations; isolation is by construction, not by locking.
type Session struct {
	id       string
	identity identity.Identity
	port     browser.Port
	cfg      *config.Config
	rules    *script.RuleSet
	reporter *status.Reporter
	archiver *evidence.Archiver // nil when evidence is disabled
	sink     TranscriptSink     // nil when the store is disabled
	logger   *zap.Logger

	poller  *poller
	limiter *rate.Limiter

	conversations map[string]*Conversation
	softFailures  int
}

// New assembles a session. archiver and sink may be nil.
func New(
	ident identity.Identity,
	port browser.Port,
	cfg *config.Config,
	rules *script.RuleSet,
	reporter *status.Reporter,
	archiver *evidence.Archiver,
	sink TranscriptSink,
	logger *zap.Logger,
) *Session {
	sessionID := uuid.New().String()
	return &Session{
		id:            sessionID,
		identity:      ident,
		port:          port,
		cfg:           cfg,
		rules:         rules,
		reporter:      reporter,
		archiver:      archiver,
		sink:          sink,
		logger:        logger.Named("session").With(zap.String("identity", ident.ID), zap.String("session_id", sessionID)),
		poller:        newPoller(port, logger),
		limiter:       rate.NewLimiter(rate.Every(cfg.Poller.Interval), 1),
		conversations: make(map[string]*Conversation),
	}
}

// ID returns this run's unique session identifier.
func (s *Session) ID() string { return s.id }

// IdentityID returns the owning identity.
func (s *Session) IdentityID() string { return s.identity.ID }

// Run executes the session loop until ctx is cancelled or the session becomes
// unhealthy. A returned *errs.AuthError is fatal for the identity; a
// transient error asks the orchestrator for a restart.
func (s *Session) Run(ctx context.Context) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.port.Close(closeCtx); err != nil {
			s.logger.Warn("Error closing browser port.", zap.Error(err))
		}
	}()

	if err := s.login(ctx); err != nil {
		return err
	}
	s.reporter.SetSessionHealth(s.identity.ID, s.id, status.HealthHealthy)
	s.logger.Info("Session logged in.")

	if len(s.identity.Interests) > 0 {
		if err := s.SetInterests(ctx, s.identity.Interests); err != nil {
			// Reported, not fatal: the session keeps conversing.
			s.logger.Warn("Initial interest update failed.", zap.Error(err))
		}
	}

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		if err := s.tick(ctx); err != nil {
			return err
		}
	}
}

// login performs bounded authentication attempts. Explicit credential
// rejection short-circuits; exhausting the budget is equally fatal.
func (s *Session) login(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.Browser.LoginAttempts; attempt++ {
		err := s.port.Login(ctx, s.identity.CredentialRef)
		if err == nil {
			return nil
		}
		var ae *errs.AuthError
		if errors.As(err, &ae) {
			s.reporter.MarkFailed(s.identity.ID)
			return &errs.AuthError{IdentityID: s.identity.ID, Attempts: attempt, Err: ae.Err}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		s.logger.Warn("Login attempt failed.", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < s.cfg.Browser.LoginAttempts {
			if err := sleepCtx(ctx, s.cfg.Script.ReplyBackoff); err != nil {
				return err
			}
		}
	}
	s.reporter.MarkFailed(s.identity.ID)
	return &errs.AuthError{IdentityID: s.identity.ID, Attempts: s.cfg.Browser.LoginAttempts, Err: lastErr}
}

// tick runs one poll cycle and advances every live conversation.
func (s *Session) tick(ctx context.Context) error {
	updates, err := s.poller.poll(ctx, s.conversations)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.recordSoftFailure(err)
	}
	if s.softFailures > 0 {
		s.softFailures = 0
		s.reporter.SetSessionHealth(s.identity.ID, s.id, status.HealthHealthy)
	}

	for _, u := range updates {
		s.applyUpdate(ctx, u)
	}

	// Deterministic advancement order keeps behavior reproducible in tests;
	// ordering is only ever promised within a single conversation.
	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s.advance(ctx, s.conversations[id])
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// recordSoftFailure counts one failed poll. The session degrades one failure
// before the threshold and reports itself unhealthy at the threshold, which
// sends it back to the orchestrator for a restart.
func (s *Session) recordSoftFailure(cause error) error {
	s.softFailures++
	s.logger.Warn("Poll failed.", zap.Int("consecutive", s.softFailures), zap.Error(cause))

	threshold := s.cfg.Poller.SoftFailureThreshold
	if s.softFailures >= threshold {
		s.reporter.SetSessionHealth(s.identity.ID, s.id, status.HealthDegraded)
		return errs.Transient("poll", fmt.Errorf("%d consecutive poll failures: %w", s.softFailures, cause))
	}
	if s.softFailures >= threshold-1 {
		s.reporter.SetSessionHealth(s.identity.ID, s.id, status.HealthDegraded)
	}
	return nil
}

// applyUpdate ingests one thread's poll delta into its conversation.
func (s *Session) applyUpdate(ctx context.Context, u threadUpdate) {
	conv, ok := s.conversations[u.conversationID]
	if !ok {
		conv = newConversation(u.conversationID)
		s.conversations[u.conversationID] = conv
	}

	var appended []Message
	for _, m := range u.newMessages {
		appended = append(appended, conv.append(m.Sender, m.Text, m.ReceivedAt))
		switch {
		case m.Sender == SenderCounterpart && conv.state == StateIdle:
			conv.state = StateAwaitingReplyDecision
		case m.Sender == SenderSelf:
			// Our own message past the watermark is replayed history (a fresh
			// session after a restart re-reads the whole thread): the decision
			// it answered was already served. Count the turn so evidence keys
			// stay monotone, and stand down any pending decision so the reply
			// is never dispatched a second time.
			conv.turn++
			if conv.state == StateAwaitingReplyDecision {
				conv.state = StateIdle
			}
		}
	}

	if u.ended && !conv.terminal() {
		conv.state = StateEnded
		s.logger.Info("Conversation ended by surface.", zap.String("conversation_id", conv.id))
	}

	if len(appended) > 0 && s.sink != nil {
		if err := s.sink.SaveMessages(ctx, s.identity.ID, conv.id, appended); err != nil {
			s.logger.Warn("Transcript persistence failed.", zap.String("conversation_id", conv.id), zap.Error(err))
		}
	}
	s.reportConversation(conv)
}

// advance drives one conversation through the reply protocol. At most one
// reply attempt is ever in flight: dispatch happens synchronously while the
// conversation holds StateReplying, so a second attempt cannot start.
func (s *Session) advance(ctx context.Context, conv *Conversation) {
	if conv.state != StateAwaitingReplyDecision {
		return
	}

	inbound, ok := conv.lastInbound()
	if !ok {
		conv.state = StateIdle
		s.reportConversation(conv)
		return
	}

	decision := s.rules.Evaluate(script.Input{
		ConversationID: conv.id,
		Message:        inbound.Text,
		InboundCount:   conv.inboundCount(),
		PriorReplies:   conv.priorReplies(),
	})
	if decision.NoOp() {
		// The message stays recorded, just unanswered.
		conv.state = StateIdle
		s.reportConversation(conv)
		return
	}

	conv.state = StateReplying
	s.reportConversation(conv)
	s.logger.Debug("Dispatching scripted reply.",
		zap.String("conversation_id", conv.id),
		zap.String("rule", decision.Rule))

	if err := s.dispatchReply(ctx, conv, decision.Reply); err != nil {
		s.logger.Error("Reply dispatch exhausted retries, conversation stuck.",
			zap.String("conversation_id", conv.id), zap.Error(err))
	}
}

// dispatchReply sends the reply with bounded retries and backoff. Exhaustion
// or cancellation mid-dispatch moves the conversation to STUCK; success
// returns it to IDLE and captures evidence for the turn.
func (s *Session) dispatchReply(ctx context.Context, conv *Conversation, text string) error {
	maxAttempts := s.cfg.Script.MaxReplyRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := s.cfg.Script.ReplyBackoff

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		conv.replyRetries = attempt
		elements, err := s.sendReply(ctx, conv, text)
		if err == nil {
			now := time.Now()
			var batch []Message
			interleaved := false
			// Anything rendered between the poll and the confirmed send sits
			// before our reply on the surface. Ingest it here so the watermark
			// covers the whole thread and no inbound message is skipped.
			for i := conv.watermark; i < len(elements)-1; i++ {
				sender := SenderCounterpart
				if elements[i].Attr(attrSender) == string(SenderSelf) {
					sender = SenderSelf
				}
				batch = append(batch, conv.append(sender, elements[i].Text, now))
				if sender == SenderCounterpart {
					interleaved = true
				}
			}
			conv.turn++
			batch = append(batch, conv.append(SenderSelf, text, now))
			if interleaved {
				conv.state = StateAwaitingReplyDecision
			} else {
				conv.state = StateIdle
			}
			conv.replyRetries = 0
			s.reportConversation(conv)

			if s.sink != nil {
				if err := s.sink.SaveMessages(ctx, s.identity.ID, conv.id, batch); err != nil {
					s.logger.Warn("Transcript persistence failed.", zap.String("conversation_id", conv.id), zap.Error(err))
				}
			}
			s.captureEvidence(ctx, conv)
			return nil
		}

		if ctx.Err() != nil {
			// Never truncate an in-progress reply silently: mark the
			// conversation for later recovery before shutting down.
			conv.state = StateStuck
			s.reportConversation(conv)
			return ctx.Err()
		}
		lastErr = err
		s.logger.Warn("Reply dispatch attempt failed.",
			zap.String("conversation_id", conv.id),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < maxAttempts {
			if err := sleepCtx(ctx, backoff); err != nil {
				conv.state = StateStuck
				s.reportConversation(conv)
				return err
			}
			backoff *= 2
		}
	}

	conv.state = StateStuck
	s.reportConversation(conv)
	return &errs.ReplyDispatchError{ConversationID: conv.id, Attempts: maxAttempts, Err: lastErr}
}

// sendReply performs one send attempt through the port and verifies the
// message actually landed in the thread. On success it returns the full
// rendered message list so the caller can account for anything that
// arrived while the reply was in flight.
func (s *Session) sendReply(ctx context.Context, conv *Conversation, text string) ([]browser.Element, error) {
	if err := s.port.Click(ctx, threadSel(conv.id)); err != nil {
		return nil, fmt.Errorf("opening thread: %w", err)
	}
	if err := s.port.Type(ctx, selComposer, text); err != nil {
		return nil, fmt.Errorf("typing reply: %w", err)
	}
	if err := s.port.Click(ctx, selSend); err != nil {
		return nil, fmt.Errorf("clicking send: %w", err)
	}

	// Confirm the send: the thread must now render our message past the
	// watermark. Anything else counts as a failed dispatch attempt.
	elements, err := s.port.Find(ctx, threadMessagesSel(conv.id))
	if err != nil {
		return nil, fmt.Errorf("verifying send: %w", err)
	}
	if len(elements) <= conv.watermark {
		return nil, errs.Transient("verify send", fmt.Errorf("reply not visible in thread %s", conv.id))
	}
	last := elements[len(elements)-1]
	if last.Attr(attrSender) != string(SenderSelf) {
		return nil, errs.Transient("verify send", fmt.Errorf("last message in thread %s is not ours", conv.id))
	}
	return elements, nil
}

// captureEvidence records a screenshot for the turn just completed.
// Best-effort: failures are logged and never block the conversation.
func (s *Session) captureEvidence(ctx context.Context, conv *Conversation) {
	if s.archiver == nil {
		return
	}
	if _, err := s.archiver.Capture(ctx, s.port, s.id, conv.id, conv.turn); err != nil {
		s.logger.Warn("Evidence capture failed.",
			zap.String("conversation_id", conv.id),
			zap.Int("turn", conv.turn),
			zap.Error(err))
	}
}

func (s *Session) reportConversation(conv *Conversation) {
	s.reporter.SetConversation(s.identity.ID, status.ConversationStatus{
		ID:       conv.id,
		State:    string(conv.state),
		Messages: len(conv.messages),
		Turn:     conv.turn,
	})
}

// Conversation returns a pointer to the named conversation for inspection in
// tests; production code observes conversations through the status reporter.
func (s *Session) Conversation(id string) *Conversation {
	return s.conversations[id]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
