// internal/session/conversation.go
package session

import (
	"time"
)

// Sender identifies which side of a conversation produced a message.
type Sender string

const (
	SenderSelf        Sender = "self"
	SenderCounterpart Sender = "counterpart"
)

// State is a conversation's position in the reply protocol.
type State string

const (
	StateIdle                  State = "IDLE"
	StateAwaitingReplyDecision State = "AWAITING_REPLY_DECISION"
	StateReplying              State = "REPLYING"
	// StateEnded is terminal: the counterpart or surface closed the thread.
	StateEnded State = "ENDED"
	// StateStuck is reached when reply retries are exhausted. It is reported,
	// never silently dropped, and requires manual or scripted recovery.
	StateStuck State = "STUCK"
)

// Message is one immutable entry in a conversation's history. Once appended
// it is never mutated or removed.
type Message struct {
	Sender     Sender    `json:"sender"`
	Text       string    `json:"text"`
	Index      int       `json:"index"`
	ReceivedAt time.Time `json:"received_at"`
}

// Conversation is one counterpart thread, owned exclusively by its session.
// No lock is needed: all access happens on the session's goroutine, and the
// status reporter only ever receives copies.
type Conversation struct {
	id       string
	messages []Message
	state    State
	// watermark counts surface messages already ingested; it never decreases,
	// which is what makes repeated polls idempotent.
	watermark    int
	replyRetries int
	// turn counts confirmed outgoing replies; evidence records key off it.
	turn int
}

func newConversation(id string) *Conversation {
	return &Conversation{id: id, state: StateIdle}
}

// ID returns the surface-assigned thread identifier.
func (c *Conversation) ID() string { return c.id }

// State returns the conversation's current protocol state.
func (c *Conversation) State() State { return c.state }

// Turn returns the number of confirmed outgoing replies.
func (c *Conversation) Turn() int { return c.turn }

// Messages returns a copy of the ordered history.
func (c *Conversation) Messages() []Message {
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// append records a message at the next arrival index and advances the
// watermark past it.
func (c *Conversation) append(sender Sender, text string, at time.Time) Message {
	msg := Message{Sender: sender, Text: text, Index: len(c.messages), ReceivedAt: at}
	c.messages = append(c.messages, msg)
	c.watermark++
	return msg
}

// lastInbound returns the most recent counterpart message, if any.
func (c *Conversation) lastInbound() (Message, bool) {
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Sender == SenderCounterpart {
			return c.messages[i], true
		}
	}
	return Message{}, false
}

// inboundCount returns how many counterpart messages have arrived.
func (c *Conversation) inboundCount() int {
	n := 0
	for _, m := range c.messages {
		if m.Sender == SenderCounterpart {
			n++
		}
	}
	return n
}

// priorReplies returns the bot's own message texts in arrival order.
func (c *Conversation) priorReplies() []string {
	var out []string
	for _, m := range c.messages {
		if m.Sender == SenderSelf {
			out = append(out, m.Text)
		}
	}
	return out
}

// terminal reports whether the conversation accepts no further transitions.
func (c *Conversation) terminal() bool {
	return c.state == StateEnded || c.state == StateStuck
}
