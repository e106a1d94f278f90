// internal/script/script_test.go
package script

import (
	"fmt"
	"testing"

	fuzzheaders "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRules = `
rules:
  - name: price-question
    match: "price?"
    reply: "Check the listing page."
  - name: greeting
    match: "^(hi|hello|hey)\\b"
    stage: 1
    reply: "Hey! Thanks for reaching out about the listing."
  - name: shipping
    match: "ship|deliver"
    reply: "I ship within 2 days of payment, {{.ConversationID}}."
  - name: spam
    match: "crypto|giveaway"
`

func mustParse(t *testing.T) *RuleSet {
	t.Helper()
	rs, err := Parse([]byte(sampleRules))
	require.NoError(t, err)
	return rs
}

func TestParse(t *testing.T) {
	t.Parallel()

	t.Run("compiles valid rules", func(t *testing.T) {
		t.Parallel()
		rs := mustParse(t)
		assert.Equal(t, 4, rs.Len())
	})

	t.Run("rejects empty rule set", func(t *testing.T) {
		t.Parallel()
		_, err := Parse([]byte("rules: []"))
		assert.Error(t, err)
	})

	t.Run("rejects missing match", func(t *testing.T) {
		t.Parallel()
		_, err := Parse([]byte("rules:\n  - name: broken\n    reply: hi\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "match pattern is required")
	})

	t.Run("rejects invalid pattern", func(t *testing.T) {
		t.Parallel()
		_, err := Parse([]byte("rules:\n  - match: \"([unclosed\"\n"))
		assert.Error(t, err)
	})

	t.Run("rejects template with unknown field", func(t *testing.T) {
		t.Parallel()
		_, err := Parse([]byte("rules:\n  - match: x\n    reply: \"{{.NoSuchField}}\"\n"))
		assert.Error(t, err)
	})
}

func TestEvaluate(t *testing.T) {
	t.Parallel()
	rs := mustParse(t)

	t.Run("first match wins and expands template", func(t *testing.T) {
		t.Parallel()
		d := rs.Evaluate(Input{ConversationID: "thread-4", Message: "what's the price?", InboundCount: 3})
		assert.True(t, d.Matched)
		assert.Equal(t, "price-question", d.Rule)
		assert.Equal(t, "Check the listing page.", d.Reply)
	})

	t.Run("unmatched message is a recorded no-op", func(t *testing.T) {
		t.Parallel()
		d := rs.Evaluate(Input{Message: "is this still available tomorrow", InboundCount: 2})
		assert.False(t, d.Matched)
		assert.True(t, d.NoOp())
	})

	t.Run("stage restricts a rule to the nth inbound message", func(t *testing.T) {
		t.Parallel()
		first := rs.Evaluate(Input{Message: "hello there", InboundCount: 1})
		assert.Equal(t, "greeting", first.Rule)

		later := rs.Evaluate(Input{Message: "hello there", InboundCount: 2})
		assert.False(t, later.Matched)
	})

	t.Run("matching is case-insensitive", func(t *testing.T) {
		t.Parallel()
		d := rs.Evaluate(Input{Message: "CAN YOU SHIP IT", ConversationID: "t1", InboundCount: 2})
		assert.Equal(t, "shipping", d.Rule)
		assert.Equal(t, "I ship within 2 days of payment, t1.", d.Reply)
	})

	t.Run("matched rule without reply is a deliberate no-op", func(t *testing.T) {
		t.Parallel()
		d := rs.Evaluate(Input{Message: "free crypto giveaway!!", InboundCount: 5})
		assert.True(t, d.Matched)
		assert.Equal(t, "spam", d.Rule)
		assert.True(t, d.NoOp())
	})

	t.Run("evaluation is deterministic", func(t *testing.T) {
		t.Parallel()
		in := Input{ConversationID: "t9", Message: "hello, what's the price?", InboundCount: 1}
		first := rs.Evaluate(in)
		for i := 0; i < 20; i++ {
			assert.Equal(t, first, rs.Evaluate(in))
		}
	})
}

// TestEvaluateArbitraryInput hammers the interpreter with generated inputs to
// confirm it neither panics nor drifts between identical calls.
func TestEvaluateArbitraryInput(t *testing.T) {
	t.Parallel()
	rs := mustParse(t)

	for seed := 0; seed < 64; seed++ {
		data := make([]byte, 256)
		for i := range data {
			data[i] = byte((seed*31 + i*17) % 251)
		}
		consumer := fuzzheaders.NewConsumer(data)

		msg, err := consumer.GetString()
		if err != nil {
			continue
		}
		convID, err := consumer.GetString()
		if err != nil {
			continue
		}
		count, err := consumer.GetInt()
		if err != nil {
			continue
		}

		in := Input{ConversationID: convID, Message: msg, InboundCount: count % 16}
		require.NotPanics(t, func() {
			first := rs.Evaluate(in)
			assert.Equal(t, first, rs.Evaluate(in), fmt.Sprintf("non-deterministic decision for seed %d", seed))
		})
	}
}
