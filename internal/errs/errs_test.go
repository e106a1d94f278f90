// internal/errs/errs_test.go
package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	t.Parallel()

	t.Run("transient wrapper is transient", func(t *testing.T) {
		t.Parallel()
		err := Transient("poll", errors.New("socket reset"))
		assert.True(t, IsTransient(err))
	})

	t.Run("element not found is transient", func(t *testing.T) {
		t.Parallel()
		assert.True(t, IsTransient(ErrElementNotFound))
		// Still true when wrapped further up the stack.
		assert.True(t, IsTransient(fmt.Errorf("reading thread list: %w", ErrElementNotFound)))
	})

	t.Run("auth failure is not transient", func(t *testing.T) {
		t.Parallel()
		err := &AuthError{IdentityID: "bot-1", Attempts: 3, Err: errors.New("credentials rejected")}
		assert.False(t, IsTransient(err))
	})
}

func TestErrorUnwrapping(t *testing.T) {
	t.Parallel()

	cause := errors.New("send button missing")
	err := fmt.Errorf("advancing conversation: %w", &ReplyDispatchError{
		ConversationID: "thread-9",
		Attempts:       2,
		Err:            cause,
	})

	var rde *ReplyDispatchError
	require.ErrorAs(t, err, &rde)
	assert.Equal(t, "thread-9", rde.ConversationID)
	assert.Equal(t, 2, rde.Attempts)
	assert.ErrorIs(t, err, cause)
}

func TestErrorMessages(t *testing.T) {
	t.Parallel()

	err := &InterestUpdateError{IdentityID: "bot-2", Tags: []string{"art", "music"}, Err: errors.New("tag list unchanged")}
	assert.Contains(t, err.Error(), "bot-2")
	assert.Contains(t, err.Error(), "art")

	ew := &EvidenceWriteError{Path: "/tmp/e/1.png", Err: errors.New("disk full")}
	assert.Contains(t, ew.Error(), "/tmp/e/1.png")
}
