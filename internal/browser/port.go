// internal/browser/port.go
package browser

import "context"

// Element is the readable state of one located node on the surface.
type Element struct {
	Text  string            `json:"text"`
	Attrs map[string]string `json:"attrs"`
}

// Attr returns the named attribute or "" when absent.
func (e Element) Attr(name string) string {
	if e.Attrs == nil {
		return ""
	}
	return e.Attrs[name]
}

// Port is the UI automation surface a session exclusively owns. One Port
// instance belongs to exactly one session; it is not safe for concurrent use
// and sessions never share instances.
//
// All operations may fail with errs.TransientError (retryable) or
// errs.ErrElementNotFound (treated as transient unless it recurs past the
// poller's threshold). Login may fail with errs.AuthError, which is fatal for
// the owning session.
type Port interface {
	// Login authenticates the bot identity. credentialRef is an opaque
	// reference resolved by the implementation; the engine never sees
	// credential material.
	Login(ctx context.Context, credentialRef string) error

	// Navigate loads the given target (absolute URL or path under the
	// configured base URL).
	Navigate(ctx context.Context, target string) error

	// Find locates all elements matching selector and returns their
	// readable state in document order. An empty slice is not an error.
	Find(ctx context.Context, selector string) ([]Element, error)

	// FindText reads the text of the first element matching selector.
	// ok is false when the selector matches nothing.
	FindText(ctx context.Context, selector string) (text string, ok bool, err error)

	// Click clicks the first element matching selector.
	Click(ctx context.Context, selector string) error

	// Type focuses the first element matching selector and types text into it.
	Type(ctx context.Context, selector, text string) error

	// Screenshot captures the current viewport as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)

	// Close releases the underlying browser resources.
	Close(ctx context.Context) error
}
