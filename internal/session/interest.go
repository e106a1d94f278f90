// internal/session/interest.go
package session

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/alitoori/marketbot/internal/errs"
)

// SetInterests reconciles the account's interest tags on the surface with the
// desired set. The operation is idempotent: when the surface already shows
// exactly the desired tags, no mutation is issued. Partial application is
// reported as an *errs.InterestUpdateError carrying the full desired set.
func (s *Session) SetInterests(ctx context.Context, tags []string) error {
	desired := make(map[string]bool, len(tags))
	for _, t := range tags {
		desired[t] = true
	}

	current, err := s.readInterests(ctx)
	if err != nil {
		return &errs.InterestUpdateError{IdentityID: s.identity.ID, Tags: tags, Err: err}
	}
	if setsEqual(current, desired) {
		s.logger.Debug("Interests already match, nothing to do.", zap.Strings("tags", tags))
		return nil
	}

	for tag := range desired {
		if current[tag] {
			continue
		}
		if err := s.port.Type(ctx, selInterestSearch, tag); err != nil {
			return &errs.InterestUpdateError{IdentityID: s.identity.ID, Tags: tags, Err: fmt.Errorf("searching tag %q: %w", tag, err)}
		}
		if err := s.port.Click(ctx, interestAddSel(tag)); err != nil {
			return &errs.InterestUpdateError{IdentityID: s.identity.ID, Tags: tags, Err: fmt.Errorf("adding tag %q: %w", tag, err)}
		}
	}
	for tag := range current {
		if desired[tag] {
			continue
		}
		if err := s.port.Click(ctx, interestRemoveSel(tag)); err != nil {
			return &errs.InterestUpdateError{IdentityID: s.identity.ID, Tags: tags, Err: fmt.Errorf("removing tag %q: %w", tag, err)}
		}
	}

	// Re-read until the surface reflects the change. Rendering lags the
	// mutations, so a bounded number of verification reads is allowed.
	attempts := s.cfg.Script.InterestVerifyAttempts
	if attempts < 1 {
		attempts = 1
	}
	var verifyErr error
	for i := 0; i < attempts; i++ {
		current, verifyErr = s.readInterests(ctx)
		if verifyErr == nil && setsEqual(current, desired) {
			s.logger.Info("Interests updated.", zap.Strings("tags", tags))
			return nil
		}
		if ctx.Err() != nil {
			return &errs.InterestUpdateError{IdentityID: s.identity.ID, Tags: tags, Err: ctx.Err()}
		}
		if i < attempts-1 {
			if err := sleepCtx(ctx, s.cfg.Script.ReplyBackoff); err != nil {
				return &errs.InterestUpdateError{IdentityID: s.identity.ID, Tags: tags, Err: err}
			}
		}
	}
	if verifyErr == nil {
		verifyErr = fmt.Errorf("surface shows %v, want %v", sortedKeys(current), sortedKeys(desired))
	}
	return &errs.InterestUpdateError{IdentityID: s.identity.ID, Tags: tags, Err: verifyErr}
}

// ChangeInterests replaces the identity's desired interest set and applies it.
// The new set sticks locally even when application fails, so the next attempt
// reconciles toward the updated target.
func (s *Session) ChangeInterests(ctx context.Context, tags []string) error {
	s.identity.Interests = append([]string(nil), tags...)
	return s.SetInterests(ctx, s.identity.Interests)
}

// readInterests navigates to the interests page and reads the tags currently
// attached to the account.
func (s *Session) readInterests(ctx context.Context) (map[string]bool, error) {
	if err := s.port.Navigate(ctx, pathInterests); err != nil {
		return nil, fmt.Errorf("opening interests page: %w", err)
	}
	elements, err := s.port.Find(ctx, selInterestTags)
	if err != nil {
		return nil, fmt.Errorf("reading interest tags: %w", err)
	}
	current := make(map[string]bool, len(elements))
	for _, el := range elements {
		if tag := el.Attr(attrInterestTag); tag != "" {
			current[tag] = true
		}
	}
	return current, nil
}

func setsEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
