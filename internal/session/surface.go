// internal/session/surface.go
// Fixed selectors for the marketplace messaging surface. The surface exposes
// no structured API; everything the engine knows it reads out of these nodes.
package session

import "fmt"

const (
	pathMessages  = "/messages"
	pathInterests = "/account/interests"

	selThreads   = "[data-thread-id]"
	attrThreadID = "data-thread-id"
	attrSender   = "data-sender"

	selComposer = `textarea[name="message"]`
	selSend     = `button[data-send]`

	selInterestTags   = "[data-interest-tag]"
	attrInterestTag   = "data-interest-tag"
	selInterestSearch = `input[name="interest-search"]`
)

func threadSel(id string) string {
	return fmt.Sprintf(`[data-thread-id=%q]`, id)
}

func threadMessagesSel(id string) string {
	return fmt.Sprintf(`[data-thread-id=%q] .message`, id)
}

// threadClosedSel matches the surface's "conversation ended" marker.
func threadClosedSel(id string) string {
	return fmt.Sprintf(`[data-thread-id=%q] .thread-closed`, id)
}

func interestAddSel(tag string) string {
	return fmt.Sprintf(`[data-add-interest=%q]`, tag)
}

func interestRemoveSel(tag string) string {
	return fmt.Sprintf(`[data-remove-interest=%q]`, tag)
}
