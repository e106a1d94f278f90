// internal/status/status.go
package status

import (
	"io"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SessionHealth classifies a session for the operator feed.
type SessionHealth string

const (
	HealthHealthy  SessionHealth = "healthy"
	HealthDegraded SessionHealth = "degraded"
	HealthFailed   SessionHealth = "failed"
)

// ConversationStatus is the operator-visible view of one conversation.
type ConversationStatus struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Messages  int       `json:"messages"`
	Turn      int       `json:"turn"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionStatus aggregates one session's health and its conversations.
type SessionStatus struct {
	SessionID     string               `json:"session_id"`
	IdentityID    string               `json:"identity_id"`
	Health        SessionHealth        `json:"health"`
	Restarts      int                  `json:"restarts"`
	Conversations []ConversationStatus `json:"conversations"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Snapshot is a derived, point-in-time view. It is recomputed on demand and
// never mutated in place.
type Snapshot struct {
	TakenAt  time.Time       `json:"taken_at"`
	Sessions []SessionStatus `json:"sessions"`
}

type sessionEntry struct {
	sessionID     string
	identityID    string
	health        SessionHealth
	restarts      int
	conversations map[string]ConversationStatus
	updatedAt     time.Time
}

// Reporter collects state pushed by sessions and the orchestrator and serves
// read-only snapshots. It is the single shared structure in the engine; all
// access is serialized here so sessions stay free of cross-talk.
type Reporter struct {
	mu      sync.RWMutex
	entries map[string]*sessionEntry // keyed by identity id
	now     func() time.Time
}

// NewReporter creates an empty Reporter.
func NewReporter() *Reporter {
	return &Reporter{
		entries: make(map[string]*sessionEntry),
		now:     time.Now,
	}
}

func (r *Reporter) entry(identityID string) *sessionEntry {
	e, ok := r.entries[identityID]
	if !ok {
		e = &sessionEntry{
			identityID:    identityID,
			health:        HealthHealthy,
			conversations: make(map[string]ConversationStatus),
		}
		r.entries[identityID] = e
	}
	return e
}

// SetSessionHealth records a session's current health. sessionID changes
// across restarts; the entry is keyed by identity so history survives.
func (r *Reporter) SetSessionHealth(identityID, sessionID string, health SessionHealth) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entry(identityID)
	e.sessionID = sessionID
	e.health = health
	e.updatedAt = r.now()
}

// RecordRestart bumps the restart counter for an identity.
func (r *Reporter) RecordRestart(identityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entry(identityID)
	e.restarts++
	e.updatedAt = r.now()
}

// MarkFailed flags an identity as permanently failed (auth rejection or
// restart budget exhausted).
func (r *Reporter) MarkFailed(identityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entry(identityID)
	e.health = HealthFailed
	e.updatedAt = r.now()
}

// SetConversation records the current state of one conversation.
func (r *Reporter) SetConversation(identityID string, cs ConversationStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entry(identityID)
	cs.UpdatedAt = r.now()
	e.conversations[cs.ID] = cs
	e.updatedAt = cs.UpdatedAt
}

// Snapshot derives the current operator view. The result is a deep copy;
// callers can hold it as long as they like.
func (r *Reporter) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{TakenAt: r.now(), Sessions: make([]SessionStatus, 0, len(r.entries))}
	for _, e := range r.entries {
		ss := SessionStatus{
			SessionID:     e.sessionID,
			IdentityID:    e.identityID,
			Health:        e.health,
			Restarts:      e.restarts,
			Conversations: make([]ConversationStatus, 0, len(e.conversations)),
			UpdatedAt:     e.updatedAt,
		}
		for _, cs := range e.conversations {
			ss.Conversations = append(ss.Conversations, cs)
		}
		sort.Slice(ss.Conversations, func(i, j int) bool {
			return ss.Conversations[i].ID < ss.Conversations[j].ID
		})
		snap.Sessions = append(snap.Sessions, ss)
	}
	sort.Slice(snap.Sessions, func(i, j int) bool {
		return snap.Sessions[i].IdentityID < snap.Sessions[j].IdentityID
	})
	return snap
}

// WriteJSON renders a snapshot to w for the operator feed.
func (r *Reporter) WriteJSON(w io.Writer) error {
	snap := r.Snapshot()
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// DecodeSnapshot parses a snapshot previously written with WriteJSON.
func DecodeSnapshot(rd io.Reader) (Snapshot, error) {
	var snap Snapshot
	err := json.NewDecoder(rd).Decode(&snap)
	return snap, err
}
