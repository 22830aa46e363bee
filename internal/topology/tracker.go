// Package topology tracks the live membership view and the location metadata of members.
package topology

import (
	"fmt"
	"sync"

	"github.com/devrev/pairdb/distcache/internal/model"
)

// ErrStaleView is returned for a view change at or below the applied version
var ErrStaleView = fmt.Errorf("stale view change")

// Tracker applies ordered view changes and answers membership queries
type Tracker struct {
	mu      sync.RWMutex
	version uint64
	members map[model.MemberID]model.Member
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{members: make(map[model.MemberID]model.Member)}
}

// Apply applies a view change. Changes must arrive with increasing versions.
func (t *Tracker) Apply(change model.ViewChange) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if change.Version <= t.version {
		return fmt.Errorf("%w: version %d, applied %d", ErrStaleView, change.Version, t.version)
	}
	for _, id := range change.Removed {
		delete(t.members, id)
	}
	for _, m := range change.Added {
		t.members[m.ID] = m
	}
	t.version = change.Version
	return nil
}

// Version returns the last applied view version
func (t *Tracker) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// Members returns the live members ordered by identifier
func (t *Tracker) Members() []model.Member {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]model.Member, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, m)
	}
	model.SortMembers(out)
	return out
}

// Member returns a live member
func (t *Tracker) Member(id model.MemberID) (model.Member, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.members[id]
	return m, ok
}

// Live reports whether a member is in the current view
func (t *Tracker) Live(id model.MemberID) bool {
	_, ok := t.Member(id)
	return ok
}

// Address implements transport.AddressBook
func (t *Tracker) Address(id model.MemberID) (string, bool) {
	m, ok := t.Member(id)
	if !ok || m.Address == "" {
		return "", false
	}
	return m.Address, true
}

// Locations returns the location of every live member
func (t *Tracker) Locations() map[model.MemberID]model.Location {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[model.MemberID]model.Location, len(t.members))
	for id, m := range t.members {
		out[id] = m.Location
	}
	return out
}
