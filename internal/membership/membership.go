// Package membership answers whether an identity may join a group room.
package membership

import (
	"context"
	"sync"
)

// Authority checks active group membership.
type Authority interface {
	IsMember(ctx context.Context, groupID, identityID string) (bool, error)
}

// Open is the member wildcard: a group listing it admits everyone.
const Open = "*"

// Static is an in-memory Authority seeded from configuration.
type Static struct {
	mu     sync.RWMutex
	groups map[string]map[string]struct{}
}

// NewStatic creates an authority from group id -> member ids.
func NewStatic(groups map[string][]string) *Static {
	s := &Static{groups: make(map[string]map[string]struct{}, len(groups))}
	for g, members := range groups {
		for _, m := range members {
			s.Add(g, m)
		}
	}
	return s
}

// Add grants identityID membership of groupID.
func (s *Static) Add(groupID, identityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groups[groupID] == nil {
		s.groups[groupID] = make(map[string]struct{})
	}
	s.groups[groupID][identityID] = struct{}{}
}

// Remove revokes identityID's membership of groupID.
func (s *Static) Remove(groupID, identityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups[groupID], identityID)
}

// IsMember implements Authority. Unknown groups admit nobody.
func (s *Static) IsMember(_ context.Context, groupID, identityID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members, ok := s.groups[groupID]
	if !ok {
		return false, nil
	}
	if _, open := members[Open]; open {
		return true, nil
	}
	_, ok = members[identityID]
	return ok, nil
}
