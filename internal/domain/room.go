package domain

import (
	"fmt"
	"strings"
)

// RoomKind distinguishes one-to-one rooms from group rooms.
type RoomKind string

const (
	RoomDirect RoomKind = "direct"
	RoomGroup  RoomKind = "group"
)

// RoomRef is a parsed room identifier. It is constructed once at the boundary by
// ParseRoomRef and passed around instead of the raw string.
type RoomRef struct {
	Kind RoomKind
	// A and B are the two parties of a direct room.
	A, B string
	// GroupID identifies a group room.
	GroupID string
}

// Direct builds the reference of the direct room between a and b. The parties
// are kept in sorted order, so both spellings of a pair name the same room.
func Direct(a, b string) RoomRef {
	if b < a {
		a, b = b, a
	}
	return RoomRef{Kind: RoomDirect, A: a, B: b}
}

// Group builds the reference of a group room.
func Group(id string) RoomRef {
	return RoomRef{Kind: RoomGroup, GroupID: id}
}

// ParseRoomRef parses "direct:<a>:<b>" or "group:<id>".
func ParseRoomRef(id string) (RoomRef, error) {
	kind, rest, ok := strings.Cut(id, ":")
	if !ok || rest == "" {
		return RoomRef{}, NewError(CodeValidation, "room.parse", fmt.Sprintf("malformed room id %q", id))
	}

	switch RoomKind(kind) {
	case RoomDirect:
		a, b, ok := strings.Cut(rest, ":")
		if !ok || a == "" || b == "" || strings.Contains(b, ":") {
			return RoomRef{}, NewError(CodeValidation, "room.parse", fmt.Sprintf("direct room %q must name two participants", id))
		}
		if a == b {
			return RoomRef{}, NewError(CodeValidation, "room.parse", "direct room participants must differ")
		}
		return Direct(a, b), nil
	case RoomGroup:
		return Group(rest), nil
	default:
		return RoomRef{}, NewError(CodeValidation, "room.parse", fmt.Sprintf("unknown room kind %q", kind))
	}
}

// CanonicalRoomID returns the canonical form of a room id, or id unchanged when
// it does not parse.
func CanonicalRoomID(id string) string {
	ref, err := ParseRoomRef(id)
	if err != nil {
		return id
	}
	return ref.ID()
}

// ID renders the canonical room identifier.
func (r RoomRef) ID() string {
	switch r.Kind {
	case RoomDirect:
		return fmt.Sprintf("%s:%s:%s", RoomDirect, r.A, r.B)
	case RoomGroup:
		return fmt.Sprintf("%s:%s", RoomGroup, r.GroupID)
	default:
		return ""
	}
}

// String implements fmt.Stringer.
func (r RoomRef) String() string {
	return r.ID()
}

// Parties returns the two identities encoded in a direct room, or nil for a group room.
func (r RoomRef) Parties() []string {
	if r.Kind != RoomDirect {
		return nil
	}
	return []string{r.A, r.B}
}

// HasParty reports whether identity is encoded in a direct room reference.
func (r RoomRef) HasParty(identity string) bool {
	return r.Kind == RoomDirect && (r.A == identity || r.B == identity)
}
