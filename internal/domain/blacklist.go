package domain

import (
	"net/netip"
	"strings"
)

// BlacklistPlugin is the APISIX plugin whose metadata carries the blacklist.
const BlacklistPlugin = "traffic-blocker"

type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
)

// ParseAction maps the request field to an Action. An empty value means add.
func ParseAction(raw string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ActionAdd:
		return ActionAdd, nil
	case ActionRemove:
		return ActionRemove, nil
	default:
		return "", Validationf("invalid action %q: use 'add' or 'remove'", raw)
	}
}

// PastTense renders the action for user-facing messages.
func (a Action) PastTense() string {
	switch a {
	case ActionAdd:
		return "added"
	case ActionRemove:
		return "removed"
	default:
		return string(a) + "ed"
	}
}

// Blacklist holds the blocked addresses and CIDR ranges exactly as the
// gateway stores them. Membership is decided on the canonical form of each
// entry, so "2001:DB8::1" and "2001:db8::1" are the same member, but stored
// strings are never rewritten.
type Blacklist struct {
	entries []string
}

func NewBlacklist(entries []string) *Blacklist {
	return &Blacklist{entries: append([]string(nil), entries...)}
}

// Apply mutates the list and reports whether membership changed.
// Add and remove are both idempotent. Add appends the trimmed entry as given;
// remove drops every stored spelling of it.
func (b *Blacklist) Apply(action Action, entry string) bool {
	trimmed := strings.TrimSpace(entry)
	if trimmed == "" {
		return false
	}

	switch action {
	case ActionAdd:
		if b.Contains(trimmed) {
			return false
		}
		b.entries = append(b.entries, trimmed)
		return true
	case ActionRemove:
		key := MatchKey(trimmed)
		kept := b.entries[:0]
		for _, stored := range b.entries {
			if MatchKey(stored) != key {
				kept = append(kept, stored)
			}
		}
		changed := len(kept) != len(b.entries)
		b.entries = kept
		return changed
	default:
		return false
	}
}

func (b *Blacklist) Contains(entry string) bool {
	key := MatchKey(entry)
	if key == "" {
		return false
	}
	for _, stored := range b.entries {
		if MatchKey(stored) == key {
			return true
		}
	}
	return false
}

// Entries returns the stored strings in gateway order, never nil.
func (b *Blacklist) Entries() []string {
	return append(make([]string, 0, len(b.entries)), b.entries...)
}

// MatchKey canonicalizes an entry for comparison only. IPs and prefixes are
// parsed so spelling differences collapse, while an IPv4-mapped IPv6 address
// stays distinct from its IPv4 form. Unparseable entries compare trimmed.
func MatchKey(entry string) string {
	trimmed := strings.TrimSpace(entry)
	if trimmed == "" {
		return ""
	}
	if addr, err := netip.ParseAddr(trimmed); err == nil {
		return addr.String()
	}
	if prefix, err := netip.ParsePrefix(trimmed); err == nil {
		return prefix.String()
	}
	return trimmed
}
