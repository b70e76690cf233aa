package apisix

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const blacklistField = "blacklist"

// Metadata is a plugin metadata value. Only the blacklist field is
// interpreted; every other field is carried through untouched.
type Metadata map[string]json.RawMessage

// Blacklist decodes the blacklist field. A missing or null field is empty.
func (m Metadata) Blacklist() ([]string, error) {
	raw, ok := m[blacklistField]
	if !ok || len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return []string{}, nil
	}

	var entries []string
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", blacklistField, err)
	}
	if entries == nil {
		entries = []string{}
	}
	return entries, nil
}

// WithBlacklist returns a copy of m whose blacklist field is entries.
func (m Metadata) WithBlacklist(entries []string) (Metadata, error) {
	if entries == nil {
		entries = []string{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", blacklistField, err)
	}

	out := make(Metadata, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[blacklistField] = raw
	return out, nil
}

// decodeMetadata accepts both the v3 envelope ({"value": ...}) and the v2
// one ({"node": {"value": ...}}).
func decodeMetadata(body []byte) (Metadata, error) {
	var envelope struct {
		Value Metadata `json:"value"`
		Node  *struct {
			Value Metadata `json:"value"`
		} `json:"node"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}

	switch {
	case envelope.Value != nil:
		return envelope.Value, nil
	case envelope.Node != nil && envelope.Node.Value != nil:
		return envelope.Node.Value, nil
	default:
		return Metadata{}, nil
	}
}
