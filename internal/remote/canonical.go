package remote

import (
	"encoding/json"
	"fmt"
	"net/url"
)

type canonicalBlock struct {
	Type     string           `json:"type"`
	Payload  any              `json:"payload"`
	Children []canonicalBlock `json:"children,omitempty"`
}

// Canonical renders a block subtree as stable, indented JSON with sorted
// keys. Identifiers, timestamps and signed file URL parameters are left out
// so that re-fetching an unchanged block yields the same text.
func Canonical(b Block) string {
	data, err := json.MarshalIndent(canonical(b), "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"type": %q}`, b.Type)
	}
	return string(data)
}

func canonical(b Block) canonicalBlock {
	var payload any = map[string]any{}
	if len(b.Payload) > 0 {
		var v any
		if err := json.Unmarshal(b.Payload, &v); err == nil {
			payload = scrub(v)
		}
	}
	c := canonicalBlock{Type: b.Type, Payload: payload}
	for _, child := range b.Children {
		c.Children = append(c.Children, canonical(child))
	}
	return c
}

// scrub drops expiry times and the query of signed file URLs.
func scrub(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if _, signed := t["expiry_time"]; signed {
			delete(t, "expiry_time")
			if s, ok := t["url"].(string); ok {
				if u, err := url.Parse(s); err == nil {
					u.RawQuery = ""
					t["url"] = u.String()
				}
			}
		}
		for k, child := range t {
			t[k] = scrub(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = scrub(child)
		}
		return t
	}
	return v
}

// FromCanonical rebuilds a block subtree from Canonical output.
func FromCanonical(text string) (Block, error) {
	var c struct {
		Type     string            `json:"type"`
		Payload  json.RawMessage   `json:"payload"`
		Children []json.RawMessage `json:"children"`
	}
	if err := json.Unmarshal([]byte(text), &c); err != nil {
		return Block{}, fmt.Errorf("remote: canonical block: %w", err)
	}
	if c.Type == "" {
		return Block{}, fmt.Errorf("remote: canonical block has no type")
	}
	b := Block{Type: c.Type, Payload: c.Payload}
	for _, raw := range c.Children {
		child, err := FromCanonical(string(raw))
		if err != nil {
			return Block{}, err
		}
		b.Children = append(b.Children, child)
	}
	return b, nil
}

var nonRecreatable = map[string]bool{
	"child_page":     true,
	"child_database": true,
	"link_preview":   true,
	"synced_block":   true,
	"template":       true,
	"unsupported":    true,
	"ai_block":       true,
	"transcription":  true,
}

// Recreatable reports whether the API accepts a block of this shape on
// append. Hosted files carry signed URLs that cannot be written back.
func Recreatable(b Block) bool {
	if nonRecreatable[b.Type] {
		return false
	}
	var src struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(b.Payload, &src) == nil && src.Type == "file" {
		return false
	}
	for _, c := range b.Children {
		if !Recreatable(c) {
			return false
		}
	}
	return true
}
