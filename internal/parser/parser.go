// Package parser splits Markdown documents into a YAML header and a body and
// composes them back, preserving header key order.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const delim = "---"

// ErrNotMapping is returned when the header is valid YAML but not a mapping.
var ErrNotMapping = errors.New("frontmatter is not a mapping")

// Document is a Markdown file split into header and body.
type Document struct {
	// Header is a mapping node; it is empty when the file has no frontmatter.
	Header *yaml.Node
	Body   string
}

// Split separates YAML frontmatter (between leading --- lines) from the body.
// A file without frontmatter yields an empty header. Malformed YAML is an
// error so the caller can skip the file instead of clobbering its header.
func Split(data []byte) (*Document, error) {
	text := strings.ReplaceAll(string(bytes.TrimPrefix(data, []byte("\ufeff"))), "\r\n", "\n")
	trimmed := strings.TrimLeft(text, "\n")

	if !strings.HasPrefix(trimmed, delim+"\n") {
		return &Document{Header: NewMapping(), Body: text}, nil
	}

	rest := trimmed[len(delim)+1:]
	var yamlBlock, after string
	switch {
	case strings.HasPrefix(rest, delim+"\n") || rest == delim:
		after = strings.TrimPrefix(rest, delim)
	default:
		idx := strings.Index(rest, "\n"+delim+"\n")
		if idx < 0 {
			if !strings.HasSuffix(rest, "\n"+delim) {
				// No closing delimiter: the whole file is body.
				return &Document{Header: NewMapping(), Body: text}, nil
			}
			idx = len(rest) - len(delim) - 1
		}
		yamlBlock = rest[:idx+1]
		after = rest[idx+1+len(delim):]
	}
	body := strings.TrimLeft(after, "\n")

	header, err := decodeHeader(yamlBlock)
	if err != nil {
		return nil, err
	}
	return &Document{Header: header, Body: body}, nil
}

func decodeHeader(block string) (*yaml.Node, error) {
	if strings.TrimSpace(block) == "" {
		return NewMapping(), nil
	}
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(block), &doc); err != nil {
		return nil, fmt.Errorf("parser: frontmatter: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return NewMapping(), nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parser: %w", ErrNotMapping)
	}
	return root, nil
}

// Compose renders header and body into a Markdown file. An empty header is
// omitted.
func Compose(header *yaml.Node, body string) ([]byte, error) {
	var buf bytes.Buffer
	if header != nil && len(header.Content) > 0 {
		buf.WriteString(delim + "\n")
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(header); err != nil {
			return nil, fmt.Errorf("parser: encode frontmatter: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("parser: encode frontmatter: %w", err)
		}
		buf.WriteString(delim + "\n")
		if body != "" {
			buf.WriteString("\n")
		}
	}
	buf.WriteString(body)
	return buf.Bytes(), nil
}

// NewMapping returns an empty mapping node.
func NewMapping() *yaml.Node {
	return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
}

// StringNode returns a string scalar.
func StringNode(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}

// Lookup returns the value node for key, or nil.
func Lookup(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// Set replaces the value for key in place, or appends the pair.
func Set(m *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			m.Content[i+1] = value
			return
		}
	}
	m.Content = append(m.Content, StringNode(key), value)
}

// Remove deletes key and reports whether it was present.
func Remove(m *yaml.Node, key string) bool {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			m.Content = append(m.Content[:i], m.Content[i+2:]...)
			return true
		}
	}
	return false
}

// Keys returns mapping keys in document order.
func Keys(m *yaml.Node) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m.Content)/2)
	for i := 0; i+1 < len(m.Content); i += 2 {
		keys = append(keys, m.Content[i].Value)
	}
	return keys
}

// ScalarString returns the value of a scalar node.
func ScalarString(n *yaml.Node) (string, bool) {
	if n == nil || n.Kind != yaml.ScalarNode || n.Tag == "!!null" {
		return "", false
	}
	return n.Value, true
}
