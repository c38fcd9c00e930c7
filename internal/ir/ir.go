// Package ir is the canonical content model both sides convert to and from.
package ir

import (
	"time"
)

// BlockKind is the closed set of block variants.
type BlockKind string

const (
	KindParagraph   BlockKind = "paragraph"
	KindHeading     BlockKind = "heading"
	KindBulleted    BlockKind = "bulleted_item"
	KindNumbered    BlockKind = "numbered_item"
	KindTodo        BlockKind = "todo"
	KindQuote       BlockKind = "quote"
	KindCode        BlockKind = "code"
	KindCallout     BlockKind = "callout"
	KindDivider     BlockKind = "divider"
	KindImage       BlockKind = "image"
	KindTable       BlockKind = "table"
	KindUnsupported BlockKind = "unsupported"
)

// AllowsChildren reports whether blocks of this kind may nest other blocks.
func (k BlockKind) AllowsChildren() bool {
	switch k {
	case KindBulleted, KindNumbered, KindTodo, KindQuote, KindCallout:
		return true
	}
	return false
}

// Origin records which side produced an unsupported block.
type Origin string

const (
	OriginRemote Origin = "remote"
	OriginLocal  Origin = "local"
)

// Format is the set of inline annotations active on a span.
// Annotations are independent; Href is empty when the span is not a link.
type Format struct {
	Bold   bool   `json:"bold,omitempty"`
	Italic bool   `json:"italic,omitempty"`
	Strike bool   `json:"strike,omitempty"`
	Code   bool   `json:"code,omitempty"`
	Href   string `json:"href,omitempty"`
}

// Plain reports whether no annotation is active.
func (f Format) Plain() bool {
	return f == Format{}
}

// Span is a run of text with one format.
type Span struct {
	Text string `json:"text"`
	Format
}

// Table holds cell content by row then column.
type Table struct {
	HasHeader bool       `json:"has_header,omitempty"`
	Rows      [][][]Span `json:"rows"`
}

// Width returns the number of columns.
func (t *Table) Width() int {
	w := 0
	for _, row := range t.Rows {
		if len(row) > w {
			w = len(row)
		}
	}
	return w
}

// Raw preserves content one side could not map.
type Raw struct {
	Origin  Origin `json:"origin"`
	Payload string `json:"payload"`
}

// Block is one node of the content tree.
//
// Spans carry the text for text-bearing kinds, the source for code blocks
// and the caption for images.
type Block struct {
	Kind     BlockKind `json:"kind"`
	Level    int       `json:"level,omitempty"`
	Checked  bool      `json:"checked,omitempty"`
	Language string    `json:"language,omitempty"`
	Icon     string    `json:"icon,omitempty"`
	URL      string    `json:"url,omitempty"`
	Spans    []Span    `json:"spans,omitempty"`
	Table    *Table    `json:"table,omitempty"`
	Raw      *Raw      `json:"raw,omitempty"`
	Children []Block   `json:"children,omitempty"`
}

// PlainText concatenates the block's span text.
func (b *Block) PlainText() string {
	return PlainText(b.Spans)
}

// PlainText concatenates span text.
func PlainText(spans []Span) string {
	n := 0
	for _, s := range spans {
		n += len(s.Text)
	}
	out := make([]byte, 0, n)
	for _, s := range spans {
		out = append(out, s.Text...)
	}
	return string(out)
}

// Text returns a single unformatted span list, or nil for empty text.
func Text(s string) []Span {
	if s == "" {
		return nil
	}
	return []Span{{Text: s}}
}

// HasUnsupported reports whether the tree contains an unsupported block.
func HasUnsupported(blocks []Block) bool {
	for i := range blocks {
		if blocks[i].Kind == KindUnsupported || HasUnsupported(blocks[i].Children) {
			return true
		}
	}
	return false
}

// Entity is a logical document as seen from one side.
type Entity struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Properties []Property `json:"properties,omitempty"`
	Blocks     []Block    `json:"blocks,omitempty"`
	// Opaque carries unmapped properties. It never affects the fingerprint.
	Opaque           []Opaque  `json:"opaque,omitempty"`
	RemoteModifiedAt time.Time `json:"remote_modified_at"`
	LocalModifiedAt  time.Time `json:"local_modified_at"`
}

// Property returns the named property.
func (e *Entity) Property(name string) (Value, bool) {
	for _, p := range e.Properties {
		if p.Name == name {
			return p.Value, true
		}
	}
	return Value{}, false
}

// Opaque is a property without a mapping, preserved verbatim.
type Opaque struct {
	Name   string `json:"name"`
	Origin Origin `json:"origin"`
	Value  any    `json:"value"`
}
