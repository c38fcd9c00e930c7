package ir

import (
	"fmt"
	"slices"
	"strings"
)

// PropertyType is the closed set of property value types.
type PropertyType string

const (
	PropText   PropertyType = "text"
	PropNumber PropertyType = "number"
	PropBool   PropertyType = "bool"
	PropDate   PropertyType = "date"
	PropTags   PropertyType = "tags"
)

// Valid reports whether t is a known type.
func (t PropertyType) Valid() bool {
	switch t {
	case PropText, PropNumber, PropBool, PropDate, PropTags:
		return true
	}
	return false
}

// Value is a typed property value. Only the field matching Type is meaningful.
// The zero Value is an unset property of any type.
type Value struct {
	Type   PropertyType `json:"type"`
	Text   string       `json:"text,omitempty"`
	Number float64      `json:"number,omitempty"`
	Bool   bool         `json:"bool,omitempty"`
	// Date is an ISO 8601 date or datetime, or "start/end" for a range.
	Date string   `json:"date,omitempty"`
	Tags []string `json:"tags,omitempty"`
}

// Empty reports whether v carries no information. Empty values are
// treated as absent so that a missing key and a cleared field compare equal.
func (v Value) Empty() bool {
	switch v.Type {
	case PropText:
		return v.Text == ""
	case PropBool:
		return !v.Bool
	case PropDate:
		return v.Date == ""
	case PropTags:
		return len(v.Tags) == 0
	case PropNumber:
		// zero is a real number; unset numbers are the zero Value
		return false
	}
	return true
}

// String renders v for logs and conflict artifacts.
func (v Value) String() string {
	switch v.Type {
	case PropText:
		return v.Text
	case PropNumber:
		return fmt.Sprintf("%g", v.Number)
	case PropBool:
		return fmt.Sprintf("%t", v.Bool)
	case PropDate:
		return v.Date
	case PropTags:
		return strings.Join(v.Tags, ", ")
	}
	return ""
}

// Equal compares two values.
func (v Value) Equal(o Value) bool {
	return v.Type == o.Type && v.Text == o.Text && v.Number == o.Number &&
		v.Bool == o.Bool && v.Date == o.Date && slices.Equal(v.Tags, o.Tags)
}

// Property is a named value.
type Property struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

// TextValue builds a text value.
func TextValue(s string) Value { return Value{Type: PropText, Text: s} }

// NumberValue builds a number value.
func NumberValue(n float64) Value { return Value{Type: PropNumber, Number: n} }

// BoolValue builds a boolean value.
func BoolValue(b bool) Value { return Value{Type: PropBool, Bool: b} }

// DateValue builds a date value.
func DateValue(s string) Value { return Value{Type: PropDate, Date: s} }

// TagsValue builds a tag-set value.
func TagsValue(tags ...string) Value { return Value{Type: PropTags, Tags: tags} }
