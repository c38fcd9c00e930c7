package remote

import (
	"encoding/json"
	"fmt"
	"time"
)

// Page is a database row.
type Page struct {
	ID             string                   `json:"id"`
	CreatedTime    time.Time                `json:"created_time"`
	LastEditedTime time.Time                `json:"last_edited_time"`
	Archived       bool                     `json:"archived"`
	InTrash        bool                     `json:"in_trash"`
	URL            string                   `json:"url,omitempty"`
	Properties     map[string]PropertyValue `json:"properties"`
}

// Gone reports whether the page is archived or in the trash.
func (p *Page) Gone() bool { return p.Archived || p.InTrash }

// Document is a page together with its block tree.
type Document struct {
	Page   Page
	Blocks []Block
}

// Annotations are rich text style flags.
type Annotations struct {
	Bold          bool   `json:"bold"`
	Italic        bool   `json:"italic"`
	Strikethrough bool   `json:"strikethrough"`
	Underline     bool   `json:"underline"`
	Code          bool   `json:"code"`
	Color         string `json:"color,omitempty"`
}

// Link is a text link target.
type Link struct {
	URL string `json:"url"`
}

// TextContent is the payload of a "text" rich text item.
type TextContent struct {
	Content string `json:"content"`
	Link    *Link  `json:"link,omitempty"`
}

// RichText is one rich text item. Only "text" items carry Text; mentions and
// equations are kept as raw JSON.
type RichText struct {
	Type        string          `json:"type"`
	Text        *TextContent    `json:"text,omitempty"`
	Mention     json.RawMessage `json:"mention,omitempty"`
	Equation    json.RawMessage `json:"equation,omitempty"`
	Annotations Annotations     `json:"annotations"`
	PlainText   string          `json:"plain_text,omitempty"`
	Href        *string         `json:"href,omitempty"`
}

// Content returns the visible text of the item.
func (r RichText) Content() string {
	if r.Text != nil {
		return r.Text.Content
	}
	return r.PlainText
}

// PlainText concatenates the visible text of items.
func PlainText(items []RichText) string {
	var s string
	for _, r := range items {
		s += r.Content()
	}
	return s
}

// SelectOption is a select or multi-select choice.
type SelectOption struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// DateValue is a date property payload.
type DateValue struct {
	Start    string  `json:"start"`
	End      *string `json:"end,omitempty"`
	TimeZone *string `json:"time_zone,omitempty"`
}

// PropertyValue is a typed page property. Only the field named by Type is
// meaningful. Raw holds the value exactly as received.
type PropertyValue struct {
	ID          string
	Type        string
	Title       []RichText
	RichText    []RichText
	Number      *float64
	Checkbox    bool
	Date        *DateValue
	Select      *SelectOption
	MultiSelect []SelectOption
	URL         *string
	Email       *string
	PhoneNumber *string
	Raw         json.RawMessage
}

// MarshalJSON writes the type and its payload; a nil payload is written as
// null, which clears the property.
func (p PropertyValue) MarshalJSON() ([]byte, error) {
	var v any
	switch p.Type {
	case "title":
		v = nonNil(p.Title)
	case "rich_text":
		v = nonNil(p.RichText)
	case "number":
		v = p.Number
	case "checkbox":
		v = p.Checkbox
	case "date":
		v = p.Date
	case "select":
		v = p.Select
	case "multi_select":
		if p.MultiSelect == nil {
			v = []SelectOption{}
		} else {
			v = p.MultiSelect
		}
	case "url":
		v = p.URL
	case "email":
		v = p.Email
	case "phone_number":
		v = p.PhoneNumber
	default:
		if p.Raw != nil {
			return p.Raw, nil
		}
		return nil, fmt.Errorf("remote: cannot encode property type %q", p.Type)
	}
	return json.Marshal(map[string]any{"type": p.Type, p.Type: v})
}

func nonNil(items []RichText) []RichText {
	if items == nil {
		return []RichText{}
	}
	return items
}

// UnmarshalJSON decodes known types and keeps the raw value.
func (p *PropertyValue) UnmarshalJSON(data []byte) error {
	var w struct {
		ID          string          `json:"id"`
		Type        string          `json:"type"`
		Title       []RichText      `json:"title"`
		RichText    []RichText      `json:"rich_text"`
		Number      *float64        `json:"number"`
		Checkbox    bool            `json:"checkbox"`
		Date        *DateValue      `json:"date"`
		Select      *SelectOption   `json:"select"`
		MultiSelect []SelectOption  `json:"multi_select"`
		URL         *string         `json:"url"`
		Email       *string         `json:"email"`
		PhoneNumber *string         `json:"phone_number"`
		Formula     json.RawMessage `json:"formula"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*p = PropertyValue{
		ID: w.ID, Type: w.Type, Title: w.Title, RichText: w.RichText, Number: w.Number,
		Checkbox: w.Checkbox, Date: w.Date, Select: w.Select, MultiSelect: w.MultiSelect,
		URL: w.URL, Email: w.Email, PhoneNumber: w.PhoneNumber,
		Raw: append(json.RawMessage(nil), data...),
	}
	return nil
}

// Icon is a page or callout icon.
type Icon struct {
	Type     string      `json:"type"`
	Emoji    string      `json:"emoji,omitempty"`
	External *FileObject `json:"external,omitempty"`
	File     *FileObject `json:"file,omitempty"`
}

// FileObject is an external or hosted file reference.
type FileObject struct {
	URL        string  `json:"url"`
	ExpiryTime *string `json:"expiry_time,omitempty"`
}

// BlockData is the decoded payload of the supported block types.
type BlockData struct {
	RichText        []RichText   `json:"rich_text"`
	Color           string       `json:"color"`
	Checked         bool         `json:"checked"`
	Language        string       `json:"language"`
	Caption         []RichText   `json:"caption"`
	Icon            *Icon        `json:"icon"`
	IsToggleable    bool         `json:"is_toggleable"`
	Source          string       `json:"type"`
	External        *FileObject  `json:"external"`
	File            *FileObject  `json:"file"`
	TableWidth      int          `json:"table_width"`
	HasColumnHeader bool         `json:"has_column_header"`
	HasRowHeader    bool         `json:"has_row_header"`
	Cells           [][]RichText `json:"cells"`
}

// Block is one content block.
//
// Blocks built for writing set either Data, for the supported types, or
// Payload, to recreate a block verbatim. Decoded blocks carry both.
type Block struct {
	ID             string
	Type           string
	HasChildren    bool
	LastEditedTime time.Time
	Data           BlockData
	Payload        json.RawMessage
	Children       []Block
	// Passthrough is the canonical form of a block carried through from an
	// earlier read; ReplaceChildren keeps a matching existing block in place.
	Passthrough string
}

// MarshalJSON writes the block in create form. Children are nested only for
// tables, whose rows must be created with them.
func (b Block) MarshalJSON() ([]byte, error) {
	var payload any = json.RawMessage(b.Payload)
	if len(b.Payload) == 0 {
		payload = b.Data.payload(b.Type, b.Children)
	} else if b.Type == "table" && len(b.Children) > 0 {
		var m map[string]any
		if err := json.Unmarshal(b.Payload, &m); err != nil {
			return nil, fmt.Errorf("remote: table payload: %w", err)
		}
		m["children"] = b.Children
		payload = m
	}
	return json.Marshal(map[string]any{"object": "block", "type": b.Type, b.Type: payload})
}

func (d BlockData) payload(typ string, children []Block) map[string]any {
	text := map[string]any{"rich_text": nonNil(d.RichText)}
	switch typ {
	case "paragraph", "heading_1", "heading_2", "heading_3", "bulleted_list_item", "numbered_list_item", "quote":
		return text
	case "to_do":
		text["checked"] = d.Checked
		return text
	case "callout":
		if d.Icon != nil {
			text["icon"] = d.Icon
		}
		return text
	case "code":
		text["language"] = d.Language
		text["caption"] = nonNil(d.Caption)
		return text
	case "image":
		return map[string]any{"type": "external", "external": d.External, "caption": nonNil(d.Caption)}
	case "table":
		rows := children
		if rows == nil {
			rows = []Block{}
		}
		return map[string]any{
			"table_width":       d.TableWidth,
			"has_column_header": d.HasColumnHeader,
			"has_row_header":    d.HasRowHeader,
			"children":          rows,
		}
	case "table_row":
		cells := make([][]RichText, len(d.Cells))
		for i, c := range d.Cells {
			cells[i] = nonNil(c)
		}
		return map[string]any{"cells": cells}
	}
	return map[string]any{}
}

// UnmarshalJSON decodes a block as returned by the API.
func (b *Block) UnmarshalJSON(data []byte) error {
	var head struct {
		ID             string    `json:"id"`
		Type           string    `json:"type"`
		HasChildren    bool      `json:"has_children"`
		LastEditedTime time.Time `json:"last_edited_time"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	*b = Block{ID: head.ID, Type: head.Type, HasChildren: head.HasChildren, LastEditedTime: head.LastEditedTime}
	if raw, ok := all[head.Type]; ok && string(raw) != "null" {
		b.Payload = append(json.RawMessage(nil), raw...)
		if err := json.Unmarshal(raw, &b.Data); err != nil {
			// Payloads of other types may not fit BlockData; they stay raw.
			b.Data = BlockData{}
		}
	}
	return nil
}

// list is a paginated API response.
type list[T any] struct {
	Results    []T     `json:"results"`
	HasMore    bool    `json:"has_more"`
	NextCursor *string `json:"next_cursor"`
}
