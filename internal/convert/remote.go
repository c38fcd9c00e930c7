package convert

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/ir"
	"github.com/starford/laguz/internal/remote"
)

// Remote converts remote pages to and from entities.
type Remote struct {
	Props *PropertyTable
}

// NewRemote returns a converter for the given property table.
func NewRemote(props *PropertyTable) *Remote {
	return &Remote{Props: props}
}

// ToIR converts a page and its blocks. Content the model cannot carry
// becomes unsupported blocks or opaque properties; each such loss is
// reported as a *apperr.SchemaError warning.
func (c *Remote) ToIR(doc remote.Document) (ir.Entity, []error) {
	e := ir.Entity{ID: doc.Page.ID, RemoteModifiedAt: doc.Page.LastEditedTime}
	var warnings []error

	names := make([]string, 0, len(doc.Page.Properties))
	for name := range doc.Page.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	mapped := make(map[string]ir.Value)
	for _, name := range names {
		pv := doc.Page.Properties[name]
		if name == c.Props.TitleProperty {
			e.Title = remote.PlainText(pv.Title)
			continue
		}
		m, ok := c.Props.ByRemote(name)
		if !ok {
			if v := opaqueValue(pv); v != nil {
				e.Opaque = append(e.Opaque, ir.Opaque{Name: name, Origin: ir.OriginRemote, Value: v})
			}
			continue
		}
		v, err := decodeRemote(m.Type, pv)
		if err != nil {
			warnings = append(warnings, &apperr.SchemaError{Construct: "property." + name, Detail: err.Error()})
			if ov := opaqueValue(pv); ov != nil {
				e.Opaque = append(e.Opaque, ir.Opaque{Name: name, Origin: ir.OriginRemote, Value: ov})
			}
			continue
		}
		if !v.Empty() {
			mapped[m.Local] = v
		}
	}
	for _, m := range c.Props.Mappings() {
		if v, ok := mapped[m.Local]; ok {
			e.Properties = append(e.Properties, ir.Property{Name: m.Local, Value: v})
		}
	}

	e.Blocks = ir.NormalizeBlocks(blocksToIR(doc.Blocks, &warnings))
	return e, warnings
}

// FromIR builds the property patch and block list for an entity. Every
// mapped property is included, cleared when the entity has no value.
func (c *Remote) FromIR(e ir.Entity) (map[string]remote.PropertyValue, []remote.Block) {
	props := map[string]remote.PropertyValue{
		c.Props.TitleProperty: {Type: "title", Title: remote.TextItems(e.Title, remote.Annotations{}, "")},
	}
	for _, m := range c.Props.Mappings() {
		v, ok := e.Property(m.Local)
		if !ok || v.Type != m.Type {
			v = ir.Value{}
		}
		props[m.Remote] = encodeRemote(m.RemoteType, v)
	}
	return props, blocksFromIR(e.Blocks)
}

func decodeRemote(t ir.PropertyType, pv remote.PropertyValue) (ir.Value, error) {
	mismatch := fmt.Errorf("remote type %q cannot be read as %s", pv.Type, t)
	switch t {
	case ir.PropText:
		switch pv.Type {
		case "title":
			return ir.TextValue(remote.PlainText(pv.Title)), nil
		case "rich_text":
			return ir.TextValue(remote.PlainText(pv.RichText)), nil
		case "url":
			return ir.TextValue(deref(pv.URL)), nil
		case "email":
			return ir.TextValue(deref(pv.Email)), nil
		case "phone_number":
			return ir.TextValue(deref(pv.PhoneNumber)), nil
		case "select":
			if pv.Select == nil {
				return ir.Value{}, nil
			}
			return ir.TextValue(pv.Select.Name), nil
		}
	case ir.PropNumber:
		if pv.Type == "number" {
			if pv.Number == nil {
				return ir.Value{}, nil
			}
			return ir.NumberValue(*pv.Number), nil
		}
	case ir.PropBool:
		if pv.Type == "checkbox" {
			return ir.BoolValue(pv.Checkbox), nil
		}
	case ir.PropDate:
		if pv.Type == "date" {
			return ir.DateValue(dateString(pv.Date)), nil
		}
	case ir.PropTags:
		if pv.Type == "multi_select" {
			tags := make([]string, 0, len(pv.MultiSelect))
			for _, o := range pv.MultiSelect {
				tags = append(tags, o.Name)
			}
			return ir.TagsValue(tags...), nil
		}
	}
	return ir.Value{}, mismatch
}

func encodeRemote(remoteType string, v ir.Value) remote.PropertyValue {
	pv := remote.PropertyValue{Type: remoteType}
	str := func() *string {
		if v.Empty() {
			return nil
		}
		s := v.Text
		return &s
	}
	switch remoteType {
	case "rich_text":
		pv.RichText = remote.TextItems(v.Text, remote.Annotations{}, "")
	case "url":
		pv.URL = str()
	case "email":
		pv.Email = str()
	case "phone_number":
		pv.PhoneNumber = str()
	case "select":
		if !v.Empty() {
			pv.Select = &remote.SelectOption{Name: v.Text}
		}
	case "number":
		if v.Type == ir.PropNumber {
			n := v.Number
			pv.Number = &n
		}
	case "checkbox":
		pv.Checkbox = v.Bool
	case "date":
		if v.Date != "" {
			start, end, ranged := strings.Cut(v.Date, "/")
			pv.Date = &remote.DateValue{Start: start}
			if ranged {
				pv.Date.End = &end
			}
		}
	case "multi_select":
		pv.MultiSelect = make([]remote.SelectOption, 0, len(v.Tags))
		for _, tag := range v.Tags {
			pv.MultiSelect = append(pv.MultiSelect, remote.SelectOption{Name: tag})
		}
	}
	return pv
}

func dateString(d *remote.DateValue) string {
	if d == nil {
		return ""
	}
	if d.End != nil && *d.End != "" {
		return d.Start + "/" + *d.End
	}
	return d.Start
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// opaqueValue reduces a property to a plain value for the frontmatter.
// Types without a plain form keep their decoded JSON minus the id.
func opaqueValue(pv remote.PropertyValue) any {
	switch pv.Type {
	case "title":
		return nilIfEmpty(remote.PlainText(pv.Title))
	case "rich_text":
		return nilIfEmpty(remote.PlainText(pv.RichText))
	case "number":
		if pv.Number == nil {
			return nil
		}
		return *pv.Number
	case "checkbox":
		return pv.Checkbox
	case "date":
		return nilIfEmpty(dateString(pv.Date))
	case "select":
		if pv.Select == nil {
			return nil
		}
		return pv.Select.Name
	case "multi_select":
		if len(pv.MultiSelect) == 0 {
			return nil
		}
		names := make([]any, len(pv.MultiSelect))
		for i, o := range pv.MultiSelect {
			names[i] = o.Name
		}
		return names
	case "url":
		return nilIfEmpty(deref(pv.URL))
	case "email":
		return nilIfEmpty(deref(pv.Email))
	case "phone_number":
		return nilIfEmpty(deref(pv.PhoneNumber))
	}
	var raw map[string]any
	if err := json.Unmarshal(pv.Raw, &raw); err != nil || raw == nil {
		return nil
	}
	delete(raw, "id")
	return raw
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func blocksToIR(blocks []remote.Block, warnings *[]error) []ir.Block {
	out := make([]ir.Block, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, blockToIR(b, warnings))
	}
	return out
}

func blockToIR(b remote.Block, warnings *[]error) ir.Block {
	if b.Passthrough != "" {
		return ir.Block{Kind: ir.KindUnsupported, Raw: &ir.Raw{Origin: ir.OriginRemote, Payload: b.Passthrough}}
	}
	d := b.Data
	if b.Type == "code" && remote.PlainText(d.Caption) == remote.UnsupportedCaption {
		origin := ir.OriginRemote
		if d.Language == "markdown" {
			origin = ir.OriginLocal
		}
		return ir.Block{Kind: ir.KindUnsupported, Raw: &ir.Raw{Origin: origin, Payload: remote.PlainText(d.RichText)}}
	}
	unsupported := func(detail string) ir.Block {
		*warnings = append(*warnings, &apperr.SchemaError{Construct: "block." + b.Type, Detail: detail})
		return ir.Block{Kind: ir.KindUnsupported, Raw: &ir.Raw{Origin: ir.OriginRemote, Payload: remote.Canonical(b)}}
	}

	var out ir.Block
	switch b.Type {
	case "paragraph":
		out.Kind = ir.KindParagraph
	case "heading_1", "heading_2", "heading_3":
		if d.IsToggleable {
			return unsupported("toggleable heading")
		}
		out.Kind = ir.KindHeading
		out.Level = int(b.Type[len(b.Type)-1] - '0')
	case "bulleted_list_item":
		out.Kind = ir.KindBulleted
	case "numbered_list_item":
		out.Kind = ir.KindNumbered
	case "to_do":
		out.Kind = ir.KindTodo
		out.Checked = d.Checked
	case "quote":
		out.Kind = ir.KindQuote
	case "callout":
		out.Kind = ir.KindCallout
		if d.Icon != nil {
			if d.Icon.Type != "emoji" {
				return unsupported("non-emoji icon")
			}
			out.Icon = d.Icon.Emoji
		}
	case "code":
		spans, ok := spansToIR(d.RichText)
		if !ok || !plain(spans) {
			return unsupported("formatted code")
		}
		if len(d.Caption) > 0 {
			return unsupported("code caption")
		}
		out.Kind = ir.KindCode
		out.Language = languageToIR(d.Language)
		out.Spans = ir.Text(ir.PlainText(spans))
	case "divider":
		out.Kind = ir.KindDivider
	case "image":
		if d.Source != "external" || d.External == nil || d.External.URL == "" {
			return unsupported("hosted image")
		}
		caption, ok := spansToIR(d.Caption)
		if !ok {
			return unsupported("caption annotations")
		}
		out.Kind = ir.KindImage
		out.URL = d.External.URL
		out.Spans = caption
	case "table":
		t, ok := tableToIR(b)
		if !ok {
			return unsupported("table layout")
		}
		return ir.Block{Kind: ir.KindTable, Table: t}
	default:
		return unsupported("unknown block type")
	}

	if len(b.Children) > 0 && !out.Kind.AllowsChildren() {
		return unsupported("nested content")
	}
	if d.Color != "" && d.Color != "default" && out.Kind != ir.KindCallout {
		return unsupported("color " + d.Color)
	}
	switch out.Kind {
	case ir.KindParagraph, ir.KindHeading, ir.KindBulleted, ir.KindNumbered, ir.KindTodo, ir.KindQuote, ir.KindCallout:
		spans, ok := spansToIR(d.RichText)
		if !ok {
			return unsupported("rich text annotations")
		}
		out.Spans = spans
	}
	if len(b.Children) > 0 {
		out.Children = blocksToIR(b.Children, warnings)
	}
	return out
}

func tableToIR(b remote.Block) (*ir.Table, bool) {
	if b.Data.HasRowHeader || len(b.Children) == 0 {
		return nil, false
	}
	t := &ir.Table{HasHeader: b.Data.HasColumnHeader}
	for _, row := range b.Children {
		if row.Type != "table_row" || len(row.Children) > 0 {
			return nil, false
		}
		cells := make([][]ir.Span, len(row.Data.Cells))
		for i, cell := range row.Data.Cells {
			spans, ok := spansToIR(cell)
			if !ok {
				return nil, false
			}
			cells[i] = spans
		}
		t.Rows = append(t.Rows, cells)
	}
	return t, true
}

// spansToIR reads rich text. It fails for items the span model cannot
// carry: mentions, equations, underline and colours.
func spansToIR(items []remote.RichText) ([]ir.Span, bool) {
	spans := make([]ir.Span, 0, len(items))
	for _, r := range items {
		if r.Type != "text" || r.Text == nil {
			return nil, false
		}
		a := r.Annotations
		if a.Underline || (a.Color != "" && a.Color != "default") {
			return nil, false
		}
		href := ""
		if r.Text.Link != nil {
			href = r.Text.Link.URL
		} else if r.Href != nil {
			href = *r.Href
		}
		spans = append(spans, ir.Span{Text: r.Text.Content, Format: ir.Format{
			Bold: a.Bold, Italic: a.Italic, Strike: a.Strikethrough, Code: a.Code, Href: href,
		}})
	}
	return ir.NormalizeSpans(spans), true
}

func plain(spans []ir.Span) bool {
	for _, s := range spans {
		if !s.Plain() {
			return false
		}
	}
	return true
}

func spansFromIR(spans []ir.Span) []remote.RichText {
	var out []remote.RichText
	for _, s := range spans {
		a := remote.Annotations{Bold: s.Bold, Italic: s.Italic, Strikethrough: s.Strike, Code: s.Code}
		out = append(out, remote.TextItems(s.Text, a, s.Href)...)
	}
	return out
}

func blocksFromIR(blocks []ir.Block) []remote.Block {
	out := make([]remote.Block, 0, len(blocks))
	for _, b := range blocks {
		if rb, ok := blockFromIR(b); ok {
			out = append(out, rb)
		}
	}
	return out
}

func blockFromIR(b ir.Block) (remote.Block, bool) {
	text := remote.BlockData{RichText: spansFromIR(b.Spans)}
	var out remote.Block
	switch b.Kind {
	case ir.KindParagraph:
		out = remote.Block{Type: "paragraph", Data: text}
	case ir.KindHeading:
		out = remote.Block{Type: fmt.Sprintf("heading_%d", min(max(b.Level, 1), 3)), Data: text}
	case ir.KindBulleted:
		out = remote.Block{Type: "bulleted_list_item", Data: text}
	case ir.KindNumbered:
		out = remote.Block{Type: "numbered_list_item", Data: text}
	case ir.KindTodo:
		text.Checked = b.Checked
		out = remote.Block{Type: "to_do", Data: text}
	case ir.KindQuote:
		out = remote.Block{Type: "quote", Data: text}
	case ir.KindCallout:
		if b.Icon != "" {
			text.Icon = &remote.Icon{Type: "emoji", Emoji: b.Icon}
		}
		out = remote.Block{Type: "callout", Data: text}
	case ir.KindCode:
		out = remote.Block{Type: "code", Data: remote.BlockData{
			Language: languageFromIR(b.Language),
			RichText: remote.TextItems(ir.PlainText(b.Spans), remote.Annotations{}, ""),
		}}
	case ir.KindDivider:
		out = remote.Block{Type: "divider"}
	case ir.KindImage:
		out = remote.Block{Type: "image", Data: remote.BlockData{
			Source:   "external",
			External: &remote.FileObject{URL: b.URL},
			Caption:  spansFromIR(b.Spans),
		}}
	case ir.KindTable:
		if b.Table == nil {
			return remote.Block{}, false
		}
		return tableFromIR(b.Table), true
	case ir.KindUnsupported:
		if b.Raw == nil {
			return remote.Block{}, false
		}
		if b.Raw.Origin == ir.OriginLocal {
			return remote.Marker("markdown", b.Raw.Payload), true
		}
		rb, err := remote.FromCanonical(b.Raw.Payload)
		if err != nil {
			return remote.Marker("json", b.Raw.Payload), true
		}
		rb.Passthrough = b.Raw.Payload
		return rb, true
	default:
		return remote.Block{}, false
	}
	if b.Kind.AllowsChildren() {
		out.Children = blocksFromIR(b.Children)
	}
	return out, true
}

func tableFromIR(t *ir.Table) remote.Block {
	width := max(t.Width(), 1)
	out := remote.Block{Type: "table", Data: remote.BlockData{TableWidth: width, HasColumnHeader: t.HasHeader}}
	for _, row := range t.Rows {
		cells := make([][]remote.RichText, width)
		for i := range cells {
			if i < len(row) {
				cells[i] = spansFromIR(row[i])
			}
		}
		out.Children = append(out.Children, remote.Block{Type: "table_row", Data: remote.BlockData{Cells: cells}})
	}
	return out
}

var languageAliases = map[string]string{
	"js":     "javascript",
	"ts":     "typescript",
	"py":     "python",
	"sh":     "shell",
	"zsh":    "shell",
	"golang": "go",
	"yml":    "yaml",
	"md":     "markdown",
	"rb":     "ruby",
	"rs":     "rust",
	"kt":     "kotlin",
	"cs":     "c#",
	"csharp": "c#",
	"cpp":    "c++",
	"text":   "plain text",
	"txt":    "plain text",
}

var remoteLanguages = map[string]bool{
	"abap": true, "arduino": true, "bash": true, "basic": true, "c": true, "clojure": true,
	"coffeescript": true, "c++": true, "c#": true, "css": true, "dart": true, "diff": true,
	"docker": true, "elixir": true, "elm": true, "erlang": true, "flow": true, "fortran": true,
	"f#": true, "gherkin": true, "glsl": true, "go": true, "graphql": true, "groovy": true,
	"haskell": true, "html": true, "java": true, "javascript": true, "json": true, "julia": true,
	"kotlin": true, "latex": true, "less": true, "lisp": true, "livescript": true, "lua": true,
	"makefile": true, "markdown": true, "markup": true, "matlab": true, "mermaid": true,
	"nix": true, "objective-c": true, "ocaml": true, "pascal": true, "perl": true, "php": true,
	"plain text": true, "powershell": true, "prolog": true, "protobuf": true, "python": true,
	"r": true, "reason": true, "ruby": true, "rust": true, "sass": true, "scala": true,
	"scheme": true, "scss": true, "shell": true, "sql": true, "swift": true, "typescript": true,
	"vb.net": true, "verilog": true, "vhdl": true, "visual basic": true, "webassembly": true,
	"xml": true, "yaml": true,
}

func languageFromIR(lang string) string {
	l := strings.ToLower(strings.TrimSpace(lang))
	if alias, ok := languageAliases[l]; ok {
		l = alias
	}
	if !remoteLanguages[l] {
		return "plain text"
	}
	return l
}

func languageToIR(lang string) string {
	if lang == "plain text" {
		return ""
	}
	return lang
}
