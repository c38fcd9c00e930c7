package convert

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/ir"
	"github.com/starford/laguz/internal/parser"
)

// Local converts Markdown files to and from entities.
type Local struct {
	IDKey string
	Props *PropertyTable
}

// NewLocal returns a converter using idKey as the identity frontmatter key.
func NewLocal(idKey string, props *PropertyTable) *Local {
	if idKey == "" {
		idKey = DefaultIDKey
	}
	return &Local{IDKey: idKey, Props: props}
}

// TitleFromPath returns the file stem.
func TitleFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".md")
}

// ToIR parses a file into an entity. The ID is empty when the file has no
// identity key. Values that cannot be read as their mapped type are
// skipped and reported as warnings; a broken header is a *apperr.ParseError.
func (c *Local) ToIR(path string, data []byte) (ir.Entity, []error, error) {
	doc, err := parser.Split(data)
	if err != nil {
		return ir.Entity{}, nil, &apperr.ParseError{Path: path, Err: err}
	}
	e := ir.Entity{Title: TitleFromPath(path)}
	if id, ok := parser.ScalarString(parser.Lookup(doc.Header, c.IDKey)); ok {
		e.ID = strings.TrimSpace(id)
	}
	if title, ok := parser.ScalarString(parser.Lookup(doc.Header, TitleKey)); ok {
		e.Title = title
	}

	var warnings []error
	for _, m := range c.Props.Mappings() {
		node := parser.Lookup(doc.Header, m.Local)
		if node == nil {
			continue
		}
		v, err := decodeLocal(m.Type, node)
		if err != nil {
			warnings = append(warnings, &apperr.SchemaError{Construct: "frontmatter." + m.Local, Detail: err.Error()})
			continue
		}
		if !v.Empty() {
			e.Properties = append(e.Properties, ir.Property{Name: m.Local, Value: v})
		}
	}

	if op := parser.Lookup(doc.Header, OpaqueKey); op != nil && op.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(op.Content); i += 2 {
			var val any
			if err := op.Content[i+1].Decode(&val); err != nil {
				continue
			}
			e.Opaque = append(e.Opaque, ir.Opaque{Name: op.Content[i].Value, Origin: ir.OriginRemote, Value: val})
		}
	}

	e.Blocks = ParseBlocks(doc.Body)
	return e, warnings, nil
}

// FromIR renders an entity into file content. Header keys the converter does
// not own are kept from existing, as is their order.
func (c *Local) FromIR(e ir.Entity, path string, existing []byte) ([]byte, error) {
	header := parser.NewMapping()
	if len(existing) > 0 {
		if doc, err := parser.Split(existing); err == nil {
			header = doc.Header
		}
	}
	parser.Set(header, c.IDKey, parser.StringNode(e.ID))
	if e.Title != TitleFromPath(path) || parser.Lookup(header, TitleKey) != nil {
		parser.Set(header, TitleKey, parser.StringNode(e.Title))
	}

	for _, m := range c.Props.Mappings() {
		v, ok := e.Property(m.Local)
		if !ok || v.Empty() {
			parser.Remove(header, m.Local)
			continue
		}
		node, err := encodeLocal(v)
		if err != nil {
			return nil, fmt.Errorf("convert: property %q: %w", m.Local, err)
		}
		parser.Set(header, m.Local, node)
	}

	var opaque []ir.Opaque
	for _, o := range e.Opaque {
		if o.Origin == ir.OriginRemote {
			opaque = append(opaque, o)
		}
	}
	if len(opaque) == 0 {
		parser.Remove(header, OpaqueKey)
	} else {
		m := parser.NewMapping()
		for _, o := range sortOpaque(opaque) {
			var n yaml.Node
			if err := n.Encode(o.Value); err != nil {
				return nil, fmt.Errorf("convert: opaque %q: %w", o.Name, err)
			}
			parser.Set(m, o.Name, &n)
		}
		parser.Set(header, OpaqueKey, m)
	}

	return parser.Compose(header, RenderBlocks(e.Blocks))
}

func decodeLocal(t ir.PropertyType, n *yaml.Node) (ir.Value, error) {
	if n.Tag == "!!null" {
		return ir.Value{}, nil
	}
	if t == ir.PropTags {
		return decodeTags(n)
	}
	if n.Kind != yaml.ScalarNode {
		return ir.Value{}, errors.New("expected a scalar")
	}
	s := strings.TrimSpace(n.Value)
	switch t {
	case ir.PropText:
		return ir.TextValue(n.Value), nil
	case ir.PropNumber:
		if s == "" {
			return ir.Value{}, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return ir.Value{}, fmt.Errorf("not a number: %q", s)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return ir.Value{}, fmt.Errorf("non-finite number: %q", s)
		}
		return ir.NumberValue(f), nil
	case ir.PropBool:
		var b bool
		if err := n.Decode(&b); err != nil {
			return ir.Value{}, fmt.Errorf("not a boolean: %q", s)
		}
		return ir.BoolValue(b), nil
	case ir.PropDate:
		return ir.DateValue(s), nil
	}
	return ir.Value{}, fmt.Errorf("unknown type %q", t)
}

func decodeTags(n *yaml.Node) (ir.Value, error) {
	var raw []string
	switch n.Kind {
	case yaml.SequenceNode:
		for _, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				return ir.Value{}, errors.New("tags must be scalars")
			}
			raw = append(raw, item.Value)
		}
	case yaml.ScalarNode:
		raw = strings.Split(n.Value, ",")
	default:
		return ir.Value{}, errors.New("expected a list of tags")
	}
	var tags []string
	seen := make(map[string]bool, len(raw))
	for _, tag := range raw {
		tag = strings.TrimPrefix(strings.TrimSpace(tag), "#")
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	return ir.TagsValue(tags...), nil
}

func encodeLocal(v ir.Value) (*yaml.Node, error) {
	switch v.Type {
	case ir.PropText:
		return parser.StringNode(v.Text), nil
	case ir.PropNumber:
		if math.IsNaN(v.Number) || math.IsInf(v.Number, 0) {
			return nil, fmt.Errorf("non-finite number %v", v.Number)
		}
		tag := "!!float"
		if v.Number == math.Trunc(v.Number) && math.Abs(v.Number) < 1e15 {
			tag = "!!int"
		}
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: strconv.FormatFloat(v.Number, 'f', -1, 64)}, nil
	case ir.PropBool:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(v.Bool)}, nil
	case ir.PropDate:
		return parser.StringNode(v.Date), nil
	case ir.PropTags:
		seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, tag := range v.Tags {
			seq.Content = append(seq.Content, parser.StringNode(tag))
		}
		return seq, nil
	}
	return nil, fmt.Errorf("unknown type %q", v.Type)
}

func sortOpaque(in []ir.Opaque) []ir.Opaque {
	out := append([]ir.Opaque(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
