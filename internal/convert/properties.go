// Package convert maps documents between the remote page model, the
// intermediate representation and Markdown files with YAML frontmatter.
package convert

import (
	"fmt"

	"github.com/starford/laguz/internal/ir"
)

// Reserved frontmatter keys.
const (
	DefaultIDKey = "sync_id"
	TitleKey     = "title"
	OpaqueKey    = "remote_properties"
)

// PropertyMapping binds a remote property name to a frontmatter key.
type PropertyMapping struct {
	Remote string          `yaml:"remote"`
	Local  string          `yaml:"local"`
	Type   ir.PropertyType `yaml:"type"`
	// RemoteType overrides the remote property type used on writes.
	RemoteType string `yaml:"remote_type"`
}

// DefaultMappings is the mapping set used when none is configured.
func DefaultMappings() []PropertyMapping {
	return []PropertyMapping{{Remote: "Tags", Local: "tags", Type: ir.PropTags}}
}

var defaultRemoteTypes = map[ir.PropertyType]string{
	ir.PropText:   "rich_text",
	ir.PropNumber: "number",
	ir.PropBool:   "checkbox",
	ir.PropDate:   "date",
	ir.PropTags:   "multi_select",
}

// remoteTypesFor lists the remote types readable as t.
var remoteTypesFor = map[ir.PropertyType][]string{
	ir.PropText:   {"rich_text", "url", "email", "phone_number", "select"},
	ir.PropNumber: {"number"},
	ir.PropBool:   {"checkbox"},
	ir.PropDate:   {"date"},
	ir.PropTags:   {"multi_select"},
}

// PropertyTable indexes mappings by both names.
type PropertyTable struct {
	// TitleProperty is the remote property holding the document title.
	TitleProperty string
	mappings      []PropertyMapping
	byRemote      map[string]PropertyMapping
	byLocal       map[string]PropertyMapping
}

// NewPropertyTable validates mappings and fills in default remote types.
func NewPropertyTable(titleProperty, idKey string, mappings []PropertyMapping) (*PropertyTable, error) {
	t := &PropertyTable{
		TitleProperty: titleProperty,
		byRemote:      make(map[string]PropertyMapping, len(mappings)),
		byLocal:       make(map[string]PropertyMapping, len(mappings)),
	}
	for _, m := range mappings {
		if m.Remote == "" || m.Local == "" {
			return nil, fmt.Errorf("convert: property mapping needs both names: %+v", m)
		}
		if !m.Type.Valid() {
			return nil, fmt.Errorf("convert: property %q: unknown type %q", m.Local, m.Type)
		}
		if m.RemoteType == "" {
			m.RemoteType = defaultRemoteTypes[m.Type]
		}
		if !accepts(m.Type, m.RemoteType) {
			return nil, fmt.Errorf("convert: property %q: remote type %q cannot hold %s", m.Local, m.RemoteType, m.Type)
		}
		switch m.Local {
		case idKey, TitleKey, OpaqueKey:
			return nil, fmt.Errorf("convert: property %q: frontmatter key is reserved", m.Local)
		}
		if m.Remote == titleProperty {
			return nil, fmt.Errorf("convert: property %q: remote name is the title property", m.Remote)
		}
		if _, dup := t.byRemote[m.Remote]; dup {
			return nil, fmt.Errorf("convert: duplicate remote property %q", m.Remote)
		}
		if _, dup := t.byLocal[m.Local]; dup {
			return nil, fmt.Errorf("convert: duplicate frontmatter key %q", m.Local)
		}
		t.byRemote[m.Remote] = m
		t.byLocal[m.Local] = m
		t.mappings = append(t.mappings, m)
	}
	return t, nil
}

func accepts(t ir.PropertyType, remoteType string) bool {
	for _, rt := range remoteTypesFor[t] {
		if rt == remoteType {
			return true
		}
	}
	return false
}

// Mappings returns the mappings in configuration order.
func (t *PropertyTable) Mappings() []PropertyMapping {
	return t.mappings
}

// ByRemote looks a mapping up by remote property name.
func (t *PropertyTable) ByRemote(name string) (PropertyMapping, bool) {
	m, ok := t.byRemote[name]
	return m, ok
}

// ByLocal looks a mapping up by frontmatter key.
func (t *PropertyTable) ByLocal(key string) (PropertyMapping, bool) {
	m, ok := t.byLocal[key]
	return m, ok
}
