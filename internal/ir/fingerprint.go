package ir

import (
	"encoding/json"
	"sort"

	"github.com/starford/laguz/internal/checksum"
)

type canonicalEntity struct {
	Title      string     `json:"title"`
	Properties []Property `json:"properties"`
	Blocks     []Block    `json:"blocks"`
}

// Fingerprint hashes the title, non-empty properties sorted by name, and the
// block tree. Identity, timestamps and opaque properties are excluded.
func Fingerprint(e Entity) string {
	props := make([]Property, 0, len(e.Properties))
	for _, p := range e.Properties {
		if !p.Value.Empty() {
			props = append(props, p)
		}
	}
	sort.SliceStable(props, func(i, j int) bool { return props[i].Name < props[j].Name })
	return digest(canonicalEntity{Title: e.Title, Properties: props, Blocks: e.Blocks})
}

// ContentFingerprint hashes only the block tree.
func ContentFingerprint(blocks []Block) string {
	return digest(blocks)
}

func digest(v any) string {
	// Values built from ir types always marshal: converters reject non-finite numbers.
	data, _ := json.Marshal(v)
	return checksum.Sum(data)
}
