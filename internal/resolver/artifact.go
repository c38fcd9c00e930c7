package resolver

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/starford/laguz/internal/local"
	"github.com/starford/laguz/internal/models"
	"github.com/starford/laguz/internal/parser"
)

// Resolution is the human decision recorded in a conflict artifact.
type Resolution string

const (
	ResolutionPending Resolution = "pending"
	ResolutionLocal   Resolution = "local"
	ResolutionRemote  Resolution = "remote"
)

// Side returns the winning side for a decided resolution.
func (r Resolution) Side() (models.Side, bool) {
	switch r {
	case ResolutionLocal:
		return models.SideLocal, true
	case ResolutionRemote:
		return models.SideRemote, true
	}
	return "", false
}

// Artifact is the header of a conflict file.
type Artifact struct {
	EntityID          string     `yaml:"entity_id"`
	Title             string     `yaml:"title"`
	DetectedAt        string     `yaml:"detected_at"`
	LocalFingerprint  string     `yaml:"local_fingerprint"`
	RemoteFingerprint string     `yaml:"remote_fingerprint"`
	Resolution        Resolution `yaml:"resolution"`
}

// ArtifactPath returns where the conflict file for an entity lives.
func ArtifactPath(dir, title, entityID string) string {
	return path.Join(dir, local.SanitizeName(title)+"."+entityID+".conflict.md")
}

// RenderArtifact builds the conflict file for c. localText and remoteText are
// both versions rendered as Markdown. Identical inputs give identical bytes.
func RenderArtifact(c Case, localText, remoteText string) ([]byte, error) {
	header := parser.NewMapping()
	for _, kv := range [][2]string{
		{"entity_id", c.EntityID},
		{"title", c.Title},
		{"detected_at", c.DetectedAt.UTC().Format(time.RFC3339)},
		{"local_fingerprint", c.LocalFingerprint},
		{"remote_fingerprint", c.RemoteFingerprint},
		{"resolution", string(ResolutionPending)},
	} {
		parser.Set(header, kv[0], parser.StringNode(kv[1]))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Conflict: %s\n\n", c.Title)
	b.WriteString("Both sides changed since the last sync. To resolve, do one of:\n\n")
	b.WriteString("- set `resolution` above to `local` or `remote`\n")
	b.WriteString("- edit the original file, then delete this file (the local version wins)\n")
	b.WriteString("- change the document again on one side\n\n")
	b.WriteString("## Local version\n\n")
	b.WriteString(fence("markdown", localText))
	b.WriteString("\n## Remote version\n\n")
	b.WriteString(fence("markdown", remoteText))
	b.WriteString("\n## Diff\n\n")
	b.WriteString(fence("diff", "--- local\n+++ remote\n"+LineDiff(localText, remoteText)))

	out, err := parser.Compose(header, b.String())
	if err != nil {
		return nil, fmt.Errorf("resolver: render artifact: %w", err)
	}
	return out, nil
}

// ParseArtifact reads the header of a conflict file.
func ParseArtifact(data []byte) (Artifact, error) {
	doc, err := parser.Split(data)
	if err != nil {
		return Artifact{}, fmt.Errorf("resolver: parse artifact: %w", err)
	}
	var a Artifact
	if err := doc.Header.Decode(&a); err != nil {
		return Artifact{}, fmt.Errorf("resolver: parse artifact: %w", err)
	}
	if a.EntityID == "" {
		return Artifact{}, errors.New("resolver: parse artifact: missing entity_id")
	}
	a.Resolution = Resolution(strings.ToLower(strings.TrimSpace(string(a.Resolution))))
	if a.Resolution == "" {
		a.Resolution = ResolutionPending
	}
	return a, nil
}

// SetResolution rewrites the resolution field of a conflict file.
func SetResolution(data []byte, side models.Side) ([]byte, error) {
	doc, err := parser.Split(data)
	if err != nil {
		return nil, fmt.Errorf("resolver: set resolution: %w", err)
	}
	parser.Set(doc.Header, "resolution", parser.StringNode(string(side)))
	out, err := parser.Compose(doc.Header, doc.Body)
	if err != nil {
		return nil, fmt.Errorf("resolver: set resolution: %w", err)
	}
	return out, nil
}

// LineDiff returns a unified-style line diff of a and b without hunk headers.
func LineDiff(a, b string) string {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	ca, cb, lines := dmp.DiffLinesToChars(a, b)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)

	var out strings.Builder
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			out.WriteString(prefix + line)
			if !strings.HasSuffix(line, "\n") {
				out.WriteString("\n")
			}
		}
	}
	return out.String()
}

func fence(info, content string) string {
	n := 3
	run := 0
	for _, r := range content {
		if r == '`' {
			run++
			n = max(n, run+1)
		} else {
			run = 0
		}
	}
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	f := strings.Repeat("`", n)
	return f + info + "\n" + content + f + "\n"
}
