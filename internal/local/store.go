// Package local is the Markdown side of the sync: documents on disk keyed
// by a hidden identifier in their frontmatter.
package local

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/convert"
	"github.com/starford/laguz/internal/ir"
	"github.com/starford/laguz/internal/parser"
	"github.com/starford/laguz/internal/storage"
)

const maxNameLen = 200

// Doc is one Markdown file read through the converter.
type Doc struct {
	ID          string
	Path        string
	Entity      ir.Entity
	Fingerprint string
	ModTime     time.Time
	// Err is set when the file could not be parsed. ID then comes from the
	// last successful read of the same path, if any.
	Err error
}

// Store reads and writes entities as files. It keeps an id ↔ path index
// so lookups survive renames without a full rescan.
type Store struct {
	fs     *storage.FS
	conv   *convert.Local
	logger *slog.Logger

	mu     sync.Mutex
	byID   map[string]string
	byPath map[string]string
}

// New creates a store over fs.
func New(fs *storage.FS, conv *convert.Local, logger *slog.Logger) *Store {
	return &Store{
		fs:     fs,
		conv:   conv,
		logger: logger,
		byID:   make(map[string]string),
		byPath: make(map[string]string),
	}
}

// FS returns the underlying file provider.
func (s *Store) FS() *storage.FS { return s.fs }

// Scan reads every tracked file, stamping identifiers where missing, and
// rebuilds the index. Files that fail to parse are returned with Err set;
// they never abort the scan.
func (s *Store) Scan() ([]Doc, error) {
	files, err := s.fs.List()
	if err != nil {
		return nil, fmt.Errorf("local: scan: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[string]bool, len(files))
	for _, f := range files {
		live[f.Path] = true
	}
	for p, id := range s.byPath {
		if !live[p] {
			s.forget(p, id)
		}
	}

	docs := make([]Doc, 0, len(files))
	for _, f := range files {
		doc, err := s.readPath(f.Path)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil && !apperr.IsParse(err) {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// ReadPath reads one file, stamping it with a fresh identifier when it has
// none or when its identifier already belongs to another live file.
func (s *Store) ReadPath(p string) (Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readPath(p)
}

func (s *Store) readPath(p string) (Doc, error) {
	data, err := s.fs.Read(p)
	if err != nil {
		return Doc{Path: p}, fmt.Errorf("local: %w", err)
	}
	file, err := s.fs.Stat(p)
	if err != nil {
		return Doc{Path: p}, fmt.Errorf("local: %w", err)
	}

	e, warnings, err := s.conv.ToIR(p, data)
	if err != nil {
		return Doc{ID: s.byPath[p], Path: p, ModTime: file.ModTime, Err: err}, err
	}
	for _, w := range warnings {
		s.logger.Warn("local: frontmatter value skipped",
			slog.String("path", p),
			slog.String("error", w.Error()))
	}

	if owner, ok := s.byID[e.ID]; e.ID == "" || ok && owner != p && s.owns(owner, e.ID) {
		id := uuid.NewString()
		if err := s.stamp(p, data, id); err != nil {
			return Doc{Path: p}, err
		}
		if e.ID != "" {
			s.logger.Info("local: duplicate identifier replaced",
				slog.String("path", p),
				slog.String("entity_id", e.ID),
				slog.String("new_id", id))
		}
		e.ID = id
		if file, err = s.fs.Stat(p); err != nil {
			return Doc{Path: p}, fmt.Errorf("local: %w", err)
		}
	}

	if old, ok := s.byPath[p]; ok && old != e.ID {
		s.forget(p, old)
	}
	s.byID[e.ID] = p
	s.byPath[p] = e.ID

	e.LocalModifiedAt = file.ModTime
	return Doc{ID: e.ID, Path: p, Entity: e, Fingerprint: ir.Fingerprint(e), ModTime: file.ModTime}, nil
}

// owns reports whether the file at p still carries id.
func (s *Store) owns(p, id string) bool {
	data, err := s.fs.Read(p)
	if err != nil {
		return false
	}
	e, _, err := s.conv.ToIR(p, data)
	return err == nil && e.ID == id
}

// stamp rewrites only the header of p to carry id.
func (s *Store) stamp(p string, data []byte, id string) error {
	doc, err := parser.Split(data)
	if err != nil {
		return &apperr.ParseError{Path: p, Err: err}
	}
	parser.Set(doc.Header, s.conv.IDKey, parser.StringNode(id))
	out, err := parser.Compose(doc.Header, doc.Body)
	if err != nil {
		return fmt.Errorf("local: stamp %s: %w", p, err)
	}
	if _, err := s.fs.Write(p, out); err != nil {
		return fmt.Errorf("local: stamp %s: %w", p, err)
	}
	return nil
}

// Load returns the document carrying id, rescanning when the index is stale.
func (s *Store) Load(id string) (Doc, error) {
	doc, err := s.Lookup(id)
	if err == nil || apperr.IsParse(err) {
		return doc, err
	}

	docs, err := s.Scan()
	if err != nil {
		return Doc{}, err
	}
	for _, d := range docs {
		if d.ID == id {
			return d, d.Err
		}
	}
	return Doc{}, fmt.Errorf("local: entity %s: %w", id, apperr.ErrNotFound)
}

// Lookup returns the document carrying id using only the index. It never
// rescans; a stale or missing entry is apperr.ErrNotFound.
func (s *Store) Lookup(id string) (Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return Doc{}, fmt.Errorf("local: entity %s: %w", id, apperr.ErrNotFound)
	}
	doc, err := s.readPath(p)
	if err != nil {
		return doc, err
	}
	if doc.ID != id {
		return Doc{}, fmt.Errorf("local: entity %s: %w", id, apperr.ErrNotFound)
	}
	return doc, nil
}

// Seed records a known id → path binding, typically from stored sync
// records, so that a copied file is the one restamped on the next scan.
func (s *Store) Seed(id, p string) {
	if id == "" || p == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[id] = p
	s.byPath[p] = id
}

// PathOf returns the indexed path for id.
func (s *Store) PathOf(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	return p, ok
}

// IDAt returns the identifier last read from path.
func (s *Store) IDAt(p string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byPath[p]
	return id, ok
}

// IndexedUnder returns the indexed paths inside dir, sorted.
func (s *Store) IndexedUnder(dir string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := strings.TrimSuffix(dir, "/") + "/"
	var out []string
	for p := range s.byPath {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Forget drops path from the index and returns the identifier it held.
// An identifier that has since moved to another path stays indexed there.
func (s *Store) Forget(p string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.byPath[p]
	s.forget(p, id)
	return id
}

func (s *Store) forget(p, id string) {
	delete(s.byPath, p)
	if s.byID[id] == p {
		delete(s.byID, id)
	}
}

// Write renders e to its file and reports whether the bytes changed.
// Existing entities keep their path; new ones are named after the title.
func (s *Store) Write(e ir.Entity) (Doc, bool, error) {
	if e.ID == "" {
		return Doc{}, false, errors.New("local: write: entity has no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[e.ID]
	var existing []byte
	if ok {
		data, err := s.fs.Read(p)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			ok = false
		case err != nil:
			return Doc{}, false, fmt.Errorf("local: write: %w", err)
		default:
			if cur, _, perr := s.conv.ToIR(p, data); perr == nil && cur.ID != "" && cur.ID != e.ID {
				ok = false
			} else {
				existing = data
			}
		}
	}
	if !ok {
		p = s.freePath(e.Title)
	}

	out, err := s.conv.FromIR(e, p, existing)
	if err != nil {
		return Doc{}, false, fmt.Errorf("local: render %s: %w", p, err)
	}
	changed, err := s.fs.Write(p, out)
	if err != nil {
		return Doc{}, false, fmt.Errorf("local: write: %w", err)
	}
	doc, err := s.readPath(p)
	if err != nil {
		return Doc{}, changed, err
	}
	return doc, changed, nil
}

// Render returns the bytes Write would produce for e, without writing.
func (s *Store) Render(e ir.Entity) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[e.ID]
	var existing []byte
	if ok {
		if data, err := s.fs.Read(p); err == nil {
			existing = data
		}
	} else {
		p = SanitizeName(e.Title) + ".md"
	}
	out, err := s.conv.FromIR(e, p, existing)
	if err != nil {
		return nil, fmt.Errorf("local: render %s: %w", p, err)
	}
	return out, nil
}

// Delete removes the file carrying id. A missing entity is not an error.
func (s *Store) Delete(id string) error {
	doc, err := s.Load(id)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.fs.Delete(doc.Path); err != nil {
		return fmt.Errorf("local: delete: %w", err)
	}
	s.Forget(doc.Path)
	return nil
}

// freePath returns an unused top-level path for a new file titled title.
func (s *Store) freePath(title string) string {
	base := SanitizeName(title)
	for n := 1; ; n++ {
		name := base
		if n > 1 {
			name = base + " " + strconv.Itoa(n)
		}
		p := path.Clean(name + ".md")
		if _, taken := s.byPath[p]; !taken && !s.fs.Exists(p) {
			return p
		}
	}
}

// SanitizeName turns a title into a file name stem.
func SanitizeName(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case strings.ContainsRune(`<>:"/\|?*`, r):
			b.WriteRune('_')
		case unicode.IsControl(r):
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	name := strings.TrimLeft(strings.TrimSpace(b.String()), ".")
	if r := []rune(name); len(r) > maxNameLen {
		name = strings.TrimSpace(string(r[:maxNameLen]))
	}
	if name == "" {
		return "Untitled"
	}
	return name
}
