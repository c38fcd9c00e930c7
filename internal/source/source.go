// Package source detects changes on both sides and turns them into
// change events: a remote poller, a local file watcher and the startup
// reconciliation pass.
package source

import (
	"context"
	"path"
	"strings"

	"github.com/starford/laguz/internal/local"
	"github.com/starford/laguz/internal/models"
	"github.com/starford/laguz/internal/remote"
)

// Sink receives change events. Submit must not block on slow handlers.
type Sink interface {
	Submit(ev models.ChangeEvent) error
}

// Lister enumerates every live remote page.
type Lister interface {
	List(ctx context.Context) ([]remote.Page, error)
}

// Records reads stored sync records.
type Records interface {
	List(state models.RecordState) ([]models.SyncRecord, error)
}

// LocalIndex is the part of the local store the sources use.
type LocalIndex interface {
	Scan() ([]local.Doc, error)
	ReadPath(p string) (local.Doc, error)
	IDAt(p string) (string, bool)
	IndexedUnder(dir string) []string
	Forget(p string) string
	Seed(id, p string)
}

const conflictSuffix = ".conflict.md"

// ArtifactEntity extracts the entity id from a conflict file name of the
// form "<title>.<entity id>.conflict.md".
func ArtifactEntity(p string) (string, bool) {
	name := path.Base(p)
	if !strings.HasSuffix(name, conflictSuffix) {
		return "", false
	}
	stem := strings.TrimSuffix(name, conflictSuffix)
	i := strings.LastIndexByte(stem, '.')
	if i < 0 || i == len(stem)-1 {
		return "", false
	}
	return stem[i+1:], true
}
