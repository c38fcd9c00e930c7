package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/remote"
)

// Remote is an in-memory remote.API. Every write advances a fake clock so
// last_edited_time strictly increases.
type Remote struct {
	mu     sync.Mutex
	pages  map[string]*remote.Page
	blocks map[string][]remote.Block
	clock  time.Time
	seq    int
	fail   map[string][]error
	calls  map[string]int
}

var _ remote.API = (*Remote)(nil)

// NewRemote returns an empty remote whose clock starts at start.
func NewRemote(start time.Time) *Remote {
	return &Remote{
		pages:  make(map[string]*remote.Page),
		blocks: make(map[string][]remote.Block),
		clock:  start.UTC(),
		fail:   make(map[string][]error),
		calls:  make(map[string]int),
	}
}

// FailNext makes the next call to op return err. op is the API method name.
func (r *Remote) FailNext(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[op] = append(r.fail[op], err)
}

// CallCount returns how many times op was called.
func (r *Remote) CallCount(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

func (r *Remote) enter(op string) error {
	r.calls[op]++
	if errs := r.fail[op]; len(errs) > 0 {
		r.fail[op] = errs[1:]
		return errs[0]
	}
	return nil
}

func (r *Remote) tick() time.Time {
	r.clock = r.clock.Add(time.Second)
	return r.clock
}

// Put stores a page directly, as if edited in the remote UI.
func (r *Remote) Put(id string, props map[string]remote.PropertyValue, blocks []remote.Block) remote.Page {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.tick()
	p, ok := r.pages[id]
	if !ok {
		p = &remote.Page{ID: id, CreatedTime: now}
		r.pages[id] = p
	}
	p.Properties = props
	p.LastEditedTime = now
	p.Archived = false
	r.blocks[id] = blocks
	return *p
}

// Page returns the stored page, archived or not.
func (r *Remote) Page(id string) (remote.Page, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pages[id]
	if !ok {
		return remote.Page{}, false
	}
	return *p, true
}

// List implements remote.API.
func (r *Remote) List(context.Context) ([]remote.Page, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("List"); err != nil {
		return nil, err
	}
	var out []remote.Page
	for _, p := range r.pages {
		if !p.Gone() {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get implements remote.API.
func (r *Remote) Get(_ context.Context, id string) (remote.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("Get"); err != nil {
		return remote.Document{}, err
	}
	p, ok := r.pages[id]
	if !ok || p.Gone() {
		return remote.Document{}, fmt.Errorf("remote: get %s: %w", id, apperr.ErrNotFound)
	}
	return remote.Document{Page: *p, Blocks: append([]remote.Block(nil), r.blocks[id]...)}, nil
}

// Create implements remote.API.
func (r *Remote) Create(_ context.Context, props map[string]remote.PropertyValue, blocks []remote.Block) (remote.Page, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("Create"); err != nil {
		return remote.Page{}, err
	}
	r.seq++
	now := r.tick()
	p := &remote.Page{ID: fmt.Sprintf("page-%d", r.seq), CreatedTime: now, LastEditedTime: now, Properties: props}
	r.pages[p.ID] = p
	r.blocks[p.ID] = blocks
	return *p, nil
}

// UpdateProperties implements remote.API.
func (r *Remote) UpdateProperties(_ context.Context, id string, props map[string]remote.PropertyValue) (remote.Page, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("UpdateProperties"); err != nil {
		return remote.Page{}, err
	}
	p, ok := r.pages[id]
	if !ok || p.Gone() {
		return remote.Page{}, fmt.Errorf("remote: update %s: %w", id, apperr.ErrNotFound)
	}
	merged := make(map[string]remote.PropertyValue, len(p.Properties))
	for k, v := range p.Properties {
		merged[k] = v
	}
	for k, v := range props {
		merged[k] = v
	}
	p.Properties = merged
	p.LastEditedTime = r.tick()
	return *p, nil
}

// ReplaceChildren implements remote.API.
func (r *Remote) ReplaceChildren(_ context.Context, id string, blocks []remote.Block) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("ReplaceChildren"); err != nil {
		return err
	}
	p, ok := r.pages[id]
	if !ok || p.Gone() {
		return fmt.Errorf("remote: replace %s: %w", id, apperr.ErrNotFound)
	}
	r.blocks[id] = blocks
	p.LastEditedTime = r.tick()
	return nil
}

// Archive implements remote.API.
func (r *Remote) Archive(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("Archive"); err != nil {
		return err
	}
	if p, ok := r.pages[id]; ok && !p.Archived {
		p.Archived = true
		p.LastEditedTime = r.tick()
	}
	return nil
}
