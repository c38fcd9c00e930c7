package remote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

// fakeAPI is an in-memory stand-in for the remote HTTP API.
type fakeAPI struct {
	t        *testing.T
	srv      *httptest.Server
	mu       sync.Mutex
	pages    []map[string]any
	children map[string][]map[string]any
	parentOf map[string]string
	blocks   map[string]map[string]any
	seq      int
	requests []string
	fail     []int
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{
		t:        t,
		children: make(map[string][]map[string]any),
		parentOf: make(map[string]string),
		blocks:   make(map[string]map[string]any),
	}
	r := chi.NewRouter()
	r.Use(f.intercept)
	r.Post("/v1/databases/{db}/query", f.query)
	r.Post("/v1/pages", f.createPage)
	r.Get("/v1/pages/{id}", f.getPage)
	r.Patch("/v1/pages/{id}", f.patchPage)
	r.Get("/v1/blocks/{id}/children", f.listChildren)
	r.Patch("/v1/blocks/{id}/children", f.appendChildren)
	r.Delete("/v1/blocks/{id}", f.deleteBlock)
	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) client(t *testing.T, cfg Config) *Client {
	t.Helper()
	cfg.BaseURL = f.srv.URL
	cfg.Token = "secret"
	cfg.DatabaseID = "db1"
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 10 * time.Millisecond
	}
	return NewClient(cfg, testLogger())
}

func (f *fakeAPI) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" || r.Header.Get("Notion-Version") != APIVersion {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" "+r.URL.Path)
		status := 0
		if len(f.fail) > 0 {
			status, f.fail = f.fail[0], f.fail[1:]
		}
		f.mu.Unlock()
		if status != 0 {
			if status == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", "1")
			}
			writeError(w, status, "injected")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]any{"object": "error", "status": status, "code": code, "message": code})
}

func (f *fakeAPI) count(req string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r == req {
			n++
		}
	}
	return n
}

func (f *fakeAPI) newID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeAPI) addPage(id, title string, archived bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages = append(f.pages, map[string]any{
		"object":           "page",
		"id":               id,
		"last_edited_time": "2024-05-01T10:00:00.000Z",
		"archived":         archived,
		"properties": map[string]any{
			"Name": map[string]any{"id": "title", "type": "title", "title": []any{
				map[string]any{"type": "text", "text": map[string]any{"content": title}, "plain_text": title},
			}},
		},
	})
}

// addBlock stores a block under parent in read form and returns its id.
func (f *fakeAPI) addBlock(parent, typ string, payload map[string]any) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insert(parent, "", []map[string]any{{"type": typ, typ: payload}})[0]["id"].(string)
}

func (f *fakeAPI) insert(parent, after string, in []map[string]any) []map[string]any {
	var created []map[string]any
	for _, c := range in {
		typ, _ := c["type"].(string)
		payload, _ := c[typ].(map[string]any)
		if payload == nil {
			payload = map[string]any{}
		}
		kids, _ := payload["children"].([]any)
		delete(payload, "children")
		b := map[string]any{"object": "block", "id": f.newID("block"), "type": typ, "has_children": false, typ: payload}
		if hc, ok := c["has_children"].(bool); ok {
			b["has_children"] = hc
		}
		f.blocks[b["id"].(string)] = b
		f.parentOf[b["id"].(string)] = parent
		created = append(created, b)
		var rows []map[string]any
		for _, k := range kids {
			rows = append(rows, k.(map[string]any))
		}
		if len(rows) > 0 {
			f.insert(b["id"].(string), "", rows)
		}
	}

	list := f.children[parent]
	at := len(list)
	if after != "" {
		for i, b := range list {
			if b["id"] == after {
				at = i + 1
			}
		}
	}
	out := append([]map[string]any(nil), list[:at]...)
	out = append(out, created...)
	out = append(out, list[at:]...)
	f.children[parent] = out
	if pb, ok := f.blocks[parent]; ok {
		pb["has_children"] = true
	}
	return created
}

func paginate[T any](items []T, cursor string, size int) map[string]any {
	start, _ := strconv.Atoi(cursor)
	if size <= 0 {
		size = 100
	}
	end := min(start+size, len(items))
	res := map[string]any{"object": "list", "results": items[start:end], "has_more": end < len(items), "next_cursor": nil}
	if end < len(items) {
		res["next_cursor"] = strconv.Itoa(end)
	}
	return res
}

func (f *fakeAPI) query(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PageSize    int    `json:"page_size"`
		StartCursor string `json:"start_cursor"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	defer f.mu.Unlock()
	writeJSON(w, http.StatusOK, paginate(f.pages, body.StartCursor, body.PageSize))
}

func (f *fakeAPI) findPage(id string) map[string]any {
	for _, p := range f.pages {
		if p["id"] == id {
			return p
		}
	}
	return nil
}

func (f *fakeAPI) getPage(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.findPage(chi.URLParam(r, "id"))
	if p == nil {
		writeError(w, http.StatusNotFound, "object_not_found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (f *fakeAPI) createPage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Properties map[string]any `json:"properties"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p := map[string]any{
		"object":           "page",
		"id":               f.newID("page"),
		"last_edited_time": "2024-05-01T10:00:00.000Z",
		"archived":         false,
		"properties":       body.Properties,
	}
	f.pages = append(f.pages, p)
	writeJSON(w, http.StatusOK, p)
}

func (f *fakeAPI) patchPage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Archived   *bool          `json:"archived"`
		Properties map[string]any `json:"properties"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.findPage(chi.URLParam(r, "id"))
	if p == nil {
		writeError(w, http.StatusNotFound, "object_not_found")
		return
	}
	if body.Archived != nil {
		p["archived"] = *body.Archived
	}
	props := p["properties"].(map[string]any)
	for k, v := range body.Properties {
		props[k] = v
	}
	writeJSON(w, http.StatusOK, p)
}

func (f *fakeAPI) listChildren(w http.ResponseWriter, r *http.Request) {
	size, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	f.mu.Lock()
	defer f.mu.Unlock()
	writeJSON(w, http.StatusOK, paginate(f.children[chi.URLParam(r, "id")], r.URL.Query().Get("start_cursor"), size))
}

func (f *fakeAPI) appendChildren(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Children []map[string]any `json:"children"`
		After    string           `json:"after"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error")
		return
	}
	if len(body.Children) > 100 {
		writeError(w, http.StatusBadRequest, "too_many_children")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	created := f.insert(chi.URLParam(r, "id"), body.After, body.Children)
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "results": created, "has_more": false})
}

func (f *fakeAPI) deleteBlock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blocks[id]
	if !ok {
		writeError(w, http.StatusNotFound, "object_not_found")
		return
	}
	parent := f.parentOf[id]
	list := f.children[parent]
	for i, c := range list {
		if c["id"] == id {
			f.children[parent] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	delete(f.blocks, id)
	writeJSON(w, http.StatusOK, b)
}
