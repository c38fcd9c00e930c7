// Package remote is the client for the remote document database.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"github.com/starford/laguz/internal/apperr"
)

// APIVersion is sent with every request.
const APIVersion = "2022-06-28"

// UnsupportedCaption marks code blocks that stand in for content the
// remote cannot hold natively.
const UnsupportedCaption = "laguz:unsupported"

const maxAppend = 100

// API is the remote collection as seen by the sync engine.
type API interface {
	// List returns every live page, following pagination to the end.
	List(ctx context.Context) ([]Page, error)
	// Get returns a page and its full block tree. Archived pages are apperr.ErrNotFound.
	Get(ctx context.Context, id string) (Document, error)
	// Create adds a page to the database.
	Create(ctx context.Context, props map[string]PropertyValue, blocks []Block) (Page, error)
	// UpdateProperties patches page properties.
	UpdateProperties(ctx context.Context, id string, props map[string]PropertyValue) (Page, error)
	// ReplaceChildren makes blocks the page's content.
	ReplaceChildren(ctx context.Context, id string, blocks []Block) error
	// Archive moves the page to the trash. Archiving a missing page succeeds.
	Archive(ctx context.Context, id string) error
}

// Config holds client settings.
type Config struct {
	BaseURL        string
	Token          string
	DatabaseID     string
	PageSize       int
	RequestTimeout time.Duration
	MaxRetries     int
	MaxBackoff     time.Duration
}

// Client talks to the remote HTTP API.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	observe func(op string, d time.Duration, err error)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithObserver registers a callback run after every request attempt.
func WithObserver(fn func(op string, d time.Duration, err error)) ClientOption {
	return func(c *Client) { c.observe = fn }
}

// NewClient creates a client. The circuit breaker opens after five
// consecutive transient failures and tries again after thirty seconds.
func NewClient(cfg Config, logger *slog.Logger, opts ...ClientOption) *Client {
	if cfg.PageSize <= 0 || cfg.PageSize > 100 {
		cfg.PageSize = 100
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remote",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !apperr.IsRetryable(err)
		},
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do sends one logical request, retrying transient failures with
// exponential backoff and honoring Retry-After on rate limits.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("remote: %s: encode: %w", op, err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(500*time.Millisecond, c.cfg.MaxBackoff)
	b.MaxInterval = c.cfg.MaxBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, c.send(ctx, op, method, path, payload, out)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &apperr.TransientError{Op: op, Err: err}
		}
		var rl *apperr.RateLimitError
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.As(err, &rl):
			return struct{}{}, backoff.RetryAfter(int(max(rl.RetryAfter.Seconds(), 1)))
		case apperr.IsRetryable(err):
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(c.cfg.MaxRetries, 0)+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("retrying remote request",
				slog.String("op", op),
				slog.Duration("in", next),
				slog.String("error", err.Error()))
		}),
	)

	var ra *backoff.RetryAfterError
	if errors.As(err, &ra) {
		return &apperr.RateLimitError{Op: op, RetryAfter: ra.Duration}
	}
	return err
}

func (c *Client) send(ctx context.Context, op, method, path string, payload []byte, out any) (err error) {
	start := time.Now()
	defer func() {
		if c.observe != nil {
			c.observe(op, time.Since(start), err)
		}
	}()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("remote: %s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Notion-Version", APIVersion)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &apperr.TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &apperr.TransientError{Op: op, Err: err}
	}
	if resp.StatusCode >= 300 {
		return statusError(op, resp, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("remote: %s: decode: %w", op, err)
	}
	return nil
}

func statusError(op string, resp *http.Response, data []byte) error {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(data, &body)
	detail := fmt.Errorf("status %d %s: %s", resp.StatusCode, body.Code, body.Message)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := time.Second
		if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
			wait = time.Duration(s) * time.Second
		}
		return &apperr.RateLimitError{Op: op, RetryAfter: wait}
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("remote: %s: %w", op, apperr.ErrNotFound)
	case resp.StatusCode == http.StatusConflict, resp.StatusCode >= 500:
		return &apperr.TransientError{Op: op, Err: detail}
	default:
		return fmt.Errorf("remote: %s: %w", op, detail)
	}
}

// List queries the database until the cursor is exhausted.
func (c *Client) List(ctx context.Context) ([]Page, error) {
	var pages []Page
	cursor := ""
	for {
		body := map[string]any{"page_size": c.cfg.PageSize}
		if cursor != "" {
			body["start_cursor"] = cursor
		}
		var res list[Page]
		if err := c.do(ctx, "query", http.MethodPost, "/v1/databases/"+c.cfg.DatabaseID+"/query", body, &res); err != nil {
			return nil, err
		}
		for _, p := range res.Results {
			if !p.Gone() {
				pages = append(pages, p)
			}
		}
		if !res.HasMore || res.NextCursor == nil || *res.NextCursor == "" {
			return pages, nil
		}
		cursor = *res.NextCursor
	}
}

// Get fetches a page and its block tree.
func (c *Client) Get(ctx context.Context, id string) (Document, error) {
	var p Page
	if err := c.do(ctx, "get_page", http.MethodGet, "/v1/pages/"+url.PathEscape(id), nil, &p); err != nil {
		return Document{}, err
	}
	if p.Gone() {
		return Document{}, fmt.Errorf("remote: get_page %s: %w", id, apperr.ErrNotFound)
	}
	blocks, err := c.children(ctx, id)
	if err != nil {
		return Document{}, err
	}
	return Document{Page: p, Blocks: blocks}, nil
}

// children fetches the block tree under id. Sub-pages are not descended into.
func (c *Client) children(ctx context.Context, id string) ([]Block, error) {
	var blocks []Block
	cursor := ""
	for {
		q := url.Values{"page_size": {strconv.Itoa(maxAppend)}}
		if cursor != "" {
			q.Set("start_cursor", cursor)
		}
		var res list[Block]
		path := "/v1/blocks/" + url.PathEscape(id) + "/children?" + q.Encode()
		if err := c.do(ctx, "children", http.MethodGet, path, nil, &res); err != nil {
			return nil, err
		}
		blocks = append(blocks, res.Results...)
		if !res.HasMore || res.NextCursor == nil || *res.NextCursor == "" {
			break
		}
		cursor = *res.NextCursor
	}
	for i := range blocks {
		b := &blocks[i]
		if !b.HasChildren || b.Type == "child_page" || b.Type == "child_database" {
			continue
		}
		kids, err := c.children(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		b.Children = kids
	}
	return blocks, nil
}

// Create creates a page, then appends its content.
func (c *Client) Create(ctx context.Context, props map[string]PropertyValue, blocks []Block) (Page, error) {
	body := map[string]any{
		"parent":     map[string]string{"database_id": c.cfg.DatabaseID},
		"properties": props,
	}
	var p Page
	if err := c.do(ctx, "create_page", http.MethodPost, "/v1/pages", body, &p); err != nil {
		return Page{}, err
	}
	if err := c.appendTree(ctx, p.ID, "", blocks); err != nil {
		return p, err
	}
	return p, nil
}

// UpdateProperties patches the given properties only.
func (c *Client) UpdateProperties(ctx context.Context, id string, props map[string]PropertyValue) (Page, error) {
	var p Page
	err := c.do(ctx, "update_page", http.MethodPatch, "/v1/pages/"+url.PathEscape(id), map[string]any{"properties": props}, &p)
	return p, err
}

// Archive trashes a page.
func (c *Client) Archive(ctx context.Context, id string) error {
	err := c.do(ctx, "archive_page", http.MethodPatch, "/v1/pages/"+url.PathEscape(id), map[string]any{"archived": true}, nil)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	return err
}

// ReplaceChildren rewrites page content. Existing blocks that cannot be
// recreated through the API are kept in place when the new content contains
// them unchanged; the new blocks are appended around the kept ones and only
// then is every other existing block deleted, so an interrupted call leaves
// a superset of both versions. Content placed before the first kept block
// moves after it, since the API cannot insert at the top.
func (c *Client) ReplaceChildren(ctx context.Context, id string, blocks []Block) error {
	existing, err := c.children(ctx, id)
	if err != nil {
		return err
	}
	plan := planReplace(existing, blocks)
	for _, seg := range plan.segments {
		if err := c.appendTree(ctx, id, seg.after, seg.blocks); err != nil {
			return err
		}
	}
	for _, bid := range plan.remove {
		if err := c.do(ctx, "delete_block", http.MethodDelete, "/v1/blocks/"+url.PathEscape(bid), nil, nil); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
	}
	return nil
}

type segment struct {
	after  string
	blocks []Block
}

type replacePlan struct {
	remove   []string
	segments []segment
}

func planReplace(existing, desired []Block) replacePlan {
	canon := make([]string, len(existing))
	for i, e := range existing {
		if !Recreatable(e) {
			canon[i] = Canonical(e)
		}
	}
	kept := make(map[int]bool)
	var plan replacePlan
	after := ""
	var pending []Block
	flush := func() {
		if len(pending) > 0 {
			plan.segments = append(plan.segments, segment{after: after, blocks: pending})
			pending = nil
		}
	}
	for _, d := range desired {
		if d.Passthrough != "" {
			match := -1
			for i := range existing {
				if !kept[i] && canon[i] != "" && canon[i] == d.Passthrough {
					match = i
					break
				}
			}
			if match >= 0 {
				kept[match] = true
				if after != "" {
					flush()
				}
				after = existing[match].ID
				continue
			}
			if !Recreatable(d) {
				d = Marker("json", d.Passthrough)
			}
		}
		pending = append(pending, d)
	}
	flush()
	for i, e := range existing {
		if !kept[i] {
			plan.remove = append(plan.remove, e.ID)
		}
	}
	return plan
}

// Marker returns a code block standing in for content the remote cannot
// represent natively.
func Marker(language, content string) Block {
	return Block{Type: "code", Data: BlockData{
		Language: language,
		RichText: TextItems(content, Annotations{}, ""),
		Caption:  TextItems(UnsupportedCaption, Annotations{}, ""),
	}}
}

// TextItems builds rich text for s, split at the API's item length limit.
func TextItems(s string, a Annotations, href string) []RichText {
	const limit = 2000
	var out []RichText
	runes := []rune(s)
	for len(runes) > 0 {
		n := min(len(runes), limit)
		t := &TextContent{Content: string(runes[:n])}
		if href != "" {
			t.Link = &Link{URL: href}
		}
		out = append(out, RichText{Type: "text", Text: t, Annotations: a})
		runes = runes[n:]
	}
	return out
}

// appendTree appends blocks under parent in batches. Nested children are
// appended once their parent exists, except table rows which are created
// with their table.
func (c *Client) appendTree(ctx context.Context, parent, after string, blocks []Block) error {
	for start := 0; start < len(blocks); start += maxAppend {
		batch := blocks[start:min(start+maxAppend, len(blocks))]
		shallow := make([]Block, len(batch))
		for i, b := range batch {
			shallow[i] = b
			if b.Type != "table" {
				shallow[i].Children = nil
			}
		}
		body := map[string]any{"children": shallow}
		if after != "" {
			body["after"] = after
		}
		var res list[Block]
		if err := c.do(ctx, "append", http.MethodPatch, "/v1/blocks/"+url.PathEscape(parent)+"/children", body, &res); err != nil {
			return err
		}
		created := createdFrom(res.Results, after, len(batch))
		if len(created) != len(batch) {
			return fmt.Errorf("remote: append under %s: got %d blocks, want %d", parent, len(created), len(batch))
		}
		for i, b := range batch {
			if b.Type == "table" || len(b.Children) == 0 {
				continue
			}
			if err := c.appendTree(ctx, created[i].ID, "", b.Children); err != nil {
				return err
			}
		}
		after = created[len(created)-1].ID
	}
	return nil
}

// createdFrom picks the new blocks out of an append response.
func createdFrom(results []Block, after string, n int) []Block {
	if len(results) == n {
		return results
	}
	for i, b := range results {
		if after != "" && b.ID == after && len(results)-i-1 >= n {
			return results[i+1 : i+1+n]
		}
	}
	if len(results) > n {
		return results[len(results)-n:]
	}
	return results
}
