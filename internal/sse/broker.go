// Package sse streams sync progress to HTTP clients as Server-Sent Events.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/starford/laguz/internal/models"
)

// Event types.
const (
	TypeApplied        = "sync.applied"
	TypeConflict       = "sync.conflict"
	TypeTombstoned     = "sync.tombstoned"
	TypeError          = "sync.error"
	TypeRecordsUpdated = "records.updated"
)

const (
	clientBuffer      = 64
	keepAliveInterval = 15 * time.Second
)

// Event is one message on the stream.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// client is a connected stream. A nil types set accepts everything.
type client struct {
	ch    chan []byte
	types map[string]bool
}

func (c *client) wants(typ string) bool {
	return c.types == nil || c.types[typ]
}

// Broker fans events out to connected clients.
//
// One goroutine owns the client set, the event sequence and the refresh
// throttle; everything else talks to it over channels.
type Broker struct {
	refreshMin time.Duration
	keepAlive  time.Duration

	joinCh  chan *client
	leaveCh chan *client
	eventCh chan Event
	countCh chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker starts a broker. records.updated is sent at most once per
// refreshThrottle, after any outcome that changed something.
func NewBroker(refreshThrottle time.Duration) *Broker {
	if refreshThrottle <= 0 {
		refreshThrottle = 2 * time.Second
	}
	b := &Broker{
		refreshMin: refreshThrottle,
		keepAlive:  keepAliveInterval,
		joinCh:     make(chan *client),
		leaveCh:    make(chan *client),
		eventCh:    make(chan Event),
		countCh:    make(chan chan int),
		stopCh:     make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *Broker) loop() {
	defer close(b.stopped)

	clients := make(map[*client]struct{})
	var (
		seq         uint64
		lastRefresh time.Time
	)

	send := func(ev Event) {
		payload, err := json.Marshal(ev.Data)
		if err != nil {
			return
		}
		seq++
		frame := []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", seq, ev.Type, payload))
		for c := range clients {
			if !c.wants(ev.Type) {
				continue
			}
			select {
			case c.ch <- frame:
			default:
				// slow reader, drop
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for c := range clients {
				close(c.ch)
			}
			return

		case c := <-b.joinCh:
			clients[c] = struct{}{}

		case c := <-b.leaveCh:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.ch)
			}

		case ev := <-b.eventCh:
			send(ev)
			if ev.Type == TypeRecordsUpdated || ev.Type == TypeError {
				continue
			}
			if now := time.Now(); now.Sub(lastRefresh) >= b.refreshMin {
				lastRefresh = now
				send(Event{Type: TypeRecordsUpdated, Data: struct{}{}})
			}

		case resp := <-b.countCh:
			resp <- len(clients)
		}
	}
}

// Close stops the broker and ends every open stream. Safe to call twice.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

func (b *Broker) join(types map[string]bool) *client {
	c := &client{ch: make(chan []byte, clientBuffer), types: types}
	if b.closed.Load() {
		close(c.ch)
		return c
	}
	select {
	case b.joinCh <- c:
	case <-b.stopped:
		close(c.ch)
	}
	return c
}

func (b *Broker) leave(c *client) {
	if b.closed.Load() {
		return
	}
	select {
	case b.leaveCh <- c:
	case <-b.stopped:
	}
}

// ClientCount reports the number of open streams.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.countCh <- resp:
	case <-b.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish queues an event for every interested client.
func (b *Broker) Publish(ev Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.eventCh <- ev:
	case <-b.stopped:
	}
}

// PublishOutcome publishes what the orchestrator did with one event.
// No-op outcomes are dropped.
func (b *Broker) PublishOutcome(o models.Outcome) {
	typ, ok := outcomeType(o)
	if !ok {
		return
	}
	b.Publish(Event{Type: typ, Data: o})
}

func outcomeType(o models.Outcome) (string, bool) {
	switch o.Action {
	case models.ActionNone:
		return "", false
	case models.ActionConflict:
		return TypeConflict, true
	case models.ActionTombstoned:
		return TypeTombstoned, true
	case models.ActionError:
		return TypeError, true
	}
	return TypeApplied, true
}

// parseTypes reads the optional ?types=a,b filter.
func parseTypes(raw string) map[string]bool {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	types := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[t] = true
		}
	}
	if len(types) == 0 {
		return nil
	}
	return types
}

// ServeHTTP streams events until the client goes away or the broker closes.
// A comment line is written periodically so proxies keep the connection open.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	c := b.join(parseTypes(r.URL.Query().Get("types")))
	defer b.leave(c)

	ticker := time.NewTicker(b.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case frame, ok := <-c.ch:
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
