package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/starford/laguz/internal/models"
)

// drain collects the event names currently buffered for c.
func drain(c *client) []string {
	var types []string
	for {
		select {
		case frame := <-c.ch:
			for _, line := range strings.Split(string(frame), "\n") {
				if name, ok := strings.CutPrefix(line, "event: "); ok {
					types = append(types, name)
				}
			}
		default:
			return types
		}
	}
}

func TestJoinLeave(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()

	c := b.join(nil)
	if n := b.ClientCount(); n != 1 {
		t.Fatalf("ClientCount = %d, want 1", n)
	}
	b.leave(c)
	if n := b.ClientCount(); n != 0 {
		t.Fatalf("ClientCount = %d after leave, want 0", n)
	}
}

func TestPublishFrame(t *testing.T) {
	b := NewBroker(time.Hour)
	defer b.Close()
	c := b.join(nil)
	defer b.leave(c)

	b.Publish(Event{Type: TypeApplied, Data: map[string]string{"entity_id": "p1"}})

	select {
	case frame := <-c.ch:
		s := string(frame)
		if !strings.HasPrefix(s, "id: 1\nevent: sync.applied\n") {
			t.Errorf("unexpected frame header %q", s)
		}
		if !strings.Contains(s, `"entity_id":"p1"`) {
			t.Errorf("missing data in %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
	}
}

func TestPublishOutcome_RefreshThrottle(t *testing.T) {
	b := NewBroker(500 * time.Millisecond)
	defer b.Close()
	c := b.join(nil)
	defer b.leave(c)

	b.PublishOutcome(models.Outcome{EntityID: "a", Action: models.ActionPulled, State: models.StateSynced})
	b.PublishOutcome(models.Outcome{EntityID: "b", Action: models.ActionConflict, State: models.StatePendingConflict})
	b.PublishOutcome(models.Outcome{EntityID: "c", Action: models.ActionNone, State: models.StateSynced})
	b.ClientCount() // round trip through the loop

	got := strings.Join(drain(c), ",")
	want := strings.Join([]string{TypeApplied, TypeRecordsUpdated, TypeConflict}, ",")
	if got != want {
		t.Errorf("events = %s, want %s", got, want)
	}
}

func TestErrorsDoNotTriggerRefresh(t *testing.T) {
	b := NewBroker(time.Millisecond)
	defer b.Close()
	c := b.join(nil)
	defer b.leave(c)

	b.PublishOutcome(models.Outcome{EntityID: "a", Action: models.ActionError, Err: "boom"})
	b.ClientCount()

	if got := drain(c); len(got) != 1 || got[0] != TypeError {
		t.Errorf("events = %v, want only %s", got, TypeError)
	}
}

func TestTypeFilter(t *testing.T) {
	b := NewBroker(time.Millisecond)
	defer b.Close()
	c := b.join(parseTypes("sync.conflict, sync.error"))
	defer b.leave(c)

	b.PublishOutcome(models.Outcome{EntityID: "a", Action: models.ActionPushed})
	b.PublishOutcome(models.Outcome{EntityID: "b", Action: models.ActionConflict})
	b.ClientCount()

	if got := drain(c); len(got) != 1 || got[0] != TypeConflict {
		t.Errorf("events = %v, want only %s", got, TypeConflict)
	}
}

func TestParseTypes(t *testing.T) {
	if parseTypes("") != nil || parseTypes(" , ") != nil {
		t.Error("empty filter should accept everything")
	}
	got := parseTypes("a,,b ")
	if len(got) != 2 || !got["a"] || !got["b"] {
		t.Errorf("parseTypes = %v", got)
	}
}

func TestOutcomeType(t *testing.T) {
	tests := map[string]string{
		models.ActionPushed:     TypeApplied,
		models.ActionResolved:   TypeApplied,
		models.ActionTombstoned: TypeTombstoned,
		models.ActionError:      TypeError,
		models.ActionConflict:   TypeConflict,
	}
	for action, want := range tests {
		got, ok := outcomeType(models.Outcome{Action: action})
		if !ok || got != want {
			t.Errorf("outcomeType(%s) = %q, %v; want %q", action, got, ok, want)
		}
	}
	if _, ok := outcomeType(models.Outcome{Action: models.ActionNone}); ok {
		t.Error("no-op outcome should not be published")
	}
}

func TestServeHTTP(t *testing.T) {
	b := NewBroker(time.Hour)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/events?types=sync.tombstoned", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for b.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.Publish(Event{Type: TypeApplied, Data: map[string]string{"entity_id": "skip"}})
	b.Publish(Event{Type: TypeTombstoned, Data: map[string]string{"entity_id": "x"}})
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := w.Body.String()
	if !strings.Contains(body, "event: sync.tombstoned") {
		t.Errorf("missing tombstone event: %q", body)
	}
	if strings.Contains(body, "skip") {
		t.Errorf("filtered event leaked: %q", body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	deadline = time.Now().Add(time.Second)
	for b.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client not cleaned up after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSlowClientDoesNotBlock(t *testing.T) {
	b := NewBroker(time.Hour)
	defer b.Close()
	c := b.join(nil)
	defer b.leave(c)

	for i := 0; i < clientBuffer+10; i++ {
		b.Publish(Event{Type: TypeError, Data: i})
	}
	b.ClientCount()
	if n := len(drain(c)); n != clientBuffer {
		t.Errorf("buffered %d frames, want %d", n, clientBuffer)
	}
}

func TestCloseEndsStreams(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	c := b.join(nil)

	b.Close()
	b.Close()

	select {
	case _, ok := <-c.ch:
		if ok {
			t.Fatal("expected client channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}
	if n := b.ClientCount(); n != 0 {
		t.Fatalf("ClientCount = %d after close", n)
	}

	b.Publish(Event{Type: TypeApplied})
	b.PublishOutcome(models.Outcome{EntityID: "x", Action: models.ActionPushed})
	if c := b.join(nil); c == nil {
		t.Fatal("join after close returned nil")
	}
}
