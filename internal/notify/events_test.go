package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ticketline/internal/config"
	"ticketline/internal/events"
)

type memSource struct {
	mu   sync.Mutex
	evts []events.Event
}

func (m *memSource) add(typ, workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evts = append(m.evts, events.Event{
		ID:         int64(len(m.evts) + 1),
		At:         time.Now().UTC(),
		Type:       typ,
		EntityKind: "workflow",
		WorkflowID: workflowID,
		Actor:      "system",
		Payload:    events.Payload{},
	})
}

func (m *memSource) EventsAfter(_ context.Context, cursor int64, limit int) ([]events.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []events.Event
	for _, e := range m.evts {
		if e.ID > cursor && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memSource) LatestEventID(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.evts)), nil
}

type hookRecorder struct {
	mu      sync.Mutex
	types   []string
	headers []http.Header
	fail    bool
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}
	var evt events.Event
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.types = append(h.types, evt.Type)
	h.headers = append(h.headers, r.Header.Clone())
}

func TestEventDispatcherStartsAtLatestAndFilters(t *testing.T) {
	ctx := context.Background()
	src := &memSource{}
	src.add(events.WorkflowCreated, "wf-old")

	rec := &hookRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d := NewEventDispatcher(src, []config.EventHook{{
		URL:    srv.URL,
		Secret: "s3cr3t",
		Events: []string{events.ApprovalRequested, events.ApprovalDecided},
	}}, zap.NewNop())

	d.DispatchAll(ctx)
	cur, ok := d.Cursor(0)
	require.True(t, ok)
	assert.Equal(t, int64(1), cur)

	src.add(events.WorkflowTransitioned, "wf-1")
	src.add(events.ApprovalRequested, "wf-1")
	d.DispatchAll(ctx)

	assert.Equal(t, []string{events.ApprovalRequested}, rec.types)
	assert.Equal(t, "s3cr3t", rec.headers[0].Get("X-Ticketline-Secret"))
	assert.Equal(t, "3", rec.headers[0].Get("X-Ticketline-Delivery"))
	assert.Equal(t, "wf-1", rec.headers[0].Get("X-Ticketline-Workflow"))
	cur, _ = d.Cursor(0)
	assert.Equal(t, int64(3), cur)
}

func TestEventDispatcherRetriesFailedDelivery(t *testing.T) {
	ctx := context.Background()
	src := &memSource{}
	rec := &hookRecorder{fail: true}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d := NewEventDispatcher(src, []config.EventHook{{URL: srv.URL}}, zap.NewNop())
	d.DispatchAll(ctx)
	src.add(events.WorkflowCreated, "wf-1")
	d.DispatchAll(ctx)
	cur, _ := d.Cursor(0)
	assert.Equal(t, int64(0), cur)

	rec.mu.Lock()
	rec.fail = false
	rec.mu.Unlock()
	d.DispatchAll(ctx)
	assert.Equal(t, []string{events.WorkflowCreated}, rec.types)
	cur, _ = d.Cursor(0)
	assert.Equal(t, int64(1), cur)
}

func TestEventDispatcherSkipsDisabledHooks(t *testing.T) {
	src := &memSource{}
	disabled := false
	d := NewEventDispatcher(src, []config.EventHook{{URL: "http://127.0.0.1:1", Enabled: &disabled}}, nil)
	d.DispatchAll(context.Background())
	_, ok := d.Cursor(0)
	assert.False(t, ok)
}

func TestEventDispatcherRunStops(t *testing.T) {
	d := NewEventDispatcher(&memSource{}, nil, nil)
	d.Interval = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
