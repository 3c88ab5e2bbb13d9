package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"ticketline/internal/config"
	"ticketline/internal/events"
	"ticketline/internal/logging"
)

const (
	defaultEventInterval = 2 * time.Second
	defaultEventBatch    = 100
)

// EventSource reads the audit log by cursor.
type EventSource interface {
	EventsAfter(ctx context.Context, cursor int64, limit int) ([]events.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// EventDispatcher streams audit events to the configured event hooks. Each
// hook keeps its own cursor, starting at the newest event when the dispatcher
// first sees it. A failed delivery stops that hook's batch so the event is
// retried on the next tick.
type EventDispatcher struct {
	Source   EventSource
	Hooks    []config.EventHook
	Interval time.Duration
	Log      *zap.Logger

	mu      sync.Mutex
	cursors map[int]int64
	clients map[int]*http.Client
}

func NewEventDispatcher(src EventSource, hooks []config.EventHook, logger *zap.Logger) *EventDispatcher {
	return &EventDispatcher{
		Source:   src,
		Hooks:    hooks,
		Interval: defaultEventInterval,
		Log:      logging.OrNop(logger),
		cursors:  make(map[int]int64),
		clients:  make(map[int]*http.Client),
	}
}

// Run dispatches until ctx is done.
func (d *EventDispatcher) Run(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultEventInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DispatchAll performs one delivery pass over every enabled hook.
func (d *EventDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.Hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatch(ctx, i, hook)
	}
}

func (d *EventDispatcher) dispatch(ctx context.Context, idx int, hook config.EventHook) {
	cursor, err := d.cursorFor(ctx, idx)
	if err != nil {
		d.Log.Warn("event hook: init cursor failed", zap.String("url", hook.URL), zap.Error(err))
		return
	}
	batch, err := d.Source.EventsAfter(ctx, cursor, defaultEventBatch)
	if err != nil {
		d.Log.Warn("event hook: fetch events failed", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range batch {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.post(ctx, idx, hook, evt); err != nil {
			d.Log.Warn("event hook: delivery failed",
				zap.String("url", hook.URL),
				zap.Int64("event_id", evt.ID),
				zap.Error(err))
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *EventDispatcher) cursorFor(ctx context.Context, idx int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[int]int64)
	}
	if cur, ok := d.cursors[idx]; ok {
		return cur, nil
	}
	cur, err := d.Source.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	d.cursors[idx] = cur
	return cur, nil
}

func (d *EventDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// Cursor reports the last event id handled for hook idx.
func (d *EventDispatcher) Cursor(idx int) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.cursors[idx]
	return cur, ok
}

func (d *EventDispatcher) client(idx int, timeout time.Duration) *http.Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.clients == nil {
		d.clients = make(map[int]*http.Client)
	}
	c, ok := d.clients[idx]
	if !ok {
		if timeout <= 0 {
			timeout = defaultWebhookTimeout
		}
		c = &http.Client{Timeout: timeout}
		d.clients[idx] = c
	}
	return c
}

func (d *EventDispatcher) post(ctx context.Context, idx int, hook config.EventHook, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ticketline-Event", evt.Type)
	req.Header.Set("X-Ticketline-Delivery", strconv.FormatInt(evt.ID, 10))
	if evt.WorkflowID != "" {
		req.Header.Set("X-Ticketline-Workflow", evt.WorkflowID)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Ticketline-Secret", hook.Secret)
	}
	res, err := d.client(idx, hook.Timeout).Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(types []string) eventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evtType string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evtType]
	return ok
}
