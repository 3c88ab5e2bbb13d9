package fsm

import (
	"fmt"
	"sync"
	"time"
)

// Transition is one recorded state change. From is nil for the entry that
// created the machine.
type Transition struct {
	From        *State            `json:"from"`
	To          State             `json:"to"`
	At          time.Time         `json:"at" format:"date-time"`
	TriggeredBy string            `json:"triggered_by"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Machine is a mutable cursor over the transition table with an ordered
// history. It is safe for concurrent use.
type Machine struct {
	mu      sync.RWMutex
	current State
	history []Transition
	now     func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the time source used to stamp transitions.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// New creates a machine positioned at initial and records the initial entry.
func New(initial State, actor string, opts ...Option) (*Machine, error) {
	if !Known(initial) {
		return nil, fmt.Errorf("%w: %s", ErrUndefinedState, initial)
	}
	m := &Machine{now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	m.current = initial
	m.history = []Transition{{To: initial, At: m.now().UTC(), TriggeredBy: actor}}
	return m, nil
}

// Restore rebuilds a machine from persisted history, re-validating every edge.
func Restore(history []Transition, opts ...Option) (*Machine, error) {
	if len(history) == 0 {
		return nil, fmt.Errorf("restore: empty history")
	}
	if history[0].From != nil {
		return nil, fmt.Errorf("restore: first entry must not have a from state")
	}
	if !Known(history[0].To) {
		return nil, fmt.Errorf("%w: %s", ErrUndefinedState, history[0].To)
	}
	for i := 1; i < len(history); i++ {
		h := history[i]
		if h.From == nil || *h.From != history[i-1].To {
			return nil, fmt.Errorf("restore: entry %d does not continue from %s", i, history[i-1].To)
		}
		if !CanTransition(*h.From, h.To) {
			return nil, &IllegalTransitionError{From: *h.From, To: h.To}
		}
	}
	m := &Machine{now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	m.history = cloneHistory(history)
	m.current = history[len(history)-1].To
	return m, nil
}

// Transition moves the machine to target. The history append and the state
// change are applied together under the lock, or not at all.
func (m *Machine) Transition(target State, actor string, metadata map[string]string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !Known(m.current) {
		return m.current, fmt.Errorf("%w: %s", ErrUndefinedState, m.current)
	}
	if !CanTransition(m.current, target) {
		return m.current, &IllegalTransitionError{From: m.current, To: target}
	}
	at := m.now().UTC()
	if last := m.history[len(m.history)-1].At; at.Before(last) {
		at = last
	}
	from := m.current
	m.history = append(m.history, Transition{
		From:        &from,
		To:          target,
		At:          at,
		TriggeredBy: actor,
		Metadata:    cloneMetadata(metadata),
	})
	m.current = target
	return target, nil
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// History returns a copy of the recorded transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneHistory(m.history)
}

// LastTransition returns the most recent entry.
func (m *Machine) LastTransition() Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneHistory(m.history[len(m.history)-1:])[0]
}

// IsTerminal reports whether the current state has no outgoing edges.
func (m *Machine) IsTerminal() bool {
	return IsTerminal(m.Current())
}

// Clone returns an independent copy sharing the clock.
func (m *Machine) Clone() *Machine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &Machine{current: m.current, history: cloneHistory(m.history), now: m.now}
}

func cloneHistory(in []Transition) []Transition {
	out := make([]Transition, len(in))
	for i, h := range in {
		out[i] = h
		if h.From != nil {
			from := *h.From
			out[i].From = &from
		}
		out[i].Metadata = cloneMetadata(h.Metadata)
	}
	return out
}

func cloneMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
