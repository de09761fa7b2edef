package service

import (
	"context"
	"sync"
)

// ─────────────────────────────────────────────────────────────
// EventEmitter: decouples components from their observers
// ─────────────────────────────────────────────────────────────

// Event names published by the components. The payload of each event is the
// component's full snapshot, not a diff.
const (
	EventInstancesChanged = "instances:changed" // []domain.Instance
	EventDownloadsChanged = "downloads:changed" // []domain.Download
	EventSessionChanged   = "session:changed"   // domain.SessionSnapshot
	EventSessionClosed    = "session:closed"    // session id (string)
)

// EventEmitter is an interface for publishing state changes.
// The Supervisor implements it by merging component snapshots and fanning
// them out to observers. Components receive this interface instead of the
// Supervisor, which makes them independently testable with a mock emitter.
type EventEmitter interface {
	Emit(ctx context.Context, event string, data any)
}

// MockEmitter is a test-friendly EventEmitter that records all calls.
// It is safe for concurrent use.
type MockEmitter struct {
	mu     sync.Mutex
	Events []EmittedEvent
}

// EmittedEvent holds a single recorded emission for test assertions.
type EmittedEvent struct {
	Event string
	Data  any
}

func (m *MockEmitter) Emit(_ context.Context, event string, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, EmittedEvent{Event: event, Data: data})
}

// Recorded returns a copy of the events recorded so far.
func (m *MockEmitter) Recorded() []EmittedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EmittedEvent(nil), m.Events...)
}

// Count returns how many events named event were recorded.
func (m *MockEmitter) Count(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.Events {
		if e.Event == event {
			n++
		}
	}
	return n
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, string, any) {}
