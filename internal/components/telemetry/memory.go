package telemetry

import (
	"fmt"
	"sync"
)

// Event is a single call recorded by MemoryAPI.
type Event struct {
	Kind   string
	Id     string
	Params []any
	Count  int64
}

// MemoryAPI records every report so tests can assert on them.
type MemoryAPI struct {
	mutex  sync.Mutex
	events []Event
}

func (m *MemoryAPI) record(e Event) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.events = append(m.events, e)
}

func (m *MemoryAPI) ReportBroken(id string, params ...any) {
	m.record(Event{Kind: "broken", Id: id, Params: params})
}

func (m *MemoryAPI) ReportWarning(id string, params ...any) {
	m.record(Event{Kind: "warning", Id: id, Params: params})
}

func (m *MemoryAPI) ReportDebug(msg string, params ...any) {
	m.record(Event{Kind: "debug", Id: msg, Params: params})
}

func (m *MemoryAPI) ReportCount(id string, count int64) {
	m.record(Event{Kind: "count", Id: id, Count: count})
}

// Events returns a copy of everything recorded so far.
func (m *MemoryAPI) Events() []Event {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Broken returns the ids of every ReportBroken call.
func (m *MemoryAPI) Broken() []string {
	var ids []string
	for _, e := range m.Events() {
		if e.Kind == "broken" {
			ids = append(ids, e.Id)
		}
	}
	return ids
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s %v", e.Kind, e.Id, e.Params)
}
