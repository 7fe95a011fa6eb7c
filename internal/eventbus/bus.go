// Package eventbus is the in-process observer list the router publishes on
// and UI consumers subscribe to.
package eventbus

import (
	"sort"
	"sync"
)

// Event names published on the bus.
const (
	TaskUpdate       = "taskUpdate"
	TaskStatusChange = "taskStatusChange"
	DashboardSync    = "dashboardSync"
	DashboardState   = "dashboardState"
	DashboardFilter  = "dashboardFilter"
	StateUpdate      = "stateUpdate"
	Notification     = "notification"
	BeautifiedStatus = "beautifiedStatus"
	UserPresence     = "userPresence"
	ConnectionStatus = "connectionStatus"
	ResourceChanged  = "resourceChanged"
	DashboardChanged = "dashboardChanged"

	// All matches every event name.
	All = "*"
)

type Event struct {
	Name    string
	Payload any
}

type Handler func(Event)

type Logger interface {
	Printf(format string, args ...any)
}

// Bus delivers events synchronously, in subscription order, on the
// publishing goroutine. A panicking handler is logged and skipped.
type Bus struct {
	logger Logger

	mu       sync.RWMutex
	nextID   uint64
	handlers map[string]map[uint64]Handler
}

func New(logger Logger) *Bus {
	return &Bus{
		logger:   logger,
		handlers: make(map[string]map[uint64]Handler),
	}
}

// Subscribe registers h for name (or All) and returns a func that removes it.
func (b *Bus) Subscribe(name string, h Handler) func() {
	if h == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.handlers[name] == nil {
		b.handlers[name] = make(map[uint64]Handler)
	}
	b.handlers[name][id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers[name], id)
			if len(b.handlers[name]) == 0 {
				delete(b.handlers, name)
			}
			b.mu.Unlock()
		})
	}
}

func (b *Bus) Emit(name string, payload any) {
	if b == nil {
		return
	}
	ev := Event{Name: name, Payload: payload}
	for _, h := range b.snapshot(name) {
		b.deliver(h, ev)
	}
}

// SubscriberCount returns the number of handlers registered for name.
func (b *Bus) SubscriberCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name])
}

func (b *Bus) snapshot(name string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	type entry struct {
		id uint64
		h  Handler
	}
	entries := make([]entry, 0, len(b.handlers[name])+len(b.handlers[All]))
	for id, h := range b.handlers[name] {
		entries = append(entries, entry{id, h})
	}
	if name != All {
		for id, h := range b.handlers[All] {
			entries = append(entries, entry{id, h})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
	out := make([]Handler, len(entries))
	for i, e := range entries {
		out[i] = e.h
	}
	return out
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Printf("eventbus: %s handler panicked: %v", ev.Name, r)
		}
	}()
	h(ev)
}
