package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentworkforce/dashsync/internal/protocol"
)

const DefaultOutboxCapacity = 256

// Outbox holds envelopes sent while the connection is down. It is a bounded
// FIFO: pushing into a full outbox evicts the oldest entry.
type Outbox interface {
	// Push appends env and returns how many old entries were evicted.
	Push(env protocol.Envelope) (int, error)
	// Drain removes and returns every queued envelope, oldest first.
	Drain() ([]protocol.Envelope, error)
	Len() int
	Capacity() int
	Close() error
}

// MemoryOutbox is a circular buffer of envelopes.
type MemoryOutbox struct {
	mu       sync.Mutex
	items    []protocol.Envelope
	capacity int
	head     int
	size     int
}

func NewMemoryOutbox(capacity int) *MemoryOutbox {
	if capacity <= 0 {
		capacity = DefaultOutboxCapacity
	}
	return &MemoryOutbox{
		items:    make([]protocol.Envelope, capacity),
		capacity: capacity,
	}
}

func (q *MemoryOutbox) Push(env protocol.Envelope) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := 0
	if q.size == q.capacity {
		q.items[q.head] = protocol.Envelope{}
		q.head = (q.head + 1) % q.capacity
		q.size--
		dropped = 1
	}
	q.items[(q.head+q.size)%q.capacity] = env
	q.size++
	return dropped, nil
}

func (q *MemoryOutbox) Drain() ([]protocol.Envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]protocol.Envelope, 0, q.size)
	for i := 0; i < q.size; i++ {
		idx := (q.head + i) % q.capacity
		out = append(out, q.items[idx])
		q.items[idx] = protocol.Envelope{}
	}
	q.head = 0
	q.size = 0
	return out, nil
}

func (q *MemoryOutbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *MemoryOutbox) Capacity() int {
	return q.capacity
}

func (q *MemoryOutbox) Close() error {
	return nil
}

// FileOutbox persists the queue as a JSON document so envelopes queued
// while offline survive a restart.
type FileOutbox struct {
	path     string
	capacity int
	mu       sync.Mutex
	items    []protocol.Envelope
}

type fileOutboxState struct {
	Items []protocol.Envelope `json:"items"`
}

func NewFileOutbox(path string, capacity int) (*FileOutbox, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = DefaultOutboxCapacity
	}
	q := &FileOutbox{
		path:     path,
		capacity: capacity,
		items:    []protocol.Envelope{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *FileOutbox) Push(env protocol.Envelope) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	prev := q.items
	next := append(append([]protocol.Envelope(nil), q.items...), env)
	dropped := 0
	if len(next) > q.capacity {
		dropped = len(next) - q.capacity
		next = next[dropped:]
	}
	q.items = next
	if err := q.saveLocked(); err != nil {
		q.items = prev
		return 0, err
	}
	return dropped, nil
}

func (q *FileOutbox) Drain() ([]protocol.Envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = []protocol.Envelope{}
	if err := q.saveLocked(); err != nil {
		q.items = items
		return nil, err
	}
	return items, nil
}

func (q *FileOutbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *FileOutbox) Capacity() int {
	return q.capacity
}

func (q *FileOutbox) Close() error {
	return nil
}

func (q *FileOutbox) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileOutboxState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("decode outbox %s: %w", q.path, err)
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]protocol.Envelope(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]protocol.Envelope(nil), snapshot.Items...)
	return nil
}

func (q *FileOutbox) saveLocked() error {
	data, err := json.Marshal(fileOutboxState{Items: q.items})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

// BuildOutboxFromDSN opens the outbox named by dsn. An empty dsn selects the
// in-memory ring.
func BuildOutboxFromDSN(dsn string, capacity int) (Outbox, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryOutbox(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupOutboxFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		q, err := NewFileOutbox(path, capacity)
		if err != nil {
			return nil, err
		}
		return q, nil
	case "memory", "mem", "inmem":
		return NewMemoryOutbox(capacity), nil
	case "postgres", "postgresql", "sqlite", "redis", "nats":
		return nil, fmt.Errorf("%w: outbox backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported outbox scheme: %s", scheme)
	}
}
