// Package storage keeps the session's durable local state: UI preferences
// (dashboard type and filters) and the outbound envelope queue.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Preference keys written by the dashboard view state.
const (
	KeyDashboardType    = "dashboardType"
	KeyDashboardFilters = "dashboardFilters"
)

// Preferences is a small string key/value store. Values are JSON documents
// owned by the caller.
type Preferences interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
	// Clear removes every key. Called on logout.
	Clear() error
	Close() error
}

// GetJSON decodes the value stored under key into dst. It reports whether
// the key existed.
func GetJSON(p Preferences, key string, dst any) (bool, error) {
	raw, ok, err := p.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("decode preference %s: %w", key, err)
	}
	return true, nil
}

func SetJSON(p Preferences, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode preference %s: %w", key, err)
	}
	return p.Set(key, string(data))
}

type MemoryPreferences struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryPreferences() *MemoryPreferences {
	return &MemoryPreferences{values: map[string]string{}}
}

func (p *MemoryPreferences) Get(key string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	value, ok := p.values[key]
	return value, ok, nil
}

func (p *MemoryPreferences) Set(key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
	return nil
}

func (p *MemoryPreferences) Delete(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.values, key)
	return nil
}

func (p *MemoryPreferences) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = map[string]string{}
	return nil
}

func (p *MemoryPreferences) Close() error {
	return nil
}

// Keys lists the stored keys in sorted order.
func Keys(p Preferences, candidates ...string) ([]string, error) {
	if lister, ok := p.(interface{ Keys() ([]string, error) }); ok {
		return lister.Keys()
	}
	var keys []string
	for _, key := range candidates {
		_, ok, err := p.Get(key)
		if err != nil {
			return nil, err
		}
		if ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (p *MemoryPreferences) Keys() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sortedKeys(p.values), nil
}

// FilePreferences keeps preferences in a JSON object on disk and serves
// reads from an in-memory copy. Watch keeps that copy current when another
// process rewrites the file.
type FilePreferences struct {
	path string

	mu     sync.Mutex
	values map[string]string
	closed bool
	stop   chan struct{}
}

func NewFilePreferences(path string) (*FilePreferences, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	p := &FilePreferences{
		path:   path,
		values: map[string]string{},
		stop:   make(chan struct{}),
	}
	if err := p.reload(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *FilePreferences) Path() string {
	return p.path
}

func (p *FilePreferences) Get(key string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	value, ok := p.values[key]
	return value, ok, nil
}

func (p *FilePreferences) Set(key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	prev, had := p.values[key]
	p.values[key] = value
	if err := p.saveLocked(); err != nil {
		if had {
			p.values[key] = prev
		} else {
			delete(p.values, key)
		}
		return err
	}
	return nil
}

func (p *FilePreferences) Delete(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	prev, had := p.values[key]
	if !had {
		return nil
	}
	delete(p.values, key)
	if err := p.saveLocked(); err != nil {
		p.values[key] = prev
		return err
	}
	return nil
}

func (p *FilePreferences) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.values = map[string]string{}
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (p *FilePreferences) Keys() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sortedKeys(p.values), nil
}

func (p *FilePreferences) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.stop)
	return nil
}

func (p *FilePreferences) reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			p.mu.Lock()
			p.values = map[string]string{}
			p.mu.Unlock()
			return nil
		}
		return err
	}
	values := map[string]string{}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &values); err != nil {
			return fmt.Errorf("decode preferences %s: %w", p.path, err)
		}
	}
	p.mu.Lock()
	p.values = values
	p.mu.Unlock()
	return nil
}

func (p *FilePreferences) saveLocked() error {
	data, err := json.MarshalIndent(p.values, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(p.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, p.path)
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// BuildPreferencesFromDSN opens the preferences backend named by dsn:
// file://path (or a bare path), memory://, postgres://..., sqlite://path.
func BuildPreferencesFromDSN(dsn string) (Preferences, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryPreferences(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupPreferencesFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return wrapPreferences(NewFilePreferences(path))
	case "memory", "mem", "inmem":
		return NewMemoryPreferences(), nil
	case "postgres", "postgresql":
		return wrapPreferences(NewPostgresPreferences(dsn))
	case "sqlite", "sqlite3":
		return wrapPreferences(NewSQLitePreferences(dsn))
	case "redis", "rediss", "mysql":
		return nil, fmt.Errorf("%w: preferences backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported preferences scheme: %s", scheme)
	}
}

func wrapPreferences[P Preferences](p P, err error) (Preferences, error) {
	if err != nil {
		return nil, err
	}
	return p, nil
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if host := strings.TrimSpace(parsed.Host); host != "" {
		// file://.dashsync/prefs.json parses ".dashsync" as the host.
		path = host + path
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
