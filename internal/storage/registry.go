package storage

import (
	"errors"
	"strings"
	"sync"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("storage closed")
)

type PreferencesFactory func(dsn string) (Preferences, error)
type OutboxFactory func(dsn string, capacity int) (Outbox, error)

var backendFactoryRegistry = struct {
	mu            sync.RWMutex
	prefFactories map[string]PreferencesFactory
	outFactories  map[string]OutboxFactory
}{
	prefFactories: map[string]PreferencesFactory{},
	outFactories:  map[string]OutboxFactory{},
}

// RegisterPreferencesFactory lets callers plug a backend in under a DSN
// scheme. Registered factories take precedence over the built-in ones.
func RegisterPreferencesFactory(scheme string, factory PreferencesFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.prefFactories[scheme] = factory
}

func RegisterOutboxFactory(scheme string, factory OutboxFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.outFactories[scheme] = factory
}

func lookupPreferencesFactory(scheme string) (PreferencesFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.prefFactories[scheme]
	return factory, ok
}

func lookupOutboxFactory(scheme string) (OutboxFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.outFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
