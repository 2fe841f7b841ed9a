package pgpgate

import (
	"sort"
	"sync"

	"github.com/infodancer/pgpgate/errors"
)

// StoreFactory creates a KeyStore from configuration.
type StoreFactory func(config StoreConfig) (KeyStore, error)

// StoreConfig contains settings for opening a key record store.
type StoreConfig struct {
	// Type is the store type name (e.g., "file", "memory").
	Type string

	// Path is the backing file or directory for file-based stores.
	Path string

	// Options contains implementation-specific settings.
	Options map[string]string
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]StoreFactory)
)

// RegisterStore adds a store factory to the registry.
// It panics if called with an empty name or nil factory,
// or if the name is already registered.
func RegisterStore(name string, factory StoreFactory) {
	if name == "" {
		panic("pgpgate: RegisterStore called with empty name")
	}
	if factory == nil {
		panic("pgpgate: RegisterStore called with nil factory")
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		panic("pgpgate: RegisterStore called twice for " + name)
	}
	registry[name] = factory
}

// OpenStore creates a KeyStore using the registered factory for the config type.
func OpenStore(config StoreConfig) (KeyStore, error) {
	registryMu.RLock()
	factory, ok := registry[config.Type]
	registryMu.RUnlock()

	if !ok {
		return nil, errors.ErrStoreNotRegistered
	}
	return factory(config)
}

// RegisteredStores returns a sorted list of registered store type names.
func RegisteredStores() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	types := make([]string, 0, len(registry))
	for name := range registry {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}
