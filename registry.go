package xhist

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// TransportFactory builds a transport from a generic config map (see each adapter's ConfigFromMap).
type TransportFactory func(cfg map[string]any) (Transport, error)

var ErrTransportRegistered = errors.New("xhist: transport already registered")

var (
	transportsMu sync.RWMutex
	transports   = map[string]TransportFactory{}
)

// RegisterTransport makes an adapter available to BusBuilder.WithTransport.
// Adapters call it from init; registering a name twice is an error.
func RegisterTransport(name string, factory TransportFactory) error {
	if name == "" {
		return errors.New("xhist: transport name must not be empty")
	}
	if factory == nil {
		return errors.New("xhist: transport factory must not be nil")
	}
	transportsMu.Lock()
	defer transportsMu.Unlock()
	if _, dup := transports[name]; dup {
		return fmt.Errorf("%w: %s", ErrTransportRegistered, name)
	}
	transports[name] = factory
	return nil
}

// Transports lists the registered adapter names in sorted order.
func Transports() []string {
	transportsMu.RLock()
	names := make([]string, 0, len(transports))
	for n := range transports {
		names = append(names, n)
	}
	transportsMu.RUnlock()
	slices.Sort(names)
	return names
}

// NewTransport builds the adapter registered under name.
func NewTransport(name string, cfg map[string]any) (Transport, error) {
	transportsMu.RLock()
	f, ok := transports[name]
	transportsMu.RUnlock()
	if !ok {
		return nil, &UnknownTransportError{Name: name, Known: Transports()}
	}
	tr, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("xhist: build %s transport: %w", name, err)
	}
	return tr, nil
}
