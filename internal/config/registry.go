package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// CaptureFactory builds a capture device from its config block.
type CaptureFactory func(CaptureConfig) (audio.CaptureDevice, error)

// OutputFactory builds an audio output from its config block.
type OutputFactory func(OutputConfig) (audio.Output, error)

// Registry maps backend names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	capture map[string]CaptureFactory
	output  map[string]OutputFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		capture: make(map[string]CaptureFactory),
		output:  make(map[string]OutputFactory),
	}
}

// RegisterCapture registers a capture backend under name. Subsequent calls
// with the same name overwrite the previous registration.
func (r *Registry) RegisterCapture(name string, factory CaptureFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterOutput registers an output backend under name.
func (r *Registry) RegisterOutput(name string, factory OutputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output[name] = factory
}

// CreateCapture instantiates the capture backend named by cfg.Backend.
// Returns [ErrBackendNotRegistered] if no factory has been registered for it.
func (r *Registry) CreateCapture(cfg CaptureConfig) (audio.CaptureDevice, error) {
	r.mu.RLock()
	factory, ok := r.capture[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrBackendNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// CreateOutput instantiates the output backend named by cfg.Backend.
func (r *Registry) CreateOutput(cfg OutputConfig) (audio.Output, error) {
	r.mu.RLock()
	factory, ok := r.output[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: output/%q", ErrBackendNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}
