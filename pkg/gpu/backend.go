package gpu

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fluxorio/ocworker/pkg/core"
)

// Backend names accepted by Config.Backend. Hardware backends ("vulkan",
// "metal", "dx12", "gl") are available once a driver registers them.
const (
	BackendAuto     = "auto"
	BackendSoftware = "software"
	BackendNone     = "none"
)

// Accelerator runs the built-in kernel module on one device.
//
// Dispatch binds inputs, in order, to the kernel's read-only bindings and a
// zeroed buffer of resultSize bytes to its last binding, dispatches groups
// and returns the contents of the result buffer. A rejected submission is
// reported as ErrDeviceValidation after the readback has been released.
type Accelerator interface {
	Info() AdapterInfo
	Dispatch(ctx context.Context, kernel string, groups [3]uint32, resultSize uint64, inputs ...[]byte) ([]byte, error)
	Stats() Stats
	Destroy()
}

// OpenOptions is passed to Driver.Open.
type OpenOptions struct {
	Logger core.Logger
}

// Driver opens an Accelerator on a hardware adapter. Open returns an error
// wrapping ErrNoAdapter when the backend has no usable adapter.
type Driver interface {
	Open(ctx context.Context, opts OpenOptions) (Accelerator, error)
}

type registry struct {
	mu      sync.RWMutex
	order   []string
	drivers map[string]Driver
}

func newRegistry() *registry {
	return &registry{drivers: make(map[string]Driver)}
}

var drivers = newRegistry()

// Register makes a hardware driver available under name. Drivers are tried
// in registration order when the backend is "auto". Register panics when
// name is reserved, already registered or d is nil.
func Register(name string, d Driver) {
	if err := drivers.register(name, d); err != nil {
		panic(err)
	}
}

// Drivers returns the registered hardware backend names in registration
// order.
func Drivers() []string {
	return drivers.names()
}

func (r *registry) register(name string, d Driver) error {
	if d == nil {
		return errors.New("gpu: Register driver is nil")
	}
	switch name {
	case "", BackendAuto, BackendSoftware, BackendNone:
		return fmt.Errorf("gpu: backend name %q is reserved", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.drivers[name]; dup {
		return fmt.Errorf("gpu: Register called twice for driver %q", name)
	}
	r.drivers[name] = d
	r.order = append(r.order, name)
	return nil
}

func (r *registry) lookup(name string) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	return d, ok
}

func (r *registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// open resolves backend to an accelerator. "auto" tries every hardware
// driver and falls back to the software device; a named hardware backend
// never falls back.
func (r *registry) open(ctx context.Context, backend string, workers int, logger core.Logger) (Accelerator, error) {
	switch backend {
	case BackendSoftware:
		return newSoftwareAccelerator(ctx, workers, logger)
	case BackendNone:
		return nil, fmt.Errorf("%w (backend %q)", ErrNoAdapter, backend)
	case "", BackendAuto:
		for _, name := range r.names() {
			d, _ := r.lookup(name)
			acc, err := d.Open(ctx, OpenOptions{Logger: logger})
			if err == nil {
				return acc, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Infof("gpu backend %s unavailable: %v", name, err)
		}
		logger.Warnf("no hardware adapter found, using the software compute device")
		return newSoftwareAccelerator(ctx, workers, logger)
	}

	d, ok := r.lookup(backend)
	if !ok {
		return nil, fmt.Errorf("%w (backend %q is not available on this build)", ErrNoAdapter, backend)
	}
	return d.Open(ctx, OpenOptions{Logger: logger})
}
