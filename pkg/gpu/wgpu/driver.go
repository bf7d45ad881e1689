// Package wgpu registers hardware compute backends with package gpu. It
// runs the kernel module on a WebGPU device through the gogpu/wgpu
// hardware abstraction layer: Metal on macOS, DX12 and Vulkan on Windows,
// Vulkan and GL on Linux.
//
// Import it for its side effect:
//
//	import _ "github.com/fluxorio/ocworker/pkg/gpu/wgpu"
package wgpu

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	_ "github.com/gogpu/wgpu/hal/allbackends"

	"github.com/fluxorio/ocworker/pkg/core"
	"github.com/fluxorio/ocworker/pkg/gpu"
)

//go:embed kernels.wgsl
var kernelSource string

// driver opens accelerators on one HAL backend.
type driver struct {
	name    string
	variant gputypes.Backend
}

// drivers is in preference order; "auto" tries them top to bottom.
var drivers = []driver{
	{name: "metal", variant: gputypes.BackendMetal},
	{name: "dx12", variant: gputypes.BackendDX12},
	{name: "vulkan", variant: gputypes.BackendVulkan},
	{name: "gl", variant: gputypes.BackendGL},
}

func init() {
	for _, d := range drivers {
		if _, ok := hal.GetBackend(d.variant); ok {
			gpu.Register(d.name, d)
		}
	}
}

func (d driver) Open(ctx context.Context, opts gpu.OpenOptions) (gpu.Accelerator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = core.NewNopLogger()
	}

	backend, ok := hal.GetBackend(d.variant)
	if !ok {
		return nil, fmt.Errorf("%w (backend %q)", gpu.ErrNoAdapter, d.name)
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{})
	if err != nil {
		return nil, fmt.Errorf("%w (backend %q): %v", gpu.ErrNoAdapter, d.name, err)
	}

	exposed := instance.EnumerateAdapters(nil)
	types := make([]gputypes.DeviceType, len(exposed))
	for i, e := range exposed {
		types[i] = e.Info.DeviceType
	}
	best := pickAdapter(types)
	if best < 0 {
		instance.Destroy()
		return nil, fmt.Errorf("%w (backend %q: %d adapters, none hardware)", gpu.ErrNoAdapter, d.name, len(exposed))
	}
	chosen := exposed[best]

	od, err := chosen.Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("failed to create device: %w", err)
	}

	info := gpu.AdapterInfo{
		Name:       chosen.Info.Name,
		Backend:    d.name,
		DeviceType: deviceTypeName(chosen.Info.DeviceType),
	}
	acc, err := newAccelerator(info, instance, od.Device, od.Queue, logger)
	if err != nil {
		od.Device.Destroy()
		instance.Destroy()
		return nil, err
	}
	return acc, nil
}

// rank orders adapter types; CPU rasterizers are never chosen because the
// in-process software device serves that role.
func rank(t gputypes.DeviceType) int {
	switch t {
	case gputypes.DeviceTypeDiscreteGPU:
		return 3
	case gputypes.DeviceTypeIntegratedGPU:
		return 2
	case gputypes.DeviceTypeVirtualGPU:
		return 1
	case gputypes.DeviceTypeCPU:
		return -1
	default:
		return 0
	}
}

// pickAdapter returns the index of the preferred hardware adapter, or -1.
func pickAdapter(types []gputypes.DeviceType) int {
	best, bestRank := -1, -1
	for i, t := range types {
		if r := rank(t); r > bestRank {
			best, bestRank = i, r
		}
	}
	return best
}

func deviceTypeName(t gputypes.DeviceType) string {
	switch t {
	case gputypes.DeviceTypeDiscreteGPU:
		return "discrete"
	case gputypes.DeviceTypeIntegratedGPU:
		return "integrated"
	case gputypes.DeviceTypeVirtualGPU:
		return "virtual"
	case gputypes.DeviceTypeCPU:
		return "cpu"
	default:
		return "other"
	}
}
