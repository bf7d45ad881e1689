package gpu

import (
	"context"
	"fmt"
	"sync"

	"github.com/fluxorio/ocworker/pkg/core"
)

// softwareAccelerator drives the in-process device through the same
// pipeline, bind group and staging readback sequence a hardware device
// needs.
type softwareAccelerator struct {
	adapter   *Adapter
	device    *Device
	queue     *Queue
	pipelines map[string]*ComputePipeline
	logger    core.Logger

	// Error scopes are device wide; submissions that pop a scope are serialized.
	submitMu sync.Mutex
}

func newSoftwareAccelerator(ctx context.Context, workers int, logger core.Logger) (*softwareAccelerator, error) {
	adapter, err := NewInstance(InstanceDescriptor{Backend: BackendSoftware}).RequestAdapter(ctx)
	if err != nil {
		return nil, err
	}
	device, queue, err := adapter.RequestDevice(ctx, DeviceDescriptor{
		Label:   "ocworker",
		Workers: workers,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create device: %w", err)
	}

	a := &softwareAccelerator{
		adapter:   adapter,
		device:    device,
		queue:     queue,
		pipelines: make(map[string]*ComputePipeline),
		logger:    logger,
	}

	module := device.CreateShaderModule(ShaderModuleDescriptor{Label: "kernels", Kernels: Kernels()})

	device.PushErrorScope(ErrorFilterValidation)
	for _, k := range Kernels() {
		a.pipelines[k.Name()] = definePipeline(device, module, k)
	}
	if err := device.PopErrorScope(); err != nil {
		device.Destroy()
		return nil, fmt.Errorf("failed to build pipelines: %w", err)
	}
	return a, nil
}

// definePipeline creates a layout where every binding but the last is read-only.
func definePipeline(device *Device, module *ShaderModule, k Kernel) *ComputePipeline {
	specs := k.Bindings()
	entries := make([]BindGroupLayoutEntry, len(specs))
	for i, s := range specs {
		entries[i] = BindGroupLayoutEntry{Binding: s.Binding, ReadOnly: i != len(specs)-1}
	}
	bgl := device.CreateBindGroupLayout(BindGroupLayoutDescriptor{
		Label:   k.Name() + "_bgl",
		Entries: entries,
	})
	layout := device.CreatePipelineLayout(PipelineLayoutDescriptor{
		Label:            k.Name() + "_layout",
		BindGroupLayouts: []*BindGroupLayout{bgl},
	})
	return device.CreateComputePipeline(ComputePipelineDescriptor{
		Label:      k.Name(),
		Layout:     layout,
		Module:     module,
		EntryPoint: k.Name(),
	})
}

func (a *softwareAccelerator) Info() AdapterInfo {
	return a.adapter.Info()
}

func (a *softwareAccelerator) Stats() Stats {
	return a.device.Stats()
}

func (a *softwareAccelerator) Destroy() {
	a.device.Destroy()
}

func (a *softwareAccelerator) Dispatch(ctx context.Context, kernel string, groups [3]uint32, resultSize uint64, inputs ...[]byte) ([]byte, error) {
	pipeline, ok := a.pipelines[kernel]
	if !ok {
		return nil, fmt.Errorf("unknown kernel %q", kernel)
	}
	specs := pipeline.kernel.Bindings()
	if len(inputs) != len(specs)-1 {
		return nil, fmt.Errorf("kernel %s takes %d inputs, got %d", kernel, len(specs)-1, len(inputs))
	}

	entries := make([]BindGroupEntry, len(specs))
	for i, in := range inputs {
		entries[i] = BindGroupEntry{
			Binding: specs[i].Binding,
			Buffer:  a.device.CreateBufferInit("", in, BufferUsageStorage),
		}
	}
	result := a.device.CreateBuffer(BufferDescriptor{Size: resultSize, Usage: BufferUsageStorage | BufferUsageCopySrc})
	entries[len(specs)-1] = BindGroupEntry{Binding: specs[len(specs)-1].Binding, Buffer: result}
	defer func() {
		for _, e := range entries {
			e.Buffer.Destroy()
		}
	}()

	a.submitMu.Lock()
	a.device.PushErrorScope(ErrorFilterValidation)

	bindGroup := a.device.CreateBindGroup(BindGroupDescriptor{
		Label:   kernel,
		Layout:  pipeline.GetBindGroupLayout(0),
		Entries: entries,
	})

	encoder := a.device.CreateCommandEncoder(CommandEncoderDescriptor{Label: kernel})
	pass := encoder.BeginComputePass()
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, bindGroup)
	pass.DispatchWorkgroups(groups[0], groups[1], groups[2])
	pass.End()

	staging := a.device.CreateBuffer(BufferDescriptor{
		Label: kernel + "_readback",
		Size:  resultSize,
		Usage: BufferUsageCopyDst | BufferUsageMapRead,
	})
	defer staging.Destroy()
	encoder.CopyBufferToBuffer(result, 0, staging, 0, resultSize)

	a.queue.Submit(encoder.Finish())
	verr := a.device.PopErrorScope()
	a.submitMu.Unlock()

	if verr != nil {
		a.logger.Errorf("GPU Validation Error: %v", verr)
	}

	mapped := make(chan error, 1)
	staging.MapAsync(MapModeRead, func(err error) { mapped <- err })
	select {
	case err := <-mapped:
		if err != nil && verr != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeviceValidation, verr)
		}
		if err != nil {
			return nil, fmt.Errorf("map failed: %w", err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.device.Lost():
		return nil, ErrDeviceLost
	}

	out, err := staging.GetMappedRange(0, resultSize)
	staging.Unmap()
	if err != nil {
		return nil, err
	}
	if verr != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceValidation, verr)
	}
	return out, nil
}
