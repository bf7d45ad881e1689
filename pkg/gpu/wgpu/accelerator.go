package wgpu

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/fluxorio/ocworker/pkg/core"
	"github.com/fluxorio/ocworker/pkg/gpu"
)

const (
	// completionTimeout bounds how long a submission may run before the
	// device is considered lost.
	completionTimeout = 30 * time.Second
	pollInterval      = 50 * time.Millisecond
)

type pipeline struct {
	bindings []gpu.BindingSpec
	bgl      hal.BindGroupLayout
	layout   hal.PipelineLayout
	compute  hal.ComputePipeline
}

// accelerator owns one HAL device. Dispatches are serialized; each one
// uses fresh buffers and a single fence whose value counts submissions.
type accelerator struct {
	info      gpu.AdapterInfo
	instance  hal.Instance
	device    hal.Device
	queue     hal.Queue
	module    hal.ShaderModule
	pipelines map[string]*pipeline
	maxGroups uint32
	logger    core.Logger

	mu         sync.Mutex
	fence      hal.Fence
	fenceValue uint64
	closed     bool
	stats      gpu.Stats
}

func newAccelerator(info gpu.AdapterInfo, instance hal.Instance, device hal.Device, queue hal.Queue, logger core.Logger) (*accelerator, error) {
	a := &accelerator{
		info:      info,
		instance:  instance,
		device:    device,
		queue:     queue,
		pipelines: make(map[string]*pipeline),
		maxGroups: gpu.DefaultLimits().MaxComputeWorkgroupsPerDimension,
		logger:    logger,
	}

	module, err := device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  "kernels",
		Source: hal.ShaderSource{WGSL: kernelSource},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compile kernels: %w", err)
	}
	a.module = module

	for _, k := range gpu.Kernels() {
		p, err := a.definePipeline(k)
		if err != nil {
			a.release()
			return nil, fmt.Errorf("failed to build pipeline %s: %w", k.Name(), err)
		}
		a.pipelines[k.Name()] = p
	}

	fence, err := device.CreateFence()
	if err != nil {
		a.release()
		return nil, fmt.Errorf("failed to create fence: %w", err)
	}
	a.fence = fence
	return a, nil
}

// layoutEntries declares every binding but the last read-only.
func layoutEntries(specs []gpu.BindingSpec) []gputypes.BindGroupLayoutEntry {
	entries := make([]gputypes.BindGroupLayoutEntry, len(specs))
	for i, s := range specs {
		kind := gputypes.BufferBindingTypeReadOnlyStorage
		if i == len(specs)-1 {
			kind = gputypes.BufferBindingTypeStorage
		}
		entries[i] = gputypes.BindGroupLayoutEntry{
			Binding:    s.Binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: kind},
		}
	}
	return entries
}

func (a *accelerator) definePipeline(k gpu.Kernel) (*pipeline, error) {
	p := &pipeline{bindings: k.Bindings()}

	bgl, err := a.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   k.Name() + "_bgl",
		Entries: layoutEntries(p.bindings),
	})
	if err != nil {
		return nil, err
	}
	p.bgl = bgl

	layout, err := a.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            k.Name() + "_layout",
		BindGroupLayouts: []hal.BindGroupLayout{bgl},
	})
	if err != nil {
		a.device.DestroyBindGroupLayout(bgl)
		return nil, err
	}
	p.layout = layout

	compute, err := a.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  k.Name(),
		Layout: layout,
		Compute: hal.ComputeState{
			Module:     a.module,
			EntryPoint: k.Name(),
		},
	})
	if err != nil {
		a.device.DestroyPipelineLayout(layout)
		a.device.DestroyBindGroupLayout(bgl)
		return nil, err
	}
	p.compute = compute
	return p, nil
}

func (a *accelerator) Info() gpu.AdapterInfo {
	return a.info
}

func (a *accelerator) Stats() gpu.Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Destroy waits for outstanding work and releases the device.
func (a *accelerator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	if a.fenceValue > 0 {
		a.device.Wait(a.fence, a.fenceValue, completionTimeout)
	}
	a.release()
	a.device.Destroy()
	a.instance.Destroy()
}

// release destroys the objects created by newAccelerator. The caller of
// newAccelerator owns the device and instance until it succeeds.
func (a *accelerator) release() {
	for _, p := range a.pipelines {
		a.device.DestroyComputePipeline(p.compute)
		a.device.DestroyPipelineLayout(p.layout)
		a.device.DestroyBindGroupLayout(p.bgl)
	}
	if a.fence != nil {
		a.device.DestroyFence(a.fence)
	}
	if a.module != nil {
		a.device.DestroyShaderModule(a.module)
	}
}

// rejected logs err as a validation failure and wraps it.
func (a *accelerator) rejected(kernel string, err error) error {
	a.stats.ValidationErrs++
	a.logger.Errorf("GPU Validation Error: %s: %v", kernel, err)
	return fmt.Errorf("%w: %s: %v", gpu.ErrDeviceValidation, kernel, err)
}

func checkGroups(groups [3]uint32, limit uint32) error {
	for i, n := range groups {
		if n == 0 || n > limit {
			return fmt.Errorf("dispatch dimension %d is %d, must be in [1, %d]", i, n, limit)
		}
	}
	return nil
}

func (a *accelerator) createBuffer(label string, size uint64, usage gputypes.BufferUsage) (hal.Buffer, error) {
	buf, err := a.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: usage,
	})
	if err != nil {
		return nil, err
	}
	a.stats.BuffersCreated++
	return buf, nil
}

func bufferEntry(binding uint32, buf hal.Buffer, size uint64) gputypes.BindGroupEntry {
	return gputypes.BindGroupEntry{
		Binding:  binding,
		Resource: gputypes.BufferBinding{Buffer: buf.NativeHandle(), Offset: 0, Size: size},
	}
}

func (a *accelerator) Dispatch(ctx context.Context, kernel string, groups [3]uint32, resultSize uint64, inputs ...[]byte) ([]byte, error) {
	p, ok := a.pipelines[kernel]
	if !ok {
		return nil, fmt.Errorf("unknown kernel %q", kernel)
	}
	if len(inputs) != len(p.bindings)-1 {
		return nil, fmt.Errorf("kernel %s takes %d inputs, got %d", kernel, len(p.bindings)-1, len(inputs))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, gpu.ErrDeviceLost
	}
	if err := checkGroups(groups, a.maxGroups); err != nil {
		return nil, a.rejected(kernel, err)
	}

	var buffers []hal.Buffer
	defer func() {
		for _, b := range buffers {
			a.device.DestroyBuffer(b)
		}
	}()

	entries := make([]gputypes.BindGroupEntry, len(p.bindings))
	for i, in := range inputs {
		size := uint64(len(in)+3) &^ 3
		buf, err := a.createBuffer(fmt.Sprintf("%s_in%d", kernel, i), size, gputypes.BufferUsageStorage|gputypes.BufferUsageCopyDst)
		if err != nil {
			return nil, a.rejected(kernel, err)
		}
		buffers = append(buffers, buf)
		a.queue.WriteBuffer(buf, 0, in)
		a.stats.BytesUploaded += uint64(len(in))
		entries[i] = bufferEntry(p.bindings[i].Binding, buf, size)
	}

	result, err := a.createBuffer(kernel+"_result", resultSize, gputypes.BufferUsageStorage|gputypes.BufferUsageCopySrc)
	if err != nil {
		return nil, a.rejected(kernel, err)
	}
	buffers = append(buffers, result)
	entries[len(entries)-1] = bufferEntry(p.bindings[len(p.bindings)-1].Binding, result, resultSize)

	staging, err := a.createBuffer(kernel+"_readback", resultSize, gputypes.BufferUsageMapRead|gputypes.BufferUsageCopyDst)
	if err != nil {
		return nil, a.rejected(kernel, err)
	}
	buffers = append(buffers, staging)

	bindGroup, err := a.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   kernel,
		Layout:  p.bgl,
		Entries: entries,
	})
	if err != nil {
		return nil, a.rejected(kernel, err)
	}
	defer a.device.DestroyBindGroup(bindGroup)

	encoder, err := a.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: kernel})
	if err != nil {
		return nil, a.rejected(kernel, err)
	}
	if err := encoder.BeginEncoding(kernel); err != nil {
		return nil, a.rejected(kernel, err)
	}
	pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: kernel})
	pass.SetPipeline(p.compute)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.Dispatch(groups[0], groups[1], groups[2])
	pass.End()
	encoder.CopyBufferToBuffer(result, staging, []hal.BufferCopy{{SrcOffset: 0, DstOffset: 0, Size: resultSize}})
	cmd, err := encoder.EndEncoding()
	if err != nil {
		return nil, a.rejected(kernel, err)
	}

	a.fenceValue++
	if err := a.queue.Submit([]hal.CommandBuffer{cmd}, a.fence, a.fenceValue); err != nil {
		return nil, a.rejected(kernel, err)
	}
	a.stats.Submissions++
	a.stats.Dispatches++
	a.stats.Workgroups += uint64(groups[0]) * uint64(groups[1]) * uint64(groups[2])

	// The buffers are destroyed on return, so completion is awaited even
	// when ctx is cancelled.
	if err := a.wait(a.fenceValue); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]byte, resultSize)
	if err := a.queue.ReadBuffer(staging, 0, out); err != nil {
		return nil, fmt.Errorf("map failed: %w", err)
	}
	return out, nil
}

func (a *accelerator) wait(value uint64) error {
	deadline := time.Now().Add(completionTimeout)
	for {
		done, err := a.device.Wait(a.fence, value, pollInterval)
		if err != nil {
			return fmt.Errorf("%w: %v", gpu.ErrDeviceLost, err)
		}
		if done {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: submission %d did not complete within %s", gpu.ErrDeviceLost, value, completionTimeout)
		}
	}
}
