// Package gpu runs the compute kernels behind the GPU host functions.
//
// Hardware backends plug in through Register. The package itself carries a
// software compute device with the object model of WebGPU: adapters,
// devices, queues, storage buffers, bind groups, compute pipelines and
// command encoders. Workgroups of a dispatch run in parallel on a worker
// pool and kernels observe workgroup barriers. It is used when no hardware
// adapter is found.
package gpu

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gammazero/workerpool"

	"github.com/fluxorio/ocworker/pkg/core"
	"github.com/fluxorio/ocworker/pkg/core/concurrency"
)

// Limits bound what a device accepts.
type Limits struct {
	MaxBufferSize                     uint64
	MaxComputeWorkgroupsPerDimension  uint32
	MaxComputeInvocationsPerWorkgroup uint32
	MaxBindingsPerBindGroup           uint32
}

// DefaultLimits mirrors the WebGPU defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxBufferSize:                     256 << 20,
		MaxComputeWorkgroupsPerDimension:  65535,
		MaxComputeInvocationsPerWorkgroup: 256,
		MaxBindingsPerBindGroup:           1000,
	}
}

// InstanceDescriptor selects the backend.
type InstanceDescriptor struct {
	Backend string
}

// Instance is the entry point for adapter discovery.
type Instance struct {
	backend string
}

// NewInstance creates an instance. An empty backend means software.
func NewInstance(desc InstanceDescriptor) *Instance {
	backend := desc.Backend
	if backend == "" {
		backend = BackendSoftware
	}
	return &Instance{backend: backend}
}

// Adapter is a handle to a compute implementation.
type Adapter struct {
	name    string
	threads int
}

// AdapterInfo describes an adapter.
type AdapterInfo struct {
	Name       string
	Backend    string
	DeviceType string
	// Threads is the number of CPU threads of a software adapter.
	Threads int
}

// RequestAdapter returns the software adapter, or ErrNoAdapter when the
// instance was created without a usable backend.
func (i *Instance) RequestAdapter(ctx context.Context) (*Adapter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if i.backend != BackendSoftware {
		return nil, fmt.Errorf("%w (backend %q)", ErrNoAdapter, i.backend)
	}
	return &Adapter{name: "software compute", threads: runtime.NumCPU()}, nil
}

// Info describes the adapter.
func (a *Adapter) Info() AdapterInfo {
	return AdapterInfo{Name: a.name, Backend: BackendSoftware, DeviceType: "cpu", Threads: a.threads}
}

// DeviceDescriptor configures a device.
type DeviceDescriptor struct {
	Label string
	// Workers is the number of goroutines executing workgroups. Zero
	// means one per CPU.
	Workers int
	Limits  *Limits
	Logger  core.Logger
}

// Stats counts device activity.
type Stats struct {
	BuffersCreated uint64
	BytesUploaded  uint64
	Submissions    uint64
	Dispatches     uint64
	Workgroups     uint64
	ValidationErrs uint64
}

// Device creates resources and owns the queue.
type Device struct {
	label   string
	limits  Limits
	logger  core.Logger
	pool    *workerpool.WorkerPool
	workers int
	queue   *Queue

	scopeMu sync.Mutex
	scopes  []*errorScope

	lost   atomic.Bool
	lostCh chan struct{}

	buffersCreated atomic.Uint64
	bytesUploaded  atomic.Uint64
	submissions    atomic.Uint64
	dispatches     atomic.Uint64
	workgroups     atomic.Uint64
	validationErrs atomic.Uint64
}

// RequestDevice creates a device and its queue.
func (a *Adapter) RequestDevice(ctx context.Context, desc DeviceDescriptor) (*Device, *Queue, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	workers := desc.Workers
	if workers <= 0 {
		workers = a.threads
	}
	limits := DefaultLimits()
	if desc.Limits != nil {
		limits = *desc.Limits
	}
	logger := desc.Logger
	if logger == nil {
		logger = core.NewNopLogger()
	}

	d := &Device{
		label:   desc.Label,
		limits:  limits,
		logger:  logger,
		pool:    workerpool.New(workers),
		workers: workers,
		lostCh:  make(chan struct{}),
	}
	d.queue = newQueue(d)
	return d, d.queue, nil
}

// Limits returns the device limits.
func (d *Device) Limits() Limits {
	return d.limits
}

// Queue returns the device queue.
func (d *Device) Queue() *Queue {
	return d.queue
}

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() Stats {
	return Stats{
		BuffersCreated: d.buffersCreated.Load(),
		BytesUploaded:  d.bytesUploaded.Load(),
		Submissions:    d.submissions.Load(),
		Dispatches:     d.dispatches.Load(),
		Workgroups:     d.workgroups.Load(),
		ValidationErrs: d.validationErrs.Load(),
	}
}

// Destroy stops the queue and the workgroup pool. Pending maps are aborted.
func (d *Device) Destroy() {
	if !d.lost.CompareAndSwap(false, true) {
		return
	}
	close(d.lostCh)
	d.queue.close()
	d.pool.StopWait()
}

// Lost is closed when the device is destroyed.
func (d *Device) Lost() <-chan struct{} {
	return d.lostCh
}

// ErrorFilter selects which errors a scope captures.
type ErrorFilter int

const (
	ErrorFilterValidation ErrorFilter = iota + 1
	ErrorFilterOutOfMemory
)

type errorScope struct {
	filter ErrorFilter
	err    error
}

// PushErrorScope starts capturing errors of the given kind.
func (d *Device) PushErrorScope(filter ErrorFilter) {
	d.scopeMu.Lock()
	d.scopes = append(d.scopes, &errorScope{filter: filter})
	d.scopeMu.Unlock()
}

// PopErrorScope ends the innermost scope and returns the first error it
// captured, or nil.
func (d *Device) PopErrorScope() error {
	d.scopeMu.Lock()
	defer d.scopeMu.Unlock()
	n := len(d.scopes)
	if n == 0 {
		return &ValidationError{Message: "pop of empty error scope stack"}
	}
	scope := d.scopes[n-1]
	d.scopes = d.scopes[:n-1]
	return scope.err
}

// reportError delivers a validation error to the innermost validation
// scope, or logs it as uncaptured.
func (d *Device) reportError(msg string) {
	d.validationErrs.Add(1)
	err := &ValidationError{Message: msg}

	d.scopeMu.Lock()
	for i := len(d.scopes) - 1; i >= 0; i-- {
		if d.scopes[i].filter == ErrorFilterValidation {
			if d.scopes[i].err == nil {
				d.scopes[i].err = err
			}
			d.scopeMu.Unlock()
			return
		}
	}
	d.scopeMu.Unlock()
	d.logger.Errorf("uncaptured gpu error on device %q: %v", d.label, err)
}

// CreateBuffer allocates a zeroed buffer.
func (d *Device) CreateBuffer(desc BufferDescriptor) *Buffer {
	b := &Buffer{label: desc.Label, size: desc.Size, usage: desc.Usage, device: d}
	switch {
	case d.lost.Load():
		b.invalid = ErrDeviceLost
	case desc.Size > d.limits.MaxBufferSize:
		b.invalid = fmt.Errorf("size %d exceeds max buffer size %d", desc.Size, d.limits.MaxBufferSize)
	case desc.Size%4 != 0:
		b.invalid = fmt.Errorf("size %d is not a multiple of 4", desc.Size)
	case desc.Usage.Has(BufferUsageMapRead) && desc.Usage&^(BufferUsageMapRead|BufferUsageCopyDst) != 0:
		b.invalid = fmt.Errorf("MAP_READ may only be combined with COPY_DST, got %s", desc.Usage)
	}
	if b.invalid != nil {
		d.reportError(fmt.Sprintf("CreateBuffer %q: %v", desc.Label, b.invalid))
		return b
	}
	b.data = make([]byte, desc.Size)
	d.buffersCreated.Add(1)
	return b
}

// CreateBufferInit allocates a buffer holding contents, padded to a
// multiple of 4 bytes.
func (d *Device) CreateBufferInit(label string, contents []byte, usage BufferUsage) *Buffer {
	size := uint64(len(contents)+3) &^ 3
	b := d.CreateBuffer(BufferDescriptor{Label: label, Size: size, Usage: usage})
	if b.invalid == nil {
		copy(b.data, contents)
		d.bytesUploaded.Add(uint64(len(contents)))
	}
	return b
}

// BindGroupLayoutEntry declares one storage binding.
type BindGroupLayoutEntry struct {
	Binding  uint32
	ReadOnly bool
}

// BindGroupLayoutDescriptor describes a bind group layout.
type BindGroupLayoutDescriptor struct {
	Label   string
	Entries []BindGroupLayoutEntry
}

// BindGroupLayout is the shape a bind group must match.
type BindGroupLayout struct {
	label   string
	entries map[uint32]BindGroupLayoutEntry
	invalid error
}

// CreateBindGroupLayout creates a layout. Binding numbers must be unique.
func (d *Device) CreateBindGroupLayout(desc BindGroupLayoutDescriptor) *BindGroupLayout {
	l := &BindGroupLayout{label: desc.Label, entries: make(map[uint32]BindGroupLayoutEntry, len(desc.Entries))}
	for _, e := range desc.Entries {
		if _, dup := l.entries[e.Binding]; dup {
			l.invalid = fmt.Errorf("duplicate binding %d", e.Binding)
			break
		}
		if e.Binding >= d.limits.MaxBindingsPerBindGroup {
			l.invalid = fmt.Errorf("binding %d exceeds limit %d", e.Binding, d.limits.MaxBindingsPerBindGroup)
			break
		}
		l.entries[e.Binding] = e
	}
	if l.invalid != nil {
		d.reportError(fmt.Sprintf("CreateBindGroupLayout %q: %v", desc.Label, l.invalid))
	}
	return l
}

// PipelineLayout lists the bind group layouts of a pipeline.
type PipelineLayout struct {
	label            string
	bindGroupLayouts []*BindGroupLayout
}

// PipelineLayoutDescriptor describes a pipeline layout.
type PipelineLayoutDescriptor struct {
	Label            string
	BindGroupLayouts []*BindGroupLayout
}

// CreatePipelineLayout creates a pipeline layout.
func (d *Device) CreatePipelineLayout(desc PipelineLayoutDescriptor) *PipelineLayout {
	return &PipelineLayout{label: desc.Label, bindGroupLayouts: desc.BindGroupLayouts}
}

// BindGroupEntry attaches a buffer to a binding.
type BindGroupEntry struct {
	Binding uint32
	Buffer  *Buffer
}

// BindGroupDescriptor describes a bind group.
type BindGroupDescriptor struct {
	Label   string
	Layout  *BindGroupLayout
	Entries []BindGroupEntry
}

// BindGroup is a set of buffers matching a layout.
type BindGroup struct {
	label   string
	layout  *BindGroupLayout
	entries map[uint32]*Buffer
	invalid error
}

// CreateBindGroup creates a bind group. Every layout binding must be
// supplied exactly once with a STORAGE buffer.
func (d *Device) CreateBindGroup(desc BindGroupDescriptor) *BindGroup {
	g := &BindGroup{label: desc.Label, layout: desc.Layout, entries: make(map[uint32]*Buffer, len(desc.Entries))}
	g.invalid = validateBindGroup(desc, g.entries)
	if g.invalid != nil {
		d.reportError(fmt.Sprintf("CreateBindGroup %q: %v", desc.Label, g.invalid))
	}
	return g
}

func validateBindGroup(desc BindGroupDescriptor, entries map[uint32]*Buffer) error {
	if desc.Layout == nil {
		return fmt.Errorf("missing layout")
	}
	if desc.Layout.invalid != nil {
		return fmt.Errorf("layout %q is invalid", desc.Layout.label)
	}
	for _, e := range desc.Entries {
		if _, ok := desc.Layout.entries[e.Binding]; !ok {
			return fmt.Errorf("binding %d is not in layout %q", e.Binding, desc.Layout.label)
		}
		if _, dup := entries[e.Binding]; dup {
			return fmt.Errorf("binding %d supplied twice", e.Binding)
		}
		if e.Buffer == nil {
			return fmt.Errorf("binding %d has no buffer", e.Binding)
		}
		if !e.Buffer.usage.Has(BufferUsageStorage) {
			return fmt.Errorf("buffer %q at binding %d lacks STORAGE usage (has %s)", e.Buffer.label, e.Binding, e.Buffer.usage)
		}
		entries[e.Binding] = e.Buffer
	}
	if len(entries) != len(desc.Layout.entries) {
		return fmt.Errorf("layout %q expects %d bindings, got %d", desc.Layout.label, len(desc.Layout.entries), len(entries))
	}
	return nil
}

// ShaderModuleDescriptor collects kernels by entry point name.
type ShaderModuleDescriptor struct {
	Label   string
	Kernels []Kernel
}

// ShaderModule holds compiled kernels.
type ShaderModule struct {
	label   string
	kernels map[string]Kernel
}

// CreateShaderModule registers kernels under their names.
func (d *Device) CreateShaderModule(desc ShaderModuleDescriptor) *ShaderModule {
	m := &ShaderModule{label: desc.Label, kernels: make(map[string]Kernel, len(desc.Kernels))}
	for _, k := range desc.Kernels {
		m.kernels[k.Name()] = k
	}
	return m
}

// ComputePipelineDescriptor describes a compute pipeline.
type ComputePipelineDescriptor struct {
	Label      string
	Layout     *PipelineLayout
	Module     *ShaderModule
	EntryPoint string
}

// ComputePipeline binds a kernel to a layout.
type ComputePipeline struct {
	label   string
	kernel  Kernel
	layout  *PipelineLayout
	invalid error
}

// CreateComputePipeline resolves the entry point and checks that the
// layout declares exactly the kernel's bindings.
func (d *Device) CreateComputePipeline(desc ComputePipelineDescriptor) *ComputePipeline {
	p := &ComputePipeline{label: desc.Label, layout: desc.Layout}
	p.kernel, p.invalid = d.resolveKernel(desc)
	if p.invalid != nil {
		d.reportError(fmt.Sprintf("CreateComputePipeline %q: %v", desc.Label, p.invalid))
	}
	return p
}

func (d *Device) resolveKernel(desc ComputePipelineDescriptor) (Kernel, error) {
	if desc.Module == nil {
		return nil, fmt.Errorf("missing shader module")
	}
	k, ok := desc.Module.kernels[desc.EntryPoint]
	if !ok {
		return nil, fmt.Errorf("entry point %q not found in module %q", desc.EntryPoint, desc.Module.label)
	}
	if desc.Layout == nil || len(desc.Layout.bindGroupLayouts) != 1 {
		return nil, fmt.Errorf("expected a layout with exactly one bind group")
	}
	bgl := desc.Layout.bindGroupLayouts[0]
	if bgl.invalid != nil {
		return nil, fmt.Errorf("bind group layout %q is invalid", bgl.label)
	}
	specs := k.Bindings()
	if len(specs) != len(bgl.entries) {
		return nil, fmt.Errorf("kernel %s uses %d bindings, layout declares %d", k.Name(), len(specs), len(bgl.entries))
	}
	for _, s := range specs {
		e, ok := bgl.entries[s.Binding]
		if !ok {
			return nil, fmt.Errorf("kernel %s binding %d missing from layout", k.Name(), s.Binding)
		}
		if e.ReadOnly && !s.ReadOnly {
			return nil, fmt.Errorf("kernel %s writes binding %d declared read-only", k.Name(), s.Binding)
		}
	}
	size := k.WorkgroupSize()
	if size[0]*size[1]*size[2] > d.limits.MaxComputeInvocationsPerWorkgroup {
		return nil, fmt.Errorf("kernel %s workgroup size %v exceeds %d invocations", k.Name(), size, d.limits.MaxComputeInvocationsPerWorkgroup)
	}
	return k, nil
}

// GetBindGroupLayout returns the layout of bind group index.
func (p *ComputePipeline) GetBindGroupLayout(index int) *BindGroupLayout {
	if p.layout == nil || index < 0 || index >= len(p.layout.bindGroupLayouts) {
		return &BindGroupLayout{label: "invalid", invalid: fmt.Errorf("no bind group %d", index)}
	}
	return p.layout.bindGroupLayouts[index]
}

// Label returns the pipeline label.
func (p *ComputePipeline) Label() string {
	return p.label
}

// Queue executes submitted command buffers in order on one goroutine.
type Queue struct {
	device  *Device
	mailbox concurrency.Mailbox
	done    chan struct{}
}

func newQueue(d *Device) *Queue {
	q := &Queue{
		device:  d,
		mailbox: concurrency.NewUnboundedMailbox(),
		done:    make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		msg, err := q.mailbox.Receive(context.Background())
		if err != nil {
			return
		}
		if op, ok := msg.(func()); ok {
			op()
		}
	}
}

func (q *Queue) enqueue(op func()) bool {
	return q.mailbox.Send(op) == nil
}

func (q *Queue) close() {
	q.mailbox.Close()
	<-q.done
}

// Submit validates and schedules command buffers. An invalid command
// buffer is reported to the device error scopes and not executed.
func (q *Queue) Submit(buffers ...*CommandBuffer) {
	d := q.device
	if d.lost.Load() {
		d.reportError("submit on lost device")
		return
	}
	for _, cb := range buffers {
		d.submissions.Add(1)
		if err := cb.validate(); err != nil {
			d.reportError(fmt.Sprintf("Submit %q: %v", cb.label, err))
			continue
		}
		cmds := cb.commands
		if !q.enqueue(func() { q.execute(cmds) }) {
			d.reportError("submit on lost device")
		}
	}
}

// OnSubmittedWorkDone returns a channel closed after everything submitted
// so far has executed.
func (q *Queue) OnSubmittedWorkDone() <-chan struct{} {
	ch := make(chan struct{})
	if !q.enqueue(func() { close(ch) }) {
		close(ch)
	}
	return ch
}
