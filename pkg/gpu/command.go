package gpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
)

type commandKind int

const (
	cmdDispatch commandKind = iota
	cmdCopy
)

type command struct {
	kind commandKind

	pipeline  *ComputePipeline
	bindGroup *BindGroup
	groups    [3]uint32

	src, dst       *Buffer
	srcOff, dstOff uint64
	size           uint64
}

// CommandEncoderDescriptor describes a command encoder.
type CommandEncoderDescriptor struct {
	Label string
}

// CommandEncoder records passes and copies for one submission.
type CommandEncoder struct {
	device   *Device
	label    string
	commands []command
	err      error
	inPass   bool
	finished bool
}

// CreateCommandEncoder starts recording.
func (d *Device) CreateCommandEncoder(desc CommandEncoderDescriptor) *CommandEncoder {
	return &CommandEncoder{device: d, label: desc.Label}
}

func (e *CommandEncoder) fail(format string, args ...interface{}) {
	if e.err == nil {
		e.err = fmt.Errorf(format, args...)
	}
}

// ComputePassEncoder records dispatches.
type ComputePassEncoder struct {
	encoder   *CommandEncoder
	pipeline  *ComputePipeline
	bindGroup *BindGroup
	ended     bool
}

// BeginComputePass opens a compute pass. The encoder is locked until End.
func (e *CommandEncoder) BeginComputePass() *ComputePassEncoder {
	if e.inPass {
		e.fail("compute pass begun while another pass is open")
	}
	e.inPass = true
	return &ComputePassEncoder{encoder: e}
}

// SetPipeline selects the pipeline for subsequent dispatches.
func (p *ComputePassEncoder) SetPipeline(pipeline *ComputePipeline) {
	p.pipeline = pipeline
}

// SetBindGroup binds group at index. Only index 0 exists.
func (p *ComputePassEncoder) SetBindGroup(index uint32, group *BindGroup) {
	if index != 0 {
		p.encoder.fail("bind group index %d out of range", index)
		return
	}
	p.bindGroup = group
}

// DispatchWorkgroups records a dispatch of x*y*z workgroups.
func (p *ComputePassEncoder) DispatchWorkgroups(x, y, z uint32) {
	e := p.encoder
	if p.ended {
		e.fail("dispatch on ended pass")
		return
	}
	if p.pipeline == nil {
		e.fail("dispatch without pipeline")
		return
	}
	if p.bindGroup == nil {
		e.fail("dispatch without bind group")
		return
	}
	max := e.device.limits.MaxComputeWorkgroupsPerDimension
	if x > max || y > max || z > max {
		e.fail("dispatch (%d, %d, %d) exceeds %d workgroups per dimension", x, y, z, max)
		return
	}
	e.commands = append(e.commands, command{
		kind:      cmdDispatch,
		pipeline:  p.pipeline,
		bindGroup: p.bindGroup,
		groups:    [3]uint32{x, y, z},
	})
}

// End closes the pass.
func (p *ComputePassEncoder) End() {
	if p.ended {
		p.encoder.fail("pass ended twice")
		return
	}
	p.ended = true
	p.encoder.inPass = false
}

// CopyBufferToBuffer records a copy of size bytes.
func (e *CommandEncoder) CopyBufferToBuffer(src *Buffer, srcOffset uint64, dst *Buffer, dstOffset uint64, size uint64) {
	switch {
	case e.inPass:
		e.fail("copy recorded inside a compute pass")
	case src == nil || dst == nil:
		e.fail("copy with nil buffer")
	case src == dst:
		e.fail("copy source and destination are the same buffer")
	case !src.usage.Has(BufferUsageCopySrc):
		e.fail("copy source %q lacks COPY_SRC usage (has %s)", src.label, src.usage)
	case !dst.usage.Has(BufferUsageCopyDst):
		e.fail("copy destination %q lacks COPY_DST usage (has %s)", dst.label, dst.usage)
	case size%4 != 0 || srcOffset%4 != 0 || dstOffset%4 != 0:
		e.fail("copy offsets and size must be multiples of 4")
	case srcOffset+size > src.size:
		e.fail("copy reads [%d, %d) past end of %q (size %d)", srcOffset, srcOffset+size, src.label, src.size)
	case dstOffset+size > dst.size:
		e.fail("copy writes [%d, %d) past end of %q (size %d)", dstOffset, dstOffset+size, dst.label, dst.size)
	default:
		e.commands = append(e.commands, command{
			kind: cmdCopy, src: src, dst: dst, srcOff: srcOffset, dstOff: dstOffset, size: size,
		})
	}
}

// CommandBuffer is a finished recording.
type CommandBuffer struct {
	label    string
	commands []command
	err      error
}

// Finish ends recording.
func (e *CommandEncoder) Finish() *CommandBuffer {
	if e.inPass {
		e.fail("finish with an open compute pass")
	}
	if e.finished {
		e.fail("encoder finished twice")
	}
	e.finished = true
	return &CommandBuffer{label: e.label, commands: e.commands, err: e.err}
}

// validate checks submit-time state of every referenced object.
func (cb *CommandBuffer) validate() error {
	if cb.err != nil {
		return cb.err
	}
	for _, c := range cb.commands {
		switch c.kind {
		case cmdDispatch:
			if c.pipeline.invalid != nil {
				return fmt.Errorf("pipeline %q is invalid", c.pipeline.label)
			}
			if c.bindGroup.invalid != nil {
				return fmt.Errorf("bind group %q is invalid", c.bindGroup.label)
			}
			if c.bindGroup.layout != c.pipeline.GetBindGroupLayout(0) {
				return fmt.Errorf("bind group %q does not match the layout of pipeline %q", c.bindGroup.label, c.pipeline.label)
			}
			for _, buf := range c.bindGroup.entries {
				if err := buf.usable(); err != nil {
					return err
				}
			}
		case cmdCopy:
			if err := c.src.usable(); err != nil {
				return err
			}
			if err := c.dst.usable(); err != nil {
				return err
			}
		}
	}
	return nil
}

// execute runs on the queue goroutine.
func (q *Queue) execute(cmds []command) {
	for _, c := range cmds {
		switch c.kind {
		case cmdDispatch:
			q.dispatch(c)
		case cmdCopy:
			copy(c.dst.data[c.dstOff:c.dstOff+c.size], c.src.data[c.srcOff:c.srcOff+c.size])
		}
	}
}

func (q *Queue) dispatch(c command) {
	d := q.device
	d.dispatches.Add(1)

	kernel := c.pipeline.kernel
	layout := c.bindGroup.layout
	b := &Bindings{
		words:  make(map[uint32][]uint32, len(c.bindGroup.entries)),
		output: make(map[uint32]*Buffer),
	}
	for binding, buf := range c.bindGroup.entries {
		if layout.entries[binding].ReadOnly {
			b.words[binding] = BytesUint32(buf.data)
		} else {
			b.output[binding] = buf
		}
	}

	total := uint64(c.groups[0]) * uint64(c.groups[1]) * uint64(c.groups[2])
	if total == 0 {
		return
	}
	d.workgroups.Add(total)

	size := kernel.WorkgroupSize()
	run := func(flat uint64) {
		id := [3]uint32{
			uint32(flat % uint64(c.groups[0])),
			uint32(flat / uint64(c.groups[0]) % uint64(c.groups[1])),
			uint32(flat / (uint64(c.groups[0]) * uint64(c.groups[1]))),
		}
		kernel.Run(&Workgroup{ID: id, Size: size, bindings: b})
	}

	// Workgroups are batched so tiny kernels do not pay one pool task each.
	batches := uint64(d.workers * 4)
	if batches > total {
		batches = total
	}
	var wg sync.WaitGroup
	wg.Add(int(batches))
	for i := uint64(0); i < batches; i++ {
		start := i
		d.pool.Submit(func() {
			defer wg.Done()
			for flat := start; flat < total; flat += batches {
				run(flat)
			}
		})
	}
	wg.Wait()
}

// Bindings gives a running kernel access to its bind group. Read-only
// bindings are snapshots taken at dispatch; reads past the end return 0
// and out of bounds writes are discarded.
type Bindings struct {
	words  map[uint32][]uint32
	output map[uint32]*Buffer
}

// U32 reads word index of binding.
func (b *Bindings) U32(binding, index uint32) uint32 {
	if w, ok := b.words[binding]; ok {
		if int(index) < len(w) {
			return w[index]
		}
		return 0
	}
	if buf, ok := b.output[binding]; ok && uint64(index)*4+4 <= uint64(len(buf.data)) {
		return binary.LittleEndian.Uint32(buf.data[index*4:])
	}
	return 0
}

// F32 reads element index of binding as float32.
func (b *Bindings) F32(binding, index uint32) float32 {
	return math.Float32frombits(b.U32(binding, index))
}

// Len returns the number of 32-bit words in binding.
func (b *Bindings) Len(binding uint32) uint32 {
	if w, ok := b.words[binding]; ok {
		return uint32(len(w))
	}
	if buf, ok := b.output[binding]; ok {
		return uint32(len(buf.data) / 4)
	}
	return 0
}

// StoreU32 writes word index of a read_write binding.
func (b *Bindings) StoreU32(binding, index, v uint32) {
	buf, ok := b.output[binding]
	if !ok || uint64(index)*4+4 > uint64(len(buf.data)) {
		return
	}
	binary.LittleEndian.PutUint32(buf.data[index*4:], v)
}

// StoreF32 writes element index of a read_write binding.
func (b *Bindings) StoreF32(binding, index uint32, v float32) {
	b.StoreU32(binding, index, math.Float32bits(v))
}
