package gpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"
)

// BufferUsage is a bit set of the ways a buffer may be used.
type BufferUsage uint32

const (
	BufferUsageMapRead BufferUsage = 1 << iota
	BufferUsageMapWrite
	BufferUsageCopySrc
	BufferUsageCopyDst
	BufferUsageStorage
)

func (u BufferUsage) String() string {
	names := []string{"MAP_READ", "MAP_WRITE", "COPY_SRC", "COPY_DST", "STORAGE"}
	var parts []string
	for i, name := range names {
		if u&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// Has reports whether all bits of flag are set.
func (u BufferUsage) Has(flag BufferUsage) bool {
	return u&flag == flag
}

// MapMode selects read or write mapping.
type MapMode int

const (
	MapModeRead MapMode = iota + 1
	MapModeWrite
)

type mapState int

const (
	mapUnmapped mapState = iota
	mapPending
	mapMapped
)

// BufferDescriptor describes a buffer to create.
type BufferDescriptor struct {
	Label string
	Size  uint64
	Usage BufferUsage
}

// Buffer is linear device memory.
type Buffer struct {
	label  string
	size   uint64
	usage  BufferUsage
	device *Device

	mu        sync.Mutex
	data      []byte
	state     mapState
	destroyed bool
	invalid   error
	onMapped  func(error)
}

func (b *Buffer) Label() string      { return b.label }
func (b *Buffer) Size() uint64       { return b.size }
func (b *Buffer) Usage() BufferUsage { return b.usage }

// MapAsync requests host access to the whole buffer. callback runs on the
// queue goroutine once all previously submitted work has completed.
func (b *Buffer) MapAsync(mode MapMode, callback func(error)) {
	b.mu.Lock()
	var err error
	switch {
	case b.invalid != nil:
		err = fmt.Errorf("map of invalid buffer %q: %v", b.label, b.invalid)
	case b.destroyed:
		err = fmt.Errorf("map of destroyed buffer %q", b.label)
	case b.state != mapUnmapped:
		err = fmt.Errorf("buffer %q is already mapped or pending", b.label)
	case mode == MapModeRead && !b.usage.Has(BufferUsageMapRead):
		err = fmt.Errorf("buffer %q lacks MAP_READ usage (has %s)", b.label, b.usage)
	case mode == MapModeWrite && !b.usage.Has(BufferUsageMapWrite):
		err = fmt.Errorf("buffer %q lacks MAP_WRITE usage (has %s)", b.label, b.usage)
	}
	if err != nil {
		b.mu.Unlock()
		b.device.reportError(err.Error())
		callback(ErrMapAborted)
		return
	}
	b.state = mapPending
	b.onMapped = callback
	b.mu.Unlock()

	queued := b.device.queue.enqueue(func() {
		b.mu.Lock()
		if b.state != mapPending {
			b.mu.Unlock()
			return
		}
		b.state = mapMapped
		cb := b.onMapped
		b.onMapped = nil
		b.mu.Unlock()
		cb(nil)
	})
	if !queued {
		b.abortMap()
	}
}

// GetMappedRange returns a copy of a mapped region.
func (b *Buffer) GetMappedRange(offset, size uint64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != mapMapped {
		return nil, fmt.Errorf("gpu: buffer %q is not mapped", b.label)
	}
	if offset+size > b.size {
		return nil, fmt.Errorf("gpu: range [%d, %d) exceeds buffer %q of size %d", offset, offset+size, b.label, b.size)
	}
	out := make([]byte, size)
	copy(out, b.data[offset:offset+size])
	return out, nil
}

// Unmap releases host access. A pending map is aborted.
func (b *Buffer) Unmap() {
	b.abortMap()
	b.mu.Lock()
	if b.state == mapMapped {
		b.state = mapUnmapped
	}
	b.mu.Unlock()
}

// Destroy frees the buffer. A pending map is aborted.
func (b *Buffer) Destroy() {
	b.abortMap()
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	b.state = mapUnmapped
	b.mu.Unlock()

	// Storage is released behind work already queued against it.
	free := func() {
		b.mu.Lock()
		b.data = nil
		b.mu.Unlock()
	}
	if !b.device.queue.enqueue(free) {
		free()
	}
}

func (b *Buffer) abortMap() {
	b.mu.Lock()
	if b.state != mapPending {
		b.mu.Unlock()
		return
	}
	b.state = mapUnmapped
	cb := b.onMapped
	b.onMapped = nil
	b.mu.Unlock()
	cb(ErrMapAborted)
}

// usable reports why b cannot be used in a submission, or nil.
func (b *Buffer) usable() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.invalid != nil:
		return fmt.Errorf("buffer %q is invalid: %v", b.label, b.invalid)
	case b.destroyed:
		return fmt.Errorf("buffer %q used after destroy", b.label)
	case b.state != mapUnmapped:
		return fmt.Errorf("buffer %q used while mapped", b.label)
	}
	return nil
}

// Float32Bytes encodes fs as little-endian bytes.
func Float32Bytes(fs []float32) []byte {
	out := make([]byte, len(fs)*4)
	for i, f := range fs {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// Uint32Bytes encodes us as little-endian bytes.
func Uint32Bytes(us ...uint32) []byte {
	out := make([]byte, len(us)*4)
	for i, u := range us {
		binary.LittleEndian.PutUint32(out[i*4:], u)
	}
	return out
}

// BytesFloat32 decodes little-endian bytes into float32s.
func BytesFloat32(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

// BytesUint32 decodes little-endian bytes into uint32s.
func BytesUint32(data []byte) []uint32 {
	out := make([]uint32, len(data)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return out
}
