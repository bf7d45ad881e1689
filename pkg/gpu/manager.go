package gpu

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/ocworker/pkg/core"
)

const tracerName = "github.com/fluxorio/ocworker/pkg/gpu"

// KernelObserver receives one call per kernel invocation.
type KernelObserver interface {
	ObserveKernel(kernel string, duration time.Duration, err error)
}

// Config configures NewManager.
type Config struct {
	// Backend is "auto" (or empty), "software", "none" or a registered
	// hardware backend name.
	Backend  string
	Workers  int
	Logger   core.Logger
	Observer KernelObserver
}

// Manager owns one accelerator with a pipeline per kernel. It is safe for
// concurrent use.
type Manager struct {
	acc      Accelerator
	logger   core.Logger
	observer KernelObserver
	tracer   trace.Tracer
}

// NewManager acquires an adapter and device and builds the kernel
// pipelines. Failure to find an adapter returns ErrNoAdapter.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	return newManager(ctx, cfg, drivers)
}

func newManager(ctx context.Context, cfg Config, reg *registry) (*Manager, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = core.NewNopLogger()
	}

	acc, err := reg.open(ctx, cfg.Backend, cfg.Workers, logger)
	if err != nil {
		return nil, err
	}

	info := acc.Info()
	logger.Infof("gpu ready: adapter=%q backend=%s threads=%d kernels=%d",
		info.Name, info.Backend, info.Threads, len(Kernels()))
	return &Manager{
		acc:      acc,
		logger:   logger,
		observer: cfg.Observer,
		tracer:   otel.Tracer(tracerName),
	}, nil
}

// Info describes the adapter in use.
func (m *Manager) Info() AdapterInfo {
	return m.acc.Info()
}

// Stats returns device counters.
func (m *Manager) Stats() Stats {
	return m.acc.Stats()
}

// Close destroys the device.
func (m *Manager) Close() {
	m.acc.Destroy()
}

// run dispatches entry over groups and returns the result buffer contents.
func (m *Manager) run(ctx context.Context, entry string, groups [3]uint32, resultSize uint64, inputs ...[]byte) (out []byte, err error) {
	ctx, span := m.tracer.Start(ctx, "gpu."+entry, trace.WithAttributes(
		attribute.String("gpu.kernel", entry),
		attribute.String("gpu.backend", m.acc.Info().Backend),
		attribute.Int64("gpu.groups.x", int64(groups[0])),
		attribute.Int64("gpu.groups.y", int64(groups[1])),
		attribute.Int64("gpu.result.bytes", int64(resultSize)),
	))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if m.observer != nil {
			m.observer.ObserveKernel(entry, time.Since(start), err)
		}
	}()

	return m.acc.Dispatch(ctx, entry, groups, resultSize, inputs...)
}

// AddU32 adds two unsigned integers on the device, wrapping on overflow.
func (m *Manager) AddU32(ctx context.Context, a, b uint32) (uint32, error) {
	out, err := m.run(ctx, KernelAddU32, [3]uint32{1, 1, 1}, 4, Uint32Bytes(a), Uint32Bytes(b))
	if err != nil {
		return 0, err
	}
	return BytesUint32(out)[0], nil
}

// Add adds two vectors element-wise.
func (m *Manager) Add(ctx context.Context, a, b []float32) ([]float32, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("%w: input length mismatch (%d vs %d)", ErrDimensionMismatch, len(a), len(b))
	}
	if len(a) == 0 {
		return []float32{}, nil
	}

	size := uint64(len(a)) * 4
	out, err := m.run(ctx, KernelAdd, [3]uint32{uint32(len(a)), 1, 1}, size, Float32Bytes(a), Float32Bytes(b))
	if err != nil {
		return nil, err
	}
	return BytesFloat32(out), nil
}

// shape returns rows and columns of a rectangular matrix.
func shape(name string, mat [][]float32) (rows, cols int, err error) {
	rows = len(mat)
	if rows == 0 {
		return 0, 0, nil
	}
	cols = len(mat[0])
	for i, row := range mat {
		if len(row) != cols {
			return 0, 0, fmt.Errorf("%w: %s row %d has %d columns, row 0 has %d", ErrDimensionMismatch, name, i, len(row), cols)
		}
	}
	return rows, cols, nil
}

func flatten(mat [][]float32, rows, cols int) []float32 {
	out := make([]float32, 0, rows*cols)
	for _, row := range mat {
		out = append(out, row...)
	}
	return out
}

// MatrixMultiply computes a × b. The width of a must equal the height of
// b; this is checked before any device work.
func (m *Manager) MatrixMultiply(ctx context.Context, a, b [][]float32) ([][]float32, error) {
	aRows, aCols, err := shape("matrix A", a)
	if err != nil {
		return nil, err
	}
	bRows, bCols, err := shape("matrix B", b)
	if err != nil {
		return nil, err
	}
	if aCols != bRows {
		return nil, fmt.Errorf("%w: matrix A's width (%d) must equal matrix B's height (%d)", ErrDimensionMismatch, aCols, bRows)
	}

	outSize := aRows * bCols
	if outSize == 0 {
		res := make([][]float32, aRows)
		for i := range res {
			res[i] = []float32{}
		}
		return res, nil
	}

	size := uint64(outSize) * 4
	groups := [3]uint32{
		uint32((bCols + TileSize - 1) / TileSize),
		uint32((aRows + TileSize - 1) / TileSize),
		1,
	}
	out, err := m.run(ctx, KernelMatrixMultiply, groups, size,
		Uint32Bytes(uint32(aRows), uint32(aCols)),
		Uint32Bytes(uint32(bRows), uint32(bCols)),
		Float32Bytes(flatten(a, aRows, aCols)),
		Float32Bytes(flatten(b, bRows, bCols)),
	)
	if err != nil {
		return nil, err
	}

	flat := BytesFloat32(out)
	res := make([][]float32, aRows)
	for i := range res {
		res[i] = flat[i*bCols : (i+1)*bCols : (i+1)*bCols]
	}
	return res, nil
}

// VecMatrixMultiply computes v × mat. len(v) must equal the height of mat.
func (m *Manager) VecMatrixMultiply(ctx context.Context, v []float32, mat [][]float32) ([]float32, error) {
	rows, cols, err := shape("matrix", mat)
	if err != nil {
		return nil, err
	}
	if len(v) != rows {
		return nil, fmt.Errorf("%w: vector length (%d) must equal matrix height (%d)", ErrDimensionMismatch, len(v), rows)
	}
	if cols == 0 {
		return []float32{}, nil
	}

	size := uint64(cols) * 4
	groups := [3]uint32{uint32((cols + VecMatWorkgroupSize - 1) / VecMatWorkgroupSize), 1, 1}
	out, err := m.run(ctx, KernelVecMatMultiply, groups, size,
		Float32Bytes(v),
		Uint32Bytes(uint32(rows), uint32(cols)),
		Float32Bytes(flatten(mat, rows, cols)),
	)
	if err != nil {
		return nil, err
	}
	return BytesFloat32(out), nil
}
