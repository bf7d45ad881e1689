package gpu

import (
	"context"
	"fmt"

	"github.com/fluxorio/ocworker/pkg/fvm"
)

// Host function names exported to programs.
const (
	HostAddU32            = "gpu_add_u32"
	HostAdd               = "gpu_add"
	HostMatrixMultiply    = "gpu_matrix_multiply"
	HostVecMatrixMultiply = "gpu_vec_matrix_multiply"
)

// RegisterHostFunctions exposes the manager's kernels to programs compiled
// against reg.
func RegisterHostFunctions(reg *fvm.Registry, m *Manager) error {
	fns := []fvm.HostFunction{
		{Name: HostAddU32, Arity: 2, Fn: m.hostAddU32},
		{Name: HostAdd, Arity: 2, Fn: m.hostAdd},
		{Name: HostMatrixMultiply, Arity: 2, Fn: m.hostMatrixMultiply},
		{Name: HostVecMatrixMultiply, Arity: 2, Fn: m.hostVecMatrixMultiply},
	}
	for _, fn := range fns {
		if err := reg.Register(fn); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) hostAddU32(ctx context.Context, args []*fvm.Value) (*fvm.Value, error) {
	a, err := args[0].AsInt()
	if err != nil {
		return nil, err
	}
	b, err := args[1].AsInt()
	if err != nil {
		return nil, err
	}
	sum, err := m.AddU32(ctx, uint32(a), uint32(b))
	if err != nil {
		return nil, err
	}
	return fvm.NewIntValue(int64(sum)), nil
}

func (m *Manager) hostAdd(ctx context.Context, args []*fvm.Value) (*fvm.Value, error) {
	a, err := vector(args[0])
	if err != nil {
		return nil, fmt.Errorf("argument a: %w", err)
	}
	b, err := vector(args[1])
	if err != nil {
		return nil, fmt.Errorf("argument b: %w", err)
	}
	sum, err := m.Add(ctx, a, b)
	if err != nil {
		return nil, err
	}
	return fvm.NewFloatArrayValue(widen(sum)), nil
}

func (m *Manager) hostMatrixMultiply(ctx context.Context, args []*fvm.Value) (*fvm.Value, error) {
	a, err := matrix(args[0])
	if err != nil {
		return nil, fmt.Errorf("argument a: %w", err)
	}
	b, err := matrix(args[1])
	if err != nil {
		return nil, fmt.Errorf("argument b: %w", err)
	}
	product, err := m.MatrixMultiply(ctx, a, b)
	if err != nil {
		return nil, err
	}
	rows := make([]*fvm.Value, len(product))
	for i, row := range product {
		rows[i] = fvm.NewFloatArrayValue(widen(row))
	}
	return fvm.NewArrayValue(fvm.NewArrayOf(rows...)), nil
}

func (m *Manager) hostVecMatrixMultiply(ctx context.Context, args []*fvm.Value) (*fvm.Value, error) {
	v, err := vector(args[0])
	if err != nil {
		return nil, fmt.Errorf("argument vector: %w", err)
	}
	mat, err := matrix(args[1])
	if err != nil {
		return nil, fmt.Errorf("argument matrix: %w", err)
	}
	product, err := m.VecMatrixMultiply(ctx, v, mat)
	if err != nil {
		return nil, err
	}
	return fvm.NewFloatArrayValue(widen(product)), nil
}

func vector(v *fvm.Value) ([]float32, error) {
	fs, err := v.AsFloatSlice()
	if err != nil {
		return nil, err
	}
	return narrow(fs), nil
}

func matrix(v *fvm.Value) ([][]float32, error) {
	rows, err := v.AsFloatMatrix()
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(rows))
	for i, row := range rows {
		out[i] = narrow(row)
	}
	return out, nil
}

func narrow(fs []float64) []float32 {
	out := make([]float32, len(fs))
	for i, f := range fs {
		out[i] = float32(f)
	}
	return out
}

func widen(fs []float32) []float64 {
	out := make([]float64, len(fs))
	for i, f := range fs {
		out[i] = float64(f)
	}
	return out
}
