package gpu

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

func newTestManager(t *testing.T, opts ...func(*Config)) *Manager {
	t.Helper()
	cfg := Config{Workers: 4}
	for _, opt := range opts {
		opt(&cfg)
	}
	m, err := NewManager(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func assertMatrix(t *testing.T, got, want [][]float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d rows, want %d", len(got), len(want))
	}
	for i := range want {
		if len(got[i]) != len(want[i]) {
			t.Fatalf("row %d: got %d columns, want %d", i, len(got[i]), len(want[i]))
		}
		for j := range want[i] {
			if got[i][j] != want[i][j] {
				t.Errorf("[%d][%d] = %v, want %v", i, j, got[i][j], want[i][j])
			}
		}
	}
}

func TestNewManager_NoAdapter(t *testing.T) {
	_, err := NewManager(context.Background(), Config{Backend: BackendNone})
	if !errors.Is(err, ErrNoAdapter) {
		t.Fatalf("expected ErrNoAdapter, got %v", err)
	}
}

func TestManager_AddU32(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		a, b, want uint32
	}{
		{2, 3, 5},
		{0, 0, 0},
		{math.MaxUint32, 1, 0},
		{math.MaxUint32, math.MaxUint32, math.MaxUint32 - 1},
	}
	for _, tt := range tests {
		got, err := m.AddU32(ctx, tt.a, tt.b)
		if err != nil {
			t.Fatalf("AddU32(%d, %d) error: %v", tt.a, tt.b, err)
		}
		if got != tt.want {
			t.Errorf("AddU32(%d, %d) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestManager_Add(t *testing.T) {
	m := newTestManager(t)

	got, err := m.Add(context.Background(), []float32{1, 2.5, -3}, []float32{10, 0.5, 3})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	want := []float32{11, 3, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Add()[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	if _, err := m.Add(context.Background(), []float32{1}, []float32{1, 2}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestManager_MatrixMultiply(t *testing.T) {
	m := newTestManager(t)

	got, err := m.MatrixMultiply(context.Background(),
		[][]float32{{1, 2}, {3, 4}},
		[][]float32{{5, 6}, {7, 8}},
	)
	if err != nil {
		t.Fatalf("MatrixMultiply failed: %v", err)
	}
	assertMatrix(t, got, [][]float32{{19, 22}, {43, 50}})
}

func TestManager_MatrixMultiplyNonSquare(t *testing.T) {
	m := newTestManager(t)

	// 2×3 · 3×1
	got, err := m.MatrixMultiply(context.Background(),
		[][]float32{{1, 2, 3}, {4, 5, 6}},
		[][]float32{{1}, {0}, {-1}},
	)
	if err != nil {
		t.Fatalf("MatrixMultiply failed: %v", err)
	}
	assertMatrix(t, got, [][]float32{{-2}, {-2}})
}

func TestManager_MatrixMultiplyDimensionMismatch(t *testing.T) {
	m := newTestManager(t)
	before := m.Stats()

	_, err := m.MatrixMultiply(context.Background(),
		[][]float32{{1, 2}, {3, 4}},
		[][]float32{{1, 2}, {3, 4}, {5, 6}},
	)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}

	after := m.Stats()
	if after.Submissions != before.Submissions || after.BuffersCreated != before.BuffersCreated {
		t.Errorf("dimension check issued device work: before %+v, after %+v", before, after)
	}
}

func TestManager_MatrixMultiplyRagged(t *testing.T) {
	m := newTestManager(t)
	_, err := m.MatrixMultiply(context.Background(),
		[][]float32{{1, 2}, {3}},
		[][]float32{{1}, {2}},
	)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestManager_MatrixMultiplyEmpty(t *testing.T) {
	m := newTestManager(t)
	got, err := m.MatrixMultiply(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("MatrixMultiply(empty) failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %v, want empty", got)
	}
}

func TestManager_MatrixMultiplyLarge(t *testing.T) {
	m := newTestManager(t)

	const rows, inner, cols = 37, 53, 29
	a := make([][]float32, rows)
	for i := range a {
		a[i] = make([]float32, inner)
		for j := range a[i] {
			a[i][j] = float32((i*7+j*3)%11) - 5
		}
	}
	b := make([][]float32, inner)
	for i := range b {
		b[i] = make([]float32, cols)
		for j := range b[i] {
			b[i][j] = float32((i*5+j*2)%13)*0.25 - 1
		}
	}

	got, err := m.MatrixMultiply(context.Background(), a, b)
	if err != nil {
		t.Fatalf("MatrixMultiply failed: %v", err)
	}
	if len(got) != rows {
		t.Fatalf("got %d rows, want %d", len(got), rows)
	}
	for i := 0; i < rows; i++ {
		if len(got[i]) != cols {
			t.Fatalf("row %d: got %d columns, want %d", i, len(got[i]), cols)
		}
		for j := 0; j < cols; j++ {
			var want float64
			for k := 0; k < inner; k++ {
				want += float64(a[i][k]) * float64(b[k][j])
			}
			if math.Abs(float64(got[i][j])-want) > 1e-3 {
				t.Fatalf("[%d][%d] = %v, want %v", i, j, got[i][j], want)
			}
		}
	}
	if m.Stats().Workgroups == 0 {
		t.Error("expected workgroups to be counted")
	}
}

func TestManager_VecMatrixMultiply(t *testing.T) {
	m := newTestManager(t)

	got, err := m.VecMatrixMultiply(context.Background(),
		[]float32{1, 1},
		[][]float32{{1, 2}, {3, 4}},
	)
	if err != nil {
		t.Fatalf("VecMatrixMultiply failed: %v", err)
	}
	if len(got) != 2 || got[0] != 4 || got[1] != 6 {
		t.Errorf("VecMatrixMultiply = %v, want [4 6]", got)
	}

	_, err = m.VecMatrixMultiply(context.Background(), []float32{1, 2, 3}, [][]float32{{1, 2}, {3, 4}})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestManager_VecMatrixMultiplyWide(t *testing.T) {
	m := newTestManager(t)

	const cols = 150
	mat := [][]float32{make([]float32, cols), make([]float32, cols)}
	for j := 0; j < cols; j++ {
		mat[0][j] = float32(j)
		mat[1][j] = 1
	}
	got, err := m.VecMatrixMultiply(context.Background(), []float32{2, 3}, mat)
	if err != nil {
		t.Fatalf("VecMatrixMultiply failed: %v", err)
	}
	for j := 0; j < cols; j++ {
		if want := float32(2*j + 3); got[j] != want {
			t.Fatalf("[%d] = %v, want %v", j, got[j], want)
		}
	}
}

func TestManager_ValidationErrorSurfaced(t *testing.T) {
	m := newTestManager(t)

	// One workgroup per element exceeds the per-dimension dispatch limit.
	n := int(DefaultLimits().MaxComputeWorkgroupsPerDimension) + 10
	a := make([]float32, n)
	_, err := m.Add(context.Background(), a, a)
	if !errors.Is(err, ErrDeviceValidation) {
		t.Fatalf("expected ErrDeviceValidation, got %v", err)
	}

	// The device stays usable afterwards.
	if got, err := m.AddU32(context.Background(), 1, 2); err != nil || got != 3 {
		t.Errorf("AddU32 after validation error = %d, %v", got, err)
	}
}

func TestManager_ClosedDevice(t *testing.T) {
	m := newTestManager(t)
	m.Close()

	_, err := m.AddU32(context.Background(), 1, 2)
	if err == nil {
		t.Fatal("expected an error on a closed device")
	}
}

func TestManager_Concurrent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := m.AddU32(ctx, uint32(i), 100)
			if err != nil {
				errs <- err
				return
			}
			if got != uint32(i)+100 {
				errs <- errors.New("wrong sum")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

type recordingObserver struct {
	mu      sync.Mutex
	kernels []string
	errs    int
}

func (o *recordingObserver) ObserveKernel(kernel string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.kernels = append(o.kernels, kernel)
	if err != nil {
		o.errs++
	}
}

func TestManager_Observer(t *testing.T) {
	obs := &recordingObserver{}
	m := newTestManager(t, func(c *Config) { c.Observer = obs })

	if _, err := m.AddU32(context.Background(), 1, 1); err != nil {
		t.Fatalf("AddU32 failed: %v", err)
	}
	if _, err := m.VecMatrixMultiply(context.Background(), []float32{1}, [][]float32{{2}}); err != nil {
		t.Fatalf("VecMatrixMultiply failed: %v", err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.kernels) != 2 || obs.kernels[0] != KernelAddU32 || obs.kernels[1] != KernelVecMatMultiply {
		t.Errorf("observed %v", obs.kernels)
	}
	if obs.errs != 0 {
		t.Errorf("observed %d errors, want 0", obs.errs)
	}
}
