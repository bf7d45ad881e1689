package gpu

// BindingSpec is a storage binding a kernel reads or writes.
type BindingSpec struct {
	Binding  uint32
	ReadOnly bool
}

// Kernel is a compute entry point. Run executes one workgroup; it calls
// Workgroup.Invocations once per barrier-delimited phase.
type Kernel interface {
	Name() string
	WorkgroupSize() [3]uint32
	Bindings() []BindingSpec
	Run(wg *Workgroup)
}

// Invocation identifies one invocation inside a workgroup.
type Invocation struct {
	LocalID    [3]uint32
	GlobalID   [3]uint32
	LocalIndex int
}

// Workgroup is the unit of parallel execution.
type Workgroup struct {
	ID       [3]uint32
	Size     [3]uint32
	bindings *Bindings
}

// Bindings returns the dispatch's bind group.
func (wg *Workgroup) Bindings() *Bindings {
	return wg.bindings
}

// NumInvocations returns the number of invocations in the workgroup.
func (wg *Workgroup) NumInvocations() int {
	return int(wg.Size[0] * wg.Size[1] * wg.Size[2])
}

// Invocations runs fn for every invocation of the workgroup. Returning
// from Invocations is a workgroup barrier: every invocation finished the
// phase before any starts the next.
func (wg *Workgroup) Invocations(fn func(inv Invocation)) {
	idx := 0
	for z := uint32(0); z < wg.Size[2]; z++ {
		for y := uint32(0); y < wg.Size[1]; y++ {
			for x := uint32(0); x < wg.Size[0]; x++ {
				fn(Invocation{
					LocalID: [3]uint32{x, y, z},
					GlobalID: [3]uint32{
						wg.ID[0]*wg.Size[0] + x,
						wg.ID[1]*wg.Size[1] + y,
						wg.ID[2]*wg.Size[2] + z,
					},
					LocalIndex: idx,
				})
				idx++
			}
		}
	}
}

// Entry points of the built-in kernel module.
const (
	KernelAddU32         = "add_u32"
	KernelAdd            = "add"
	KernelMatrixMultiply = "matrix_multiply"
	KernelVecMatMultiply = "vector_matrix_multiply"
)

const (
	// TileSize is the edge of the square tiles matrix_multiply stages in
	// workgroup memory.
	TileSize = 16

	// VecMatWorkgroupSize is the workgroup width of vector_matrix_multiply.
	VecMatWorkgroupSize = 64
)

// Kernels returns the built-in kernel module.
func Kernels() []Kernel {
	return []Kernel{addU32Kernel{}, addKernel{}, matMulKernel{}, vecMatKernel{}}
}

// lastWritable builds specs where only the final binding is read_write.
func lastWritable(bindings ...uint32) []BindingSpec {
	specs := make([]BindingSpec, len(bindings))
	for i, b := range bindings {
		specs[i] = BindingSpec{Binding: b, ReadOnly: i != len(bindings)-1}
	}
	return specs
}

// add_u32: result = a + b, wrapping.
type addU32Kernel struct{}

func (addU32Kernel) Name() string             { return KernelAddU32 }
func (addU32Kernel) WorkgroupSize() [3]uint32 { return [3]uint32{1, 1, 1} }
func (addU32Kernel) Bindings() []BindingSpec  { return lastWritable(0, 1, 2) }

func (addU32Kernel) Run(wg *Workgroup) {
	b := wg.Bindings()
	wg.Invocations(func(inv Invocation) {
		b.StoreU32(2, 0, b.U32(0, 0)+b.U32(1, 0))
	})
}

// add: result[i] = a[i] + b[i], one invocation per element.
type addKernel struct{}

func (addKernel) Name() string             { return KernelAdd }
func (addKernel) WorkgroupSize() [3]uint32 { return [3]uint32{1, 1, 1} }
func (addKernel) Bindings() []BindingSpec  { return lastWritable(3, 4, 5) }

func (addKernel) Run(wg *Workgroup) {
	b := wg.Bindings()
	wg.Invocations(func(inv Invocation) {
		i := inv.GlobalID[0]
		b.StoreF32(5, i, b.F32(3, i)+b.F32(4, i))
	})
}

// matrix_multiply: tiled product of an m×k and a k×n row-major matrix.
// Headers (bindings 6, 7) hold {rows, cols}.
type matMulKernel struct{}

func (matMulKernel) Name() string             { return KernelMatrixMultiply }
func (matMulKernel) WorkgroupSize() [3]uint32 { return [3]uint32{TileSize, TileSize, 1} }
func (matMulKernel) Bindings() []BindingSpec  { return lastWritable(6, 7, 8, 9, 10) }

func (matMulKernel) Run(wg *Workgroup) {
	b := wg.Bindings()
	m := b.U32(6, 0)
	k := b.U32(6, 1)
	n := b.U32(7, 1)

	// workgroup memory
	var tileA, tileB [TileSize][TileSize]float32
	// per-invocation registers
	var sum [TileSize * TileSize]float32

	tiles := (k + TileSize - 1) / TileSize
	for t := uint32(0); t < tiles; t++ {
		wg.Invocations(func(inv Invocation) {
			row, col := inv.GlobalID[1], inv.GlobalID[0]
			lr, lc := inv.LocalID[1], inv.LocalID[0]
			tiledCol := t*TileSize + lc
			tiledRow := t*TileSize + lr

			if tiledCol < k && row < m {
				tileA[lr][lc] = b.F32(8, row*k+tiledCol)
			} else {
				tileA[lr][lc] = 0
			}
			if tiledRow < k && col < n {
				tileB[lr][lc] = b.F32(9, tiledRow*n+col)
			} else {
				tileB[lr][lc] = 0
			}
		})

		wg.Invocations(func(inv Invocation) {
			lr, lc := inv.LocalID[1], inv.LocalID[0]
			acc := sum[inv.LocalIndex]
			for i := 0; i < TileSize; i++ {
				acc = acc + float32(tileA[lr][i]*tileB[i][lc])
			}
			sum[inv.LocalIndex] = acc
		})
	}

	wg.Invocations(func(inv Invocation) {
		row, col := inv.GlobalID[1], inv.GlobalID[0]
		if row < m && col < n {
			b.StoreF32(10, row*n+col, sum[inv.LocalIndex])
		}
	})
}

// vector_matrix_multiply: result[j] = sum_i v[i] * M[i][j]. Header
// (binding 12) holds {rows, cols}; lanes past cols exit.
type vecMatKernel struct{}

func (vecMatKernel) Name() string             { return KernelVecMatMultiply }
func (vecMatKernel) WorkgroupSize() [3]uint32 { return [3]uint32{VecMatWorkgroupSize, 1, 1} }
func (vecMatKernel) Bindings() []BindingSpec  { return lastWritable(11, 12, 13, 14) }

func (vecMatKernel) Run(wg *Workgroup) {
	b := wg.Bindings()
	rows := b.U32(12, 0)
	cols := b.U32(12, 1)

	wg.Invocations(func(inv Invocation) {
		col := inv.GlobalID[0]
		if col >= cols {
			return
		}
		var sum float32
		for row := uint32(0); row < rows; row++ {
			sum = sum + float32(b.F32(11, row)*b.F32(13, col+row*cols))
		}
		b.StoreF32(14, col, sum)
	})
}
