// Package cpu implements the CPU backend: pure Go kernels over flat
// float64 buffers, using gonum for the inner loops.
package cpu

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/dpclip/internal/parallel"
	"github.com/born-ml/dpclip/internal/tensor"
)

// CPUBackend implements tensor.Backend on the CPU.
type CPUBackend struct {
	par parallel.Config
}

// New creates a new CPU backend.
func New() *CPUBackend {
	return &CPUBackend{par: parallel.DefaultConfig()}
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return "CPU"
}

// Add performs element-wise addition with NumPy-style broadcasting.
func (cpu *CPUBackend) Add(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.elementwise("add", a, b, func(x, y float64) float64 { return x + y })
}

// Sub performs element-wise subtraction with NumPy-style broadcasting.
func (cpu *CPUBackend) Sub(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.elementwise("sub", a, b, func(x, y float64) float64 { return x - y })
}

// Mul performs element-wise multiplication with NumPy-style broadcasting.
func (cpu *CPUBackend) Mul(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.elementwise("mul", a, b, func(x, y float64) float64 { return x * y })
}

// Div performs element-wise division with NumPy-style broadcasting.
func (cpu *CPUBackend) Div(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.elementwise("div", a, b, func(x, y float64) float64 { return x / y })
}

// MatMul performs 2D matrix multiplication: [m, k] @ [k, n] -> [m, n].
// The right operand is transposed first so every output element is a
// contiguous dot product.
func (cpu *CPUBackend) MatMul(a, b *tensor.RawTensor) *tensor.RawTensor {
	as, bs := a.Shape(), b.Shape()
	if len(as) != 2 || len(bs) != 2 {
		panic(fmt.Sprintf("matmul: expected 2D tensors, got %v @ %v", as, bs))
	}
	if as[1] != bs[0] {
		panic(fmt.Sprintf("matmul: inner dimensions do not match: %v @ %v", as, bs))
	}
	m, k, n := as[0], as[1], bs[1]

	bT := cpu.Transpose(b)
	result := mustNewRaw(tensor.Shape{m, n})
	out := result.Data()
	aData := a.Data()
	bTData := bT.Data()
	parallel.For(m, func(i int) {
		row := aData[i*k : (i+1)*k]
		for j := 0; j < n; j++ {
			out[i*n+j] = floats.Dot(row, bTData[j*k:(j+1)*k])
		}
	}, cpu.par)
	return result
}

// Transpose returns the 2D transpose of t. A 1D tensor is treated as a
// single row, yielding a column.
func (cpu *CPUBackend) Transpose(t *tensor.RawTensor) *tensor.RawTensor {
	s := t.Shape()
	var rows, cols int
	switch len(s) {
	case 1:
		rows, cols = 1, s[0]
	case 2:
		rows, cols = s[0], s[1]
	default:
		panic(fmt.Sprintf("transpose: expected 1D or 2D tensor, got %v", s))
	}

	result := mustNewRaw(tensor.Shape{cols, rows})
	src := t.Data()
	dst := result.Data()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dst[j*rows+i] = src[i*cols+j]
		}
	}
	return result
}

// Reshape returns a tensor viewing the same data under a new shape.
func (cpu *CPUBackend) Reshape(t *tensor.RawTensor, shape tensor.Shape) *tensor.RawTensor {
	return t.WithShape(shape)
}

// MulScalar multiplies every element by a scalar.
func (cpu *CPUBackend) MulScalar(t *tensor.RawTensor, s float64) *tensor.RawTensor {
	result := mustNewRaw(t.Shape())
	floats.ScaleTo(result.Data(), s, t.Data())
	return result
}

// Sum reduces the tensor to its total sum, shape [1].
func (cpu *CPUBackend) Sum(t *tensor.RawTensor) *tensor.RawTensor {
	result := mustNewRaw(tensor.Shape{1})
	result.Data()[0] = floats.Sum(t.Data())
	return result
}

// SumRows reduces trailing axes per leading-axis entry, shape [rows].
func (cpu *CPUBackend) SumRows(t *tensor.RawTensor) *tensor.RawTensor {
	rows := t.Rows()
	result := mustNewRaw(tensor.Shape{rows})
	out := result.Data()
	for i := 0; i < rows; i++ {
		out[i] = floats.Sum(t.Row(i))
	}
	return result
}

// GatherLast selects index i along the last axis:
// [d0, ..., dk, n] -> [d0, ..., dk].
func (cpu *CPUBackend) GatherLast(t *tensor.RawTensor, index int) *tensor.RawTensor {
	s := t.Shape()
	if len(s) < 2 {
		panic(fmt.Sprintf("gatherlast: expected rank >= 2, got %v", s))
	}
	n := s[len(s)-1]
	if index < 0 || index >= n {
		panic(fmt.Sprintf("gatherlast: index %d out of range for last axis %d", index, n))
	}

	result := mustNewRaw(s[:len(s)-1].Clone())
	src := t.Data()
	dst := result.Data()
	for i := range dst {
		dst[i] = src[i*n+index]
	}
	return result
}

// SliceRows returns rows [start, end) of the leading axis.
func (cpu *CPUBackend) SliceRows(t *tensor.RawTensor, start, end int) *tensor.RawTensor {
	s := t.Shape()
	if len(s) < 1 || start < 0 || end > s[0] || start >= end {
		panic(fmt.Sprintf("slicerows: invalid range [%d, %d) for shape %v", start, end, s))
	}
	outShape := s.Clone()
	outShape[0] = end - start
	result := mustNewRaw(outShape)
	size := t.RowSize()
	copy(result.Data(), t.Data()[start*size:end*size])
	return result
}

func mustNewRaw(shape tensor.Shape) *tensor.RawTensor {
	raw, err := tensor.NewRaw(shape)
	if err != nil {
		panic(fmt.Sprintf("cpu: failed to allocate tensor: %v", err))
	}
	return raw
}
