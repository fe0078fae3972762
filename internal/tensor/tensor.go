package tensor

import "fmt"

// Tensor is a typed tensor bound to a backend B.
// It is a thin convenience wrapper over RawTensor; all computation is
// delegated to the backend so that a tape-decorated backend sees every
// operation.
//
// Example:
//
//	backend := cpu.New()
//	x := tensor.Zeros(tensor.Shape{3, 4}, backend)
//	y := x.Add(x)
type Tensor[B Backend] struct {
	raw     *RawTensor
	backend B
}

// New creates a Tensor from a RawTensor and backend.
func New[B Backend](raw *RawTensor, b B) *Tensor[B] {
	return &Tensor[B]{raw: raw, backend: b}
}

// FromSlice creates a tensor from a Go slice.
// The slice is copied into the tensor's memory.
func FromSlice[B Backend](data []float64, shape Shape, b B) (*Tensor[B], error) {
	raw, err := RawFromData(data, shape)
	if err != nil {
		return nil, err
	}
	return New(raw, b), nil
}

// Shape returns the tensor's shape.
func (t *Tensor[B]) Shape() Shape {
	return t.raw.Shape()
}

// NumElements returns the total number of elements.
func (t *Tensor[B]) NumElements() int {
	return t.raw.NumElements()
}

// Raw returns the underlying RawTensor.
func (t *Tensor[B]) Raw() *RawTensor {
	return t.raw
}

// Backend returns the computation backend.
func (t *Tensor[B]) Backend() B {
	return t.backend
}

// Data returns the underlying buffer.
func (t *Tensor[B]) Data() []float64 {
	return t.raw.Data()
}

// Add performs element-wise addition with broadcasting.
func (t *Tensor[B]) Add(other *Tensor[B]) *Tensor[B] {
	return New(t.backend.Add(t.raw, other.raw), t.backend)
}

// Sub performs element-wise subtraction with broadcasting.
func (t *Tensor[B]) Sub(other *Tensor[B]) *Tensor[B] {
	return New(t.backend.Sub(t.raw, other.raw), t.backend)
}

// Mul performs element-wise multiplication with broadcasting.
func (t *Tensor[B]) Mul(other *Tensor[B]) *Tensor[B] {
	return New(t.backend.Mul(t.raw, other.raw), t.backend)
}

// Div performs element-wise division with broadcasting.
func (t *Tensor[B]) Div(other *Tensor[B]) *Tensor[B] {
	return New(t.backend.Div(t.raw, other.raw), t.backend)
}

// MatMul performs 2D matrix multiplication.
func (t *Tensor[B]) MatMul(other *Tensor[B]) *Tensor[B] {
	return New(t.backend.MatMul(t.raw, other.raw), t.backend)
}

// Transpose returns the 2D transpose.
func (t *Tensor[B]) Transpose() *Tensor[B] {
	return New(t.backend.Transpose(t.raw), t.backend)
}

// Reshape returns a tensor with the same data under a new shape.
func (t *Tensor[B]) Reshape(dims ...int) *Tensor[B] {
	return New(t.backend.Reshape(t.raw, Shape(dims)), t.backend)
}

// MulScalar multiplies every element by a scalar.
func (t *Tensor[B]) MulScalar(s float64) *Tensor[B] {
	return New(t.backend.MulScalar(t.raw, s), t.backend)
}

// Sum reduces the tensor to its total sum, shape [1].
func (t *Tensor[B]) Sum() *Tensor[B] {
	return New(t.backend.Sum(t.raw), t.backend)
}

// SumRows reduces trailing axes per leading-axis entry, shape [rows].
func (t *Tensor[B]) SumRows() *Tensor[B] {
	return New(t.backend.SumRows(t.raw), t.backend)
}

// GatherLast selects index i along the last axis.
func (t *Tensor[B]) GatherLast(index int) *Tensor[B] {
	return New(t.backend.GatherLast(t.raw, index), t.backend)
}

// SliceRows returns rows [start, end) of the leading axis.
func (t *Tensor[B]) SliceRows(start, end int) *Tensor[B] {
	return New(t.backend.SliceRows(t.raw, start, end), t.backend)
}

// Clone returns a deep copy bound to the same backend.
func (t *Tensor[B]) Clone() *Tensor[B] {
	return New(t.raw.Clone(), t.backend)
}

// String returns a compact description for debugging.
func (t *Tensor[B]) String() string {
	return fmt.Sprintf("Tensor(shape=%v, backend=%s)", t.Shape(), t.backend.Name())
}
