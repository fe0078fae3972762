package tensor

// Backend defines the interface that compute backends must implement.
// Backends handle the actual computation for tensor operations.
//
// Implementations:
//   - cpu: pure Go kernels with float64 accumulation
//   - autodiff: decorator that records operations on a gradient tape
//
// Operations never mutate their inputs; each returns a freshly allocated
// RawTensor (the autodiff tape relies on pointer identity).
type Backend interface {
	// Element-wise binary operations with NumPy-style broadcasting.
	Add(a, b *RawTensor) *RawTensor
	Sub(a, b *RawTensor) *RawTensor
	Mul(a, b *RawTensor) *RawTensor
	Div(a, b *RawTensor) *RawTensor

	// MatMul performs 2D matrix multiplication: [m, k] @ [k, n] -> [m, n].
	MatMul(a, b *RawTensor) *RawTensor

	// Shape operations.
	Transpose(t *RawTensor) *RawTensor           // 2D transpose
	Reshape(t *RawTensor, shape Shape) *RawTensor

	// MulScalar multiplies every element by a scalar.
	MulScalar(t *RawTensor, s float64) *RawTensor

	// Reduction operations.
	Sum(t *RawTensor) *RawTensor     // total sum, shape [1]
	SumRows(t *RawTensor) *RawTensor // per-row sum over trailing axes, shape [rows]

	// GatherLast selects index i along the last axis:
	// [d0, ..., dk, n] -> [d0, ..., dk].
	GatherLast(t *RawTensor, index int) *RawTensor

	// SliceRows returns rows [start, end) of the leading axis.
	SliceRows(t *RawTensor, start, end int) *RawTensor

	// Name returns the backend name.
	Name() string
}
