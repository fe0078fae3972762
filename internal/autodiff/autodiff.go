// Package autodiff implements reverse-mode automatic differentiation using
// the decorator pattern.
//
// AutodiffBackend wraps any tensor.Backend implementation and records every
// differentiable operation on a GradientTape. Code written against the
// Backend interface (layers, losses, graph execution) is oblivious to
// whether it runs on a plain backend or a recording one.
//
// Usage:
//
//	backend := autodiff.New(cpu.New())
//	tape := backend.Tape()
//	tape.StartRecording()
//	// ... forward pass ...
//	grads := tape.Backward(seeds, backend)
//	tape.Release()
package autodiff

import (
	"github.com/born-ml/dpclip/internal/autodiff/ops"
	"github.com/born-ml/dpclip/internal/tensor"
)

// AutodiffBackend wraps a Backend and adds automatic differentiation.
// It implements the tensor.Backend interface and records operations in a
// GradientTape.
type AutodiffBackend[B tensor.Backend] struct {
	inner B             // Wrapped backend (CPU, ...)
	tape  *GradientTape // Records operations for backpropagation
}

// New creates a new AutodiffBackend wrapping the given backend.
func New[B tensor.Backend](backend B) *AutodiffBackend[B] {
	return &AutodiffBackend[B]{
		inner: backend,
		tape:  NewGradientTape(),
	}
}

// Tape returns the gradient tape for manual control.
func (b *AutodiffBackend[B]) Tape() *GradientTape {
	return b.tape
}

// Inner returns the wrapped backend for direct access.
func (b *AutodiffBackend[B]) Inner() B {
	return b.inner
}

// Name returns the backend name.
func (b *AutodiffBackend[B]) Name() string {
	return "Autodiff(" + b.inner.Name() + ")"
}

// Add performs element-wise addition and records the operation.
func (b *AutodiffBackend[B]) Add(x, y *tensor.RawTensor) *tensor.RawTensor {
	result := b.inner.Add(x, y)
	b.tape.Record(ops.NewAddOp(x, y, result))
	return result
}

// Sub performs element-wise subtraction and records the operation.
func (b *AutodiffBackend[B]) Sub(x, y *tensor.RawTensor) *tensor.RawTensor {
	result := b.inner.Sub(x, y)
	b.tape.Record(ops.NewSubOp(x, y, result))
	return result
}

// Mul performs element-wise multiplication and records the operation.
func (b *AutodiffBackend[B]) Mul(x, y *tensor.RawTensor) *tensor.RawTensor {
	result := b.inner.Mul(x, y)
	b.tape.Record(ops.NewMulOp(x, y, result))
	return result
}

// Div performs element-wise division and records the operation.
func (b *AutodiffBackend[B]) Div(x, y *tensor.RawTensor) *tensor.RawTensor {
	result := b.inner.Div(x, y)
	b.tape.Record(ops.NewDivOp(x, y, result))
	return result
}

// MatMul performs matrix multiplication and records the operation.
func (b *AutodiffBackend[B]) MatMul(x, y *tensor.RawTensor) *tensor.RawTensor {
	result := b.inner.MatMul(x, y)
	b.tape.Record(ops.NewMatMulOp(x, y, result))
	return result
}

// Transpose transposes a tensor and records the operation.
func (b *AutodiffBackend[B]) Transpose(t *tensor.RawTensor) *tensor.RawTensor {
	result := b.inner.Transpose(t)
	b.tape.Record(ops.NewTransposeOp(t, result))
	return result
}

// Reshape reshapes a tensor and records the operation, so gradients flow
// back to the original tensor (e.g. a bias reshaped for broadcasting).
func (b *AutodiffBackend[B]) Reshape(t *tensor.RawTensor, shape tensor.Shape) *tensor.RawTensor {
	result := b.inner.Reshape(t, shape)
	b.tape.Record(ops.NewReshapeOp(t, result))
	return result
}

// MulScalar multiplies by a scalar and records the operation.
func (b *AutodiffBackend[B]) MulScalar(t *tensor.RawTensor, s float64) *tensor.RawTensor {
	result := b.inner.MulScalar(t, s)
	b.tape.Record(ops.NewScaleOp(t, result, s))
	return result
}

// Sum reduces to the total sum and records the operation.
func (b *AutodiffBackend[B]) Sum(t *tensor.RawTensor) *tensor.RawTensor {
	result := b.inner.Sum(t)
	b.tape.Record(ops.NewSumOp(t, result))
	return result
}

// SumRows reduces trailing axes per row and records the operation.
func (b *AutodiffBackend[B]) SumRows(t *tensor.RawTensor) *tensor.RawTensor {
	result := b.inner.SumRows(t)
	b.tape.Record(ops.NewSumRowsOp(t, result))
	return result
}

// GatherLast selects an index along the last axis and records the operation.
func (b *AutodiffBackend[B]) GatherLast(t *tensor.RawTensor, index int) *tensor.RawTensor {
	result := b.inner.GatherLast(t, index)
	b.tape.Record(ops.NewGatherLastOp(t, result, index))
	return result
}

// SliceRows returns rows [start, end) without recording: batch slicing is
// a data-preparation step, not part of the differentiated computation.
func (b *AutodiffBackend[B]) SliceRows(t *tensor.RawTensor, start, end int) *tensor.RawTensor {
	return b.inner.SliceRows(t, start, end)
}
