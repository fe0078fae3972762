package ops

import (
	"fmt"

	"github.com/born-ml/dpclip/internal/tensor"
)

// TransposeOp represents a 2D transpose: output = t^T.
type TransposeOp struct {
	inputs []*tensor.RawTensor
	output *tensor.RawTensor
}

// NewTransposeOp creates a new TransposeOp.
func NewTransposeOp(t, output *tensor.RawTensor) *TransposeOp {
	return &TransposeOp{inputs: []*tensor.RawTensor{t}, output: output}
}

// Backward transposes the output gradient back.
func (op *TransposeOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	grad := backend.Transpose(outputGrad)
	// A 1D input was promoted to a row; bring the gradient back to 1D.
	if !grad.Shape().Equal(op.inputs[0].Shape()) {
		grad = backend.Reshape(grad, op.inputs[0].Shape())
	}
	return []*tensor.RawTensor{grad}
}

// Inputs returns the input tensor.
func (op *TransposeOp) Inputs() []*tensor.RawTensor { return op.inputs }

// Output returns the transposed tensor.
func (op *TransposeOp) Output() *tensor.RawTensor { return op.output }

// ReshapeOp represents a shape change with identical data.
//
// Reshape must be recorded on the tape: without it, gradients computed for
// the reshaped view would never reach the original tensor (e.g. a bias
// reshaped to [1, n] for broadcasting).
type ReshapeOp struct {
	inputs []*tensor.RawTensor
	output *tensor.RawTensor
}

// NewReshapeOp creates a new ReshapeOp.
func NewReshapeOp(t, output *tensor.RawTensor) *ReshapeOp {
	return &ReshapeOp{inputs: []*tensor.RawTensor{t}, output: output}
}

// Backward reshapes the output gradient to the input shape.
func (op *ReshapeOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.Reshape(outputGrad, op.inputs[0].Shape())}
}

// Inputs returns the input tensor.
func (op *ReshapeOp) Inputs() []*tensor.RawTensor { return op.inputs }

// Output returns the reshaped tensor.
func (op *ReshapeOp) Output() *tensor.RawTensor { return op.output }

// GatherLastOp represents selecting one index along the last axis.
type GatherLastOp struct {
	inputs []*tensor.RawTensor
	output *tensor.RawTensor
	index  int
}

// NewGatherLastOp creates a new GatherLastOp.
func NewGatherLastOp(t, output *tensor.RawTensor, index int) *GatherLastOp {
	return &GatherLastOp{inputs: []*tensor.RawTensor{t}, output: output, index: index}
}

// Backward scatters the output gradient back into the selected index; all
// other positions along the last axis receive zero.
func (op *GatherLastOp) Backward(outputGrad *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	in := op.inputs[0]
	grad, err := tensor.NewRaw(in.Shape())
	if err != nil {
		panic(fmt.Sprintf("gatherlast backward: %v", err))
	}
	n := in.Shape()[len(in.Shape())-1]
	src := outputGrad.Data()
	dst := grad.Data()
	for i := range src {
		dst[i*n+op.index] = src[i]
	}
	return []*tensor.RawTensor{grad}
}

// Inputs returns the input tensor.
func (op *GatherLastOp) Inputs() []*tensor.RawTensor { return op.inputs }

// Output returns the gathered tensor.
func (op *GatherLastOp) Output() *tensor.RawTensor { return op.output }
