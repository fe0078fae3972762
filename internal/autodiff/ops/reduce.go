package ops

import (
	"fmt"

	"github.com/born-ml/dpclip/internal/tensor"
)

// ScaleOp represents multiplication by a scalar constant: output = s * t.
type ScaleOp struct {
	inputs []*tensor.RawTensor
	output *tensor.RawTensor
	scalar float64
}

// NewScaleOp creates a new ScaleOp.
func NewScaleOp(t, output *tensor.RawTensor, scalar float64) *ScaleOp {
	return &ScaleOp{inputs: []*tensor.RawTensor{t}, output: output, scalar: scalar}
}

// Backward scales the output gradient by the same constant.
func (op *ScaleOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.MulScalar(outputGrad, op.scalar)}
}

// Inputs returns the input tensor.
func (op *ScaleOp) Inputs() []*tensor.RawTensor { return op.inputs }

// Output returns the scaled tensor.
func (op *ScaleOp) Output() *tensor.RawTensor { return op.output }

// SumOp represents a full reduction to a single element: output = Σ t.
type SumOp struct {
	inputs []*tensor.RawTensor
	output *tensor.RawTensor
}

// NewSumOp creates a new SumOp.
func NewSumOp(t, output *tensor.RawTensor) *SumOp {
	return &SumOp{inputs: []*tensor.RawTensor{t}, output: output}
}

// Backward broadcasts the scalar output gradient over the input shape.
func (op *SumOp) Backward(outputGrad *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	in := op.inputs[0]
	grad, err := tensor.NewRaw(in.Shape())
	if err != nil {
		panic(fmt.Sprintf("sum backward: %v", err))
	}
	g := outputGrad.Data()[0]
	dst := grad.Data()
	for i := range dst {
		dst[i] = g
	}
	return []*tensor.RawTensor{grad}
}

// Inputs returns the input tensor.
func (op *SumOp) Inputs() []*tensor.RawTensor { return op.inputs }

// Output returns the sum, shape [1].
func (op *SumOp) Output() *tensor.RawTensor { return op.output }

// SumRowsOp represents a per-row reduction over trailing axes:
// output[i] = Σ t[i, ...].
type SumRowsOp struct {
	inputs []*tensor.RawTensor
	output *tensor.RawTensor
}

// NewSumRowsOp creates a new SumRowsOp.
func NewSumRowsOp(t, output *tensor.RawTensor) *SumRowsOp {
	return &SumRowsOp{inputs: []*tensor.RawTensor{t}, output: output}
}

// Backward broadcasts each row's output gradient across that row.
func (op *SumRowsOp) Backward(outputGrad *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	in := op.inputs[0]
	grad, err := tensor.NewRaw(in.Shape())
	if err != nil {
		panic(fmt.Sprintf("sumrows backward: %v", err))
	}
	rows := in.Rows()
	size := in.RowSize()
	src := outputGrad.Data()
	dst := grad.Data()
	for i := 0; i < rows; i++ {
		row := dst[i*size : (i+1)*size]
		for j := range row {
			row[j] = src[i]
		}
	}
	return []*tensor.RawTensor{grad}
}

// Inputs returns the input tensor.
func (op *SumRowsOp) Inputs() []*tensor.RawTensor { return op.inputs }

// Output returns the per-row sums, shape [rows].
func (op *SumRowsOp) Output() *tensor.RawTensor { return op.output }
