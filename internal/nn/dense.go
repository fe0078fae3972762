package nn

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/born-ml/dpclip/internal/tensor"
)

// Dense implements a fully connected layer.
//
// Performs the transformation: y = x @ W.T + b
// where:
//   - x is the input tensor with shape [batch_size, in_features]
//   - W is the weight matrix with shape [out_features, in_features]
//   - b is the bias vector with shape [out_features]
//   - y is the output tensor with shape [batch_size, out_features]
//
// Weights are initialized using Xavier/Glorot uniform initialization,
// biases to zeros.
type Dense[B tensor.Backend] struct {
	inFeatures  int
	outFeatures int
	weight      *Parameter[B] // [out_features, in_features]
	bias        *Parameter[B] // [out_features], nil when disabled
	backend     B
}

// NewDense creates a new Dense layer with a bias term.
func NewDense[B tensor.Backend](inFeatures, outFeatures int, rng *rand.Rand, backend B) *Dense[B] {
	d := NewDenseNoBias(inFeatures, outFeatures, rng, backend)
	d.bias = NewParameter("bias", tensor.Zeros(tensor.Shape{outFeatures}, backend))
	return d
}

// NewDenseNoBias creates a new Dense layer without a bias term.
func NewDenseNoBias[B tensor.Backend](inFeatures, outFeatures int, rng *rand.Rand, backend B) *Dense[B] {
	weight := xavier(inFeatures, outFeatures, rng, backend)
	return &Dense[B]{
		inFeatures:  inFeatures,
		outFeatures: outFeatures,
		weight:      NewParameter("weight", weight),
		backend:     backend,
	}
}

// Forward computes y = x @ W.T + b.
//
// Input shape: [batch_size, in_features]
// Output shape: [batch_size, out_features]
func (d *Dense[B]) Forward(input *tensor.Tensor[B]) *tensor.Tensor[B] {
	inputShape := input.Shape()
	if len(inputShape) != 2 {
		panic(fmt.Sprintf("Dense.Forward: expected 2D input [batch, features], got shape %v", inputShape))
	}
	if inputShape[1] != d.inFeatures {
		panic(fmt.Sprintf("Dense.Forward: expected input with %d features, got %d", d.inFeatures, inputShape[1]))
	}

	// [batch, in] @ [in, out] = [batch, out]
	output := input.MatMul(d.weight.Tensor().Transpose())

	if d.bias != nil {
		// Reshape bias to [1, out] so it broadcasts over the batch.
		output = output.Add(d.bias.Tensor().Reshape(1, d.outFeatures))
	}

	return output
}

// Parameters returns [weight, bias] if bias is present, otherwise [weight].
func (d *Dense[B]) Parameters() []*Parameter[B] {
	if d.bias != nil {
		return []*Parameter[B]{d.weight, d.bias}
	}
	return []*Parameter[B]{d.weight}
}

// Weight returns the weight parameter.
func (d *Dense[B]) Weight() *Parameter[B] {
	return d.weight
}

// Bias returns the bias parameter, or nil when the layer has none.
func (d *Dense[B]) Bias() *Parameter[B] {
	return d.bias
}

// InFeatures returns the input feature count.
func (d *Dense[B]) InFeatures() int {
	return d.inFeatures
}

// OutFeatures returns the output feature count.
func (d *Dense[B]) OutFeatures() int {
	return d.outFeatures
}

// xavier initializes a [out, in] weight matrix with Xavier/Glorot uniform
// values in [-limit, limit], limit = sqrt(6 / (in + out)).
func xavier[B tensor.Backend](inFeatures, outFeatures int, rng *rand.Rand, backend B) *tensor.Tensor[B] {
	limit := math.Sqrt(6.0 / float64(inFeatures+outFeatures))
	t := tensor.Zeros(tensor.Shape{outFeatures, inFeatures}, backend)
	data := t.Data()
	for i := range data {
		data[i] = (2*rng.Float64() - 1) * limit
	}
	return t
}
