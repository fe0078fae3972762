// Package ops defines the differentiable operation records used by the
// gradient tape.
//
// Each operation captures its input and output RawTensors during the
// forward pass and knows how to turn an output gradient into input
// gradients during the backward pass.
package ops

import "github.com/born-ml/dpclip/internal/tensor"

// Operation represents a differentiable operation in the computation graph.
type Operation interface {
	// Backward computes gradients for inputs given the output gradient.
	// Returns a slice of gradients corresponding to each input tensor;
	// a nil entry means no gradient flows to that input.
	Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor

	// Inputs returns the input tensors for this operation.
	Inputs() []*tensor.RawTensor

	// Output returns the output tensor produced by this operation.
	Output() *tensor.RawTensor
}
