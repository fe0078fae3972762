// Package nn implements the neural network building blocks the clipping
// subsystem operates on: the Module interface, trainable Parameters, the
// Dense layer, MSE loss with Keras-style reduction modes, and a functional
// Graph model that supports shared layers and multiple inputs.
package nn

import (
	"github.com/born-ml/dpclip/internal/tensor"
)

// Module is the base interface for all neural network components.
//
// Modules are composed into models through a Graph. A module instance may
// be referenced by several graph nodes; each reference is an independent
// invocation site sharing the same parameters.
type Module[B tensor.Backend] interface {
	// Forward computes the output of the module given an input tensor.
	// The input is batch-major: the first axis indexes examples.
	Forward(input *tensor.Tensor[B]) *tensor.Tensor[B]

	// Parameters returns all trainable parameters of this module.
	// Returns an empty slice for modules without trainable parameters.
	Parameters() []*Parameter[B]
}
