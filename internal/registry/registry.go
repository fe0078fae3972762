// Package registry maps layer types to closed-form per-example
// gradient-norm computations.
//
// Layer-type-specific behavior is selected by exact-type lookup rather
// than through the layer interface itself: a ComputeFunc both performs the
// layer's forward pass (on a recording backend) and returns a function
// that turns the layer's base gradients into per-example squared norms.
// Composite layers compose entries explicitly by invoking sub-layer
// entries and summing the returned squared norms.
package registry

import (
	"reflect"

	"github.com/pkg/errors"

	"github.com/born-ml/dpclip/internal/nn"
	"github.com/born-ml/dpclip/internal/tensor"
)

// ErrUnregisteredLayer is returned when a layer with trainable parameters
// has no registry entry and no fallback is available. Silently skipping
// such a layer would corrupt the per-example norms.
var ErrUnregisteredLayer = errors.New("layer type not found in registry")

// Computation is the result of running a layer's ComputeFunc at one
// invocation site.
type Computation[B tensor.Backend] struct {
	// Vars are the trainable variables this site touches.
	Vars []*nn.Parameter[B]

	// Output is the site's forward output, wired into the rest of the
	// model graph.
	Output *tensor.Tensor[B]

	// BaseVars are the tensors whose gradients SqrNorm consumes, in the
	// order SqrNorm expects them. For a plain dense layer this is just the
	// layer output; composite entries list one per sub-entry.
	BaseVars []*tensor.RawTensor

	// SqrNorm maps the base gradients (aligned with BaseVars) to this
	// site's per-example squared gradient norms. With microbatching the
	// result has one entry per microbatch instead.
	SqrNorm func(baseGrads []*tensor.RawTensor) ([]float64, error)
}

// ComputeFunc performs a registered layer's forward pass at one invocation
// site and describes how to obtain its per-example squared gradient norms.
// numMicrobatches is 0 when microbatching is disabled.
type ComputeFunc[B tensor.Backend] func(layer nn.Module[B], arg *tensor.Tensor[B], numMicrobatches int) (*Computation[B], error)

// Registry maps exact layer types to ComputeFuncs. There is no inheritance
// fallback: a type is either registered or it is not.
type Registry[B tensor.Backend] struct {
	entries map[reflect.Type]ComputeFunc[B]
}

// New creates an empty registry.
func New[B tensor.Backend]() *Registry[B] {
	return &Registry[B]{entries: make(map[reflect.Type]ComputeFunc[B])}
}

// Default creates a registry holding the built-in entries (currently the
// dense layer).
func Default[B tensor.Backend]() *Registry[B] {
	r := New[B]()
	r.Insert(reflect.TypeOf((*nn.Dense[B])(nil)), DenseComputation[B])
	return r
}

// Insert adds or overrides the entry for a layer type.
func (r *Registry[B]) Insert(layerType reflect.Type, fn ComputeFunc[B]) {
	r.entries[layerType] = fn
}

// Lookup returns the entry for the exact type of the given layer instance.
func (r *Registry[B]) Lookup(layer nn.Module[B]) (ComputeFunc[B], bool) {
	fn, ok := r.entries[reflect.TypeOf(layer)]
	return fn, ok
}
