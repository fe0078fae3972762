// Package clipgrads computes per-example gradient norms and clipped
// gradients for differentially private SGD.
//
// The fast path runs one forward pass and one backward pass over the whole
// model graph, extracts each invocation site's base gradients from the
// held-open tape, and evaluates the registry's closed-form norm functions —
// avoiding the per-example backward passes of the Jacobian reference path.
package clipgrads

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/dpclip/internal/autodiff"
	"github.com/born-ml/dpclip/internal/nn"
	"github.com/born-ml/dpclip/internal/registry"
	"github.com/born-ml/dpclip/internal/tensor"
)

// ErrIndivisibleBatch is returned when the batch size is not divisible by
// the requested number of microbatches. The call fails before any gradient
// is computed; truncating or padding would silently change the unit of the
// privacy guarantee.
var ErrIndivisibleBatch = errors.New("batch size not divisible by number of microbatches")

// ErrNoLoss is returned when the model has no loss attached.
var ErrNoLoss = errors.New("model has no loss attached")

// tapeHolder is satisfied by tape-decorated backends.
type tapeHolder interface {
	Tape() *autodiff.GradientTape
}

// Site is one layer invocation during the pass. A layer shared between
// several graph nodes produces one Site per node, all touching the same
// variables.
type Site[B tensor.Backend] struct {
	// Node is the graph node index of this invocation.
	Node int
	// Comp is the registry computation for this invocation.
	Comp *registry.Computation[B]
}

// BaseGrads returns the gradients of the summation loss with respect to
// this site's base variables, extracted from the pass's gradient map.
// Entries are nil when no gradient flowed to the corresponding tensor.
func (s *Site[B]) BaseGrads(grads map[*tensor.RawTensor]*tensor.RawTensor) []*tensor.RawTensor {
	out := make([]*tensor.RawTensor, len(s.Comp.BaseVars))
	for i, bv := range s.Comp.BaseVars {
		out[i] = grads[bv]
	}
	return out
}

// PassResult holds everything one forward/backward pass produced: the
// per-site registry computations, the gradient map of the summation loss
// (the held-open differentiation context, queried once per extraction),
// and the tensors needed for clipped-gradient reconstruction.
//
// The tape stays open until Close is called; Close must run on every exit
// path.
type PassResult[B tensor.Backend] struct {
	// Sites are the registered layer invocations in execution order.
	Sites []*Site[B]
	// Grads maps tensors to gradients of the summation loss.
	Grads map[*tensor.RawTensor]*tensor.RawTensor
	// Outputs is the model output for the batch.
	Outputs *tensor.Tensor[B]
	// PerExampleLoss is the per-example loss vector, shape [batch], still
	// on the tape so further ops (the weighted loss) can extend the graph.
	PerExampleLoss *tensor.Tensor[B]
	// BatchSize is the number of examples in the batch.
	BatchSize int
	// NumMicrobatches is 0 when microbatching is disabled.
	NumMicrobatches int
	// FallbackVars are variables of unregistered layers to be handled by
	// the Jacobian fallback. Empty unless WithJacobianFallback was set.
	FallbackVars []*nn.Parameter[B]

	tape    *autodiff.GradientTape
	backend tensor.Backend
}

// Close releases the tape's recorded graph. Safe to call more than once.
func (p *PassResult[B]) Close() {
	if p.tape != nil {
		p.tape.Release()
		p.tape = nil
	}
}

// Option configures a pass.
type Option func(*passConfig)

type passConfig struct {
	sampleWeights    []float64
	jacobianFallback bool
}

// WithSampleWeights scales each example's loss contribution by the given
// weight before norm computation, matching weighted training losses. The
// slice length must equal the batch size.
func WithSampleWeights(w []float64) Option {
	return func(c *passConfig) { c.sampleWeights = w }
}

// WithJacobianFallback routes layers missing from the registry through the
// per-example Jacobian path instead of failing. The fallback is
// asymptotically slower (one backward pass per example) and exists for
// layer types without a closed-form norm.
func WithJacobianFallback() Option {
	return func(c *passConfig) { c.jacobianFallback = true }
}

// RunForwardBackward executes exactly one forward pass over the model
// graph, routing every parameterized layer through the registry, then one
// backward pass of the summation loss, and returns the held-open result.
//
// The summation loss is the sum of per-example losses (mean within each
// microbatch group when microbatching), independent of the model loss's
// reduction mode: base gradients are therefore per-example quantities, and
// reduction semantics are applied later by the clipping engine.
func RunForwardBackward[B tensor.Backend](
	model *nn.Graph[B],
	reg *registry.Registry[B],
	xBatch []*tensor.Tensor[B],
	yBatch *tensor.Tensor[B],
	numMicrobatches int,
	opts ...Option,
) (*PassResult[B], error) {
	var cfg passConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if len(xBatch) != model.NumInputs() {
		return nil, errors.Errorf("model expects %d inputs, got %d", model.NumInputs(), len(xBatch))
	}
	batch := xBatch[0].Shape()[0]
	for i, x := range xBatch {
		if x.Shape()[0] != batch {
			return nil, errors.Errorf("input %d has batch size %d, want %d", i, x.Shape()[0], batch)
		}
	}
	if numMicrobatches > 0 && batch%numMicrobatches != 0 {
		return nil, errors.Wrapf(ErrIndivisibleBatch, "batch size %d, %d microbatches", batch, numMicrobatches)
	}
	if cfg.sampleWeights != nil && len(cfg.sampleWeights) != batch {
		return nil, errors.Errorf("sample weights length %d does not match batch size %d", len(cfg.sampleWeights), batch)
	}
	loss := model.Loss()
	if loss == nil {
		return nil, ErrNoLoss
	}

	backend := model.Backend()
	holder, ok := any(backend).(tapeHolder)
	if !ok {
		return nil, errors.Errorf("backend %s does not record a gradient tape", backend.Name())
	}
	tape := holder.Tape()
	tape.Release()
	tape.StartRecording()

	result := &PassResult[B]{
		BatchSize:       batch,
		NumMicrobatches: numMicrobatches,
		tape:            tape,
		backend:         backend,
	}

	// Forward pass: one visit per graph node; parameterized layers go
	// through the registry, each visit becoming an independent site.
	slots := make([]*tensor.Tensor[B], model.NumInputs()+len(model.Nodes()))
	copy(slots, xBatch)
	seenFallback := make(map[*nn.Parameter[B]]bool)
	for i, node := range model.Nodes() {
		out, err := runNode(model, reg, result, i, node, slots, &cfg, seenFallback)
		if err != nil {
			tape.Release()
			return nil, err
		}
		slots[model.NumInputs()+i] = out
	}
	result.Outputs = slots[len(slots)-1]

	// Per-example losses, optionally sample-weighted.
	per := loss.PerExample(result.Outputs, yBatch)
	if cfg.sampleWeights != nil {
		w, err := tensor.FromSlice(cfg.sampleWeights, tensor.Shape{batch}, backend)
		if err != nil {
			tape.Release()
			return nil, err
		}
		per = per.Mul(w)
	}
	result.PerExampleLoss = per

	// Summation loss: Σᵢ lᵢ, or Σₘ mean(group m) with microbatching.
	summed := per
	if numMicrobatches > 0 {
		groupSize := batch / numMicrobatches
		summed = per.Reshape(numMicrobatches, groupSize).SumRows().MulScalar(1 / float64(groupSize))
	}
	scalarLoss := summed.Sum()

	klog.V(2).Infof("forward/backward pass: batch=%d microbatches=%d sites=%d ops=%d",
		batch, numMicrobatches, len(result.Sites), tape.NumOps())

	// One backward pass for the whole graph.
	seed := tensor.Ones(tensor.Shape{1}, backend)
	result.Grads = tape.Backward(map[*tensor.RawTensor]*tensor.RawTensor{
		scalarLoss.Raw(): seed.Raw(),
	}, backend)

	return result, nil
}

// runNode evaluates one graph node during the instrumented forward pass.
func runNode[B tensor.Backend](
	model *nn.Graph[B],
	reg *registry.Registry[B],
	result *PassResult[B],
	index int,
	node nn.Node[B],
	slots []*tensor.Tensor[B],
	cfg *passConfig,
	seenFallback map[*nn.Parameter[B]]bool,
) (*tensor.Tensor[B], error) {
	switch node.Kind {
	case nn.NodeLayer:
		arg := slots[node.Args[0]]
		if len(node.Layer.Parameters()) == 0 {
			// Nothing trainable: no norm contribution, plain forward.
			return node.Layer.Forward(arg), nil
		}
		fn, ok := reg.Lookup(node.Layer)
		if !ok {
			if !cfg.jacobianFallback {
				return nil, errors.Wrapf(registry.ErrUnregisteredLayer, "layer %T at node %d", node.Layer, index)
			}
			klog.V(2).Infof("layer %T at node %d unregistered, deferring to Jacobian fallback", node.Layer, index)
			for _, p := range node.Layer.Parameters() {
				if !seenFallback[p] {
					seenFallback[p] = true
					result.FallbackVars = append(result.FallbackVars, p)
				}
			}
			return node.Layer.Forward(arg), nil
		}
		comp, err := fn(node.Layer, arg, result.NumMicrobatches)
		if err != nil {
			return nil, errors.Wrapf(err, "registry computation for %T at node %d", node.Layer, index)
		}
		result.Sites = append(result.Sites, &Site[B]{Node: index, Comp: comp})
		return comp.Output, nil
	case nn.NodeSum:
		out := slots[node.Args[0]]
		for _, a := range node.Args[1:] {
			out = out.Add(slots[a])
		}
		return out, nil
	case nn.NodeSlice:
		return slots[node.Args[0]].GatherLast(node.SliceIndex), nil
	default:
		return nil, errors.Errorf("unknown graph node kind %d", node.Kind)
	}
}
