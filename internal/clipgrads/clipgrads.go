package clipgrads

import (
	"math"

	"github.com/pkg/errors"

	"github.com/born-ml/dpclip/internal/nn"
	"github.com/born-ml/dpclip/internal/registry"
	"github.com/born-ml/dpclip/internal/tensor"
)

// ErrUnsupportedReduction is returned when clipped gradients are requested
// for a loss with per-example (none) reduction. Per-example reduction
// changes what "the batch gradient" means relative to per-example scaling,
// so the call fails before any incorrect gradient is produced.
var ErrUnsupportedReduction = errors.New("loss reduction 'none' is not supported for clipping")

// clipEpsilon guards the division in the clip-weight formula against zero
// norms. Small enough that clip values down to 1e-6 still clamp to weight 1
// on a zero-norm example.
const clipEpsilon = 1e-9

// ComputeGradientNorms computes the L2 norm of each example's gradient of
// its own loss contribution with respect to all trainable variables, using
// one shared forward/backward pass and the registry's closed-form norm
// functions.
//
// The result has one entry per example, or one per microbatch when
// numMicrobatches > 0 (gradients are then aggregated over contiguous
// groups of batchSize/numMicrobatches examples before norm computation).
func ComputeGradientNorms[B tensor.Backend](
	model *nn.Graph[B],
	reg *registry.Registry[B],
	xBatch []*tensor.Tensor[B],
	yBatch *tensor.Tensor[B],
	numMicrobatches int,
	opts ...Option,
) ([]float64, error) {
	pass, err := RunForwardBackward(model, reg, xBatch, yBatch, numMicrobatches, opts...)
	if err != nil {
		return nil, err
	}
	sqNorms, err := pass.SqrNorms()
	pass.Close()
	if err != nil {
		return nil, err
	}

	// Unregistered layers deferred during the pass get their contribution
	// from the Jacobian reference path, restricted to their variables.
	if len(pass.FallbackVars) > 0 {
		var cfg passConfig
		for _, opt := range opts {
			opt(&cfg)
		}
		only := make(map[*nn.Parameter[B]]bool, len(pass.FallbackVars))
		for _, p := range pass.FallbackVars {
			only[p] = true
		}
		fallbackSq, err := jacobianSqrNorms(model, xBatch, yBatch, numMicrobatches, cfg.sampleWeights, only)
		if err != nil {
			return nil, err
		}
		for i := range sqNorms {
			sqNorms[i] += fallbackSq[i]
		}
	}

	for i, sq := range sqNorms {
		sqNorms[i] = math.Sqrt(sq)
	}
	return sqNorms, nil
}

// SqrNorms evaluates every site's norm function against the pass's
// gradient map and combines the contributions into one squared norm per
// example (or microbatch).
//
// Contributions are collected as explicit (site, contribution) pairs and
// reduced at the end, keyed by the variables each site touches. Distinct
// layers occupy orthogonal parameter subspaces, so their squared norms
// add exactly. Sites sharing variables (a layer invoked several times, or
// driven by several inputs) overlap: for those, per-site norms are summed
// before squaring — the triangle-inequality upper bound on the norm of
// the summed gradient, exact when the per-site contributions are
// colinear.
func (p *PassResult[B]) SqrNorms() ([]float64, error) {
	n := p.BatchSize
	if p.NumMicrobatches > 0 {
		n = p.NumMicrobatches
	}

	type contribution struct {
		site *Site[B]
		sq   []float64
	}
	groups := make(map[*nn.Parameter[B]][]contribution)
	order := make([]*nn.Parameter[B], 0, len(p.Sites))
	for _, site := range p.Sites {
		sq, err := site.Comp.SqrNorm(site.BaseGrads(p.Grads))
		if err != nil {
			return nil, errors.Wrapf(err, "norm function at node %d", site.Node)
		}
		if len(sq) != n {
			return nil, errors.Errorf("norm function at node %d returned %d entries, want %d", site.Node, len(sq), n)
		}
		if len(site.Comp.Vars) == 0 {
			return nil, errors.Errorf("registry computation at node %d reports no variables", site.Node)
		}
		key := site.Comp.Vars[0]
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], contribution{site: site, sq: sq})
	}

	total := make([]float64, n)
	for _, key := range order {
		sites := groups[key]
		if len(sites) == 1 {
			for i, v := range sites[0].sq {
				total[i] += v
			}
			continue
		}
		for i := 0; i < n; i++ {
			sum := 0.0
			for _, c := range sites {
				sum += math.Sqrt(c.sq[i])
			}
			total[i] += sum * sum
		}
	}
	return total, nil
}

// ComputeClipWeights computes the per-example scale factor that bounds
// each example's gradient contribution by clipNorm: weight i is
// min(1, clipNorm/normᵢ), with an epsilon guard on the division, so that
// normᵢ·weightᵢ ≤ clipNorm within floating-point tolerance for clip values
// spanning 1e-6 to 1e6.
//
// A nil clipNorm means no clipping; the result is nil and callers treat
// every weight as 1.
func ComputeClipWeights(clipNorm *float64, norms []float64) []float64 {
	if clipNorm == nil {
		return nil
	}
	weights := make([]float64, len(norms))
	for i, n := range norms {
		weights[i] = math.Min(1, *clipNorm/math.Max(n, clipEpsilon))
	}
	return weights
}

// ComputeClippedGradientsAndOutputs reconstructs the batch gradient with
// every example's contribution clipped to clipNorm, by differentiating the
// clip-weighted loss over the pass's held-open tape: per-example losses
// are reweighted before the batch reduction, then one more backward walk
// yields the per-variable clipped gradients.
//
// The model loss's reduction mode determines the scale of the result: for
// sum reduction the clipped gradient's norm is bounded by clipNorm times
// the batch size (triangle inequality), for the mean-style reductions by
// clipNorm itself. A per-example (none) reduction fails with
// ErrUnsupportedReduction.
//
// The pass must have been run without microbatching and is consumed: its
// tape is released on every return path, including errors.
func ComputeClippedGradientsAndOutputs[B tensor.Backend](
	model *nn.Graph[B],
	pass *PassResult[B],
	clipNorm *float64,
) (clipped []*tensor.RawTensor, outputs *tensor.Tensor[B], norms []float64, err error) {
	defer pass.Close()

	loss := model.Loss()
	if loss == nil {
		return nil, nil, nil, ErrNoLoss
	}
	if loss.Reduction() == nn.ReductionNone {
		return nil, nil, nil, errors.WithStack(ErrUnsupportedReduction)
	}
	if pass.NumMicrobatches != 0 {
		return nil, nil, nil, errors.New("clipping requires a pass without microbatching")
	}
	if len(pass.FallbackVars) > 0 {
		return nil, nil, nil, errors.Wrapf(registry.ErrUnregisteredLayer,
			"clipping requires registry entries for all layers (%d fallback variables)", len(pass.FallbackVars))
	}

	sqNorms, err := pass.SqrNorms()
	if err != nil {
		return nil, nil, nil, err
	}
	norms = sqNorms
	for i, sq := range norms {
		norms[i] = math.Sqrt(sq)
	}
	weights := ComputeClipWeights(clipNorm, norms)

	// Reduction coefficient: the base gradients stem from the summation
	// loss, so mean-style reductions contribute an extra 1/batch.
	coef := 1.0
	if loss.Reduction().IsMeanLike() {
		coef /= float64(pass.BatchSize)
	}
	combined := make([]float64, pass.BatchSize)
	for i := range combined {
		combined[i] = coef
		if weights != nil {
			combined[i] *= weights[i]
		}
	}

	// Weighted loss, recorded on the still-open tape, then the second
	// extraction from the shared backward graph.
	wTensor, err := tensor.FromSlice(combined, tensor.Shape{pass.BatchSize}, pass.Outputs.Backend())
	if err != nil {
		return nil, nil, nil, err
	}
	weightedLoss := pass.PerExampleLoss.Mul(wTensor).Sum()

	seed := tensor.Ones(tensor.Shape{1}, pass.Outputs.Backend())
	grads := pass.tape.Backward(map[*tensor.RawTensor]*tensor.RawTensor{
		weightedLoss.Raw(): seed.Raw(),
	}, pass.backend)

	params := model.Parameters()
	clipped = make([]*tensor.RawTensor, len(params))
	for i, p := range params {
		g := grads[p.Tensor().Raw()]
		if g == nil {
			// Variable untouched by this batch.
			g, err = tensor.NewRaw(p.Tensor().Shape())
			if err != nil {
				return nil, nil, nil, err
			}
		}
		clipped[i] = g
	}

	return clipped, pass.Outputs, norms, nil
}
