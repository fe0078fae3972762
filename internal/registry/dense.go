package registry

import (
	"gonum.org/v1/gonum/floats"

	"github.com/pkg/errors"

	"github.com/born-ml/dpclip/internal/nn"
	"github.com/born-ml/dpclip/internal/tensor"
)

// DenseComputation is the built-in registry entry for nn.Dense.
//
// For y = x @ W.T + b, the gradient of the summed loss with respect to W
// contributed by example i is the outer product gᵢ xᵢᵀ, where gᵢ is the
// base gradient (∂L/∂yᵢ). Its squared Frobenius norm is ‖gᵢ‖²·‖xᵢ‖², and
// the bias contributes ‖gᵢ‖², so the per-example squared norm is
//
//	‖gᵢ‖² · (‖xᵢ‖² + 1)   with bias
//	‖gᵢ‖² · ‖xᵢ‖²         without
//
// computed directly from the forward inputs and base gradients, without
// materializing any per-example Jacobian.
func DenseComputation[B tensor.Backend](layer nn.Module[B], arg *tensor.Tensor[B], numMicrobatches int) (*Computation[B], error) {
	dense, ok := layer.(*nn.Dense[B])
	if !ok {
		return nil, errors.Errorf("dense computation: expected *nn.Dense, got %T", layer)
	}

	output := dense.Forward(arg)
	input := arg.Raw()
	hasBias := dense.Bias() != nil

	return &Computation[B]{
		Vars:     dense.Parameters(),
		Output:   output,
		BaseVars: []*tensor.RawTensor{output.Raw()},
		SqrNorm: func(baseGrads []*tensor.RawTensor) ([]float64, error) {
			if len(baseGrads) != 1 || baseGrads[0] == nil {
				return nil, errors.New("dense computation: missing base gradient")
			}
			grads := baseGrads[0]
			if numMicrobatches > 0 {
				return denseMicrobatchSqrNorms(grads, input, hasBias, numMicrobatches)
			}
			return denseSqrNorms(grads, input, hasBias), nil
		},
	}, nil
}

// denseSqrNorms computes the closed-form per-example squared norms.
func denseSqrNorms(grads, input *tensor.RawTensor, hasBias bool) []float64 {
	batch := grads.Rows()
	norms := make([]float64, batch)
	for i := 0; i < batch; i++ {
		g := grads.Row(i)
		x := input.Row(i)
		gg := floats.Dot(g, g)
		xx := floats.Dot(x, x)
		norms[i] = gg * xx
		if hasBias {
			norms[i] += gg
		}
	}
	return norms
}

// denseMicrobatchSqrNorms computes squared norms per microbatch: the
// weight gradient of group m is Σᵢ gᵢ xᵢᵀ over the group's examples, so
// the group's squared norm is the squared Frobenius norm of that sum (the
// cross terms matter; summing per-example norms would overestimate).
func denseMicrobatchSqrNorms(grads, input *tensor.RawTensor, hasBias bool, numMicrobatches int) ([]float64, error) {
	batch := grads.Rows()
	if batch%numMicrobatches != 0 {
		return nil, errors.Errorf("dense computation: batch size %d not divisible by %d microbatches", batch, numMicrobatches)
	}
	groupSize := batch / numMicrobatches
	outDim := grads.RowSize()
	inDim := input.RowSize()

	norms := make([]float64, numMicrobatches)
	weightSum := make([]float64, outDim*inDim)
	biasSum := make([]float64, outDim)
	for m := 0; m < numMicrobatches; m++ {
		clear(weightSum)
		clear(biasSum)
		for i := m * groupSize; i < (m+1)*groupSize; i++ {
			g := grads.Row(i)
			x := input.Row(i)
			for a, ga := range g {
				floats.AddScaled(weightSum[a*inDim:(a+1)*inDim], ga, x)
			}
			floats.Add(biasSum, g)
		}
		norms[m] = floats.Dot(weightSum, weightSum)
		if hasBias {
			norms[m] += floats.Dot(biasSum, biasSum)
		}
	}
	return norms, nil
}
