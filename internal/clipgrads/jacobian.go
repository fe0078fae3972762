package clipgrads

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"

	"github.com/born-ml/dpclip/internal/nn"
	"github.com/born-ml/dpclip/internal/tensor"
)

// ComputeNormsByJacobian computes the per-example gradient norms the slow
// way: one isolated forward/backward pass per example (or per microbatch
// group), materializing every example's full gradient before reducing it
// to a norm. No registry entries are consulted.
//
// This is the reference the fast path must match within tolerance, and the
// runtime fallback for layer types without a closed-form norm.
func ComputeNormsByJacobian[B tensor.Backend](
	model *nn.Graph[B],
	xBatch []*tensor.Tensor[B],
	yBatch *tensor.Tensor[B],
	numMicrobatches int,
	opts ...Option,
) ([]float64, error) {
	var cfg passConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	sq, err := jacobianSqrNorms(model, xBatch, yBatch, numMicrobatches, cfg.sampleWeights, nil)
	if err != nil {
		return nil, err
	}
	for i, v := range sq {
		sq[i] = math.Sqrt(v)
	}
	return sq, nil
}

// jacobianSqrNorms computes per-example (or per-group) squared gradient
// norms by running the model once per example. When only is non-nil, the
// norm is restricted to the given variables — this is how the fast path
// folds in layers it had to defer.
func jacobianSqrNorms[B tensor.Backend](
	model *nn.Graph[B],
	xBatch []*tensor.Tensor[B],
	yBatch *tensor.Tensor[B],
	numMicrobatches int,
	sampleWeights []float64,
	only map[*nn.Parameter[B]]bool,
) ([]float64, error) {
	if len(xBatch) != model.NumInputs() {
		return nil, errors.Errorf("model expects %d inputs, got %d", model.NumInputs(), len(xBatch))
	}
	loss := model.Loss()
	if loss == nil {
		return nil, ErrNoLoss
	}
	batch := xBatch[0].Shape()[0]
	if numMicrobatches > 0 && batch%numMicrobatches != 0 {
		return nil, errors.Wrapf(ErrIndivisibleBatch, "batch size %d, %d microbatches", batch, numMicrobatches)
	}
	if sampleWeights != nil && len(sampleWeights) != batch {
		return nil, errors.Errorf("sample weights length %d does not match batch size %d", len(sampleWeights), batch)
	}

	backend := model.Backend()
	holder, ok := any(backend).(tapeHolder)
	if !ok {
		return nil, errors.Errorf("backend %s does not record a gradient tape", backend.Name())
	}
	tape := holder.Tape()

	groups := batch
	groupSize := 1
	if numMicrobatches > 0 {
		groups = numMicrobatches
		groupSize = batch / numMicrobatches
	}
	klog.V(2).Infof("jacobian reference pass: batch=%d groups=%d", batch, groups)

	params := model.Parameters()
	sq := make([]float64, groups)
	for m := 0; m < groups; m++ {
		start, end := m*groupSize, (m+1)*groupSize

		tape.Release()
		tape.StartRecording()

		slice := make([]*tensor.Tensor[B], len(xBatch))
		for i, x := range xBatch {
			slice[i] = x.SliceRows(start, end)
		}
		pred := model.Forward(slice...)
		per := loss.PerExample(pred, yBatch.SliceRows(start, end))
		if sampleWeights != nil {
			w, err := tensor.FromSlice(sampleWeights[start:end], tensor.Shape{groupSize}, backend)
			if err != nil {
				tape.Release()
				return nil, err
			}
			per = per.Mul(w)
		}
		groupLoss := per.Sum()
		if numMicrobatches > 0 {
			groupLoss = groupLoss.MulScalar(1 / float64(groupSize))
		}

		seed := tensor.Ones(tensor.Shape{1}, backend)
		grads := tape.Backward(map[*tensor.RawTensor]*tensor.RawTensor{
			groupLoss.Raw(): seed.Raw(),
		}, backend)
		tape.Release()

		for _, p := range params {
			if only != nil && !only[p] {
				continue
			}
			if g := grads[p.Tensor().Raw()]; g != nil {
				sq[m] += floats.Dot(g.Data(), g.Data())
			}
		}
	}
	return sq, nil
}
