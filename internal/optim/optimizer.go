// Package optim implements the parameter update rules that consume the
// clipped batch gradients.
//
// Optimizers take the per-variable gradient slice produced by the clipping
// engine (aligned with the model's parameter list) and update parameters
// in place. Adding calibrated noise to the gradients before the update
// happens outside this package.
//
// Example:
//
//	optimizer := optim.NewSGD(model.Parameters(), optim.SGDConfig{LR: 0.01})
//
//	pass, _ := clipgrads.RunForwardBackward(model, reg, xs, y, 0)
//	grads, _, _, err := clipgrads.ComputeClippedGradientsAndOutputs(model, pass, &clipNorm)
//	if err != nil {
//		return err
//	}
//	if err := optimizer.Step(grads); err != nil {
//		return err
//	}
package optim

import (
	"github.com/pkg/errors"

	"github.com/born-ml/dpclip/internal/nn"
	"github.com/born-ml/dpclip/internal/tensor"
)

// Optimizer is the base interface for all update rules.
type Optimizer interface {
	// Step applies one update. grads must be aligned with the parameter
	// list the optimizer was created with, one gradient per parameter.
	Step(grads []*tensor.RawTensor) error

	// LR returns the current learning rate.
	LR() float64
}

// checkGrads validates that grads lines up with params in count and shape.
func checkGrads[B tensor.Backend](params []*nn.Parameter[B], grads []*tensor.RawTensor) error {
	if len(grads) != len(params) {
		return errors.Errorf("got %d gradients for %d parameters", len(grads), len(params))
	}
	for i, g := range grads {
		if g == nil {
			return errors.Errorf("gradient %d (%s) is nil", i, params[i].Name())
		}
		if !g.Shape().Equal(params[i].Tensor().Shape()) {
			return errors.Errorf("gradient %d (%s) has shape %v, parameter has %v",
				i, params[i].Name(), g.Shape(), params[i].Tensor().Shape())
		}
	}
	return nil
}
