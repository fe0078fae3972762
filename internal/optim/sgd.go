package optim

import (
	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/dpclip/internal/nn"
	"github.com/born-ml/dpclip/internal/tensor"
)

// SGD implements stochastic gradient descent with optional momentum.
//
// Update rule without momentum:
//
//	param = param - lr * gradient
//
// Update rule with momentum:
//
//	velocity = momentum * velocity + gradient
//	param = param - lr * velocity
type SGD[B tensor.Backend] struct {
	params     []*nn.Parameter[B]
	lr         float64
	momentum   float64
	velocities [][]float64
}

// SGDConfig holds configuration for the SGD optimizer.
type SGDConfig struct {
	LR       float64 // Learning rate (default: 0.01)
	Momentum float64 // Momentum factor (default: 0, range: [0, 1))
}

// NewSGD creates an SGD optimizer over the given parameters.
func NewSGD[B tensor.Backend](params []*nn.Parameter[B], config SGDConfig) *SGD[B] {
	if config.LR == 0 {
		config.LR = 0.01
	}
	return &SGD[B]{
		params:   params,
		lr:       config.LR,
		momentum: config.Momentum,
	}
}

// Step applies one update. Parameters are modified in place; the gradient
// tensors are left untouched.
func (s *SGD[B]) Step(grads []*tensor.RawTensor) error {
	if err := checkGrads(s.params, grads); err != nil {
		return err
	}

	if s.momentum == 0 {
		for i, p := range s.params {
			floats.AddScaled(p.Tensor().Data(), -s.lr, grads[i].Data())
		}
		return nil
	}

	if s.velocities == nil {
		s.velocities = make([][]float64, len(s.params))
		for i, p := range s.params {
			s.velocities[i] = make([]float64, p.Tensor().NumElements())
		}
	}
	for i, p := range s.params {
		v := s.velocities[i]
		floats.Scale(s.momentum, v)
		floats.Add(v, grads[i].Data())
		floats.AddScaled(p.Tensor().Data(), -s.lr, v)
	}
	return nil
}

// LR returns the learning rate.
func (s *SGD[B]) LR() float64 {
	return s.lr
}
