package optim

import (
	"math"

	"github.com/born-ml/dpclip/internal/nn"
	"github.com/born-ml/dpclip/internal/tensor"
)

// Adam implements the Adam optimizer (adaptive moment estimation).
//
// Update rule:
//
//	m = beta1 * m + (1 - beta1) * g
//	v = beta2 * v + (1 - beta2) * g²
//	m̂ = m / (1 - beta1^t)
//	v̂ = v / (1 - beta2^t)
//	param = param - lr * m̂ / (sqrt(v̂) + eps)
type Adam[B tensor.Backend] struct {
	params []*nn.Parameter[B]
	lr     float64
	beta1  float64
	beta2  float64
	eps    float64
	step   int
	m      [][]float64
	v      [][]float64
}

// AdamConfig holds configuration for the Adam optimizer.
type AdamConfig struct {
	LR    float64 // Learning rate (default: 0.001)
	Beta1 float64 // First-moment decay (default: 0.9)
	Beta2 float64 // Second-moment decay (default: 0.999)
	Eps   float64 // Numerical stability term (default: 1e-8)
}

// NewAdam creates an Adam optimizer over the given parameters.
func NewAdam[B tensor.Backend](params []*nn.Parameter[B], config AdamConfig) *Adam[B] {
	if config.LR == 0 {
		config.LR = 0.001
	}
	if config.Beta1 == 0 {
		config.Beta1 = 0.9
	}
	if config.Beta2 == 0 {
		config.Beta2 = 0.999
	}
	if config.Eps == 0 {
		config.Eps = 1e-8
	}

	a := &Adam[B]{
		params: params,
		lr:     config.LR,
		beta1:  config.Beta1,
		beta2:  config.Beta2,
		eps:    config.Eps,
		m:      make([][]float64, len(params)),
		v:      make([][]float64, len(params)),
	}
	for i, p := range params {
		a.m[i] = make([]float64, p.Tensor().NumElements())
		a.v[i] = make([]float64, p.Tensor().NumElements())
	}
	return a
}

// Step applies one update. Parameters are modified in place; the gradient
// tensors are left untouched.
func (a *Adam[B]) Step(grads []*tensor.RawTensor) error {
	if err := checkGrads(a.params, grads); err != nil {
		return err
	}
	a.step++

	c1 := 1 - math.Pow(a.beta1, float64(a.step))
	c2 := 1 - math.Pow(a.beta2, float64(a.step))

	for i, p := range a.params {
		data := p.Tensor().Data()
		g := grads[i].Data()
		m, v := a.m[i], a.v[i]
		for j := range data {
			m[j] = a.beta1*m[j] + (1-a.beta1)*g[j]
			v[j] = a.beta2*v[j] + (1-a.beta2)*g[j]*g[j]
			mHat := m[j] / c1
			vHat := v[j] / c2
			data[j] -= a.lr * mHat / (math.Sqrt(vHat) + a.eps)
		}
	}
	return nil
}

// LR returns the learning rate.
func (a *Adam[B]) LR() float64 {
	return a.lr
}
