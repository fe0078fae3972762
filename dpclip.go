// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package dpclip provides fast per-example gradient-norm computation and
// L2 gradient clipping for differentially private SGD.
//
// For each example in a training batch, the package computes the L2 norm
// of that example's gradient with respect to all model parameters, then
// rescales gradients so no single example's contribution exceeds a
// configured bound. The fast path uses a registry of closed-form,
// layer-specific norm formulas evaluated against a single shared backward
// pass; a generic per-example Jacobian path serves as reference and
// fallback.
//
// A typical training step:
//
//	backend := dpclip.NewBackend()
//	reg := dpclip.DefaultRegistry[*dpclip.ClipBackend]()
//
//	pass, err := dpclip.RunForwardBackward(model, reg, xBatch, yBatch, 0)
//	if err != nil {
//		return err
//	}
//	clipNorm := 1.0
//	grads, outputs, norms, err := dpclip.ComputeClippedGradientsAndOutputs(model, pass, &clipNorm)
//	if err != nil {
//		return err
//	}
//	err = optimizer.Step(grads)
//
// This package only clips; adding calibrated noise to the clipped
// gradients is a separate concern.
package dpclip

import (
	"math/rand"

	"github.com/born-ml/dpclip/internal/autodiff"
	"github.com/born-ml/dpclip/internal/backend/cpu"
	"github.com/born-ml/dpclip/internal/clipgrads"
	"github.com/born-ml/dpclip/internal/nn"
	"github.com/born-ml/dpclip/internal/optim"
	"github.com/born-ml/dpclip/internal/registry"
	"github.com/born-ml/dpclip/internal/tensor"
)

// Core tensor types.

// Shape represents the dimensions of a tensor.
type Shape = tensor.Shape

// RawTensor is the low-level tensor representation.
type RawTensor = tensor.RawTensor

// Backend is the compute backend interface.
type Backend = tensor.Backend

// Tensor is a typed tensor bound to a backend.
type Tensor[B tensor.Backend] = tensor.Tensor[B]

// ClipBackend is the default backend: a gradient tape recording over CPU
// kernels.
type ClipBackend = autodiff.AutodiffBackend[*cpu.CPUBackend]

// NewBackend creates the default tape-recording CPU backend.
func NewBackend() *ClipBackend {
	return autodiff.New(cpu.New())
}

// Model building blocks.

// Module is the base interface for neural network components.
type Module[B tensor.Backend] = nn.Module[B]

// Parameter is a trainable parameter.
type Parameter[B tensor.Backend] = nn.Parameter[B]

// Dense is a fully connected layer.
type Dense[B tensor.Backend] = nn.Dense[B]

// Graph is a functional model supporting shared layers and multiple inputs.
type Graph[B tensor.Backend] = nn.Graph[B]

// MSE is mean squared error with a configurable reduction.
type MSE[B tensor.Backend] = nn.MSE[B]

// Reduction describes how a loss collapses per-example losses.
type Reduction = nn.Reduction

// Reduction modes.
const (
	ReductionAuto             = nn.ReductionAuto
	ReductionSumOverBatchSize = nn.ReductionSumOverBatchSize
	ReductionSum              = nn.ReductionSum
	ReductionNone             = nn.ReductionNone
)

// FromSlice creates a tensor from a Go slice.
func FromSlice[B tensor.Backend](data []float64, shape Shape, b B) (*Tensor[B], error) {
	return tensor.FromSlice(data, shape, b)
}

// NewGraph creates a graph model with the given number of inputs.
func NewGraph[B tensor.Backend](numInputs int, backend B) *Graph[B] {
	return nn.NewGraph(numInputs, backend)
}

// NewDense creates a fully connected layer with a bias term.
func NewDense[B tensor.Backend](inFeatures, outFeatures int, rng *rand.Rand, backend B) *Dense[B] {
	return nn.NewDense(inFeatures, outFeatures, rng, backend)
}

// NewDenseNoBias creates a fully connected layer without a bias term.
func NewDenseNoBias[B tensor.Backend](inFeatures, outFeatures int, rng *rand.Rand, backend B) *Dense[B] {
	return nn.NewDenseNoBias(inFeatures, outFeatures, rng, backend)
}

// NewMSE creates an MSE loss with the given reduction mode.
func NewMSE[B tensor.Backend](reduction Reduction) *MSE[B] {
	return nn.NewMSE[B](reduction)
}

// Optimizers.

// Optimizer applies clipped gradients to model parameters.
type Optimizer = optim.Optimizer

// SGDConfig configures the SGD optimizer.
type SGDConfig = optim.SGDConfig

// AdamConfig configures the Adam optimizer.
type AdamConfig = optim.AdamConfig

// NewSGD creates an SGD optimizer over the given parameters.
func NewSGD[B tensor.Backend](params []*Parameter[B], config SGDConfig) Optimizer {
	return optim.NewSGD(params, config)
}

// NewAdam creates an Adam optimizer over the given parameters.
func NewAdam[B tensor.Backend](params []*Parameter[B], config AdamConfig) Optimizer {
	return optim.NewAdam(params, config)
}

// Registry machinery.

// Registry maps layer types to closed-form norm computations.
type Registry[B tensor.Backend] = registry.Registry[B]

// Computation is the per-invocation-site result of a registry function.
type Computation[B tensor.Backend] = registry.Computation[B]

// ComputeFunc is a registry entry.
type ComputeFunc[B tensor.Backend] = registry.ComputeFunc[B]

// DefaultRegistry creates a registry with the built-in entries.
func DefaultRegistry[B tensor.Backend]() *Registry[B] {
	return registry.Default[B]()
}

// Clipping API.

// PassResult is the held-open result of one forward/backward pass.
type PassResult[B tensor.Backend] = clipgrads.PassResult[B]

// Option configures a pass.
type Option = clipgrads.Option

// Errors surfaced by the clipping API.
var (
	ErrUnsupportedReduction = clipgrads.ErrUnsupportedReduction
	ErrIndivisibleBatch     = clipgrads.ErrIndivisibleBatch
	ErrUnregisteredLayer    = registry.ErrUnregisteredLayer
)

// WithSampleWeights scales each example's loss contribution.
func WithSampleWeights(w []float64) Option {
	return clipgrads.WithSampleWeights(w)
}

// WithJacobianFallback routes unregistered layers through the Jacobian path.
func WithJacobianFallback() Option {
	return clipgrads.WithJacobianFallback()
}

// RunForwardBackward executes one instrumented forward/backward pass over
// the model and returns the held-open result for norm extraction and
// clipping. The caller owns the result and must Close it (the clipping
// call does this itself).
func RunForwardBackward[B tensor.Backend](
	model *Graph[B],
	reg *Registry[B],
	xBatch []*Tensor[B],
	yBatch *Tensor[B],
	numMicrobatches int,
	opts ...Option,
) (*PassResult[B], error) {
	return clipgrads.RunForwardBackward(model, reg, xBatch, yBatch, numMicrobatches, opts...)
}

// ComputeGradientNorms computes each example's (or microbatch's) gradient
// L2 norm using the fast registry path.
func ComputeGradientNorms[B tensor.Backend](
	model *Graph[B],
	reg *Registry[B],
	xBatch []*Tensor[B],
	yBatch *Tensor[B],
	numMicrobatches int,
	opts ...Option,
) ([]float64, error) {
	return clipgrads.ComputeGradientNorms(model, reg, xBatch, yBatch, numMicrobatches, opts...)
}

// ComputeNormsByJacobian computes the same norms via explicit per-example
// Jacobians — the slow reference path.
func ComputeNormsByJacobian[B tensor.Backend](
	model *Graph[B],
	xBatch []*Tensor[B],
	yBatch *Tensor[B],
	numMicrobatches int,
	opts ...Option,
) ([]float64, error) {
	return clipgrads.ComputeNormsByJacobian(model, xBatch, yBatch, numMicrobatches, opts...)
}

// ComputeClipWeights computes per-example clip scale factors; nil clipNorm
// means no clipping and yields nil.
func ComputeClipWeights(clipNorm *float64, norms []float64) []float64 {
	return clipgrads.ComputeClipWeights(clipNorm, norms)
}

// ComputeClippedGradientsAndOutputs reconstructs the batch gradient with
// every example's contribution clipped to clipNorm, returning the clipped
// per-variable gradients (aligned with model.Parameters()), the model
// outputs, and the per-example norms. The pass is consumed.
func ComputeClippedGradientsAndOutputs[B tensor.Backend](
	model *Graph[B],
	pass *PassResult[B],
	clipNorm *float64,
) ([]*RawTensor, *Tensor[B], []float64, error) {
	return clipgrads.ComputeClippedGradientsAndOutputs(model, pass, clipNorm)
}
