package registry_test

import (
	"math/rand"
	"reflect"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/dpclip/internal/backend/cpu"
	"github.com/born-ml/dpclip/internal/nn"
	"github.com/born-ml/dpclip/internal/registry"
	"github.com/born-ml/dpclip/internal/tensor"
)

type noOpLayer struct{}

func (noOpLayer) Forward(x *tensor.Tensor[*cpu.CPUBackend]) *tensor.Tensor[*cpu.CPUBackend] {
	return x
}
func (noOpLayer) Parameters() []*nn.Parameter[*cpu.CPUBackend] { return nil }

func TestDefaultRegistryKnowsDense(t *testing.T) {
	backend := cpu.New()
	rng := rand.New(rand.NewSource(1))
	reg := registry.Default[*cpu.CPUBackend]()

	dense := nn.NewDense(2, 3, rng, backend)
	fn, ok := reg.Lookup(dense)
	require.True(t, ok)
	require.NotNil(t, fn)
}

func TestLookupIsExactType(t *testing.T) {
	reg := registry.Default[*cpu.CPUBackend]()

	_, ok := reg.Lookup(noOpLayer{})
	assert.False(t, ok, "unrelated type must not resolve")
}

func TestEmptyRegistryMisses(t *testing.T) {
	backend := cpu.New()
	rng := rand.New(rand.NewSource(1))
	reg := registry.New[*cpu.CPUBackend]()

	dense := nn.NewDense(2, 3, rng, backend)
	_, ok := reg.Lookup(dense)
	assert.False(t, ok)
}

func TestInsertOverrides(t *testing.T) {
	reg := registry.New[*cpu.CPUBackend]()
	sentinel := errors.New("custom entry")

	reg.Insert(reflect.TypeOf(noOpLayer{}), func(nn.Module[*cpu.CPUBackend], *tensor.Tensor[*cpu.CPUBackend], int) (*registry.Computation[*cpu.CPUBackend], error) {
		return nil, sentinel
	})

	fn, ok := reg.Lookup(noOpLayer{})
	require.True(t, ok)
	_, err := fn(noOpLayer{}, nil, 0)
	assert.ErrorIs(t, err, sentinel)
}

func TestDenseComputationRejectsWrongType(t *testing.T) {
	_, err := registry.DenseComputation[*cpu.CPUBackend](noOpLayer{}, nil, 0)
	assert.Error(t, err)
}

func TestDenseComputationClosedForm(t *testing.T) {
	backend := cpu.New()
	rng := rand.New(rand.NewSource(1))

	dense := nn.NewDense(2, 2, rng, backend)
	x, err := tensor.FromSlice([]float64{1, 2, 3, 4}, tensor.Shape{2, 2}, backend)
	require.NoError(t, err)

	comp, err := registry.DenseComputation[*cpu.CPUBackend](dense, x, 0)
	require.NoError(t, err)
	require.Len(t, comp.Vars, 2)
	require.Len(t, comp.BaseVars, 1)
	assert.Same(t, comp.Output.Raw(), comp.BaseVars[0])

	// Fabricated base gradients: one row per example.
	g, err := tensor.RawFromData([]float64{1, 2, 0.5, -1}, tensor.Shape{2, 2})
	require.NoError(t, err)

	sq, err := comp.SqrNorm([]*tensor.RawTensor{g})
	require.NoError(t, err)
	require.Len(t, sq, 2)

	// With bias: ‖gᵢ‖² · (‖xᵢ‖² + 1).
	// Example 1: (1+4) · (1+4+1) = 30. Example 2: (0.25+1) · (9+16+1) = 32.5.
	assert.InDelta(t, 30, sq[0], 1e-12)
	assert.InDelta(t, 32.5, sq[1], 1e-12)
}

func TestDenseComputationClosedFormNoBias(t *testing.T) {
	backend := cpu.New()
	rng := rand.New(rand.NewSource(1))

	dense := nn.NewDenseNoBias(2, 2, rng, backend)
	x, err := tensor.FromSlice([]float64{1, 2, 3, 4}, tensor.Shape{2, 2}, backend)
	require.NoError(t, err)

	comp, err := registry.DenseComputation[*cpu.CPUBackend](dense, x, 0)
	require.NoError(t, err)

	g, err := tensor.RawFromData([]float64{1, 2, 0.5, -1}, tensor.Shape{2, 2})
	require.NoError(t, err)

	sq, err := comp.SqrNorm([]*tensor.RawTensor{g})
	require.NoError(t, err)

	// Without bias: ‖gᵢ‖² · ‖xᵢ‖².
	assert.InDelta(t, 25, sq[0], 1e-12)
	assert.InDelta(t, 31.25, sq[1], 1e-12)
}

func TestDenseComputationMicrobatches(t *testing.T) {
	backend := cpu.New()
	rng := rand.New(rand.NewSource(1))

	dense := nn.NewDense(1, 1, rng, backend)
	x, err := tensor.FromSlice([]float64{1, 2, 3, 4}, tensor.Shape{4, 1}, backend)
	require.NoError(t, err)

	comp, err := registry.DenseComputation[*cpu.CPUBackend](dense, x, 2)
	require.NoError(t, err)

	g, err := tensor.RawFromData([]float64{1, 1, 1, -1}, tensor.Shape{4, 1})
	require.NoError(t, err)

	sq, err := comp.SqrNorm([]*tensor.RawTensor{g})
	require.NoError(t, err)
	require.Len(t, sq, 2)

	// Group 1: weight grad 1·1 + 1·2 = 3, bias grad 2 → 9 + 4 = 13.
	// Group 2: weight grad 1·3 - 1·4 = -1, bias grad 0 → 1 + 0 = 1.
	assert.InDelta(t, 13, sq[0], 1e-12)
	assert.InDelta(t, 1, sq[1], 1e-12)
}

func TestDenseComputationMicrobatchDivisibility(t *testing.T) {
	backend := cpu.New()
	rng := rand.New(rand.NewSource(1))

	dense := nn.NewDense(1, 1, rng, backend)
	x, err := tensor.FromSlice([]float64{1, 2, 3}, tensor.Shape{3, 1}, backend)
	require.NoError(t, err)

	comp, err := registry.DenseComputation[*cpu.CPUBackend](dense, x, 2)
	require.NoError(t, err)

	g, err := tensor.RawFromData([]float64{1, 1, 1}, tensor.Shape{3, 1})
	require.NoError(t, err)

	_, err = comp.SqrNorm([]*tensor.RawTensor{g})
	assert.Error(t, err)
}

func TestDenseComputationMissingGradient(t *testing.T) {
	backend := cpu.New()
	rng := rand.New(rand.NewSource(1))

	dense := nn.NewDense(2, 2, rng, backend)
	x, err := tensor.FromSlice([]float64{1, 2, 3, 4}, tensor.Shape{2, 2}, backend)
	require.NoError(t, err)

	comp, err := registry.DenseComputation[*cpu.CPUBackend](dense, x, 0)
	require.NoError(t, err)

	_, err = comp.SqrNorm([]*tensor.RawTensor{nil})
	assert.Error(t, err)
}
