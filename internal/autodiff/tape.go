package autodiff

import (
	"github.com/born-ml/dpclip/internal/autodiff/ops"
	"github.com/born-ml/dpclip/internal/tensor"
)

// GradientTape records operations during the forward pass and computes
// gradients during the backward pass using reverse-mode automatic
// differentiation.
//
// The tape is held open: Backward may be called any number of times with
// different seed tensors over the same recorded graph, which is what lets
// one forward pass serve both the per-example norm extraction and the
// later clipped-gradient reconstruction. Release frees the recorded graph
// and must be called on every exit path.
type GradientTape struct {
	operations []ops.Operation // Recorded operations (in execution order)
	recording  bool            // Whether tape is currently recording
}

// NewGradientTape creates a new gradient tape.
func NewGradientTape() *GradientTape {
	return &GradientTape{
		operations: make([]ops.Operation, 0, 64),
	}
}

// StartRecording enables operation recording.
func (t *GradientTape) StartRecording() {
	t.recording = true
}

// StopRecording disables operation recording.
func (t *GradientTape) StopRecording() {
	t.recording = false
}

// IsRecording returns true if the tape is currently recording operations.
func (t *GradientTape) IsRecording() bool {
	return t.recording
}

// Record adds an operation to the tape.
// Only records if the tape is currently recording.
func (t *GradientTape) Record(op ops.Operation) {
	if t.recording {
		t.operations = append(t.operations, op)
	}
}

// NumOps returns the number of recorded operations.
func (t *GradientTape) NumOps() int {
	return len(t.operations)
}

// Release frees the recorded graph and stops recording.
func (t *GradientTape) Release() {
	t.operations = nil
	t.recording = false
}

// Backward computes gradients by walking the tape in reverse from the given
// seed tensors.
//
// Algorithm:
//  1. Initialize the gradient map with the seeds (typically the scalar loss
//     mapped to a gradient of ones)
//  2. Walk operations in reverse order
//  3. For each operation whose output has a gradient, compute input
//     gradients via the chain rule
//  4. Accumulate gradients when the same tensor feeds multiple operations
//
// Operations whose outputs never receive a gradient are skipped, so seeding
// an intermediate tensor restricts the walk to its ancestors. The seed map
// is not modified; the returned map may be queried for any tensor that took
// part in the recorded computation.
func (t *GradientTape) Backward(seeds map[*tensor.RawTensor]*tensor.RawTensor, backend tensor.Backend) map[*tensor.RawTensor]*tensor.RawTensor {
	grads := make(map[*tensor.RawTensor]*tensor.RawTensor, len(seeds))
	for out, g := range seeds {
		grads[out] = g
	}
	if len(t.operations) == 0 {
		return grads
	}

	// Stop recording so gradient operations are not themselves recorded.
	wasRecording := t.recording
	t.recording = false
	defer func() {
		t.recording = wasRecording
	}()

	for i := len(t.operations) - 1; i >= 0; i-- {
		op := t.operations[i]
		outputGrad, ok := grads[op.Output()]
		if !ok {
			continue
		}
		inputGrads := op.Backward(outputGrad, backend)
		t.accumulateGrads(op, inputGrads, grads, backend)
	}

	return grads
}

// accumulateGrads adds each input gradient into the gradient map.
func (t *GradientTape) accumulateGrads(
	op ops.Operation,
	inputGrads []*tensor.RawTensor,
	grads map[*tensor.RawTensor]*tensor.RawTensor,
	backend tensor.Backend,
) {
	inputs := op.Inputs()
	for j, input := range inputs {
		if j >= len(inputGrads) {
			break
		}
		inputGrad := inputGrads[j]
		if inputGrad == nil {
			continue
		}
		if existing, ok := grads[input]; ok {
			grads[input] = backend.Add(existing, inputGrad)
		} else {
			grads[input] = inputGrad
		}
	}
}
