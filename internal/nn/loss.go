package nn

import (
	"fmt"

	"github.com/born-ml/dpclip/internal/tensor"
)

// Reduction describes how a loss collapses per-example losses into the
// batch loss, mirroring the Keras reduction modes.
type Reduction int

// Supported reduction modes.
const (
	// ReductionAuto resolves to sum-over-batch-size.
	ReductionAuto Reduction = iota
	// ReductionSumOverBatchSize averages per-example losses.
	ReductionSumOverBatchSize
	// ReductionSum adds per-example losses.
	ReductionSum
	// ReductionNone returns the per-example loss vector unreduced.
	ReductionNone
)

// String returns the reduction's name.
func (r Reduction) String() string {
	switch r {
	case ReductionAuto:
		return "auto"
	case ReductionSumOverBatchSize:
		return "sum_over_batch_size"
	case ReductionSum:
		return "sum"
	case ReductionNone:
		return "none"
	default:
		return fmt.Sprintf("Reduction(%d)", int(r))
	}
}

// IsMeanLike reports whether the reduction divides by the batch size.
func (r Reduction) IsMeanLike() bool {
	return r == ReductionAuto || r == ReductionSumOverBatchSize
}

// MSE computes mean squared error: per example, the mean over feature axes
// of (prediction - target)²; across the batch, the configured reduction.
type MSE[B tensor.Backend] struct {
	reduction Reduction
}

// NewMSE creates an MSE loss with the given reduction mode.
func NewMSE[B tensor.Backend](reduction Reduction) *MSE[B] {
	return &MSE[B]{reduction: reduction}
}

// Reduction returns the configured reduction mode.
func (m *MSE[B]) Reduction() Reduction {
	return m.reduction
}

// PerExample computes the per-example loss vector, shape [batch_size],
// independent of the configured reduction.
func (m *MSE[B]) PerExample(predictions, targets *tensor.Tensor[B]) *tensor.Tensor[B] {
	if !predictions.Shape().Equal(targets.Shape()) {
		panic(fmt.Sprintf("MSE: predictions shape %v does not match targets shape %v",
			predictions.Shape(), targets.Shape()))
	}

	diff := predictions.Sub(targets)
	squared := diff.Mul(diff)
	features := squared.Raw().RowSize()
	return squared.SumRows().MulScalar(1 / float64(features))
}

// Forward computes the loss under the configured reduction. The result is
// shape [1] for the reducing modes and shape [batch_size] for ReductionNone.
func (m *MSE[B]) Forward(predictions, targets *tensor.Tensor[B]) *tensor.Tensor[B] {
	per := m.PerExample(predictions, targets)
	switch m.reduction {
	case ReductionNone:
		return per
	case ReductionSum:
		return per.Sum()
	default: // auto, sum_over_batch_size
		batch := per.NumElements()
		return per.Sum().MulScalar(1 / float64(batch))
	}
}
