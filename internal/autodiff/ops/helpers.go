package ops

import (
	"fmt"

	"github.com/born-ml/dpclip/internal/tensor"
)

// reduceBroadcast reduces a gradient tensor to match the target input shape.
// Necessary when broadcasting was used in the forward pass: gradient flowing
// into a broadcast axis is summed over that axis.
//
// Example:
//
//	Forward: a[1, 4] + b[3, 4] -> c[3, 4]  (a broadcast along axis 0)
//	Backward: grad_c[3, 4] -> grad_a[1, 4] (summed along axis 0)
func reduceBroadcast(grad *tensor.RawTensor, target tensor.Shape) *tensor.RawTensor {
	if grad.Shape().Equal(target) {
		return grad.Clone()
	}

	result, err := tensor.NewRaw(target)
	if err != nil {
		panic(fmt.Sprintf("reduceBroadcast: %v", err))
	}

	gradShape := grad.Shape()
	gradStrides := gradShape.ComputeStrides()
	targetStrides := inputStrides(target, gradShape)

	src := grad.Data()
	dst := result.Data()
	for i := range src {
		tIdx := 0
		rem := i
		for axis := 0; axis < len(gradShape); axis++ {
			coord := rem / gradStrides[axis]
			rem %= gradStrides[axis]
			tIdx += coord * targetStrides[axis]
		}
		dst[tIdx] += src[i]
	}
	return result
}

// inputStrides maps each axis of the broadcast (output) shape to a stride
// into the right-aligned input shape; broadcast axes map to stride 0.
func inputStrides(in, out tensor.Shape) []int {
	strides := make([]int, len(out))
	inStrides := in.ComputeStrides()
	offset := len(out) - len(in)
	for axis := range out {
		inAxis := axis - offset
		if inAxis < 0 || (in[inAxis] == 1 && out[axis] != 1) {
			strides[axis] = 0
		} else {
			strides[axis] = inStrides[inAxis]
		}
	}
	return strides
}
