package cpu

import (
	"fmt"

	"github.com/born-ml/dpclip/internal/tensor"
)

// elementwise applies a binary function over two tensors with NumPy-style
// broadcasting. The fast path handles equal shapes with a flat loop; the
// general path walks the broadcast shape with per-axis strides.
func (cpu *CPUBackend) elementwise(name string, a, b *tensor.RawTensor, f func(x, y float64) float64) *tensor.RawTensor {
	outShape, needsBroadcast, err := tensor.BroadcastShapes(a.Shape(), b.Shape())
	if err != nil {
		panic(fmt.Sprintf("%s: %v", name, err))
	}

	result := mustNewRaw(outShape)
	out := result.Data()

	if !needsBroadcast {
		aData, bData := a.Data(), b.Data()
		for i := range out {
			out[i] = f(aData[i], bData[i])
		}
		return result
	}

	aStrides := broadcastStrides(a.Shape(), outShape)
	bStrides := broadcastStrides(b.Shape(), outShape)
	outStrides := outShape.ComputeStrides()

	aData, bData := a.Data(), b.Data()
	for i := range out {
		aIdx, bIdx := 0, 0
		rem := i
		for axis := 0; axis < len(outShape); axis++ {
			coord := rem / outStrides[axis]
			rem %= outStrides[axis]
			aIdx += coord * aStrides[axis]
			bIdx += coord * bStrides[axis]
		}
		out[i] = f(aData[aIdx], bData[bIdx])
	}
	return result
}

// broadcastStrides computes, for each axis of the output shape, the stride
// into the (right-aligned) input. Broadcast axes get stride 0.
func broadcastStrides(in, out tensor.Shape) []int {
	inStrides := in.ComputeStrides()
	strides := make([]int, len(out))
	offset := len(out) - len(in)
	for axis := range out {
		inAxis := axis - offset
		if inAxis < 0 || in[inAxis] == 1 && out[axis] != 1 {
			strides[axis] = 0
		} else {
			strides[axis] = inStrides[inAxis]
		}
	}
	return strides
}
