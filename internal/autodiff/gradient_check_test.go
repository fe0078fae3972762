package autodiff_test

import (
	"math"
	"testing"

	"github.com/born-ml/dpclip/internal/autodiff"
	"github.com/born-ml/dpclip/internal/backend/cpu"
	"github.com/born-ml/dpclip/internal/tensor"
)

// denseLoss computes sum((x @ Wᵀ + b - y)²) on a plain CPU backend, used as
// the finite-difference reference for the tape gradients.
func denseLoss(w, b, x, y []float64, batch, in, out int) float64 {
	loss := 0.0
	for i := 0; i < batch; i++ {
		for o := 0; o < out; o++ {
			pred := b[o]
			for j := 0; j < in; j++ {
				pred += x[i*in+j] * w[o*in+j]
			}
			d := pred - y[i*out+o]
			loss += d * d
		}
	}
	return loss
}

// TestGradientCheckDense compares tape gradients of a dense layer against
// central finite differences.
func TestGradientCheckDense(t *testing.T) {
	const (
		batch   = 3
		in      = 2
		out     = 2
		epsilon = 1e-6
	)

	wData := []float64{0.5, -0.3, 0.8, 0.1}
	bData := []float64{0.2, -0.1}
	xData := []float64{1, 2, 3, 4, 5, 6}
	yData := []float64{1, 0, 0, 1, 1, 1}

	backend := autodiff.New(cpu.New())
	tape := backend.Tape()
	tape.StartRecording()

	w, _ := tensor.FromSlice(wData, tensor.Shape{out, in}, backend)
	b, _ := tensor.FromSlice(bData, tensor.Shape{out}, backend)
	x, _ := tensor.FromSlice(xData, tensor.Shape{batch, in}, backend)
	y, _ := tensor.FromSlice(yData, tensor.Shape{batch, out}, backend)

	pred := x.MatMul(w.Transpose()).Add(b.Reshape(1, out))
	diff := pred.Sub(y)
	loss := diff.Mul(diff).Sum()

	ones := tensor.Ones(tensor.Shape{1}, backend)
	grads := tape.Backward(map[*tensor.RawTensor]*tensor.RawTensor{loss.Raw(): ones.Raw()}, backend)
	tape.Release()

	wGrad := grads[w.Raw()]
	if wGrad == nil {
		t.Fatal("no gradient for weights")
	}
	for i := range wData {
		perturbed := append([]float64(nil), wData...)
		perturbed[i] += epsilon
		plus := denseLoss(perturbed, bData, xData, yData, batch, in, out)
		perturbed[i] -= 2 * epsilon
		minus := denseLoss(perturbed, bData, xData, yData, batch, in, out)
		numerical := (plus - minus) / (2 * epsilon)

		if math.Abs(wGrad.Data()[i]-numerical) > 1e-4 {
			t.Errorf("weight grad %d: tape %v vs numerical %v", i, wGrad.Data()[i], numerical)
		}
	}

	bGrad := grads[b.Raw()]
	if bGrad == nil {
		t.Fatal("no gradient for bias")
	}
	for i := range bData {
		perturbed := append([]float64(nil), bData...)
		perturbed[i] += epsilon
		plus := denseLoss(wData, perturbed, xData, yData, batch, in, out)
		perturbed[i] -= 2 * epsilon
		minus := denseLoss(wData, perturbed, xData, yData, batch, in, out)
		numerical := (plus - minus) / (2 * epsilon)

		if math.Abs(bGrad.Data()[i]-numerical) > 1e-4 {
			t.Errorf("bias grad %d: tape %v vs numerical %v", i, bGrad.Data()[i], numerical)
		}
	}
}

// TestGradientCheckDivision covers the quotient rule.
func TestGradientCheckDivision(t *testing.T) {
	backend := autodiff.New(cpu.New())
	tape := backend.Tape()
	tape.StartRecording()

	a, _ := tensor.FromSlice([]float64{6}, tensor.Shape{1}, backend)
	b, _ := tensor.FromSlice([]float64{2}, tensor.Shape{1}, backend)
	q := a.Div(b)

	ones := tensor.Ones(tensor.Shape{1}, backend)
	grads := tape.Backward(map[*tensor.RawTensor]*tensor.RawTensor{q.Raw(): ones.Raw()}, backend)
	tape.Release()

	// d(a/b)/da = 1/b = 0.5, d(a/b)/db = -a/b² = -1.5.
	if got := grads[a.Raw()].Data()[0]; math.Abs(got-0.5) > 1e-9 {
		t.Errorf("d(a/b)/da = %v, want 0.5", got)
	}
	if got := grads[b.Raw()].Data()[0]; math.Abs(got+1.5) > 1e-9 {
		t.Errorf("d(a/b)/db = %v, want -1.5", got)
	}
}
