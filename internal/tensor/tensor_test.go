package tensor

import (
	"math"
	"testing"
)

// Test helpers

func assertEqualFloat(t *testing.T, expected, actual float64, msg string) {
	t.Helper()
	if math.Abs(expected-actual) > 1e-9 {
		t.Errorf("%s: expected %v, got %v", msg, expected, actual)
	}
}

func assertEqualShape(t *testing.T, expected, actual Shape, msg string) {
	t.Helper()
	if !expected.Equal(actual) {
		t.Errorf("%s: expected shape %v, got %v", msg, expected, actual)
	}
}

func assertEqualSlice(t *testing.T, expected, actual []float64, msg string) {
	t.Helper()
	if len(expected) != len(actual) {
		t.Fatalf("%s: expected %d elements, got %d", msg, len(expected), len(actual))
	}
	for i := range expected {
		if math.Abs(expected[i]-actual[i]) > 1e-9 {
			t.Errorf("%s: element %d: expected %v, got %v", msg, i, expected[i], actual[i])
		}
	}
}

// Shape tests

func TestShapeNumElements(t *testing.T) {
	tests := []struct {
		shape Shape
		want  int
	}{
		{Shape{}, 1},
		{Shape{5}, 5},
		{Shape{2, 3}, 6},
		{Shape{2, 3, 4}, 24},
	}
	for _, tt := range tests {
		if got := tt.shape.NumElements(); got != tt.want {
			t.Errorf("Shape%v.NumElements() = %d, want %d", tt.shape, got, tt.want)
		}
	}
}

func TestShapeValidate(t *testing.T) {
	if err := (Shape{2, 3}).Validate(); err != nil {
		t.Errorf("Shape{2,3}.Validate() = %v, want nil", err)
	}
	if err := (Shape{2, -1}).Validate(); err == nil {
		t.Error("Shape{2,-1}.Validate() = nil, want error")
	}
	if err := (Shape{0}).Validate(); err == nil {
		t.Error("Shape{0}.Validate() = nil, want error")
	}
}

func TestShapeEqual(t *testing.T) {
	if !(Shape{2, 3}).Equal(Shape{2, 3}) {
		t.Error("Shape{2,3} should equal Shape{2,3}")
	}
	if (Shape{2, 3}).Equal(Shape{3, 2}) {
		t.Error("Shape{2,3} should not equal Shape{3,2}")
	}
	if (Shape{2, 3}).Equal(Shape{2, 3, 1}) {
		t.Error("Shape{2,3} should not equal Shape{2,3,1}")
	}
}

func TestShapeClone(t *testing.T) {
	s := Shape{2, 3}
	c := s.Clone()
	c[0] = 99
	if s[0] != 2 {
		t.Error("Clone should not share memory with the original")
	}
}

func TestComputeStrides(t *testing.T) {
	strides := (Shape{2, 3, 4}).ComputeStrides()
	assertEqualSliceInt(t, []int{12, 4, 1}, strides, "strides for [2,3,4]")
}

func assertEqualSliceInt(t *testing.T, expected, actual []int, msg string) {
	t.Helper()
	if len(expected) != len(actual) {
		t.Fatalf("%s: expected %d elements, got %d", msg, len(expected), len(actual))
	}
	for i := range expected {
		if expected[i] != actual[i] {
			t.Errorf("%s: element %d: expected %d, got %d", msg, i, expected[i], actual[i])
		}
	}
}

func TestBroadcastShapes(t *testing.T) {
	tests := []struct {
		a, b, want Shape
		needs      bool
		ok         bool
	}{
		{Shape{2, 3}, Shape{2, 3}, Shape{2, 3}, false, true},
		{Shape{2, 3}, Shape{1, 3}, Shape{2, 3}, true, true},
		{Shape{2, 3}, Shape{3}, Shape{2, 3}, true, true},
		{Shape{4, 1}, Shape{1, 5}, Shape{4, 5}, true, true},
		{Shape{2, 3}, Shape{4}, nil, false, false},
	}
	for _, tt := range tests {
		got, needs, err := BroadcastShapes(tt.a, tt.b)
		if tt.ok && err != nil {
			t.Errorf("BroadcastShapes(%v, %v) error: %v", tt.a, tt.b, err)
			continue
		}
		if !tt.ok {
			if err == nil {
				t.Errorf("BroadcastShapes(%v, %v) = %v, want error", tt.a, tt.b, got)
			}
			continue
		}
		assertEqualShape(t, tt.want, got, "broadcast result")
		if needs != tt.needs {
			t.Errorf("BroadcastShapes(%v, %v) needsBroadcast = %v, want %v", tt.a, tt.b, needs, tt.needs)
		}
	}
}

// RawTensor tests

func TestRawFromData(t *testing.T) {
	raw, err := RawFromData([]float64{1, 2, 3, 4, 5, 6}, Shape{2, 3})
	if err != nil {
		t.Fatalf("RawFromData: %v", err)
	}
	assertEqualShape(t, Shape{2, 3}, raw.Shape(), "shape")
	assertEqualFloat(t, 6, raw.Data()[5], "last element")

	if _, err := RawFromData([]float64{1, 2}, Shape{2, 3}); err == nil {
		t.Error("RawFromData with wrong element count should fail")
	}
}

func TestRawRows(t *testing.T) {
	m, _ := RawFromData([]float64{1, 2, 3, 4, 5, 6}, Shape{2, 3})
	if m.Rows() != 2 {
		t.Errorf("Rows() = %d, want 2", m.Rows())
	}
	if m.RowSize() != 3 {
		t.Errorf("RowSize() = %d, want 3", m.RowSize())
	}
	assertEqualSlice(t, []float64{4, 5, 6}, m.Row(1), "Row(1)")

	v, _ := RawFromData([]float64{1, 2, 3}, Shape{3})
	if v.Rows() != 1 {
		t.Errorf("vector Rows() = %d, want 1", v.Rows())
	}
	assertEqualSlice(t, []float64{1, 2, 3}, v.Row(0), "vector Row(0)")
}

func TestRawClone(t *testing.T) {
	raw, _ := RawFromData([]float64{1, 2}, Shape{2})
	clone := raw.Clone()
	clone.Data()[0] = 99
	assertEqualFloat(t, 1, raw.Data()[0], "clone must not share memory")
	if clone == raw {
		t.Error("clone must have distinct identity")
	}
}

func TestRawWithShape(t *testing.T) {
	raw, _ := RawFromData([]float64{1, 2, 3, 4, 5, 6}, Shape{2, 3})
	view := raw.WithShape(Shape{3, 2})
	assertEqualShape(t, Shape{3, 2}, view.Shape(), "view shape")
	if view == raw {
		t.Error("view must have a distinct identity for tape keying")
	}

	view.Data()[0] = 42
	assertEqualFloat(t, 42, raw.Data()[0], "view shares the buffer")

	defer func() {
		if recover() == nil {
			t.Error("WithShape with mismatched element count should panic")
		}
	}()
	raw.WithShape(Shape{4})
}

// Creation tests

type fakeBackend struct{}

func (fakeBackend) Name() string                                      { return "fake" }
func (fakeBackend) Add(a, b *RawTensor) *RawTensor                    { return a }
func (fakeBackend) Sub(a, b *RawTensor) *RawTensor                    { return a }
func (fakeBackend) Mul(a, b *RawTensor) *RawTensor                    { return a }
func (fakeBackend) Div(a, b *RawTensor) *RawTensor                    { return a }
func (fakeBackend) MatMul(a, b *RawTensor) *RawTensor                 { return a }
func (fakeBackend) Transpose(x *RawTensor) *RawTensor                 { return x }
func (fakeBackend) Reshape(x *RawTensor, s Shape) *RawTensor          { return x.WithShape(s) }
func (fakeBackend) MulScalar(x *RawTensor, s float64) *RawTensor      { return x }
func (fakeBackend) Sum(x *RawTensor) *RawTensor                       { return x }
func (fakeBackend) SumRows(x *RawTensor) *RawTensor                   { return x }
func (fakeBackend) GatherLast(x *RawTensor, i int) *RawTensor         { return x }
func (fakeBackend) SliceRows(x *RawTensor, start, end int) *RawTensor { return x }

func TestZerosOnesFull(t *testing.T) {
	b := fakeBackend{}
	z := Zeros(Shape{2, 2}, b)
	assertEqualSlice(t, []float64{0, 0, 0, 0}, z.Data(), "Zeros")

	o := Ones(Shape{3}, b)
	assertEqualSlice(t, []float64{1, 1, 1}, o.Data(), "Ones")

	f := Full(Shape{2}, 2.5, b)
	assertEqualSlice(t, []float64{2.5, 2.5}, f.Data(), "Full")
}

func TestArange(t *testing.T) {
	b := fakeBackend{}
	a := Arange(Shape{2, 3}, b)
	assertEqualSlice(t, []float64{0, 1, 2, 3, 4, 5}, a.Data(), "Arange")
}

func TestFromSlice(t *testing.T) {
	b := fakeBackend{}
	x, err := FromSlice([]float64{1, 2, 3}, Shape{3}, b)
	if err != nil {
		t.Fatalf("FromSlice: %v", err)
	}
	assertEqualShape(t, Shape{3}, x.Shape(), "shape")

	data := []float64{1, 2, 3}
	y, _ := FromSlice(data, Shape{3}, b)
	data[0] = 99
	assertEqualFloat(t, 1, y.Data()[0], "FromSlice must copy the data")

	if _, err := FromSlice([]float64{1}, Shape{3}, b); err == nil {
		t.Error("FromSlice with wrong element count should fail")
	}
}
