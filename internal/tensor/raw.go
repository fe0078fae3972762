package tensor

import "fmt"

// RawTensor is the low-level tensor representation: a flat float64 buffer
// plus a shape, in row-major layout.
//
// Pointer identity matters: the autodiff tape keys gradients by *RawTensor,
// so backends must never mutate an input in place. Every operation allocates
// a fresh RawTensor for its result.
type RawTensor struct {
	data  []float64
	shape Shape
}

// NewRaw creates a new zero-filled RawTensor with the given shape.
func NewRaw(shape Shape) (*RawTensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	return &RawTensor{
		data:  make([]float64, shape.NumElements()),
		shape: shape.Clone(),
	}, nil
}

// RawFromData creates a RawTensor that copies the given data.
func RawFromData(data []float64, shape Shape) (*RawTensor, error) {
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("shape %v requires %d elements, but got %d", shape, shape.NumElements(), len(data))
	}
	raw, err := NewRaw(shape)
	if err != nil {
		return nil, err
	}
	copy(raw.data, data)
	return raw, nil
}

// Shape returns the tensor's shape.
func (r *RawTensor) Shape() Shape {
	return r.shape
}

// NumElements returns the total number of elements.
func (r *RawTensor) NumElements() int {
	return r.shape.NumElements()
}

// Data returns the underlying buffer. Callers must treat it as read-only
// once the tensor has been recorded on a tape.
func (r *RawTensor) Data() []float64 {
	return r.data
}

// Rows returns the size of the leading (batch) axis.
// A scalar or vector is treated as a single row.
func (r *RawTensor) Rows() int {
	if len(r.shape) < 2 {
		return 1
	}
	return r.shape[0]
}

// RowSize returns the number of elements per leading-axis entry.
func (r *RawTensor) RowSize() int {
	if len(r.shape) < 2 {
		return r.shape.NumElements()
	}
	return r.shape.NumElements() / r.shape[0]
}

// Row returns a view of row i (all trailing axes flattened).
func (r *RawTensor) Row(i int) []float64 {
	size := r.RowSize()
	return r.data[i*size : (i+1)*size]
}

// Clone returns a deep copy of the tensor.
func (r *RawTensor) Clone() *RawTensor {
	clone := &RawTensor{
		data:  make([]float64, len(r.data)),
		shape: r.shape.Clone(),
	}
	copy(clone.data, r.data)
	return clone
}

// WithShape returns a view sharing this tensor's buffer under a new shape.
// The element count must match.
func (r *RawTensor) WithShape(shape Shape) *RawTensor {
	if shape.NumElements() != r.NumElements() {
		panic(fmt.Sprintf("WithShape: cannot view %v as %v", r.shape, shape))
	}
	return &RawTensor{data: r.data, shape: shape.Clone()}
}

// String returns a compact description for debugging.
func (r *RawTensor) String() string {
	return fmt.Sprintf("RawTensor(shape=%v)", r.shape)
}
