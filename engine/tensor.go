package engine

import (
	"fmt"
)

// Tensor is a dense float32 array stored row-major. Image batches use NHWC.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor allocates a zeroed tensor.
func NewTensor(shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, shapeSize(shape))}
}

// FromData wraps data without copying. The element count must match shape.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	if n := shapeSize(shape); n != len(data) {
		return nil, fmt.Errorf("shape %v needs %d elements, got %d", shape, n, len(data))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Size returns the number of elements.
func (t *Tensor) Size() int {
	return len(t.Data)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: append([]int(nil), t.Shape...), Data: append([]float32(nil), t.Data...)}
}

// Row returns the i-th slice along the first axis.
func (t *Tensor) Row(i int) []float32 {
	stride := len(t.Data) / t.Shape[0]
	return t.Data[i*stride : (i+1)*stride]
}

// Param is one weight array of a layer together with its gradient buffer.
type Param struct {
	Key   string // "<layer>/<param>"
	Layer int
	Name  string
	Shape []int
	Data  []float32
	Grad  []float32
}

func shapeSize(s []int) int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
