package pipeline

import "fmt"

// Tensor is a named parameter in the module graph.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// NewTensor allocates a zero-initialized tensor.
func NewTensor(name string, shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Tensor{
		Name:  name,
		Shape: shape,
		Data:  make([]float32, n),
	}
}

// Elements returns the number of scalar elements.
func (t *Tensor) Elements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Set copies values into the tensor. The element count must match; the
// graph's merge is non-strict about names, never about shapes.
func (t *Tensor) Set(values []float32) error {
	if len(values) != t.Elements() {
		return fmt.Errorf("tensor %s: have %d values, want %d", t.Name, len(values), t.Elements())
	}
	copy(t.Data, values)
	return nil
}
