package blob

import (
	"fmt"
	"strings"
)

// Shape represents the dimensions of a blob, e.g. (num, channels, height, width).
type Shape []int

// Count returns the total number of elements described by the shape.
func (s Shape) Count() int {
	if len(s) == 0 {
		return 1 // Scalar has 1 element
	}
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// CountFrom returns the product of dimensions from axis start to the end.
func (s Shape) CountFrom(start int) int {
	n := 1
	for i := start; i < len(s); i++ {
		n *= s[i]
	}
	return n
}

// CountRange returns the product of dimensions in [start, end).
func (s Shape) CountRange(start, end int) int {
	n := 1
	for i := start; i < end && i < len(s); i++ {
		n *= s[i]
	}
	return n
}

// Validate checks that every dimension is non-negative.
//
// Zero-sized dimensions are allowed: a net may reshape a blob to empty
// before the first forward pass.
func (s Shape) Validate() error {
	for i, dim := range s {
		if dim < 0 {
			return fmt.Errorf("invalid dimension at index %d: %d (must be >= 0)", i, dim)
		}
	}
	return nil
}

// Equal checks if two shapes are equal.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// Axis canonicalizes a possibly negative axis index.
func (s Shape) Axis(axis int) (int, error) {
	n := len(s)
	if axis < -n || axis >= n {
		return 0, fmt.Errorf("axis %d out of range for %d-D shape %v", axis, n, s)
	}
	if axis < 0 {
		return axis + n, nil
	}
	return axis, nil
}

// Dim returns the size of a legacy NCHW axis, treating missing trailing axes as 1.
func (s Shape) Dim(axis int) int {
	if axis < len(s) {
		return s[axis]
	}
	return 1
}

// Offset returns the flat index of (n, c, h, w) in row-major order.
func (s Shape) Offset(n, c, h, w int) int {
	return ((n*s.Dim(1)+c)*s.Dim(2)+h)*s.Dim(3) + w
}

// String renders the shape as "2 3 4 (24)".
func (s Shape) String() string {
	parts := make([]string, 0, len(s)+1)
	for _, d := range s {
		parts = append(parts, fmt.Sprint(d))
	}
	parts = append(parts, fmt.Sprintf("(%d)", s.Count()))
	return strings.Join(parts, " ")
}
