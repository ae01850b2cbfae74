// Package blob implements the data/diff tensor pair that layers read from and
// write to.
//
// A Blob holds two arrays of identical shape:
//   - data: the current values (activations or parameters)
//   - diff: the accumulated gradient with respect to data
//
// Blobs are reference types. Nets hand out *Blob values directly and callers
// may read or write their contents between solver steps; the next forward or
// update observes those writes.
package blob

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// SizeMismatchError is returned when an assignment does not match the blob's
// element count or shape.
type SizeMismatchError struct {
	Blob     string // Blob name, may be empty
	Expected int    // Number of elements the blob holds
	Got      int    // Number of elements provided
}

// Error implements the error interface.
func (e *SizeMismatchError) Error() string {
	if e.Blob != "" {
		return fmt.Sprintf("size mismatch for blob %q: expected %d elements, got %d", e.Blob, e.Expected, e.Got)
	}
	return fmt.Sprintf("size mismatch: expected %d elements, got %d", e.Expected, e.Got)
}

// Blob is a named tensor with a value array and a gradient array.
type Blob struct {
	name  string
	shape Shape
	data  *storage
	diff  *storage
}

// storage is the backing array of a blob. Blobs that share parameters point
// at the same storage.
type storage struct {
	values []float64
}

// New creates a zero-filled blob with the given shape.
func New(shape Shape) *Blob {
	b := &Blob{
		data: &storage{},
		diff: &storage{},
	}
	b.Reshape(shape)
	return b
}

// Named creates a zero-filled blob with a name used in error messages.
func Named(name string, shape Shape) *Blob {
	b := New(shape)
	b.name = name
	return b
}

// Name returns the blob name.
func (b *Blob) Name() string {
	return b.name
}

// SetName sets the blob name.
func (b *Blob) SetName(name string) {
	b.name = name
}

// Shape returns a copy of the blob shape.
func (b *Blob) Shape() Shape {
	return b.shape.Clone()
}

// NumAxes returns the number of axes.
func (b *Blob) NumAxes() int {
	return len(b.shape)
}

// ShapeAt returns the size of a single axis. Negative indices count from the end.
func (b *Blob) ShapeAt(axis int) int {
	if axis < 0 {
		axis += len(b.shape)
	}
	return b.shape[axis]
}

// Count returns the number of elements.
func (b *Blob) Count() int {
	return len(b.data.values)
}

// Reshape changes the blob shape, growing or shrinking both arrays.
//
// Existing values are kept up to the new element count. Blobs that share
// storage with this one see the new arrays.
func (b *Blob) Reshape(shape Shape) {
	b.shape = shape.Clone()
	n := shape.Count()
	b.data.values = resize(b.data.values, n)
	b.diff.values = resize(b.diff.values, n)
}

// ReshapeLike reshapes the blob to match another.
func (b *Blob) ReshapeLike(other *Blob) {
	b.Reshape(other.shape)
}

func resize(values []float64, n int) []float64 {
	if cap(values) >= n {
		return values[:n]
	}
	grown := make([]float64, n)
	copy(grown, values)
	return grown
}

// Data returns the value array. Writes through the slice are visible to the net.
func (b *Blob) Data() []float64 {
	return b.data.values
}

// Diff returns the gradient array. Writes through the slice are visible to the net.
func (b *Blob) Diff() []float64 {
	return b.diff.values
}

// SetData copies values into the data array.
//
// Returns *SizeMismatchError if len(values) differs from Count().
func (b *Blob) SetData(values []float64) error {
	if len(values) != b.Count() {
		return &SizeMismatchError{Blob: b.name, Expected: b.Count(), Got: len(values)}
	}
	copy(b.data.values, values)
	return nil
}

// SetDiff copies values into the diff array.
//
// Returns *SizeMismatchError if len(values) differs from Count().
func (b *Blob) SetDiff(values []float64) error {
	if len(values) != b.Count() {
		return &SizeMismatchError{Blob: b.name, Expected: b.Count(), Got: len(values)}
	}
	copy(b.diff.values, values)
	return nil
}

// FillData sets every data element to v.
func (b *Blob) FillData(v float64) {
	for i := range b.data.values {
		b.data.values[i] = v
	}
}

// FillDiff sets every diff element to v.
func (b *Blob) FillDiff(v float64) {
	for i := range b.diff.values {
		b.diff.values[i] = v
	}
}

// ShareData makes this blob use other's data storage.
//
// Both blobs must have the same element count.
func (b *Blob) ShareData(other *Blob) error {
	if other.Count() != b.Count() {
		return &SizeMismatchError{Blob: b.name, Expected: b.Count(), Got: other.Count()}
	}
	b.data = other.data
	return nil
}

// ShareDiff makes this blob use other's diff storage.
func (b *Blob) ShareDiff(other *Blob) error {
	if other.Count() != b.Count() {
		return &SizeMismatchError{Blob: b.name, Expected: b.Count(), Got: other.Count()}
	}
	b.diff = other.diff
	return nil
}

// SharesDataWith reports whether two blobs use the same data storage.
func (b *Blob) SharesDataWith(other *Blob) bool {
	return b.data == other.data
}

// CopyFrom copies data (or diff when copyDiff is set) from other.
//
// When reshape is false the shapes must already match.
func (b *Blob) CopyFrom(other *Blob, copyDiff, reshape bool) error {
	if !b.shape.Equal(other.shape) {
		if !reshape {
			return fmt.Errorf("cannot copy blob %v into %v without reshape", other.shape, b.shape)
		}
		b.ReshapeLike(other)
	}
	if copyDiff {
		copy(b.diff.values, other.diff.values)
	} else {
		copy(b.data.values, other.data.values)
	}
	return nil
}

// Update applies data -= diff.
func (b *Blob) Update() {
	floats.Sub(b.data.values, b.diff.values)
}

// SumData returns the sum of data elements.
func (b *Blob) SumData() float64 {
	return floats.Sum(b.data.values)
}

// SumDiff returns the sum of diff elements.
func (b *Blob) SumDiff() float64 {
	return floats.Sum(b.diff.values)
}

// AsumData returns the L1 norm of data.
func (b *Blob) AsumData() float64 {
	return floats.Norm(b.data.values, 1)
}

// AsumDiff returns the L1 norm of diff.
func (b *Blob) AsumDiff() float64 {
	return floats.Norm(b.diff.values, 1)
}

// SumsqData returns the sum of squared data elements.
func (b *Blob) SumsqData() float64 {
	return floats.Dot(b.data.values, b.data.values)
}

// SumsqDiff returns the sum of squared diff elements.
func (b *Blob) SumsqDiff() float64 {
	return floats.Dot(b.diff.values, b.diff.values)
}

// ScaleData multiplies data by s.
func (b *Blob) ScaleData(s float64) {
	floats.Scale(s, b.data.values)
}

// ScaleDiff multiplies diff by s.
func (b *Blob) ScaleDiff(s float64) {
	floats.Scale(s, b.diff.values)
}
