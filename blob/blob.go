// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package blob provides the public API for blobs, the named float64 arrays
// that carry values (data) and gradients (diff) through a net.
//
// Example:
//
//	b := blob.New(blob.Shape{2, 3})
//	b.FillData(1)
//	if err := b.SetDiff([]float64{1, 2, 3, 4, 5, 6}); err != nil {
//	    var mismatch *blob.SizeMismatchError
//	    ...
//	}
//	b.Update() // data -= diff
package blob

import (
	"github.com/born-ml/solver/internal/blob"
)

// Blob holds a data and a diff array of identical shape.
type Blob = blob.Blob

// Shape represents blob dimensions, e.g. (num, channels, height, width).
type Shape = blob.Shape

// SizeMismatchError is returned when values assigned to a blob do not match
// its element count.
type SizeMismatchError = blob.SizeMismatchError

// New creates a zero-filled blob with the given shape.
func New(shape Shape) *Blob {
	return blob.New(shape)
}

// Named creates a zero-filled blob with a name.
func Named(name string, shape Shape) *Blob {
	return blob.Named(name, shape)
}
