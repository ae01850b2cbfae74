package blob

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape_Count(t *testing.T) {
	tests := []struct {
		name  string
		shape Shape
		want  int
	}{
		{"scalar", Shape{}, 1},
		{"vector", Shape{5}, 5},
		{"nchw", Shape{2, 3, 4, 5}, 120},
		{"empty", Shape{0, 3}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.shape.Count())
		})
	}
}

func TestShape_CountFromAndOffset(t *testing.T) {
	s := Shape{2, 3, 4, 5}
	assert.Equal(t, 60, s.CountFrom(1))
	assert.Equal(t, 12, s.CountRange(1, 3))
	assert.Equal(t, ((1*3+2)*4+3)*5+4, s.Offset(1, 2, 3, 4))
	assert.Equal(t, "2 3 4 5 (120)", s.String())

	axis, err := s.Axis(-1)
	require.NoError(t, err)
	assert.Equal(t, 3, axis)
	_, err = s.Axis(4)
	assert.Error(t, err)
}

func TestBlob_DataAndDiffHaveSameShape(t *testing.T) {
	b := New(Shape{2, 3})
	assert.Len(t, b.Data(), 6)
	assert.Len(t, b.Diff(), 6)

	b.Reshape(Shape{4, 3})
	assert.Len(t, b.Data(), 12)
	assert.Len(t, b.Diff(), 12)
	assert.Equal(t, Shape{4, 3}, b.Shape())
}

func TestBlob_SetDataSizeMismatch(t *testing.T) {
	b := Named("label", Shape{5})

	err := b.SetData([]float64{1, 2, 3})
	require.Error(t, err)

	var mismatch *SizeMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, 5, mismatch.Expected)
	assert.Equal(t, 3, mismatch.Got)
	assert.Contains(t, err.Error(), "size mismatch")
	assert.Contains(t, err.Error(), "label")

	require.NoError(t, b.SetData([]float64{1, 2, 3, 4, 5}))
	assert.InDelta(t, 15.0, b.SumData(), 1e-12)
}

func TestBlob_Update(t *testing.T) {
	b := New(Shape{3})
	require.NoError(t, b.SetData([]float64{1, 2, 3}))
	require.NoError(t, b.SetDiff([]float64{0.5, 0.5, 0.5}))

	b.Update()

	assert.InDeltaSlice(t, []float64{0.5, 1.5, 2.5}, b.Data(), 1e-12)
}

func TestBlob_Reductions(t *testing.T) {
	b := New(Shape{4})
	require.NoError(t, b.SetData([]float64{1, -2, 3, -4}))
	require.NoError(t, b.SetDiff([]float64{1, 1, 1, 1}))

	assert.InDelta(t, -2.0, b.SumData(), 1e-12)
	assert.InDelta(t, 10.0, b.AsumData(), 1e-12)
	assert.InDelta(t, 30.0, b.SumsqData(), 1e-12)
	assert.InDelta(t, 4.0, b.SumDiff(), 1e-12)

	b.ScaleDiff(0.5)
	assert.InDelta(t, 1.0, b.SumsqDiff(), 1e-12)
}

func TestBlob_ShareData(t *testing.T) {
	a := New(Shape{2, 2})
	b := New(Shape{4})
	require.NoError(t, b.ShareData(a))

	a.Data()[3] = 7
	assert.Equal(t, 7.0, b.Data()[3])
	assert.True(t, b.SharesDataWith(a))

	// Diff stays private.
	a.Diff()[0] = 1
	assert.Equal(t, 0.0, b.Diff()[0])

	c := New(Shape{3})
	assert.Error(t, c.ShareData(a))
}

func TestBlob_CopyFrom(t *testing.T) {
	src := New(Shape{2})
	require.NoError(t, src.SetData([]float64{3, 4}))

	dst := New(Shape{3})
	assert.Error(t, dst.CopyFrom(src, false, false))
	require.NoError(t, dst.CopyFrom(src, false, true))
	assert.Equal(t, []float64{3, 4}, dst.Data())
}
