package layer

import (
	"math"

	"github.com/born-ml/solver/internal/blob"
	"github.com/born-ml/solver/internal/config"
	"github.com/born-ml/solver/internal/engine"
)

func init() {
	Register("Softmax", newSoftmax)
}

// softmaxDims splits a shape around the softmax axis.
type softmaxDims struct {
	outer, channels, inner int
}

func newSoftmaxDims(shape blob.Shape, axis int) softmaxDims {
	return softmaxDims{
		outer:    shape.CountRange(0, axis),
		channels: shape[axis],
		inner:    shape.CountFrom(axis + 1),
	}
}

// softmaxForward writes the softmax of in along the channel axis into out.
// in and out may alias.
func softmaxForward(d softmaxDims, in, out []float64) {
	dim := d.channels * d.inner
	for i := 0; i < d.outer; i++ {
		for j := 0; j < d.inner; j++ {
			base := i*dim + j
			maxVal := math.Inf(-1)
			for c := 0; c < d.channels; c++ {
				maxVal = math.Max(maxVal, in[base+c*d.inner])
			}
			sum := 0.0
			for c := 0; c < d.channels; c++ {
				e := math.Exp(in[base+c*d.inner] - maxVal)
				out[base+c*d.inner] = e
				sum += e
			}
			for c := 0; c < d.channels; c++ {
				out[base+c*d.inner] /= sum
			}
		}
	}
}

// Softmax normalizes exponentiated scores along axis.
type Softmax struct {
	base
	axis int
	dims softmaxDims
}

func newSoftmax(_ *engine.Context, param *config.LayerParameter) (Layer, error) {
	sub, err := param.Sub("softmax_param")
	if err != nil {
		return nil, err
	}
	d := config.NewDecoder(sub)
	axis := d.Int("axis", 1)
	if err := d.Done(); err != nil {
		return nil, err
	}
	return &Softmax{base: base{param: param}, axis: axis}, nil
}

func (l *Softmax) SetUp(bottom, top []*blob.Blob) error {
	if err := l.checkCounts(bottom, top, 1, 1, 1, 1); err != nil {
		return err
	}
	return l.Reshape(bottom, top)
}

func (l *Softmax) Reshape(bottom, top []*blob.Blob) error {
	shape := bottom[0].Shape()
	axis, err := shape.Axis(l.axis)
	if err != nil {
		return err
	}
	l.dims = newSoftmaxDims(shape, axis)
	if top[0] != bottom[0] {
		top[0].ReshapeLike(bottom[0])
	}
	return nil
}

func (l *Softmax) Forward(bottom, top []*blob.Blob) error {
	softmaxForward(l.dims, bottom[0].Data(), top[0].Data())
	return nil
}

// Backward computes dx = (dy - <dy, y>) * y along the channel axis.
func (l *Softmax) Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error {
	if !propagateDown[0] {
		return nil
	}
	y, dy, dx := top[0].Data(), top[0].Diff(), bottom[0].Diff()
	d := l.dims
	dim := d.channels * d.inner
	for i := 0; i < d.outer; i++ {
		for j := 0; j < d.inner; j++ {
			base := i*dim + j
			dot := 0.0
			for c := 0; c < d.channels; c++ {
				dot += dy[base+c*d.inner] * y[base+c*d.inner]
			}
			for c := 0; c < d.channels; c++ {
				k := base + c*d.inner
				dx[k] = (dy[k] - dot) * y[k]
			}
		}
	}
	return nil
}
