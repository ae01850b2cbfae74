package layer

import (
	"math"

	"github.com/pkg/errors"

	"github.com/born-ml/solver/internal/blob"
	"github.com/born-ml/solver/internal/config"
	"github.com/born-ml/solver/internal/engine"
)

func init() {
	Register("BilinearInterpolate", newBilinearInterpolate)
	Register("MaxUnpool", newMaxUnpool)
}

// BilinearInterpolate resizes the last two axes of an NCHW blob to
// (dst_h, dst_w), or to (H*scale_factor, W*scale_factor) when no target size
// is given.
type BilinearInterpolate struct {
	base
	dstH, dstW   int
	scale        float64
	alignCorners bool

	rows, cols []tap
}

// tap is one output coordinate: the two neighboring source indices and the
// weight of the second.
type tap struct {
	i0, i1 int
	frac   float64
}

func newBilinearInterpolate(_ *engine.Context, param *config.LayerParameter) (Layer, error) {
	sub, err := param.Sub("bilinear_interpolate_param")
	if err != nil {
		return nil, err
	}
	d := config.NewDecoder(sub)
	l := &BilinearInterpolate{
		base:         base{param: param},
		dstH:         d.Int("dst_h", 0),
		dstW:         d.Int("dst_w", 0),
		scale:        d.Float("scale_factor", 0),
		alignCorners: d.Bool("align_corners", false),
	}
	if err := d.Done(); err != nil {
		return nil, err
	}
	sized := l.dstH > 0 && l.dstW > 0
	if !sized && l.scale <= 0 {
		return nil, errors.New("bilinear_interpolate_param needs dst_h and dst_w or a positive scale_factor")
	}
	if l.dstH < 0 || l.dstW < 0 {
		return nil, errors.Errorf("dst_h and dst_w must not be negative, got %dx%d", l.dstH, l.dstW)
	}
	return l, nil
}

func (l *BilinearInterpolate) SetUp(bottom, top []*blob.Blob) error {
	if err := l.checkCounts(bottom, top, 1, 1, 1, 1); err != nil {
		return err
	}
	if top[0] == bottom[0] {
		return errors.Errorf("bilinear interpolate layer %q cannot run in place", l.Name())
	}
	return l.Reshape(bottom, top)
}

func (l *BilinearInterpolate) Reshape(bottom, top []*blob.Blob) error {
	shape := bottom[0].Shape()
	if len(shape) != 4 {
		return errors.Errorf("bilinear interpolate layer %q needs a 4-D input, got %v", l.Name(), shape)
	}
	h, w := l.dstH, l.dstW
	if h == 0 || w == 0 {
		h = int(float64(shape[2]) * l.scale)
		w = int(float64(shape[3]) * l.scale)
	}
	if h <= 0 || w <= 0 {
		return errors.Errorf("bilinear interpolate layer %q: output size %dx%d for input %v", l.Name(), h, w, shape)
	}
	l.rows = l.taps(shape[2], h)
	l.cols = l.taps(shape[3], w)
	top[0].Reshape(blob.Shape{shape[0], shape[1], h, w})
	return nil
}

func (l *BilinearInterpolate) taps(src, dst int) []tap {
	out := make([]tap, dst)
	for i := range out {
		var x float64
		switch {
		case l.alignCorners && dst > 1:
			x = float64(src-1) / float64(dst-1) * float64(i)
		case l.alignCorners:
			x = 0
		default:
			x = float64(src)/float64(dst)*(float64(i)+0.5) - 0.5
		}
		x = math.Min(math.Max(x, 0), float64(src-1))
		if src == 1 {
			out[i] = tap{}
			continue
		}
		i0 := min(int(math.Floor(x)), src-2)
		out[i] = tap{i0: i0, i1: i0 + 1, frac: x - float64(i0)}
	}
	return out
}

// visit calls f(inIndex, outIndex, weight) for the four source taps of every
// output element.
func (l *BilinearInterpolate) visit(in, out blob.Shape, f func(i, o int, w float64)) {
	for n := 0; n < out[0]; n++ {
		for c := 0; c < out[1]; c++ {
			for y, r := range l.rows {
				for x, k := range l.cols {
					o := out.Offset(n, c, y, x)
					f(in.Offset(n, c, r.i0, k.i0), o, (1-r.frac)*(1-k.frac))
					f(in.Offset(n, c, r.i0, k.i1), o, (1-r.frac)*k.frac)
					f(in.Offset(n, c, r.i1, k.i0), o, r.frac*(1-k.frac))
					f(in.Offset(n, c, r.i1, k.i1), o, r.frac*k.frac)
				}
			}
		}
	}
}

func (l *BilinearInterpolate) Forward(bottom, top []*blob.Blob) error {
	src, dst := bottom[0].Data(), top[0].Data()
	for i := range dst {
		dst[i] = 0
	}
	l.visit(bottom[0].Shape(), top[0].Shape(), func(i, o int, w float64) { dst[o] += w * src[i] })
	return nil
}

func (l *BilinearInterpolate) Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error {
	if !propagateDown[0] {
		return nil
	}
	src, dst := top[0].Diff(), bottom[0].Diff()
	for i := range dst {
		dst[i] = 0
	}
	l.visit(bottom[0].Shape(), top[0].Shape(), func(i, o int, w float64) { dst[i] += w * src[o] })
	return nil
}

// MaxUnpool scatters pooled values back to a (dst_h, dst_w) plane. The second
// bottom holds, for every value, its flat index within the output plane.
type MaxUnpool struct {
	base
	dstH, dstW int
}

func newMaxUnpool(_ *engine.Context, param *config.LayerParameter) (Layer, error) {
	sub, err := param.Sub("max_unpool_param")
	if err != nil {
		return nil, err
	}
	if !sub.Has("dst_h") || !sub.Has("dst_w") {
		return nil, errors.New("max_unpool_param.dst_h and dst_w must be set")
	}
	d := config.NewDecoder(sub)
	l := &MaxUnpool{base: base{param: param}, dstH: d.Int("dst_h", 0), dstW: d.Int("dst_w", 0)}
	if err := d.Done(); err != nil {
		return nil, err
	}
	if l.dstH <= 0 || l.dstW <= 0 {
		return nil, errors.Errorf("max unpool output size must be positive, got %dx%d", l.dstH, l.dstW)
	}
	return l, nil
}

func (l *MaxUnpool) SetUp(bottom, top []*blob.Blob) error {
	if err := l.checkCounts(bottom, top, 2, 2, 1, 1); err != nil {
		return err
	}
	if top[0] == bottom[0] || top[0] == bottom[1] {
		return errors.Errorf("max unpool layer %q cannot run in place", l.Name())
	}
	return l.Reshape(bottom, top)
}

func (l *MaxUnpool) Reshape(bottom, top []*blob.Blob) error {
	shape := bottom[0].Shape()
	if len(shape) != 4 {
		return errors.Errorf("max unpool layer %q needs a 4-D input, got %v", l.Name(), shape)
	}
	if !bottom[1].Shape().Equal(shape) {
		return errors.Errorf("max unpool layer %q: mask shape %v differs from data shape %v",
			l.Name(), bottom[1].Shape(), shape)
	}
	top[0].Reshape(blob.Shape{shape[0], shape[1], l.dstH, l.dstW})
	return nil
}

// visit calls f(inIndex, outIndex) for every input element.
func (l *MaxUnpool) visit(data, mask *blob.Blob, f func(i, o int)) error {
	plane := data.Shape().CountFrom(2)
	outPlane := l.dstH * l.dstW
	idx := mask.Data()
	for i := range idx {
		m := int(idx[i])
		if m < 0 || m >= outPlane {
			return errors.Errorf("max unpool layer %q: mask index %d outside %dx%d output", l.Name(), m, l.dstH, l.dstW)
		}
		f(i, (i/plane)*outPlane+m)
	}
	return nil
}

func (l *MaxUnpool) Forward(bottom, top []*blob.Blob) error {
	src, dst := bottom[0].Data(), top[0].Data()
	for i := range dst {
		dst[i] = 0
	}
	return l.visit(bottom[0], bottom[1], func(i, o int) { dst[o] = src[i] })
}

func (l *MaxUnpool) Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error {
	if !propagateDown[0] {
		return nil
	}
	src, dst := top[0].Diff(), bottom[0].Diff()
	return l.visit(bottom[0], bottom[1], func(i, o int) { dst[i] = src[o] })
}
