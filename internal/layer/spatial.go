package layer

import (
	"github.com/pkg/errors"

	"github.com/born-ml/solver/internal/blob"
	"github.com/born-ml/solver/internal/config"
	"github.com/born-ml/solver/internal/engine"
)

func init() {
	Register("PixelShuffle", newPixelShuffle)
	Register("Upsample", newUpsample)
}

// PixelShuffle rearranges (N, C*r*r, H, W) into (N, C, H*r, W*r).
type PixelShuffle struct {
	base
	factor int
}

func newPixelShuffle(_ *engine.Context, param *config.LayerParameter) (Layer, error) {
	sub, err := param.Sub("pixelshuffle_param")
	if err != nil {
		return nil, err
	}
	d := config.NewDecoder(sub)
	factor := d.Int("upscale_factor", 1)
	if err := d.Done(); err != nil {
		return nil, err
	}
	if factor <= 0 {
		return nil, errors.Errorf("upscale_factor must be positive, got %d", factor)
	}
	return &PixelShuffle{base: base{param: param}, factor: factor}, nil
}

func (l *PixelShuffle) SetUp(bottom, top []*blob.Blob) error {
	if err := l.checkCounts(bottom, top, 1, 1, 1, 1); err != nil {
		return err
	}
	if top[0] == bottom[0] {
		return errors.Errorf("pixel shuffle layer %q cannot run in place", l.Name())
	}
	return l.Reshape(bottom, top)
}

func (l *PixelShuffle) Reshape(bottom, top []*blob.Blob) error {
	shape := bottom[0].Shape()
	if len(shape) != 4 {
		return errors.Errorf("pixel shuffle layer %q needs a 4-D input, got %v", l.Name(), shape)
	}
	r2 := l.factor * l.factor
	if shape[1]%r2 != 0 {
		return errors.Errorf("pixel shuffle layer %q: channels %d not divisible by %d", l.Name(), shape[1], r2)
	}
	top[0].Reshape(blob.Shape{shape[0], shape[1] / r2, shape[2] * l.factor, shape[3] * l.factor})
	return nil
}

// visit calls f(inIndex, outIndex) for every element.
func (l *PixelShuffle) visit(in, out blob.Shape, f func(i, o int)) {
	r := l.factor
	height, width := in[2], in[3]
	for n := 0; n < out[0]; n++ {
		for p := 0; p < out[1]; p++ {
			for sh := 0; sh < r; sh++ {
				for sw := 0; sw < r; sw++ {
					q := p*r*r + sh*r + sw
					for i := 0; i < height; i++ {
						for j := 0; j < width; j++ {
							f(in.Offset(n, q, i, j), out.Offset(n, p, i*r+sh, j*r+sw))
						}
					}
				}
			}
		}
	}
}

func (l *PixelShuffle) Forward(bottom, top []*blob.Blob) error {
	src, dst := bottom[0].Data(), top[0].Data()
	l.visit(bottom[0].Shape(), top[0].Shape(), func(i, o int) { dst[o] = src[i] })
	return nil
}

func (l *PixelShuffle) Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error {
	if !propagateDown[0] {
		return nil
	}
	src, dst := top[0].Diff(), bottom[0].Diff()
	l.visit(bottom[0].Shape(), top[0].Shape(), func(i, o int) { dst[i] = src[o] })
	return nil
}

// Upsample repeats each element scale times along the last axis (dims_num 3,
// NCW) or the last two axes (dims_num 4, NCHW).
type Upsample struct {
	base
	scale   int
	dimsNum int
}

func newUpsample(_ *engine.Context, param *config.LayerParameter) (Layer, error) {
	sub, err := param.Sub("upsample_param")
	if err != nil {
		return nil, err
	}
	d := config.NewDecoder(sub)
	l := &Upsample{
		base:    base{param: param},
		scale:   d.Int("scale", 1),
		dimsNum: d.Int("dims_num", 4),
	}
	if err := d.Done(); err != nil {
		return nil, err
	}
	if l.scale <= 0 {
		return nil, errors.Errorf("scale must be positive, got %d", l.scale)
	}
	if l.dimsNum != 3 && l.dimsNum != 4 {
		return nil, errors.Errorf("dims_num must be 3 or 4, got %d", l.dimsNum)
	}
	return l, nil
}

func (l *Upsample) SetUp(bottom, top []*blob.Blob) error {
	if err := l.checkCounts(bottom, top, 1, 1, 1, 1); err != nil {
		return err
	}
	if top[0] == bottom[0] {
		return errors.Errorf("upsample layer %q cannot run in place", l.Name())
	}
	return l.Reshape(bottom, top)
}

func (l *Upsample) Reshape(bottom, top []*blob.Blob) error {
	shape := bottom[0].Shape()
	if len(shape) != l.dimsNum {
		return errors.Errorf("upsample layer %q with dims_num %d got a %d-D input %v", l.Name(), l.dimsNum, len(shape), shape)
	}
	out := shape.Clone()
	out[len(out)-1] *= l.scale
	if l.dimsNum == 4 {
		out[len(out)-2] *= l.scale
	}
	top[0].Reshape(out)
	return nil
}

// visit calls f(inIndex, outIndex) for every output element.
func (l *Upsample) visit(in blob.Shape, f func(i, o int)) {
	rows, cols := 1, in[len(in)-1]
	if l.dimsNum == 4 {
		rows = in[len(in)-2]
	}
	planes := in.Count() / max(rows*cols, 1)
	outRows, outCols := rows, cols*l.scale
	if l.dimsNum == 4 {
		outRows *= l.scale
	}
	o := 0
	for p := 0; p < planes; p++ {
		for h := 0; h < outRows; h++ {
			srcRow := p*rows*cols + (h*rows/outRows)*cols
			for w := 0; w < outCols; w++ {
				f(srcRow+w/l.scale, o)
				o++
			}
		}
	}
}

func (l *Upsample) Forward(bottom, top []*blob.Blob) error {
	src, dst := bottom[0].Data(), top[0].Data()
	l.visit(bottom[0].Shape(), func(i, o int) { dst[o] = src[i] })
	return nil
}

// Backward sums the gradients of every copy of an input element.
func (l *Upsample) Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error {
	if !propagateDown[0] {
		return nil
	}
	src, dst := top[0].Diff(), bottom[0].Diff()
	for i := range dst {
		dst[i] = 0
	}
	l.visit(bottom[0].Shape(), func(i, o int) { dst[i] += src[o] })
	return nil
}
