package layer

import (
	"github.com/pkg/errors"

	"github.com/born-ml/solver/internal/blob"
	"github.com/born-ml/solver/internal/config"
	"github.com/born-ml/solver/internal/engine"
)

func init() {
	Register("Pad", newPad)
}

// PadMode selects how padded positions are filled.
type PadMode int

// Pad modes.
const (
	PadConstant PadMode = iota
	PadReplicate
	PadReflect
)

// Pad grows (or, with negative amounts, crops) the last two axes of a 2-D,
// 3-D or 4-D blob.
type Pad struct {
	base
	up, down, left, right int
	value                 float64
	mode                  PadMode

	// srcRow and srcCol map an output coordinate to its input coordinate,
	// or -1 for a constant-filled position.
	srcRow, srcCol []int
	planes         int
}

func newPad(_ *engine.Context, param *config.LayerParameter) (Layer, error) {
	sub, err := param.Sub("pad_param")
	if err != nil {
		return nil, err
	}
	d := config.NewDecoder(sub)
	l := &Pad{
		base:  base{param: param},
		up:    d.Int("pad_u", 0),
		down:  d.Int("pad_d", 0),
		left:  d.Int("pad_l", 0),
		right: d.Int("pad_r", 0),
		value: d.Float("pad_value", 0),
	}
	switch typ := d.String("pad_type", "CONSTANT"); typ {
	case "CONSTANT":
		l.mode = PadConstant
	case "REPLICATE":
		l.mode = PadReplicate
	case "REFLECT":
		l.mode = PadReflect
	default:
		return nil, errors.Errorf("unknown pad_type %q", typ)
	}
	if err := d.Done(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Pad) SetUp(bottom, top []*blob.Blob) error {
	if err := l.checkCounts(bottom, top, 1, 1, 1, 1); err != nil {
		return err
	}
	if top[0] == bottom[0] {
		return errors.Errorf("pad layer %q cannot run in place", l.Name())
	}
	return l.Reshape(bottom, top)
}

func (l *Pad) Reshape(bottom, top []*blob.Blob) error {
	shape := bottom[0].Shape()
	n := len(shape)
	if n < 2 || n > 4 {
		return errors.Errorf("pad layer %q needs a 2-D to 4-D input, got %v", l.Name(), shape)
	}
	height, width := shape[n-2], shape[n-1]
	outH, outW := height+l.up+l.down, width+l.left+l.right
	if outH < 0 || outW < 0 {
		return errors.Errorf("pad layer %q crops %v to a negative size %dx%d", l.Name(), shape, outH, outW)
	}
	var err error
	if l.srcRow, err = l.indexMap(outH, height, l.up, "height"); err != nil {
		return err
	}
	if l.srcCol, err = l.indexMap(outW, width, l.left, "width"); err != nil {
		return err
	}
	l.planes = shape.CountRange(0, n-2)
	out := shape.Clone()
	out[n-2], out[n-1] = outH, outW
	top[0].Reshape(out)
	return nil
}

func (l *Pad) indexMap(outSize, inSize, before int, axis string) ([]int, error) {
	m := make([]int, outSize)
	for o := range m {
		src := o - before
		if src >= 0 && src < inSize {
			m[o] = src
			continue
		}
		switch l.mode {
		case PadConstant:
			m[o] = -1
		case PadReplicate:
			if inSize == 0 {
				return nil, errors.Errorf("pad layer %q cannot replicate an empty %s", l.Name(), axis)
			}
			m[o] = min(max(src, 0), inSize-1)
		case PadReflect:
			if src < 0 {
				src = -src
			} else {
				src = 2*(inSize-1) - src
			}
			if src < 0 || src >= inSize {
				return nil, errors.Errorf("pad layer %q reflect padding exceeds input %s %d", l.Name(), axis, inSize)
			}
			m[o] = src
		}
	}
	return m, nil
}

func (l *Pad) Forward(bottom, top []*blob.Blob) error {
	in, out := bottom[0].Data(), top[0].Data()
	inRows, inCols := bottom[0].ShapeAt(-2), bottom[0].ShapeAt(-1)
	outRows, outCols := len(l.srcRow), len(l.srcCol)
	for p := 0; p < l.planes; p++ {
		src := in[p*inRows*inCols : (p+1)*inRows*inCols]
		dst := out[p*outRows*outCols : (p+1)*outRows*outCols]
		for h, sh := range l.srcRow {
			row := dst[h*outCols : (h+1)*outCols]
			for w, sw := range l.srcCol {
				if sh < 0 || sw < 0 {
					row[w] = l.value
				} else {
					row[w] = src[sh*inCols+sw]
				}
			}
		}
	}
	return nil
}

// Backward routes each output gradient to the input position it was read
// from. Constant-filled positions drop their gradient.
func (l *Pad) Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error {
	if !propagateDown[0] {
		return nil
	}
	topDiff, bottomDiff := top[0].Diff(), bottom[0].Diff()
	for i := range bottomDiff {
		bottomDiff[i] = 0
	}
	inRows, inCols := bottom[0].ShapeAt(-2), bottom[0].ShapeAt(-1)
	outRows, outCols := len(l.srcRow), len(l.srcCol)
	for p := 0; p < l.planes; p++ {
		dst := bottomDiff[p*inRows*inCols : (p+1)*inRows*inCols]
		src := topDiff[p*outRows*outCols : (p+1)*outRows*outCols]
		for h, sh := range l.srcRow {
			if sh < 0 {
				continue
			}
			for w, sw := range l.srcCol {
				if sw >= 0 {
					dst[sh*inCols+sw] += src[h*outCols+w]
				}
			}
		}
	}
	return nil
}
