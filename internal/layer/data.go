package layer

import (
	"github.com/pkg/errors"

	"github.com/born-ml/solver/internal/blob"
	"github.com/born-ml/solver/internal/config"
	"github.com/born-ml/solver/internal/engine"
	"github.com/born-ml/solver/internal/filler"
	"github.com/born-ml/solver/internal/prototxt"
)

func init() {
	Register("DummyData", newDummyData)
	Register("Input", newInput)
}

// decodeShapes reads repeated `shape { dim: ... }` messages.
func decodeShapes(msgs []*prototxt.Message) ([]blob.Shape, error) {
	shapes := make([]blob.Shape, 0, len(msgs))
	for _, m := range msgs {
		d := config.NewDecoder(m)
		dims := d.Ints("dim")
		if err := d.Done(); err != nil {
			return nil, err
		}
		s := blob.Shape(dims)
		if err := s.Validate(); err != nil {
			return nil, err
		}
		shapes = append(shapes, s)
	}
	return shapes, nil
}

// DummyData produces blobs from fillers. Constant fillers are applied once,
// so values written into those tops by callers survive across iterations.
type DummyData struct {
	base
	ctx     *engine.Context
	shapes  []blob.Shape
	fillers []filler.Param
	refill  []bool
}

func newDummyData(ctx *engine.Context, param *config.LayerParameter) (Layer, error) {
	sub, err := param.Sub("dummy_data_param")
	if err != nil {
		return nil, err
	}
	d := config.NewDecoder(sub)
	shapeMsgs := d.Messages("shape")
	nums, channels := d.Ints("num"), d.Ints("channels")
	heights, widths := d.Ints("height"), d.Ints("width")
	fillerMsgs := d.Messages("data_filler")
	if err := d.Done(); err != nil {
		return nil, err
	}

	l := &DummyData{base: base{param: param}, ctx: ctx}
	numTop := len(param.Top)
	if len(shapeMsgs) > 0 {
		if len(nums) > 0 {
			return nil, errors.New("use either shape or num/channels/height/width, not both")
		}
		if l.shapes, err = decodeShapes(shapeMsgs); err != nil {
			return nil, err
		}
	} else {
		n := len(nums)
		if len(channels) != n || len(heights) != n || len(widths) != n {
			return nil, errors.New("num, channels, height and width must be repeated the same number of times")
		}
		for i := 0; i < n; i++ {
			l.shapes = append(l.shapes, blob.Shape{nums[i], channels[i], heights[i], widths[i]})
		}
	}
	if len(l.shapes) == 1 && numTop > 1 {
		for len(l.shapes) < numTop {
			l.shapes = append(l.shapes, l.shapes[0])
		}
	}
	if len(l.shapes) != numTop {
		return nil, errors.Errorf("%d shapes given for %d tops", len(l.shapes), numTop)
	}

	switch len(fillerMsgs) {
	case 0, 1, numTop:
	default:
		return nil, errors.Errorf("data_filler must be given 0, 1 or %d times, got %d", numTop, len(fillerMsgs))
	}
	for i := 0; i < numTop; i++ {
		var msg *prototxt.Message
		switch len(fillerMsgs) {
		case 0:
		case 1:
			msg = fillerMsgs[0]
		default:
			msg = fillerMsgs[i]
		}
		p, err := filler.Decode(msg)
		if err != nil {
			return nil, err
		}
		l.fillers = append(l.fillers, p)
		l.refill = append(l.refill, p.Type != "constant")
	}
	return l, nil
}

// SetUp shapes every top and applies the fillers once.
func (l *DummyData) SetUp(bottom, top []*blob.Blob) error {
	if err := l.checkCounts(bottom, top, 0, 0, 1, -1); err != nil {
		return err
	}
	if err := l.Reshape(bottom, top); err != nil {
		return err
	}
	for i, t := range top {
		if err := filler.Fill(l.fillers[i], t, l.ctx.Rand()); err != nil {
			return err
		}
	}
	return nil
}

// Reshape is a no-op after SetUp; shapes are fixed by the definition.
func (l *DummyData) Reshape(_, top []*blob.Blob) error {
	for i, t := range top {
		if !t.Shape().Equal(l.shapes[i]) {
			t.Reshape(l.shapes[i])
		}
	}
	return nil
}

// Forward refills tops whose filler is not constant.
func (l *DummyData) Forward(_, top []*blob.Blob) error {
	for i, t := range top {
		if l.refill[i] {
			if err := filler.Fill(l.fillers[i], t, l.ctx.Rand()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Backward does nothing; data layers have no bottoms.
func (l *DummyData) Backward(_ []*blob.Blob, _ []bool, _ []*blob.Blob) error {
	return nil
}

// Input exposes externally written blobs of fixed shape.
type Input struct {
	base
	shapes []blob.Shape
}

func newInput(_ *engine.Context, param *config.LayerParameter) (Layer, error) {
	sub, err := param.Sub("input_param")
	if err != nil {
		return nil, err
	}
	d := config.NewDecoder(sub)
	msgs := d.Messages("shape")
	if err := d.Done(); err != nil {
		return nil, err
	}
	shapes, err := decodeShapes(msgs)
	if err != nil {
		return nil, err
	}
	numTop := len(param.Top)
	if len(shapes) == 1 {
		for len(shapes) < numTop {
			shapes = append(shapes, shapes[0])
		}
	}
	if len(shapes) != numTop {
		return nil, errors.Errorf("%d shapes given for %d tops", len(shapes), numTop)
	}
	return &Input{base: base{param: param}, shapes: shapes}, nil
}

// NewInputFromShapes builds an Input layer for legacy net-level inputs.
func NewInputFromShapes(param *config.LayerParameter, shapes []blob.Shape) *Input {
	return &Input{base: base{param: param}, shapes: shapes}
}

// SetUp shapes the tops.
func (l *Input) SetUp(bottom, top []*blob.Blob) error {
	if err := l.checkCounts(bottom, top, 0, 0, 1, -1); err != nil {
		return err
	}
	for i, t := range top {
		t.Reshape(l.shapes[i])
	}
	return nil
}

// Reshape keeps whatever shape callers gave the inputs.
func (l *Input) Reshape(_, _ []*blob.Blob) error { return nil }

// Forward does nothing; inputs are written by callers.
func (l *Input) Forward(_, _ []*blob.Blob) error { return nil }

// Backward does nothing.
func (l *Input) Backward(_ []*blob.Blob, _ []bool, _ []*blob.Blob) error { return nil }
