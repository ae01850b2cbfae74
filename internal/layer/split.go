package layer

import (
	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/solver/internal/blob"
	"github.com/born-ml/solver/internal/config"
	"github.com/born-ml/solver/internal/engine"
)

func init() {
	Register("Split", newSplit)
}

// Split fans one blob out to several consumers. The tops share the bottom's
// data; Backward sums the top diffs into the bottom diff.
//
// A net inserts Split layers itself when a blob feeds more than one layer.
type Split struct {
	base
}

func newSplit(_ *engine.Context, param *config.LayerParameter) (Layer, error) {
	return &Split{base: base{param: param}}, nil
}

func (l *Split) SetUp(bottom, top []*blob.Blob) error {
	if err := l.checkCounts(bottom, top, 1, 1, 1, -1); err != nil {
		return err
	}
	return l.Reshape(bottom, top)
}

func (l *Split) Reshape(bottom, top []*blob.Blob) error {
	for _, t := range top {
		if t == bottom[0] {
			continue
		}
		t.ReshapeLike(bottom[0])
		if err := t.ShareData(bottom[0]); err != nil {
			return err
		}
	}
	return nil
}

// Forward does nothing; tops already see the bottom's data.
func (l *Split) Forward(_, _ []*blob.Blob) error { return nil }

func (l *Split) Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error {
	if !propagateDown[0] {
		return nil
	}
	diff := bottom[0].Diff()
	copy(diff, top[0].Diff())
	for _, t := range top[1:] {
		floats.Add(diff, t.Diff())
	}
	return nil
}
