package layer

import (
	"github.com/pkg/errors"

	"github.com/born-ml/solver/internal/blob"
	"github.com/born-ml/solver/internal/config"
	"github.com/born-ml/solver/internal/engine"
)

func init() {
	Register("Unsqueeze", newUnsqueeze)
}

// Unsqueeze inserts a size-1 axis at dim. Negative dims count from the end of
// the output shape, so -1 appends.
type Unsqueeze struct {
	base
	dim int
}

func newUnsqueeze(_ *engine.Context, param *config.LayerParameter) (Layer, error) {
	sub, err := param.Sub("unsqueeze_param")
	if err != nil {
		return nil, err
	}
	if !sub.Has("dim") {
		return nil, errors.New("unsqueeze_param.dim must be set")
	}
	d := config.NewDecoder(sub)
	dim := d.Int("dim", 0)
	if err := d.Done(); err != nil {
		return nil, err
	}
	return &Unsqueeze{base: base{param: param}, dim: dim}, nil
}

func (l *Unsqueeze) SetUp(bottom, top []*blob.Blob) error {
	if err := l.checkCounts(bottom, top, 1, 1, 1, 1); err != nil {
		return err
	}
	if top[0] == bottom[0] {
		return errors.Errorf("unsqueeze layer %q cannot run in place", l.Name())
	}
	return l.Reshape(bottom, top)
}

func (l *Unsqueeze) Reshape(bottom, top []*blob.Blob) error {
	shape := bottom[0].Shape()
	n := len(shape)
	index := l.dim
	if index < 0 {
		index += n + 1
	}
	if index < 0 || index > n {
		return errors.Errorf("unsqueeze layer %q: dim %d out of range for %d-D input", l.Name(), l.dim, n)
	}
	out := make(blob.Shape, 0, n+1)
	out = append(out, shape[:index]...)
	out = append(out, 1)
	out = append(out, shape[index:]...)
	top[0].Reshape(out)
	return nil
}

func (l *Unsqueeze) Forward(bottom, top []*blob.Blob) error {
	copy(top[0].Data(), bottom[0].Data())
	return nil
}

func (l *Unsqueeze) Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error {
	if propagateDown[0] {
		copy(bottom[0].Diff(), top[0].Diff())
	}
	return nil
}
