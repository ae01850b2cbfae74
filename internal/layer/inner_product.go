package layer

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/solver/internal/blob"
	"github.com/born-ml/solver/internal/config"
	"github.com/born-ml/solver/internal/engine"
	"github.com/born-ml/solver/internal/filler"
)

func init() {
	Register("InnerProduct", newInnerProduct)
}

// InnerProduct is a fully connected layer: top = bottom * W^T + b, where
// bottom is flattened from axis onwards. W has shape (num_output, K).
type InnerProduct struct {
	base
	ctx          *engine.Context
	numOutput    int
	biasTerm     bool
	axis         int
	weightFiller filler.Param
	biasFiller   filler.Param

	m, k int // Rows and flattened input size of the current bottom
}

func newInnerProduct(ctx *engine.Context, param *config.LayerParameter) (Layer, error) {
	sub, err := param.Sub("inner_product_param")
	if err != nil {
		return nil, err
	}
	d := config.NewDecoder(sub)
	l := &InnerProduct{
		base:      base{param: param},
		ctx:       ctx,
		numOutput: d.Int("num_output", 0),
		biasTerm:  d.Bool("bias_term", true),
		axis:      d.Int("axis", 1),
	}
	if d.Bool("transpose", false) {
		return nil, errors.New("transpose is not supported")
	}
	weightMsg, biasMsg := d.Message("weight_filler"), d.Message("bias_filler")
	if err := d.Done(); err != nil {
		return nil, err
	}
	if l.numOutput <= 0 {
		return nil, errors.Errorf("num_output must be positive, got %d", l.numOutput)
	}
	if l.weightFiller, err = filler.Decode(weightMsg); err != nil {
		return nil, errors.Wrap(err, "weight_filler")
	}
	if l.biasFiller, err = filler.Decode(biasMsg); err != nil {
		return nil, errors.Wrap(err, "bias_filler")
	}
	return l, nil
}

// SetUp allocates and fills W and b.
func (l *InnerProduct) SetUp(bottom, top []*blob.Blob) error {
	if err := l.checkCounts(bottom, top, 1, 1, 1, 1); err != nil {
		return err
	}
	axis, err := bottom[0].Shape().Axis(l.axis)
	if err != nil {
		return err
	}
	l.axis = axis
	l.k = bottom[0].Shape().CountFrom(axis)

	weight := blob.Named(l.Name()+".weight", blob.Shape{l.numOutput, l.k})
	if err := filler.Fill(l.weightFiller, weight, l.ctx.Rand()); err != nil {
		return err
	}
	l.blobs = []*blob.Blob{weight}
	if l.biasTerm {
		bias := blob.Named(l.Name()+".bias", blob.Shape{l.numOutput})
		if err := filler.Fill(l.biasFiller, bias, l.ctx.Rand()); err != nil {
			return err
		}
		l.blobs = append(l.blobs, bias)
	}
	return l.Reshape(bottom, top)
}

// Reshape keeps the leading axes and replaces the rest with num_output.
func (l *InnerProduct) Reshape(bottom, top []*blob.Blob) error {
	shape := bottom[0].Shape()
	if k := shape.CountFrom(l.axis); k != l.k {
		return errors.Errorf("inner product layer %q expects %d inputs per row, got %d (shape %v)", l.Name(), l.k, k, shape)
	}
	l.m = shape.CountRange(0, l.axis)
	out := append(shape[:l.axis:l.axis], l.numOutput)
	top[0].Reshape(out)
	return nil
}

// Forward computes top = bottom * W^T + b.
func (l *InnerProduct) Forward(bottom, top []*blob.Blob) error {
	if l.m == 0 {
		return nil
	}
	x := mat.NewDense(l.m, l.k, bottom[0].Data())
	w := mat.NewDense(l.numOutput, l.k, l.blobs[0].Data())
	y := mat.NewDense(l.m, l.numOutput, top[0].Data())
	y.Mul(x, w.T())
	if l.biasTerm {
		bias := l.blobs[1].Data()
		out := top[0].Data()
		for i := 0; i < l.m; i++ {
			floats.Add(out[i*l.numOutput:(i+1)*l.numOutput], bias)
		}
	}
	return nil
}

// Backward accumulates dW += dY^T * X and db += colsum(dY), and sets
// dX = dY * W.
func (l *InnerProduct) Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error {
	if l.m == 0 {
		return nil
	}
	dy := mat.NewDense(l.m, l.numOutput, top[0].Diff())
	x := mat.NewDense(l.m, l.k, bottom[0].Data())

	var grad mat.Dense
	grad.Mul(dy.T(), x)
	floats.Add(l.blobs[0].Diff(), grad.RawMatrix().Data)

	if l.biasTerm {
		biasDiff := l.blobs[1].Diff()
		topDiff := top[0].Diff()
		for i := 0; i < l.m; i++ {
			floats.Add(biasDiff, topDiff[i*l.numOutput:(i+1)*l.numOutput])
		}
	}
	if propagateDown[0] {
		w := mat.NewDense(l.numOutput, l.k, l.blobs[0].Data())
		dx := mat.NewDense(l.m, l.k, bottom[0].Diff())
		dx.Mul(dy, w)
	}
	return nil
}
