package layer

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/solver/internal/blob"
	"github.com/born-ml/solver/internal/config"
	"github.com/born-ml/solver/internal/engine"
)

func init() {
	Register("SoftmaxWithLoss", newSoftmaxWithLoss)
	Register("EuclideanLoss", newEuclideanLoss)
}

// minProb is the smallest positive normal float32, used to keep log finite.
const minProb = 1.17549435e-38

// lossMarker makes a layer a Loss.
type lossMarker struct{}

func (lossMarker) isLoss() {}

// Normalization selects the divisor applied to a summed loss.
type Normalization int

// Normalization modes.
const (
	NormalizeFull Normalization = iota
	NormalizeValid
	NormalizeBatchSize
	NormalizeNone
)

type lossParam struct {
	ignoreLabel    int
	hasIgnoreLabel bool
	normalization  Normalization
}

func decodeLossParam(param *config.LayerParameter) (lossParam, error) {
	var p lossParam
	sub, err := param.Sub("loss_param")
	if err != nil {
		return p, err
	}
	d := config.NewDecoder(sub)
	p.hasIgnoreLabel = d.Has("ignore_label")
	p.ignoreLabel = d.Int("ignore_label", 0)
	norm := d.String("normalization", "VALID")
	legacy := d.Has("normalize") && !d.Has("normalization")
	normalize := d.Bool("normalize", true)
	if err := d.Done(); err != nil {
		return p, err
	}
	switch {
	case legacy && normalize:
		p.normalization = NormalizeValid
	case legacy:
		p.normalization = NormalizeBatchSize
	default:
		switch norm {
		case "FULL":
			p.normalization = NormalizeFull
		case "VALID":
			p.normalization = NormalizeValid
		case "BATCH_SIZE":
			p.normalization = NormalizeBatchSize
		case "NONE":
			p.normalization = NormalizeNone
		default:
			return p, errors.Errorf("unknown loss normalization %q", norm)
		}
	}
	return p, nil
}

// normalizer returns the loss divisor. It is never below 1.
func (p lossParam) normalizer(outer, inner, valid int) float64 {
	var n float64
	switch p.normalization {
	case NormalizeFull:
		n = float64(outer * inner)
	case NormalizeValid:
		n = float64(valid)
	case NormalizeBatchSize:
		n = float64(outer)
	default:
		n = 1
	}
	return math.Max(1, n)
}

// SoftmaxWithLoss computes the multinomial logistic loss of a softmax over
// bottom[0] against integer labels in bottom[1]. An optional second top
// receives the probabilities.
type SoftmaxWithLoss struct {
	base
	lossMarker
	axis  int
	loss  lossParam
	dims  softmaxDims
	prob  *blob.Blob
	valid int
}

func newSoftmaxWithLoss(_ *engine.Context, param *config.LayerParameter) (Layer, error) {
	sub, err := param.Sub("softmax_param")
	if err != nil {
		return nil, err
	}
	d := config.NewDecoder(sub)
	axis := d.Int("axis", 1)
	if err := d.Done(); err != nil {
		return nil, err
	}
	lp, err := decodeLossParam(param)
	if err != nil {
		return nil, err
	}
	return &SoftmaxWithLoss{base: base{param: param}, axis: axis, loss: lp, prob: blob.New(nil)}, nil
}

// AllowForceBackward refuses gradients for the label bottom.
func (l *SoftmaxWithLoss) AllowForceBackward(bottomIndex int) bool {
	return bottomIndex != 1
}

func (l *SoftmaxWithLoss) SetUp(bottom, top []*blob.Blob) error {
	if err := l.checkCounts(bottom, top, 2, 2, 1, 2); err != nil {
		return err
	}
	return l.Reshape(bottom, top)
}

func (l *SoftmaxWithLoss) Reshape(bottom, top []*blob.Blob) error {
	shape := bottom[0].Shape()
	axis, err := shape.Axis(l.axis)
	if err != nil {
		return err
	}
	l.dims = newSoftmaxDims(shape, axis)
	if got, want := bottom[1].Count(), l.dims.outer*l.dims.inner; got != want {
		return errors.Errorf("softmax loss layer %q: %d labels for %d predictions (shape %v, axis %d)",
			l.Name(), got, want, shape, axis)
	}
	l.prob.ReshapeLike(bottom[0])
	top[0].Reshape(scalarShape)
	if len(top) > 1 {
		top[1].ReshapeLike(bottom[0])
	}
	return nil
}

func (l *SoftmaxWithLoss) ignored(label int) bool {
	return l.loss.hasIgnoreLabel && label == l.loss.ignoreLabel
}

func (l *SoftmaxWithLoss) Forward(bottom, top []*blob.Blob) error {
	prob := l.prob.Data()
	softmaxForward(l.dims, bottom[0].Data(), prob)
	labels := bottom[1].Data()
	d := l.dims
	dim := d.channels * d.inner
	loss := 0.0
	l.valid = 0
	for i := 0; i < d.outer; i++ {
		for j := 0; j < d.inner; j++ {
			label := int(labels[i*d.inner+j])
			if l.ignored(label) {
				continue
			}
			if label < 0 || label >= d.channels {
				return errors.Errorf("softmax loss layer %q: label %d out of range [0, %d)", l.Name(), label, d.channels)
			}
			loss -= math.Log(math.Max(prob[i*dim+label*d.inner+j], minProb))
			l.valid++
		}
	}
	top[0].Data()[0] = loss / l.loss.normalizer(d.outer, d.inner, l.valid)
	if len(top) > 1 {
		copy(top[1].Data(), prob)
	}
	return nil
}

// Backward writes (prob - onehot(label)) scaled by the loss weight over the
// normalizer into bottom[0].diff.
func (l *SoftmaxWithLoss) Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error {
	if propagateDown[1] {
		return errors.Errorf("softmax loss layer %q cannot backpropagate to label inputs", l.Name())
	}
	if !propagateDown[0] {
		return nil
	}
	diff := bottom[0].Diff()
	copy(diff, l.prob.Data())
	labels := bottom[1].Data()
	d := l.dims
	dim := d.channels * d.inner
	for i := 0; i < d.outer; i++ {
		for j := 0; j < d.inner; j++ {
			label := int(labels[i*d.inner+j])
			if l.ignored(label) {
				for c := 0; c < d.channels; c++ {
					diff[i*dim+c*d.inner+j] = 0
				}
				continue
			}
			diff[i*dim+label*d.inner+j]--
		}
	}
	weight := top[0].Diff()[0] / l.loss.normalizer(d.outer, d.inner, l.valid)
	floats.Scale(weight, diff)
	return nil
}

// EuclideanLoss computes sum((a - b)^2) / (2 * num).
type EuclideanLoss struct {
	base
	lossMarker
	diff []float64
}

func newEuclideanLoss(_ *engine.Context, param *config.LayerParameter) (Layer, error) {
	return &EuclideanLoss{base: base{param: param}}, nil
}

func (l *EuclideanLoss) SetUp(bottom, top []*blob.Blob) error {
	if err := l.checkCounts(bottom, top, 2, 2, 1, 1); err != nil {
		return err
	}
	return l.Reshape(bottom, top)
}

func (l *EuclideanLoss) Reshape(bottom, top []*blob.Blob) error {
	if bottom[0].Count() != bottom[1].Count() {
		return errors.Errorf("euclidean loss layer %q: inputs have %d and %d elements",
			l.Name(), bottom[0].Count(), bottom[1].Count())
	}
	if len(l.diff) != bottom[0].Count() {
		l.diff = make([]float64, bottom[0].Count())
	}
	top[0].Reshape(scalarShape)
	return nil
}

func (l *EuclideanLoss) num(b *blob.Blob) float64 {
	if b.NumAxes() == 0 {
		return 1
	}
	return math.Max(1, float64(b.ShapeAt(0)))
}

func (l *EuclideanLoss) Forward(bottom, top []*blob.Blob) error {
	floats.SubTo(l.diff, bottom[0].Data(), bottom[1].Data())
	top[0].Data()[0] = floats.Dot(l.diff, l.diff) / l.num(bottom[0]) / 2
	return nil
}

func (l *EuclideanLoss) Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error {
	alpha := top[0].Diff()[0] / l.num(bottom[0])
	for i, b := range bottom {
		if !propagateDown[i] {
			continue
		}
		sign := 1.0
		if i == 1 {
			sign = -1
		}
		floats.ScaleTo(b.Diff(), sign*alpha, l.diff)
	}
	return nil
}
