package layer

import (
	"github.com/pkg/errors"

	"github.com/born-ml/solver/internal/blob"
	"github.com/born-ml/solver/internal/config"
	"github.com/born-ml/solver/internal/engine"
)

func init() {
	Register("Accuracy", newAccuracy)
}

// Accuracy reports the fraction of samples whose label is among the top_k
// scores. An optional second top holds per-class accuracy.
type Accuracy struct {
	base
	topK           int
	axis           int
	ignoreLabel    int
	hasIgnoreLabel bool
	dims           softmaxDims
}

func newAccuracy(_ *engine.Context, param *config.LayerParameter) (Layer, error) {
	sub, err := param.Sub("accuracy_param")
	if err != nil {
		return nil, err
	}
	d := config.NewDecoder(sub)
	l := &Accuracy{
		base:           base{param: param},
		topK:           d.Int("top_k", 1),
		axis:           d.Int("axis", 1),
		hasIgnoreLabel: d.Has("ignore_label"),
		ignoreLabel:    d.Int("ignore_label", 0),
	}
	if err := d.Done(); err != nil {
		return nil, err
	}
	if l.topK <= 0 {
		return nil, errors.Errorf("top_k must be positive, got %d", l.topK)
	}
	return l, nil
}

// AllowForceBackward is false for every bottom; accuracy has no gradient.
func (l *Accuracy) AllowForceBackward(int) bool { return false }

func (l *Accuracy) SetUp(bottom, top []*blob.Blob) error {
	if err := l.checkCounts(bottom, top, 2, 2, 1, 2); err != nil {
		return err
	}
	return l.Reshape(bottom, top)
}

func (l *Accuracy) Reshape(bottom, top []*blob.Blob) error {
	shape := bottom[0].Shape()
	axis, err := shape.Axis(l.axis)
	if err != nil {
		return err
	}
	l.dims = newSoftmaxDims(shape, axis)
	if l.topK > l.dims.channels {
		return errors.Errorf("accuracy layer %q: top_k %d exceeds %d classes", l.Name(), l.topK, l.dims.channels)
	}
	if got, want := bottom[1].Count(), l.dims.outer*l.dims.inner; got != want {
		return errors.Errorf("accuracy layer %q: %d labels for %d predictions", l.Name(), got, want)
	}
	top[0].Reshape(scalarShape)
	if len(top) > 1 {
		top[1].Reshape(blob.Shape{l.dims.channels})
	}
	return nil
}

func (l *Accuracy) Forward(bottom, top []*blob.Blob) error {
	scores, labels := bottom[0].Data(), bottom[1].Data()
	d := l.dims
	dim := d.channels * d.inner
	var perClass, classCount []float64
	if len(top) > 1 {
		perClass = make([]float64, d.channels)
		classCount = make([]float64, d.channels)
	}
	correct, count := 0, 0
	for i := 0; i < d.outer; i++ {
		for j := 0; j < d.inner; j++ {
			label := int(labels[i*d.inner+j])
			if l.hasIgnoreLabel && label == l.ignoreLabel {
				continue
			}
			if label < 0 || label >= d.channels {
				return errors.Errorf("accuracy layer %q: label %d out of range [0, %d)", l.Name(), label, d.channels)
			}
			if classCount != nil {
				classCount[label]++
			}
			truth := scores[i*dim+label*d.inner+j]
			// The true class counts itself, so start below zero.
			better := -1
			for c := 0; c < d.channels; c++ {
				if scores[i*dim+c*d.inner+j] >= truth {
					better++
				}
			}
			if better < l.topK {
				correct++
				if perClass != nil {
					perClass[label]++
				}
			}
			count++
		}
	}
	acc := 0.0
	if count > 0 {
		acc = float64(correct) / float64(count)
	}
	top[0].Data()[0] = acc
	if perClass != nil {
		out := top[1].Data()
		for c := range out {
			if classCount[c] > 0 {
				out[c] = perClass[c] / classCount[c]
			} else {
				out[c] = 0
			}
		}
	}
	return nil
}

func (l *Accuracy) Backward(_ []*blob.Blob, propagateDown []bool, _ []*blob.Blob) error {
	for _, p := range propagateDown {
		if p {
			return errors.Errorf("accuracy layer %q cannot backpropagate", l.Name())
		}
	}
	return nil
}
