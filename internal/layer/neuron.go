package layer

import (
	"math"

	"github.com/born-ml/solver/internal/blob"
	"github.com/born-ml/solver/internal/config"
	"github.com/born-ml/solver/internal/engine"
)

func init() {
	Register("ReLU", newReLU)
	Register("ReLU6", newReLU6)
	Register("Sigmoid", newSigmoid)
	Register("TanH", newTanH)
	Register("HardSigmoid", newHardSigmoid)
	Register("HardSwish", newHardSwish)
}

// neuron is an element-wise layer with one bottom and one top of the same
// shape. It may run in place (top == bottom).
type neuron struct {
	base
	forward func(x float64) float64

	// grad returns dy/dx given the input x and output y. Layers that run
	// in place only see y in both arguments unless keepInput is set.
	grad      func(x, y float64) float64
	keepInput bool
	input     []float64
}

func (n *neuron) SetUp(bottom, top []*blob.Blob) error {
	if err := n.checkCounts(bottom, top, 1, 1, 1, 1); err != nil {
		return err
	}
	return n.Reshape(bottom, top)
}

func (n *neuron) Reshape(bottom, top []*blob.Blob) error {
	if top[0] != bottom[0] {
		top[0].ReshapeLike(bottom[0])
	}
	return nil
}

func (n *neuron) Forward(bottom, top []*blob.Blob) error {
	in, out := bottom[0].Data(), top[0].Data()
	if n.keepInput {
		if len(n.input) != len(in) {
			n.input = make([]float64, len(in))
		}
		copy(n.input, in)
	}
	for i, x := range in {
		out[i] = n.forward(x)
	}
	return nil
}

func (n *neuron) Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error {
	if !propagateDown[0] {
		return nil
	}
	in := bottom[0].Data()
	if n.keepInput {
		in = n.input
	}
	out, topDiff, bottomDiff := top[0].Data(), top[0].Diff(), bottom[0].Diff()
	for i := range bottomDiff {
		bottomDiff[i] = topDiff[i] * n.grad(in[i], out[i])
	}
	return nil
}

func newReLU(_ *engine.Context, param *config.LayerParameter) (Layer, error) {
	sub, err := param.Sub("relu_param")
	if err != nil {
		return nil, err
	}
	d := config.NewDecoder(sub)
	slope := d.Float("negative_slope", 0)
	if err := d.Done(); err != nil {
		return nil, err
	}
	return &neuron{
		base: base{param: param},
		forward: func(x float64) float64 {
			return math.Max(x, 0) + slope*math.Min(x, 0)
		},
		grad: func(x, _ float64) float64 {
			if x > 0 {
				return 1
			}
			return slope
		},
	}, nil
}

func newReLU6(_ *engine.Context, param *config.LayerParameter) (Layer, error) {
	sub, err := param.Sub("relu6_param")
	if err != nil {
		return nil, err
	}
	d := config.NewDecoder(sub)
	slope := d.Float("negative_slope", 0)
	threshold := d.Float("threshold", 6)
	if err := d.Done(); err != nil {
		return nil, err
	}
	return &neuron{
		base: base{param: param},
		forward: func(x float64) float64 {
			return math.Min(math.Max(x, 0)+slope*math.Min(x, 0), threshold)
		},
		grad: func(x, _ float64) float64 {
			if x >= threshold {
				return 0
			}
			if x > 0 {
				return 1
			}
			return slope
		},
	}, nil
}

func newSigmoid(_ *engine.Context, param *config.LayerParameter) (Layer, error) {
	return &neuron{
		base: base{param: param},
		forward: func(x float64) float64 {
			return 0.5*math.Tanh(0.5*x) + 0.5
		},
		grad: func(_, y float64) float64 {
			return y * (1 - y)
		},
	}, nil
}

func newTanH(_ *engine.Context, param *config.LayerParameter) (Layer, error) {
	return &neuron{
		base:    base{param: param},
		forward: math.Tanh,
		grad: func(_, y float64) float64 {
			return 1 - y*y
		},
	}, nil
}

func newHardSigmoid(_ *engine.Context, param *config.LayerParameter) (Layer, error) {
	sub, err := param.Sub("hardsigmoid_param")
	if err != nil {
		return nil, err
	}
	d := config.NewDecoder(sub)
	alpha := d.Float("alpha", 0.2)
	beta := d.Float("beta", 0.5)
	if err := d.Done(); err != nil {
		return nil, err
	}
	return &neuron{
		base: base{param: param},
		forward: func(x float64) float64 {
			return math.Max(0, math.Min(1, alpha*x+beta))
		},
		grad: func(_, y float64) float64 {
			if y > 0 && y < 1 {
				return alpha
			}
			return 0
		},
	}, nil
}

// newHardSwish builds y = x * clamp(x/6 + 0.5, 0, 1). The gradient depends
// on x, so the input is kept for in-place use.
func newHardSwish(_ *engine.Context, param *config.LayerParameter) (Layer, error) {
	return &neuron{
		base: base{param: param},
		forward: func(x float64) float64 {
			return x * math.Max(0, math.Min(1, x/6+0.5))
		},
		grad: func(x, _ float64) float64 {
			switch {
			case x < -3:
				return 0
			case x > 3:
				return 1
			}
			return x/3 + 0.5
		},
		keepInput: true,
	}, nil
}
