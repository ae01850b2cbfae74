package solver

import (
	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/solver/internal/blob"
	"github.com/born-ml/solver/internal/config"
)

// SGD is stochastic gradient descent with momentum.
//
// Update rule:
//
//	history = momentum * history + local_rate * gradient
//	param   = param - history
type SGD struct {
	momentum float64
}

func newSGD(sp *config.SolverParameter) (Algorithm, error) {
	return &SGD{momentum: sp.Momentum}, nil
}

// Type returns "SGD".
func (a *SGD) Type() string { return "SGD" }

// HistorySize returns 1: the momentum buffer.
func (a *SGD) HistorySize() int { return 1 }

// ComputeUpdateValue implements Algorithm.
func (a *SGD) ComputeUpdateValue(param *blob.Blob, history []*blob.Blob, localRate float64, _ int) {
	h, diff := history[0].Data(), param.Diff()
	floats.Scale(a.momentum, h)
	floats.AddScaled(h, localRate, diff)
	copy(diff, h)
}

// Nesterov is SGD with Nesterov's accelerated gradient.
//
// Update rule:
//
//	prev    = history
//	history = momentum * history + local_rate * gradient
//	param   = param - ((1 + momentum) * history - momentum * prev)
type Nesterov struct {
	momentum float64
	prev     []float64
}

func newNesterov(sp *config.SolverParameter) (Algorithm, error) {
	return &Nesterov{momentum: sp.Momentum}, nil
}

// Type returns "Nesterov".
func (a *Nesterov) Type() string { return "Nesterov" }

// HistorySize returns 1: the momentum buffer.
func (a *Nesterov) HistorySize() int { return 1 }

// ComputeUpdateValue implements Algorithm.
func (a *Nesterov) ComputeUpdateValue(param *blob.Blob, history []*blob.Blob, localRate float64, _ int) {
	h, diff := history[0].Data(), param.Diff()
	a.prev = append(a.prev[:0], h...)
	floats.Scale(a.momentum, h)
	floats.AddScaled(h, localRate, diff)
	for i := range diff {
		diff[i] = (1+a.momentum)*h[i] - a.momentum*a.prev[i]
	}
}
