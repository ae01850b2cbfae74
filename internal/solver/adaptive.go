package solver

import (
	"math"

	"github.com/pkg/errors"

	"github.com/born-ml/solver/internal/blob"
	"github.com/born-ml/solver/internal/config"
)

// AdaGrad scales each step by the accumulated squared gradient.
//
//	history = history + gradient²
//	param   = param - local_rate * gradient / (sqrt(history) + delta)
type AdaGrad struct {
	delta float64
}

func newAdaGrad(sp *config.SolverParameter) (Algorithm, error) {
	if sp.Momentum != 0 {
		return nil, errors.New("momentum cannot be used with AdaGrad")
	}
	return &AdaGrad{delta: sp.Delta}, nil
}

// Type returns "AdaGrad".
func (a *AdaGrad) Type() string { return "AdaGrad" }

// HistorySize returns 1: the squared gradient sum.
func (a *AdaGrad) HistorySize() int { return 1 }

// ComputeUpdateValue implements Algorithm.
func (a *AdaGrad) ComputeUpdateValue(param *blob.Blob, history []*blob.Blob, localRate float64, _ int) {
	h, diff := history[0].Data(), param.Diff()
	for i, g := range diff {
		h[i] += g * g
		diff[i] = localRate * g / (math.Sqrt(h[i]) + a.delta)
	}
}

// RMSProp divides by a running average of the squared gradient.
//
//	history = rms_decay * history + (1-rms_decay) * gradient²
//	param   = param - local_rate * gradient / (sqrt(history) + delta)
type RMSProp struct {
	decay, delta float64
}

func newRMSProp(sp *config.SolverParameter) (Algorithm, error) {
	if sp.Momentum != 0 {
		return nil, errors.New("momentum cannot be used with RMSProp")
	}
	if sp.RMSDecay < 0 || sp.RMSDecay > 1 {
		return nil, errors.Errorf("rms_decay must be in [0, 1], got %v", sp.RMSDecay)
	}
	return &RMSProp{decay: sp.RMSDecay, delta: sp.Delta}, nil
}

// Type returns "RMSProp".
func (a *RMSProp) Type() string { return "RMSProp" }

// HistorySize returns 1: the squared gradient average.
func (a *RMSProp) HistorySize() int { return 1 }

// ComputeUpdateValue implements Algorithm.
func (a *RMSProp) ComputeUpdateValue(param *blob.Blob, history []*blob.Blob, localRate float64, _ int) {
	h, diff := history[0].Data(), param.Diff()
	for i, g := range diff {
		h[i] = a.decay*h[i] + (1-a.decay)*g*g
		diff[i] = localRate * g / (math.Sqrt(h[i]) + a.delta)
	}
}

// AdaDelta adapts the step from running averages of squared gradients and
// squared updates; momentum is the decay of both.
//
//	g2     = momentum * g2 + (1-momentum) * gradient²
//	update = gradient * sqrt((u2 + delta) / (g2 + delta))
//	u2     = momentum * u2 + (1-momentum) * update²
//	param  = param - local_rate * update
type AdaDelta struct {
	momentum, delta float64
}

func newAdaDelta(sp *config.SolverParameter) (Algorithm, error) {
	return &AdaDelta{momentum: sp.Momentum, delta: sp.Delta}, nil
}

// Type returns "AdaDelta".
func (a *AdaDelta) Type() string { return "AdaDelta" }

// HistorySize returns 2: squared gradients and squared updates.
func (a *AdaDelta) HistorySize() int { return 2 }

// ComputeUpdateValue implements Algorithm.
func (a *AdaDelta) ComputeUpdateValue(param *blob.Blob, history []*blob.Blob, localRate float64, _ int) {
	g2, u2, diff := history[0].Data(), history[1].Data(), param.Diff()
	for i, g := range diff {
		g2[i] = a.momentum*g2[i] + (1-a.momentum)*g*g
		update := g * math.Sqrt((u2[i]+a.delta)/(g2[i]+a.delta))
		u2[i] = a.momentum*u2[i] + (1-a.momentum)*update*update
		diff[i] = localRate * update
	}
}
