package solver

import (
	"math"

	"github.com/born-ml/solver/internal/blob"
	"github.com/born-ml/solver/internal/config"
)

// Adam implements Adaptive Moment Estimation.
//
// momentum is beta1, momentum2 is beta2 and delta is epsilon:
//
//	m     = beta1 * m + (1-beta1) * gradient
//	v     = beta2 * v + (1-beta2) * gradient²
//	param = param - local_rate * sqrt(1-beta2^t) / (1-beta1^t) * m / (sqrt(v) + eps)
//
// with t = iter + 1.
//
// Reference: "Adam: A Method for Stochastic Optimization" (Kingma & Ba, 2014)
type Adam struct {
	beta1, beta2, eps float64
}

func newAdam(sp *config.SolverParameter) (Algorithm, error) {
	return &Adam{beta1: sp.Momentum, beta2: sp.Momentum2, eps: sp.Delta}, nil
}

// Type returns "Adam".
func (a *Adam) Type() string { return "Adam" }

// HistorySize returns 2: first and second moment estimates.
func (a *Adam) HistorySize() int { return 2 }

// ComputeUpdateValue implements Algorithm.
func (a *Adam) ComputeUpdateValue(param *blob.Blob, history []*blob.Blob, localRate float64, iter int) {
	m, v, diff := history[0].Data(), history[1].Data(), param.Diff()
	t := float64(iter + 1)
	correction := math.Sqrt(1-math.Pow(a.beta2, t)) / (1 - math.Pow(a.beta1, t))
	for i, g := range diff {
		m[i] = a.beta1*m[i] + (1-a.beta1)*g
		v[i] = a.beta2*v[i] + (1-a.beta2)*g*g
		diff[i] = localRate * correction * m[i] / (math.Sqrt(v[i]) + a.eps)
	}
}
