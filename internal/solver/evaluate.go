package solver

import (
	"log/slog"

	"github.com/pkg/errors"
)

// Score is one element of a test net output averaged over test_iter
// forward passes.
type Score struct {
	Blob       string
	Index      int
	Value      float64
	LossWeight float64
}

// TestAll evaluates every test net and returns the scores per net.
func (s *Solver) TestAll() ([][]Score, error) {
	all := make([][]Score, len(s.testNets))
	for i := range s.testNets {
		scores, err := s.Test(i)
		if err != nil {
			return nil, err
		}
		all[i] = scores
	}
	return all, nil
}

// Test evaluates test net i with the current training parameters.
func (s *Solver) Test(i int) ([]Score, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if i < 0 || i >= len(s.testNets) {
		return nil, errors.Errorf("test net %d out of range [0, %d)", i, len(s.testNets))
	}
	tn := s.testNets[i]
	iters := s.param.TestIter[i]
	s.log.Info("testing net", slog.Int("iter", s.iter), slog.Int("test_net", i))
	if err := tn.ShareTrainedLayersWith(s.net); err != nil {
		return nil, errors.Wrapf(err, "test net %d", i)
	}

	var (
		scores []Score
		loss   float64
	)
	names := tn.OutputNames()
	for it := 0; it < iters; it++ {
		l, err := tn.Forward()
		if err != nil {
			return nil, errors.Wrapf(err, "test net %d", i)
		}
		loss += l
		k := 0
		for b, out := range tn.Outputs() {
			for j, v := range out.Data() {
				if it == 0 {
					scores = append(scores, Score{Blob: names[b], Index: j, LossWeight: tn.LossWeight(names[b])})
				} else if k >= len(scores) {
					return nil, errors.Errorf("test net %d: output %q changed size during testing", i, names[b])
				}
				scores[k].Value += v
				k++
			}
		}
	}

	if s.param.TestComputeLoss {
		s.log.Info("test loss", slog.Int("test_net", i), slog.Float64("loss", loss/float64(iters)))
	}
	for k := range scores {
		scores[k].Value /= float64(iters)
		sc := scores[k]
		attrs := []any{slog.Int("test_net", i), slog.Int("output", k), slog.String("blob", sc.Blob), slog.Float64("value", sc.Value)}
		if sc.LossWeight != 0 {
			attrs = append(attrs, slog.Float64("loss_weight", sc.LossWeight), slog.Float64("weighted", sc.LossWeight*sc.Value))
		}
		s.log.Info("test net output", attrs...)
	}
	return scores, nil
}
