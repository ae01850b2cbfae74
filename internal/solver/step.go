package solver

import (
	"context"
	"log/slog"
	"math"

	"github.com/pkg/errors"

	"github.com/born-ml/solver/internal/config"
)

// LearningRate returns the rate the schedule gives the current iteration.
func (s *Solver) LearningRate() float64 {
	return s.policy.rate(s.param, s.iter, &s.currentStep)
}

// Step runs iters training iterations.
func (s *Solver) Step(iters int) error {
	return s.step(context.Background(), iters)
}

func (s *Solver) step(ctx context.Context, iters int) error {
	if s.closed {
		return ErrClosed
	}
	sp := s.param
	start, stop := s.iter, s.iter+iters
	s.losses = s.losses[:0]
	s.smoothedLoss = 0

	for s.iter < stop {
		if err := ctx.Err(); err != nil {
			s.log.Info("training interrupted", slog.Int("iter", s.iter))
			return errors.Wrapf(err, "iteration %d", s.iter)
		}
		s.net.ClearParamDiffs()
		if s.testDue() && (s.iter > 0 || sp.TestInitialization) {
			if _, err := s.TestAll(); err != nil {
				return err
			}
		}
		for _, cb := range s.callbacks {
			if cb.OnStart != nil {
				cb.OnStart(s.iter)
			}
		}

		var loss float64
		for i := 0; i < sp.IterSize; i++ {
			l, err := s.net.ForwardBackward()
			if err != nil {
				return errors.Wrapf(err, "iteration %d", s.iter)
			}
			loss += l
		}
		loss /= float64(sp.IterSize)
		s.updateSmoothedLoss(loss, start)

		if s.displayDue() {
			s.log.Info("iteration", slog.Int("iter", s.iter), slog.Float64("loss", s.smoothedLoss))
			s.logOutputs()
		}
		for _, cb := range s.callbacks {
			if cb.OnGradientsReady != nil {
				cb.OnGradientsReady(s.iter)
			}
		}

		if err := s.ApplyUpdate(); err != nil {
			return err
		}
		s.iter++

		if sp.Snapshot > 0 && s.iter%sp.Snapshot == 0 {
			if _, _, err := s.Snapshot(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Solve trains until max_iter. A non-empty resume path restores a
// .solverstate file first. ctx is checked between iterations.
func (s *Solver) Solve(ctx context.Context, resume string) error {
	if s.closed {
		return ErrClosed
	}
	sp := s.param
	s.log.Info("solving", slog.String("net", s.net.Name()), slog.String("lr_policy", sp.LRPolicy))
	if resume != "" {
		s.log.Info("restoring previous solver status", slog.String("path", resume))
		if err := s.Restore(resume); err != nil {
			return err
		}
	}
	start := s.iter
	if err := s.step(ctx, sp.MaxIter-s.iter); err != nil {
		return err
	}

	if sp.SnapshotAfterTrain && (sp.Snapshot == 0 || s.iter%sp.Snapshot != 0) {
		if _, _, err := s.Snapshot(); err != nil {
			return err
		}
	}
	// Forward only: the final display needs the loss, not gradients.
	if s.displayDue() {
		loss, err := s.net.Forward()
		if err != nil {
			return errors.Wrap(err, "final forward pass")
		}
		s.updateSmoothedLoss(loss, start)
		s.log.Info("iteration", slog.Int("iter", s.iter), slog.Float64("loss", s.smoothedLoss))
	}
	if s.testDue() {
		if _, err := s.TestAll(); err != nil {
			return err
		}
	}
	s.log.Info("optimization done", slog.Int("iter", s.iter))
	return nil
}

// ApplyUpdate turns the accumulated parameter diffs into one update step
// with the current iteration's learning rate. It does not advance Iter.
func (s *Solver) ApplyUpdate() error {
	if s.closed {
		return ErrClosed
	}
	rate := s.LearningRate()
	if s.displayDue() {
		s.log.Info("learning rate", slog.Int("iter", s.iter), slog.Float64("lr", rate))
	}
	s.clipGradients()
	params := s.net.Params()
	for i, p := range params {
		if s.param.IterSize > 1 {
			p.ScaleDiff(1 / float64(s.param.IterSize))
		}
		if err := s.regularize(i); err != nil {
			return err
		}
		s.algo.ComputeUpdateValue(p, s.history[i], rate*s.net.ParamLRMult(i), s.iter)
	}
	s.net.Update()
	return nil
}

// clipGradients rescales all diffs when their global L2 norm exceeds
// clip_gradients.
func (s *Solver) clipGradients() {
	threshold := s.param.ClipGradients
	if threshold < 0 {
		return
	}
	var sumsq float64
	for _, p := range s.net.Params() {
		sumsq += p.SumsqDiff()
	}
	norm := math.Sqrt(sumsq)
	if norm <= threshold {
		return
	}
	scale := threshold / norm
	s.log.Info("gradient clipping", slog.Float64("l2norm", norm), slog.Float64("threshold", threshold),
		slog.Float64("scale", scale))
	for _, p := range s.net.Params() {
		p.ScaleDiff(scale)
	}
}

func (s *Solver) regularize(i int) error {
	decay := s.param.WeightDecay * s.net.ParamDecayMult(i)
	if decay == 0 {
		return nil
	}
	p := s.net.Params()[i]
	data, diff := p.Data(), p.Diff()
	switch s.param.RegularizationType {
	case config.RegularizationL2:
		for k, v := range data {
			diff[k] += decay * v
		}
	case config.RegularizationL1:
		for k, v := range data {
			switch {
			case v > 0:
				diff[k] += decay
			case v < 0:
				diff[k] -= decay
			}
		}
	default:
		return errors.Errorf("unknown regularization type %q", s.param.RegularizationType)
	}
	return nil
}

// updateSmoothedLoss keeps a running mean over the last average_loss
// iterations of this Step call.
func (s *Solver) updateSmoothedLoss(loss float64, start int) {
	window := s.param.AverageLoss
	if len(s.losses) < window {
		s.losses = append(s.losses, loss)
		n := float64(len(s.losses))
		s.smoothedLoss = (s.smoothedLoss*(n-1) + loss) / n
		return
	}
	idx := (s.iter - start) % window
	s.smoothedLoss += (loss - s.losses[idx]) / float64(window)
	s.losses[idx] = loss
}

func (s *Solver) logOutputs() {
	names := s.net.OutputNames()
	for k, out := range s.net.Outputs() {
		w := s.net.LossWeight(names[k])
		for j, v := range out.Data() {
			attrs := []any{slog.Int("output", k), slog.String("blob", names[k]), slog.Int("index", j), slog.Float64("value", v)}
			if w != 0 {
				attrs = append(attrs, slog.Float64("loss_weight", w), slog.Float64("weighted", w*v))
			}
			s.log.Info("train net output", attrs...)
		}
	}
}

func (s *Solver) displayDue() bool {
	return s.param.Display > 0 && s.iter%s.param.Display == 0
}

func (s *Solver) testDue() bool {
	return s.param.TestInterval > 0 && len(s.testNets) > 0 && s.iter%s.param.TestInterval == 0
}
