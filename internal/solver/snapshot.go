package solver

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/born-ml/solver/internal/blob"
	"github.com/born-ml/solver/internal/serialization"
)

const (
	historyPrefix = "history/"
	runIDKey      = "run_id"
)

// SnapshotPaths returns the .caffemodel and .solverstate paths written
// for iteration iter.
func SnapshotPaths(prefix string, iter int) (params, state string) {
	base := fmt.Sprintf("%s_iter_%d", prefix, iter)
	return base + ".caffemodel", base + ".solverstate"
}

// Snapshot writes the training net parameters and the solver state for the
// current iteration, replacing any previous files of the same name. The
// parameters are committed first, so a readable .solverstate always has its
// .caffemodel next to it.
func (s *Solver) Snapshot() (paramsPath, statePath string, err error) {
	if s.closed {
		return "", "", ErrClosed
	}
	if s.param.SnapshotPrefix == "" {
		return "", "", errors.New("snapshot_prefix is not set")
	}
	paramsPath, statePath = SnapshotPaths(s.param.SnapshotPrefix, s.iter)

	s.log.Info("snapshotting to binary proto file", slog.String("path", paramsPath))
	meta := map[string]string{runIDKey: s.runID}
	if err := s.net.WriteParams(paramsPath, meta); err != nil {
		return "", "", errors.Wrap(err, "snapshot parameters")
	}

	s.log.Info("snapshotting solver state", slog.String("path", statePath))
	h := serialization.Header{
		Kind:     serialization.KindSolverState,
		NetName:  s.net.Name(),
		Metadata: meta,
		SolverState: &serialization.SolverState{
			Iter:        s.iter,
			CurrentStep: s.currentStep,
			LearnedNet:  filepath.Base(paramsPath),
			Type:        s.Type(),
		},
	}
	w, err := serialization.Create(statePath)
	if err != nil {
		return "", "", errors.Wrap(err, "snapshot solver state")
	}
	if err := w.Write(h, s.historyTensors()); err != nil {
		_ = w.Abort()
		return "", "", errors.Wrap(err, "snapshot solver state")
	}
	if err := w.Commit(); err != nil {
		return "", "", errors.Wrap(err, "snapshot solver state")
	}
	return paramsPath, statePath, nil
}

// historyTensors flattens the history slot-major: every parameter's first
// slot, then every parameter's second slot.
func (s *Solver) historyTensors() []serialization.Tensor {
	var out []serialization.Tensor
	for k := 0; k < s.algo.HistorySize(); k++ {
		for i, hs := range s.history {
			h := hs[k]
			out = append(out, serialization.Tensor{
				Name:  fmt.Sprintf("%s%d", historyPrefix, k*len(s.history)+i),
				Shape: h.Shape().Clone(),
				Data:  append([]float64(nil), h.Data()...),
			})
		}
	}
	return out
}

// Restore loads a .solverstate file: iteration, schedule position, update
// history and, when recorded, the matching parameters.
func (s *Solver) Restore(path string) error {
	if s.closed {
		return ErrClosed
	}
	r, err := serialization.Open(path)
	if err != nil {
		return errors.Wrap(err, "restore")
	}
	if r.Kind() != serialization.KindSolverState {
		return errors.Errorf("restore: %s holds %s, not solver state", path, r.Kind())
	}
	st := r.Header().SolverState
	if st.Type != s.Type() {
		return errors.Errorf("restore: %s was written by a %s solver, this is %s", path, st.Type, s.Type())
	}
	tensors, err := r.Tensors()
	if err != nil {
		return errors.Wrapf(err, "restore: read %s", path)
	}
	if want := len(s.history) * s.algo.HistorySize(); len(tensors) != want {
		return errors.Errorf("restore: %s has %d history blobs, net needs %d", path, len(tensors), want)
	}
	// Every tensor is checked before any history blob changes.
	targets := make([]*blob.Blob, len(tensors))
	seen := make([]bool, len(tensors))
	for i, t := range tensors {
		var idx int
		_, err := fmt.Sscanf(t.Name, historyPrefix+"%d", &idx)
		if err != nil || idx < 0 || idx >= len(tensors) || t.Name != fmt.Sprintf("%s%d", historyPrefix, idx) {
			return errors.Errorf("restore: unexpected tensor %q", t.Name)
		}
		if seen[idx] {
			return errors.Errorf("restore: %s holds %s more than once", path, t.Name)
		}
		h := s.history[idx%len(s.history)][idx/len(s.history)]
		if !h.Shape().Equal(t.Shape) {
			return errors.Errorf("restore: %s has shape %v, parameter %s has %v",
				t.Name, t.Shape, s.net.ParamNames()[idx%len(s.history)], h.Shape())
		}
		seen[idx] = true
		targets[i] = h
	}

	runID := r.Header().Metadata[runIDKey]
	if st.LearnedNet != "" {
		learned := st.LearnedNet
		if !filepath.IsAbs(learned) {
			learned = filepath.Join(filepath.Dir(path), learned)
		}
		pr, err := serialization.Open(learned)
		if err != nil {
			return errors.Wrap(err, "restore")
		}
		// Both files carry the run ID when written by Snapshot; a mismatch
		// means the .caffemodel was replaced by another run's.
		if other := pr.Header().Metadata[runIDKey]; runID != "" && other != "" && other != runID {
			return errors.Errorf("restore: %s belongs to run %s, %s to run %s", learned, other, path, runID)
		}
		if err := s.net.CopyTrainedLayers(pr); err != nil {
			return errors.Wrapf(err, "restore: load %s", learned)
		}
	}
	if runID != "" {
		s.runID = runID
		s.log = s.ctx.Logger().With(slog.String("solver", s.Type()), slog.String("run", s.runID))
	}
	for i, t := range tensors {
		if err := targets[i].SetData(t.Data); err != nil {
			return errors.Wrapf(err, "restore %s", t.Name)
		}
	}
	s.iter = st.Iter
	s.currentStep = st.CurrentStep
	s.log.Info("restored solver state", slog.String("path", path), slog.Int("iter", s.iter))
	return nil
}
