// Package main provides the solver CLI: train a net from a solver
// configuration or score trained weights on a test net.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/solver/internal/blob"
	"github.com/born-ml/solver/internal/config"
	"github.com/born-ml/solver/internal/engine"
	"github.com/born-ml/solver/internal/net"
	"github.com/born-ml/solver/internal/solver"
)

const version = "v0.0.1-dev"

const usage = `Usage: solver <command> [flags]

Commands:
  train      Train a net from a solver prototxt
  test       Score trained weights on a net
  version    Show version

Run 'solver <command> -h' for command flags.
`

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "solver: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errors.New("missing command")
	}
	switch args[0] {
	case "train":
		return train(args[1:], stderr)
	case "test":
		return test(args[1:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "solver %s\n", version)
		return nil
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	}
	fmt.Fprint(stderr, usage)
	return errors.Errorf("unknown command %q", args[0])
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.Errorf("invalid -log-level %q", level)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})), nil
}

func train(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	fs.SetOutput(stderr)
	solverPath := fs.String("solver", "", "solver prototxt (required)")
	resume := fs.String("snapshot", "", "resume from a .solverstate file")
	weights := fs.String("weights", "", "initialize from comma-separated .caffemodel files")
	seed := fs.Int64("seed", -1, "override random_seed (negative keeps the configured value)")
	logLevel := fs.String("log-level", "info", "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *solverPath == "" {
		return errors.New("train: -solver is required")
	}
	if *resume != "" && *weights != "" {
		return errors.New("train: give -snapshot or -weights, not both")
	}

	logger, err := newLogger(stderr, *logLevel)
	if err != nil {
		return err
	}
	ctx, err := engine.NewContext(engine.WithLogger(logger))
	if err != nil {
		return err
	}
	sp, err := config.LoadSolver(*solverPath)
	if err != nil {
		return err
	}
	if *seed >= 0 {
		sp.RandomSeed = *seed
	}
	s, err := solver.New(ctx, sp)
	if err != nil {
		return err
	}
	defer s.Close()

	if *weights != "" {
		for _, path := range strings.Split(*weights, ",") {
			logger.Info("finetuning from weights", slog.String("path", path))
			for _, n := range append([]*net.Net{s.Net()}, s.TestNets()...) {
				if err := n.CopyTrainedLayersFrom(path); err != nil {
					return err
				}
			}
		}
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := s.Solve(runCtx, *resume); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("stopped early, snapshotting", slog.Int("iter", s.Iter()))
			if _, _, serr := s.Snapshot(); serr != nil {
				return serr
			}
		}
		return err
	}
	return nil
}

func test(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(stderr)
	model := fs.String("model", "", "net prototxt (required)")
	weights := fs.String("weights", "", ".caffemodel to score (required)")
	iterations := fs.Int("iterations", 50, "number of forward passes")
	logLevel := fs.String("log-level", "warn", "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *model == "" || *weights == "" {
		return errors.New("test: -model and -weights are required")
	}
	if *iterations <= 0 {
		return errors.Errorf("test: -iterations must be positive, got %d", *iterations)
	}

	logger, err := newLogger(stderr, *logLevel)
	if err != nil {
		return err
	}
	ctx, err := engine.NewContext(engine.WithLogger(logger))
	if err != nil {
		return err
	}
	n, err := net.Load(ctx, *model, config.Test)
	if err != nil {
		return err
	}
	if err := n.CopyTrainedLayersFrom(*weights); err != nil {
		return err
	}

	names := n.OutputNames()
	var (
		sums  [][]float64
		total float64
	)
	for it := 0; it < *iterations; it++ {
		loss, err := n.Forward()
		if err != nil {
			return err
		}
		total += loss
		if sums, err = accumulate(sums, n.Outputs(), names, it == 0); err != nil {
			return err
		}
	}

	iters := float64(*iterations)
	fmt.Fprintf(stdout, "loss = %g\n", total/iters)
	for b, vals := range sums {
		for j, v := range vals {
			mean := v / iters
			if w := n.LossWeight(names[b]); w != 0 {
				fmt.Fprintf(stdout, "%s[%d] = %g (* %g = %g loss)\n", names[b], j, mean, w, w*mean)
				continue
			}
			fmt.Fprintf(stdout, "%s[%d] = %g\n", names[b], j, mean)
		}
	}
	return nil
}

// accumulate adds the values of outs into sums, allocating sums on the first
// pass. An output whose size differs from the first pass is an error.
func accumulate(sums [][]float64, outs []*blob.Blob, names []string, first bool) ([][]float64, error) {
	if first {
		sums = make([][]float64, 0, len(outs))
		for _, out := range outs {
			sums = append(sums, make([]float64, out.Count()))
		}
	}
	if len(outs) != len(sums) {
		return nil, errors.Errorf("test: net has %d outputs, first pass had %d", len(outs), len(sums))
	}
	for b, out := range outs {
		if out.Count() != len(sums[b]) {
			return nil, errors.Errorf("test: output %q changed size from %d to %d", names[b], len(sums[b]), out.Count())
		}
		for j, v := range out.Data() {
			sums[b][j] += v
		}
	}
	return sums, nil
}
