package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/solver/internal/blob"
)

const regressionNet = `
name: 'regression'
layer {
  type: 'DummyData' name: 'data' top: 'x' top: 'y'
  dummy_data_param {
    shape { dim: 4 dim: 3 }
    shape { dim: 4 dim: 1 }
    data_filler { type: 'constant' value: 1 }
    data_filler { type: 'constant' value: 2 }
  }
}
layer {
  type: 'InnerProduct' name: 'fc' bottom: 'x' top: 'fc'
  inner_product_param { num_output: 1 weight_filler { type: 'xavier' } }
}
layer { type: 'EuclideanLoss' name: 'loss' bottom: 'fc' bottom: 'y' top: 'loss' }
`

func writeFixtures(t *testing.T) (dir, solverPath string) {
	t.Helper()
	dir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "net.prototxt"), []byte(regressionNet), 0o600))
	solverText := fmt.Sprintf(`
net: "net.prototxt"
base_lr: 0.05
lr_policy: "fixed"
momentum: 0.9
max_iter: 20
random_seed: 3
snapshot_prefix: "%s"
`, filepath.Join(dir, "reg"))
	solverPath = filepath.Join(dir, "solver.prototxt")
	require.NoError(t, os.WriteFile(solverPath, []byte(solverText), 0o600))
	return dir, solverPath
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.NoError(t, run([]string{"version"}, &stdout, &stderr))
	assert.Equal(t, "solver "+version+"\n", stdout.String())
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no command", nil, "missing command"},
		{"unknown command", []string{"serve"}, "unknown command"},
		{"train without solver", []string{"train"}, "-solver is required"},
		{"train snapshot and weights", []string{"train", "-solver", "s", "-snapshot", "a", "-weights", "b"}, "not both"},
		{"test without weights", []string{"test", "-model", "m"}, "-model and -weights"},
		{"bad log level", []string{"train", "-solver", "s", "-log-level", "loud"}, "invalid -log-level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(tt.args, &stdout, &stderr)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestRun_TrainThenTest(t *testing.T) {
	dir, solverPath := writeFixtures(t)
	var stdout, stderr bytes.Buffer

	require.NoError(t, run([]string{"train", "-solver", solverPath, "-log-level", "warn"}, &stdout, &stderr))
	weights := filepath.Join(dir, "reg_iter_20.caffemodel")
	assert.FileExists(t, weights)
	assert.FileExists(t, filepath.Join(dir, "reg_iter_20.solverstate"))

	stdout.Reset()
	err := run([]string{"test", "-model", filepath.Join(dir, "net.prototxt"), "-weights", weights, "-iterations", "2"},
		&stdout, &stderr)
	require.NoError(t, err)
	assert.Contains(t, stdout.String(), "loss = ")
	assert.Contains(t, stdout.String(), "loss[0] = ")
}

func TestRun_TrainFinetune(t *testing.T) {
	dir, solverPath := writeFixtures(t)
	var stdout, stderr bytes.Buffer
	require.NoError(t, run([]string{"train", "-solver", solverPath, "-log-level", "error"}, &stdout, &stderr))

	weights := filepath.Join(dir, "reg_iter_20.caffemodel")
	require.NoError(t, run([]string{"train", "-solver", solverPath, "-weights", weights, "-seed", "9", "-log-level", "error"},
		&stdout, &stderr))
}

func TestAccumulate_RejectsResizedOutput(t *testing.T) {
	acc := blob.New(blob.Shape{1})
	acc.FillData(0.5)
	loss := blob.New(blob.Shape{2})
	loss.FillData(1)
	names := []string{"accuracy", "loss"}

	sums, err := accumulate(nil, []*blob.Blob{acc, loss}, names, true)
	require.NoError(t, err)
	sums, err = accumulate(sums, []*blob.Blob{acc, loss}, names, false)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1}, {2, 2}}, sums)

	loss.Reshape(blob.Shape{3})
	assert.NotPanics(t, func() {
		_, err = accumulate(sums, []*blob.Blob{acc, loss}, names, false)
	})
	assert.ErrorContains(t, err, `output "loss" changed size from 2 to 3`)

	_, err = accumulate(sums, []*blob.Blob{acc}, names[:1], false)
	assert.ErrorContains(t, err, "net has 1 outputs, first pass had 2")
}
