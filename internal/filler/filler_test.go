package filler

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/solver/internal/blob"
	"github.com/born-ml/solver/internal/prototxt"
)

func decode(t *testing.T, text string) Param {
	t.Helper()
	msg, err := prototxt.Parse(text)
	require.NoError(t, err)
	p, err := Decode(msg)
	require.NoError(t, err)
	return p
}

func newRand() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

func TestDecode_Defaults(t *testing.T) {
	p, err := Decode(nil)
	require.NoError(t, err)
	assert.Equal(t, "constant", p.Type)
	assert.Equal(t, 0.0, p.Value)
	assert.Equal(t, 1.0, p.Std)
	assert.Equal(t, -1, p.Sparse)
	assert.Equal(t, FanIn, p.VarianceNorm)
}

func TestDecode_Errors(t *testing.T) {
	for _, text := range []string{
		`type: 'bogus'`,
		`type: 'xavier' variance_norm: SIDEWAYS`,
		`type: 'uniform' min: 2 max: 1`,
	} {
		msg, err := prototxt.Parse(text)
		require.NoError(t, err)
		_, err = Decode(msg)
		assert.Error(t, err, text)
	}
}

func TestFill_Constant(t *testing.T) {
	b := blob.New(blob.Shape{2, 3})
	require.NoError(t, Fill(decode(t, `type: 'constant' value: -3`), b, newRand()))
	for _, v := range b.Data() {
		assert.Equal(t, -3.0, v)
	}
}

func TestFill_UniformRange(t *testing.T) {
	b := blob.New(blob.Shape{100, 10})
	require.NoError(t, Fill(decode(t, `type: 'uniform' min: -0.5 max: 0.25`), b, newRand()))
	for _, v := range b.Data() {
		assert.GreaterOrEqual(t, v, -0.5)
		assert.LessOrEqual(t, v, 0.25)
	}
}

func TestFill_GaussianMoments(t *testing.T) {
	b := blob.New(blob.Shape{200, 50})
	require.NoError(t, Fill(decode(t, `type: 'gaussian' mean: 1 std: 2`), b, newRand()))

	n := float64(b.Count())
	mean := b.SumData() / n
	variance := b.SumsqData()/n - mean*mean
	assert.InDelta(t, 1.0, mean, 0.1)
	assert.InDelta(t, 2.0, math.Sqrt(variance), 0.1)
}

func TestFill_SparseGaussian(t *testing.T) {
	b := blob.New(blob.Shape{10, 1000})
	require.NoError(t, Fill(decode(t, `type: 'gaussian' std: 1 sparse: 3`), b, newRand()))

	zeros := 0
	for _, v := range b.Data() {
		if v == 0 {
			zeros++
		}
	}
	// Keep probability 3/10.
	assert.InDelta(t, 0.7, float64(zeros)/float64(b.Count()), 0.05)
}

func TestFill_PositiveUnitball(t *testing.T) {
	b := blob.New(blob.Shape{4, 5})
	require.NoError(t, Fill(decode(t, `type: 'positive_unitball'`), b, newRand()))
	for i := 0; i < 4; i++ {
		sum := 0.0
		for _, v := range b.Data()[i*5 : (i+1)*5] {
			assert.GreaterOrEqual(t, v, 0.0)
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-12)
	}
}

func TestFill_XavierBound(t *testing.T) {
	b := blob.New(blob.Shape{8, 3, 2, 2})
	require.NoError(t, Fill(decode(t, `type: 'xavier'`), b, newRand()))
	scale := math.Sqrt(3.0 / 12.0)
	for _, v := range b.Data() {
		assert.LessOrEqual(t, math.Abs(v), scale)
	}
}

func TestFill_SameSeedSameValues(t *testing.T) {
	p := decode(t, `type: 'msra'`)
	a := blob.New(blob.Shape{4, 4})
	b := blob.New(blob.Shape{4, 4})
	require.NoError(t, Fill(p, a, newRand()))
	require.NoError(t, Fill(p, b, newRand()))
	assert.Equal(t, a.Data(), b.Data())
}
