package engine

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewContext_Defaults(t *testing.T) {
	ctx, err := NewContext()
	require.NoError(t, err)
	assert.Equal(t, CPU, ctx.Mode())
	assert.NotNil(t, ctx.Logger())
	assert.NotNil(t, ctx.Rand())
	assert.Contains(t, ctx.Describe(), "CPU mode")
}

func TestNewContext_GPUUnavailable(t *testing.T) {
	_, err := NewContext(WithMode(GPU), WithDevice(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGPUUnavailable))
}

func TestContext_SeedIsPerContext(t *testing.T) {
	a, err := NewContext(WithSeed(42))
	require.NoError(t, err)
	b, err := NewContext(WithSeed(42))
	require.NoError(t, err)
	c, err := NewContext(WithSeed(7))
	require.NoError(t, err)

	av, bv, cv := a.Rand().Float64(), b.Rand().Float64(), c.Rand().Float64()
	assert.Equal(t, av, bv)
	assert.NotEqual(t, av, cv)

	a.Reseed(7)
	assert.Equal(t, cv, a.Rand().Float64())
}

func TestContext_Fork(t *testing.T) {
	parent, err := NewContext(WithSeed(1), WithParallel(Sequential()))
	require.NoError(t, err)
	want := parent.Rand().Float64()

	parent.Reseed(1)
	child := parent.Fork(99)
	assert.Equal(t, uint64(99), child.Seed())
	assert.Equal(t, uint64(1), parent.Seed())
	assert.Equal(t, parent.Parallel(), child.Parallel())
	assert.Same(t, parent.Logger(), child.Logger())

	child.Rand().Float64()
	assert.Equal(t, want, parent.Rand().Float64(), "child draws do not advance the parent")
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("GPU")
	require.NoError(t, err)
	assert.Equal(t, GPU, m)
	assert.Equal(t, "GPU", m.String())

	_, err = ParseMode("TPU")
	assert.Error(t, err)
}

func TestParallelFor_VisitsEveryIndexOnce(t *testing.T) {
	configs := map[string]ParallelConfig{
		"sequential": Sequential(),
		"parallel":   {Enabled: true, NumWorkers: 4, MinChunkSize: 1},
		"chunked":    {Enabled: true, NumWorkers: 3, MinChunkSize: 8},
	}
	for name, cfg := range configs {
		t.Run(name, func(t *testing.T) {
			const n = 100
			var hits [n]int32
			cfg.For(n, func(i int) {
				atomic.AddInt32(&hits[i], 1)
			})
			for i := range hits {
				assert.Equal(t, int32(1), hits[i], "index %d", i)
			}
		})
	}
}
