package timing

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/pipeexec/internal/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerStartStop(t *testing.T) {
	tm := New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	tm.now = func() time.Time { return clock }

	tm.Start("preproc")
	clock = clock.Add(2 * time.Second)
	tm.Stop("preproc")
	tm.Start("psf")
	tm.Stop("unknown")

	spans := tm.Spans()
	require.Len(t, spans, 2)
	assert.Equal(t, "preproc", spans[0].Step)
	assert.Equal(t, 2*time.Second, spans[0].Duration())
	assert.Equal(t, "psf", spans[1].Step)
	assert.Zero(t, spans[1].Duration())
}

func TestMerge(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	perRank := [][]Span{
		{{Step: "extract", Start: base.Add(time.Second), Stop: base.Add(11 * time.Second)}},
		{{Step: "extract", Start: base, Stop: base.Add(20 * time.Second)}},
		{{Step: "extract", Start: base.Add(2 * time.Second), Stop: base.Add(7 * time.Second)}},
		{},
	}

	out := Merge(perRank)
	require.Len(t, out, 1)
	s := out[0]
	assert.Equal(t, 3, s.Ranks)
	assert.True(t, s.Start.Equal(base))
	assert.True(t, s.Stop.Equal(base.Add(20*time.Second)))
	assert.InDelta(t, 20.0, s.WallSeconds, 1e-9)
	assert.InDelta(t, 5000, s.MinMillis, 5)
	assert.InDelta(t, 20000, s.MaxMillis, 20)
	assert.InDelta(t, 10000, s.P50Millis, 10)
}

func TestMergeOrdersByStart(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := Merge([][]Span{{
		{Step: "b", Start: base.Add(time.Minute), Stop: base.Add(2 * time.Minute)},
		{Step: "a", Start: base, Stop: base.Add(time.Minute)},
	}})
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].Step)
	assert.Equal(t, "b", out[1].Step)
}

func TestGatherOverLocalPool(t *testing.T) {
	results := make([][]Summary, 3)
	errs := pool.RunLocal(context.Background(), 3, func(ctx context.Context, p pool.WorkerPool) error {
		tm := New()
		tm.Start("stage")
		tm.Stop("stage")
		out, err := Gather(ctx, p, tm)
		results[p.Rank()] = out
		return err
	})
	require.NoError(t, pool.FirstError(errs))

	require.Len(t, results[0], 1)
	assert.Equal(t, 3, results[0][0].Ranks)
	assert.Nil(t, results[1])
	assert.Nil(t, results[2])
}

func TestWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timing.json")
	in := []Summary{{Step: "psf", Ranks: 2, MaxMillis: 42}}
	require.NoError(t, WriteJSON(path, in))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []Summary
	require.NoError(t, json.Unmarshal(b, &out))
	require.Len(t, out, 1)
	assert.Equal(t, int64(42), out[0].MaxMillis)
}
