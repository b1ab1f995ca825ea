package musicgen

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshot(runID string, epoch int, loss float64) Snapshot {
	return Snapshot{
		RunID: runID,
		Epoch: epoch,
		LR:    1e-4,
		Train: EpochMetrics{Loss: loss, Accuracy: 0.5, Perplexity: math.Exp(loss)},
		Val:   EpochMetrics{Loss: loss + 0.1, Accuracy: 0.4, Perplexity: math.Exp(loss + 0.1)},
	}
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	store, err := OpenSQLiteStore(path)
	require.NoError(t, err)

	want := []Snapshot{snapshot("a", 5, 2.0), snapshot("a", 10, 1.5)}
	for _, s := range want {
		require.NoError(t, store.Record(s))
	}
	require.NoError(t, store.Record(snapshot("b", 5, 3.0)))

	got, err := store.Snapshots("a")
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i := range want {
		assert.Equal(t, want[i].Epoch, got[i].Epoch)
		assert.InDelta(t, want[i].LR, got[i].LR, 1e-9)
		assert.InDelta(t, want[i].Train.Loss, got[i].Train.Loss, 1e-9)
		assert.InDelta(t, want[i].Val.Perplexity, got[i].Val.Perplexity, 1e-9)
	}
	require.NoError(t, store.Close())

	// snapshots survive reopening
	store, err = OpenSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()
	got, err = store.Snapshots("b")
	require.NoError(t, err)
	require.Len(t, got, 1)
	got, err = store.Snapshots("unknown")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLiteStore_Infinite(t *testing.T) {
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "metrics.db"))
	require.NoError(t, err)
	defer store.Close()
	s := snapshot("run", 5, 1)
	s.Val.Perplexity = math.Inf(1)
	require.NoError(t, store.Record(s))
	got, err := store.Snapshots("run")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, math.IsInf(got[0].Val.Perplexity, 1))
	assert.InDelta(t, 1, got[0].Train.Loss, 1e-9)
}

func TestHistory(t *testing.T) {
	var h History
	h.Append(snapshot("r", 5, 2))
	h.Append(snapshot("r", 10, 1))
	assert.Equal(t, []float64{2, 1}, h.Series(func(s Snapshot) float64 { return s.Train.Loss }))
}

func TestRenderSnapshot(t *testing.T) {
	assert.Empty(t, RenderSnapshot(History{}))

	var h History
	for i := 1; i <= 12; i++ {
		h.Append(snapshot("r", i*5, 3-float64(i)*0.2))
	}
	out := RenderSnapshot(h)
	for _, header := range []string{"Epoch", "LR", "Train Loss", "Val Loss", "Train Acc", "Val Acc", "Train PPL", "Val PPL"} {
		assert.Contains(t, out, header)
	}
	assert.Contains(t, out, "Training & Validation Metrics")
	assert.Contains(t, out, "60")
	// only the latest rows are listed
	assert.NotContains(t, out, "2.8000")
	assert.Contains(t, out, "0.6000")
	assert.Contains(t, out, "train loss")
	assert.Contains(t, out, "█")
}

func TestSparkline(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   string
	}{
		{name: "rising", values: []float64{0, 7}, want: "▁█"},
		{name: "flat", values: []float64{2, 2, 2}, want: "▁▁▁"},
		{name: "gap", values: []float64{1, math.Inf(1), 2}, want: "▁ █"},
		{name: "empty", values: nil, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sparkline(tt.values)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, len(tt.values), len([]rune(got)))
		})
	}
}
