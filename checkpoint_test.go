package musicgen

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trainedModel(t *testing.T) *Transformer {
	t.Helper()
	cfg := tinyModelConfig(10)
	cfg.LabelSmoothing = 0.1
	model, err := NewTransformer(cfg, 7)
	require.NoError(t, err)
	require.NoError(t, model.Forward([]int32{1, 2, 3, 4}, []int32{2, 3, 4, 5}, 1, 4))
	model.ZeroGradient()
	require.NoError(t, model.Backward())
	model.Update(AdamWConfig{Beta1: 0.9, Beta2: 0.95, Eps: 1e-8, WeightDecay: 0.01}, 1e-3)
	return model
}

func TestCheckpoint_RoundTrip(t *testing.T) {
	model := trainedModel(t)
	path := filepath.Join(t.TempDir(), "model.ckpt")
	state := TrainState{Epoch: 101, SchedulerSteps: 20}
	require.NoError(t, SaveCheckpoint(path, model, state))

	loaded, gotState, err := LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, state, gotState)
	assert.Equal(t, model.Config, loaded.Config)
	assert.Equal(t, model.Step, loaded.Step)
	assert.Equal(t, model.Params.Memory, loaded.Params.Memory)
	assert.Equal(t, model.MMemory, loaded.MMemory)
	assert.Equal(t, model.VMemory, loaded.VMemory)

	// the restored model computes the same loss
	inputs, targets := []int32{5, 4, 3}, []int32{4, 3, 2}
	require.NoError(t, model.Forward(inputs, targets, 1, 3))
	require.NoError(t, loaded.Forward(inputs, targets, 1, 3))
	assert.Equal(t, model.MeanLoss, loaded.MeanLoss)
}

func TestCheckpoint_WithoutOptimizerState(t *testing.T) {
	model, err := NewTransformer(tinyModelConfig(10), 7)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "fresh.ckpt")
	require.NoError(t, SaveCheckpoint(path, model, TrainState{}))
	loaded, _, err := LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Nil(t, loaded.MMemory)
	assert.Equal(t, model.Params.Memory, loaded.Params.Memory)
}

func TestCheckpoint_Overwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.ckpt")
	first, err := NewTransformer(tinyModelConfig(10), 1)
	require.NoError(t, err)
	require.NoError(t, SaveCheckpoint(path, first, TrainState{Epoch: 1}))
	second, err := NewTransformer(tinyModelConfig(12), 2)
	require.NoError(t, err)
	require.NoError(t, SaveCheckpoint(path, second, TrainState{Epoch: 2}))

	loaded, state, err := LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, 2, state.Epoch)
	assert.Equal(t, 12, loaded.Config.V)
}

// withDims copies data with the model dimensions in the header replaced.
func withDims(data []byte, dims ...uint32) []byte {
	out := append([]byte(nil), data...)
	for i, d := range dims {
		binary.LittleEndian.PutUint32(out[(2+i)*4:], d)
	}
	return out
}

func Test_paramCount(t *testing.T) {
	model, err := NewTransformer(tinyModelConfig(10), 1)
	require.NoError(t, err)
	n, ok := paramCount(model.Config)
	assert.True(t, ok)
	assert.Equal(t, int64(model.NumParameters()), n)

	_, ok = paramCount(ModelConfig{MaxSeqLen: math.MaxInt32, V: math.MaxInt32, L: math.MaxInt32, NH: 1, C: math.MaxInt32, FF: math.MaxInt32})
	assert.False(t, ok)
}

func TestLoadCheckpoint_Errors(t *testing.T) {
	dir := t.TempDir()
	valid := filepath.Join(dir, "valid.ckpt")
	require.NoError(t, SaveCheckpoint(valid, trainedModel(t), TrainState{}))
	data, err := os.ReadFile(valid)
	require.NoError(t, err)
	badMagic := append([]byte(nil), data...)
	binary.LittleEndian.PutUint32(badMagic, 1)
	badDims := append([]byte(nil), data...)
	binary.LittleEndian.PutUint32(badDims[5*4:], 3) // heads no longer divide channels
	hugeDims := withDims(data, 8, 1<<30, 1, 1, 1<<30, 1)
	overflowDims := withDims(data, math.MaxInt32, math.MaxInt32, math.MaxInt32, 1, math.MaxInt32, math.MaxInt32)

	tests := []struct {
		name    string
		content []byte
	}{
		{name: "badMagic", content: badMagic},
		{name: "badDims", content: badDims},
		{name: "truncatedParams", content: data[:headerLen*4+16]},
		{name: "truncatedOptimizer", content: data[:len(data)-4]},
		{name: "hugeDims", content: hugeDims},
		{name: "overflowDims", content: overflowDims},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name)
			require.NoError(t, os.WriteFile(path, tt.content, 0o644))
			_, _, err := LoadCheckpoint(path)
			assert.ErrorIs(t, err, ErrCorruptState)
		})
	}
	_, _, err = LoadCheckpoint(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}
