package musicgen

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyModelConfig(v int) ModelConfig {
	return ModelConfig{MaxSeqLen: 8, V: v, L: 2, NH: 2, C: 8, FF: 16}
}

func TestModelConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ModelConfig)
		wantErr bool
	}{
		{name: "valid", mutate: func(*ModelConfig) {}},
		{name: "zeroVocab", mutate: func(c *ModelConfig) { c.V = 0 }, wantErr: true},
		{name: "headsDontDivide", mutate: func(c *ModelConfig) { c.NH = 3 }, wantErr: true},
		{name: "smoothingTooLarge", mutate: func(c *ModelConfig) { c.LabelSmoothing = 1 }, wantErr: true},
		{name: "negativeSmoothing", mutate: func(c *ModelConfig) { c.LabelSmoothing = -0.1 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tinyModelConfig(10)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				_, err = NewTransformer(cfg, 1)
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNewTransformer(t *testing.T) {
	cfg := tinyModelConfig(10)
	model, err := NewTransformer(cfg, 1)
	require.NoError(t, err)
	V, C, maxT, L, FF := cfg.V, cfg.C, cfg.MaxSeqLen, cfg.L, cfg.FF
	want := V*C + maxT*C + L*(2*C+3*C*C+3*C+C*C+C+2*C+FF*C+FF+C*FF+C) + 2*C
	assert.Equal(t, want, model.NumParameters())
	assert.Contains(t, model.String(), "num_parameters")
	for _, w := range model.Params.LayerNorm1W.data {
		assert.Equal(t, float32(1), w)
	}

	same, err := NewTransformer(cfg, 1)
	require.NoError(t, err)
	assert.Equal(t, model.Params.Memory, same.Params.Memory)
	other, err := NewTransformer(cfg, 2)
	require.NoError(t, err)
	assert.NotEqual(t, model.Params.Memory, other.Params.Memory)
}

func TestTransformer_InitialLoss(t *testing.T) {
	const V = 32
	model, err := NewTransformer(tinyModelConfig(V), 1)
	require.NoError(t, err)
	inputs := []int32{1, 2, 3, 4, 5, 6, 7, 8}
	targets := []int32{2, 3, 4, 5, 6, 7, 8, 9}
	require.NoError(t, model.Forward(inputs, targets, 2, 4))
	// small initial weights give a near uniform distribution
	assert.InDelta(t, math.Log(V), model.MeanLoss, 0.1)
	var sum float32
	for _, p := range model.Probabilities(1, 3) {
		sum += p
	}
	assert.InDelta(t, 1, sum, 1e-4)
}

func TestTransformer_ForwardErrors(t *testing.T) {
	model, err := NewTransformer(tinyModelConfig(10), 1)
	require.NoError(t, err)
	tests := []struct {
		name    string
		inputs  []int32
		targets []int32
		B, T    int
		wantErr error
	}{
		{name: "tooLong", inputs: make([]int32, 9), B: 1, T: 9},
		{name: "shortInput", inputs: make([]int32, 3), B: 1, T: 4},
		{name: "unknownInput", inputs: []int32{1, 10}, B: 1, T: 2, wantErr: ErrUnknownTokenID},
		{name: "negativeTarget", inputs: []int32{1, 2}, targets: []int32{1, -1}, B: 1, T: 2, wantErr: ErrUnknownTokenID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := model.Forward(tt.inputs, tt.targets, tt.B, tt.T)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestTransformer_BackwardNeedsTargets(t *testing.T) {
	model, err := NewTransformer(tinyModelConfig(10), 1)
	require.NoError(t, err)
	require.NoError(t, model.Forward([]int32{1, 2}, nil, 1, 2))
	assert.Equal(t, float32(-1), model.MeanLoss)
	assert.Error(t, model.Backward())
}

func TestTransformer_Gradient(t *testing.T) {
	cfg := tinyModelConfig(6)
	cfg.LabelSmoothing = 0.1
	model, err := NewTransformer(cfg, 3)
	require.NoError(t, err)
	inputs := []int32{0, 1, 2, 3, 4, 5}
	targets := []int32{1, 2, 3, 4, 5, 0}
	require.NoError(t, model.Forward(inputs, targets, 2, 3))
	model.ZeroGradient()
	require.NoError(t, model.Backward())

	loss := func() float64 {
		require.NoError(t, model.Forward(inputs, targets, 2, 3))
		return float64(model.MeanLoss)
	}
	// spot check a few parameters of every kind against finite differences
	for _, param := range []tensor{model.Params.WordTokEmbed, model.Params.QueryKeyValW, model.Params.FeedFwdProjW, model.Params.LayerFinNormW} {
		idx := []int{0, len(param.data) / 2, len(param.data) - 1}
		for _, i := range idx {
			offset := &param.data[i]
			orig := *offset
			const eps = 1e-2
			*offset = orig + eps
			up := loss()
			*offset = orig - eps
			down := loss()
			*offset = orig
			numeric := (up - down) / (2 * eps)
			analytic := model.Grads.Memory[paramOffset(model, offset)]
			assert.InDelta(t, numeric, analytic, 2e-3)
		}
	}
}

// paramOffset finds the position of p in the flat parameter memory.
func paramOffset(model *Transformer, p *float32) int {
	for i := range model.Params.Memory {
		if &model.Params.Memory[i] == p {
			return i
		}
	}
	panic("not a parameter")
}

func TestTransformer_LearnsSequence(t *testing.T) {
	const V = 8
	cfg := tinyModelConfig(V)
	model, err := NewTransformer(cfg, 1)
	require.NoError(t, err)
	stream := make([]int32, 200)
	for i := range stream {
		stream[i] = int32(i % V)
	}
	loader, err := NewDataLoader(stream, 4, 8)
	require.NoError(t, err)
	opt := AdamWConfig{Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}

	var first, last float32
	for step := 0; step < 60; step++ {
		batch, ok := loader.NextBatch()
		if !ok {
			loader.Reset()
			batch, _ = loader.NextBatch()
		}
		require.NoError(t, model.Forward(batch.Inputs, batch.Targets, batch.Size, batch.Len))
		if step == 0 {
			first = model.MeanLoss
		}
		last = model.MeanLoss
		model.ZeroGradient()
		require.NoError(t, model.Backward())
		model.Update(opt, 1e-2)
	}
	assert.Equal(t, 60, model.Step)
	assert.Less(t, last, first/2)
	assert.Greater(t, model.Accuracy(), float32(0.5))
}

func TestTransformer_VariableBatch(t *testing.T) {
	model, err := NewTransformer(tinyModelConfig(10), 1)
	require.NoError(t, err)
	require.NoError(t, model.Forward(make([]int32, 16), make([]int32, 16), 2, 8))
	full := model.Acts.Memory
	// a smaller batch reuses the buffers
	require.NoError(t, model.Forward([]int32{1, 2, 3}, []int32{2, 3, 4}, 1, 3))
	assert.Equal(t, len(full), len(model.Acts.Memory))
	model.ZeroGradient()
	require.NoError(t, model.Backward())
	assert.True(t, IsFinite(model.MeanLoss))
	assert.Len(t, model.Probabilities(0, 2), 10)
}

func TestTransformer_DropoutOnlyWhenTraining(t *testing.T) {
	model, err := NewTransformer(tinyModelConfig(10), 1)
	require.NoError(t, err)
	model.DropRate = 0.5
	inputs, targets := []int32{1, 2, 3, 4}, []int32{2, 3, 4, 5}

	require.NoError(t, model.Forward(inputs, targets, 1, 4))
	evalLoss := model.MeanLoss
	require.NoError(t, model.Forward(inputs, targets, 1, 4))
	assert.Equal(t, evalLoss, model.MeanLoss)

	model.Training = true
	require.NoError(t, model.Forward(inputs, targets, 1, 4))
	assert.NotEqual(t, evalLoss, model.MeanLoss)
	model.ZeroGradient()
	require.NoError(t, model.Backward())
}
