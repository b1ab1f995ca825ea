package musicgen

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

// ModelConfig is the shape of the transformer.
type ModelConfig struct {
	MaxSeqLen      int     `json:"max_seq_len"`
	V              int     `json:"vocab_size"`
	L              int     `json:"num_layers"`
	NH             int     `json:"num_heads"`
	C              int     `json:"channels"`
	FF             int     `json:"ff_dim"`
	LabelSmoothing float32 `json:"label_smoothing"`
}

func (cfg ModelConfig) Validate() error {
	switch {
	case cfg.MaxSeqLen <= 0, cfg.V <= 0, cfg.L <= 0, cfg.NH <= 0, cfg.C <= 0, cfg.FF <= 0:
		return fmt.Errorf("model dimensions must be positive: %+v", cfg)
	case cfg.C%cfg.NH != 0:
		return fmt.Errorf("channels (%d) must be divisible by heads (%d)", cfg.C, cfg.NH)
	case cfg.LabelSmoothing < 0 || cfg.LabelSmoothing >= 1:
		return fmt.Errorf("label smoothing must be in [0, 1), got %f", cfg.LabelSmoothing)
	}
	return nil
}

// AdamWConfig holds the optimizer hyperparameters that do not change
// during a run. The learning rate comes from the schedule.
type AdamWConfig struct {
	Beta1       float32
	Beta2       float32
	Eps         float32
	WeightDecay float32
}

// Transformer is a decoder-only language model together with the AdamW
// state used to train it.
type Transformer struct {
	Config ModelConfig
	// Params has the weights of the model. Params.Memory is the flat view.
	Params ParameterTensors
	// Grads mirrors Params and accumulates dLoss/dParam.
	Grads ParameterTensors
	// AdamW first and second moment estimates
	MMemory []float32
	VMemory []float32
	// Step counts optimizer updates, it drives the bias correction.
	Step      int
	Acts      ActivationTensors
	GradsActs ActivationTensors
	B         int // batch size of the last forward pass
	T         int // sequence length of the last forward pass
	Inputs    []int32
	Targets   []int32
	MeanLoss  float32 // -1 when the last forward pass had no targets
	// Training enables dropout with probability DropRate.
	Training bool
	DropRate float32
	Rand     *rand.Rand

	capB, capT int
	dropped    bool
}

// NewTransformer returns a randomly initialised model. Weights are drawn
// from N(0, 0.02), residual projections are scaled by 1/sqrt(2L), layer
// norms start as the identity.
func NewTransformer(cfg ModelConfig, seed uint64) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	model := &Transformer{
		Config: cfg,
		Rand:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
	model.Params.Init(cfg)
	model.initWeights()
	return model, nil
}

func newEmptyTransformer(cfg ModelConfig, seed uint64) *Transformer {
	model := &Transformer{
		Config: cfg,
		Rand:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
	model.Params.Init(cfg)
	return model
}

func (model *Transformer) initWeights() {
	const std = 0.02
	projStd := std / math.Sqrt(2*float64(model.Config.L))
	normal := func(t tensor, s float64) {
		for i := range t.data {
			t.data[i] = float32(model.Rand.NormFloat64() * s)
		}
	}
	fill := func(t tensor, v float32) {
		for i := range t.data {
			t.data[i] = v
		}
	}
	p := model.Params
	normal(p.WordTokEmbed, std)
	normal(p.WordPosEmbed, std)
	normal(p.QueryKeyValW, std)
	normal(p.AttProjW, projStd)
	normal(p.FeedFwdW, std)
	normal(p.FeedFwdProjW, projStd)
	fill(p.LayerNorm1W, 1)
	fill(p.Layer2NormW, 1)
	fill(p.LayerFinNormW, 1)
}

func (model *Transformer) NumParameters() int {
	return model.Params.Len()
}

func (model *Transformer) String() string {
	var s string
	s += "[Transformer]\n"
	s += fmt.Sprintf("max_seq_len: %d\n", model.Config.MaxSeqLen)
	s += fmt.Sprintf("vocab_size: %d\n", model.Config.V)
	s += fmt.Sprintf("num_layers: %d\n", model.Config.L)
	s += fmt.Sprintf("num_heads: %d\n", model.Config.NH)
	s += fmt.Sprintf("channels: %d\n", model.Config.C)
	s += fmt.Sprintf("ff_dim: %d\n", model.Config.FF)
	s += fmt.Sprintf("num_parameters: %d\n", model.NumParameters())
	return s
}

// ensureActivations grows the activation buffers to hold a (B, T) batch.
func (model *Transformer) ensureActivations(B, T int) {
	if model.Acts.Memory != nil && B <= model.capB && T <= model.capT {
		return
	}
	model.capB, model.capT = max(B, model.capB), max(T, model.capT)
	model.Acts.Init(model.Config, model.capB, model.capT)
	model.GradsActs = ActivationTensors{}
}

// Forward runs the model over B sequences of T tokens. With targets it
// also computes MeanLoss, otherwise MeanLoss is set to -1.
func (model *Transformer) Forward(input, target []int32, B, T int) error {
	V, L, NH, C, FF := model.Config.V, model.Config.L, model.Config.NH, model.Config.C, model.Config.FF
	if T > model.Config.MaxSeqLen {
		return fmt.Errorf("sequence length %d exceeds max_seq_len %d", T, model.Config.MaxSeqLen)
	}
	if len(input) < B*T || (target != nil && len(target) < B*T) {
		return fmt.Errorf("batch holds %d inputs and %d targets, need %d", len(input), len(target), B*T)
	}
	for _, tok := range input[:B*T] {
		if tok < 0 || int(tok) >= V {
			return fmt.Errorf("%w: %d (vocab size: %d)", ErrUnknownTokenID, tok, V)
		}
	}
	model.ensureActivations(B, T)
	model.B, model.T = B, T
	model.Inputs = append(model.Inputs[:0], input[:B*T]...)
	model.Targets = model.Targets[:0]
	if target != nil {
		model.Targets = append(model.Targets, target[:B*T]...)
	}
	model.dropped = model.Training && model.DropRate > 0

	params, acts := model.Params, model.Acts
	encoderForward(acts.Encoded.data, model.Inputs, params.WordTokEmbed.data, params.WordPosEmbed.data, B, T, C)
	var residual []float32
	for l := 0; l < L; l++ {
		if l == 0 {
			residual = acts.Encoded.data
		} else {
			residual = acts.Residual3.data[(l-1)*B*T*C:]
		}
		lAttProj := acts.AttentionProj.data[l*B*T*C:]
		lFcProj := acts.FeedForwardProj.data[l*B*T*C:]
		lLn1 := acts.Layer1Act.data[l*B*T*C:]
		lQkv := acts.QueryKeyVal.data[l*B*T*3*C:]
		lAtty := acts.AttentionInter.data[l*B*T*C:]
		lResidual2 := acts.Residual2.data[l*B*T*C:]
		lLn2 := acts.LayerNorm2Act.data[l*B*T*C:]
		lFch := acts.FeedForward.data[l*B*T*FF:]
		lFchGelu := acts.FeedForwardGelu.data[l*B*T*FF:]

		layernormForward(lLn1, acts.LayerNorm1Mean.data[l*B*T:], acts.LayerNorm1Rstd.data[l*B*T:], residual,
			params.LayerNorm1W.data[l*C:], params.LayerNorm1B.data[l*C:], B, T, C)
		matmulForward(lQkv, lLn1, params.QueryKeyValW.data[l*3*C*C:], params.QueryKeyValB.data[l*3*C:], B, T, C, 3*C)
		attentionForward(lAtty, acts.PreAttention.data[l*B*NH*T*T:], acts.Attention.data[l*B*NH*T*T:], lQkv, B, T, C, NH)
		matmulForward(lAttProj, lAtty, params.AttProjW.data[l*C*C:], params.AttProjB.data[l*C:], B, T, C, C)
		if model.dropped {
			dropoutForward(lAttProj, acts.AttentionDropMask.data[l*B*T*C:], B*T*C, model.DropRate, model.Rand)
		}
		residualForward(lResidual2, residual, lAttProj, B*T*C)
		layernormForward(lLn2, acts.LayerNorm2Mean.data[l*B*T:], acts.LayerNorm2Rstd.data[l*B*T:], lResidual2,
			params.Layer2NormW.data[l*C:], params.Layer2NormB.data[l*C:], B, T, C)
		matmulForward(lFch, lLn2, params.FeedFwdW.data[l*FF*C:], params.FeedFwdB.data[l*FF:], B, T, C, FF)
		geluForward(lFchGelu, lFch, B*T*FF)
		matmulForward(lFcProj, lFchGelu, params.FeedFwdProjW.data[l*C*FF:], params.FeedFwdProjB.data[l*C:], B, T, FF, C)
		if model.dropped {
			dropoutForward(lFcProj, acts.FeedForwardMask.data[l*B*T*C:], B*T*C, model.DropRate, model.Rand)
		}
		residualForward(acts.Residual3.data[l*B*T*C:], lResidual2, lFcProj, B*T*C)
	}
	residual = acts.Residual3.data[(L-1)*B*T*C:]
	layernormForward(acts.LayerNormFinal.data, acts.LayerNormFinalMean.data, acts.LayerNormFinalStd.data, residual,
		params.LayerFinNormW.data, params.LayerFinNormB.data, B, T, C)
	// output weights are tied to the token embedding
	matmulForward(acts.Logits.data, acts.LayerNormFinal.data, params.WordTokEmbed.data, nil, B, T, C, V)
	softmaxForward(acts.Probabilities.data, acts.Logits.data, B, T, V)

	if target == nil {
		model.MeanLoss = -1
		return nil
	}
	for _, tok := range model.Targets {
		if tok < 0 || int(tok) >= V {
			return fmt.Errorf("%w: target %d (vocab size: %d)", ErrUnknownTokenID, tok, V)
		}
	}
	crossEntropyForward(acts.Losses.data, acts.Logits.data, model.Targets, B, T, V, model.Config.LabelSmoothing)
	var meanLoss float32
	for _, loss := range acts.Losses.data[:B*T] {
		meanLoss += loss
	}
	model.MeanLoss = meanLoss / float32(B*T)
	return nil
}

// Accuracy is the fraction of positions of the last forward pass whose most
// probable token is the target.
func (model *Transformer) Accuracy() float32 {
	if len(model.Targets) == 0 {
		return 0
	}
	V := model.Config.V
	correct := 0
	for i, target := range model.Targets {
		if argmax(model.Acts.Probabilities.data[i*V:(i+1)*V]) == int(target) {
			correct++
		}
	}
	return float32(correct) / float32(len(model.Targets))
}

// Probabilities returns the next token distribution at position t of
// sequence b of the last forward pass.
func (model *Transformer) Probabilities(b, t int) []float32 {
	V := model.Config.V
	start := (b*model.T + t) * V
	return model.Acts.Probabilities.data[start : start+V]
}

func (model *Transformer) Backward() error {
	if model.MeanLoss == -1 || len(model.Targets) == 0 {
		return errors.New("error: must forward with targets before backward")
	}
	B, T, V, L, NH, C, FF := model.B, model.T, model.Config.V, model.Config.L, model.Config.NH, model.Config.C, model.Config.FF
	if len(model.Grads.Memory) == 0 {
		model.Grads.Init(model.Config)
	}
	if len(model.GradsActs.Memory) == 0 {
		model.GradsActs.Init(model.Config, model.capB, model.capT)
	}
	params, grads, acts, gradsActs := model.Params, model.Grads, model.Acts, model.GradsActs
	dlossMean := 1.0 / float32(B*T)
	for i := range gradsActs.Losses.data[:B*T] {
		gradsActs.Losses.data[i] = dlossMean
	}
	crossEntropySoftmaxBackward(gradsActs.Logits.data, gradsActs.Losses.data, acts.Probabilities.data, model.Targets, B, T, V, model.Config.LabelSmoothing)
	matmulBackward(gradsActs.LayerNormFinal.data, grads.WordTokEmbed.data, nil, gradsActs.Logits.data, acts.LayerNormFinal.data, params.WordTokEmbed.data, B, T, C, V)
	residual := acts.Residual3.data[(L-1)*B*T*C:]
	dresidual := gradsActs.Residual3.data[(L-1)*B*T*C:]
	layernormBackward(dresidual, grads.LayerFinNormW.data, grads.LayerFinNormB.data, gradsActs.LayerNormFinal.data, residual,
		params.LayerFinNormW.data, acts.LayerNormFinalMean.data, acts.LayerNormFinalStd.data, B, T, C)
	for l := L - 1; l >= 0; l-- {
		if l == 0 {
			residual = acts.Encoded.data
			dresidual = gradsActs.Encoded.data
		} else {
			residual = acts.Residual3.data[(l-1)*B*T*C:]
			dresidual = gradsActs.Residual3.data[(l-1)*B*T*C:]
		}
		lResidual2 := acts.Residual2.data[l*B*T*C:]
		lFchGelu := acts.FeedForwardGelu.data[l*B*T*FF:]
		lQkv := acts.QueryKeyVal.data[l*B*T*3*C:]

		dlLn1 := gradsActs.Layer1Act.data[l*B*T*C:]
		dlQkv := gradsActs.QueryKeyVal.data[l*B*T*3*C:]
		dlAtty := gradsActs.AttentionInter.data[l*B*T*C:]
		dlAttProj := gradsActs.AttentionProj.data[l*B*T*C:]
		dlResidual2 := gradsActs.Residual2.data[l*B*T*C:]
		dlLn2 := gradsActs.LayerNorm2Act.data[l*B*T*C:]
		dlFch := gradsActs.FeedForward.data[l*B*T*FF:]
		dlFchGelu := gradsActs.FeedForwardGelu.data[l*B*T*FF:]
		dlFcProj := gradsActs.FeedForwardProj.data[l*B*T*C:]

		residualBackward(dlResidual2, dlFcProj, gradsActs.Residual3.data[l*B*T*C:], B*T*C)
		if model.dropped {
			dropoutBackward(dlFcProj, acts.FeedForwardMask.data[l*B*T*C:], B*T*C)
		}
		matmulBackward(dlFchGelu, grads.FeedFwdProjW.data[l*C*FF:], grads.FeedFwdProjB.data[l*C:], dlFcProj,
			lFchGelu, params.FeedFwdProjW.data[l*C*FF:], B, T, FF, C)
		geluBackward(dlFch, acts.FeedForward.data[l*B*T*FF:], dlFchGelu, B*T*FF)
		matmulBackward(dlLn2, grads.FeedFwdW.data[l*FF*C:], grads.FeedFwdB.data[l*FF:], dlFch,
			acts.LayerNorm2Act.data[l*B*T*C:], params.FeedFwdW.data[l*FF*C:], B, T, C, FF)
		layernormBackward(dlResidual2, grads.Layer2NormW.data[l*C:], grads.Layer2NormB.data[l*C:], dlLn2, lResidual2,
			params.Layer2NormW.data[l*C:], acts.LayerNorm2Mean.data[l*B*T:], acts.LayerNorm2Rstd.data[l*B*T:], B, T, C)
		residualBackward(dresidual, dlAttProj, dlResidual2, B*T*C)
		if model.dropped {
			dropoutBackward(dlAttProj, acts.AttentionDropMask.data[l*B*T*C:], B*T*C)
		}
		matmulBackward(dlAtty, grads.AttProjW.data[l*C*C:], grads.AttProjB.data[l*C:], dlAttProj,
			acts.AttentionInter.data[l*B*T*C:], params.AttProjW.data[l*C*C:], B, T, C, C)
		attentionBackward(dlQkv, gradsActs.PreAttention.data[l*B*NH*T*T:], gradsActs.Attention.data[l*B*NH*T*T:], dlAtty,
			lQkv, acts.Attention.data[l*B*NH*T*T:], B, T, C, NH)
		matmulBackward(dlLn1, grads.QueryKeyValW.data[l*3*C*C:], grads.QueryKeyValB.data[l*3*C:], dlQkv,
			acts.Layer1Act.data[l*B*T*C:], params.QueryKeyValW.data[l*3*C*C:], B, T, C, 3*C)
		layernormBackward(dresidual, grads.LayerNorm1W.data[l*C:], grads.LayerNorm1B.data[l*C:], dlLn1, residual,
			params.LayerNorm1W.data[l*C:], acts.LayerNorm1Mean.data[l*B*T:], acts.LayerNorm1Rstd.data[l*B*T:], B, T, C)
	}
	encoderBackward(grads.WordTokEmbed.data, grads.WordPosEmbed.data, gradsActs.Encoded.data, model.Inputs, B, T, C)
	return nil
}

// Update applies one AdamW step with decoupled weight decay.
func (model *Transformer) Update(opt AdamWConfig, learningRate float32) {
	if model.MMemory == nil {
		model.MMemory = make([]float32, model.Params.Len())
		model.VMemory = make([]float32, model.Params.Len())
	}
	if len(model.Grads.Memory) == 0 {
		return
	}
	model.Step++
	beta1Correction := 1 - Pow(opt.Beta1, float32(model.Step))
	beta2Correction := 1 - Pow(opt.Beta2, float32(model.Step))
	for i, parameter := range model.Params.Memory {
		gradient := model.Grads.Memory[i]
		m := opt.Beta1*model.MMemory[i] + (1-opt.Beta1)*gradient
		v := opt.Beta2*model.VMemory[i] + (1-opt.Beta2)*gradient*gradient
		mHat := m / beta1Correction
		vHat := v / beta2Correction
		model.MMemory[i] = m
		model.VMemory[i] = v
		model.Params.Memory[i] -= learningRate * (mHat/(Sqrt(vHat)+opt.Eps) + opt.WeightDecay*parameter)
	}
}

func (model *Transformer) ZeroGradient() {
	clear(model.GradsActs.Memory)
	clear(model.Grads.Memory)
}
