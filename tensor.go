package musicgen

type tensor struct {
	data []float32
	dims []int
}

func newTensor(data []float32, dims ...int) (tensor, int) {
	s := 1
	for _, d := range dims {
		s *= d
	}
	if s > len(data) {
		panic("dimensions larger than supplied data")
	}
	return tensor{
		data: data[:s],
		dims: dims,
	}, s
}

func (t tensor) size() int {
	size := 1
	for _, dim := range t.dims {
		size *= dim
	}
	return size
}

type slot struct {
	t    *tensor
	dims []int
}

// carve allocates one backing slice for every slot and points each tensor
// at its region, in order.
func carve(slots []slot) []float32 {
	total := 0
	for _, s := range slots {
		n := 1
		for _, d := range s.dims {
			n *= d
		}
		total += n
	}
	memory := make([]float32, total)
	rest := memory
	for _, s := range slots {
		var n int
		*s.t, n = newTensor(rest, s.dims...)
		rest = rest[n:]
	}
	if len(rest) != 0 {
		panic("tensor layout does not cover its memory")
	}
	return memory
}

// ParameterTensors are the weights of the model, all backed by Memory.
type ParameterTensors struct {
	Memory        []float32
	WordTokEmbed  tensor // (V, C)
	WordPosEmbed  tensor // (maxT, C)
	LayerNorm1W   tensor // (L, C)
	LayerNorm1B   tensor // (L, C)
	QueryKeyValW  tensor // (L, 3*C, C)
	QueryKeyValB  tensor // (L, 3*C)
	AttProjW      tensor // (L, C, C)
	AttProjB      tensor // (L, C)
	Layer2NormW   tensor // (L, C)
	Layer2NormB   tensor // (L, C)
	FeedFwdW      tensor // (L, FF, C)
	FeedFwdB      tensor // (L, FF)
	FeedFwdProjW  tensor // (L, C, FF)
	FeedFwdProjB  tensor // (L, C)
	LayerFinNormW tensor // (C)
	LayerFinNormB tensor // (C)
}

// Init sizes every tensor for cfg and returns the shared memory.
func (p *ParameterTensors) Init(cfg ModelConfig) []float32 {
	V, C, maxT, L, FF := cfg.V, cfg.C, cfg.MaxSeqLen, cfg.L, cfg.FF
	p.Memory = carve([]slot{
		{&p.WordTokEmbed, []int{V, C}},
		{&p.WordPosEmbed, []int{maxT, C}},
		{&p.LayerNorm1W, []int{L, C}},
		{&p.LayerNorm1B, []int{L, C}},
		{&p.QueryKeyValW, []int{L, 3 * C, C}},
		{&p.QueryKeyValB, []int{L, 3 * C}},
		{&p.AttProjW, []int{L, C, C}},
		{&p.AttProjB, []int{L, C}},
		{&p.Layer2NormW, []int{L, C}},
		{&p.Layer2NormB, []int{L, C}},
		{&p.FeedFwdW, []int{L, FF, C}},
		{&p.FeedFwdB, []int{L, FF}},
		{&p.FeedFwdProjW, []int{L, C, FF}},
		{&p.FeedFwdProjB, []int{L, C}},
		{&p.LayerFinNormW, []int{C}},
		{&p.LayerFinNormB, []int{C}},
	})
	return p.Memory
}

func (p *ParameterTensors) Len() int {
	return len(p.Memory)
}

// ActivationTensors hold the forward pass results needed by Backward. They
// are sized for the largest batch seen, smaller batches use a prefix of
// each tensor.
type ActivationTensors struct {
	Memory             []float32
	Encoded            tensor // (B, T, C)
	Layer1Act          tensor // (L, B, T, C)
	LayerNorm1Mean     tensor // (L, B, T)
	LayerNorm1Rstd     tensor // (L, B, T)
	QueryKeyVal        tensor // (L, B, T, 3*C)
	AttentionInter     tensor // (L, B, T, C)
	PreAttention       tensor // (L, B, NH, T, T)
	Attention          tensor // (L, B, NH, T, T)
	AttentionProj      tensor // (L, B, T, C)
	AttentionDropMask  tensor // (L, B, T, C)
	Residual2          tensor // (L, B, T, C)
	LayerNorm2Act      tensor // (L, B, T, C)
	LayerNorm2Mean     tensor // (L, B, T)
	LayerNorm2Rstd     tensor // (L, B, T)
	FeedForward        tensor // (L, B, T, FF)
	FeedForwardGelu    tensor // (L, B, T, FF)
	FeedForwardProj    tensor // (L, B, T, C)
	FeedForwardMask    tensor // (L, B, T, C)
	Residual3          tensor // (L, B, T, C)
	LayerNormFinal     tensor // (B, T, C)
	LayerNormFinalMean tensor // (B, T)
	LayerNormFinalStd  tensor // (B, T)
	Logits             tensor // (B, T, V)
	Probabilities      tensor // (B, T, V)
	Losses             tensor // (B, T)
}

func (a *ActivationTensors) Init(cfg ModelConfig, B, T int) []float32 {
	C, L, NH, V, FF := cfg.C, cfg.L, cfg.NH, cfg.V, cfg.FF
	a.Memory = carve([]slot{
		{&a.Encoded, []int{B, T, C}},
		{&a.Layer1Act, []int{L, B, T, C}},
		{&a.LayerNorm1Mean, []int{L, B, T}},
		{&a.LayerNorm1Rstd, []int{L, B, T}},
		{&a.QueryKeyVal, []int{L, B, T, 3 * C}},
		{&a.AttentionInter, []int{L, B, T, C}},
		{&a.PreAttention, []int{L, B, NH, T, T}},
		{&a.Attention, []int{L, B, NH, T, T}},
		{&a.AttentionProj, []int{L, B, T, C}},
		{&a.AttentionDropMask, []int{L, B, T, C}},
		{&a.Residual2, []int{L, B, T, C}},
		{&a.LayerNorm2Act, []int{L, B, T, C}},
		{&a.LayerNorm2Mean, []int{L, B, T}},
		{&a.LayerNorm2Rstd, []int{L, B, T}},
		{&a.FeedForward, []int{L, B, T, FF}},
		{&a.FeedForwardGelu, []int{L, B, T, FF}},
		{&a.FeedForwardProj, []int{L, B, T, C}},
		{&a.FeedForwardMask, []int{L, B, T, C}},
		{&a.Residual3, []int{L, B, T, C}},
		{&a.LayerNormFinal, []int{B, T, C}},
		{&a.LayerNormFinalMean, []int{B, T}},
		{&a.LayerNormFinalStd, []int{B, T}},
		{&a.Logits, []int{B, T, V}},
		{&a.Probabilities, []int{B, T, V}},
		{&a.Losses, []int{B, T}},
	})
	return a.Memory
}
