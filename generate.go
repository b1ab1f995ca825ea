package musicgen

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

// GenerateOptions controls sampling from a trained model.
type GenerateOptions struct {
	MaxTokens   int
	Temperature float32
	Rand        *rand.Rand
}

// Generate continues prompt one token at a time until the model emits EOS,
// MaxTokens new tokens were produced, or sampling fails. Once the context
// is longer than the model's max_seq_len only its tail is fed back.
// The prompt words come back as given, unknown words included, followed
// by the sampled tokens with reserved markers left out.
func Generate(model *Transformer, tok *WordTokenizer, prompt string, opts GenerateOptions) (string, error) {
	vocab := tok.Vocabulary()
	if vocab == nil {
		return "", ErrNotFitted
	}
	if vocab.Len() != model.Config.V {
		return "", fmt.Errorf("tokenizer has %d ids, model expects %d", vocab.Len(), model.Config.V)
	}
	sos, ok := vocab.Reserved(SOSToken)
	if !ok {
		return "", fmt.Errorf("vocabulary has no %s marker: %w", SOSToken, ErrCorruptState)
	}
	eos, hasEOS := vocab.Reserved(EOSToken)
	promptIDs, err := tok.Encode(prompt)
	if err != nil {
		return "", err
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	context := append([]int32{sos}, promptIDs...)
	var generated []int32
	model.Training = false
	for n := 0; n < opts.MaxTokens; n++ {
		window := context[max(0, len(context)-model.Config.MaxSeqLen):]
		T := len(window)
		if err := model.Forward(window, nil, 1, T); err != nil {
			return "", err
		}
		probs := applyTemperature(model.Probabilities(0, T-1), opts.Temperature)
		next := int32(sampleMult(probs, rng.Float32()))
		if hasEOS && next == eos {
			break
		}
		context = append(context, next)
		generated = append(generated, next)
	}
	content := make([]int32, 0, len(generated))
	for _, id := range generated {
		if !vocab.IsReservedID(id) {
			content = append(content, id)
		}
	}
	text, err := tok.Decode(content)
	if err != nil {
		return "", err
	}
	words := tok.Options().Words(prompt)
	if text != "" {
		words = append(words, text)
	}
	return strings.Join(words, " "), nil
}
