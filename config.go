package musicgen

import (
	"encoding/json"
	"fmt"
)

// Config holds every setting of a tokenizer fit or training run. It is
// passed by value and never mutated after Validate.
type Config struct {
	// Data
	TrainPath     string `json:"train_path"`
	ValPath       string `json:"val_path"`
	MaxTrainTexts int    `json:"max_train_texts"`
	MaxValTexts   int    `json:"max_val_texts"`

	// Tokenizer
	TokenizerPath string      `json:"tokenizer_path"`
	VocabSize     int         `json:"vocab_size"`
	FitSplit      string      `json:"tokenizer_fit_split"` // "train" or "val"
	Text          TextOptions `json:"text"`
	WrapSequences bool        `json:"wrap_sequences"`
	CacheSize     int         `json:"encode_cache_size"`

	// Model
	NEmbd          int     `json:"n_embd"`
	NHead          int     `json:"n_head"`
	NBlock         int     `json:"n_block"`
	FFDim          int     `json:"ff_dim"`
	MaxSeqLen      int     `json:"max_seq_len"`
	DropRate       float32 `json:"drop_rate"`
	LabelSmoothing float32 `json:"label_smoothing"`

	// Optimizer and schedule
	LR          float32 `json:"lr_rate"`
	MinLR       float32 `json:"min_lr"`
	Beta1       float32 `json:"beta1"`
	Beta2       float32 `json:"beta2"`
	Eps         float32 `json:"eps"`
	WeightDecay float32 `json:"w_decay"`

	// Loop
	NumEpochs       int    `json:"num_epochs"`
	BatchSize       int    `json:"b_size"`
	SeqLen          int    `json:"seq_len"`
	StepsPerEpoch   int    `json:"n_step"`
	LRStepEvery     int    `json:"lr_step_every"`
	CheckpointEvery int    `json:"checkpoint_every"`
	CheckpointPath  string `json:"save_ckpt_path"`
	MetricsDB       string `json:"metrics_db"`
	RunID           string `json:"run_id"`
	Seed            uint64 `json:"seed"`
}

// DefaultConfig returns the settings of the original training script.
func DefaultConfig() Config {
	return Config{
		TrainPath:     "./src/dataset/train_abc.json",
		ValPath:       "./src/dataset/val_abc.json",
		MaxTrainTexts: 10000,
		MaxValTexts:   2000,

		TokenizerPath: "./src/tokenizer/mgt_tokenizer_v1.model",
		VocabSize:     1000,
		FitSplit:      "val",
		WrapSequences: true,
		CacheSize:     4096,

		NEmbd:          128,
		NHead:          4,
		NBlock:         4,
		FFDim:          512,
		MaxSeqLen:      256,
		LabelSmoothing: 0.1,

		LR:          3e-4,
		MinLR:       1e-6,
		Beta1:       0.9,
		Beta2:       0.95,
		Eps:         1e-8,
		WeightDecay: 0.01,

		NumEpochs:       1000,
		BatchSize:       16,
		SeqLen:          128,
		StepsPerEpoch:   50,
		LRStepEvery:     5,
		CheckpointEvery: 100,
		CheckpointPath:  "./src/checkpoints/mgt_model.ckpt",
		RunID:           "default",
		Seed:            42,
	}
}

// LoadConfig reads a JSON file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := readAll(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings are usable together.
func (c Config) Validate() error {
	if c.NEmbd <= 0 {
		return fmt.Errorf("n_embd must be positive, got %d", c.NEmbd)
	}
	if c.NHead <= 0 || c.NEmbd%c.NHead != 0 {
		return fmt.Errorf("n_embd (%d) must be divisible by n_head (%d)", c.NEmbd, c.NHead)
	}
	if c.NBlock <= 0 {
		return fmt.Errorf("n_block must be positive, got %d", c.NBlock)
	}
	if c.FFDim <= 0 {
		return fmt.Errorf("ff_dim must be positive, got %d", c.FFDim)
	}
	if c.SeqLen <= 0 || c.SeqLen > c.MaxSeqLen {
		return fmt.Errorf("seq_len must be in (0, max_seq_len=%d], got %d", c.MaxSeqLen, c.SeqLen)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("b_size must be positive, got %d", c.BatchSize)
	}
	if c.NumEpochs <= 0 {
		return fmt.Errorf("num_epochs must be positive, got %d", c.NumEpochs)
	}
	if c.LRStepEvery <= 0 || c.CheckpointEvery <= 0 {
		return fmt.Errorf("lr_step_every and checkpoint_every must be positive")
	}
	if c.LabelSmoothing < 0 || c.LabelSmoothing >= 1 {
		return fmt.Errorf("label_smoothing must be in [0, 1), got %f", c.LabelSmoothing)
	}
	if c.MinLR > c.LR {
		return fmt.Errorf("min_lr (%g) must not exceed lr_rate (%g)", c.MinLR, c.LR)
	}
	if c.FitSplit != "train" && c.FitSplit != "val" {
		return fmt.Errorf(`tokenizer_fit_split must be "train" or "val", got %q`, c.FitSplit)
	}
	return nil
}

// ModelConfig derives the transformer shape for a vocabulary of vocabSize.
func (c Config) ModelConfig(vocabSize int) ModelConfig {
	return ModelConfig{
		MaxSeqLen:      c.MaxSeqLen,
		V:              vocabSize,
		L:              c.NBlock,
		NH:             c.NHead,
		C:              c.NEmbd,
		FF:             c.FFDim,
		LabelSmoothing: c.LabelSmoothing,
	}
}

// AdamW returns the optimizer hyperparameters.
func (c Config) AdamW() AdamWConfig {
	return AdamWConfig{Beta1: c.Beta1, Beta2: c.Beta2, Eps: c.Eps, WeightDecay: c.WeightDecay}
}
