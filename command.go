package musicgen

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// sampleTune is encoded after fitting as a sanity check of the vocabulary.
const sampleTune = "gfeg fd d2 | eaaf gedB ||<EOS>"

type cliFlags struct {
	configPath  string
	resume      bool
	checkpoint  string
	prompt      string
	maxTokens   int
	temperature float32
	seed        uint64
	runID       string
}

// NewRootCommand builds the musicgen command tree.
func NewRootCommand() *cobra.Command {
	flags := &cliFlags{}

	rootCmd := &cobra.Command{
		Use:   "musicgen",
		Short: "Train a transformer on ABC-notation tunes",
		Long: `
		musicgen fits a word-level vocabulary over ABC-notation tunes, trains a small transformer language model on the tokenized corpus and samples new tunes from its checkpoints.
	`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "JSON config file, defaults are used for missing fields")

	tokenizerCmd := &cobra.Command{
		Use:   "tokenizer",
		Short: "Manage the tokenizer",
	}
	fitCmd := &cobra.Command{
		Use:   "fit",
		Short: "Fit the tokenizer vocabulary and save it",
		Long:  `This command loads both corpora, fits the vocabulary on the split named by tokenizer_fit_split, reserves the <PAD>, <SOS>, <EOS> and <OOV> markers above it and saves it to tokenizer_path.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.config()
			if err != nil {
				return err
			}
			return runFit(cmd, cfg)
		},
	}
	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Train the model",
		Long:  `This command loads the saved tokenizer, encodes both corpora and runs the epoch loop, writing snapshots every lr_step_every epochs and checkpoints every checkpoint_every epochs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.config()
			if err != nil {
				return err
			}
			return runTrain(cmd, cfg, flags.resume)
		},
	}
	trainCmd.Flags().BoolVar(&flags.resume, "resume", false, "continue from the checkpoint at save_ckpt_path")

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Sample a tune from a checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.config()
			if err != nil {
				return err
			}
			return runGenerate(cmd, cfg, flags)
		},
	}
	generateCmd.Flags().StringVar(&flags.checkpoint, "checkpoint", "", "checkpoint to load, defaults to save_ckpt_path")
	generateCmd.Flags().StringVar(&flags.prompt, "prompt", "", "ABC text to continue")
	generateCmd.Flags().IntVar(&flags.maxTokens, "max-tokens", 128, "maximum number of tokens to sample")
	generateCmd.Flags().Float32Var(&flags.temperature, "temperature", 1.0, "sampling temperature")
	generateCmd.Flags().Uint64Var(&flags.seed, "seed", 0, "sampling seed, 0 picks one at random")

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show the metric snapshots recorded for a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.config()
			if err != nil {
				return err
			}
			if flags.runID != "" {
				cfg.RunID = flags.runID
			}
			return runHistory(cmd, cfg)
		},
	}
	historyCmd.Flags().StringVar(&flags.runID, "run", "", "run id, defaults to run_id from the config")

	tokenizerCmd.AddCommand(fitCmd)
	rootCmd.AddCommand(tokenizerCmd, trainCmd, generateCmd, historyCmd)
	return rootCmd
}

func (f *cliFlags) config() (Config, error) {
	if f.configPath == "" {
		return DefaultConfig(), nil
	}
	return LoadConfig(f.configPath)
}

func runFit(cmd *cobra.Command, cfg Config) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "loading the data ...")
	train, val, err := LoadSplits(cfg.TrainPath, cfg.ValPath)
	if err != nil {
		return err
	}
	fitTexts := val
	if cfg.FitSplit == "train" {
		fitTexts = train
	}
	fmt.Fprintf(out, "training the tokenizer on the %s split (%d texts)...\n", cfg.FitSplit, len(fitTexts))
	tok, err := NewWordTokenizer(cfg.VocabSize, cfg.Text, cfg.CacheSize)
	if err != nil {
		return err
	}
	if err := tok.Fit(fitTexts); err != nil {
		return fmt.Errorf("failed to fit tokenizer: %w", err)
	}
	sequence, err := tok.Encode(sampleTune)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "tokenized sequence: %v\n", sequence)
	fmt.Fprintf(out, "vocabulary size: %d\n", tok.VocabSize())
	if err := os.MkdirAll(filepath.Dir(cfg.TokenizerPath), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create tokenizer directory: %w", err)
	}
	if err := tok.Save(cfg.TokenizerPath); err != nil {
		return err
	}
	fmt.Fprintf(out, "tokenizer saved at %s\n", cfg.TokenizerPath)
	return nil
}

func runTrain(cmd *cobra.Command, cfg Config, resume bool) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "loading the data...")
	trainTexts, valTexts, err := LoadSplits(cfg.TrainPath, cfg.ValPath)
	if err != nil {
		return err
	}
	tok, err := NewWordTokenizer(cfg.VocabSize, cfg.Text, cfg.CacheSize)
	if err != nil {
		return err
	}
	if err := tok.Load(cfg.TokenizerPath); err != nil {
		return fmt.Errorf("failed to load tokenizer: %w", err)
	}
	trainTokens, err := tok.EncodeCorpus(Truncate(trainTexts, cfg.MaxTrainTexts), cfg.WrapSequences)
	if err != nil {
		return err
	}
	valTokens, err := tok.EncodeCorpus(Truncate(valTexts, cfg.MaxValTexts), cfg.WrapSequences)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "len(train_tokens): %d\n", len(trainTokens))
	fmt.Fprintf(out, "len(val_tokens): %d\n", len(valTokens))
	trainLoader, err := NewDataLoader(trainTokens, cfg.BatchSize, cfg.SeqLen)
	if err != nil {
		return fmt.Errorf("train split: %w", err)
	}
	valLoader, err := NewDataLoader(valTokens, cfg.BatchSize, cfg.SeqLen)
	if err != nil {
		return fmt.Errorf("val split: %w", err)
	}

	var opts []TrainerOption
	var model *Transformer
	if resume {
		var state TrainState
		if model, state, err = LoadCheckpoint(cfg.CheckpointPath); err != nil {
			return err
		}
		if model.Config.V != tok.VocabSize() {
			return fmt.Errorf("checkpoint vocab size %d does not match tokenizer vocab size %d", model.Config.V, tok.VocabSize())
		}
		opts = append(opts, WithResume(state))
		fmt.Fprintf(out, "resuming at epoch %d\n", state.Epoch)
	} else if model, err = NewTransformer(cfg.ModelConfig(tok.VocabSize()), cfg.Seed); err != nil {
		return err
	}
	fmt.Fprint(out, model)

	if cfg.MetricsDB != "" {
		store, err := OpenSQLiteStore(cfg.MetricsDB)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, WithHistory(store))
	}
	if err := os.MkdirAll(filepath.Dir(cfg.CheckpointPath), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	trainer, err := NewTrainer(cfg, model, append(opts, WithOutput(out))...)
	if err != nil {
		return err
	}
	_, err = trainer.Run(trainLoader, valLoader)
	return err
}

func runGenerate(cmd *cobra.Command, cfg Config, flags *cliFlags) error {
	tok, err := NewWordTokenizer(cfg.VocabSize, cfg.Text, cfg.CacheSize)
	if err != nil {
		return err
	}
	if err := tok.Load(cfg.TokenizerPath); err != nil {
		return fmt.Errorf("failed to load tokenizer: %w", err)
	}
	path := flags.checkpoint
	if path == "" {
		path = cfg.CheckpointPath
	}
	model, _, err := LoadCheckpoint(path)
	if err != nil {
		return err
	}
	seed := flags.seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	tune, err := Generate(model, tok, flags.prompt, GenerateOptions{
		MaxTokens:   flags.maxTokens,
		Temperature: flags.temperature,
		Rand:        rand.New(rand.NewPCG(seed, seed)),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tune)
	return nil
}

func runHistory(cmd *cobra.Command, cfg Config) error {
	if cfg.MetricsDB == "" {
		return fmt.Errorf("metrics_db is not set")
	}
	store, err := OpenSQLiteStore(cfg.MetricsDB)
	if err != nil {
		return err
	}
	defer store.Close()
	snaps, err := store.Snapshots(cfg.RunID)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no snapshots for run %q\n", cfg.RunID)
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), RenderSnapshot(History{Snapshots: snaps}))
	return nil
}

func InitializeCommand() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
