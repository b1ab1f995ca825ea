package musicgen

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Trainer drives the epoch loop: a training pass and a validation pass per
// epoch, a schedule step and metrics snapshot every LRStepEvery epochs and
// a checkpoint every CheckpointEvery epochs. It owns the model for the
// duration of Run.
type Trainer struct {
	cfg        Config
	model      *Transformer
	opt        AdamWConfig
	sched      *CosineAnnealing
	out        io.Writer
	store      MetricsStore
	startEpoch int
	history    History
}

type TrainerOption func(*Trainer)

// WithOutput sends progress lines and snapshot tables to w.
func WithOutput(w io.Writer) TrainerOption {
	return func(t *Trainer) { t.out = w }
}

// WithHistory records every snapshot in store.
func WithHistory(store MetricsStore) TrainerOption {
	return func(t *Trainer) { t.store = store }
}

// WithResume continues the run described by state.
func WithResume(state TrainState) TrainerOption {
	return func(t *Trainer) {
		t.startEpoch = state.Epoch
		t.sched.SetSteps(state.SchedulerSteps)
	}
}

func NewTrainer(cfg Config, model *Transformer, opts ...TrainerOption) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if model == nil {
		return nil, errors.New("trainer needs a model")
	}
	model.DropRate = cfg.DropRate
	t := &Trainer{
		cfg:   cfg,
		model: model,
		opt:   cfg.AdamW(),
		sched: NewCosineAnnealing(cfg.LR, cfg.MinLR, cfg.NumEpochs),
		out:   os.Stdout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// LR is the learning rate the next update will use.
func (t *Trainer) LR() float32 { return t.sched.LR() }

// History returns the snapshots taken so far.
func (t *Trainer) History() History { return t.history }

// Run trains until NumEpochs. The first error aborts the run.
func (t *Trainer) Run(train, val *DataLoader) (History, error) {
	fmt.Fprintf(t.out, "train dataset num_batches: %d (B=%d, T=%d)\n", train.NumBatches(), train.BatchSize(), train.SeqLength())
	fmt.Fprintf(t.out, "val dataset num_batches: %d (B=%d, T=%d)\n", val.NumBatches(), val.BatchSize(), val.SeqLength())
	for epoch := t.startEpoch; epoch < t.cfg.NumEpochs; epoch++ {
		start := time.Now()
		trainMetrics, err := t.trainEpoch(train)
		if err != nil {
			return t.history, fmt.Errorf("epoch %d: train: %w", epoch, err)
		}
		valMetrics, err := t.validateEpoch(val)
		if err != nil {
			return t.history, fmt.Errorf("epoch %d: validate: %w", epoch, err)
		}
		fmt.Fprintf(t.out, "epoch %d: train loss %.4f acc %.3f ppl %.2f | val loss %.4f acc %.3f ppl %.2f (took %v)\n",
			epoch, trainMetrics.Loss, trainMetrics.Accuracy, trainMetrics.Perplexity,
			valMetrics.Loss, valMetrics.Accuracy, valMetrics.Perplexity, time.Since(start))

		if epoch > 0 && epoch%t.cfg.LRStepEvery == 0 {
			t.sched.Step()
			snap := Snapshot{RunID: t.cfg.RunID, Epoch: epoch, LR: t.sched.LR(), Train: trainMetrics, Val: valMetrics}
			t.history.Append(snap)
			fmt.Fprint(t.out, RenderSnapshot(t.history))
			if t.store != nil {
				if err := t.store.Record(snap); err != nil {
					return t.history, fmt.Errorf("epoch %d: %w", epoch, err)
				}
			}
		}
		if epoch > 0 && epoch%t.cfg.CheckpointEvery == 0 {
			state := TrainState{Epoch: epoch + 1, SchedulerSteps: t.sched.Steps()}
			if err := SaveCheckpoint(t.cfg.CheckpointPath, t.model, state); err != nil {
				return t.history, fmt.Errorf("epoch %d: %w", epoch, err)
			}
			fmt.Fprintf(t.out, "saved checkpoint to %s\n", t.cfg.CheckpointPath)
		}
	}
	return t.history, nil
}

// trainEpoch updates the model on every training batch. When StepsPerEpoch
// caps the pass it picks up where the previous epoch stopped and wraps
// around at the end of the stream.
func (t *Trainer) trainEpoch(loader *DataLoader) (EpochMetrics, error) {
	t.model.Training = true
	defer func() { t.model.Training = false }()
	steps := t.cfg.StepsPerEpoch
	if steps <= 0 {
		loader.Reset()
		steps = loader.NumBatches()
	}
	var acc passAccumulator
	for step := 0; step < steps; step++ {
		batch, ok := loader.NextBatch()
		if !ok {
			loader.Reset()
			if batch, ok = loader.NextBatch(); !ok {
				break
			}
		}
		if err := t.model.Forward(batch.Inputs, batch.Targets, batch.Size, batch.Len); err != nil {
			return EpochMetrics{}, err
		}
		if !IsFinite(t.model.MeanLoss) {
			return EpochMetrics{}, fmt.Errorf("%w at step %d", ErrNonFiniteLoss, step)
		}
		t.model.ZeroGradient()
		if err := t.model.Backward(); err != nil {
			return EpochMetrics{}, err
		}
		t.model.Update(t.opt, t.sched.LR())
		acc.add(t.model, batch)
	}
	return acc.metrics()
}

// validateEpoch evaluates the model from the start of the validation
// stream without updating it.
func (t *Trainer) validateEpoch(loader *DataLoader) (EpochMetrics, error) {
	loader.Reset()
	steps := loader.NumBatches()
	if t.cfg.StepsPerEpoch > 0 {
		steps = min(steps, t.cfg.StepsPerEpoch)
	}
	var acc passAccumulator
	for step := 0; step < steps; step++ {
		batch, ok := loader.NextBatch()
		if !ok {
			break
		}
		if err := t.model.Forward(batch.Inputs, batch.Targets, batch.Size, batch.Len); err != nil {
			return EpochMetrics{}, err
		}
		if !IsFinite(t.model.MeanLoss) {
			return EpochMetrics{}, fmt.Errorf("%w at step %d", ErrNonFiniteLoss, step)
		}
		acc.add(t.model, batch)
	}
	return acc.metrics()
}

type passAccumulator struct {
	losses, accuracies, weights []float64
}

func (p *passAccumulator) add(model *Transformer, batch Batch) {
	p.losses = append(p.losses, float64(model.MeanLoss))
	p.accuracies = append(p.accuracies, float64(model.Accuracy()))
	p.weights = append(p.weights, float64(batch.Size*batch.Len))
}

// metrics weights every batch by its token count.
func (p *passAccumulator) metrics() (EpochMetrics, error) {
	if len(p.losses) == 0 {
		return EpochMetrics{}, errors.New("no batches in pass")
	}
	loss := stat.Mean(p.losses, p.weights)
	return EpochMetrics{
		Loss:       loss,
		Accuracy:   stat.Mean(p.accuracies, p.weights),
		Perplexity: math.Exp(loss),
	}, nil
}
