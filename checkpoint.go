package musicgen

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

const (
	checkpointMagic   = 20241020
	checkpointVersion = 1
)

// TrainState is everything besides the weights needed to resume a run.
type TrainState struct {
	Epoch          int
	SchedulerSteps int
}

// SaveCheckpoint writes the model weights, optimizer state and train state
// to path, replacing whatever was there.
func SaveCheckpoint(path string, model *Transformer, state TrainState) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint %s: %w", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if err := writeCheckpoint(w, model, state); err != nil {
		return fmt.Errorf("failed to write checkpoint %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write checkpoint %s: %w", path, err)
	}
	return f.Close()
}

func writeCheckpoint(w io.Writer, model *Transformer, state TrainState) error {
	cfg := model.Config
	header := make([]int32, headerLen)
	header[0] = checkpointMagic
	header[1] = checkpointVersion
	header[2] = int32(cfg.MaxSeqLen)
	header[3] = int32(cfg.V)
	header[4] = int32(cfg.L)
	header[5] = int32(cfg.NH)
	header[6] = int32(cfg.C)
	header[7] = int32(cfg.FF)
	header[8] = int32(math.Float32bits(cfg.LabelSmoothing))
	header[9] = int32(state.Epoch)
	header[10] = int32(model.Step)
	header[11] = int32(state.SchedulerSteps)
	if model.MMemory != nil {
		header[12] = 1
	}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, model.Params.Memory); err != nil {
		return err
	}
	if model.MMemory == nil {
		return nil
	}
	if err := binary.Write(w, binary.LittleEndian, model.MMemory); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, model.VMemory)
}

// LoadCheckpoint restores a model and its optimizer state from path.
func LoadCheckpoint(path string) (*Transformer, TrainState, error) {
	data, err := readAll(path)
	if err != nil {
		return nil, TrainState{}, err
	}
	model, state, err := readCheckpoint(bytes.NewReader(data))
	if err != nil {
		return nil, TrainState{}, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	return model, state, nil
}

// paramCount is the number of weights cfg implies, false when it does not
// fit in memory.
func paramCount(cfg ModelConfig) (int64, bool) {
	const limit = math.MaxInt64 / 16
	ok := true
	mul := func(a, b int64) int64 {
		if a != 0 && b > limit/a {
			ok = false
			return 0
		}
		return a * b
	}
	add := func(a, b int64) int64 {
		if a > limit-b {
			ok = false
			return 0
		}
		return a + b
	}
	V, C, maxT := int64(cfg.V), int64(cfg.C), int64(cfg.MaxSeqLen)
	L, FF := int64(cfg.L), int64(cfg.FF)
	cc := mul(C, C)
	ffc := mul(FF, C)
	perLayer := add(add(add(mul(9, C), mul(4, cc)), mul(2, ffc)), FF)
	n := add(add(mul(V, C), mul(maxT, C)), add(mul(L, perLayer), mul(2, C)))
	return n, ok
}

func readCheckpoint(r *bytes.Reader) (*Transformer, TrainState, error) {
	var state TrainState
	header := make([]int32, headerLen)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return nil, state, fmt.Errorf("%w: reading header: %v", ErrCorruptState, err)
	}
	if header[0] != checkpointMagic || header[1] != checkpointVersion {
		return nil, state, fmt.Errorf("%w: bad checkpoint file format", ErrCorruptState)
	}
	cfg := ModelConfig{
		MaxSeqLen:      int(header[2]),
		V:              int(header[3]),
		L:              int(header[4]),
		NH:             int(header[5]),
		C:              int(header[6]),
		FF:             int(header[7]),
		LabelSmoothing: math.Float32frombits(uint32(header[8])),
	}
	if err := cfg.Validate(); err != nil {
		return nil, state, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	n, ok := paramCount(cfg)
	if !ok {
		return nil, state, fmt.Errorf("%w: model dimensions overflow: %+v", ErrCorruptState, cfg)
	}
	tensors := int64(1)
	if header[12] != 0 {
		tensors = 3
	}
	if want := 4 * n * tensors; want > int64(r.Len()) {
		return nil, state, fmt.Errorf("%w: header declares %d bytes of weights, file has %d", ErrCorruptState, want, r.Len())
	}
	state.Epoch = int(header[9])
	state.SchedulerSteps = int(header[11])
	model := newEmptyTransformer(cfg, uint64(header[10]))
	model.Step = int(header[10])
	if err := binary.Read(r, binary.LittleEndian, model.Params.Memory); err != nil {
		return nil, state, fmt.Errorf("%w: reading parameters: %v", ErrCorruptState, err)
	}
	if header[12] == 0 {
		return model, state, nil
	}
	model.MMemory = make([]float32, model.Params.Len())
	model.VMemory = make([]float32, model.Params.Len())
	if err := binary.Read(r, binary.LittleEndian, model.MMemory); err != nil {
		return nil, state, fmt.Errorf("%w: reading optimizer state: %v", ErrCorruptState, err)
	}
	if err := binary.Read(r, binary.LittleEndian, model.VMemory); err != nil {
		return nil, state, fmt.Errorf("%w: reading optimizer state: %v", ErrCorruptState, err)
	}
	return model, state, nil
}
