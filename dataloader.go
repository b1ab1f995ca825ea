package musicgen

import (
	"errors"
	"fmt"
)

// Batch is Size windows of Len tokens, flattened row major. Targets[i] is
// the token following Inputs[i] in the stream.
type Batch struct {
	Inputs  []int32
	Targets []int32
	Size    int
	Len     int
}

// DataLoader slices a token stream into non-overlapping windows of seqLength
// and groups them into batches in stream order. The trailing tokens that do
// not fill a window are dropped, the last batch may hold fewer windows.
type DataLoader struct {
	batchSize       int
	seqLength       int
	currentPosition int
	numWindows      int
	numBatches      int
	data            []int32
}

func NewDataLoader(tokens []int32, batchSize, seqLength int) (*DataLoader, error) {
	if batchSize <= 0 || seqLength <= 0 {
		return nil, errors.New("error: batch size and sequence length must be positive")
	}
	if len(tokens) < seqLength+1 {
		return nil, fmt.Errorf("%w: %d tokens, sequence length %d", ErrTooFewTokens, len(tokens), seqLength)
	}
	numWindows := (len(tokens) - 1) / seqLength
	return &DataLoader{
		batchSize:  batchSize,
		seqLength:  seqLength,
		numWindows: numWindows,
		numBatches: (numWindows + batchSize - 1) / batchSize,
		data:       tokens,
	}, nil
}

// Reset rewinds the loader to the first batch.
func (loader *DataLoader) Reset() {
	loader.currentPosition = 0
}

// NextBatch returns the next batch, or false once every window was served.
// The returned slices alias the token stream and must not be modified.
func (loader *DataLoader) NextBatch() (Batch, bool) {
	windowsLeft := loader.numWindows - loader.currentPosition/loader.seqLength
	if windowsLeft <= 0 {
		return Batch{}, false
	}
	size := min(loader.batchSize, windowsLeft)
	nextPos := loader.currentPosition + size*loader.seqLength
	batch := Batch{
		Inputs:  loader.data[loader.currentPosition:nextPos],
		Targets: loader.data[loader.currentPosition+1 : nextPos+1],
		Size:    size,
		Len:     loader.seqLength,
	}
	loader.currentPosition = nextPos
	return batch, true
}

func (loader *DataLoader) NumBatches() int { return loader.numBatches }

func (loader *DataLoader) NumWindows() int { return loader.numWindows }

func (loader *DataLoader) BatchSize() int { return loader.batchSize }

func (loader *DataLoader) SeqLength() int { return loader.seqLength }
