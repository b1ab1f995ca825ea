package musicgen

import "errors"

var (
	ErrEmptyCorpus     = errors.New("corpus has no tokens")
	ErrNotFitted       = errors.New("tokenizer has no vocabulary, call Fit or Load first")
	ErrUnknownTokenID  = errors.New("unknown token id")
	ErrNotFound        = errors.New("file not found")
	ErrCorruptState    = errors.New("corrupt state")
	ErrTooFewTokens    = errors.New("too few tokens for the sequence length")
	ErrNonFiniteLoss   = errors.New("loss is not finite")
	ErrMarkerCollision = errors.New("marker collides with a content token")
)
