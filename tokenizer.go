package musicgen

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	lru "github.com/hashicorp/golang-lru"
)

const (
	tokenizerMagic   = 20241019
	tokenizerVersion = 2
	headerLen        = 256
)

// Tokenizer turns text into token ids and back and persists its vocabulary.
type Tokenizer interface {
	Fit(corpus []string) error
	Encode(text string) ([]int32, error)
	Decode(ids []int32) (string, error)
	Save(path string) error
	Load(path string) error
	VocabSize() int
}

var _ Tokenizer = (*WordTokenizer)(nil)

// WordTokenizer maps whitespace separated words to frequency ranked ids.
type WordTokenizer struct {
	maxSize int
	opts    TextOptions
	vocab   *Vocabulary
	cache   *lru.Cache
}

// NewWordTokenizer returns an unfitted tokenizer keeping at most maxSize
// content words. A non-zero cacheSize enables an LRU of encoded texts.
func NewWordTokenizer(maxSize int, opts TextOptions, cacheSize int) (*WordTokenizer, error) {
	tok := &WordTokenizer{maxSize: maxSize, opts: opts}
	if cacheSize != 0 {
		cache, err := lru.New(cacheSize)
		if err != nil {
			return nil, fmt.Errorf("tokenizer cache: %w", err)
		}
		tok.cache = cache
	}
	return tok, nil
}

// Fit builds the vocabulary from corpus and reserves DefaultMarkers and
// OOVToken above it.
func (t *WordTokenizer) Fit(corpus []string) error {
	core, err := BuildVocabulary(corpus, t.maxSize, t.opts)
	if err != nil {
		return err
	}
	vocab, err := core.WithReserved(DefaultMarkers...)
	if err != nil {
		return err
	}
	t.setVocabulary(vocab)
	return nil
}

func (t *WordTokenizer) setVocabulary(v *Vocabulary) {
	t.vocab = v
	if t.cache != nil {
		t.cache.Purge()
	}
}

// Vocabulary returns the fitted vocabulary, nil before Fit or Load.
func (t *WordTokenizer) Vocabulary() *Vocabulary { return t.vocab }

// Options returns the text options in use.
func (t *WordTokenizer) Options() TextOptions { return t.opts }

// VocabSize counts every id including reserved markers.
func (t *WordTokenizer) VocabSize() int {
	if t.vocab == nil {
		return 0
	}
	return t.vocab.Len()
}

// Encode maps each word of text to its id. Words outside the vocabulary
// become the OOV id.
func (t *WordTokenizer) Encode(text string) ([]int32, error) {
	if t.vocab == nil {
		return nil, ErrNotFitted
	}
	if t.cache != nil {
		if cached, ok := t.cache.Get(text); ok {
			return append([]int32(nil), cached.([]int32)...), nil
		}
	}
	words := t.opts.Words(text)
	ids := make([]int32, 0, len(words))
	oov := t.vocab.OOV()
	for _, w := range words {
		if id, ok := t.vocab.ID(w); ok {
			ids = append(ids, id)
			continue
		}
		ids = append(ids, oov)
	}
	if t.cache != nil {
		t.cache.Add(text, append([]int32(nil), ids...))
	}
	return ids, nil
}

// EncodeCorpus encodes every text into one stream. With wrap set each text
// is framed by the SOS and EOS markers.
func (t *WordTokenizer) EncodeCorpus(texts []string, wrap bool) ([]int32, error) {
	if t.vocab == nil {
		return nil, ErrNotFitted
	}
	sos, hasSOS := t.vocab.Reserved(SOSToken)
	eos, hasEOS := t.vocab.Reserved(EOSToken)
	if wrap && (!hasSOS || !hasEOS) {
		return nil, fmt.Errorf("vocabulary has no %s/%s markers: %w", SOSToken, EOSToken, ErrCorruptState)
	}
	var stream []int32
	for _, text := range texts {
		ids, err := t.Encode(text)
		if err != nil {
			return nil, err
		}
		if wrap {
			stream = append(stream, sos)
		}
		stream = append(stream, ids...)
		if wrap {
			stream = append(stream, eos)
		}
	}
	return stream, nil
}

// Decode joins the tokens of ids with single spaces. An id outside the
// vocabulary fails with ErrUnknownTokenID.
func (t *WordTokenizer) Decode(ids []int32) (string, error) {
	if t.vocab == nil {
		return "", ErrNotFitted
	}
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		tok, ok := t.vocab.Token(id)
		if !ok {
			return "", fmt.Errorf("%w: %d (vocab size: %d)", ErrUnknownTokenID, id, t.vocab.Len())
		}
		words = append(words, tok)
	}
	return strings.Join(words, " "), nil
}

// Save writes the vocabulary, reserved markers included, to path.
func (t *WordTokenizer) Save(path string) error {
	if t.vocab == nil {
		return ErrNotFitted
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create tokenizer file %s: %w", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if err := t.writeTo(w); err != nil {
		return fmt.Errorf("failed to write tokenizer file %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write tokenizer file %s: %w", path, err)
	}
	return f.Close()
}

func (t *WordTokenizer) writeTo(w io.Writer) error {
	header := make([]uint32, headerLen)
	header[0] = tokenizerMagic
	header[1] = tokenizerVersion
	header[2] = uint32(t.vocab.Len())
	header[3] = uint32(t.vocab.ContentLen())
	if t.opts.Lower {
		header[4] = 1
	}
	header[5] = uint32(len(t.opts.Filters))
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	if _, err := io.WriteString(w, t.opts.Filters); err != nil {
		return err
	}
	for _, tok := range t.vocab.tokens {
		if uint64(len(tok)) > math.MaxUint32 {
			return fmt.Errorf("token of %d bytes is too long to store", len(tok))
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(tok))); err != nil {
			return err
		}
		if _, err := io.WriteString(w, tok); err != nil {
			return err
		}
	}
	return nil
}

// Load replaces the vocabulary and text options with the ones stored at
// path.
func (t *WordTokenizer) Load(path string) error {
	data, err := readAll(path)
	if err != nil {
		return err
	}
	vocab, opts, err := readTokenizer(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("tokenizer %s: %w", path, err)
	}
	t.opts = opts
	t.setVocabulary(vocab)
	return nil
}

// readTokenizer parses a saved vocabulary. Every length in the file is
// checked against the bytes left in r before anything is allocated.
func readTokenizer(r *bytes.Reader) (*Vocabulary, TextOptions, error) {
	var opts TextOptions
	header := make([]uint32, headerLen)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return nil, opts, fmt.Errorf("%w: reading header: %v", ErrCorruptState, err)
	}
	if header[0] != tokenizerMagic || header[1] != tokenizerVersion {
		return nil, opts, fmt.Errorf("%w: incorrect header for tokenizer", ErrCorruptState)
	}
	size, content := int64(header[2]), int64(header[3])
	if size == 0 || content >= size {
		return nil, opts, fmt.Errorf("%w: vocab size %d, content size %d", ErrCorruptState, size, content)
	}
	// each token takes a length word and at least one byte
	if int64(header[5])+5*size > int64(r.Len()) {
		return nil, opts, fmt.Errorf("%w: header declares more data than the file holds", ErrCorruptState)
	}
	opts.Lower = header[4] == 1
	filters := make([]byte, header[5])
	if _, err := io.ReadFull(r, filters); err != nil {
		return nil, opts, fmt.Errorf("%w: reading filters: %v", ErrCorruptState, err)
	}
	opts.Filters = string(filters)
	v := &Vocabulary{
		toID:    make(map[string]int32),
		content: int(content),
	}
	var length uint32
	for i := int64(0); i < size; i++ {
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, opts, fmt.Errorf("%w: token %d: %v", ErrCorruptState, i, err)
		}
		if length == 0 || int64(length) > int64(r.Len()) {
			return nil, opts, fmt.Errorf("%w: token %d has length %d", ErrCorruptState, i, length)
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, opts, fmt.Errorf("%w: token %d: %v", ErrCorruptState, i, err)
		}
		tok := string(buf)
		if _, dup := v.toID[tok]; dup {
			return nil, opts, fmt.Errorf("%w: duplicate token %q", ErrCorruptState, tok)
		}
		if isMarker(tok) != (i >= content) {
			return nil, opts, fmt.Errorf("%w: token %q at id %d", ErrCorruptState, tok, i)
		}
		v.toID[tok] = int32(i)
		v.tokens = append(v.tokens, tok)
	}
	v.reserved = append([]string(nil), v.tokens[content:]...)
	if v.OOV() < 0 {
		return nil, opts, fmt.Errorf("%w: no %s marker", ErrCorruptState, OOVToken)
	}
	return v, opts, nil
}
