package musicgen

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Reserved marker tokens. They always sit above every content id.
const (
	PadToken = "<PAD>"
	SOSToken = "<SOS>"
	EOSToken = "<EOS>"
	OOVToken = "<OOV>"
)

// DefaultMarkers is the order markers are reserved in by Fit.
var DefaultMarkers = []string{PadToken, SOSToken, EOSToken}

// TextOptions controls how raw text is split into words.
type TextOptions struct {
	// Lower lower-cases text before splitting.
	Lower bool `json:"lower"`
	// Filters lists characters replaced by a space before splitting.
	Filters string `json:"filters"`
}

// Words splits text into the tokens the vocabulary is built over.
func (o TextOptions) Words(text string) []string {
	if o.Lower {
		text = strings.ToLower(text)
	}
	if o.Filters != "" {
		text = strings.Map(func(r rune) rune {
			if strings.ContainsRune(o.Filters, r) {
				return ' '
			}
			return r
		}, text)
	}
	return strings.FieldsFunc(text, unicode.IsSpace)
}

// Vocabulary is a frozen token to id mapping. Content tokens own ids
// 0..ContentLen()-1 in frequency order, reserved markers follow.
type Vocabulary struct {
	toID     map[string]int32
	tokens   []string
	content  int
	reserved []string
}

// BuildVocabulary ranks the words of corpus by descending frequency, ties
// going to the word seen first, and keeps at most maxSize of them. A
// maxSize <= 0 keeps every word. Words spelled like a reserved marker are
// not counted. The result has no reserved markers, see WithReserved.
func BuildVocabulary(corpus []string, maxSize int, opts TextOptions) (*Vocabulary, error) {
	type wordCount struct {
		word  string
		count int
		first int
	}
	counts := make(map[string]*wordCount)
	var order []*wordCount
	for _, text := range corpus {
		for _, w := range opts.Words(text) {
			if isMarker(w) {
				continue
			}
			wc, ok := counts[w]
			if !ok {
				wc = &wordCount{word: w, first: len(order)}
				counts[w] = wc
				order = append(order, wc)
			}
			wc.count++
		}
	}
	if len(order) == 0 {
		return nil, ErrEmptyCorpus
	}
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].count != order[j].count {
			return order[i].count > order[j].count
		}
		return order[i].first < order[j].first
	})
	if maxSize > 0 && len(order) > maxSize {
		order = order[:maxSize]
	}
	v := &Vocabulary{
		toID:   make(map[string]int32, len(order)),
		tokens: make([]string, len(order)),
	}
	for i, wc := range order {
		v.tokens[i] = wc.word
		v.toID[wc.word] = int32(i)
	}
	v.content = len(order)
	return v, nil
}

// WithReserved returns a copy of v with markers appended after the highest
// id, in order, followed by OOVToken unless markers already holds it.
// Markers v already reserves keep their ids. A marker spelled like a
// content token fails with ErrMarkerCollision.
func (v *Vocabulary) WithReserved(markers ...string) (*Vocabulary, error) {
	out := &Vocabulary{
		toID:     make(map[string]int32, len(v.tokens)+len(markers)+1),
		tokens:   append([]string(nil), v.tokens...),
		content:  v.content,
		reserved: append([]string(nil), v.reserved...),
	}
	for id, tok := range out.tokens {
		out.toID[tok] = int32(id)
	}
	add := func(m string) error {
		id, ok := out.toID[m]
		if !ok {
			out.toID[m] = int32(len(out.tokens))
			out.tokens = append(out.tokens, m)
			out.reserved = append(out.reserved, m)
			return nil
		}
		if int(id) < out.content {
			return fmt.Errorf("%w: %q has content id %d", ErrMarkerCollision, m, id)
		}
		return nil
	}
	for _, m := range markers {
		if err := add(m); err != nil {
			return nil, err
		}
	}
	if err := add(OOVToken); err != nil {
		return nil, err
	}
	return out, nil
}

// ID returns the id of token.
func (v *Vocabulary) ID(token string) (int32, bool) {
	id, ok := v.toID[token]
	return id, ok
}

// Token returns the token for id.
func (v *Vocabulary) Token(id int32) (string, bool) {
	if id < 0 || int(id) >= len(v.tokens) {
		return "", false
	}
	return v.tokens[id], true
}

// Len is the number of ids, reserved markers included.
func (v *Vocabulary) Len() int { return len(v.tokens) }

// ContentLen is the number of frequency ranked tokens.
func (v *Vocabulary) ContentLen() int { return v.content }

// Reserved returns the id of a reserved marker.
func (v *Vocabulary) Reserved(marker string) (int32, bool) {
	for i, m := range v.reserved {
		if m == marker {
			return int32(v.content + i), true
		}
	}
	return 0, false
}

// OOV returns the out-of-vocabulary id, or -1 when none is reserved.
func (v *Vocabulary) OOV() int32 {
	if id, ok := v.Reserved(OOVToken); ok {
		return id
	}
	return -1
}

// Markers returns the reserved markers in id order.
func (v *Vocabulary) Markers() []string {
	return append([]string(nil), v.reserved...)
}

// Tokens returns every token in id order.
func (v *Vocabulary) Tokens() []string {
	return append([]string(nil), v.tokens...)
}

// IsReservedID reports whether id belongs to a reserved marker.
func (v *Vocabulary) IsReservedID(id int32) bool {
	return int(id) >= v.content && int(id) < len(v.tokens)
}

func isMarker(w string) bool {
	switch w {
	case PadToken, SOSToken, EOSToken, OOVToken:
		return true
	}
	return false
}
