// Package tokenizer implements a SentencePiece-style vocabulary tokenizer
// stored in GGUF metadata.
package tokenizer

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/23skdu/longbow-ut5/internal/gguf"
)

// WordBoundary marks the start of a word inside a piece.
const WordBoundary = "▁"

// Default special ids of T5 vocabularies.
const (
	DefaultPadID = 0
	DefaultEOSID = 1
	DefaultUnkID = 2
)

type Tokenizer struct {
	Tokens []string
	Vocab  map[string]int
	Scores []float32 // optional

	PadID int
	EOSID int
	UnkID int

	maxPieceLen int // in bytes
}

// New reads the vocabulary of a GGUF model file.
func New(path string) (*Tokenizer, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	return FromGGUF(f)
}

// FromGGUF builds a tokenizer from tokenizer.ggml.* metadata. Token strings
// are copied, so the file may be closed afterwards.
func FromGGUF(f *gguf.GGUFFile) (*Tokenizer, error) {
	if _, ok := f.KV[gguf.KeyTokens]; !ok {
		return nil, fmt.Errorf("%s not found in GGUF", gguf.KeyTokens)
	}
	tokens, ok := f.GetStrings(gguf.KeyTokens)
	if !ok {
		return nil, fmt.Errorf("invalid type for %s", gguf.KeyTokens)
	}

	var scores []float32
	if arr, ok := f.KV[gguf.KeyScores].([]interface{}); ok {
		scores = make([]float32, len(arr))
		for i, v := range arr {
			s, ok := v.(float32)
			if !ok {
				return nil, fmt.Errorf("score %d is %T, want float32", i, v)
			}
			scores[i] = s
		}
	}

	t, err := NewFromVocab(tokens, scores)
	if err != nil {
		return nil, err
	}
	for key, id := range map[string]*int{
		gguf.KeyPadTokenID: &t.PadID,
		gguf.KeyEOSTokenID: &t.EOSID,
		gguf.KeyUnkTokenID: &t.UnkID,
	} {
		if v, ok := f.GetUint(key); ok {
			if v >= uint64(len(tokens)) {
				return nil, fmt.Errorf("%s = %d outside vocabulary of %d", key, v, len(tokens))
			}
			*id = int(v)
		}
	}
	return t, nil
}

// NewFromVocab builds a tokenizer over tokens with the default special ids.
func NewFromVocab(tokens []string, scores []float32) (*Tokenizer, error) {
	if len(tokens) <= DefaultUnkID {
		return nil, fmt.Errorf("vocabulary of %d tokens is too small", len(tokens))
	}
	if scores != nil && len(scores) != len(tokens) {
		return nil, fmt.Errorf("%d scores for %d tokens", len(scores), len(tokens))
	}
	t := &Tokenizer{
		Tokens: make([]string, len(tokens)),
		Vocab:  make(map[string]int, len(tokens)),
		Scores: scores,
		PadID:  DefaultPadID,
		EOSID:  DefaultEOSID,
		UnkID:  DefaultUnkID,
	}
	copy(t.Tokens, tokens)
	for i, s := range t.Tokens {
		// First occurrence wins for duplicate pieces.
		if _, ok := t.Vocab[s]; !ok {
			t.Vocab[s] = i
		}
		if len(s) > t.maxPieceLen {
			t.maxPieceLen = len(s)
		}
	}
	return t, nil
}

// basicChars are the characters Basic covers first, most common first.
const basicChars = "abcdefghijklmnopqrstuvwxyz0123456789.,!?'-"

// Basic returns a character-level vocabulary of exactly size tokens:
// <pad>, </s>, <unk>, the bare word boundary, common characters with and
// without a word boundary, the rest of printable ASCII, then <extra_id_N>
// fillers.
func Basic(size int) (*Tokenizer, error) {
	tokens := []string{"<pad>", "</s>", "<unk>", WordBoundary}
	seen := make(map[string]bool)
	add := func(piece string) {
		if !seen[piece] {
			seen[piece] = true
			tokens = append(tokens, piece)
		}
	}
	for _, c := range basicChars {
		add(string(c))
	}
	for _, c := range basicChars {
		add(WordBoundary + string(c))
	}
	for c := '!'; c <= '~'; c++ {
		add(string(c))
		add(WordBoundary + string(c))
	}
	if len(tokens) > size {
		tokens = tokens[:size]
	}
	for i := 0; len(tokens) < size; i++ {
		tokens = append(tokens, fmt.Sprintf("<extra_id_%d>", i))
	}
	return NewFromVocab(tokens, nil)
}

func (t *Tokenizer) VocabSize() int {
	return len(t.Tokens)
}

// normalize collapses whitespace and marks word starts with WordBoundary.
func normalize(text string) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}
	return WordBoundary + strings.Join(words, WordBoundary)
}

// Encode splits text into the longest matching pieces, left to right.
// Characters with no matching piece map to UnkID.
func (t *Tokenizer) Encode(text string) []int {
	s := normalize(text)
	var ids []int
	for len(s) > 0 {
		n := t.maxPieceLen
		if n > len(s) {
			n = len(s)
		}
		matched := false
		for ; n > 0; n-- {
			if !utf8.ValidString(s[:n]) {
				continue
			}
			if id, ok := t.Vocab[s[:n]]; ok && !t.isControl(id) {
				ids = append(ids, id)
				s = s[n:]
				matched = true
				break
			}
		}
		if !matched {
			_, size := utf8.DecodeRuneInString(s)
			ids = append(ids, t.UnkID)
			s = s[size:]
		}
	}
	return ids
}

// EncodeWithEOS is Encode followed by EOSID, the form encoder inputs take.
func (t *Tokenizer) EncodeWithEOS(text string) []int {
	return append(t.Encode(text), t.EOSID)
}

func (t *Tokenizer) isControl(id int) bool {
	return id == t.PadID || id == t.EOSID || id == t.UnkID
}

// Decode joins pieces, turning word boundaries back into spaces. Padding
// and EOS are dropped and out-of-range ids are skipped.
func (t *Tokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(t.Tokens) || id == t.PadID || id == t.EOSID {
			continue
		}
		if id == t.UnkID {
			sb.WriteString("⁇")
			continue
		}
		sb.WriteString(t.Tokens[id])
	}
	out := strings.ReplaceAll(sb.String(), WordBoundary, " ")
	return strings.TrimPrefix(out, " ")
}

// WriteGGUF stores the vocabulary in w.
func (t *Tokenizer) WriteGGUF(w *gguf.Writer) error {
	if err := w.Set(gguf.KeyTokenModel, gguf.TokenModelT5); err != nil {
		return err
	}
	if err := w.Set(gguf.KeyTokens, t.Tokens); err != nil {
		return err
	}
	if t.Scores != nil {
		if err := w.Set(gguf.KeyScores, t.Scores); err != nil {
			return err
		}
	}
	for _, kv := range []struct {
		key string
		id  int
	}{
		{gguf.KeyPadTokenID, t.PadID},
		{gguf.KeyEOSTokenID, t.EOSID},
		{gguf.KeyUnkTokenID, t.UnkID},
	} {
		if err := w.Set(kv.key, uint32(kv.id)); err != nil {
			return err
		}
	}
	return nil
}
