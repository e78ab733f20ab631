package tokenizer

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/23skdu/longbow-interp/internal/gguf"
)

const (
	markerBPE = "Ġ" // GPT-2 / Llama-3 style space marker
	markerSPM = "▁" // sentencepiece style space marker
)

// Byte-level BPE vocabularies spell whitespace bytes as shifted runes.
var (
	bpeEncoder = strings.NewReplacer(" ", markerBPE, "\n", "Ċ", "\t", "ĉ", "\r", "č")
	bpeDecoder = strings.NewReplacer(markerBPE, " ", "Ċ", "\n", "ĉ", "\t", "č", "\r")
)

var (
	ErrContextWindow  = errors.New("text exceeds context window")
	ErrNoChatTemplate = errors.New("chat template does not exist for this tokenizer")
	ErrEmptyBatch     = errors.New("batch has no texts")
)

type Tokenizer struct {
	Tokens []string
	Vocab  map[string]int

	BOS, EOS, Pad, Unk int
	ModelMaxLength     int
	ChatTemplate       string

	marker    string
	maxPieceB int
}

// New reads the vocabulary and special token ids from a GGUF checkpoint.
func New(path string) (*Tokenizer, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return FromGGUF(f)
}

func FromGGUF(f *gguf.GGUFFile) (*Tokenizer, error) {
	tokens, err := f.Strings("tokenizer.ggml.tokens")
	if err != nil {
		return nil, err
	}
	t := NewFromVocab(tokens)

	special := []struct {
		key string
		dst *int
	}{
		{"tokenizer.ggml.bos_token_id", &t.BOS},
		{"tokenizer.ggml.eos_token_id", &t.EOS},
		{"tokenizer.ggml.padding_token_id", &t.Pad},
		{"tokenizer.ggml.unknown_token_id", &t.Unk},
	}
	for _, s := range special {
		if v, ok := f.Uint(s.key); ok && int(v) < len(tokens) {
			*s.dst = int(v)
		}
	}
	for _, key := range []string{"llama.context_length", "gpt2.context_length", "general.context_length"} {
		if v, ok := f.Uint(key); ok {
			t.ModelMaxLength = int(v)
			break
		}
	}
	if tmpl, ok := f.String("tokenizer.chat_template"); ok {
		t.ChatTemplate = tmpl
	}
	return t, nil
}

// NewFromVocab builds a tokenizer from an ordered token list. Special ids
// are guessed from common spellings and can be overwritten afterwards.
func NewFromVocab(tokens []string) *Tokenizer {
	t := &Tokenizer{
		Tokens: tokens,
		Vocab:  make(map[string]int, len(tokens)),
		BOS:    -1, EOS: -1, Pad: -1, Unk: -1,
		marker: markerBPE,
	}

	spm := 0
	for i, s := range tokens {
		if _, dup := t.Vocab[s]; !dup {
			t.Vocab[s] = i
		}
		if len(s) > t.maxPieceB {
			t.maxPieceB = len(s)
		}
		if strings.HasPrefix(s, markerSPM) {
			spm++
		}
	}
	if spm > 0 && spm*2 > countPrefix(tokens, markerBPE) {
		t.marker = markerSPM
	}

	guess := func(dst *int, names ...string) {
		for _, n := range names {
			if id, ok := t.Vocab[n]; ok {
				*dst = id
				return
			}
		}
	}
	guess(&t.BOS, "<s>", "<|begin_of_text|>", "<|endoftext|>")
	guess(&t.EOS, "</s>", "<|end_of_text|>", "<|endoftext|>", "<|eot_id|>")
	guess(&t.Unk, "<unk>", "<|endoftext|>")
	return t
}

func countPrefix(tokens []string, prefix string) int {
	n := 0
	for _, s := range tokens {
		if strings.HasPrefix(s, prefix) {
			n++
		}
	}
	return n
}

// PadID is the padding id; the eos token stands in when none is declared.
func (t *Tokenizer) PadID() int {
	if t.Pad >= 0 {
		return t.Pad
	}
	if t.EOS >= 0 {
		return t.EOS
	}
	return 0
}

// Encode maps text to ids by greedy longest match over the vocabulary.
// Spaces become the vocabulary's word marker, and for byte-level BPE
// newlines, tabs and carriage returns become Ċ, ĉ and č. Unmatched bytes
// fall back to <0xNN> byte tokens, then to the unknown token, and are
// dropped otherwise.
func (t *Tokenizer) Encode(text string) []int {
	if text == "" {
		return nil
	}
	var s string
	if t.marker == markerBPE {
		s = bpeEncoder.Replace(text)
	} else {
		s = strings.ReplaceAll(text, " ", t.marker)
		if !strings.HasPrefix(s, markerSPM) {
			s = markerSPM + s
		}
	}

	var ids []int
	for i := 0; i < len(s); {
		end := i + t.maxPieceB
		if end > len(s) {
			end = len(s)
		}
		matched := false
		for j := end; j > i; j-- {
			if j < len(s) && !utf8.RuneStart(s[j]) {
				continue
			}
			if id, ok := t.Vocab[s[i:j]]; ok {
				ids = append(ids, id)
				i = j
				matched = true
				break
			}
		}
		if matched {
			continue
		}

		_, size := utf8.DecodeRuneInString(s[i:])
		for k := 0; k < size; k++ {
			if id, ok := t.Vocab[fmt.Sprintf("<0x%02X>", s[i+k])]; ok {
				ids = append(ids, id)
			} else if t.Unk >= 0 {
				ids = append(ids, t.Unk)
				break
			}
		}
		i += size
	}
	return ids
}

func (t *Tokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(t.Tokens) {
			continue
		}
		sb.WriteString(t.Tokens[id])
	}
	if t.marker == markerBPE {
		return bpeDecoder.Replace(sb.String())
	}
	return strings.TrimPrefix(strings.ReplaceAll(sb.String(), t.marker, " "), " ")
}
