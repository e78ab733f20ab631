package tokenizer

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/23skdu/longbow-interp/internal/gguf"
)

var testVocab = []string{
	"<unk>", "<|endoftext|>", "Hello", "Ġworld", "Ġwor", "ld", "!", "Ġ", "w", "o", "r", "l", "d",
}

func writeVocabGGUF(t *testing.T, vocab []string, bos uint32) string {
	t.Helper()
	w := gguf.NewWriter()
	w.AddStrings("tokenizer.ggml.tokens", vocab)
	w.AddUint32("tokenizer.ggml.bos_token_id", bos)
	w.AddUint32("gpt2.context_length", 1024)
	w.AddString("tokenizer.chat_template", "{% for m in messages %}<|start_header_id|>{% endfor %}")
	path := filepath.Join(t.TempDir(), "vocab.gguf")
	if err := w.WriteFile(path); err != nil {
		t.Fatalf("failed to write vocab: %v", err)
	}
	return path
}

func TestNewFromGGUF(t *testing.T) {
	tk, err := New(writeVocabGGUF(t, testVocab, 2))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if len(tk.Tokens) != len(testVocab) {
		t.Errorf("expected %d tokens, got %d", len(testVocab), len(tk.Tokens))
	}
	if tk.BOS != 2 {
		t.Errorf("explicit bos id should win, got %d", tk.BOS)
	}
	if tk.ModelMaxLength != 1024 {
		t.Errorf("expected context length 1024, got %d", tk.ModelMaxLength)
	}
	if !tk.ChatTemplateExists() {
		t.Error("expected chat template")
	}
}

func TestSpecialTokenGuessing(t *testing.T) {
	tk := NewFromVocab(testVocab)
	if tk.BOS != 1 || tk.EOS != 1 {
		t.Errorf("expected <|endoftext|> for bos/eos, got %d/%d", tk.BOS, tk.EOS)
	}
	if tk.Unk != 0 {
		t.Errorf("expected unk 0, got %d", tk.Unk)
	}
	if tk.PadID() != 1 {
		t.Errorf("pad should fall back to eos, got %d", tk.PadID())
	}
}

func TestEncode(t *testing.T) {
	tk := NewFromVocab(testVocab)

	tests := []struct {
		name     string
		input    string
		expected []int
	}{
		{"longest match", "Hello world!", []int{2, 3, 6}},
		{"partial word", "Hello wo", []int{2, 7, 8, 9}},
		{"unknown rune", "Hello é", []int{2, 7, 0}},
		{"empty", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tk.Encode(tt.input)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("Encode(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestEncodeByteFallback(t *testing.T) {
	tk := NewFromVocab([]string{"<unk>", "a", "<0xC3>", "<0xA9>"})
	got := tk.Encode("aé")
	want := []int{1, 2, 3}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEncodeWhitespaceBytes(t *testing.T) {
	tk := NewFromVocab([]string{"<unk>", "Hello", "Ċ", "ĊĊ", "Ġworld", "ĉ"})

	tests := []struct {
		input    string
		expected []int
	}{
		{"Hello\n world\t", []int{1, 2, 4, 5}},
		{"Hello\n\n", []int{1, 3}},
		{"\r", []int{0}},
	}
	for _, tt := range tests {
		got := tk.Encode(tt.input)
		if !reflect.DeepEqual(got, tt.expected) {
			t.Errorf("Encode(%q) = %v, want %v", tt.input, got, tt.expected)
		}
	}
	if s := tk.Decode([]int{1, 3, 4, 5}); s != "Hello\n\n world\t" {
		t.Errorf("Decode = %q", s)
	}
}

func TestSentencePieceMarker(t *testing.T) {
	tk := NewFromVocab([]string{"<unk>", "<s>", "</s>", "▁Hello", "▁world"})
	got := tk.Encode("Hello world")
	if !reflect.DeepEqual(got, []int{3, 4}) {
		t.Errorf("got %v", got)
	}
	if s := tk.Decode(got); s != "Hello world" {
		t.Errorf("Decode = %q", s)
	}
}

func TestDecode(t *testing.T) {
	tk := NewFromVocab(testVocab)
	if got := tk.Decode([]int{2, 3, 6, 99, -1}); got != "Hello world!" {
		t.Errorf("Decode = %q", got)
	}
}

func TestEncodeBatchPadding(t *testing.T) {
	tk := NewFromVocab(testVocab)

	b, err := tk.EncodeBatch([]string{"Hello world!", "Hello"}, BatchOptions{})
	if err != nil {
		t.Fatalf("EncodeBatch failed: %v", err)
	}
	if b.Size() != 2 || b.SeqLen() != 3 {
		t.Fatalf("unexpected shape %dx%d", b.Size(), b.SeqLen())
	}
	if !reflect.DeepEqual(b.InputIDs[1], []int{2, 1, 1}) {
		t.Errorf("expected eos padding, got %v", b.InputIDs[1])
	}
	if !reflect.DeepEqual(b.AttentionMask[1], []bool{true, false, false}) {
		t.Errorf("unexpected mask %v", b.AttentionMask[1])
	}
	if b.Tokens() != 4 {
		t.Errorf("expected 4 real tokens, got %d", b.Tokens())
	}
}

func TestEncodeBatchBOS(t *testing.T) {
	tk := NewFromVocab(testVocab)

	b, err := tk.EncodeBatch([]string{"Hello"}, BatchOptions{PrependBOS: true})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(b.InputIDs[0], []int{1, 2}) {
		t.Errorf("expected bos prefix, got %v", b.InputIDs[0])
	}
}

func TestEncodeBatchLimits(t *testing.T) {
	tk := NewFromVocab(testVocab)
	texts := []string{"Hello world!"}

	if _, err := tk.EncodeBatch(texts, BatchOptions{MaxLength: 2}); !errors.Is(err, ErrContextWindow) {
		t.Errorf("expected ErrContextWindow, got %v", err)
	}

	b, err := tk.EncodeBatch(texts, BatchOptions{MaxLength: 2, Truncate: true})
	if err != nil {
		t.Fatal(err)
	}
	if b.Lengths[0] != 2 {
		t.Errorf("expected truncation to 2, got %d", b.Lengths[0])
	}

	if _, err := tk.EncodeBatch(nil, BatchOptions{}); !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("expected ErrEmptyBatch, got %v", err)
	}
}

func TestEncodeBatchEmptyText(t *testing.T) {
	tk := NewFromVocab(testVocab)
	b, err := tk.EncodeBatch([]string{"", "Hello"}, BatchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if b.Lengths[0] != 1 || !b.AttentionMask[0][0] {
		t.Errorf("empty text should keep one position, got %v", b.AttentionMask[0])
	}
}

func TestApplyChatTemplate(t *testing.T) {
	tk := NewFromVocab(testVocab)
	msgs := []Message{{Role: "user", Content: "Who are you?"}}

	if _, err := tk.ApplyChatTemplate(msgs); !errors.Is(err, ErrNoChatTemplate) {
		t.Errorf("expected ErrNoChatTemplate, got %v", err)
	}

	tk.ChatTemplate = "<|start_header_id|>"
	got, err := tk.ApplyChatTemplate(msgs)
	if err != nil {
		t.Fatal(err)
	}
	want := "<|begin_of_text|><|start_header_id|>user<|end_header_id|>\n\nWho are you?<|eot_id|>"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	tk.ChatTemplate = "{{ '[INST] ' }}"
	got, _ = tk.ApplyChatTemplate(msgs)
	if got != "<s>[INST] Who are you? [/INST]" {
		t.Errorf("unexpected mistral rendering %q", got)
	}

	tk.ChatTemplate = "chatml"
	got, _ = tk.ApplyChatTemplate(msgs)
	if got != "<|im_start|>user\nWho are you?<|im_end|>\n" {
		t.Errorf("unexpected chatml rendering %q", got)
	}
}
