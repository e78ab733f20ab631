package tokenizer

import "fmt"

type BatchOptions struct {
	PrependBOS bool
	// Truncate cuts sequences to MaxLength; otherwise longer texts fail
	// with ErrContextWindow.
	Truncate  bool
	MaxLength int
}

// Batch is a right-padded batch of token ids. AttentionMask[i][j] is true
// for real tokens and false for padding.
type Batch struct {
	InputIDs      [][]int
	AttentionMask [][]bool
	Lengths       []int
}

func (b *Batch) Size() int {
	return len(b.InputIDs)
}

func (b *Batch) SeqLen() int {
	if len(b.InputIDs) == 0 {
		return 0
	}
	return len(b.InputIDs[0])
}

// Tokens counts unmasked positions.
func (b *Batch) Tokens() int {
	n := 0
	for _, l := range b.Lengths {
		n += l
	}
	return n
}

// EncodeBatch tokenizes texts and pads them to the longest sequence.
func (t *Tokenizer) EncodeBatch(texts []string, opts BatchOptions) (*Batch, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyBatch
	}
	limit := opts.MaxLength
	if limit <= 0 {
		limit = t.ModelMaxLength
	}

	seqs := make([][]int, len(texts))
	longest := 0
	for i, text := range texts {
		ids := t.Encode(text)
		if opts.PrependBOS && t.BOS >= 0 && (len(ids) == 0 || ids[0] != t.BOS) {
			ids = append([]int{t.BOS}, ids...)
		}
		if len(ids) == 0 {
			// Keep one real position so every text yields a row.
			ids = []int{t.PadID()}
		}
		if limit > 0 && len(ids) > limit {
			if !opts.Truncate {
				return nil, fmt.Errorf("text %d has %d tokens, limit %d: %w", i, len(ids), limit, ErrContextWindow)
			}
			ids = ids[:limit]
		}
		seqs[i] = ids
		if len(ids) > longest {
			longest = len(ids)
		}
	}

	pad := t.PadID()
	b := &Batch{
		InputIDs:      make([][]int, len(seqs)),
		AttentionMask: make([][]bool, len(seqs)),
		Lengths:       make([]int, len(seqs)),
	}
	for i, ids := range seqs {
		row := make([]int, longest)
		mask := make([]bool, longest)
		copy(row, ids)
		for j := range row {
			if j < len(ids) {
				mask[j] = true
			} else {
				row[j] = pad
			}
		}
		b.InputIDs[i] = row
		b.AttentionMask[i] = mask
		b.Lengths[i] = len(ids)
	}
	return b, nil
}
