// Package pipeline models the diffusion pipeline's module graph: the
// denoising network with its replaceable per-module attention processors,
// the paired text encoders and tokenizers, and the scheduler table.
// Sampling itself runs in the external runner; this package owns the
// mutable state that trained weight loads rewrite, behind a single
// readers-writer handle so a load never races a generation.
package pipeline

import (
	"fmt"
	"sync"
)

// Pipeline is the process-wide handle over the module graph. Generation
// takes shared access; loading trained weights takes exclusive access.
type Pipeline struct {
	mu sync.RWMutex

	UNet         *UNet
	TextEncoders [2]*TextEncoder
	Tokenizers   [2]*Tokenizer
}

// New builds a pipeline for cfg with pristine parameters.
func New(cfg UNetConfig) *Pipeline {
	return &Pipeline{
		UNet: NewUNet(cfg),
		TextEncoders: [2]*TextEncoder{
			NewTextEncoder("text_encoder", 768),
			NewTextEncoder("text_encoder_2", 1280),
		},
		Tokenizers: [2]*Tokenizer{
			NewTokenizer("tokenizer"),
			NewTokenizer("tokenizer_2"),
		},
	}
}

// Acquire takes shared access for a generation. The returned func releases
// it.
func (p *Pipeline) Acquire() func() {
	p.mu.RLock()
	return p.mu.RUnlock
}

// Exclusive takes exclusive access for a trained weight load. The returned
// func releases it.
func (p *Pipeline) Exclusive() func() {
	p.mu.Lock()
	return p.mu.Unlock
}

// TextEncoder is one of the pipeline's prompt encoders. Only its token
// embedding table is modeled: trained bundles extend it with pivotal
// tuning embeddings for their inserted tokens.
type TextEncoder struct {
	Name      string
	EmbedDim  int
	Embedding [][]float32
}

func NewTextEncoder(name string, embedDim int) *TextEncoder {
	return &TextEncoder{Name: name, EmbedDim: embedDim}
}

// AppendTokenEmbeddings adds rows for newly inserted tokens. rows is a
// flat [n, EmbedDim] buffer.
func (e *TextEncoder) AppendTokenEmbeddings(rows []float32) error {
	if len(rows) == 0 || len(rows)%e.EmbedDim != 0 {
		return fmt.Errorf("%s: embedding buffer of %d values is not a multiple of dim %d", e.Name, len(rows), e.EmbedDim)
	}

	for off := 0; off < len(rows); off += e.EmbedDim {
		row := make([]float32, e.EmbedDim)
		copy(row, rows[off:off+e.EmbedDim])
		e.Embedding = append(e.Embedding, row)
	}

	return nil
}

// ResetTokenEmbeddings drops all inserted token rows.
func (e *TextEncoder) ResetTokenEmbeddings() {
	e.Embedding = nil
}

// Tokenizer tracks the tokens a trained bundle inserts alongside its
// embeddings.
type Tokenizer struct {
	Name        string
	AddedTokens []string
}

func NewTokenizer(name string) *Tokenizer {
	return &Tokenizer{Name: name}
}

func (t *Tokenizer) AddTokens(tokens ...string) {
	t.AddedTokens = append(t.AddedTokens, tokens...)
}

func (t *Tokenizer) Reset() {
	t.AddedTokens = nil
}
