package pipeline

// AttnProcessor is the pluggable computation strategy of one attention
// module. The default processor carries no parameters of its own; the
// low-rank variant registers its factorized weight pairs with the graph so
// a later state-dict merge can fill them.
type AttnProcessor interface {
	// Params returns the processor's own parameters, if any.
	Params() []*Tensor
}

// DefaultAttnProcessor is the base attention computation with no extra
// parameters.
type DefaultAttnProcessor struct{}

func (DefaultAttnProcessor) Params() []*Tensor { return nil }

// LoRAAttnProcessor augments an attention module with rank-bounded
// factorized projections. The parameter names follow the adapter tensor
// naming convention so merged bundles land on them directly:
//
//	<module path>.to_q_lora.down.weight  [rank, hidden]
//	<module path>.to_q_lora.up.weight    [hidden, rank]
//
// and likewise for to_k, to_v and to_out. The k/v down projections read
// from the cross-attention stream when one exists.
type LoRAAttnProcessor struct {
	HiddenSize        int
	CrossAttentionDim int // zero for self-attention
	Rank              int

	params []*Tensor
}

// NewLoRAAttnProcessor sizes a placeholder processor for the module at
// path.
func NewLoRAAttnProcessor(path string, hiddenSize, crossAttentionDim, rank int) *LoRAAttnProcessor {
	p := &LoRAAttnProcessor{
		HiddenSize:        hiddenSize,
		CrossAttentionDim: crossAttentionDim,
		Rank:              rank,
	}

	kvIn := crossAttentionDim
	if kvIn == 0 {
		kvIn = hiddenSize
	}

	for _, proj := range []struct {
		name string
		in   int
	}{
		{"to_q_lora", hiddenSize},
		{"to_k_lora", kvIn},
		{"to_v_lora", kvIn},
		{"to_out_lora", hiddenSize},
	} {
		p.params = append(p.params,
			NewTensor(path+"."+proj.name+".down.weight", rank, proj.in),
			NewTensor(path+"."+proj.name+".up.weight", hiddenSize, rank),
		)
	}

	return p
}

func (p *LoRAAttnProcessor) Params() []*Tensor { return p.params }
