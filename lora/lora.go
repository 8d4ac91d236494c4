// Package lora recovers the structure of the attention modules a low-rank
// adapter targets. Adapter bundles carry no module configuration, only
// tensors; everything needed to instantiate compatible modules (hidden
// size, cross-attention width, rank) is inferred from the tensor naming
// convention and shapes. All knowledge of that convention lives here.
package lora

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/contourml/contour/fs/safetensors"
)

// SchemaError reports an adapter bundle whose tensor names or shapes do
// not match the expected convention, or are internally inconsistent. No
// module specs are produced for such a bundle.
type SchemaError struct {
	Path string
	Msg  string
}

func (e *SchemaError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("adapter schema: %s: %s", e.Path, e.Msg)
	}
	return fmt.Sprintf("adapter schema: %s", e.Msg)
}

// Layout describes the attention structure of the target module graph:
// the per-level channel widths and the shared cross-attention width.
type Layout struct {
	BlockOutChannels  []int
	CrossAttentionDim int
}

// ModuleSpec sizes one placeholder adapter module. CrossAttentionDim is
// zero for self-attention modules, which have no cross stream.
type ModuleSpec struct {
	ModulePath        string
	HiddenSize        int
	CrossAttentionDim int
	Rank              int
}

// Tensor names end in a role suffix below the module path, for example
//
//	down_blocks.1.attentions.0.transformer_blocks.0.attn2.processor.to_q_lora.up.weight
//	\_________________ module path _____________________________/ \__ role __/
//
// The "up" half of the factorization carries the rank in its second shape
// dimension.
const upWeightSuffix = ".up.weight"

// modulePath strips the final three dotted segments (role suffix plus its
// container) from a tensor name.
func modulePath(name string) string {
	parts := strings.Split(name, ".")
	if len(parts) < 4 {
		return ""
	}
	return strings.Join(parts[:len(parts)-3], ".")
}

// Infer derives one ModuleSpec per adapter module found among records.
// Module paths present in the layout but absent from the records are
// simply not returned: partial adapters are legal and leave the base
// modules at those paths untouched.
func Infer(records []safetensors.TensorRecord, layout Layout) (map[string]ModuleSpec, error) {
	if len(layout.BlockOutChannels) == 0 {
		return nil, &SchemaError{Msg: "layout has no channel widths"}
	}

	ranks := make(map[string]int)
	for _, rec := range records {
		if !strings.HasSuffix(rec.Name, upWeightSuffix) {
			continue
		}

		path := modulePath(rec.Name)
		if path == "" {
			return nil, &SchemaError{Path: rec.Name, Msg: "name too short to hold a module path"}
		}

		if len(rec.Shape) < 2 {
			return nil, &SchemaError{Path: rec.Name, Msg: fmt.Sprintf("expansion tensor has %d dims, want 2", len(rec.Shape))}
		}

		rank := rec.Shape[1]
		if rank <= 0 {
			return nil, &SchemaError{Path: rec.Name, Msg: fmt.Sprintf("invalid rank %d", rank)}
		}

		if prev, ok := ranks[path]; ok && prev != rank {
			return nil, &SchemaError{Path: path, Msg: fmt.Sprintf("inconsistent ranks %d and %d", prev, rank)}
		}
		ranks[path] = rank
	}

	specs := make(map[string]ModuleSpec, len(ranks))
	for path, rank := range ranks {
		hidden, err := hiddenSize(path, layout.BlockOutChannels)
		if err != nil {
			return nil, err
		}

		cross := layout.CrossAttentionDim
		if strings.HasSuffix(path, "attn1.processor") {
			// self-attention: no cross stream
			cross = 0
		}

		specs[path] = ModuleSpec{
			ModulePath:        path,
			HiddenSize:        hidden,
			CrossAttentionDim: cross,
			Rank:              rank,
		}
	}

	return specs, nil
}

// hiddenSize maps a module path to its channel width by block family:
// mid_block uses the last width, down_blocks.k indexes directly, and
// up_blocks.k indexes the reversed list.
func hiddenSize(path string, channels []int) (int, error) {
	switch {
	case strings.HasPrefix(path, "mid_block"):
		return channels[len(channels)-1], nil
	case strings.HasPrefix(path, "up_blocks."):
		k, err := blockIndex(path, len(channels))
		if err != nil {
			return 0, err
		}
		return channels[len(channels)-1-k], nil
	case strings.HasPrefix(path, "down_blocks."):
		k, err := blockIndex(path, len(channels))
		if err != nil {
			return 0, err
		}
		return channels[k], nil
	default:
		return 0, &SchemaError{Path: path, Msg: "unknown block family"}
	}
}

// blockIndex parses the block number from the segment following the
// family tag. Anything that is not a non-negative integer within range of
// the channel width list is rejected.
func blockIndex(path string, nchannels int) (int, error) {
	parts := strings.Split(path, ".")
	if len(parts) < 2 {
		return 0, &SchemaError{Path: path, Msg: "missing block index"}
	}

	k, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, &SchemaError{Path: path, Msg: fmt.Sprintf("block index %q is not an integer", parts[1])}
	}

	if k < 0 || k >= nchannels {
		return 0, &SchemaError{Path: path, Msg: fmt.Sprintf("block index %d out of range [0, %d)", k, nchannels)}
	}

	return k, nil
}
