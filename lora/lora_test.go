package lora

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/contourml/contour/fs/safetensors"
)

func rec(name string, shape ...int) safetensors.TensorRecord {
	return safetensors.TensorRecord{Name: name, DType: "F32", Shape: shape}
}

var testLayout = Layout{
	BlockOutChannels:  []int{320, 640, 1280},
	CrossAttentionDim: 2048,
}

func TestInfer(t *testing.T) {
	records := []safetensors.TensorRecord{
		rec("down_blocks.1.attentions.0.transformer_blocks.0.attn2.processor.to_q_lora.down.weight", 4, 640),
		rec("down_blocks.1.attentions.0.transformer_blocks.0.attn2.processor.to_q_lora.up.weight", 640, 4),
		rec("mid_block.attentions.0.transformer_blocks.0.attn1.processor.to_k_lora.down.weight", 8, 1280),
		rec("mid_block.attentions.0.transformer_blocks.0.attn1.processor.to_k_lora.up.weight", 1280, 8),
	}

	specs, err := Infer(records, testLayout)
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]ModuleSpec{
		"down_blocks.1.attentions.0.transformer_blocks.0.attn2.processor": {
			ModulePath:        "down_blocks.1.attentions.0.transformer_blocks.0.attn2.processor",
			HiddenSize:        640,
			CrossAttentionDim: 2048,
			Rank:              4,
		},
		"mid_block.attentions.0.transformer_blocks.0.attn1.processor": {
			ModulePath:        "mid_block.attentions.0.transformer_blocks.0.attn1.processor",
			HiddenSize:        1280,
			CrossAttentionDim: 0,
			Rank:              8,
		},
	}

	if diff := cmp.Diff(want, specs); diff != "" {
		t.Errorf("unexpected specs (-want +got):\n%s", diff)
	}
}

func TestInferUpBlocksReversed(t *testing.T) {
	records := []safetensors.TensorRecord{
		rec("up_blocks.0.attentions.0.transformer_blocks.0.attn2.processor.to_q_lora.up.weight", 1280, 4),
		rec("up_blocks.2.attentions.1.transformer_blocks.0.attn1.processor.to_q_lora.up.weight", 320, 4),
	}

	specs, err := Infer(records, testLayout)
	if err != nil {
		t.Fatal(err)
	}

	if got := specs["up_blocks.0.attentions.0.transformer_blocks.0.attn2.processor"].HiddenSize; got != 1280 {
		t.Errorf("up_blocks.0 hidden size = %d, want 1280", got)
	}
	if got := specs["up_blocks.2.attentions.1.transformer_blocks.0.attn1.processor"].HiddenSize; got != 320 {
		t.Errorf("up_blocks.2 hidden size = %d, want 320", got)
	}
}

func TestInferIgnoresDownHalf(t *testing.T) {
	// only the expansion half carries the rank; the contraction half and
	// unrelated tensors must not produce specs
	records := []safetensors.TensorRecord{
		rec("down_blocks.1.attentions.0.transformer_blocks.0.attn1.processor.to_q_lora.down.weight", 4, 640),
	}

	specs, err := Infer(records, testLayout)
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 0 {
		t.Errorf("got %d specs from contraction tensors, want 0", len(specs))
	}
}

func TestInferErrors(t *testing.T) {
	cases := []struct {
		name    string
		records []safetensors.TensorRecord
	}{
		{
			"inconsistent ranks",
			[]safetensors.TensorRecord{
				rec("mid_block.attentions.0.transformer_blocks.0.attn1.processor.to_q_lora.up.weight", 1280, 4),
				rec("mid_block.attentions.0.transformer_blocks.0.attn1.processor.to_k_lora.up.weight", 1280, 8),
			},
		},
		{
			"block index out of range",
			[]safetensors.TensorRecord{
				rec("down_blocks.7.attentions.0.transformer_blocks.0.attn1.processor.to_q_lora.up.weight", 320, 4),
			},
		},
		{
			"negative block index",
			[]safetensors.TensorRecord{
				rec("down_blocks.-1.attentions.0.transformer_blocks.0.attn1.processor.to_q_lora.up.weight", 320, 4),
			},
		},
		{
			"block index not an integer",
			[]safetensors.TensorRecord{
				rec("up_blocks.x.attentions.0.transformer_blocks.0.attn1.processor.to_q_lora.up.weight", 320, 4),
			},
		},
		{
			"unknown family",
			[]safetensors.TensorRecord{
				rec("side_blocks.0.attentions.0.transformer_blocks.0.attn1.processor.to_q_lora.up.weight", 320, 4),
			},
		},
		{
			"missing shape dimension",
			[]safetensors.TensorRecord{
				rec("mid_block.attentions.0.transformer_blocks.0.attn1.processor.to_q_lora.up.weight", 1280),
			},
		},
		{
			"zero rank",
			[]safetensors.TensorRecord{
				rec("mid_block.attentions.0.transformer_blocks.0.attn1.processor.to_q_lora.up.weight", 1280, 0),
			},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Infer(tt.records, testLayout)

			var schemaErr *SchemaError
			if !errors.As(err, &schemaErr) {
				t.Errorf("got %v, want *SchemaError", err)
			}
		})
	}
}

func TestInferEmptyLayout(t *testing.T) {
	_, err := Infer(nil, Layout{CrossAttentionDim: 2048})

	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		t.Errorf("got %v, want *SchemaError", err)
	}
}
