package pipeline

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// UNetConfig mirrors the architecture constants of the denoising network.
// TransformerBlocks holds the transformer depth per resolution level; a
// level with depth zero has no attention modules.
type UNetConfig struct {
	BlockOutChannels  []int
	TransformerBlocks []int
	CrossAttentionDim int
}

// DefaultUNetConfig describes the SDXL base network.
func DefaultUNetConfig() UNetConfig {
	return UNetConfig{
		BlockOutChannels:  []int{320, 640, 1280},
		TransformerBlocks: []int{0, 2, 10},
		CrossAttentionDim: 2048,
	}
}

// UNet is the denoising module graph: a flat registry of named parameters
// plus one replaceable attention processor per attention module. Numerical
// evaluation happens in the external runner; this graph exists so trained
// weights can be classified, sized and merged before a generation runs.
type UNet struct {
	Config UNetConfig

	params   map[string]*Tensor
	procs    map[string]AttnProcessor
	procPath []string // stable enumeration order

	pristine map[string][]float32
}

// NewUNet builds the module graph for cfg with default attention
// processors everywhere.
func NewUNet(cfg UNetConfig) *UNet {
	u := &UNet{
		Config: cfg,
		params: make(map[string]*Tensor),
		procs:  make(map[string]AttnProcessor),
	}

	for _, path := range attnModulePaths(cfg) {
		u.procPath = append(u.procPath, path+".processor")
		u.procs[path+".processor"] = DefaultAttnProcessor{}

		hidden := hiddenSizeFor(path, cfg.BlockOutChannels)
		kvIn := hidden
		if strings.HasSuffix(path, "attn2") {
			kvIn = cfg.CrossAttentionDim
		}

		u.register(NewTensor(path+".to_q.weight", hidden, hidden))
		u.register(NewTensor(path+".to_k.weight", hidden, kvIn))
		u.register(NewTensor(path+".to_v.weight", hidden, kvIn))
		u.register(NewTensor(path+".to_out.0.weight", hidden, hidden))
		u.register(NewTensor(path+".to_out.0.bias", hidden))
	}

	u.pristine = make(map[string][]float32, len(u.params))
	for name, t := range u.params {
		u.pristine[name] = slices.Clone(t.Data)
	}

	return u
}

// attnModulePaths enumerates every attention module in the graph, in the
// down/mid/up order the serialized convention uses. Down levels carry two
// attention stacks, up levels three, the mid block one.
func attnModulePaths(cfg UNetConfig) []string {
	var paths []string

	add := func(prefix string, depth int) {
		for t := 0; t < depth; t++ {
			for _, attn := range []string{"attn1", "attn2"} {
				paths = append(paths, fmt.Sprintf("%s.transformer_blocks.%d.%s", prefix, t, attn))
			}
		}
	}

	for k, depth := range cfg.TransformerBlocks {
		for a := 0; a < 2; a++ {
			if depth > 0 {
				add(fmt.Sprintf("down_blocks.%d.attentions.%d", k, a), depth)
			}
		}
	}

	last := len(cfg.TransformerBlocks) - 1
	add("mid_block.attentions.0", cfg.TransformerBlocks[last])

	for j := range cfg.TransformerBlocks {
		depth := cfg.TransformerBlocks[last-j]
		for a := 0; a < 3; a++ {
			if depth > 0 {
				add(fmt.Sprintf("up_blocks.%d.attentions.%d", j, a), depth)
			}
		}
	}

	return paths
}

func hiddenSizeFor(path string, channels []int) int {
	var k int
	switch {
	case strings.HasPrefix(path, "mid_block"):
		return channels[len(channels)-1]
	case strings.HasPrefix(path, "up_blocks."):
		fmt.Sscanf(path, "up_blocks.%d", &k)
		return channels[len(channels)-1-k]
	default:
		fmt.Sscanf(path, "down_blocks.%d", &k)
		return channels[k]
	}
}

func (u *UNet) register(t *Tensor) {
	u.params[t.Name] = t
}

// AttnProcessors returns the current processor per module path.
func (u *UNet) AttnProcessors() map[string]AttnProcessor {
	return maps.Clone(u.procs)
}

// AttnProcessorPaths returns every processor path in enumeration order.
func (u *UNet) AttnProcessorPaths() []string {
	return slices.Clone(u.procPath)
}

// SetAttnProcessors installs a full replacement processor set. The swap is
// all-or-nothing: paths are validated before any processor or parameter
// changes, so a bad set leaves the graph untouched. Parameters owned by
// replaced processors leave the registry; parameters of the new ones
// enter it.
func (u *UNet) SetAttnProcessors(procs map[string]AttnProcessor) error {
	for path := range procs {
		if _, ok := u.procs[path]; !ok {
			return fmt.Errorf("no attention module at %s", path)
		}
	}

	for path, proc := range procs {
		for _, t := range u.procs[path].Params() {
			delete(u.params, t.Name)
		}
		for _, t := range proc.Params() {
			u.params[t.Name] = t
		}
		u.procs[path] = proc
	}

	return nil
}

// Parameter returns the named parameter, if registered.
func (u *UNet) Parameter(name string) (*Tensor, bool) {
	t, ok := u.params[name]
	return t, ok
}

// LoadStateDict merges values onto matching named parameters. The merge is
// non-strict: names present only on one side are tolerated and reported,
// allowing schema drift between a bundle and the running graph. A shape
// mismatch on a matched name is an error.
func (u *UNet) LoadStateDict(values map[string][]float32) (missing, unexpected []string, err error) {
	for name, vals := range values {
		t, ok := u.params[name]
		if !ok {
			unexpected = append(unexpected, name)
			continue
		}
		if err := t.Set(vals); err != nil {
			return nil, nil, err
		}
	}

	for name := range u.params {
		if _, ok := values[name]; !ok {
			missing = append(missing, name)
		}
	}

	slices.Sort(missing)
	slices.Sort(unexpected)
	return missing, unexpected, nil
}

// Reset restores the pristine base parameters and default attention
// processors, discarding any previously merged bundle so consecutive
// loads never see residue from each other.
func (u *UNet) Reset() {
	for path, proc := range u.procs {
		for _, t := range proc.Params() {
			delete(u.params, t.Name)
		}
		u.procs[path] = DefaultAttnProcessor{}
	}

	for name, vals := range u.pristine {
		if t, ok := u.params[name]; ok {
			copy(t.Data, vals)
		}
	}
}
