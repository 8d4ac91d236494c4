// Package trained installs fine-tuned weight bundles onto the pipeline.
// A bundle either replaces the denoising network's parameters outright or
// carries a low-rank adapter whose module structure is inferred from its
// tensor names; both arrive through the weights cache. Loading is the sole
// writer of pipeline state and is serialized against generation.
package trained

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/contourml/contour/fs/safetensors"
	"github.com/contourml/contour/lora"
	"github.com/contourml/contour/pipeline"
	"github.com/contourml/contour/weights"
)

// Bundle layout on disk. Classification is structural: the presence of
// the full-parameter store decides, not metadata.
const (
	fullWeightsFile = "unet.safetensors"
	loraWeightsFile = "lora.safetensors"
	embeddingsFile  = "embeddings.pti"
	tokenMapFile    = "special_params.json"
)

// BundleKind tags a classified bundle.
type BundleKind int

const (
	// BundleFull replaces the network's parameter set.
	BundleFull BundleKind = iota
	// BundleAdapter adds low-rank adapter modules.
	BundleAdapter
)

func (k BundleKind) String() string {
	if k == BundleFull {
		return "full"
	}
	return "adapter"
}

// LoadError reports a failed trained weight load. The pipeline is left in
// its pre-call state; a request that required the bundle must not be
// served from the base model instead.
type LoadError struct {
	Reference string
	Err       error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading trained weights %s: %v", e.Reference, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// State is the active trained weight configuration, visible to every
// request until the next successful load replaces it.
type State struct {
	Reference string
	IsLoRA    bool
	TokenMap  map[string]string
}

// Rewrite substitutes the bundle's trigger tokens in prompt.
func (s *State) Rewrite(prompt string) string {
	if s == nil {
		return prompt
	}
	for k, v := range s.TokenMap {
		prompt = strings.ReplaceAll(prompt, k, v)
	}
	return prompt
}

// Loader fetches bundles through the weights cache and applies them to a
// pipeline.
type Loader struct {
	cache *weights.Cache

	mu     sync.Mutex // serializes loads
	active atomic.Pointer[State]
}

func NewLoader(cache *weights.Cache) *Loader {
	return &Loader{cache: cache}
}

// Active returns the currently installed state, or nil before any load.
func (l *Loader) Active() *State {
	return l.active.Load()
}

// Ensure makes ref the active trained weight configuration on p. Repeat
// calls with the same reference hit the cache and re-apply the bundle
// deterministically. On any failure the pipeline keeps its previous
// configuration and the error is returned as a *LoadError.
func (l *Loader) Ensure(ctx context.Context, ref string, p *pipeline.Pipeline) (*State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()

	dir, release, err := l.cache.Ensure(ctx, ref)
	if err != nil {
		return nil, &LoadError{Reference: ref, Err: err}
	}
	defer release()

	bundle, err := readBundle(dir, p)
	if err != nil {
		return nil, &LoadError{Reference: ref, Err: err}
	}

	// everything fallible happened above; from here the swap cannot
	// fail partway
	done := p.Exclusive()
	defer done()

	bundle.apply(p)

	state := &State{
		Reference: ref,
		IsLoRA:    bundle.kind == BundleAdapter,
		TokenMap:  bundle.tokenMap,
	}
	l.active.Store(state)

	slog.Info("trained weights installed", "ref", ref, "kind", bundle.kind, "tokens", len(bundle.tokenMap), "elapsed", time.Since(start).Round(time.Millisecond))
	return state, nil
}

// bundle holds a fully read and validated weight bundle, ready to swap
// onto the pipeline without further I/O.
type bundle struct {
	kind       BundleKind
	values     map[string][]float32
	procs      map[string]pipeline.AttnProcessor
	embeddings [][]float32 // one flat buffer per text encoder, nil when absent
	tokenMap   map[string]string
}

// readBundle classifies and reads the bundle at dir, validating it against
// the pipeline's module graph. Nothing in p is mutated.
func readBundle(dir string, p *pipeline.Pipeline) (*bundle, error) {
	b := &bundle{}

	storePath := filepath.Join(dir, fullWeightsFile)
	if _, err := os.Stat(storePath); errors.Is(err, os.ErrNotExist) {
		b.kind = BundleAdapter
		storePath = filepath.Join(dir, loraWeightsFile)
	} else if err != nil {
		return nil, err
	}

	st, err := safetensors.Open(storePath)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	if b.kind == BundleAdapter {
		layout := lora.Layout{
			BlockOutChannels:  p.UNet.Config.BlockOutChannels,
			CrossAttentionDim: p.UNet.Config.CrossAttentionDim,
		}

		specs, err := lora.Infer(st.Tensors(), layout)
		if err != nil {
			return nil, err
		}

		graph := p.UNet.AttnProcessors()
		b.procs = make(map[string]pipeline.AttnProcessor, len(specs))
		for path, spec := range specs {
			if _, ok := graph[path]; !ok {
				return nil, &lora.SchemaError{Path: path, Msg: "no counterpart in target module graph"}
			}
			b.procs[path] = pipeline.NewLoRAAttnProcessor(path, spec.HiddenSize, spec.CrossAttentionDim, spec.Rank)
		}
	}

	if b.values, err = st.ReadAll(); err != nil {
		return nil, err
	}

	if b.embeddings, err = readTokenEmbeddings(filepath.Join(dir, embeddingsFile)); err != nil {
		return nil, err
	}

	if b.tokenMap, err = readTokenMap(filepath.Join(dir, tokenMapFile)); err != nil {
		return nil, err
	}

	return b, nil
}

// apply swaps the bundle onto the pipeline. The caller holds exclusive
// access. All validation happened in readBundle; the merge itself is
// non-strict about names, so nothing here fails.
func (b *bundle) apply(p *pipeline.Pipeline) {
	p.UNet.Reset()
	for _, enc := range p.TextEncoders {
		enc.ResetTokenEmbeddings()
	}
	for _, tok := range p.Tokenizers {
		tok.Reset()
	}

	if b.kind == BundleAdapter {
		// full replacement set built up front; partial installation is
		// never visible
		if err := p.UNet.SetAttnProcessors(b.procs); err != nil {
			// unreachable: paths were validated in readBundle
			slog.Error("installing adapter processors", "err", err)
		}
	}

	missing, unexpected, _ := mergeNonStrict(p.UNet, b.values)
	slog.Debug("merged tensor store", "kind", b.kind, "matched", len(b.values)-len(unexpected), "missing", len(missing), "unexpected", len(unexpected))

	for i, rows := range b.embeddings {
		if rows == nil || i >= len(p.TextEncoders) {
			continue
		}
		if err := p.TextEncoders[i].AppendTokenEmbeddings(rows); err != nil {
			slog.Warn("skipping token embeddings", "encoder", p.TextEncoders[i].Name, "err", err)
		}
	}

	for _, repl := range b.tokenMap {
		for i := range p.Tokenizers {
			p.Tokenizers[i].AddTokens(repl)
		}
	}
}

// mergeNonStrict merges values onto the graph, dropping entries whose
// shapes cannot land rather than aborting a half-applied swap. Shape
// conflicts were screened in readBundle for adapter stores; full stores
// tolerate drift by construction.
func mergeNonStrict(u *pipeline.UNet, values map[string][]float32) (missing, unexpected []string, err error) {
	compatible := make(map[string][]float32, len(values))
	for name, vals := range values {
		if t, ok := u.Parameter(name); ok && t.Elements() != len(vals) {
			slog.Warn("dropping tensor with mismatched shape", "name", name, "have", len(vals), "want", t.Elements())
			continue
		}
		compatible[name] = vals
	}
	return u.LoadStateDict(compatible)
}

func readTokenMap(path string) (map[string]string, error) {
	bts, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	tokenMap := make(map[string]string)
	if err := json.Unmarshal(bts, &tokenMap); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", tokenMapFile, err)
	}
	return tokenMap, nil
}
