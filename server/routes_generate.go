package server

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	_ "golang.org/x/image/webp"

	"github.com/contourml/contour/api"
	"github.com/contourml/contour/imagegen"
	"github.com/contourml/contour/pipeline"
	"github.com/contourml/contour/runner"
)

// request parameter defaults and bounds, matching the published API
const (
	defaultConditionScale = 1.1
	defaultStrength       = 0.8
	defaultSteps          = 30
	defaultNumOutputs     = 1
	defaultGuidanceScale  = 7.5
	defaultLoraScale      = 0.95
)

func orDefault[T any](p *T, def T) T {
	if p != nil {
		return *p
	}
	return def
}

func validateRange(c *gin.Context, name string, v, lo, hi float64) bool {
	if v < lo || v > hi {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s must be between %g and %g", name, lo, hi)})
		return false
	}
	return true
}

// GenerateHandler serves POST /api/generate.
func (s *Server) GenerateHandler(c *gin.Context) {
	checkpointStart := time.Now()

	var req api.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Prompt == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}
	if len(req.Image) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "image is required"})
		return
	}

	conditionScale := orDefault(req.ConditionScale, defaultConditionScale)
	strength := orDefault(req.Strength, defaultStrength)
	steps := orDefault(req.Steps, defaultSteps)
	numOutputs := orDefault(req.NumOutputs, defaultNumOutputs)
	guidanceScale := orDefault(req.GuidanceScale, defaultGuidanceScale)
	loraScale := orDefault(req.LoraScale, defaultLoraScale)

	switch {
	case !validateRange(c, "condition_scale", conditionScale, 0, 2),
		!validateRange(c, "strength", strength, 0, 1),
		!validateRange(c, "steps", float64(steps), 1, 500),
		!validateRange(c, "num_outputs", float64(numOutputs), 1, 4),
		!validateRange(c, "guidance_scale", guidanceScale, 1, 50),
		!validateRange(c, "lora_scale", loraScale, 0, 1):
		return
	}

	scheduler := req.Scheduler
	if scheduler == "" {
		scheduler = pipeline.DefaultScheduler
	}
	if !pipeline.ValidScheduler(scheduler) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown scheduler %q", scheduler)})
		return
	}

	// install trained weights before anything else; a request that names
	// a bundle is never silently served from the base model
	if req.LoraWeights != "" {
		if _, err := s.loader.Ensure(c.Request.Context(), req.LoraWeights, s.pipe); err != nil {
			slog.Error("trained weight load failed", "ref", req.LoraWeights, "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	checkpointLoaded := time.Now()

	seed := orDefault(req.Seed, -1)
	if seed < 0 {
		var b [2]byte
		rand.Read(b[:])
		seed = int64(binary.BigEndian.Uint16(b[:]))
	}
	slog.Debug("using seed", "seed", seed)

	img, _, err := image.Decode(bytes.NewReader(req.Image))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("decoding image: %v", err)})
		return
	}

	bounds := img.Bounds()
	dims := imagegen.FitDimensions(bounds.Dx(), bounds.Dy())
	slog.Debug("fitted dimensions", "from", fmt.Sprintf("%dx%d", bounds.Dx(), bounds.Dy()), "to", fmt.Sprintf("%dx%d", dims.Width, dims.Height))

	resized := imagegen.Resize(img, dims)
	control, err := encodePNG(imagegen.EdgeMap(resized))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	state := s.loader.Active()
	prompt := state.Rewrite(req.Prompt)

	r := &runner.Request{
		Prompt:         prompt,
		NegativePrompt: req.NegativePrompt,
		ControlImage:   control,
		Width:          dims.Width,
		Height:         dims.Height,
		Steps:          steps,
		NumOutputs:     numOutputs,
		Scheduler:      scheduler,
		GuidanceScale:  guidanceScale,
		ConditionScale: conditionScale,
		Seed:           seed,
	}

	if req.Img2Img {
		base, err := encodePNG(resized)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		r.BaseImage = base
		r.Strength = strength
	}

	if state != nil {
		// pin the bundle so eviction cannot race the sampling run; this
		// is a pure cache hit, no network
		dir, release, err := s.cache.Ensure(c.Request.Context(), state.Reference)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer release()
		r.WeightsDir = dir

		// the adapter strength multiplier only means something for
		// low-rank weights
		if state.IsLoRA {
			r.LoraScale = loraScale
		}
	}

	// sampling takes shared access: loads are the sole writer of
	// pipeline state and must not run mid-generation
	release := s.pipe.Acquire()
	defer release()

	resp, err := s.sampler.Generate(c.Request.Context(), r)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, api.GenerateResponse{
		CreatedAt:     time.Now().UTC(),
		Images:        resp.Images,
		Width:         dims.Width,
		Height:        dims.Height,
		Seed:          seed,
		TotalDuration: time.Since(checkpointStart),
		LoadDuration:  checkpointLoaded.Sub(checkpointStart),
	})
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, errors.New("encoding control image failed")
	}
	return buf.Bytes(), nil
}
