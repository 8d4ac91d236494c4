package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/contourml/contour/api"
	"github.com/contourml/contour/imagegen"
	"github.com/contourml/contour/pipeline"
	"github.com/contourml/contour/runner"
	"github.com/contourml/contour/weights"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubSampler struct {
	req  *runner.Request
	resp *runner.Response
	err  error
}

func (s *stubSampler) Generate(_ context.Context, req *runner.Request) (*runner.Response, error) {
	s.req = req
	return s.resp, s.err
}

func testServer(t *testing.T, sampler Sampler) *Server {
	t.Helper()
	cache, err := weights.NewCache(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	pipe := pipeline.New(pipeline.UNetConfig{
		BlockOutChannels:  []int{4, 8, 16},
		TransformerBlocks: []int{0, 1, 2},
		CrossAttentionDim: 32,
	})
	return NewServer(pipe, cache, sampler)
}

func testImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.Gray{Y: uint8((x + y) % 256)})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func postGenerate(t *testing.T, s *Server, req api.GenerateRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/generate", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	s.GenerateRoutes().ServeHTTP(w, r)
	return w
}

func TestGenerateHandler(t *testing.T) {
	sampler := &stubSampler{resp: &runner.Response{Images: []api.ImageData{{0x1}}}}
	s := testServer(t, sampler)

	w := postGenerate(t, s, api.GenerateRequest{
		Prompt: "a watercolor fox",
		Image:  testImage(t, 800, 600),
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}

	var resp api.GenerateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	want := imagegen.FitDimensions(800, 600)
	if resp.Width != want.Width || resp.Height != want.Height {
		t.Errorf("response dimensions %dx%d, want %dx%d", resp.Width, resp.Height, want.Width, want.Height)
	}
	if len(resp.Images) != 1 {
		t.Errorf("got %d images, want 1", len(resp.Images))
	}

	if sampler.req == nil {
		t.Fatal("sampler never invoked")
	}
	if sampler.req.Prompt != "a watercolor fox" {
		t.Errorf("sampler prompt = %q", sampler.req.Prompt)
	}
	if sampler.req.Scheduler != pipeline.DefaultScheduler {
		t.Errorf("sampler scheduler = %q, want default %q", sampler.req.Scheduler, pipeline.DefaultScheduler)
	}
	if sampler.req.Width != want.Width || sampler.req.Height != want.Height {
		t.Errorf("sampler dimensions %dx%d, want %dx%d", sampler.req.Width, sampler.req.Height, want.Width, want.Height)
	}
	if len(sampler.req.ControlImage) == 0 {
		t.Error("no control image passed to the sampler")
	}
	if sampler.req.WeightsDir != "" {
		t.Errorf("weights dir %q set without trained weights", sampler.req.WeightsDir)
	}
	if sampler.req.LoraScale != 0 {
		t.Errorf("lora scale %v set without trained weights", sampler.req.LoraScale)
	}
	if sampler.req.Seed < 0 {
		t.Errorf("seed %d not drawn", sampler.req.Seed)
	}

	// the control image must decode as a grayscale edge map at the fitted
	// size
	control, err := png.Decode(bytes.NewReader(sampler.req.ControlImage))
	if err != nil {
		t.Fatal(err)
	}
	if b := control.Bounds(); b.Dx() != want.Width || b.Dy() != want.Height {
		t.Errorf("control image %dx%d, want %dx%d", b.Dx(), b.Dy(), want.Width, want.Height)
	}
}

func TestGenerateHandlerImg2Img(t *testing.T) {
	sampler := &stubSampler{resp: &runner.Response{Images: []api.ImageData{{0x1}}}}
	s := testServer(t, sampler)

	strength := 0.65
	w := postGenerate(t, s, api.GenerateRequest{
		Prompt:   "a fox",
		Image:    testImage(t, 64, 64),
		Img2Img:  true,
		Strength: &strength,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}

	if len(sampler.req.BaseImage) == 0 {
		t.Error("img2img request carries no base image")
	}
	if sampler.req.Strength != 0.65 {
		t.Errorf("sampler strength = %v, want 0.65", sampler.req.Strength)
	}
}

func TestGenerateHandlerValidation(t *testing.T) {
	bad := func(v float64) *float64 { return &v }

	cases := []struct {
		name string
		req  api.GenerateRequest
	}{
		{"missing prompt", api.GenerateRequest{Image: []byte{0x1}}},
		{"missing image", api.GenerateRequest{Prompt: "x"}},
		{"unknown scheduler", api.GenerateRequest{Prompt: "x", Image: []byte{0x1}, Scheduler: "EULER_MARUYAMA"}},
		{"condition scale too high", api.GenerateRequest{Prompt: "x", Image: []byte{0x1}, ConditionScale: bad(3)}},
		{"negative strength", api.GenerateRequest{Prompt: "x", Image: []byte{0x1}, Strength: bad(-0.1)}},
		{"lora scale too high", api.GenerateRequest{Prompt: "x", Image: []byte{0x1}, LoraScale: bad(1.5)}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			sampler := &stubSampler{resp: &runner.Response{}}
			s := testServer(t, sampler)

			w := postGenerate(t, s, tt.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status %d, want 400", w.Code)
			}
			if sampler.req != nil {
				t.Error("sampler invoked for an invalid request")
			}
		})
	}
}

func TestGenerateHandlerUndecodableImage(t *testing.T) {
	sampler := &stubSampler{resp: &runner.Response{}}
	s := testServer(t, sampler)

	w := postGenerate(t, s, api.GenerateRequest{Prompt: "x", Image: []byte("not an image")})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", w.Code)
	}
}

func TestGenerateHandlerTrainedWeightsFailure(t *testing.T) {
	sampler := &stubSampler{resp: &runner.Response{}}
	s := testServer(t, sampler)

	w := postGenerate(t, s, api.GenerateRequest{
		Prompt:      "x",
		Image:       testImage(t, 64, 64),
		LoraWeights: filepath.Join(t.TempDir(), "nope.tar"),
	})

	// a request that names a bundle is never served from the base model
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status %d, want 500", w.Code)
	}
	if sampler.req != nil {
		t.Error("sampler invoked after a failed weight load")
	}
}

func TestVersionRoute(t *testing.T) {
	s := testServer(t, &stubSampler{})

	w := httptest.NewRecorder()
	s.GenerateRoutes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/version", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["version"] == "" {
		t.Error("empty version")
	}
}
