// Package server implements the contour HTTP service: request validation,
// trained weight installation and image preparation happen here, sampling
// is delegated to the runner subprocess.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/contourml/contour/envconfig"
	"github.com/contourml/contour/format"
	"github.com/contourml/contour/pipeline"
	"github.com/contourml/contour/runner"
	"github.com/contourml/contour/trained"
	"github.com/contourml/contour/version"
	"github.com/contourml/contour/weights"
)

var mode string = gin.ReleaseMode

func init() {
	switch mode {
	case gin.DebugMode:
	case gin.ReleaseMode:
	case gin.TestMode:
	default:
		mode = gin.DebugMode
	}

	gin.SetMode(mode)
}

// Sampler runs one prepared sampling job. Satisfied by *runner.Runner.
type Sampler interface {
	Generate(ctx context.Context, req *runner.Request) (*runner.Response, error)
}

// Server wires the pipeline, weights cache, trained weight loader and
// sampling runner behind the HTTP routes.
type Server struct {
	addr    net.Addr
	pipe    *pipeline.Pipeline
	cache   *weights.Cache
	loader  *trained.Loader
	sampler Sampler
}

// NewServer assembles a server around an explicitly constructed cache and
// pipeline so tests can use isolated instances.
func NewServer(pipe *pipeline.Pipeline, cache *weights.Cache, sampler Sampler) *Server {
	return &Server{
		pipe:    pipe,
		cache:   cache,
		loader:  trained.NewLoader(cache),
		sampler: sampler,
	}
}

func (s *Server) GenerateRoutes() http.Handler {
	config := cors.DefaultConfig()
	config.AllowWildcard = true
	config.AllowBrowserExtensions = true
	config.AllowHeaders = []string{"Authorization", "Content-Type", "User-Agent", "Accept"}
	config.AllowOrigins = envconfig.AllowedOrigins()

	r := gin.Default()
	r.Use(cors.New(config))

	r.POST("/api/generate", s.GenerateHandler)
	r.GET("/api/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"version": version.Version})
	})

	for _, method := range []string{http.MethodGet, http.MethodHead} {
		r.Handle(method, "/", func(c *gin.Context) {
			c.String(http.StatusOK, "Contour is running")
		})
	}

	return r
}

// Serve runs the server on ln until the process is signalled.
func Serve(ln net.Listener) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: envconfig.LogLevel(),
	})))

	slog.Info("server config", "env", envconfig.Values())

	cache, err := weights.NewCache(envconfig.WeightsCache(), envconfig.WeightsCacheSize())
	if err != nil {
		return err
	}
	slog.Info("weights cache", "dir", cache.Dir(), "size", format.HumanBytes(int64(cache.Size())), "capacity", format.HumanBytes(int64(envconfig.WeightsCacheSize())))

	pipe := pipeline.New(pipeline.DefaultUNetConfig())

	var sampler Sampler
	if bin := envconfig.Runner(); bin != "" {
		r, err := runner.New(bin, envconfig.BaseModel())
		if err != nil {
			return err
		}
		defer r.Close()
		sampler = r
	} else {
		slog.Warn("CONTOUR_RUNNER is not set; generation requests will fail")
		sampler = unavailableSampler{}
	}

	s := NewServer(pipe, cache, sampler)
	s.addr = ln.Addr()

	srvr := &http.Server{
		ReadTimeout: 30 * time.Second,
		// no write timeout: generations can run for minutes
		Handler: s.GenerateRoutes(),
	}

	ctx, done := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer done()

	go func() {
		<-ctx.Done()
		srvr.Close()
	}()

	slog.Info(fmt.Sprintf("Listening on %s (version %s)", ln.Addr(), version.Version))
	return srvr.Serve(ln)
}

type unavailableSampler struct{}

func (unavailableSampler) Generate(context.Context, *runner.Request) (*runner.Response, error) {
	return nil, fmt.Errorf("no sampling runner configured, set CONTOUR_RUNNER")
}
