// Package runner wraps the sampling subprocess that executes the actual
// denoising loop. The daemon owns the module graph and trained weight
// state; the runner only ever sees a fully prepared request: rewritten
// prompt, fitted dimensions, extracted control image and the weight
// directory to read.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/contourml/contour/api"
)

// Request is the fully prepared sampling job handed to the subprocess.
type Request struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	ControlImage   []byte  `json:"control_image"`
	BaseImage      []byte  `json:"base_image,omitempty"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Steps          int     `json:"steps"`
	NumOutputs     int     `json:"num_outputs"`
	Scheduler      string  `json:"scheduler"`
	GuidanceScale  float64 `json:"guidance_scale"`
	ConditionScale float64 `json:"condition_scale"`
	Strength       float64 `json:"strength,omitempty"`
	Seed           int64   `json:"seed"`

	// LoraScale is forwarded only for adapter weights.
	LoraScale float64 `json:"lora_scale,omitempty"`

	// WeightsDir points at the extracted bundle to apply, empty for the
	// base model.
	WeightsDir string `json:"weights_dir,omitempty"`
}

// Response carries the sampled images back from the subprocess.
type Response struct {
	Images []api.ImageData `json:"images"`
}

// Runner supervises one sampling subprocess.
type Runner struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	port    int
	done    chan error
	client  *http.Client
	lastErr string
	errMu   sync.Mutex
}

// New spawns the runner binary and waits until it answers health checks.
func New(bin, modelDir string) (*Runner, error) {
	port := 0
	if a, err := net.ResolveTCPAddr("tcp", "localhost:0"); err == nil {
		if l, err := net.ListenTCP("tcp", a); err == nil {
			port = l.Addr().(*net.TCPAddr).Port
			l.Close()
		}
	}
	if port == 0 {
		port = rand.Intn(65535-49152) + 49152
	}

	cmd := exec.Command(bin, "--model", modelDir, "--port", strconv.Itoa(port))
	cmd.Env = os.Environ()

	r := &Runner{
		cmd:    cmd,
		port:   port,
		done:   make(chan error, 1),
		client: &http.Client{Timeout: 10 * time.Minute},
	}

	stdout, _ := cmd.StdoutPipe()
	stderr, _ := cmd.StderrPipe()
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			slog.Info("runner", "msg", scanner.Text())
		}
	}()
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			slog.Warn("runner", "msg", line)
			r.errMu.Lock()
			r.lastErr = line
			r.errMu.Unlock()
		}
	}()

	slog.Info("starting sampling runner", "bin", bin, "model", modelDir, "port", port)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start runner: %w", err)
	}

	go func() {
		r.done <- cmd.Wait()
	}()

	if err := r.waitUntilRunning(); err != nil {
		r.Close()
		return nil, err
	}

	return r, nil
}

// Ping checks the subprocess is healthy.
func (r *Runner) Ping(ctx context.Context) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/health", r.port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

func (r *Runner) waitUntilRunning() error {
	ctx := context.Background()
	timeout := time.After(2 * time.Minute)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err := <-r.done:
			if msg := r.getLastErr(); msg != "" {
				return fmt.Errorf("runner failed: %s (exit: %v)", msg, err)
			}
			return fmt.Errorf("runner exited unexpectedly: %w", err)
		case <-timeout:
			if msg := r.getLastErr(); msg != "" {
				return fmt.Errorf("timeout waiting for runner: %s", msg)
			}
			return errors.New("timeout waiting for runner to start")
		case <-ticker.C:
			if err := r.Ping(ctx); err == nil {
				slog.Info("runner is ready", "port", r.port)
				return nil
			}
		}
	}
}

func (r *Runner) getLastErr() string {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.lastErr
}

// Generate runs one sampling job to completion.
func (r *Runner) Generate(ctx context.Context, req *Request) (*Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/generate", r.port)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("runner returned %d: %s", resp.StatusCode, body)
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Close terminates the subprocess.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cmd != nil && r.cmd.Process != nil {
		slog.Info("stopping sampling runner", "pid", r.cmd.Process.Pid)
		r.cmd.Process.Signal(os.Interrupt)

		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
			r.cmd.Process.Kill()
		}
		r.cmd = nil
	}
	return nil
}

// HasExited reports whether the subprocess has exited.
func (r *Runner) HasExited() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}
