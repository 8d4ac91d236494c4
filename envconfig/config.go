// Package envconfig reads contour configuration from the environment.
// Every knob is a CONTOUR_* variable with a sensible default so the
// daemon runs with no configuration at all.
package envconfig

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/contourml/contour/format"
)

// Host returns the scheme and host:port the server binds to.
// Configurable via CONTOUR_HOST. Default: http://127.0.0.1:5000
func Host() *url.URL {
	defaultPort := "5000"

	s := strings.TrimSpace(Var("CONTOUR_HOST"))
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}
}

// AllowedOrigins returns the origins permitted by the CORS middleware.
// Configurable via CONTOUR_ORIGINS (comma separated).
func AllowedOrigins() (origins []string) {
	if s := Var("CONTOUR_ORIGINS"); s != "" {
		origins = strings.Split(s, ",")
	}

	for _, origin := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		origins = append(origins,
			fmt.Sprintf("http://%s", origin),
			fmt.Sprintf("https://%s", origin),
			fmt.Sprintf("http://%s", net.JoinHostPort(origin, "*")),
			fmt.Sprintf("https://%s", net.JoinHostPort(origin, "*")),
		)
	}

	origins = append(origins,
		"app://*",
		"file://*",
	)

	return origins
}

// WeightsCache returns the directory holding extracted fine-tuned weight
// bundles. Configurable via CONTOUR_CACHE. Default: $HOME/.contour/weights
func WeightsCache() string {
	if s := Var("CONTOUR_CACHE"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "weights-cache")
	}

	return filepath.Join(home, ".contour", "weights")
}

// WeightsCacheSize returns the capacity of the weights cache in bytes.
// Entries are evicted least-recently-used once the total size exceeds it.
// Configurable via CONTOUR_CACHE_SIZE (bytes). Default: 40 GiB
var WeightsCacheSize = Uint64("CONTOUR_CACHE_SIZE", 40*format.GibiByte)

// BaseModel returns the directory holding the base diffusion model.
// Configurable via CONTOUR_MODEL. Default: ./sdxl-cache
func BaseModel() string {
	if s := Var("CONTOUR_MODEL"); s != "" {
		return s
	}
	return filepath.Join(".", "sdxl-cache")
}

// Runner returns the path of the image generation runner binary.
// Configurable via CONTOUR_RUNNER.
var Runner = String("CONTOUR_RUNNER")

// LogLevel returns the slog level for the daemon.
// Configurable via CONTOUR_DEBUG. Values: 0/false = INFO, 1/true = DEBUG, 2 = TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("CONTOUR_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Var reads an environment variable, trimming whitespace and quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// String returns a function that reads a string variable.
func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// Bool returns a function that reads a boolean variable (default false).
func Bool(k string) func() bool {
	return func() bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return false
	}
}

// Uint64 returns a function that reads an unsigned integer variable with a
// default value.
func Uint64(key string, defaultValue uint64) func() uint64 {
	return func() uint64 {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return n
			}
		}

		return defaultValue
	}
}

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap reports every configuration variable and its effective value,
// mostly for `contour serve` startup logging.
func AsMap() map[string]EnvVar {
	ret := map[string]EnvVar{
		"CONTOUR_HOST":       {"CONTOUR_HOST", Host(), "Address the server binds to (default 127.0.0.1:5000)"},
		"CONTOUR_ORIGINS":    {"CONTOUR_ORIGINS", AllowedOrigins(), "Comma separated list of allowed origins"},
		"CONTOUR_CACHE":      {"CONTOUR_CACHE", WeightsCache(), "Directory for the fine-tuned weights cache"},
		"CONTOUR_CACHE_SIZE": {"CONTOUR_CACHE_SIZE", WeightsCacheSize(), "Capacity of the weights cache in bytes"},
		"CONTOUR_MODEL":      {"CONTOUR_MODEL", BaseModel(), "Directory holding the base diffusion model"},
		"CONTOUR_RUNNER":     {"CONTOUR_RUNNER", Runner(), "Path of the image generation runner binary"},
		"CONTOUR_DEBUG":      {"CONTOUR_DEBUG", LogLevel(), "Show debug messages"},
	}
	if runtime.GOOS != "windows" {
		ret["HOME"] = EnvVar{"HOME", os.Getenv("HOME"), "User home directory"}
	}
	return ret
}

// Values returns every configuration value keyed by variable name.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
