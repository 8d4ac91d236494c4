package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	base, err := url.Parse(srv.URL)
	require.NoError(t, err)

	return NewClient(base, http.DefaultClient)
}

func TestClientGenerate(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req GenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "a fox", req.Prompt)

		json.NewEncoder(w).Encode(GenerateResponse{
			Images: []ImageData{{0x89, 0x50}},
			Width:  1024,
			Height: 1024,
			Seed:   7,
		})
	})

	resp, err := client.Generate(context.Background(), &GenerateRequest{
		Prompt: "a fox",
		Image:  ImageData{0x1},
	})
	require.NoError(t, err)

	assert.Len(t, resp.Images, 1)
	assert.Equal(t, 1024, resp.Width)
	assert.Equal(t, int64(7), resp.Seed)
}

func TestClientGenerateError(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "prompt is required"})
	})

	_, err := client.Generate(context.Background(), &GenerateRequest{})
	require.Error(t, err)

	var statusErr StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Equal(t, "prompt is required", statusErr.ErrorMessage)
}

func TestClientGenerateErrorPlainBody(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream fell over"))
	})

	_, err := client.Generate(context.Background(), &GenerateRequest{Prompt: "x"})

	var statusErr StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, "upstream fell over", statusErr.ErrorMessage)
}

func TestClientVersion(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/version", r.URL.Path)
		json.NewEncoder(w).Encode(VersionResponse{Version: "1.2.3"})
	})

	v, err := client.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", v)
}

func TestClientHeartbeat(t *testing.T) {
	ok := testClient(t, func(w http.ResponseWriter, r *http.Request) {})
	require.NoError(t, ok.Heartbeat(context.Background()))

	down := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	require.Error(t, down.Heartbeat(context.Background()))
}
