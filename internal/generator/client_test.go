package generator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "a red chair", req.Prompt)
		_ = json.NewEncoder(w).Encode(Image{URL: "https://cdn.example/img.png", SizeKB: 812})
	}))
	defer srv.Close()

	img, err := New(srv.URL, time.Second).Generate(context.Background(), Request{Prompt: "a red chair"})
	require.NoError(t, err)
	assert.Equal(t, 812, img.SizeKB)
}

func TestGenerate_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).Generate(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestGenerate_NotConfigured(t *testing.T) {
	_, err := New("", 0).Generate(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}
