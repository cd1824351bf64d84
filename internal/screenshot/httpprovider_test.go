package screenshot

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProvider_Capture_DecodesBase64PNG(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\nfake-bytes")
	encoded := base64.StdEncoding.EncodeToString(png)

	var gotReq renderRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(renderResponse{ImageBase64: encoded})
	}))
	defer server.Close()

	provider := NewHTTPProvider(server.URL, "secret")
	reader, err := provider.Capture(context.Background(), "https://preview.example/app", 1280, 720)
	require.NoError(t, err)

	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, png, got)
	assert.Equal(t, "https://preview.example/app", gotReq.URL)
	assert.Equal(t, 1280, gotReq.Width)
	assert.Equal(t, 720, gotReq.Height)
}

func TestHTTPProvider_Capture_NonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("renderer unavailable"))
	}))
	defer server.Close()

	provider := NewHTTPProvider(server.URL, "")
	_, err := provider.Capture(context.Background(), "https://preview.example/app", 800, 600)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestDecodeBase64PNG_StripsDataURLPrefix(t *testing.T) {
	raw := []byte("hello-png")
	encoded := "data:image/png;base64," + base64.StdEncoding.EncodeToString(raw)

	decoded, err := decodeBase64PNG(encoded)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
}

func TestDecodeBase64PNG_PlainBase64(t *testing.T) {
	raw := []byte("no-prefix-here")
	decoded, err := decodeBase64PNG(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
}
