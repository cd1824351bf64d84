package screenshot

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/forgecode/forge/internal/core"
)

// renderTimeout bounds the whole capture round-trip against the
// external rendering endpoint.
const renderTimeout = 10 * time.Second

// HTTPProvider is a core.ScreenshotProvider that POSTs {url, viewport}
// to a configured external rendering endpoint and decodes a base64 PNG
// in response. Built directly on net/http — see DESIGN.md.
type HTTPProvider struct {
	Endpoint string
	APIKey   string
	client   *http.Client
}

// NewHTTPProvider builds an HTTPProvider posting to endpoint.
func NewHTTPProvider(endpoint, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		Endpoint: endpoint,
		APIKey:   apiKey,
		client:   &http.Client{Timeout: renderTimeout},
	}
}

var _ core.ScreenshotProvider = (*HTTPProvider)(nil)

type renderRequest struct {
	URL    string `json:"url"`
	Width  int    `json:"viewportWidth"`
	Height int    `json:"viewportHeight"`
}

type renderResponse struct {
	ImageBase64 string `json:"imageBase64"`
}

// Capture implements core.ScreenshotProvider.
func (p *HTTPProvider) Capture(ctx context.Context, url string, viewportW, viewportH int) (io.Reader, error) {
	ctx, cancel := context.WithTimeout(ctx, renderTimeout)
	defer cancel()

	body, err := json.Marshal(renderRequest{URL: url, Width: viewportW, Height: viewportH})
	if err != nil {
		return nil, fmt.Errorf("encoding render request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling screenshot rendering API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("rendering API returned %d: %s", resp.StatusCode, string(data))
	}

	var out renderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding render response: %w", err)
	}
	png, err := decodeBase64PNG(out.ImageBase64)
	if err != nil {
		return nil, fmt.Errorf("decoding rendered image: %w", err)
	}
	return bytes.NewReader(png), nil
}

// decodeBase64PNG strips an optional data-URL prefix
// ("data:image/png;base64,...") before decoding.
func decodeBase64PNG(s string) ([]byte, error) {
	if idx := strings.Index(s, ","); idx != -1 && strings.HasPrefix(s, "data:") {
		s = s[idx+1:]
	}
	return base64.StdEncoding.DecodeString(s)
}
