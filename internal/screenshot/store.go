// Package screenshot invokes the external rendering API and persists
// the resulting image. The backing store is local-disk, with a single
// agent-scoped namespace per stored screenshot.
package screenshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgecode/forge/internal/core"
)

// MaxImageSizeBytes limits each captured screenshot.
const MaxImageSizeBytes = 50 * 1024 * 1024

// Image is the persisted record for one captured screenshot.
type Image struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	Path        string    `json:"path"` // relative to the store root
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	CapturedAt  time.Time `json:"captured_at"`
}

// Store persists captured screenshot bytes under
// data/screenshots/<agentId>/<oid>.png plus a meta.json pointer.
type Store struct {
	root    string
	baseDir string
}

// NewStore creates a Store rooted at <root>/data/screenshots.
func NewStore(root string) *Store {
	return &Store{root: root, baseDir: filepath.Join(root, "data", "screenshots")}
}

// EnsureBaseDir creates the store's base directory if missing.
func (s *Store) EnsureBaseDir() error {
	return os.MkdirAll(s.baseDir, 0o750)
}

// Save persists r as a new screenshot owned by agentID and returns its
// pointer record.
func (s *Store) Save(agentID string, r io.Reader) (Image, error) {
	if strings.TrimSpace(agentID) == "" {
		return Image{}, fmt.Errorf("agent id is required")
	}
	if err := s.EnsureBaseDir(); err != nil {
		return Image{}, fmt.Errorf("ensuring base dir: %w", err)
	}

	root, err := os.OpenRoot(s.baseDir)
	if err != nil {
		return Image{}, fmt.Errorf("opening screenshots root: %w", err)
	}
	defer func() { _ = root.Close() }()

	imageID := uuid.New().String()
	if err := root.MkdirAll(agentID, 0o750); err != nil {
		return Image{}, fmt.Errorf("creating agent dir: %w", err)
	}

	var sniff [512]byte
	n, _ := io.ReadFull(r, sniff[:])
	contentType := http.DetectContentType(sniff[:n])
	ext := extensionFor(contentType)

	relPath := filepath.Join(agentID, imageID+ext)
	f, err := root.OpenFile(relPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return Image{}, fmt.Errorf("creating screenshot file: %w", err)
	}
	defer f.Close()

	if n > 0 {
		if _, err := f.Write(sniff[:n]); err != nil {
			return Image{}, fmt.Errorf("writing screenshot header: %w", err)
		}
	}
	remaining := int64(MaxImageSizeBytes - n)
	if remaining < 0 {
		return Image{}, fmt.Errorf("screenshot too large (max %d bytes)", MaxImageSizeBytes)
	}
	written, err := io.Copy(f, io.LimitReader(r, remaining+1))
	if err != nil {
		return Image{}, fmt.Errorf("writing screenshot: %w", err)
	}
	if written > remaining {
		return Image{}, fmt.Errorf("screenshot too large (max %d bytes)", MaxImageSizeBytes)
	}

	img := Image{
		ID:          imageID,
		AgentID:     agentID,
		Path:        filepath.ToSlash(relPath),
		Size:        int64(n) + written,
		ContentType: contentType,
		CapturedAt:  time.Now(),
	}

	metaRel := filepath.Join(agentID, imageID+".json")
	b, err := json.MarshalIndent(img, "", "  ")
	if err != nil {
		return Image{}, err
	}
	tmp := metaRel + ".tmp"
	if err := root.WriteFile(tmp, b, 0o600); err != nil {
		return Image{}, fmt.Errorf("writing screenshot meta: %w", err)
	}
	if err := root.Rename(tmp, metaRel); err != nil {
		return Image{}, fmt.Errorf("renaming screenshot meta: %w", err)
	}

	return img, nil
}

// URL returns the path callers should hand to AppService.UpdateAppScreenshot:
// a file:// pointer under the store root. A deployment fronting this store
// with static file hosting would instead return an http(s) URL here.
func (s *Store) URL(img Image) string {
	return "file://" + filepath.Join(s.baseDir, filepath.FromSlash(img.Path))
}

func extensionFor(contentType string) string {
	switch {
	case strings.Contains(contentType, "png"):
		return ".png"
	case strings.Contains(contentType, "jpeg"):
		return ".jpg"
	default:
		return ".bin"
	}
}

// Service ties a ScreenshotProvider capture to persistence and the
// AppService pointer update: invoke the external rendering
// API, upload the bytes, update the persisted pointer.
type Service struct {
	Provider core.ScreenshotProvider
	Store    *Store
	Apps     core.AppService
}

// NewService builds a Service from its collaborators.
func NewService(provider core.ScreenshotProvider, store *Store, apps core.AppService) *Service {
	return &Service{Provider: provider, Store: store, Apps: apps}
}

// Capture renders url at the given viewport, persists the bytes, and
// records the resulting pointer against agentID via AppService.
func (svc *Service) Capture(ctx context.Context, agentID core.AgentID, url string, viewportW, viewportH int) (Image, error) {
	r, err := svc.Provider.Capture(ctx, url, viewportW, viewportH)
	if err != nil {
		return Image{}, fmt.Errorf("capturing screenshot: %w", err)
	}
	img, err := svc.Store.Save(string(agentID), r)
	if err != nil {
		return Image{}, err
	}
	if svc.Apps != nil {
		if err := svc.Apps.UpdateAppScreenshot(ctx, agentID, svc.Store.URL(img)); err != nil {
			return img, fmt.Errorf("persisting screenshot pointer: %w", err)
		}
	}
	return img, nil
}
