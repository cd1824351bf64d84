package project_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecode/forge/internal/core"
	"github.com/forgecode/forge/internal/project"
)

func openTestStore(t *testing.T) *project.Store {
	t.Helper()
	s, err := project.Open(filepath.Join(t.TempDir(), "apps.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SaveAndGetApp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.SaveApp(ctx, core.AppRecord{
		AgentID:      "agent-1",
		ProjectName:  "todo-app-abc123",
		TemplateName: "react-vite",
	})
	require.NoError(t, err)

	rec, err := s.GetApp(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "todo-app-abc123", rec.ProjectName)
	assert.Equal(t, "react-vite", rec.TemplateName)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestStore_SaveApp_UpsertsOnConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveApp(ctx, core.AppRecord{AgentID: "agent-1", ProjectName: "old-name", TemplateName: "react-vite"}))
	require.NoError(t, s.SaveApp(ctx, core.AppRecord{AgentID: "agent-1", ProjectName: "new-name", TemplateName: "react-vite"}))

	rec, err := s.GetApp(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "new-name", rec.ProjectName)
}

func TestStore_GetApp_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetApp(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))
}

func TestStore_UpdateAppScreenshot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveApp(ctx, core.AppRecord{AgentID: "agent-1", ProjectName: "p", TemplateName: "t"}))

	require.NoError(t, s.UpdateAppScreenshot(ctx, "agent-1", "https://example.com/shot.png"))

	rec, err := s.GetApp(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/shot.png", rec.ScreenshotURL)
}

func TestStore_UpdateAppScreenshot_NotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateAppScreenshot(context.Background(), "missing", "https://example.com")
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))
}
