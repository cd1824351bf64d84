package filemanager

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgecode/forge/internal/core"
	"github.com/forgecode/forge/internal/workspace"
)

func newTestManager(t *testing.T) (*Manager, core.Workspace) {
	t.Helper()
	ws, err := workspace.Open(filepath.Join(t.TempDir(), "ws.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	require.NoError(t, ws.Init(context.Background(), "main"))
	return New(ws), ws
}

func TestSave_ComputesLastDiff(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	f, err := m.Save(ctx, core.FileState{Path: "src/App.tsx", Contents: "line1\nline2\n"})
	require.NoError(t, err)
	require.Contains(t, f.LastDiff, "+line1")

	f2, err := m.Save(ctx, core.FileState{Path: "src/App.tsx", Contents: "line1\nline3\n"})
	require.NoError(t, err)
	require.Contains(t, f2.LastDiff, "-line2")
	require.Contains(t, f2.LastDiff, "+line3")
}

func TestRelevantFiles_ExcludesRedacted(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	_, err := m.Save(ctx, core.FileState{Path: "src/App.tsx", Contents: "x"})
	require.NoError(t, err)
	_, err = m.Save(ctx, core.FileState{Path: ".env", Contents: "SECRET=1"})
	require.NoError(t, err)

	relevant := m.RelevantFiles()
	require.Len(t, relevant, 1)
	require.Equal(t, "src/App.tsx", relevant[0].Path)
}

func TestSaveMany_SingleCommit(t *testing.T) {
	ctx := context.Background()
	m, ws := newTestManager(t)

	_, err := m.SaveMany(ctx, []core.FileState{
		{Path: "a.txt", Contents: "a"},
		{Path: "b.txt", Contents: "b"},
	}, "feat: initial phase")
	require.NoError(t, err)

	log, err := ws.Log(ctx, 0)
	require.NoError(t, err)
	require.Len(t, log, 1)
	require.True(t, strings.HasPrefix(log[0].Message, "feat: initial phase"))
}

func TestDelete_RemovesFromMapOnly(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	_, err := m.Save(ctx, core.FileState{Path: "a.txt", Contents: "a"})
	require.NoError(t, err)

	m.Delete([]string{"a.txt"})
	_, ok := m.Get("a.txt")
	require.False(t, ok)
}
