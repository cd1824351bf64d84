package convo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgecode/forge/internal/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "convo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAdd_DedupesByMessageID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := core.SessionID("sess-1")

	first := core.ConversationMessage{ID: "m1", Role: core.RoleAssistant, Content: "partial", CreatedAt: time.Now()}
	require.NoError(t, s.Add(ctx, session, core.HistoryFull, first))

	updated := core.ConversationMessage{ID: "m1", Role: core.RoleAssistant, Content: "partial streamed in full", CreatedAt: time.Now()}
	require.NoError(t, s.Add(ctx, session, core.HistoryFull, updated))

	_, full, err := s.Get(ctx, session)
	require.NoError(t, err)
	require.Len(t, full, 1)
	require.Equal(t, "partial streamed in full", full[0].Content)
}

func TestAdd_PreservesInsertionOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := core.SessionID("sess-2")

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Add(ctx, session, core.HistoryRunning, core.ConversationMessage{ID: id, Role: core.RoleUser, Content: id, CreatedAt: time.Now()}))
	}

	running, _, err := s.Get(ctx, session)
	require.NoError(t, err)
	require.Len(t, running, 3)
	require.Equal(t, []string{"a", "b", "c"}, []string{running[0].ID, running[1].ID, running[2].ID})
}

func TestSet_OverwritesBothHistories(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := core.SessionID("sess-3")

	require.NoError(t, s.Add(ctx, session, core.HistoryFull, core.ConversationMessage{ID: "old", Role: core.RoleUser, Content: "old", CreatedAt: time.Now()}))

	newRunning := []core.ConversationMessage{{ID: "r1", Role: core.RoleUser, Content: "r1", CreatedAt: time.Now()}}
	newFull := []core.ConversationMessage{{ID: "f1", Role: core.RoleAssistant, Content: "f1", CreatedAt: time.Now()}}
	require.NoError(t, s.Set(ctx, session, newRunning, newFull))

	running, full, err := s.Get(ctx, session)
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, "r1", running[0].ID)
	require.Len(t, full, 1)
	require.Equal(t, "f1", full[0].ID)
}

func TestAdd_PersistsToolCalls(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := core.SessionID("sess-4")

	msg := core.ConversationMessage{
		ID:      "m1",
		Role:    core.RoleAssistant,
		Content: "running a tool",
		ToolCalls: []core.ToolCall{
			{Name: "writeFile", Args: map[string]any{"path": "src/App.tsx"}},
		},
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.Add(ctx, session, core.HistoryFull, msg))

	_, full, err := s.Get(ctx, session)
	require.NoError(t, err)
	require.Len(t, full, 1)
	require.Len(t, full[0].ToolCalls, 1)
	require.Equal(t, "writeFile", full[0].ToolCalls[0].Name)
	require.Equal(t, "src/App.tsx", full[0].ToolCalls[0].Args["path"])
}
