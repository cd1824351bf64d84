package manager_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecode/forge/internal/convo"
	"github.com/forgecode/forge/internal/core"
	"github.com/forgecode/forge/internal/manager"
	"github.com/forgecode/forge/internal/operations"
	"github.com/forgecode/forge/internal/testutil"
)

func newTestManager(t *testing.T, opts ...manager.Option) *manager.Manager {
	t.Helper()
	convoStore, err := convo.Open(filepath.Join(t.TempDir(), "convo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = convoStore.Close() })

	deps := manager.Deps{
		DataDir:      t.TempDir(),
		TemplateName: "react-vite",
		Ops:          operations.NewLLMBacked(testutil.NewMockLLMClient()),
		Apps:         testutil.NewFakeAppService(),
		Convo:        convoStore,
	}
	return manager.New(deps, opts...)
}

func TestManager_GetOrCreate_ReturnsSameAgentOnSecondCall(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()

	a1, err := m.GetOrCreate(context.Background(), core.AgentID("agent-1"))
	require.NoError(t, err)
	a2, err := m.GetOrCreate(context.Background(), core.AgentID("agent-1"))
	require.NoError(t, err)
	assert.Same(t, a1, a2)
	assert.Equal(t, 1, m.Active())
}

func TestManager_Get_MissingAgentReturnsFalse(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()

	_, ok := m.Get(core.AgentID("nope"))
	assert.False(t, ok)
}

func TestManager_Broadcaster_ResolvesResidentAgent(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()

	_, err := m.GetOrCreate(context.Background(), core.AgentID("agent-1"))
	require.NoError(t, err)

	hub, ok := m.Broadcaster(core.AgentID("agent-1"))
	require.True(t, ok)
	assert.NotNil(t, hub)
}

func TestManager_EvictsLRUWhenOverCapacity(t *testing.T) {
	m := newTestManager(t,
		manager.WithMaxActiveAgents(2),
		manager.WithMinActiveAgents(0),
		manager.WithEvictionGracePeriod(0),
	)
	defer m.Close()

	_, err := m.GetOrCreate(context.Background(), core.AgentID("agent-1"))
	require.NoError(t, err)
	_, err = m.GetOrCreate(context.Background(), core.AgentID("agent-2"))
	require.NoError(t, err)
	_, err = m.GetOrCreate(context.Background(), core.AgentID("agent-3"))
	require.NoError(t, err)

	assert.Equal(t, 2, m.Active())
	_, ok := m.Get(core.AgentID("agent-1"))
	assert.False(t, ok, "oldest agent should have been evicted")
}

func TestManager_EvictionRespectsMinimumFloor(t *testing.T) {
	m := newTestManager(t,
		manager.WithMaxActiveAgents(2),
		manager.WithMinActiveAgents(2),
		manager.WithEvictionGracePeriod(0),
	)
	defer m.Close()

	_, err := m.GetOrCreate(context.Background(), core.AgentID("agent-1"))
	require.NoError(t, err)
	_, err = m.GetOrCreate(context.Background(), core.AgentID("agent-2"))
	require.NoError(t, err)
	_, err = m.GetOrCreate(context.Background(), core.AgentID("agent-3"))
	require.NoError(t, err)

	assert.GreaterOrEqual(t, m.Active(), 2)
}

func TestManager_EvictionSkipsAgentsWithinGracePeriod(t *testing.T) {
	m := newTestManager(t,
		manager.WithMaxActiveAgents(1),
		manager.WithMinActiveAgents(0),
		manager.WithEvictionGracePeriod(time.Hour),
	)
	defer m.Close()

	_, err := m.GetOrCreate(context.Background(), core.AgentID("agent-1"))
	require.NoError(t, err)
	_, err = m.GetOrCreate(context.Background(), core.AgentID("agent-2"))
	require.NoError(t, err)

	assert.Equal(t, 2, m.Active(), "fresh agent-1 is within the grace period and shouldn't be evicted")
}

func TestManager_Evict_RefusesWhileBusy(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()

	a, err := m.GetOrCreate(context.Background(), core.AgentID("agent-1"))
	require.NoError(t, err)
	require.NoError(t, a.StartDeepDebug())

	err = m.Evict(core.AgentID("agent-1"))
	assert.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatState))
}

func TestManager_Close_ClosesAllResidentAgents(t *testing.T) {
	m := newTestManager(t)
	_, err := m.GetOrCreate(context.Background(), core.AgentID("agent-1"))
	require.NoError(t, err)

	require.NoError(t, m.Close())
	assert.Equal(t, 0, m.Active())
}
