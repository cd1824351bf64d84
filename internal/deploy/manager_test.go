package deploy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgecode/forge/internal/core"
	"github.com/forgecode/forge/internal/sandbox"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	sb, err := sandbox.NewLocal(t.TempDir(), "inst-1")
	require.NoError(t, err)
	return New(sb, "react-starter", nil)
}

func TestDeployToSandbox_ExposesPreviewURL(t *testing.T) {
	m := newTestManager(t)
	started := false

	instance, err := m.DeployToSandbox(context.Background(),
		[]core.FileState{{Path: "src/App.tsx", Contents: "export default function App(){}"}},
		false, "initial", false,
		core.DeployCallbacks{OnStarted: func() { started = true }})
	require.NoError(t, err)
	require.True(t, started)
	require.Contains(t, instance.PreviewURL, "http://")
}

func TestDeployToSandbox_EmptyRedeployIsNoop(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.DeployToSandbox(ctx, []core.FileState{{Path: "a.txt", Contents: "a"}}, false, "x", false, core.DeployCallbacks{})
	require.NoError(t, err)

	second, err := m.DeployToSandbox(ctx, nil, true, "", false, core.DeployCallbacks{})
	require.NoError(t, err)
	require.Equal(t, first.PreviewURL, second.PreviewURL)
}

func TestFetchRuntimeErrors_SyntheticWhenNotDeployed(t *testing.T) {
	m := newTestManager(t)
	errs, err := m.FetchRuntimeErrors(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	require.Equal(t, sandboxUnavailableMessage, errs[0].Message)
}

func TestRunStaticAnalysis_DefaultsToEmptySuccess(t *testing.T) {
	m := newTestManager(t)
	result, err := m.RunStaticAnalysis(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, result.Lint)
	require.Empty(t, result.Typecheck)
}
