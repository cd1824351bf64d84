package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgecode/forge/internal/core"
)

func TestWriteFile_RejectsTraversal(t *testing.T) {
	l, err := NewLocal(t.TempDir(), "inst-1")
	require.NoError(t, err)

	err = l.WriteFile(context.Background(), "../../etc/passwd", []byte("x"))
	require.ErrorIs(t, err, ErrPathTraversal)
}

func TestWriteReadFile_RoundTrip(t *testing.T) {
	l, err := NewLocal(t.TempDir(), "inst-1")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, l.WriteFile(ctx, "src/app.tsx", []byte("hello")))

	data, err := l.ReadFile(ctx, "src/app.tsx")
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestExec_CapturesExitCodeAndOutput(t *testing.T) {
	l, err := NewLocal(t.TempDir(), "inst-1")
	require.NoError(t, err)

	res, err := l.Exec(context.Background(), []string{"sh", "-c", "echo hi; exit 3"}, core.ExecOptions{})
	require.NoError(t, err)
	require.Equal(t, 3, res.ExitCode)
	require.Contains(t, res.Stdout, "hi")
}

func TestExposePort_ReturnsPreviewURL(t *testing.T) {
	l, err := NewLocal(t.TempDir(), "inst-1")
	require.NoError(t, err)

	url, err := l.ExposePort(4000)
	require.NoError(t, err)
	require.Contains(t, url, "4000")
	require.Contains(t, l.GetExposedPorts(), 4000)
}
