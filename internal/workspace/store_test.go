package workspace

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgecode/forge/internal/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "ws.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Init(context.Background(), "main"))
	return s
}

func TestCommit_NoopOnIdenticalContent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	files := []core.FileState{{Path: "src/App.tsx", Contents: "export default function App() {}"}}

	oid1, err := s.Commit(ctx, files, "feat: initial", core.CommitAuthor{})
	require.NoError(t, err)
	require.NotEmpty(t, oid1)

	oid2, err := s.Commit(ctx, files, "feat: initial again", core.CommitAuthor{})
	require.NoError(t, err)
	require.Empty(t, oid2, "identical content must not produce a second commit")

	log, err := s.Log(ctx, 0)
	require.NoError(t, err)
	require.Len(t, log, 1)
}

func TestCommit_ChangedContentAdvancesHead(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	oid1, err := s.Commit(ctx, []core.FileState{{Path: "a.txt", Contents: "one"}}, "first", core.CommitAuthor{})
	require.NoError(t, err)

	oid2, err := s.Commit(ctx, []core.FileState{{Path: "a.txt", Contents: "two"}}, "second", core.CommitAuthor{})
	require.NoError(t, err)
	require.NotEqual(t, oid1, oid2)

	head, err := s.Head(ctx)
	require.NoError(t, err)
	require.Equal(t, oid2, head)

	files, err := s.ReadFilesFromCommit(ctx, oid2)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "two", files[0].Contents)
}

func TestReadFilesFromCommit_SkipsBinary(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	files := []core.FileState{
		{Path: "text.txt", Contents: "hello"},
		{Path: "bin.dat", Contents: string([]byte{0x00, 0x01, 0x02})},
	}
	oid, err := s.Commit(ctx, files, "mixed", core.CommitAuthor{})
	require.NoError(t, err)

	out, err := s.ReadFilesFromCommit(ctx, oid)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "text.txt", out[0].Path)
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)

	_, err := src.Commit(ctx, []core.FileState{{Path: "a.txt", Contents: "1"}}, "c1", core.CommitAuthor{})
	require.NoError(t, err)
	_, err = src.Commit(ctx, []core.FileState{{Path: "a.txt", Contents: "2"}}, "c2", core.CommitAuthor{})
	require.NoError(t, err)

	wantLog, err := src.Log(ctx, 0)
	require.NoError(t, err)

	ch, err := src.ExportObjects(ctx)
	require.NoError(t, err)
	var objects []core.ObjectRecord
	for rec := range ch {
		objects = append(objects, rec)
	}

	dst := newTestStore(t)
	require.NoError(t, dst.ImportObjects(ctx, objects))

	// Import doesn't move refs; point dst's HEAD at the same oid as src.
	head, err := src.Head(ctx)
	require.NoError(t, err)
	_, err = dst.Reset(ctx, head, false)
	require.NoError(t, err)

	gotLog, err := dst.Log(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, wantLog, gotLog)
}

func TestReset_RebuildsIndex(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	oid1, err := s.Commit(ctx, []core.FileState{{Path: "a.txt", Contents: "one"}}, "first", core.CommitAuthor{})
	require.NoError(t, err)
	_, err = s.Commit(ctx, []core.FileState{{Path: "a.txt", Contents: "two"}, {Path: "b.txt", Contents: "extra"}}, "second", core.CommitAuthor{})
	require.NoError(t, err)

	n, err := s.Reset(ctx, oid1, true)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	head, err := s.Head(ctx)
	require.NoError(t, err)
	require.Equal(t, oid1, head)
}
