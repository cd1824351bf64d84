package ghexport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-github/v66/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecode/forge/internal/core"
)

func TestSplitRepoURL(t *testing.T) {
	owner, repo, err := splitRepoURL("https://github.com/acme/widgets.git")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "widgets", repo)

	_, _, err = splitRepoURL("not-a-url")
	assert.Error(t, err)
}

func TestDecodeTreeObject(t *testing.T) {
	data := []byte("100644 blob abc123\tsrc/index.ts\n100644 blob def456\tREADME.md\n")
	entries := decodeTreeObject(data)
	assert.Equal(t, "abc123", entries["src/index.ts"])
	assert.Equal(t, "def456", entries["README.md"])
}

func TestDecodeCommitObject(t *testing.T) {
	data := []byte("tree treeoid\nparent parent1\nauthor A <a@b.com> 123\n\nfeat: add thing")
	dc, ok := decodeCommitObject(data)
	require.True(t, ok)
	assert.Equal(t, "treeoid", dc.treeOID)
	assert.Equal(t, []string{"parent1"}, dc.parents)
	assert.Equal(t, "feat: add thing", dc.message)
}

func TestTopologicalCommitOrder_LinearChain(t *testing.T) {
	commits := map[string]decodedCommit{
		"c1": {treeOID: "t1"},
		"c2": {treeOID: "t2", parents: []string{"c1"}},
		"c3": {treeOID: "t3", parents: []string{"c2"}},
	}
	childOf := map[string]bool{"c1": true, "c2": true}

	order := topologicalCommitOrder(commits, childOf)
	assert.Equal(t, []string{"c1", "c2", "c3"}, order)
}

func TestTopologicalCommitOrder_Empty(t *testing.T) {
	assert.Nil(t, topologicalCommitOrder(nil, nil))
}

// fakeGitHubServer serves just enough of the GitHub REST surface for
// Export/CheckRemoteStatus to exercise: blob/tree/commit creation and
// ref update, each returning a deterministic fake SHA.
func fakeGitHubServer(t *testing.T) (*httptest.Server, *sync.Map) {
	t.Helper()
	created := &sync.Map{}
	counter := 0
	var mu sync.Mutex
	nextSHA := func(prefix string) string {
		mu.Lock()
		defer mu.Unlock()
		counter++
		return fmt.Sprintf("%s-sha-%d", prefix, counter)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/git/blobs", func(w http.ResponseWriter, r *http.Request) {
		sha := nextSHA("blob")
		created.Store(sha, true)
		writeJSON(w, github.Blob{SHA: &sha})
	})
	mux.HandleFunc("/repos/acme/widgets/git/trees", func(w http.ResponseWriter, r *http.Request) {
		sha := nextSHA("tree")
		writeJSON(w, github.Tree{SHA: &sha})
	})
	mux.HandleFunc("/repos/acme/widgets/git/commits", func(w http.ResponseWriter, r *http.Request) {
		sha := nextSHA("commit")
		writeJSON(w, github.Commit{SHA: &sha})
	})
	mux.HandleFunc("/repos/acme/widgets/git/refs/heads/main", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, github.Reference{Ref: github.Ptr("refs/heads/main")})
	})
	mux.HandleFunc("/repos/acme/widgets/git/refs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, github.Reference{Ref: github.Ptr("refs/heads/main")})
	})
	mux.HandleFunc("/repos/acme/widgets/commits", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []*github.RepositoryCommit{})
	})

	srv := httptest.NewServer(mux)
	return srv, created
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func testClient(baseURL string) *github.Client {
	c := github.NewClient(nil)
	u, _ := url.Parse(baseURL + "/")
	c.BaseURL = u
	return c
}

func TestExporter_Export_ReplaysBlobTreeCommitChain(t *testing.T) {
	srv, created := fakeGitHubServer(t)
	defer srv.Close()

	exp := NewWithClient(testClient(srv.URL))

	objects := make(chan core.ObjectRecord, 10)
	objects <- core.ObjectRecord{OID: "blob1", Kind: "blob", Data: []byte("package main")}
	objects <- core.ObjectRecord{OID: "tree1", Kind: "tree", Data: []byte("100644 blob blob1\tmain.go\n")}
	objects <- core.ObjectRecord{OID: "commit1", Kind: "commit", Data: []byte("tree tree1\n\nfeat: initial commit")}
	close(objects)

	result, err := exp.Export(context.Background(), core.ExportInput{
		Objects:       objects,
		RepoURL:       "https://github.com/acme/widgets",
		Author:        core.CommitAuthor{Name: "Forge Agent", Email: "agent@forge.local"},
		DefaultBranch: "main",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.CommitsPushed)
	assert.Equal(t, 1, result.BlobsCreated)
	assert.NotEmpty(t, result.PushedOID)
	assert.True(t, strings.HasPrefix(result.PushedOID, "commit-sha-"))

	var blobCount int
	created.Range(func(_, _ any) bool { blobCount++; return true })
	assert.Equal(t, 1, blobCount)
}

func TestExporter_Export_DedupesRepeatedBlobContent(t *testing.T) {
	srv, _ := fakeGitHubServer(t)
	defer srv.Close()

	exp := NewWithClient(testClient(srv.URL))

	objects := make(chan core.ObjectRecord, 10)
	objects <- core.ObjectRecord{OID: "blobA", Kind: "blob", Data: []byte("same contents")}
	objects <- core.ObjectRecord{OID: "blobB", Kind: "blob", Data: []byte("same contents")}
	objects <- core.ObjectRecord{OID: "tree1", Kind: "tree", Data: []byte("100644 blob blobA\ta.txt\n100644 blob blobB\tb.txt\n")}
	objects <- core.ObjectRecord{OID: "commit1", Kind: "commit", Data: []byte("tree tree1\n\nchore: duplicate files")}
	close(objects)

	result, err := exp.Export(context.Background(), core.ExportInput{
		Objects: objects,
		RepoURL: "https://github.com/acme/widgets",
		Author:  core.CommitAuthor{Name: "Forge Agent", Email: "agent@forge.local"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.BlobsCreated)
	assert.Equal(t, 1, result.BlobsCached)
}

func TestExporter_Export_EmptyInputErrors(t *testing.T) {
	srv, _ := fakeGitHubServer(t)
	defer srv.Close()

	exp := NewWithClient(testClient(srv.URL))
	objects := make(chan core.ObjectRecord)
	close(objects)

	_, err := exp.Export(context.Background(), core.ExportInput{
		Objects: objects,
		RepoURL: "https://github.com/acme/widgets",
	})
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))
}

func TestExporter_CheckRemoteStatus_IgnoresCloudflareButtonCommit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/commits", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []*github.RepositoryCommit{
			{SHA: github.Ptr("sha1"), Commit: &github.Commit{Message: github.Ptr(cloudflareButtonCommitMessage)}},
			{SHA: github.Ptr("sha2"), Commit: &github.Commit{Message: github.Ptr("feat: real change")}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	exp := NewWithClient(testClient(srv.URL))
	status, err := exp.CheckRemoteStatus(context.Background(), core.ExportInput{RepoURL: "https://github.com/acme/widgets"})
	require.NoError(t, err)
	assert.False(t, status.Compatible)
	assert.Equal(t, 1, status.AheadBy)
	assert.Equal(t, []string{"sha2"}, status.DivergedCommits)
}

func TestExporter_ClientFor_PrefersPerCallToken(t *testing.T) {
	exp := NewWithClient(github.NewClient(nil))
	c := exp.clientFor("user-token")
	assert.NotSame(t, exp.client, c)

	c2 := exp.clientFor("")
	assert.Same(t, exp.client, c2)
}
