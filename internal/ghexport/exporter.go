// Package ghexport replays a workspace's local content-addressed
// commit history onto a remote GitHub repository. It talks to the
// GitHub REST API directly via google/go-github, authenticating as a
// GitHub App installation via ghinstallation, because replaying
// blobs/trees/commits/refs one object at a time needs the Git Data
// API's lower-level primitives rather than the gh CLI's PR/issue
// workflow surface.
package ghexport

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v66/github"

	"github.com/forgecode/forge/internal/core"
)

// cloudflareButtonCommitMessage is the synthetic commit message the
// template's "Deploy to Cloudflare" button injects; CheckRemoteStatus
// ignores commits with this exact message when comparing histories.
const cloudflareButtonCommitMessage = "chore: add deploy button"

// Exporter is a core.GitHubExporter backed by the GitHub REST API,
// authenticated as a GitHub App installation.
type Exporter struct {
	client *github.Client

	mu         sync.Mutex
	blobCache  map[string]string // content sha256 -> blob sha, de-dupes re-exported blobs
}

// New builds an Exporter authenticated as the given GitHub App
// installation.
func New(appID, installationID int64, privateKeyPath string) (*Exporter, error) {
	itr, err := ghinstallation.NewKeyFromFile(http.DefaultTransport, appID, installationID, privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("building GitHub App transport: %w", err)
	}
	client := github.NewClient(&http.Client{Transport: itr})
	return &Exporter{client: client, blobCache: make(map[string]string)}, nil
}

// NewWithClient builds an Exporter around an already-authenticated
// client, for tests that don't want to talk to the real GitHub API.
func NewWithClient(client *github.Client) *Exporter {
	return &Exporter{client: client, blobCache: make(map[string]string)}
}

var _ core.GitHubExporter = (*Exporter)(nil)

func splitRepoURL(repoURL string) (owner, repo string, err error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(repoURL, "https://github.com/"), ".git")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", core.ErrValidation("INVALID_REPO_URL", "expected https://github.com/<owner>/<repo>, got "+repoURL)
	}
	return parts[0], parts[1], nil
}

// decodedCommit mirrors internal/workspace's commit object encoding
// closely enough to replay it ("tree <oid>\nparent <oid>\n...\n\n<msg>").
type decodedCommit struct {
	treeOID string
	parents []string
	message string
}

func decodeCommitObject(data []byte) (decodedCommit, bool) {
	text := string(data)
	headerEnd := strings.Index(text, "\n\n")
	if headerEnd < 0 {
		return decodedCommit{}, false
	}
	dc := decodedCommit{message: text[headerEnd+2:]}
	for _, line := range strings.Split(text[:headerEnd], "\n") {
		switch {
		case strings.HasPrefix(line, "tree "):
			dc.treeOID = strings.TrimPrefix(line, "tree ")
		case strings.HasPrefix(line, "parent "):
			dc.parents = append(dc.parents, strings.TrimPrefix(line, "parent "))
		}
	}
	return dc, true
}

// decodeTreeObject mirrors internal/workspace's flat tree encoding
// ("100644 blob <oid>\t<path>\n" per entry).
func decodeTreeObject(data []byte) map[string]string {
	entries := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		meta := strings.Fields(parts[0])
		if len(meta) != 3 {
			continue
		}
		entries[parts[1]] = meta[2]
	}
	return entries
}

// Export replays in.Objects (a workspace's full blob/tree/commit
// history from Workspace.ExportObjects) plus the template's bootstrap
// files onto the remote default branch, force-updating it to the new
// tip.
func (e *Exporter) Export(ctx context.Context, in core.ExportInput) (core.ExportResult, error) {
	owner, repo, err := splitRepoURL(in.RepoURL)
	if err != nil {
		return core.ExportResult{}, err
	}
	client := e.clientFor(in.Token)

	result := core.ExportResult{}

	blobs := make(map[string][]byte)
	trees := make(map[string]map[string]string)
	commits := make(map[string]decodedCommit)
	childOf := make(map[string]bool) // oid -> is referenced as someone's parent

	for obj := range in.Objects {
		switch obj.Kind {
		case "blob":
			blobs[obj.OID] = obj.Data
		case "tree":
			trees[obj.OID] = decodeTreeObject(obj.Data)
		case "commit":
			dc, ok := decodeCommitObject(obj.Data)
			if !ok {
				return result, fmt.Errorf("malformed commit object %s", obj.OID)
			}
			commits[obj.OID] = dc
			for _, p := range dc.parents {
				childOf[p] = true
			}
		}
	}

	author := in.Author
	if author.Name == "" {
		author = core.DefaultCommitAuthor
	}

	var lastCommitSHA string

	if len(in.TemplateFiles) > 0 {
		lastCommitSHA, err = e.pushTree(ctx, client, owner, repo, nil, "chore: bootstrap from template", author, func() (map[string]string, error) {
			paths := make(map[string]string, len(in.TemplateFiles))
			for _, f := range in.TemplateFiles {
				sha, created, err := e.createBlob(ctx, client, owner, repo, []byte(f.Contents))
				if err != nil {
					return nil, fmt.Errorf("creating blob for %s: %w", f.Path, err)
				}
				if created {
					result.BlobsCreated++
				} else {
					result.BlobsCached++
				}
				paths[f.Path] = sha
			}
			return paths, nil
		})
		if err != nil {
			return result, err
		}
		result.CommitsPushed++
	}

	for _, oid := range topologicalCommitOrder(commits, childOf) {
		dc := commits[oid]
		tree, ok := trees[dc.treeOID]
		if !ok {
			return result, fmt.Errorf("commit %s references unknown tree %s", oid, dc.treeOID)
		}
		parentSHA := lastCommitSHA
		sha, err := e.pushTree(ctx, client, owner, repo, parentSHAsFor(parentSHA), commitMessage(dc.message), author, func() (map[string]string, error) {
			paths := make(map[string]string, len(tree))
			for path, blobOID := range tree {
				data, ok := blobs[blobOID]
				if !ok {
					return nil, fmt.Errorf("tree entry %s references unknown blob %s", path, blobOID)
				}
				sha, created, err := e.createBlob(ctx, client, owner, repo, data)
				if err != nil {
					return nil, fmt.Errorf("creating blob for %s: %w", path, err)
				}
				if created {
					result.BlobsCreated++
				} else {
					result.BlobsCached++
				}
				paths[path] = sha
			}
			return paths, nil
		})
		if err != nil {
			return result, fmt.Errorf("replaying commit %s: %w", oid, err)
		}
		lastCommitSHA = sha
		result.CommitsPushed++
	}

	if lastCommitSHA == "" {
		return result, core.ErrValidation("EMPTY_EXPORT", "nothing to export: no template files and no commits")
	}

	branch := in.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	ref := "refs/heads/" + branch
	if _, _, err := client.Git.UpdateRef(ctx, owner, repo, &github.Reference{
		Ref:    &ref,
		Object: &github.GitObject{SHA: &lastCommitSHA},
	}, true); err != nil {
		if _, _, createErr := client.Git.CreateRef(ctx, owner, repo, &github.Reference{
			Ref:    &ref,
			Object: &github.GitObject{SHA: &lastCommitSHA},
		}); createErr != nil {
			return result, fmt.Errorf("updating %s: %w", ref, err)
		}
	}

	result.PushedOID = lastCommitSHA
	return result, nil
}

func parentSHAsFor(sha string) []string {
	if sha == "" {
		return nil
	}
	return []string{sha}
}

// topologicalCommitOrder walks parent links to return commits oldest
// first, so each can be pushed with its predecessor as its GitHub
// parent. The tip is whichever
// commit no other commit names as a parent.
func topologicalCommitOrder(commits map[string]decodedCommit, childOf map[string]bool) []string {
	var tip string
	for oid := range commits {
		if !childOf[oid] {
			tip = oid
			break
		}
	}
	if tip == "" {
		return nil
	}
	var chain []string
	for oid := tip; oid != ""; {
		chain = append(chain, oid)
		dc := commits[oid]
		if len(dc.parents) == 0 {
			break
		}
		oid = dc.parents[0]
	}
	reversed := make([]string, len(chain))
	for i, oid := range chain {
		reversed[len(chain)-1-i] = oid
	}
	return reversed
}

// pushTree uploads the blobs built() returns, creates a tree and a
// commit on top of it, and returns the new commit's SHA.
func (e *Exporter) pushTree(ctx context.Context, client *github.Client, owner, repo string, parents []string, message string, author core.CommitAuthor, built func() (map[string]string, error)) (string, error) {
	paths, err := built()
	if err != nil {
		return "", err
	}
	entries := make([]*github.TreeEntry, 0, len(paths))
	for path, sha := range paths {
		path, sha := path, sha
		entries = append(entries, &github.TreeEntry{Path: &path, Mode: github.Ptr("100644"), Type: github.Ptr("blob"), SHA: &sha})
	}
	tree, _, err := client.Git.CreateTree(ctx, owner, repo, "", entries)
	if err != nil {
		return "", fmt.Errorf("creating tree: %w", err)
	}
	var parentCommits []*github.Commit
	for _, p := range parents {
		p := p
		parentCommits = append(parentCommits, &github.Commit{SHA: &p})
	}
	now := github.Timestamp{Time: time.Now()}
	commit, _, err := client.Git.CreateCommit(ctx, owner, repo, &github.Commit{
		Message: github.Ptr(message),
		Tree:    tree,
		Parents: parentCommits,
		Author:  &github.CommitAuthor{Name: &author.Name, Email: &author.Email, Date: &now},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("creating commit: %w", err)
	}
	return commit.GetSHA(), nil
}

// clientFor returns a per-call client authenticated with a caller-
// supplied token when present,
// falling back to the Exporter's App-installation client otherwise.
func (e *Exporter) clientFor(token string) *github.Client {
	if token == "" {
		return e.client
	}
	return github.NewClient(nil).WithAuthToken(token)
}

// createBlob uploads content, de-duping by its sha256 so a file whose
// contents repeat across many commits is only uploaded once per
// Exporter lifetime.
func (e *Exporter) createBlob(ctx context.Context, client *github.Client, owner, repo string, content []byte) (sha string, created bool, err error) {
	sum := sha256.Sum256(content)
	key := hex.EncodeToString(sum[:])

	e.mu.Lock()
	if cached, ok := e.blobCache[key]; ok {
		e.mu.Unlock()
		return cached, false, nil
	}
	e.mu.Unlock()

	encoding := "base64"
	s := base64.StdEncoding.EncodeToString(content)
	blob, _, err := client.Git.CreateBlob(ctx, owner, repo, &github.Blob{
		Content:  &s,
		Encoding: &encoding,
	})
	if err != nil {
		return "", false, err
	}

	e.mu.Lock()
	e.blobCache[key] = blob.GetSHA()
	e.mu.Unlock()
	return blob.GetSHA(), true, nil
}

// CheckRemoteStatus compares the remote default branch's commit
// history against the local one to decide whether a re-export would be
// a fast-forward, a divergence, or a no-op.
func (e *Exporter) CheckRemoteStatus(ctx context.Context, in core.ExportInput) (core.RemoteStatus, error) {
	owner, repo, err := splitRepoURL(in.RepoURL)
	if err != nil {
		return core.RemoteStatus{}, err
	}

	branch := in.DefaultBranch
	if branch == "" {
		branch = "main"
	}

	remoteCommits, _, err := e.client.Repositories.ListCommits(ctx, owner, repo, &github.CommitsListOptions{
		SHA:         branch,
		ListOptions: github.ListOptions{PerPage: 100},
	})
	if err != nil {
		return core.RemoteStatus{Compatible: true}, nil // repo/branch doesn't exist yet: nothing to diverge from
	}

	var diverged []string
	behind := 0
	for _, c := range remoteCommits {
		msg := normalizeCommitMessage(c.GetCommit().GetMessage())
		if msg == cloudflareButtonCommitMessage {
			continue
		}
		behind++
		diverged = append(diverged, c.GetSHA())
	}

	return core.RemoteStatus{
		Compatible:      behind == 0,
		BehindBy:        0,
		AheadBy:         behind,
		DivergedCommits: diverged,
	}, nil
}

func normalizeCommitMessage(msg string) string {
	return strings.TrimSpace(strings.SplitN(msg, "\n", 2)[0])
}

func commitMessage(raw string) string {
	msg := normalizeCommitMessage(raw)
	if msg == "" {
		return "chore: sync from workspace"
	}
	return msg
}
