// Package filemanager is the typed overlay on a content-addressed
// Workspace: it keeps an in-memory file map keyed
// by logical path, computes the unified diff for every write, and
// answers the "relevant files" / "generated paths" queries the Agent
// core and its operations need.
package filemanager

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/forgecode/forge/internal/core"
)

// RedactedPrefixes and DoNotTouchPaths mark generated files that must
// be excluded from RelevantFiles.
var (
	RedactedPrefixes = []string{".env", "secrets/"}
	DoNotTouchPaths  = map[string]struct{}{
		".git/config": {},
	}
)

// Manager is the default core.FileManager implementation.
type Manager struct {
	mu    sync.RWMutex
	files map[string]core.FileState
	ws    core.Workspace
}

// New creates a Manager backed by ws. Callers typically load an
// existing HEAD into it via LoadFromCommit before first use.
func New(ws core.Workspace) *Manager {
	return &Manager{files: make(map[string]core.FileState), ws: ws}
}

var _ core.FileManager = (*Manager)(nil)

// LoadFromCommit seeds the in-memory file map from a workspace commit,
// used on agent resume.
func (m *Manager) LoadFromCommit(ctx context.Context, oid string) error {
	files, err := m.ws.ReadFilesFromCommit(ctx, oid)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range files {
		m.files[f.Path] = f
	}
	return nil
}

func (m *Manager) Get(path string) (core.FileState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[path]
	return f, ok
}

func (m *Manager) All() []core.FileState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.FileState, 0, len(m.files))
	for _, f := range m.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func isRedacted(path string) bool {
	if _, ok := DoNotTouchPaths[path]; ok {
		return true
	}
	for _, prefix := range RedactedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// RelevantFiles is the filter of generated files: all tracked paths
// minus redacted/do-not-touch ones.
func (m *Manager) RelevantFiles() []core.FileState {
	all := m.All()
	out := make([]core.FileState, 0, len(all))
	for _, f := range all {
		if !isRedacted(f.Path) {
			out = append(out, f)
		}
	}
	return out
}

func (m *Manager) GeneratedPaths() []string {
	all := m.All()
	out := make([]string, 0, len(all))
	for _, f := range all {
		out = append(out, f.Path)
	}
	return out
}

// unifiedDiff computes the unified diff from old to new file contents;
// when old is empty the result is a full-add diff.
func unifiedDiff(path, oldContents, newContents string) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(oldContents),
		B:        difflib.SplitLines(newContents),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(diff)
}

// Save writes one file through to the workspace stage and updates the
// in-memory map, computing lastDiff.
// It does not commit; call SaveMany for the single-commit form, or let
// the Agent core batch several Save calls before one explicit Commit.
func (m *Manager) Save(ctx context.Context, file core.FileState) (core.FileState, error) {
	m.mu.Lock()
	prev, existed := m.files[file.Path]
	m.mu.Unlock()

	oldContents := ""
	if existed {
		oldContents = prev.Contents
	}
	diff, err := unifiedDiff(file.Path, oldContents, file.Contents)
	if err != nil {
		return core.FileState{}, fmt.Errorf("computing diff for %s: %w", file.Path, err)
	}
	file.LastDiff = diff

	if err := m.ws.Stage(ctx, []core.FileState{file}); err != nil {
		return core.FileState{}, fmt.Errorf("staging %s: %w", file.Path, err)
	}

	m.mu.Lock()
	m.files[file.Path] = file
	m.mu.Unlock()
	return file, nil
}

// SaveMany writes several files in one commit with an aggregated
// message.
func (m *Manager) SaveMany(ctx context.Context, files []core.FileState, commitMessage string) ([]core.FileState, error) {
	out := make([]core.FileState, 0, len(files))
	staged := make([]core.FileState, 0, len(files))
	for _, file := range files {
		m.mu.RLock()
		prev, existed := m.files[file.Path]
		m.mu.RUnlock()

		oldContents := ""
		if existed {
			oldContents = prev.Contents
		}
		diff, err := unifiedDiff(file.Path, oldContents, file.Contents)
		if err != nil {
			return nil, fmt.Errorf("computing diff for %s: %w", file.Path, err)
		}
		file.LastDiff = diff
		out = append(out, file)
		staged = append(staged, file)
	}

	if _, err := m.ws.Commit(ctx, staged, commitMessage, core.DefaultCommitAuthor); err != nil {
		return nil, fmt.Errorf("committing %d files: %w", len(staged), err)
	}

	m.mu.Lock()
	for _, f := range out {
		m.files[f.Path] = f
	}
	m.mu.Unlock()
	return out, nil
}

// Delete removes paths from the in-memory map only; it does not commit.
func (m *Manager) Delete(paths []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paths {
		delete(m.files, p)
	}
}
