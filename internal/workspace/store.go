// Package workspace implements the content-addressed, git-like object
// store: blobs, trees and commits keyed by a SHA-256
// content hash in a key/value table, with a small refs table for HEAD
// and branch pointers. It is the canonical file store behind
// internal/filemanager.
//
// Uses the connection-pool/migration idiom of internal/storekit rather
// than wrapping the real `git` binary, since this needs a from-scratch
// object store on a key/value table, not a CLI wrapper.
package workspace

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/forgecode/forge/internal/core"
	"github.com/forgecode/forge/internal/storekit"
)

const migrationsKey = "workspace"

var migrationV1 = `
CREATE TABLE IF NOT EXISTS objects (
	oid  TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS refs (
	name TEXT PRIMARY KEY,
	oid  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS stage_index (
	path TEXT PRIMARY KEY,
	oid  TEXT NOT NULL
);
`

// headWatchdog bounds Head() with a 5 s watchdog around the underlying call.
const headWatchdog = 5 * time.Second

const (
	kindBlob   = "blob"
	kindTree   = "tree"
	kindCommit = "commit"
)

const defaultBranchRef = "refs/heads/"

// Store is the sqlite-backed implementation of core.Workspace, one
// instance per agent.
type Store struct {
	db   *storekit.DB
	mu   sync.Mutex // serializes stage/commit/reset: one owner at a time
	branch string
}

// Open opens or creates the workspace database at path.
func Open(path string) (*Store, error) {
	db, err := storekit.Open(path, migrationsKey, []string{migrationV1})
	if err != nil {
		return nil, err
	}
	return &Store{db: db, branch: "main"}, nil
}

// Close releases the underlying database handles.
func (s *Store) Close() error { return s.db.Close() }

var _ core.Workspace = (*Store)(nil)

// Init is idempotent; it creates HEAD → refs/heads/<defaultBranch> if
// absent.
func (s *Store) Init(ctx context.Context, defaultBranch string) error {
	started := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if defaultBranch == "" {
		defaultBranch = "main"
	}
	s.branch = defaultBranch

	var headOID string
	err := s.db.Read.QueryRowContext(ctx, `SELECT oid FROM refs WHERE name = 'HEAD'`).Scan(&headOID)
	if err == sql.ErrNoRows {
		err = s.db.RetryWrite(ctx, "init", func() error {
			_, e := s.db.Write.ExecContext(ctx,
				`INSERT OR IGNORE INTO refs (name, oid) VALUES ('HEAD', '')`)
			if e != nil {
				return e
			}
			_, e = s.db.Write.ExecContext(ctx,
				`INSERT OR IGNORE INTO refs (name, oid) VALUES (?, '')`, defaultBranchRef+defaultBranch)
			return e
		})
	}
	_ = started // duration logging is the caller's responsibility via internal/logging
	return err
}

func normalizePath(p string) string {
	p = strings.TrimPrefix(p, "/")
	return path.Clean(p)
}

func hashObject(kind string, body []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s %d\x00", kind, len(body))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Store) writeObject(ctx context.Context, kind string, body []byte) (string, error) {
	oid := hashObject(kind, body)
	err := s.db.RetryWrite(ctx, "writeObject", func() error {
		_, e := s.db.Write.ExecContext(ctx,
			`INSERT OR IGNORE INTO objects (oid, kind, data) VALUES (?, ?, ?)`, oid, kind, body)
		return e
	})
	return oid, err
}

func (s *Store) readObject(ctx context.Context, oid string) (kind string, data []byte, err error) {
	row := s.db.Read.QueryRowContext(ctx, `SELECT kind, data FROM objects WHERE oid = ?`, oid)
	err = row.Scan(&kind, &data)
	return
}

// Stage normalizes paths, writes blob objects, and updates the staged
// index.
func (s *Store) Stage(ctx context.Context, files []core.FileState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stageLocked(ctx, files)
}

func (s *Store) stageLocked(ctx context.Context, files []core.FileState) error {
	for _, f := range files {
		p := normalizePath(f.Path)
		oid, err := s.writeObject(ctx, kindBlob, []byte(f.Contents))
		if err != nil {
			return fmt.Errorf("staging %s: %w", p, err)
		}
		if err := s.db.RetryWrite(ctx, "stage", func() error {
			_, e := s.db.Write.ExecContext(ctx,
				`INSERT INTO stage_index (path, oid) VALUES (?, ?)
				 ON CONFLICT(path) DO UPDATE SET oid = excluded.oid`, p, oid)
			return e
		}); err != nil {
			return fmt.Errorf("updating index for %s: %w", p, err)
		}
	}
	return nil
}

type statusRow struct {
	path       string
	headOID    string
	stageOID   string
}

// statusMatrix computes, for every path known to either HEAD's tree or
// the stage index, the (head, stage) oid pair.
func (s *Store) statusMatrix(ctx context.Context, headTree map[string]string) ([]statusRow, error) {
	rows, err := s.db.Read.QueryContext(ctx, `SELECT path, oid FROM stage_index`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stage := make(map[string]string)
	for rows.Next() {
		var p, oid string
		if err := rows.Scan(&p, &oid); err != nil {
			return nil, err
		}
		stage[p] = oid
	}

	seen := make(map[string]struct{})
	var out []statusRow
	for p, oid := range stage {
		out = append(out, statusRow{path: p, headOID: headTree[p], stageOID: oid})
		seen[p] = struct{}{}
	}
	for p, oid := range headTree {
		if _, ok := seen[p]; ok {
			continue
		}
		out = append(out, statusRow{path: p, headOID: oid, stageOID: ""})
	}
	return out, nil
}

// Commit stages files, then commits only if staged ≠ HEAD. Returns "" with a nil
// error when there is nothing to commit.
func (s *Store) Commit(ctx context.Context, files []core.FileState, message string, author core.CommitAuthor) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.stageLocked(ctx, files); err != nil {
		return "", err
	}

	headOID, err := s.headLocked(ctx)
	if err != nil {
		return "", err
	}

	headTree, err := s.treeAtCommit(ctx, headOID)
	if err != nil {
		return "", err
	}

	rows, err := s.statusMatrix(ctx, headTree)
	if err != nil {
		return "", err
	}

	changed := false
	for _, r := range rows {
		if r.headOID != r.stageOID {
			changed = true
			break
		}
	}
	if !changed {
		return "", nil
	}

	// Build the tree from the full staged index (flat logical-path
	// namespace; bottom-up nesting derived from "/" separators).
	indexRows, err := s.db.Read.QueryContext(ctx, `SELECT path, oid FROM stage_index`)
	if err != nil {
		return "", err
	}
	entries := make(map[string]string)
	for indexRows.Next() {
		var p, oid string
		if err := indexRows.Scan(&p, &oid); err != nil {
			indexRows.Close()
			return "", err
		}
		entries[p] = oid
	}
	indexRows.Close()

	treeOID, err := s.writeTree(ctx, entries)
	if err != nil {
		return "", err
	}

	if author.Name == "" {
		author = core.DefaultCommitAuthor
	}
	var parents []string
	if headOID != "" {
		parents = []string{headOID}
	}
	commitBody := encodeCommit(treeOID, parents, author, message, time.Now())
	oid, err := s.writeObject(ctx, kindCommit, commitBody)
	if err != nil {
		return "", err
	}

	if err := s.advanceHead(ctx, oid); err != nil {
		return "", err
	}
	return oid, nil
}

func (s *Store) advanceHead(ctx context.Context, oid string) error {
	return s.db.RetryWrite(ctx, "advanceHead", func() error {
		if _, e := s.db.Write.ExecContext(ctx,
			`INSERT INTO refs (name, oid) VALUES ('HEAD', ?) ON CONFLICT(name) DO UPDATE SET oid = excluded.oid`, oid); e != nil {
			return e
		}
		_, e := s.db.Write.ExecContext(ctx,
			`INSERT INTO refs (name, oid) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET oid = excluded.oid`,
			defaultBranchRef+s.branch, oid)
		return e
	})
}

// writeTree serializes a flat {path: blobOID} map into a single tree
// object. Paths are kept flat (no nested tree objects) for simplicity;
// each entry records its full logical path, mode and blob oid, sorted
// for hash stability.
func (s *Store) writeTree(ctx context.Context, entries map[string]string) (string, error) {
	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var b strings.Builder
	for _, p := range paths {
		fmt.Fprintf(&b, "100644 blob %s\t%s\n", entries[p], p)
	}
	return s.writeObject(ctx, kindTree, []byte(b.String()))
}

func decodeTree(data []byte) map[string]string {
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

func encodeCommit(treeOID string, parents []string, author core.CommitAuthor, message string, ts time.Time) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "tree %s\n", treeOID)
	for _, p := range parents {
		fmt.Fprintf(&b, "parent %s\n", p)
	}
	fmt.Fprintf(&b, "author %s <%s> %d\n", author.Name, author.Email, ts.Unix())
	fmt.Fprintf(&b, "\n%s", message)
	return []byte(b.String())
}

type decodedCommit struct {
	treeOID   string
	parents   []string
	author    string
	message   string
	timestamp time.Time
}

func decodeCommit(data []byte) (decodedCommit, error) {
	text := string(data)
	headerEnd := strings.Index(text, "\n\n")
	if headerEnd < 0 {
		return decodedCommit{}, fmt.Errorf("malformed commit object")
	}
	header := text[:headerEnd]
	message := text[headerEnd+2:]

	var dc decodedCommit
	dc.message = message
	for _, line := range strings.Split(header, "\n") {
		switch {
		case strings.HasPrefix(line, "tree "):
			dc.treeOID = strings.TrimPrefix(line, "tree ")
		case strings.HasPrefix(line, "parent "):
			dc.parents = append(dc.parents, strings.TrimPrefix(line, "parent "))
		case strings.HasPrefix(line, "author "):
			rest := strings.TrimPrefix(line, "author ")
			idx := strings.LastIndex(rest, " ")
			if idx > 0 {
				dc.author = rest[:idx]
				if ts, err := strconv.ParseInt(rest[idx+1:], 10, 64); err == nil {
					dc.timestamp = time.Unix(ts, 0).UTC()
				}
			} else {
				dc.author = rest
			}
		}
	}
	return dc, nil
}

// Log walks commits from HEAD parent-first. Returns an
// empty slice (not an error) if HEAD is unset.
func (s *Store) Log(ctx context.Context, limit int) ([]core.CommitInfo, error) {
	head, err := s.Head(ctx)
	if err != nil || head == "" {
		return nil, nil
	}

	var out []core.CommitInfo
	oid := head
	for oid != "" && (limit <= 0 || len(out) < limit) {
		kind, data, err := s.readObject(ctx, oid)
		if err != nil || kind != kindCommit {
			break
		}
		dc, err := decodeCommit(data)
		if err != nil {
			break
		}
		out = append(out, core.CommitInfo{
			OID:       oid,
			Message:   dc.message,
			Author:    dc.author,
			TreeOID:   dc.treeOID,
			Parents:   dc.parents,
			Timestamp: dc.timestamp,
		})
		if len(dc.parents) == 0 {
			break
		}
		oid = dc.parents[0]
	}
	return out, nil
}

// Show reads a commit and lists the files reachable from its tree.
func (s *Store) Show(ctx context.Context, oid string) (core.CommitListing, error) {
	kind, data, err := s.readObject(ctx, oid)
	if err != nil {
		return core.CommitListing{}, fmt.Errorf("reading commit %s: %w", oid, err)
	}
	if kind != kindCommit {
		return core.CommitListing{}, fmt.Errorf("%s is not a commit", oid)
	}
	dc, err := decodeCommit(data)
	if err != nil {
		return core.CommitListing{}, err
	}
	tree, err := s.treeAtCommit(ctx, oid)
	if err != nil {
		return core.CommitListing{}, err
	}
	files := make([]string, 0, len(tree))
	for p := range tree {
		files = append(files, p)
	}
	sort.Strings(files)
	return core.CommitListing{OID: oid, Message: dc.message, FileCount: len(files), Files: files}, nil
}

// treeAtCommit resolves the flat path→blobOID map for a commit, or an
// empty map if oid is "".
func (s *Store) treeAtCommit(ctx context.Context, oid string) (map[string]string, error) {
	if oid == "" {
		return map[string]string{}, nil
	}
	_, data, err := s.readObject(ctx, oid)
	if err != nil {
		return nil, fmt.Errorf("reading commit %s: %w", oid, err)
	}
	dc, err := decodeCommit(data)
	if err != nil {
		return nil, err
	}
	_, treeData, err := s.readObject(ctx, dc.treeOID)
	if err != nil {
		return nil, fmt.Errorf("reading tree %s: %w", dc.treeOID, err)
	}
	return decodeTree(treeData), nil
}

// Reset resolves ref→oid, rewrites HEAD, and (if hard) rebuilds the
// stage index to match the target tree, returning the number of files
// touched.
func (s *Store) Reset(ctx context.Context, ref string, hard bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oid, err := s.resolveRef(ctx, ref)
	if err != nil {
		return 0, err
	}

	if err := s.db.RetryWrite(ctx, "reset", func() error {
		_, e := s.db.Write.ExecContext(ctx,
			`INSERT INTO refs (name, oid) VALUES ('HEAD', ?) ON CONFLICT(name) DO UPDATE SET oid = excluded.oid`, oid)
		return e
	}); err != nil {
		return 0, err
	}

	if !hard {
		return 0, nil
	}

	tree, err := s.treeAtCommit(ctx, oid)
	if err != nil {
		return 0, err
	}

	count := 0
	if err := s.db.RetryWrite(ctx, "reset-checkout", func() error {
		tx, e := s.db.Write.BeginTx(ctx, nil)
		if e != nil {
			return e
		}
		if _, e := tx.ExecContext(ctx, `DELETE FROM stage_index`); e != nil {
			_ = tx.Rollback()
			return e
		}
		for p, blobOID := range tree {
			if _, e := tx.ExecContext(ctx, `INSERT INTO stage_index (path, oid) VALUES (?, ?)`, p, blobOID); e != nil {
				_ = tx.Rollback()
				return e
			}
			count++
		}
		return tx.Commit()
	}); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) resolveRef(ctx context.Context, ref string) (string, error) {
	var oid string
	err := s.db.Read.QueryRowContext(ctx, `SELECT oid FROM refs WHERE name = ?`, ref).Scan(&oid)
	if err == nil {
		return oid, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}
	// Not a known ref name: treat ref as a literal oid if it resolves to
	// an object.
	if _, _, e := s.readObject(ctx, ref); e == nil {
		return ref, nil
	}
	return "", fmt.Errorf("unresolvable ref: %s", ref)
}

// Head returns HEAD's oid ("" if unset), bounded by a 5s watchdog: a timeout is treated as "no HEAD" by the caller.
func (s *Store) Head(ctx context.Context) (string, error) {
	type result struct {
		oid string
		err error
	}
	done := make(chan result, 1)
	go func() {
		oid, err := s.headLocked(ctx)
		done <- result{oid, err}
	}()

	select {
	case r := <-done:
		return r.oid, r.err
	case <-time.After(headWatchdog):
		return "", core.ErrTimeout("getHead timed out")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Store) headLocked(ctx context.Context) (string, error) {
	var oid string
	err := s.db.Read.QueryRowContext(ctx, `SELECT oid FROM refs WHERE name = 'HEAD'`).Scan(&oid)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return oid, nil
}

// ReadFilesFromCommit walks a commit's tree and decodes each blob as
// UTF-8, skipping any blob containing a null byte (binary heuristic).
func (s *Store) ReadFilesFromCommit(ctx context.Context, oid string) ([]core.FileState, error) {
	tree, err := s.treeAtCommit(ctx, oid)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(tree))
	for p := range tree {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	out := make([]core.FileState, 0, len(paths))
	for _, p := range paths {
		_, data, err := s.readObject(ctx, tree[p])
		if err != nil {
			continue
		}
		if strings.ContainsRune(string(data), 0) {
			continue
		}
		out = append(out, core.FileState{Path: p, Contents: string(data)})
	}
	return out, nil
}

// ExportObjects streams every stored object for external replay.
func (s *Store) ExportObjects(ctx context.Context) (<-chan core.ObjectRecord, error) {
	rows, err := s.db.Read.QueryContext(ctx, `SELECT oid, kind, data FROM objects`)
	if err != nil {
		return nil, err
	}
	out := make(chan core.ObjectRecord)
	go func() {
		defer rows.Close()
		defer close(out)
		for rows.Next() {
			var rec core.ObjectRecord
			if err := rows.Scan(&rec.OID, &rec.Kind, &rec.Data); err != nil {
				return
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ImportObjects writes a batch of previously-exported objects verbatim,
// used for the export→import→log round trip and by the
// GitHub export pipeline's local replay.
func (s *Store) ImportObjects(ctx context.Context, objects []core.ObjectRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, obj := range objects {
		if err := s.db.RetryWrite(ctx, "importObject", func() error {
			_, e := s.db.Write.ExecContext(ctx,
				`INSERT OR IGNORE INTO objects (oid, kind, data) VALUES (?, ?, ?)`, obj.OID, obj.Kind, obj.Data)
			return e
		}); err != nil {
			return err
		}
	}
	return nil
}
