// Package project implements the process-wide application database:
// one row per agent's project, the template it started from, and its
// last known screenshot URL. Shares its sqlite connection/migration
// idiom with internal/convo and internal/workspace.
package project

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/forgecode/forge/internal/core"
	"github.com/forgecode/forge/internal/storekit"
)

const migrationsKey = "project"

const migrationV1 = `
CREATE TABLE IF NOT EXISTS apps (
	agent_id      TEXT PRIMARY KEY,
	project_name  TEXT NOT NULL,
	template_name TEXT NOT NULL,
	screenshot_url TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
`

// Store is a sqlite-backed core.AppService.
type Store struct {
	db *storekit.DB
}

// Open opens or creates the application database at path.
func Open(path string) (*Store, error) {
	db, err := storekit.Open(path, migrationsKey, []string{migrationV1})
	if err != nil {
		return nil, fmt.Errorf("opening application store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

var _ core.AppService = (*Store)(nil)

// SaveApp implements core.AppService, upserting the row for app.AgentID.
func (s *Store) SaveApp(ctx context.Context, app core.AppRecord) error {
	now := time.Now().UTC().Format(time.RFC3339)
	return s.db.RetryWrite(ctx, "save app", func() error {
		_, err := s.db.Write.ExecContext(ctx, `
			INSERT INTO apps (agent_id, project_name, template_name, screenshot_url, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET
				project_name = excluded.project_name,
				template_name = excluded.template_name,
				updated_at = excluded.updated_at
		`, string(app.AgentID), app.ProjectName, app.TemplateName, app.ScreenshotURL, now, now)
		return err
	})
}

// GetApp implements core.AppService.
func (s *Store) GetApp(ctx context.Context, agentID core.AgentID) (core.AppRecord, error) {
	row := s.db.Read.QueryRowContext(ctx, `
		SELECT agent_id, project_name, template_name, screenshot_url, created_at, updated_at
		FROM apps WHERE agent_id = ?
	`, string(agentID))

	var rec core.AppRecord
	var id, createdAt, updatedAt string
	err := row.Scan(&id, &rec.ProjectName, &rec.TemplateName, &rec.ScreenshotURL, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return core.AppRecord{}, core.ErrNotFound("app", string(agentID))
	}
	if err != nil {
		return core.AppRecord{}, fmt.Errorf("loading app %s: %w", agentID, err)
	}
	rec.AgentID = core.AgentID(id)
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return rec, nil
}

// UpdateAppScreenshot implements core.AppService.
func (s *Store) UpdateAppScreenshot(ctx context.Context, agentID core.AgentID, url string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	return s.db.RetryWrite(ctx, "update app screenshot", func() error {
		res, err := s.db.Write.ExecContext(ctx, `
			UPDATE apps SET screenshot_url = ?, updated_at = ? WHERE agent_id = ?
		`, url, now, string(agentID))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return core.ErrNotFound("app", string(agentID))
		}
		return nil
	})
}
