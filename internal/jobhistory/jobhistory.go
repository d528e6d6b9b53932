// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

// Package jobhistory archives the outcomes of completed dispatches
// in a local SQLite database.
package jobhistory

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Outcome values recorded for a dispatch.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// An Entry is one completed dispatch.
type Entry struct {
	JobID string
	// Ref is the branch or package reference the job named.
	Ref string
	// Outcome is [OutcomeOK] or [OutcomeFailed].
	Outcome string
	// RevisionID is the worker's success payload, if any.
	RevisionID string
	// Reason describes a failed dispatch.
	Reason     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// An Archive is an append-mostly record of dispatch outcomes.
// Methods on Archive are safe to call from multiple goroutines concurrently.
type Archive struct {
	pool *sqlitemigration.Pool
}

// Open returns an [Archive] backed by the database at path,
// creating and migrating it as needed.
func Open(path string) *Archive {
	pool := sqlitemigration.NewPool(path, schema(), sqlitemigration.Options{
		Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
		PrepareConn: prepareConn,
		OnError: func(err error) {
			log.Errorf(context.Background(), "Job history migration: %v", err)
		},
	})
	return &Archive{pool: pool}
}

// Close releases the archive's database connections.
func (a *Archive) Close() error {
	return a.pool.Close()
}

func schema() sqlitemigration.Schema {
	return sqlitemigration.Schema{
		Migrations: []string{
			`CREATE TABLE "dispatches" (
				"id" INTEGER PRIMARY KEY,
				"job_id" TEXT NOT NULL,
				"ref" TEXT NOT NULL DEFAULT '',
				"outcome" TEXT NOT NULL,
				"revision_id" TEXT NOT NULL DEFAULT '',
				"reason" TEXT NOT NULL DEFAULT '',
				"started_at" INTEGER NOT NULL,
				"finished_at" INTEGER NOT NULL
			);
			CREATE INDEX "dispatches_by_job" ON "dispatches" ("job_id");`,
		},
	}
}

func prepareConn(conn *sqlite.Conn) error {
	return sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil)
}

// Record appends an entry to the archive.
func (a *Archive) Record(ctx context.Context, e *Entry) error {
	conn, err := a.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("record dispatch %s: %w", e.JobID, err)
	}
	defer a.pool.Put(conn)
	err = sqlitex.Execute(
		conn,
		`INSERT INTO "dispatches" `+
			`("job_id", "ref", "outcome", "revision_id", "reason", "started_at", "finished_at") `+
			`VALUES (?, ?, ?, ?, ?, ?, ?);`,
		&sqlitex.ExecOptions{
			Args: []any{
				e.JobID,
				e.Ref,
				e.Outcome,
				e.RevisionID,
				e.Reason,
				e.StartedAt.UnixMilli(),
				e.FinishedAt.UnixMilli(),
			},
		},
	)
	if err != nil {
		return fmt.Errorf("record dispatch %s: %w", e.JobID, err)
	}
	return nil
}

// List returns the most recent entries, newest first.
// limit <= 0 means no limit.
func (a *Archive) List(ctx context.Context, limit int) ([]*Entry, error) {
	conn, err := a.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}
	defer a.pool.Put(conn)
	if limit <= 0 {
		limit = -1
	}
	var entries []*Entry
	err = sqlitex.Execute(
		conn,
		`SELECT "job_id", "ref", "outcome", "revision_id", "reason", "started_at", "finished_at" `+
			`FROM "dispatches" ORDER BY "id" DESC LIMIT ?;`,
		&sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = append(entries, &Entry{
					JobID:      stmt.ColumnText(0),
					Ref:        stmt.ColumnText(1),
					Outcome:    stmt.ColumnText(2),
					RevisionID: stmt.ColumnText(3),
					Reason:     stmt.ColumnText(4),
					StartedAt:  time.UnixMilli(stmt.ColumnInt64(5)),
					FinishedAt: time.UnixMilli(stmt.ColumnInt64(6)),
				})
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}
	return entries, nil
}
