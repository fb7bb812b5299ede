//
// Copyright (C) 2026 Stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//
//

// Package sqlite provides SQLite-based snapshot storage for execution state
// persistence and recovery across process restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stepflow-ai/stepflow/exec"
)

const (
	sqliteCreateSnapshots = "CREATE TABLE IF NOT EXISTS snapshots (" +
		"snapshot_id TEXT NOT NULL, " +
		"frame_id TEXT NOT NULL, " +
		"parent_snapshot_id TEXT, " +
		"source TEXT NOT NULL, " +
		"step INTEGER NOT NULL, " +
		"ts INTEGER NOT NULL, " +
		"snapshot_json BLOB NOT NULL, " +
		"PRIMARY KEY (snapshot_id)" +
		")"

	sqliteCreateFrameIndex = "CREATE INDEX IF NOT EXISTS idx_snapshots_frame " +
		"ON snapshots (frame_id, ts)"

	sqliteInsertSnapshot = "INSERT OR REPLACE INTO snapshots (" +
		"snapshot_id, frame_id, parent_snapshot_id, source, step, ts, snapshot_json) " +
		"VALUES (?, ?, ?, ?, ?, ?, ?)"

	sqliteSelectByID = "SELECT snapshot_json FROM snapshots WHERE snapshot_id = ? LIMIT 1"

	sqliteSelectByFrame = "SELECT snapshot_json FROM snapshots " +
		"WHERE frame_id = ? ORDER BY ts DESC, snapshot_id DESC"

	sqliteDeleteFrame = "DELETE FROM snapshots WHERE frame_id = ?"
)

// Store is a SQLite-backed implementation of exec.SnapshotStore.
// It expects an initialized *sql.DB and will create the required schema.
// The entire snapshot is stored as a JSON blob alongside the columns used
// for lookup and ordering. It is suitable for production usage when paired
// with a persistent DB file.
type Store struct {
	db *sql.DB
}

// New creates a new store using the provided DB.
// The DB must use a SQLite driver. The constructor creates tables if needed.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if _, err := db.Exec(sqliteCreateSnapshots); err != nil {
		return nil, fmt.Errorf("create snapshots table: %w", err)
	}
	if _, err := db.Exec(sqliteCreateFrameIndex); err != nil {
		return nil, fmt.Errorf("create frame index: %w", err)
	}
	return &Store{db: db}, nil
}

// Save persists the snapshot as a JSON blob and returns its id.
func (s *Store) Save(ctx context.Context, snapshot *exec.Snapshot) (string, error) {
	if snapshot == nil {
		return "", errors.New("snapshot is nil")
	}
	if snapshot.ID == "" || snapshot.FrameID == "" {
		return "", errors.New("snapshot id and frame id are required")
	}
	blob, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqliteInsertSnapshot,
		snapshot.ID,
		snapshot.FrameID,
		snapshot.ParentID,
		snapshot.Source,
		snapshot.Step,
		snapshot.Timestamp.UnixNano(),
		blob,
	)
	if err != nil {
		return "", fmt.Errorf("insert snapshot: %w", err)
	}
	return snapshot.ID, nil
}

// Load returns the snapshot with the given id.
func (s *Store) Load(ctx context.Context, id string) (*exec.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, sqliteSelectByID, id)
	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, exec.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	var snap exec.Snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// List returns all snapshots for a frame, newest first.
func (s *Store) List(ctx context.Context, frameID string) ([]*exec.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelectByFrame, frameID)
	if err != nil {
		return nil, fmt.Errorf("select frame snapshots: %w", err)
	}
	defer rows.Close()
	var out []*exec.Snapshot
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		var snap exec.Snapshot
		if err := json.Unmarshal(blob, &snap); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		out = append(out, &snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot rows: %w", err)
	}
	return out, nil
}

// DeleteFrame removes all snapshots belonging to a frame.
func (s *Store) DeleteFrame(ctx context.Context, frameID string) error {
	if _, err := s.db.ExecContext(ctx, sqliteDeleteFrame, frameID); err != nil {
		return fmt.Errorf("delete frame snapshots: %w", err)
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	return s.db.Close()
}
