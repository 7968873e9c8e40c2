/*
Copyright 2025 The AddLidar Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package catalog is the durable state store for the LiDAR estate: one
// row per mission folder and one row per mission metacloud manifest,
// keyed by folder_key and mission_key respectively. SQLite in WAL mode
// is the backing store; every exported call is a single transaction.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when no record exists for the given key.
var ErrNotFound = errors.New("catalog: record not found")

// Processing statuses stored in the processing_status column.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

const schema = `
CREATE TABLE IF NOT EXISTS folder_state (
	folder_key TEXT PRIMARY KEY,
	mission_key TEXT,
	fp TEXT,
	size_kb INT,
	file_count INT,
	last_checked INT,
	last_processed INT,
	processing_time INT,
	processing_status TEXT,
	error_message TEXT,
	output_path TEXT
);
CREATE INDEX IF NOT EXISTS idx_folder_key ON folder_state (folder_key);
CREATE TABLE IF NOT EXISTS potree_metacloud_state (
	mission_key TEXT PRIMARY KEY,
	fp TEXT,
	output_path TEXT,
	last_checked INT,
	last_processed INT,
	processing_time INT,
	processing_status TEXT,
	error_message TEXT
);
`

// FolderRecord is one row of folder_state.
type FolderRecord struct {
	FolderKey     string  `json:"folder_key"`
	MissionKey    string  `json:"mission_key"`
	Fingerprint   string  `json:"fp"`
	SizeKB        int64   `json:"size_kb"`
	FileCount     int64   `json:"file_count"`
	LastChecked   int64   `json:"last_checked"`
	LastProcessed *int64  `json:"last_processed"`
	ProcessingS   *int64  `json:"processing_time"`
	Status        string  `json:"processing_status"`
	ErrorMessage  *string `json:"error_message"`
	OutputPath    string  `json:"output_path"`
}

// MissionRecord is one row of potree_metacloud_state.
type MissionRecord struct {
	MissionKey    string  `json:"mission_key"`
	Fingerprint   string  `json:"fp"`
	OutputPath    string  `json:"output_path"`
	LastChecked   int64   `json:"last_checked"`
	LastProcessed *int64  `json:"last_processed"`
	ProcessingS   *int64  `json:"processing_time"`
	Status        string  `json:"processing_status"`
	ErrorMessage  *string `json:"error_message"`
}

// StatusCount is one row of the processing status overview.
type StatusCount struct {
	Table  string `json:"table_name"`
	Status string `json:"processing_status"`
	Count  int64  `json:"count"`
}

// Store wraps the SQLite database holding the catalog.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the catalog at path. The parent
// directory is created if missing. The connection uses WAL journaling
// and a 10s busy timeout so concurrent scanners and controllers block
// briefly instead of failing on lock contention.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating catalog directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=10000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing catalog schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const folderColumns = `folder_key, mission_key, fp, size_kb, file_count,
	last_checked, last_processed, processing_time, processing_status,
	error_message, output_path`

func scanFolder(row interface{ Scan(...interface{}) error }) (*FolderRecord, error) {
	var r FolderRecord
	var status, errMsg, outputPath sql.NullString
	var lastProcessed, processingTime sql.NullInt64
	err := row.Scan(&r.FolderKey, &r.MissionKey, &r.Fingerprint, &r.SizeKB,
		&r.FileCount, &r.LastChecked, &lastProcessed, &processingTime,
		&status, &errMsg, &outputPath)
	if err != nil {
		return nil, err
	}
	r.Status = status.String
	r.OutputPath = outputPath.String
	if lastProcessed.Valid {
		r.LastProcessed = &lastProcessed.Int64
	}
	if processingTime.Valid {
		r.ProcessingS = &processingTime.Int64
	}
	if errMsg.Valid {
		r.ErrorMessage = &errMsg.String
	}
	return &r, nil
}

// GetFolder returns the folder record for key, or ErrNotFound.
func (s *Store) GetFolder(key string) (*FolderRecord, error) {
	row := s.db.QueryRow(`SELECT `+folderColumns+` FROM folder_state WHERE folder_key = ?`, key)
	rec, err := scanFolder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// UpsertFolderOnChange inserts or updates the folder record, resetting
// last_processed and setting processing_status to pending. Called by
// the change detector whenever the folder needs (re)processing.
func (s *Store) UpsertFolderOnChange(rec *FolderRecord) error {
	_, err := s.db.Exec(`INSERT INTO folder_state
		(folder_key, mission_key, fp, size_kb, file_count, last_checked,
		 last_processed, processing_time, processing_status, error_message, output_path)
		VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, ?, NULL, ?)
		ON CONFLICT(folder_key) DO UPDATE SET
		mission_key = excluded.mission_key,
		fp = excluded.fp,
		size_kb = excluded.size_kb,
		file_count = excluded.file_count,
		last_checked = excluded.last_checked,
		last_processed = NULL,
		processing_time = NULL,
		processing_status = excluded.processing_status,
		error_message = NULL,
		output_path = excluded.output_path`,
		rec.FolderKey, rec.MissionKey, rec.Fingerprint, rec.SizeKB,
		rec.FileCount, rec.LastChecked, StatusPending, rec.OutputPath)
	return err
}

// TouchFolder updates last_checked without altering processing state.
// Used when a scan sees a folder that has not changed.
func (s *Store) TouchFolder(key string, now int64) error {
	_, err := s.db.Exec(`UPDATE folder_state SET last_checked = ? WHERE folder_key = ?`, now, key)
	return err
}

// MarkFolderRunning transitions a folder record to running.
func (s *Store) MarkFolderRunning(key string) error {
	_, err := s.db.Exec(`UPDATE folder_state SET processing_status = ?, error_message = NULL
		WHERE folder_key = ?`, StatusRunning, key)
	return err
}

// MarkFolderTerminal records the outcome of a processing attempt.
// elapsed is the processing duration in seconds; errMsg is stored only
// for failures. last_checked moves forward with last_processed so a
// terminal row never claims to have been processed after its last
// check.
func (s *Store) MarkFolderTerminal(key, terminalStatus string, elapsed int64, errMsg string, now int64) error {
	if terminalStatus != StatusComplete && terminalStatus != StatusFailed {
		return fmt.Errorf("catalog: %q is not a terminal status", terminalStatus)
	}
	var msg interface{}
	if errMsg != "" {
		msg = errMsg
	}
	_, err := s.db.Exec(`UPDATE folder_state SET processing_status = ?,
		last_checked = ?, last_processed = ?, processing_time = ?, error_message = ?
		WHERE folder_key = ?`, terminalStatus, now, now, elapsed, msg, key)
	return err
}

// MarkFolderComplete marks a folder complete if it is not already, and
// reports whether a row was updated. The archive completion monitor
// uses this when an archive lands on disk.
func (s *Store) MarkFolderComplete(key string, now int64) (bool, error) {
	res, err := s.db.Exec(`UPDATE folder_state SET processing_status = ?,
		last_checked = ?, last_processed = ?, error_message = NULL
		WHERE folder_key = ? AND processing_status != ?`,
		StatusComplete, now, now, key, StatusComplete)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// InsertFolderComplete writes a fully-populated complete record. Used by
// the catalog rebuilder when reconstructing state from disk.
func (s *Store) InsertFolderComplete(rec *FolderRecord) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO folder_state
		(folder_key, mission_key, fp, size_kb, file_count, last_checked,
		 last_processed, processing_time, processing_status, error_message, output_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, NULL, ?)`,
		rec.FolderKey, rec.MissionKey, rec.Fingerprint, rec.SizeKB,
		rec.FileCount, rec.LastChecked, rec.LastProcessed, StatusComplete, rec.OutputPath)
	return err
}

// ListFolders returns folder records ordered by last_checked descending.
func (s *Store) ListFolders(limit, offset int) ([]FolderRecord, error) {
	return s.queryFolders(`SELECT `+folderColumns+` FROM folder_state
		ORDER BY last_checked DESC LIMIT ? OFFSET ?`, limit, offset)
}

// ListFoldersBySubpath returns records whose folder_key starts with prefix.
// The prefix matches literally; LIKE wildcards in it are escaped.
func (s *Store) ListFoldersBySubpath(prefix string, limit, offset int) ([]FolderRecord, error) {
	return s.queryFolders(`SELECT `+folderColumns+` FROM folder_state
		WHERE folder_key LIKE ? ESCAPE '\' ORDER BY last_checked DESC LIMIT ? OFFSET ?`,
		escapeLike(prefix)+"%", limit, offset)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// ListFoldersByMission returns records for one mission.
func (s *Store) ListFoldersByMission(missionKey string, limit, offset int) ([]FolderRecord, error) {
	return s.queryFolders(`SELECT `+folderColumns+` FROM folder_state
		WHERE mission_key = ? ORDER BY last_checked DESC LIMIT ? OFFSET ?`,
		missionKey, limit, offset)
}

// ListFoldersByStatus returns records in the given processing status.
func (s *Store) ListFoldersByStatus(processingStatus string) ([]FolderRecord, error) {
	return s.queryFolders(`SELECT `+folderColumns+` FROM folder_state
		WHERE processing_status = ? ORDER BY folder_key`, processingStatus)
}

func (s *Store) queryFolders(query string, args ...interface{}) ([]FolderRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FolderRecord
	for rows.Next() {
		rec, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

const missionColumns = `mission_key, fp, output_path, last_checked,
	last_processed, processing_time, processing_status, error_message`

func scanMission(row interface{ Scan(...interface{}) error }) (*MissionRecord, error) {
	var r MissionRecord
	var fp, outputPath, status, errMsg sql.NullString
	var lastProcessed, processingTime sql.NullInt64
	err := row.Scan(&r.MissionKey, &fp, &outputPath, &r.LastChecked,
		&lastProcessed, &processingTime, &status, &errMsg)
	if err != nil {
		return nil, err
	}
	r.Fingerprint = fp.String
	r.OutputPath = outputPath.String
	r.Status = status.String
	if lastProcessed.Valid {
		r.LastProcessed = &lastProcessed.Int64
	}
	if processingTime.Valid {
		r.ProcessingS = &processingTime.Int64
	}
	if errMsg.Valid {
		r.ErrorMessage = &errMsg.String
	}
	return &r, nil
}

// GetMission returns the metacloud record for missionKey, or ErrNotFound.
func (s *Store) GetMission(missionKey string) (*MissionRecord, error) {
	row := s.db.QueryRow(`SELECT `+missionColumns+` FROM potree_metacloud_state
		WHERE mission_key = ?`, missionKey)
	rec, err := scanMission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// UpsertMissionOnChange inserts or updates the metacloud record,
// resetting last_processed and setting processing_status to pending.
func (s *Store) UpsertMissionOnChange(rec *MissionRecord) error {
	_, err := s.db.Exec(`INSERT INTO potree_metacloud_state
		(mission_key, fp, output_path, last_checked, last_processed,
		 processing_time, processing_status, error_message)
		VALUES (?, ?, ?, ?, NULL, NULL, ?, NULL)
		ON CONFLICT(mission_key) DO UPDATE SET
		fp = excluded.fp,
		output_path = excluded.output_path,
		last_checked = excluded.last_checked,
		last_processed = NULL,
		processing_time = NULL,
		processing_status = excluded.processing_status,
		error_message = NULL`,
		rec.MissionKey, rec.Fingerprint, rec.OutputPath, rec.LastChecked, StatusPending)
	return err
}

// TouchMission updates last_checked on an unchanged metacloud record.
func (s *Store) TouchMission(missionKey string, now int64) error {
	_, err := s.db.Exec(`UPDATE potree_metacloud_state SET last_checked = ?
		WHERE mission_key = ?`, now, missionKey)
	return err
}

// MarkMissionRunning transitions a metacloud record to running.
func (s *Store) MarkMissionRunning(missionKey string) error {
	_, err := s.db.Exec(`UPDATE potree_metacloud_state SET processing_status = ?,
		error_message = NULL WHERE mission_key = ?`, StatusRunning, missionKey)
	return err
}

// MarkMissionTerminal records the outcome of a conversion attempt.
// last_checked moves forward with last_processed, as in
// MarkFolderTerminal.
func (s *Store) MarkMissionTerminal(missionKey, terminalStatus string, elapsed int64, errMsg string, now int64) error {
	if terminalStatus != StatusComplete && terminalStatus != StatusFailed {
		return fmt.Errorf("catalog: %q is not a terminal status", terminalStatus)
	}
	var msg interface{}
	if errMsg != "" {
		msg = errMsg
	}
	_, err := s.db.Exec(`UPDATE potree_metacloud_state SET processing_status = ?,
		last_checked = ?, last_processed = ?, processing_time = ?, error_message = ?
		WHERE mission_key = ?`, terminalStatus, now, now, elapsed, msg, missionKey)
	return err
}

// ListMissions returns metacloud records ordered by last_checked descending.
func (s *Store) ListMissions(limit, offset int) ([]MissionRecord, error) {
	rows, err := s.db.Query(`SELECT `+missionColumns+` FROM potree_metacloud_state
		ORDER BY last_checked DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MissionRecord
	for rows.Next() {
		rec, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ListMissionsByStatus returns metacloud records in the given status.
func (s *Store) ListMissionsByStatus(processingStatus string) ([]MissionRecord, error) {
	rows, err := s.db.Query(`SELECT `+missionColumns+` FROM potree_metacloud_state
		WHERE processing_status = ? ORDER BY mission_key`, processingStatus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MissionRecord
	for rows.Next() {
		rec, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// StatusOverview returns processing status counts for both tables.
func (s *Store) StatusOverview() ([]StatusCount, error) {
	rows, err := s.db.Query(`
		SELECT 'folder_state' AS table_name, processing_status, COUNT(*) AS count
		FROM folder_state GROUP BY processing_status
		UNION ALL
		SELECT 'potree_metacloud_state' AS table_name, processing_status, COUNT(*) AS count
		FROM potree_metacloud_state GROUP BY processing_status
		ORDER BY table_name, processing_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StatusCount
	for rows.Next() {
		var c StatusCount
		var status sql.NullString
		if err := rows.Scan(&c.Table, &status, &c.Count); err != nil {
			return nil, err
		}
		c.Status = status.String
		out = append(out, c)
	}
	return out, rows.Err()
}
