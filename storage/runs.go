package storage

import (
	"database/sql"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// RecordRun inserts run, assigning a RunID when empty, and returns the id.
func (s *Store) RecordRun(run SyncRun) (string, error) {
	if strings.TrimSpace(run.Host) == "" {
		return "", errors.New("host is required")
	}
	if err := validateDirection(run.Direction); err != nil {
		return "", err
	}
	if err := validateRunStatus(run.Status); err != nil {
		return "", err
	}
	if run.RunID == "" {
		run.RunID = uuid.NewString()
	}
	now := nowUnixMilli()
	if run.StartedAt == 0 {
		run.StartedAt = now
	}
	if run.FinishedAt == 0 {
		run.FinishedAt = now
	}

	_, err := s.db.Exec(
		`INSERT INTO sync_runs (
			run_id,
			host,
			direction,
			categories,
			status,
			detail,
			backup_name,
			started_at,
			finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID,
		run.Host,
		run.Direction,
		strings.Join(run.Categories, ","),
		run.Status,
		run.Detail,
		run.BackupName,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return "", errors.Wrapf(err, "insert sync run %q", run.RunID)
	}
	return run.RunID, s.pruneExpired("sync_runs", "started_at")
}

// GetRun loads one run by id.
func (s *Store) GetRun(runID string) (*SyncRun, error) {
	row := s.db.QueryRow(selectRuns+` WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "get sync run %q", runID)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(filter RunFilter) ([]SyncRun, error) {
	limit := clampLimit(filter.Limit, 50)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		where []string
		args  []any
	)
	if filter.Host != "" {
		where = append(where, "host = ?")
		args = append(args, filter.Host)
	}
	if filter.Since > 0 {
		where = append(where, "started_at >= ?")
		args = append(args, filter.Since)
	}
	query := selectRuns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY started_at DESC, run_id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list sync runs")
	}
	defer rows.Close()

	runs := make([]SyncRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan sync run row")
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate sync run rows")
	}
	return runs, nil
}

const selectRuns = `SELECT
		run_id,
		host,
		direction,
		categories,
		status,
		detail,
		backup_name,
		started_at,
		finished_at
	FROM sync_runs`

func scanRun(row scanner) (*SyncRun, error) {
	var (
		run        SyncRun
		categories string
	)
	if err := row.Scan(
		&run.RunID,
		&run.Host,
		&run.Direction,
		&categories,
		&run.Status,
		&run.Detail,
		&run.BackupName,
		&run.StartedAt,
		&run.FinishedAt,
	); err != nil {
		return nil, err
	}
	if categories != "" {
		run.Categories = strings.Split(categories, ",")
	}
	return &run, nil
}
