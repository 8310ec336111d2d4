// Package sqlite persists the registration pose journal in SQLite.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/localise/internal/cloud"
)

// ErrNotFound is returned when a session has no journalled poses.
var ErrNotFound = errors.New("pose not found")

// PoseRecord is one registration attempt and the pose it left behind.
// Failed registrations are journalled too, carrying the unchanged pose.
type PoseRecord struct {
	PoseID     string          `json:"pose_id"`
	SessionID  string          `json:"session_id"`
	Transform  cloud.Transform `json:"transform"`
	Converged  bool            `json:"converged"`
	Fitness    float64         `json:"fitness"`
	Iterations int             `json:"iterations"`
	Quality    string          `json:"quality"`
	PointCount int             `json:"point_count"`
	CreatedAt  int64           `json:"created_at"`
}

// PoseStore provides persistence for registration poses.
type PoseStore struct {
	db *sql.DB
}

// OpenPoseStore opens (or creates) the database at path and brings its
// schema up to date.
func OpenPoseStore(path string) (*PoseStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if err := MigrateUp(db, MigrationsFS()); err != nil {
		db.Close()
		return nil, err
	}
	return NewPoseStore(db), nil
}

// NewPoseStore wraps an already migrated database.
func NewPoseStore(db *sql.DB) *PoseStore {
	return &PoseStore{db: db}
}

// DB returns the underlying handle.
func (s *PoseStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *PoseStore) Close() error { return s.db.Close() }

// InsertPose persists rec. An empty PoseID gets a UUID and a zero
// CreatedAt gets the current time; both are written back to rec.
func (s *PoseStore) InsertPose(rec *PoseRecord) error {
	if rec.PoseID == "" {
		rec.PoseID = uuid.New().String()
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().UnixNano()
	}

	transformJSON, err := json.Marshal(rec.Transform)
	if err != nil {
		return fmt.Errorf("marshal transform: %w", err)
	}

	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO registration_poses (
				pose_id, session_id, transform_json, converged,
				fitness, iterations, quality, point_count, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.PoseID, rec.SessionID, string(transformJSON), rec.Converged,
			rec.Fitness, rec.Iterations, rec.Quality, rec.PointCount, rec.CreatedAt,
		)
		return err
	})
}

// ListPoses returns the most recent limit poses of a session in
// chronological order. A limit of zero or less returns them all.
func (s *PoseStore) ListPoses(sessionID string, limit int) ([]*PoseRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT pose_id, session_id, transform_json, converged,
		       fitness, iterations, quality, point_count, created_at
		FROM (
			SELECT rowid AS seq, * FROM registration_poses
			WHERE session_id = ?
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, seq ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query poses: %w", err)
	}
	defer rows.Close()

	var out []*PoseRecord
	for rows.Next() {
		rec, err := scanPose(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestPose returns the newest pose of a session, or ErrNotFound.
func (s *PoseStore) LatestPose(sessionID string) (*PoseRecord, error) {
	row := s.db.QueryRow(`
		SELECT pose_id, session_id, transform_json, converged,
		       fitness, iterations, quality, point_count, created_at
		FROM registration_poses
		WHERE session_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`, sessionID)

	rec, err := scanPose(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPose(sc scanner) (*PoseRecord, error) {
	var rec PoseRecord
	var transformJSON string
	if err := sc.Scan(&rec.PoseID, &rec.SessionID, &transformJSON, &rec.Converged,
		&rec.Fitness, &rec.Iterations, &rec.Quality, &rec.PointCount, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan pose: %w", err)
	}
	if err := json.Unmarshal([]byte(transformJSON), &rec.Transform); err != nil {
		return nil, fmt.Errorf("unmarshal transform for pose %s: %w", rec.PoseID, err)
	}
	return &rec, nil
}
