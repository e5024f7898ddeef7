package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite stores sessions in a local SQLite file
type SQLite struct {
	db   *sql.DB
	path string
}

// NewSQLite opens (creating if needed) the database at path, enables
// foreign keys and runs migrations.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// One writer at a time; concurrent connections only produce SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}

	s := &SQLite{db: db, path: path}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLite) runMigrations() error {
	for _, m := range sqliteMigrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// DB returns the underlying connection
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// SaveSession implements Store.
func (s *SQLite) SaveSession(ctx context.Context, r Record) error {
	cols, err := encodeStats(r.Stats)
	if err != nil {
		return err
	}
	st := r.Stats
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, started_at, updated_at, total_unique_faces, peak_faces, frames,
			age_samples, mean_age, age_stddev, emotions, genders)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			updated_at = excluded.updated_at,
			total_unique_faces = excluded.total_unique_faces,
			peak_faces = excluded.peak_faces,
			frames = excluded.frames,
			age_samples = excluded.age_samples,
			mean_age = excluded.mean_age,
			age_stddev = excluded.age_stddev,
			emotions = excluded.emotions,
			genders = excluded.genders`,
		r.SessionID, st.StartedAt.UnixMilli(), r.UpdatedAt.UnixMilli(), st.TotalUniqueFaces, st.PeakFaces,
		int64(st.Frames), st.AgeSamples, st.MeanAge, st.AgeStdDev, string(cols.emotions), string(cols.genders),
	)
	if err != nil {
		return fmt.Errorf("store: save session %s: %w", r.SessionID, err)
	}
	return nil
}

// SaveTrack implements Store. The session must already be saved.
func (s *SQLite) SaveTrack(ctx context.Context, t TrackRecord) error {
	var age sql.NullFloat64
	if t.Age != nil {
		age = sql.NullFloat64{Float64: *t.Age, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO tracks (session_id, track_id, first_seen_at, last_seen_at, age, gender, dominant_emotion, hits)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.SessionID, int64(t.TrackID), t.FirstSeenAt.UnixMilli(), t.LastSeenAt.UnixMilli(), age,
		t.Gender, t.DominantEmotion, t.Hits,
	)
	if err != nil {
		return fmt.Errorf("store: save track %d: %w", t.TrackID, err)
	}
	return nil
}

const sqliteSessionColumns = `id, started_at, updated_at, total_unique_faces, peak_faces, frames,
	age_samples, mean_age, age_stddev, emotions, genders`

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row scanner) (Record, error) {
	var (
		r                 Record
		started, updated  int64
		frames            int64
		emotions, genders string
	)
	st := &r.Stats
	if err := row.Scan(&r.SessionID, &started, &updated, &st.TotalUniqueFaces, &st.PeakFaces, &frames,
		&st.AgeSamples, &st.MeanAge, &st.AgeStdDev, &emotions, &genders); err != nil {
		return Record{}, err
	}
	st.SessionID = r.SessionID
	st.StartedAt = time.UnixMilli(started).UTC()
	st.UpdatedAt = time.UnixMilli(updated).UTC()
	st.Frames = uint64(frames)
	r.UpdatedAt = st.UpdatedAt
	if err := decodeStats(st, []byte(emotions), []byte(genders)); err != nil {
		return Record{}, err
	}
	return r, nil
}

// GetSession implements Store.
func (s *SQLite) GetSession(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteSessionColumns+` FROM sessions WHERE id = ?`, id)
	r, err := scanSQLiteSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("store: get session %s: %w", id, err)
	}
	return r, nil
}

// ListSessions implements Store.
func (s *SQLite) ListSessions(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteSessionColumns+` FROM sessions ORDER BY updated_at DESC, id LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list sessions: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListTracks implements Store.
func (s *SQLite) ListTracks(ctx context.Context, sessionID string) ([]TrackRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT track_id, first_seen_at, last_seen_at, age, gender, dominant_emotion, hits
		FROM tracks WHERE session_id = ? ORDER BY track_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list tracks: %w", err)
	}
	defer rows.Close()

	var out []TrackRecord
	for rows.Next() {
		var (
			t           TrackRecord
			id          int64
			first, last int64
			age         sql.NullFloat64
		)
		if err := rows.Scan(&id, &first, &last, &age, &t.Gender, &t.DominantEmotion, &t.Hits); err != nil {
			return nil, fmt.Errorf("store: list tracks: %w", err)
		}
		t.TrackID = uint64(id)
		t.SessionID = sessionID
		t.FirstSeenAt = time.UnixMilli(first).UTC()
		t.LastSeenAt = time.UnixMilli(last).UTC()
		if age.Valid {
			v := age.Float64
			t.Age = &v
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SQLite) Close() error {
	return s.db.Close()
}
