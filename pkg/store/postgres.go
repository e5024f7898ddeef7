package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres stores sessions in PostgreSQL through a pgx pool
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects and ensures the schema exists.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: initialize schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// SaveSession implements Store.
func (p *Postgres) SaveSession(ctx context.Context, r Record) error {
	cols, err := encodeStats(r.Stats)
	if err != nil {
		return err
	}
	st := r.Stats
	_, err = p.pool.Exec(ctx, `
		INSERT INTO sessions (id, started_at, updated_at, total_unique_faces, peak_faces, frames,
			age_samples, mean_age, age_stddev, emotions, genders)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			updated_at = EXCLUDED.updated_at,
			total_unique_faces = EXCLUDED.total_unique_faces,
			peak_faces = EXCLUDED.peak_faces,
			frames = EXCLUDED.frames,
			age_samples = EXCLUDED.age_samples,
			mean_age = EXCLUDED.mean_age,
			age_stddev = EXCLUDED.age_stddev,
			emotions = EXCLUDED.emotions,
			genders = EXCLUDED.genders`,
		r.SessionID, st.StartedAt, r.UpdatedAt, st.TotalUniqueFaces, st.PeakFaces, int64(st.Frames),
		st.AgeSamples, st.MeanAge, st.AgeStdDev, string(cols.emotions), string(cols.genders),
	)
	if err != nil {
		return fmt.Errorf("store: save session %s: %w", r.SessionID, err)
	}
	return nil
}

// SaveTrack implements Store. The session must already be saved.
func (p *Postgres) SaveTrack(ctx context.Context, t TrackRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO tracks (session_id, track_id, first_seen_at, last_seen_at, age, gender, dominant_emotion, hits)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id, track_id) DO UPDATE SET
			last_seen_at = EXCLUDED.last_seen_at,
			age = EXCLUDED.age,
			gender = EXCLUDED.gender,
			dominant_emotion = EXCLUDED.dominant_emotion,
			hits = EXCLUDED.hits`,
		t.SessionID, int64(t.TrackID), t.FirstSeenAt, t.LastSeenAt, t.Age, t.Gender, t.DominantEmotion, t.Hits,
	)
	if err != nil {
		return fmt.Errorf("store: save track %d: %w", t.TrackID, err)
	}
	return nil
}

const postgresSessionColumns = `id, started_at, updated_at, total_unique_faces, peak_faces, frames,
	age_samples, mean_age, age_stddev, emotions::text, genders::text`

func scanPostgresSession(row pgx.Row) (Record, error) {
	var (
		r                 Record
		frames            int64
		emotions, genders string
	)
	st := &r.Stats
	if err := row.Scan(&r.SessionID, &st.StartedAt, &r.UpdatedAt, &st.TotalUniqueFaces, &st.PeakFaces, &frames,
		&st.AgeSamples, &st.MeanAge, &st.AgeStdDev, &emotions, &genders); err != nil {
		return Record{}, err
	}
	st.SessionID = r.SessionID
	st.UpdatedAt = r.UpdatedAt
	st.Frames = uint64(frames)
	if err := decodeStats(st, []byte(emotions), []byte(genders)); err != nil {
		return Record{}, err
	}
	return r, nil
}

// GetSession implements Store.
func (p *Postgres) GetSession(ctx context.Context, id string) (Record, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+postgresSessionColumns+` FROM sessions WHERE id = $1`, id)
	r, err := scanPostgresSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("store: get session %s: %w", id, err)
	}
	return r, nil
}

// ListSessions implements Store.
func (p *Postgres) ListSessions(ctx context.Context, limit int) ([]Record, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+postgresSessionColumns+` FROM sessions ORDER BY updated_at DESC, id LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanPostgresSession(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list sessions: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListTracks implements Store.
func (p *Postgres) ListTracks(ctx context.Context, sessionID string) ([]TrackRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT track_id, first_seen_at, last_seen_at, age, gender, dominant_emotion, hits
		FROM tracks WHERE session_id = $1 ORDER BY track_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list tracks: %w", err)
	}
	defer rows.Close()

	var out []TrackRecord
	for rows.Next() {
		var (
			t  TrackRecord
			id int64
		)
		if err := rows.Scan(&id, &t.FirstSeenAt, &t.LastSeenAt, &t.Age, &t.Gender, &t.DominantEmotion, &t.Hits); err != nil {
			return nil, fmt.Errorf("store: list tracks: %w", err)
		}
		t.TrackID = uint64(id)
		t.SessionID = sessionID
		out = append(out, t)
	}
	return out, rows.Err()
}

// Reset drops all tables so the next connect recreates them
func (p *Postgres) Reset(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		DROP TABLE IF EXISTS tracks CASCADE;
		DROP TABLE IF EXISTS sessions CASCADE;
	`)
	return err
}

// Close implements Store.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
