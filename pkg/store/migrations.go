package store

// sqliteMigrations run in order on every open. Times are unix milliseconds.
var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		total_unique_faces INTEGER NOT NULL DEFAULT 0,
		peak_faces INTEGER NOT NULL DEFAULT 0,
		frames INTEGER NOT NULL DEFAULT 0,
		age_samples INTEGER NOT NULL DEFAULT 0,
		mean_age REAL NOT NULL DEFAULT 0,
		age_stddev REAL NOT NULL DEFAULT 0,
		emotions TEXT NOT NULL DEFAULT '{}',
		genders TEXT NOT NULL DEFAULT '{}'
	)`,

	`CREATE TABLE IF NOT EXISTS tracks (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		track_id INTEGER NOT NULL,
		first_seen_at INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL,
		age REAL,
		gender TEXT NOT NULL DEFAULT '',
		dominant_emotion TEXT NOT NULL DEFAULT '',
		hits INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (session_id, track_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at)`,
}

// postgresSchema is applied on connect
const postgresSchema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		started_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		total_unique_faces INT NOT NULL DEFAULT 0,
		peak_faces INT NOT NULL DEFAULT 0,
		frames BIGINT NOT NULL DEFAULT 0,
		age_samples INT NOT NULL DEFAULT 0,
		mean_age DOUBLE PRECISION NOT NULL DEFAULT 0,
		age_stddev DOUBLE PRECISION NOT NULL DEFAULT 0,
		emotions JSONB NOT NULL DEFAULT '{}',
		genders JSONB NOT NULL DEFAULT '{}'
	);
	CREATE TABLE IF NOT EXISTS tracks (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		track_id BIGINT NOT NULL,
		first_seen_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL,
		age DOUBLE PRECISION,
		gender TEXT NOT NULL DEFAULT '',
		dominant_emotion TEXT NOT NULL DEFAULT '',
		hits INT NOT NULL DEFAULT 0,
		PRIMARY KEY (session_id, track_id)
	);
	CREATE INDEX IF NOT EXISTS sessions_updated_at_idx ON sessions (updated_at DESC);
`
