// Package journal persists recording episodes to Postgres for later
// review. The journal is strictly best-effort: a database outage never
// affects recording decisions.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"nvrwatch/internal/coordinator"
)

const schema = `
CREATE TABLE IF NOT EXISTS episodes (
	id         UUID PRIMARY KEY,
	camera     TEXT NOT NULL,
	channel    INT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at   TIMESTAMPTZ,
	peak_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	stop_ok    BOOLEAN
);
CREATE INDEX IF NOT EXISTS episodes_camera_started_idx ON episodes (camera, started_at DESC);`

const writeTimeout = 5 * time.Second

// Journal writes episode rows. Implements coordinator.EpisodeSink.
type Journal struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open connects to Postgres and ensures the episodes table exists.
func Open(dsn string, logger *zap.Logger) (*Journal, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect journal db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(time.Minute)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure journal schema: %w", err)
	}
	return &Journal{db: db, logger: logger.Named("journal")}, nil
}

type episodeRow struct {
	ID        string     `db:"id"`
	Camera    string     `db:"camera"`
	Channel   int        `db:"channel"`
	StartedAt time.Time  `db:"started_at"`
	EndedAt   *time.Time `db:"ended_at"`
	PeakScore float64    `db:"peak_score"`
	StopOK    *bool      `db:"stop_ok"`
}

// EpisodeStarted inserts the opening row for a new episode.
func (j *Journal) EpisodeStarted(ep coordinator.Episode) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	row := episodeRow{
		ID:        ep.ID,
		Camera:    ep.Camera,
		Channel:   ep.Channel,
		StartedAt: ep.StartedAt,
		PeakScore: ep.PeakScore,
	}
	_, err := j.db.NamedExecContext(ctx, `
		INSERT INTO episodes (id, camera, channel, started_at, peak_score)
		VALUES (:id, :camera, :channel, :started_at, :peak_score)
		ON CONFLICT (id) DO NOTHING`, row)
	if err != nil {
		j.logger.Warn("episode insert failed",
			zap.String("episode", ep.ID),
			zap.String("camera", ep.Camera),
			zap.Error(err))
	}
}

// EpisodeEnded closes out an episode row.
func (j *Journal) EpisodeEnded(ep coordinator.Episode) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	row := episodeRow{
		ID:        ep.ID,
		EndedAt:   &ep.EndedAt,
		PeakScore: ep.PeakScore,
		StopOK:    &ep.StopOK,
	}
	_, err := j.db.NamedExecContext(ctx, `
		UPDATE episodes
		SET ended_at = :ended_at, peak_score = :peak_score, stop_ok = :stop_ok
		WHERE id = :id`, row)
	if err != nil {
		j.logger.Warn("episode update failed",
			zap.String("episode", ep.ID),
			zap.String("camera", ep.Camera),
			zap.Error(err))
	}
}

func (j *Journal) Close() error {
	return j.db.Close()
}

var _ coordinator.EpisodeSink = (*Journal)(nil)
