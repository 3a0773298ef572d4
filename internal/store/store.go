package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/andresmejia3/blinktrace/internal/types"
)

// Analysis status codes.
const (
	StatusSuccess = "s"
	StatusError   = "e"
)

// ErrNotFound is returned when no analysis matches an ID.
var ErrNotFound = errors.New("analysis not found")

// Analysis is one persisted blink analysis with its series.
type Analysis struct {
	ID         uuid.UUID
	VideoID    string
	Path       string
	Status     string
	Summary    types.VideoSummary
	Eye        string
	Config     string // blink config as JSON
	BlinkCount int
	EAR        []float64
	Blinks     []int
	Errors     []string
	CreatedAt  time.Time
}

// Store manages the PostgreSQL connection.
type Store struct {
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS video_metadata (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			indexed_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS blink_analyses (
			id UUID PRIMARY KEY,
			video_id TEXT NOT NULL REFERENCES video_metadata(id) ON DELETE CASCADE,
			calc_status CHAR(1) NOT NULL DEFAULT 'e',
			total_frames INT NOT NULL DEFAULT 0,
			processed_frames INT NOT NULL DEFAULT 0,
			fps DOUBLE PRECISION NOT NULL DEFAULT 0,
			width INT NOT NULL DEFAULT 0,
			height INT NOT NULL DEFAULT 0,
			interrupted BOOLEAN NOT NULL DEFAULT FALSE,
			eye TEXT NOT NULL,
			blink_config JSONB NOT NULL DEFAULT '{}',
			blink_count INT NOT NULL DEFAULT 0,
			ear_series DOUBLE PRECISION[] NOT NULL DEFAULT '{}',
			blink_series BIGINT[] NOT NULL DEFAULT '{}',
			errors TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS blink_analyses_video_id_idx ON blink_analyses (video_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// EnsureVideoMetadata registers the video in the database. If it exists, it updates the timestamp.
func (s *Store) EnsureVideoMetadata(ctx context.Context, videoID, path string) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO video_metadata (id, path, indexed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET indexed_at = NOW(), path = EXCLUDED.path
	`, videoID, path)
	return err
}

// InsertAnalysis saves a finished analysis. A zero ID is replaced with a new random one,
// which is returned.
func (s *Store) InsertAnalysis(ctx context.Context, a Analysis) (uuid.UUID, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Config == "" {
		a.Config = "{}"
	}
	if a.Errors == nil {
		a.Errors = []string{}
	}
	if a.Status == "" {
		a.Status = StatusError
	}

	sum := a.Summary
	_, err := s.conn.Exec(ctx, `
		INSERT INTO blink_analyses (
			id, video_id, calc_status, total_frames, processed_frames, fps, width, height,
			interrupted, eye, blink_config, blink_count, ear_series, blink_series, errors
		) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12, $13, $14, $15)
	`, a.ID.String(), a.VideoID, a.Status, sum.TotalFrames, sum.ProcessedFrames, sum.FPS, sum.Width, sum.Height,
		sum.Interrupted, a.Eye, a.Config, a.BlinkCount, nonNilFloats(a.EAR), toInt64(a.Blinks), a.Errors)
	if err != nil {
		return uuid.Nil, err
	}
	return a.ID, nil
}

// UpdateBlinks replaces the blink series of an analysis after a recount.
func (s *Store) UpdateBlinks(ctx context.Context, id uuid.UUID, config string, blinks []int) error {
	count := 0
	if len(blinks) > 0 {
		count = blinks[len(blinks)-1]
	}
	tag, err := s.conn.Exec(ctx, `
		UPDATE blink_analyses SET blink_config = $2::jsonb, blink_series = $3, blink_count = $4
		WHERE id = $1::uuid
	`, id.String(), config, toInt64(blinks), count)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const analysisColumns = `
	a.id::text, a.video_id, m.path, a.calc_status, a.total_frames, a.processed_frames, a.fps,
	a.width, a.height, a.interrupted, a.eye, a.blink_config::text, a.blink_count, a.created_at`

func scanAnalysis(row pgx.Row, extra ...any) (Analysis, error) {
	var a Analysis
	var id string
	dest := []any{
		&id, &a.VideoID, &a.Path, &a.Status, &a.Summary.TotalFrames, &a.Summary.ProcessedFrames, &a.Summary.FPS,
		&a.Summary.Width, &a.Summary.Height, &a.Summary.Interrupted, &a.Eye, &a.Config, &a.BlinkCount, &a.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Analysis{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Analysis{}, err
	}
	a.ID = parsed
	return a, nil
}

// GetAnalysis loads one analysis including its series.
func (s *Store) GetAnalysis(ctx context.Context, id uuid.UUID) (Analysis, error) {
	var ear []float64
	var blinks []int64
	var errs []string

	row := s.conn.QueryRow(ctx, `SELECT `+analysisColumns+`, a.ear_series, a.blink_series, a.errors
		FROM blink_analyses a JOIN video_metadata m ON m.id = a.video_id
		WHERE a.id = $1::uuid`, id.String())

	a, err := scanAnalysis(row, &ear, &blinks, &errs)
	if errors.Is(err, pgx.ErrNoRows) {
		return Analysis{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Analysis{}, err
	}

	a.EAR = ear
	a.Blinks = make([]int, len(blinks))
	for i, b := range blinks {
		a.Blinks[i] = int(b)
	}
	a.Errors = errs
	return a, nil
}

// ListAnalyses returns the most recent analyses without their series, newest first.
func (s *Store) ListAnalyses(ctx context.Context, limit int) ([]Analysis, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.Query(ctx, `SELECT `+analysisColumns+`
		FROM blink_analyses a JOIN video_metadata m ON m.id = a.video_id
		ORDER BY a.created_at DESC, a.id
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS blink_analyses CASCADE;
		DROP TABLE IF EXISTS video_metadata CASCADE;
	`)
	return err
}

func nonNilFloats(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}

func toInt64(v []int) []int64 {
	out := make([]int64, len(v))
	for i, x := range v {
		out[i] = int64(x)
	}
	return out
}
