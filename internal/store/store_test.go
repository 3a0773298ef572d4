package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/andresmejia3/blinktrace/internal/types"
)

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}

	pgContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("blinktrace_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close(ctx)

	// --- Test Scenarios ---

	if err := s.EnsureVideoMetadata(ctx, "vid_123", "/tmp/video.mp4"); err != nil {
		t.Fatalf("EnsureVideoMetadata failed: %v", err)
	}
	// Idempotent re-registration
	if err := s.EnsureVideoMetadata(ctx, "vid_123", "/tmp/moved.mp4"); err != nil {
		t.Fatalf("EnsureVideoMetadata (again) failed: %v", err)
	}

	summary := types.VideoSummary{TotalFrames: 4, ProcessedFrames: 4, FPS: 30, Width: 640, Height: 480}
	id, err := s.InsertAnalysis(ctx, Analysis{
		VideoID:    "vid_123",
		Status:     StatusSuccess,
		Summary:    summary,
		Eye:        "both",
		Config:     `{"auto_quantile": 0.4}`,
		BlinkCount: 1,
		EAR:        []float64{0.3, math.NaN(), 0.1, 0.3},
		Blinks:     []int{0, 0, 0, 1},
		Errors:     []string{"frame 1: insufficient landmarks"},
	})
	if err != nil {
		t.Fatalf("InsertAnalysis failed: %v", err)
	}
	if id == uuid.Nil {
		t.Fatal("Expected a generated analysis ID")
	}

	got, err := s.GetAnalysis(ctx, id)
	if err != nil {
		t.Fatalf("GetAnalysis failed: %v", err)
	}
	if got.Path != "/tmp/moved.mp4" {
		t.Errorf("Expected updated path, got %s", got.Path)
	}
	if got.Summary != summary {
		t.Errorf("Summary = %+v, want %+v", got.Summary, summary)
	}
	if got.Status != StatusSuccess || got.BlinkCount != 1 || got.Eye != "both" {
		t.Errorf("Unexpected analysis row: %+v", got)
	}
	if len(got.EAR) != 4 || !math.IsNaN(got.EAR[1]) || got.EAR[2] != 0.1 {
		t.Errorf("EAR series not round-tripped: %v", got.EAR)
	}
	if len(got.Blinks) != 4 || got.Blinks[3] != 1 {
		t.Errorf("Blink series not round-tripped: %v", got.Blinks)
	}
	if len(got.Errors) != 1 {
		t.Errorf("Expected 1 stored error, got %v", got.Errors)
	}

	// Recount
	if err := s.UpdateBlinks(ctx, id, `{"ratio_threshold": 0.2}`, []int{0, 0, 1, 2}); err != nil {
		t.Fatalf("UpdateBlinks failed: %v", err)
	}
	got, _ = s.GetAnalysis(ctx, id)
	if got.BlinkCount != 2 {
		t.Errorf("Expected blink count 2 after recount, got %d", got.BlinkCount)
	}

	if err := s.UpdateBlinks(ctx, uuid.New(), "{}", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetAnalysis(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	// A failed run with no series
	if _, err := s.InsertAnalysis(ctx, Analysis{VideoID: "vid_123", Eye: "left"}); err != nil {
		t.Fatalf("InsertAnalysis (failed run) failed: %v", err)
	}

	list, err := s.ListAnalyses(ctx, 10)
	if err != nil {
		t.Fatalf("ListAnalyses failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 analyses, got %d", len(list))
	}
	statuses := map[string]int{}
	for _, a := range list {
		statuses[a.Status]++
	}
	if statuses[StatusSuccess] != 1 || statuses[StatusError] != 1 {
		t.Errorf("Unexpected statuses: %v", statuses)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
