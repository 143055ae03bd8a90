package database

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/changes"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/recipes"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/reviews"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/stats"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const concurrentWriterAttempts = 50

type statsWriter struct {
	db           *gorm.DB
	reviews      *reviews.Service
	recalculator *stats.Recalculator
}

func newStatsWriter(t *testing.T, path string) statsWriter {
	t.Helper()
	db, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	reviewService, err := reviews.NewService(reviews.ServiceConfig{Database: db, IDProvider: changes.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to construct review service: %v", err)
	}
	store, err := NewStatsStore(StatsStoreConfig{
		Database:       db,
		MaxAttempts:    concurrentWriterAttempts,
		RetryBaseDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct stats store: %v", err)
	}
	recalculator, err := stats.NewRecalculator(stats.RecalculatorConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to construct recalculator: %v", err)
	}
	return statsWriter{db: db, reviews: reviewService, recalculator: recalculator}
}

// putReview retries writes that lose a lock upgrade to the other connection.
func (w statsWriter) putReview(ctx context.Context, reviewID reviews.ReviewID, document changes.Snapshot) (changes.ChangeEvent, error) {
	var lastErr error
	for attempt := 1; attempt <= concurrentWriterAttempts; attempt++ {
		event, err := w.reviews.PutReview(ctx, reviewID, document)
		if err == nil {
			return event, nil
		}
		if !isBusyError(err) {
			return changes.ChangeEvent{}, err
		}
		lastErr = err
		time.Sleep(time.Duration(attempt) * time.Millisecond)
	}
	return changes.ChangeEvent{}, lastErr
}

func TestConcurrentWritersOnSeparateConnectionsKeepStatsConsistent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recipestats.db")
	writers := []statsWriter{newStatsWriter(t, path), newStatsWriter(t, path)}
	seedRecipe(t, writers[0].db, "X")

	ctx := context.Background()
	var group errgroup.Group
	for index := 1; index <= 30; index++ {
		writer := writers[index%len(writers)]
		reviewID := reviews.ReviewID(fmt.Sprintf("r%02d", index))
		document := changes.Snapshot{"recipeId": "X", "rating": float64(index%5 + 1), "authorUid": "author"}
		group.Go(func() error {
			event, err := writer.putReview(ctx, reviewID, document)
			if err != nil {
				return fmt.Errorf("put %s: %w", reviewID, err)
			}
			if _, err := writer.recalculator.HandleChange(ctx, event); err != nil {
				return fmt.Errorf("recompute after %s: %w", reviewID, err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, writer := range writers {
		var stored recipes.Recipe
		if err := writer.db.Where("recipe_id = ?", "X").Take(&stored).Error; err != nil {
			t.Fatalf("failed to load recipe: %v", err)
		}
		if stored.AverageRating != 3 || stored.ReviewCount != 30 {
			t.Fatalf("expected 3/30, got %v/%d", stored.AverageRating, stored.ReviewCount)
		}
	}
}
