package database

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/changes"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/recipes"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/reviews"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/serviceerr"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/stats"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var storeClockTime = time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:stats_store_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := Migrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestStatsStore(t *testing.T, db *gorm.DB) *StatsStore {
	t.Helper()
	store, err := NewStatsStore(StatsStoreConfig{
		Database:       db,
		Clock:          func() time.Time { return storeClockTime },
		RetryBaseDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct stats store: %v", err)
	}
	return store
}

func seedRecipe(t *testing.T, db *gorm.DB, recipeID string) {
	t.Helper()
	record := recipes.Recipe{
		RecipeID:   recipeID,
		UpdatedAt:  time.Unix(1, 0).UTC(),
		FieldsJSON: `{"title":"Japchae","servings":4}`,
	}
	if err := db.Create(&record).Error; err != nil {
		t.Fatalf("failed to seed recipe: %v", err)
	}
}

func seedReview(t *testing.T, db *gorm.DB, reviewID, recipeID, documentJSON string) {
	t.Helper()
	record := reviews.Review{
		ReviewID:         reviewID,
		RecipeID:         recipeID,
		DocumentJSON:     documentJSON,
		CreatedAtSeconds: 1,
		UpdatedAtSeconds: 1,
	}
	if err := db.Create(&record).Error; err != nil {
		t.Fatalf("failed to seed review: %v", err)
	}
}

func loadRecipe(t *testing.T, db *gorm.DB, recipeID string) recipes.Recipe {
	t.Helper()
	var record recipes.Recipe
	if err := db.Where("recipe_id = ?", recipeID).Take(&record).Error; err != nil {
		t.Fatalf("failed to load recipe: %v", err)
	}
	return record
}

func TestStatsStoreRecomputesWithRecalculator(t *testing.T) {
	db := newTestDatabase(t)
	seedRecipe(t, db, "X")
	seedReview(t, db, "r1", "X", `{"recipeId":"X","rating":4}`)
	seedReview(t, db, "r2", "X", `{"recipeId":"X","rating":5}`)
	seedReview(t, db, "r3", "X", `{"recipeId":"X","rating":3}`)
	seedReview(t, db, "other", "Y", `{"recipeId":"Y","rating":1}`)

	recalculator, err := stats.NewRecalculator(stats.RecalculatorConfig{Store: newTestStatsStore(t, db)})
	if err != nil {
		t.Fatalf("failed to construct recalculator: %v", err)
	}

	event := changes.ChangeEvent{ReviewID: "r3", After: changes.Snapshot{"recipeId": "X", "rating": 3.0}}
	if _, err := recalculator.HandleChange(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored := loadRecipe(t, db, "X")
	if stored.AverageRating != 4.0 || stored.ReviewCount != 3 {
		t.Fatalf("expected 4.0/3, got %v/%d", stored.AverageRating, stored.ReviewCount)
	}
	if !stored.UpdatedAt.Equal(storeClockTime) {
		t.Fatalf("expected store clock timestamp, got %v", stored.UpdatedAt)
	}
	if stored.FieldsJSON != `{"title":"Japchae","servings":4}` {
		t.Fatalf("expected pass-through fields untouched, got %s", stored.FieldsJSON)
	}

	if err := db.Where("review_id = ?", "r2").Delete(&reviews.Review{}).Error; err != nil {
		t.Fatalf("failed to delete review: %v", err)
	}
	deleted := changes.ChangeEvent{ReviewID: "r2", Before: changes.Snapshot{"recipeId": "X", "rating": 5.0}}
	if _, err := recalculator.HandleChange(context.Background(), deleted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored = loadRecipe(t, db, "X")
	if stored.AverageRating != 3.5 || stored.ReviewCount != 2 {
		t.Fatalf("expected 3.5/2, got %v/%d", stored.AverageRating, stored.ReviewCount)
	}
}

func TestStatsStoreTreatsUndecodableDocumentsAsMalformed(t *testing.T) {
	db := newTestDatabase(t)
	seedRecipe(t, db, "X")
	seedReview(t, db, "r1", "X", `{"recipeId":"X","rating":4}`)
	seedReview(t, db, "r2", "X", `{"recipeId":"X","rating":"bad"}`)
	seedReview(t, db, "r3", "X", `{broken`)

	recalculator, err := stats.NewRecalculator(stats.RecalculatorConfig{Store: newTestStatsStore(t, db)})
	if err != nil {
		t.Fatalf("failed to construct recalculator: %v", err)
	}
	outcome, err := recalculator.Recompute(context.Background(), "X")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.ReviewCount != 1 || outcome.AverageRating != 4 || len(outcome.Malformed) != 2 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
}

func TestStatsStoreMissingRecipe(t *testing.T) {
	db := newTestDatabase(t)
	store := newTestStatsStore(t, db)

	err := store.RunInTransaction(context.Background(), func(tx stats.Transaction) error {
		_, found, err := tx.GetRecipe(context.Background(), "missing")
		if err != nil {
			return err
		}
		if found {
			return errors.New("expected missing recipe")
		}
		_, err = tx.UpdateRecipeStats(context.Background(), "missing", 1, 1)
		return err
	})
	if !errors.Is(err, recipes.ErrRecipeNotFound) {
		t.Fatalf("expected not found from update, got %v", err)
	}
	var count int64
	if err := db.Model(&recipes.Recipe{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count recipes: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no recipe to be created, got %d", count)
	}
}

func TestStatsStoreRetriesBusyErrors(t *testing.T) {
	db := newTestDatabase(t)
	seedRecipe(t, db, "X")
	store := newTestStatsStore(t, db)

	attempts := 0
	err := store.RunInTransaction(context.Background(), func(tx stats.Transaction) error {
		attempts++
		if _, err := tx.UpdateRecipeStats(context.Background(), "X", 2, 1); err != nil {
			return err
		}
		if attempts < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected three attempts, got %d", attempts)
	}
	if stored := loadRecipe(t, db, "X"); stored.AverageRating != 2 || stored.ReviewCount != 1 {
		t.Fatalf("unexpected stats %v/%d", stored.AverageRating, stored.ReviewCount)
	}
}

func TestStatsStoreGivesUpAfterMaxAttempts(t *testing.T) {
	db := newTestDatabase(t)
	seedRecipe(t, db, "X")
	store, err := NewStatsStore(StatsStoreConfig{Database: db, MaxAttempts: 2, RetryBaseDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("failed to construct stats store: %v", err)
	}

	attempts := 0
	err = store.RunInTransaction(context.Background(), func(tx stats.Transaction) error {
		attempts++
		if _, err := tx.UpdateRecipeStats(context.Background(), "X", 5, 9); err != nil {
			return err
		}
		return errors.New("database is locked")
	})
	if code := serviceerr.CodeOf(err); code != "database.stats_store.transaction.retries_exhausted" {
		t.Fatalf("unexpected error code %q (%v)", code, err)
	}
	if attempts != 2 {
		t.Fatalf("expected two attempts, got %d", attempts)
	}
	if stored := loadRecipe(t, db, "X"); stored.ReviewCount != 0 {
		t.Fatalf("expected rolled back stats, got %d", stored.ReviewCount)
	}
}

func TestStatsStoreDoesNotRetryOtherErrors(t *testing.T) {
	db := newTestDatabase(t)
	store := newTestStatsStore(t, db)

	cause := errors.New("disk quota exceeded")
	attempts := 0
	err := store.RunInTransaction(context.Background(), func(tx stats.Transaction) error {
		attempts++
		return cause
	})
	if !errors.Is(err, cause) || attempts != 1 {
		t.Fatalf("expected single failing attempt, got %d attempts and %v", attempts, err)
	}
}
