package database

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/changes"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/recipes"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/reviews"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/serviceerr"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/stats"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStatsStoreNew         = "database.stats_store.new"
	opStatsStoreTransaction = "database.stats_store.transaction"
	opStatsStoreUpdate      = "database.stats_store.update"

	defaultMaxTransactionAttempts = 5
	defaultRetryBaseDelay         = 20 * time.Millisecond
	maxRetryDelay                 = time.Second

	queryRecipeID = "recipe_id = ?"
)

var (
	errMissingDatabase = errors.New("database handle is required")

	busyErrorFragments = []string{
		"database is locked",
		"database table is locked",
		"sqlite_busy",
		"sqlite_locked",
	}
)

// StatsStoreConfig describes the dependencies of a StatsStore.
type StatsStoreConfig struct {
	Database       *gorm.DB
	Clock          func() time.Time
	MaxAttempts    int
	RetryBaseDelay time.Duration
	Logger         *zap.Logger
}

// StatsStore runs recipe statistics recomputations against SQLite. Work is
// re-run when SQLite reports lock contention, up to MaxAttempts times.
type StatsStore struct {
	db             *gorm.DB
	clock          func() time.Time
	maxAttempts    int
	retryBaseDelay time.Duration
	logger         *zap.Logger
}

// NewStatsStore validates the configuration and constructs a StatsStore.
func NewStatsStore(cfg StatsStoreConfig) (*StatsStore, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opStatsStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxTransactionAttempts
	}
	retryBaseDelay := cfg.RetryBaseDelay
	if retryBaseDelay <= 0 {
		retryBaseDelay = defaultRetryBaseDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsStore{
		db:             cfg.Database,
		clock:          clock,
		maxAttempts:    maxAttempts,
		retryBaseDelay: retryBaseDelay,
		logger:         logger,
	}, nil
}

// RunInTransaction implements stats.Store.
func (s *StatsStore) RunInTransaction(ctx context.Context, work func(tx stats.Transaction) error) error {
	for attempt := 1; ; attempt++ {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return work(&statsTransaction{db: tx, clock: s.clock})
		})
		if err == nil {
			return nil
		}
		if !isBusyError(err) {
			return err
		}
		if attempt >= s.maxAttempts {
			return serviceerr.New(opStatsStoreTransaction, "retries_exhausted", err)
		}
		delay := s.retryDelay(attempt)
		s.logger.Warn("stats transaction contended, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.maxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return serviceerr.New(opStatsStoreTransaction, "canceled", ctx.Err())
		case <-time.After(delay):
		}
	}
}

func (s *StatsStore) retryDelay(attempt int) time.Duration {
	delay := s.retryBaseDelay << (attempt - 1)
	if delay <= 0 || delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

func isBusyError(err error) bool {
	message := strings.ToLower(err.Error())
	for _, fragment := range busyErrorFragments {
		if strings.Contains(message, fragment) {
			return true
		}
	}
	return false
}

type statsTransaction struct {
	db    *gorm.DB
	clock func() time.Time
}

func (t *statsTransaction) GetRecipe(ctx context.Context, recipeID recipes.RecipeID) (stats.RecipeStats, bool, error) {
	var record recipes.Recipe
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Select([]string{"recipe_id", recipes.ColumnAverageRating, recipes.ColumnReviewCount, recipes.ColumnUpdatedAt}).
		Where(queryRecipeID, recipeID.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return stats.RecipeStats{}, false, nil
	}
	if err != nil {
		return stats.RecipeStats{}, false, err
	}
	return stats.RecipeStats{
		RecipeID:      recipeID,
		AverageRating: record.AverageRating,
		ReviewCount:   record.ReviewCount,
		UpdatedAt:     record.UpdatedAt,
	}, true, nil
}

func (t *statsTransaction) ListReviewsByRecipe(ctx context.Context, recipeID recipes.RecipeID) ([]stats.ReviewDocument, error) {
	var records []reviews.Review
	if err := t.db.WithContext(ctx).
		Where(queryRecipeID, recipeID.String()).
		Order("review_id ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}
	documents := make([]stats.ReviewDocument, 0, len(records))
	for _, record := range records {
		fields, err := changes.DecodeSnapshot(record.DocumentJSON)
		if err != nil {
			fields = nil
		}
		documents = append(documents, stats.ReviewDocument{ReviewID: record.ReviewID, Fields: fields})
	}
	return documents, nil
}

func (t *statsTransaction) UpdateRecipeStats(ctx context.Context, recipeID recipes.RecipeID, averageRating float64, reviewCount int64) (time.Time, error) {
	updatedAt := t.clock().UTC()
	result := t.db.WithContext(ctx).
		Model(&recipes.Recipe{}).
		Where(queryRecipeID, recipeID.String()).
		Updates(map[string]any{
			recipes.ColumnAverageRating: averageRating,
			recipes.ColumnReviewCount:   reviewCount,
			recipes.ColumnUpdatedAt:     updatedAt,
		})
	if result.Error != nil {
		return time.Time{}, result.Error
	}
	if result.RowsAffected == 0 {
		return time.Time{}, serviceerr.New(opStatsStoreUpdate, "not_found", recipes.ErrRecipeNotFound)
	}
	return updatedAt, nil
}
