// Package stats recomputes a recipe's derived review statistics from its reviews.
package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/changes"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/recipes"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/reviews"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/serviceerr"
	"go.uber.org/zap"
)

const (
	opRecalculatorNew = "stats.recalculator.new"
	opHandleChange    = "stats.handle_change"
	opRecompute       = "stats.recompute"

	statusFailed = "failed"
)

var errMissingStore = errors.New("stats store is required")

// Status reports what a recomputation did.
type Status string

const (
	// StatusUpdated marks a committed stats write.
	StatusUpdated Status = "updated"
	// StatusSkippedMissingRecipe marks a recipe that does not exist; nothing was written.
	StatusSkippedMissingRecipe Status = "skipped_missing_recipe"
	// StatusSkippedNoRecipeID marks an event carrying no recipe id; the store was not touched.
	StatusSkippedNoRecipeID Status = "skipped_no_recipe_id"
)

// Outcome describes one recipe's recomputation.
type Outcome struct {
	RecipeID      string            `json:"recipe_id,omitempty"`
	Status        Status            `json:"status"`
	AverageRating float64           `json:"average_rating"`
	ReviewCount   int64             `json:"review_count"`
	UpdatedAt     time.Time         `json:"updated_at,omitempty"`
	Malformed     []MalformedRating `json:"-"`
}

// ChangeResult collects the outcomes produced by one change event. The first
// outcome belongs to the resolved recipe; a re-parented review adds its
// previous recipe second.
type ChangeResult struct {
	ChangeID string    `json:"change_id,omitempty"`
	ReviewID string    `json:"review_id"`
	Outcomes []Outcome `json:"outcomes"`
}

// RecalculatorConfig describes the dependencies of a Recalculator.
type RecalculatorConfig struct {
	Store  Store
	Logger *zap.Logger
}

// Recalculator keeps recipe statistics consistent with the reviews that reference them.
type Recalculator struct {
	store  Store
	logger *zap.Logger
}

// NewRecalculator validates the configuration and constructs a Recalculator.
func NewRecalculator(cfg RecalculatorConfig) (*Recalculator, error) {
	if cfg.Store == nil {
		return nil, serviceerr.New(opRecalculatorNew, "missing_store", errMissingStore)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recalculator{store: cfg.Store, logger: logger}, nil
}

// ResolveRecipeID returns the recipe a change belongs to: the after
// snapshot's recipeId, falling back to the before snapshot's.
func ResolveRecipeID(event changes.ChangeEvent) (string, bool) {
	if recipeID := reviews.RecipeIDOf(event.After); recipeID != "" {
		return recipeID, true
	}
	if recipeID := reviews.RecipeIDOf(event.Before); recipeID != "" {
		return recipeID, true
	}
	return "", false
}

// Handle adapts HandleChange to a change-event subscription.
func (r *Recalculator) Handle(ctx context.Context, event changes.ChangeEvent) error {
	_, err := r.HandleChange(ctx, event)
	return err
}

// HandleChange recomputes the statistics of the recipe referenced by the
// event. An event without a recipe id is logged and ignored.
func (r *Recalculator) HandleChange(ctx context.Context, event changes.ChangeEvent) (ChangeResult, error) {
	result := ChangeResult{ChangeID: event.ChangeID, ReviewID: event.ReviewID}

	rawRecipeID, ok := ResolveRecipeID(event)
	if !ok {
		r.logger.Info("review change carries no recipe id",
			zap.String("review_id", event.ReviewID),
			zap.String("change_id", event.ChangeID),
			zap.String("kind", string(event.Kind())))
		recomputeTotal.WithLabelValues(string(StatusSkippedNoRecipeID)).Inc()
		result.Outcomes = append(result.Outcomes, Outcome{Status: StatusSkippedNoRecipeID})
		return result, nil
	}

	outcome, err := r.recomputeRaw(ctx, rawRecipeID)
	if err != nil {
		return result, serviceerr.New(opHandleChange, "recompute_failed", err)
	}
	result.Outcomes = append(result.Outcomes, outcome)

	previous := reviews.RecipeIDOf(event.Before)
	if previous == "" || previous == rawRecipeID || !event.After.Exists() {
		return result, nil
	}
	r.logger.Info("review moved between recipes",
		zap.String("review_id", event.ReviewID),
		zap.String("from_recipe_id", previous),
		zap.String("to_recipe_id", rawRecipeID))
	previousOutcome, err := r.recomputeRaw(ctx, previous)
	if err != nil {
		return result, serviceerr.New(opHandleChange, "recompute_previous_failed", err)
	}
	result.Outcomes = append(result.Outcomes, previousOutcome)
	return result, nil
}

func (r *Recalculator) recomputeRaw(ctx context.Context, rawRecipeID string) (Outcome, error) {
	recipeID, err := recipes.NewRecipeID(rawRecipeID)
	if err == nil && recipeID.String() != rawRecipeID {
		err = fmt.Errorf("%w: surrounding whitespace", recipes.ErrInvalidRecipeID)
	}
	if err != nil {
		// No stored recipe can carry an identifier that fails validation,
		// and siblings are matched on the exact stored recipeId.
		r.logger.Info("recipe not found, skipping stats update",
			zap.String("recipe_id", rawRecipeID),
			zap.Error(err))
		recomputeTotal.WithLabelValues(string(StatusSkippedMissingRecipe)).Inc()
		return Outcome{RecipeID: rawRecipeID, Status: StatusSkippedMissingRecipe}, nil
	}
	return r.Recompute(ctx, recipeID)
}

// Recompute folds every review of the recipe and writes averageRating,
// reviewCount and updatedAt in one transaction. A missing recipe is logged
// and left untouched.
func (r *Recalculator) Recompute(ctx context.Context, recipeID recipes.RecipeID) (Outcome, error) {
	started := time.Now()
	defer func() {
		recomputeDuration.Observe(time.Since(started).Seconds())
	}()

	var (
		outcome    Outcome
		outOfRange []string
	)
	txErr := r.store.RunInTransaction(ctx, func(tx Transaction) error {
		outcome = Outcome{RecipeID: recipeID.String()}
		outOfRange = nil

		if _, found, err := tx.GetRecipe(ctx, recipeID); err != nil {
			return serviceerr.New(opRecompute, "read_recipe_failed", err)
		} else if !found {
			outcome.Status = StatusSkippedMissingRecipe
			return nil
		}

		siblings, err := tx.ListReviewsByRecipe(ctx, recipeID)
		if err != nil {
			return serviceerr.New(opRecompute, "list_reviews_failed", err)
		}
		folded := FoldRatings(siblings)
		average := folded.Aggregate.Average()

		updatedAt, err := tx.UpdateRecipeStats(ctx, recipeID, average, folded.Aggregate.Count)
		if err != nil {
			return serviceerr.New(opRecompute, "update_failed", err)
		}

		outcome.Status = StatusUpdated
		outcome.AverageRating = average
		outcome.ReviewCount = folded.Aggregate.Count
		outcome.UpdatedAt = updatedAt
		outcome.Malformed = folded.Malformed
		outOfRange = folded.OutOfRange
		return nil
	})
	if txErr != nil {
		if serviceerr.CodeOf(txErr) == "" {
			txErr = serviceerr.New(opRecompute, "transaction_failed", txErr)
		}
		recomputeTotal.WithLabelValues(statusFailed).Inc()
		r.logger.Error("stats recompute error",
			zap.String("operation", opRecompute),
			zap.String("code", serviceerr.CodeOf(txErr)),
			zap.String("recipe_id", recipeID.String()),
			zap.Error(txErr))
		return Outcome{RecipeID: recipeID.String()}, txErr
	}

	recomputeTotal.WithLabelValues(string(outcome.Status)).Inc()
	if outcome.Status == StatusSkippedMissingRecipe {
		r.logger.Info("recipe not found, skipping stats update",
			zap.String("recipe_id", recipeID.String()))
		return outcome, nil
	}

	for _, malformed := range outcome.Malformed {
		malformedRatingsTotal.Inc()
		r.logger.Warn("review has non-numeric rating, excluded from stats",
			zap.String("recipe_id", recipeID.String()),
			zap.String("review_id", malformed.ReviewID),
			zap.Any("rating", malformed.Value))
	}
	for _, reviewID := range outOfRange {
		r.logger.Debug("review rating outside expected range",
			zap.String("recipe_id", recipeID.String()),
			zap.String("review_id", reviewID))
	}
	r.logger.Info("recipe stats updated",
		zap.String("recipe_id", recipeID.String()),
		zap.Float64("average_rating", outcome.AverageRating),
		zap.Int64("review_count", outcome.ReviewCount))
	return outcome, nil
}
