package stats

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/recipes"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/reviews"
)

// RecipeStats is the typed subset of a recipe that the recalculator reads.
type RecipeStats struct {
	RecipeID      recipes.RecipeID
	AverageRating float64
	ReviewCount   int64
	UpdatedAt     time.Time
}

// ReviewDocument is one review as seen by a sibling scan. Fields is nil when
// the stored document could not be decoded.
type ReviewDocument struct {
	ReviewID string
	Fields   map[string]any
}

// Rating returns the raw rating value and whether the key is present.
func (d ReviewDocument) Rating() (any, bool) {
	if d.Fields == nil {
		return nil, false
	}
	value, ok := d.Fields[reviews.FieldRating]
	return value, ok
}

// Transaction is the consistent view a recomputation runs against. Reads and
// the stats write observe and commit one snapshot.
type Transaction interface {
	// GetRecipe returns the recipe and whether it exists.
	GetRecipe(ctx context.Context, recipeID recipes.RecipeID) (RecipeStats, bool, error)
	// ListReviewsByRecipe returns every review whose recipeId equals recipeID.
	ListReviewsByRecipe(ctx context.Context, recipeID recipes.RecipeID) ([]ReviewDocument, error)
	// UpdateRecipeStats writes exactly averageRating, reviewCount and updatedAt.
	// The store assigns updatedAt from its own clock and returns it.
	UpdateRecipeStats(ctx context.Context, recipeID recipes.RecipeID, averageRating float64, reviewCount int64) (time.Time, error)
}

// Store runs work inside a serializable transaction. Implementations retry the
// work on write conflicts, so work must be safe to run more than once.
type Store interface {
	RunInTransaction(ctx context.Context, work func(tx Transaction) error) error
}
