package reviews

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/changes"
)

const maxIdentifierLength = 190

// Review document keys read by this service.
const (
	FieldRecipeID = "recipeId"
	FieldRating   = "rating"
)

var (
	// ErrInvalidReviewID indicates that a review identifier is empty or exceeds storage bounds.
	ErrInvalidReviewID = errors.New("reviews: invalid review id")
	// ErrInvalidDocument indicates that a review document is absent.
	ErrInvalidDocument = errors.New("reviews: invalid document")
)

// ReviewID represents a validated review identifier.
type ReviewID string

// NewReviewID validates raw input and returns a ReviewID.
func NewReviewID(rawInput string) (ReviewID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidReviewID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidReviewID, maxIdentifierLength)
	}
	return ReviewID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ReviewID) String() string {
	return string(id)
}

// Review persists one review document. RecipeID mirrors the document's
// recipeId so sibling scans can filter on an indexed column.
type Review struct {
	ReviewID         string `gorm:"column:review_id;primaryKey;size:190;not null"`
	RecipeID         string `gorm:"column:recipe_id;size:190;not null;default:'';index:idx_reviews_recipe"`
	DocumentJSON     string `gorm:"column:document_json;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Review) TableName() string {
	return "reviews"
}

// Document decodes the stored review document.
func (r Review) Document() (changes.Snapshot, error) {
	snapshot, err := changes.DecodeSnapshot(r.DocumentJSON)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		snapshot = changes.Snapshot{}
	}
	return snapshot, nil
}

// RecipeIDOf returns the document's recipeId, or an empty string when it is
// missing or not a string.
func RecipeIDOf(document changes.Snapshot) string {
	recipeID, _ := document.String(FieldRecipeID)
	return recipeID
}
