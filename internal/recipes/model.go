package recipes

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

// Document keys of the derived review statistics.
const (
	FieldAverageRating = "averageRating"
	FieldReviewCount   = "reviewCount"
	FieldUpdatedAt     = "updatedAt"
)

// Columns holding the derived review statistics.
const (
	ColumnAverageRating = "average_rating"
	ColumnReviewCount   = "review_count"
	ColumnUpdatedAt     = "updated_at"
)

var (
	// ErrInvalidRecipeID indicates that a recipe identifier is empty or exceeds storage bounds.
	ErrInvalidRecipeID = errors.New("recipes: invalid recipe id")
	// ErrRecipeNotFound indicates that no recipe exists for the identifier.
	ErrRecipeNotFound = errors.New("recipes: recipe not found")
)

// RecipeID represents a validated recipe identifier.
type RecipeID string

// NewRecipeID validates raw input and returns a RecipeID.
func NewRecipeID(rawInput string) (RecipeID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecipeID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRecipeID, maxIdentifierLength)
	}
	return RecipeID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RecipeID) String() string {
	return string(id)
}

// Recipe stores the derived review statistics as typed columns and every
// other recipe field as an opaque JSON bag.
type Recipe struct {
	RecipeID      string    `gorm:"column:recipe_id;primaryKey;size:190;not null"`
	AverageRating float64   `gorm:"column:average_rating;not null;default:0"`
	ReviewCount   int64     `gorm:"column:review_count;not null;default:0"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false"`
	FieldsJSON    string    `gorm:"column:fields_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Recipe) TableName() string {
	return "recipes"
}

// Fields decodes the pass-through bag.
func (r Recipe) Fields() (map[string]any, error) {
	fields := map[string]any{}
	if strings.TrimSpace(r.FieldsJSON) == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(r.FieldsJSON), &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}

// Document merges the pass-through bag with the derived statistics.
func (r Recipe) Document() (map[string]any, error) {
	document, err := r.Fields()
	if err != nil {
		return nil, err
	}
	document[FieldAverageRating] = r.AverageRating
	document[FieldReviewCount] = r.ReviewCount
	document[FieldUpdatedAt] = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	return document, nil
}

// encodeFields drops derived keys so callers can never set them through the bag.
func encodeFields(fields map[string]any) (string, error) {
	bag := make(map[string]any, len(fields))
	for key, value := range fields {
		switch key {
		case FieldAverageRating, FieldReviewCount, FieldUpdatedAt:
			continue
		}
		bag[key] = value
	}
	encoded, err := json.Marshal(bag)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
