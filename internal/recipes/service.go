package recipes

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew = "recipes.service.new"
	opPutRecipe  = "recipes.put"
	opGetRecipe  = "recipes.get"

	fieldRecipeID = "recipe_id"
	queryRecipeID = fieldRecipeID + " = ?"
)

var errMissingDatabase = errors.New("database handle is required")

// ServiceConfig describes the dependencies of the recipe service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service stores recipe documents. It never writes the derived statistics of
// an existing recipe; those belong to the stats recalculator.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// PutRecipe creates the recipe with zeroed statistics or replaces the
// pass-through fields of an existing one.
func (s *Service) PutRecipe(ctx context.Context, recipeID RecipeID, fields map[string]any) (Recipe, error) {
	encoded, err := encodeFields(fields)
	if err != nil {
		return Recipe{}, serviceerr.New(opPutRecipe, "encode_failed", err)
	}

	var stored Recipe
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryRecipeID, recipeID.String()).
			Take(&stored).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			stored = Recipe{
				RecipeID:      recipeID.String(),
				AverageRating: 0,
				ReviewCount:   0,
				UpdatedAt:     s.clock().UTC(),
				FieldsJSON:    encoded,
			}
			if err := tx.Create(&stored).Error; err != nil {
				return serviceerr.New(opPutRecipe, "insert_failed", err)
			}
			return nil
		}
		if err != nil {
			return serviceerr.New(opPutRecipe, "select_failed", err)
		}
		if err := tx.Model(&Recipe{}).
			Where(queryRecipeID, recipeID.String()).
			Update("fields_json", encoded).Error; err != nil {
			return serviceerr.New(opPutRecipe, "update_failed", err)
		}
		stored.FieldsJSON = encoded
		return nil
	})
	if txErr != nil {
		s.logger.Error("recipes service error",
			zap.String("operation", opPutRecipe),
			zap.String(fieldRecipeID, recipeID.String()),
			zap.Error(txErr))
		return Recipe{}, txErr
	}
	return stored, nil
}

// GetRecipe loads a recipe by identifier.
func (s *Service) GetRecipe(ctx context.Context, recipeID RecipeID) (Recipe, error) {
	var stored Recipe
	err := s.db.WithContext(ctx).Where(queryRecipeID, recipeID.String()).Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Recipe{}, serviceerr.New(opGetRecipe, "not_found", ErrRecipeNotFound)
	}
	if err != nil {
		s.logger.Error("recipes service error",
			zap.String("operation", opGetRecipe),
			zap.String(fieldRecipeID, recipeID.String()),
			zap.Error(err))
		return Recipe{}, serviceerr.New(opGetRecipe, "query_failed", err)
	}
	return stored, nil
}
