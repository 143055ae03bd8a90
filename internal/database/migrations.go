package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillReviewRecipeIDs = "2026-10-01_backfill_review_recipe_ids"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillReviewRecipeIDs, apply: backfillReviewRecipeIDs},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillReviewRecipeIDs fills the indexed recipe_id column of rows written
// before the column existed. Sibling scans filter on that column only.
func backfillReviewRecipeIDs(db *gorm.DB) error {
	return db.Exec(`UPDATE reviews
SET recipe_id = json_extract(document_json, '$.recipeId')
WHERE recipe_id = ''
  AND json_valid(document_json)
  AND json_type(document_json, '$.recipeId') = 'text'
  AND length(json_extract(document_json, '$.recipeId')) <= 190;`).Error
}
