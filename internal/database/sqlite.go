package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/changes"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/recipes"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/reviews"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const busyTimeoutMilliseconds = 5000

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d;", busyTimeoutMilliseconds)).Error; err != nil && logger != nil {
		logger.Warn("sqlite busy timeout not applied", zap.Error(err))
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Migrate creates or updates every table the service owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&recipes.Recipe{}, &reviews.Review{}, &changes.ReviewChange{}, &migrationRecord{})
}
