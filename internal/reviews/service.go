package reviews

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/changes"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew    = "reviews.service.new"
	opPutReview     = "reviews.put"
	opDeleteReview  = "reviews.delete"
	opListByRecipe  = "reviews.list_by_recipe"
	fieldReviewID   = "review_id"
	fieldRecipeID   = "recipe_id"
	queryReviewID   = fieldReviewID + " = ?"
	queryRecipeID   = fieldRecipeID + " = ?"
	orderReviewID   = fieldReviewID + " ASC"
	reasonIDFailed  = "id_generation_failed"
	reasonLogFailed = "change_log_append_failed"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// Publisher receives change events after their write has committed.
type Publisher interface {
	Publish(event changes.ChangeEvent) int
}

// ServiceConfig describes the dependencies of the review service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider changes.IDProvider
	Publisher  Publisher
	Logger     *zap.Logger
}

// Service writes review documents. Every write appends a change-log row in
// the same transaction and is then offered to the publisher.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider changes.IDProvider
	publisher  Publisher
	logger     *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, serviceerr.New(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		publisher:  cfg.Publisher,
		logger:     logger,
	}, nil
}

// PutReview creates or replaces a review document and returns the resulting change event.
func (s *Service) PutReview(ctx context.Context, reviewID ReviewID, document changes.Snapshot) (changes.ChangeEvent, error) {
	if document == nil {
		return changes.ChangeEvent{}, serviceerr.New(opPutReview, "missing_document", ErrInvalidDocument)
	}
	encoded, err := changes.EncodeSnapshot(document)
	if err != nil {
		return changes.ChangeEvent{}, serviceerr.New(opPutReview, "encode_failed", err)
	}
	after, err := changes.DecodeSnapshot(encoded)
	if err != nil {
		return changes.ChangeEvent{}, serviceerr.New(opPutReview, "encode_failed", err)
	}

	var event changes.ChangeEvent
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, found, err := s.lockReview(tx, reviewID)
		if err != nil {
			return s.fail(opPutReview, "select_failed", err, reviewID)
		}

		now := s.clock().UTC()
		var before changes.Snapshot
		if found {
			before, err = existing.Document()
			if err != nil {
				s.logger.Warn("stored review document is not decodable",
					zap.String(fieldReviewID, reviewID.String()),
					zap.Error(err))
				before = changes.Snapshot{}
			}
			if err := tx.Model(&Review{}).
				Where(queryReviewID, reviewID.String()).
				Updates(map[string]any{
					"recipe_id":     RecipeIDOf(after),
					"document_json": encoded,
					"updated_at_s":  now.Unix(),
				}).Error; err != nil {
				return s.fail(opPutReview, "update_failed", err, reviewID)
			}
		} else {
			record := Review{
				ReviewID:         reviewID.String(),
				RecipeID:         RecipeIDOf(after),
				DocumentJSON:     encoded,
				CreatedAtSeconds: now.Unix(),
				UpdatedAtSeconds: now.Unix(),
			}
			if err := tx.Create(&record).Error; err != nil {
				return s.fail(opPutReview, "insert_failed", err, reviewID)
			}
		}

		event, err = s.appendChange(tx, opPutReview, reviewID, before, after, now)
		return err
	})
	if txErr != nil {
		return changes.ChangeEvent{}, txErr
	}

	s.publish(event)
	return event, nil
}

// DeleteReview removes a review document. The boolean reports whether a
// document existed; deleting a missing review records no change.
func (s *Service) DeleteReview(ctx context.Context, reviewID ReviewID) (changes.ChangeEvent, bool, error) {
	var (
		event   changes.ChangeEvent
		deleted bool
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, found, err := s.lockReview(tx, reviewID)
		if err != nil {
			return s.fail(opDeleteReview, "select_failed", err, reviewID)
		}
		if !found {
			return nil
		}

		before, err := existing.Document()
		if err != nil {
			s.logger.Warn("stored review document is not decodable",
				zap.String(fieldReviewID, reviewID.String()),
				zap.Error(err))
			before = changes.Snapshot{}
		}
		if err := tx.Where(queryReviewID, reviewID.String()).Delete(&Review{}).Error; err != nil {
			return s.fail(opDeleteReview, "delete_failed", err, reviewID)
		}

		event, err = s.appendChange(tx, opDeleteReview, reviewID, before, nil, s.clock().UTC())
		if err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if txErr != nil {
		return changes.ChangeEvent{}, false, txErr
	}
	if deleted {
		s.publish(event)
	}
	return event, deleted, nil
}

// ListReviews returns the reviews whose recipeId matches.
func (s *Service) ListReviews(ctx context.Context, recipeID string) ([]Review, error) {
	var records []Review
	if err := s.db.WithContext(ctx).
		Where(queryRecipeID, recipeID).
		Order(orderReviewID).
		Find(&records).Error; err != nil {
		s.logger.Error("reviews service error",
			zap.String("operation", opListByRecipe),
			zap.String(fieldRecipeID, recipeID),
			zap.Error(err))
		return nil, serviceerr.New(opListByRecipe, "query_failed", err)
	}
	return records, nil
}

func (s *Service) lockReview(tx *gorm.DB, reviewID ReviewID) (Review, bool, error) {
	var existing Review
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryReviewID, reviewID.String()).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Review{}, false, nil
	}
	if err != nil {
		return Review{}, false, err
	}
	return existing, true, nil
}

func (s *Service) appendChange(tx *gorm.DB, operation string, reviewID ReviewID, before, after changes.Snapshot, occurredAt time.Time) (changes.ChangeEvent, error) {
	changeID, err := s.idProvider.NewID()
	if err != nil {
		return changes.ChangeEvent{}, s.fail(operation, reasonIDFailed, err, reviewID)
	}
	event := changes.ChangeEvent{
		ChangeID:   changeID,
		Collection: changes.CollectionReviews,
		ReviewID:   reviewID.String(),
		Before:     before,
		After:      after,
		OccurredAt: occurredAt,
	}
	row, err := changes.NewReviewChange(event)
	if err != nil {
		return changes.ChangeEvent{}, s.fail(operation, reasonLogFailed, err, reviewID)
	}
	if err := tx.Create(&row).Error; err != nil {
		return changes.ChangeEvent{}, s.fail(operation, reasonLogFailed, err, reviewID)
	}
	return event, nil
}

func (s *Service) publish(event changes.ChangeEvent) {
	if s.publisher == nil {
		return
	}
	if dropped := s.publisher.Publish(event); dropped > 0 {
		s.logger.Warn("change event dropped by dispatcher",
			zap.String("change_id", event.ChangeID),
			zap.String(fieldReviewID, event.ReviewID),
			zap.Int("dropped", dropped))
	}
}

func (s *Service) fail(operation, reason string, err error, reviewID ReviewID) error {
	s.logger.Error("reviews service error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String(fieldReviewID, reviewID.String()),
		zap.Error(err))
	return serviceerr.New(operation, reason, err)
}
