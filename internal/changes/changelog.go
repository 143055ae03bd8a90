package changes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Status tracks a change-log row through delivery.
type Status string

const (
	// StatusPending rows wait for delivery.
	StatusPending Status = "pending"
	// StatusDone rows were handled successfully.
	StatusDone Status = "done"
	// StatusFailed rows exhausted their attempts or could not be decoded.
	StatusFailed Status = "failed"
)

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 100
	defaultMaxAttempts  = 5
	maxLastErrorLength  = 1024
)

var errMissingDatabase = errors.New("changes: database handle is required")

// ReviewChange is the durable change log appended with every review write.
type ReviewChange struct {
	Sequence           int64  `gorm:"column:sequence;primaryKey;autoIncrement"`
	ChangeID           string `gorm:"column:change_id;size:190;not null;uniqueIndex"`
	Collection         string `gorm:"column:collection;size:64;not null"`
	ReviewID           string `gorm:"column:review_id;size:190;not null;index"`
	BeforeJSON         string `gorm:"column:before_json;type:text;not null;default:''"`
	AfterJSON          string `gorm:"column:after_json;type:text;not null;default:''"`
	OccurredAtSeconds  int64  `gorm:"column:occurred_at_s;not null"`
	Status             Status `gorm:"column:status;size:16;not null;index:idx_review_changes_status_seq,priority:1"`
	Attempts           int    `gorm:"column:attempts;not null;default:0"`
	LastError          string `gorm:"column:last_error;type:text;not null;default:''"`
	ProcessedAtSeconds *int64 `gorm:"column:processed_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (ReviewChange) TableName() string {
	return "review_changes"
}

// NewReviewChange encodes an event as a pending change-log row.
func NewReviewChange(event ChangeEvent) (ReviewChange, error) {
	before, err := EncodeSnapshot(event.Before)
	if err != nil {
		return ReviewChange{}, fmt.Errorf("encode before snapshot: %w", err)
	}
	after, err := EncodeSnapshot(event.After)
	if err != nil {
		return ReviewChange{}, fmt.Errorf("encode after snapshot: %w", err)
	}
	collection := event.Collection
	if collection == "" {
		collection = CollectionReviews
	}
	return ReviewChange{
		ChangeID:          event.ChangeID,
		Collection:        collection,
		ReviewID:          event.ReviewID,
		BeforeJSON:        before,
		AfterJSON:         after,
		OccurredAtSeconds: event.OccurredAt.UTC().Unix(),
		Status:            StatusPending,
	}, nil
}

// Event decodes the row back into a change event.
func (c ReviewChange) Event() (ChangeEvent, error) {
	before, err := DecodeSnapshot(c.BeforeJSON)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: before snapshot: %v", ErrInvalidChangeEvent, err)
	}
	after, err := DecodeSnapshot(c.AfterJSON)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: after snapshot: %v", ErrInvalidChangeEvent, err)
	}
	return ChangeEvent{
		ChangeID:   c.ChangeID,
		Collection: c.Collection,
		ReviewID:   c.ReviewID,
		Before:     before,
		After:      after,
		OccurredAt: time.Unix(c.OccurredAtSeconds, 0).UTC(),
	}, nil
}

// ChangeLogPollerConfig describes the dependencies of a ChangeLogPoller.
type ChangeLogPollerConfig struct {
	Database     *gorm.DB
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	Clock        func() time.Time
	Logger       *zap.Logger
}

// ChangeLogPoller delivers pending review_changes rows in sequence order.
type ChangeLogPoller struct {
	db           *gorm.DB
	pollInterval time.Duration
	batchSize    int
	maxAttempts  int
	clock        func() time.Time
	logger       *zap.Logger
}

// NewChangeLogPoller validates the configuration and applies defaults.
func NewChangeLogPoller(cfg ChangeLogPollerConfig) (*ChangeLogPoller, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChangeLogPoller{
		db:           cfg.Database,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		maxAttempts:  maxAttempts,
		clock:        clock,
		logger:       logger,
	}, nil
}

// Run drains the change log every poll interval until ctx is done.
func (p *ChangeLogPoller) Run(ctx context.Context, handler Handler) error {
	p.logger.Info("change log poller started",
		zap.Duration("poll_interval", p.pollInterval),
		zap.Int("batch_size", p.batchSize))

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		if _, err := p.Drain(ctx, handler); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("change log drain failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			p.logger.Info("change log poller stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// Drain delivers one batch of pending rows and returns how many were settled
// as done or failed.
func (p *ChangeLogPoller) Drain(ctx context.Context, handler Handler) (int, error) {
	var pending []ReviewChange
	if err := p.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("sequence ASC").
		Limit(p.batchSize).
		Find(&pending).Error; err != nil {
		return 0, err
	}

	settled := 0
	for _, row := range pending {
		if err := ctx.Err(); err != nil {
			return settled, err
		}

		event, decodeErr := row.Event()
		if decodeErr != nil {
			p.logger.Error("change log row is not decodable",
				zap.Int64("sequence", row.Sequence),
				zap.String("change_id", row.ChangeID),
				zap.Error(decodeErr))
			EventsHandled.WithLabelValues(sourceChangeLog, outcomeRejected).Inc()
			if err := p.settle(ctx, row, StatusFailed, row.Attempts, decodeErr); err != nil {
				return settled, err
			}
			settled++
			continue
		}

		attempts := row.Attempts + 1
		handlerErr := handler(ctx, event)
		if handlerErr == nil {
			EventsHandled.WithLabelValues(sourceChangeLog, outcomeHandled).Inc()
			if err := p.settle(ctx, row, StatusDone, attempts, nil); err != nil {
				return settled, err
			}
			settled++
			continue
		}

		if attempts >= p.maxAttempts {
			p.logger.Error("change log row exhausted attempts",
				zap.Int64("sequence", row.Sequence),
				zap.String("change_id", row.ChangeID),
				zap.String("review_id", row.ReviewID),
				zap.Int("attempts", attempts),
				zap.Error(handlerErr))
			EventsHandled.WithLabelValues(sourceChangeLog, outcomeFailed).Inc()
			if err := p.settle(ctx, row, StatusFailed, attempts, handlerErr); err != nil {
				return settled, err
			}
			settled++
			continue
		}

		p.logger.Warn("change log row will be retried",
			zap.Int64("sequence", row.Sequence),
			zap.String("change_id", row.ChangeID),
			zap.String("review_id", row.ReviewID),
			zap.Int("attempts", attempts),
			zap.Error(handlerErr))
		if err := p.db.WithContext(ctx).Model(&ReviewChange{}).
			Where("sequence = ?", row.Sequence).
			Updates(map[string]any{
				"attempts":   attempts,
				"last_error": truncateError(handlerErr),
			}).Error; err != nil {
			return settled, err
		}
	}
	return settled, nil
}

func (p *ChangeLogPoller) settle(ctx context.Context, row ReviewChange, status Status, attempts int, cause error) error {
	processedAt := p.clock().UTC().Unix()
	return p.db.WithContext(ctx).Model(&ReviewChange{}).
		Where("sequence = ?", row.Sequence).
		Updates(map[string]any{
			"status":         status,
			"attempts":       attempts,
			"last_error":     truncateError(cause),
			"processed_at_s": processedAt,
		}).Error
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	message := err.Error()
	if len(message) > maxLastErrorLength {
		return message[:maxLastErrorLength]
	}
	return message
}
