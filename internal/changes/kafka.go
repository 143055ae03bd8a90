package changes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const fetchRetryDelay = 500 * time.Millisecond

var (
	errMissingBrokers = errors.New("changes: kafka brokers are required")
	errMissingTopic   = errors.New("changes: kafka topic is required")
	errMissingGroupID = errors.New("changes: kafka group id is required")

	// ErrChangeEventUndelivered reports a handler failure that left the message uncommitted.
	ErrChangeEventUndelivered = errors.New("changes: change event not handled")
)

// Headers attached to dead-lettered messages.
const (
	headerDeadLetterTopic     = "dlq.original_topic"
	headerDeadLetterPartition = "dlq.original_partition"
	headerDeadLetterOffset    = "dlq.original_offset"
	headerDeadLetterGroup     = "dlq.consumer_group"
	headerDeadLetterError     = "dlq.error"
)

// KafkaConfig holds the consumer settings of a KafkaSource.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	GroupID  string
	MinBytes int
	MaxBytes int
	// DeadLetterTopic receives messages the handler could not process. When
	// empty, a failing message stops the source without being committed.
	DeadLetterTopic string
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, messages ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, messages ...kafka.Message) error
	Close() error
}

// KafkaSource consumes JSON change events from a Kafka topic. Messages are
// committed after the handler succeeds. A message that keeps failing is
// published to the dead-letter topic and committed; without a dead-letter
// topic, Run returns an error and the offset stays uncommitted so the
// message is redelivered on restart. Undecodable messages are dead-lettered
// when possible and otherwise committed and skipped.
type KafkaSource struct {
	reader          messageReader
	deadLetter      messageWriter
	topic           string
	deadLetterTopic string
	groupID         string
	attempts        int
	logger          *zap.Logger
	closeOnce       sync.Once
}

// NewKafkaSource builds a consumer-group reader for the configured topic.
func NewKafkaSource(cfg KafkaConfig, logger *zap.Logger) (*KafkaSource, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, broker := range cfg.Brokers {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, errMissingBrokers
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errMissingTopic
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, errMissingGroupID
	}
	minBytes := cfg.MinBytes
	if minBytes <= 0 {
		minBytes = 1
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10e6
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: minBytes,
		MaxBytes: maxBytes,
	})
	source := newKafkaSource(reader, cfg.Topic, cfg.GroupID, logger)
	if deadLetterTopic := strings.TrimSpace(cfg.DeadLetterTopic); deadLetterTopic != "" {
		source.deadLetterTopic = deadLetterTopic
		source.deadLetter = &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        deadLetterTopic,
			Balancer:     &kafka.LeastBytes{},
			BatchSize:    1,
			BatchTimeout: 100 * time.Millisecond,
			RequiredAcks: kafka.RequireAll,
		}
	}
	return source, nil
}

func newKafkaSource(reader messageReader, topic, groupID string, logger *zap.Logger) *KafkaSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSource{
		reader:   reader,
		topic:    topic,
		groupID:  groupID,
		attempts: defaultHandlerAttempts,
		logger:   logger,
	}
}

// Run consumes messages until ctx is done, then closes the reader.
func (s *KafkaSource) Run(ctx context.Context, handler Handler) error {
	s.logger.Info("kafka source started",
		zap.String("topic", s.topic),
		zap.String("group", s.groupID))
	defer s.Close() //nolint:errcheck

	for {
		message, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("kafka source stopping", zap.String("topic", s.topic))
				return nil
			}
			s.logger.Error("failed to fetch message", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(fetchRetryDelay):
			}
			continue
		}

		event, decodeErr := decodeKafkaMessage(message)
		if decodeErr != nil {
			s.logger.Error("failed to decode change event",
				zap.String("topic", message.Topic),
				zap.Int("partition", message.Partition),
				zap.Int64("offset", message.Offset),
				zap.Error(decodeErr))
			EventsHandled.WithLabelValues(sourceKafka, outcomeRejected).Inc()
			if s.deadLetter != nil {
				if err := s.publishDeadLetter(ctx, message, decodeErr); err != nil {
					return err
				}
			}
			s.commit(ctx, message)
			continue
		}

		if err := handleWithRetry(ctx, handler, event, s.attempts, sourceKafka, s.logger); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			EventsHandled.WithLabelValues(sourceKafka, outcomeFailed).Inc()
			if s.deadLetter == nil {
				s.logger.Error("handler failed after all retries, stopping without commit",
					zap.String("change_id", event.ChangeID),
					zap.String("review_id", event.ReviewID),
					zap.Int("partition", message.Partition),
					zap.Int64("offset", message.Offset),
					zap.Error(err))
				return fmt.Errorf("%w: change %s at offset %d: %v", ErrChangeEventUndelivered, event.ChangeID, message.Offset, err)
			}
			s.logger.Error("handler failed after all retries, dead-lettering message",
				zap.String("change_id", event.ChangeID),
				zap.String("review_id", event.ReviewID),
				zap.Int("partition", message.Partition),
				zap.Int64("offset", message.Offset),
				zap.Error(err))
			if publishErr := s.publishDeadLetter(ctx, message, err); publishErr != nil {
				return publishErr
			}
			s.commit(ctx, message)
			continue
		}

		EventsHandled.WithLabelValues(sourceKafka, outcomeHandled).Inc()
		s.commit(ctx, message)
	}
}

// Close closes the reader and the dead-letter writer. It is safe to call
// multiple times.
func (s *KafkaSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.reader.Close()
		if s.deadLetter != nil {
			err = errors.Join(err, s.deadLetter.Close())
		}
	})
	return err
}

// publishDeadLetter copies the message to the dead-letter topic with its
// origin and failure recorded in headers.
func (s *KafkaSource) publishDeadLetter(ctx context.Context, message kafka.Message, cause error) error {
	headers := make([]kafka.Header, 0, len(message.Headers)+5)
	headers = append(headers, message.Headers...)
	headers = append(headers,
		kafka.Header{Key: headerDeadLetterTopic, Value: []byte(message.Topic)},
		kafka.Header{Key: headerDeadLetterPartition, Value: []byte(strconv.Itoa(message.Partition))},
		kafka.Header{Key: headerDeadLetterOffset, Value: []byte(strconv.FormatInt(message.Offset, 10))},
		kafka.Header{Key: headerDeadLetterGroup, Value: []byte(s.groupID)},
	)
	if cause != nil {
		headers = append(headers, kafka.Header{Key: headerDeadLetterError, Value: []byte(cause.Error())})
	}
	deadLetter := kafka.Message{Key: message.Key, Value: message.Value, Headers: headers}
	if err := s.deadLetter.WriteMessages(ctx, deadLetter); err != nil {
		s.logger.Error("failed to publish dead letter",
			zap.String("dead_letter_topic", s.deadLetterTopic),
			zap.Int("partition", message.Partition),
			zap.Int64("offset", message.Offset),
			zap.Error(err))
		return fmt.Errorf("%w: dead letter for offset %d: %v", ErrChangeEventUndelivered, message.Offset, err)
	}
	EventsDeadLettered.WithLabelValues(sourceKafka).Inc()
	s.logger.Warn("message sent to dead-letter topic",
		zap.String("dead_letter_topic", s.deadLetterTopic),
		zap.Int("partition", message.Partition),
		zap.Int64("offset", message.Offset))
	return nil
}

func (s *KafkaSource) commit(ctx context.Context, message kafka.Message) {
	if err := s.reader.CommitMessages(ctx, message); err != nil {
		s.logger.Error("failed to commit message",
			zap.Int("partition", message.Partition),
			zap.Int64("offset", message.Offset),
			zap.Error(err))
	}
}

// decodeKafkaMessage parses the message value; the message key stands in for
// a missing review id.
func decodeKafkaMessage(message kafka.Message) (ChangeEvent, error) {
	var event ChangeEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: %v", ErrInvalidChangeEvent, err)
	}
	if strings.TrimSpace(event.ReviewID) == "" {
		event.ReviewID = string(message.Key)
	}
	event, err := normalizeChangeEvent(event)
	if err != nil {
		return ChangeEvent{}, err
	}
	if event.ChangeID == "" {
		event.ChangeID = fmt.Sprintf("kafka:%s:%d:%d", message.Topic, message.Partition, message.Offset)
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = message.Time.UTC()
	}
	return event, nil
}
