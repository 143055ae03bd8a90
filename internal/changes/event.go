package changes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CollectionReviews names the collection whose writes produce change events.
const CollectionReviews = "reviews"

// ErrInvalidChangeEvent indicates that a change event payload could not be used.
var ErrInvalidChangeEvent = errors.New("changes: invalid change event")

// Kind classifies a change event by which snapshots are present.
type Kind string

const (
	// KindCreate marks an event without a before snapshot.
	KindCreate Kind = "create"
	// KindUpdate marks an event carrying both snapshots.
	KindUpdate Kind = "update"
	// KindDelete marks an event without an after snapshot.
	KindDelete Kind = "delete"
	// KindNone marks an event carrying neither snapshot.
	KindNone Kind = "none"
)

// Snapshot is one document state. A nil Snapshot means the document did not exist.
type Snapshot map[string]any

// Exists reports whether the snapshot represents a stored document.
func (s Snapshot) Exists() bool {
	return s != nil
}

// String returns the value under key when it is a non-empty string.
func (s Snapshot) String(key string) (string, bool) {
	if s == nil {
		return "", false
	}
	value, ok := s[key].(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

// ChangeEvent is a before/after pair for one document write.
type ChangeEvent struct {
	ChangeID   string    `json:"change_id"`
	Collection string    `json:"collection"`
	ReviewID   string    `json:"review_id"`
	Before     Snapshot  `json:"before"`
	After      Snapshot  `json:"after"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Kind derives the write type from the snapshots.
func (e ChangeEvent) Kind() Kind {
	switch {
	case e.Before.Exists() && e.After.Exists():
		return KindUpdate
	case e.After.Exists():
		return KindCreate
	case e.Before.Exists():
		return KindDelete
	default:
		return KindNone
	}
}

// Path returns the document path the event is bound to, e.g. reviews/{reviewId}.
func (e ChangeEvent) Path() string {
	return e.Collection + "/" + e.ReviewID
}

// Handler processes a single change event.
type Handler func(ctx context.Context, event ChangeEvent) error

// Source delivers change events to a handler until the context ends.
type Source interface {
	Run(ctx context.Context, handler Handler) error
}

// DecodeChangeEvent parses a JSON change event and fills defaults.
func DecodeChangeEvent(data []byte) (ChangeEvent, error) {
	var event ChangeEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: %v", ErrInvalidChangeEvent, err)
	}
	return normalizeChangeEvent(event)
}

func normalizeChangeEvent(event ChangeEvent) (ChangeEvent, error) {
	event.ReviewID = strings.TrimSpace(event.ReviewID)
	if event.ReviewID == "" {
		return ChangeEvent{}, fmt.Errorf("%w: empty review id", ErrInvalidChangeEvent)
	}
	if event.Collection == "" {
		event.Collection = CollectionReviews
	}
	if event.Collection != CollectionReviews {
		return ChangeEvent{}, fmt.Errorf("%w: unsupported collection %q", ErrInvalidChangeEvent, event.Collection)
	}
	return event, nil
}

// EncodeSnapshot serializes a snapshot; an absent snapshot encodes to an empty string.
func EncodeSnapshot(snapshot Snapshot) (string, error) {
	if snapshot == nil {
		return "", nil
	}
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// DecodeSnapshot parses a stored snapshot; empty input and JSON null decode to an absent snapshot.
func DecodeSnapshot(raw string) (Snapshot, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var snapshot Snapshot
	if err := json.Unmarshal([]byte(trimmed), &snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}
