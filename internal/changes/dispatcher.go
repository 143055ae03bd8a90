package changes

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const defaultDispatcherBuffer = 64

// Dispatcher fans change events out to in-process subscribers of a collection.
// Publishing never blocks: a subscriber whose buffer is full misses the event.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan ChangeEvent
}

// NewDispatcher builds a dispatcher whose subscribers buffer bufferSize events.
func NewDispatcher(bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultDispatcherBuffer
	}
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a stream for the collection. The subscription ends when
// ctx is done or the returned cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, collection string) (<-chan ChangeEvent, func()) {
	if collection == "" {
		ch := make(chan ChangeEvent)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan ChangeEvent, d.bufferSize),
	}
	d.registerSubscriber(collection, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(collection, sub.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers the event to every subscriber of its collection and
// returns how many subscribers dropped it.
func (d *Dispatcher) Publish(event ChangeEvent) int {
	if event.Collection == "" || event.ReviewID == "" {
		return 0
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.Collection]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return 0
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()

	dropped := 0
	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		EventsDropped.Add(float64(dropped))
	}
	return dropped
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) registerSubscriber(collection string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[collection]; !ok {
		d.subscribers[collection] = make(map[int64]*subscriber)
	}
	d.subscribers[collection][sub.id] = sub
}

func (d *Dispatcher) unregisterSubscriber(collection string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[collection]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, collection)
		}
	}
	d.mu.Unlock()
}

// DispatcherSource feeds review change events from a Dispatcher into a handler.
type DispatcherSource struct {
	dispatcher *Dispatcher
	attempts   int
	logger     *zap.Logger
}

// NewDispatcherSource wraps the dispatcher as a Source.
func NewDispatcherSource(dispatcher *Dispatcher, logger *zap.Logger) *DispatcherSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DispatcherSource{
		dispatcher: dispatcher,
		attempts:   defaultHandlerAttempts,
		logger:     logger,
	}
}

// Run consumes events until ctx is done.
func (s *DispatcherSource) Run(ctx context.Context, handler Handler) error {
	stream, cleanup := s.dispatcher.Subscribe(ctx, CollectionReviews)
	defer cleanup()

	s.logger.Info("dispatcher source started", zap.String("collection", CollectionReviews))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("dispatcher source stopping")
			return nil
		case event, ok := <-stream:
			if !ok {
				return nil
			}
			if err := handleWithRetry(ctx, handler, event, s.attempts, sourceDispatcher, s.logger); err != nil {
				EventsHandled.WithLabelValues(sourceDispatcher, outcomeFailed).Inc()
				s.logger.Error("change event abandoned",
					zap.String("source", sourceDispatcher),
					zap.String("change_id", event.ChangeID),
					zap.String("review_id", event.ReviewID),
					zap.Error(err))
				continue
			}
			EventsHandled.WithLabelValues(sourceDispatcher, outcomeHandled).Inc()
		}
	}
}
