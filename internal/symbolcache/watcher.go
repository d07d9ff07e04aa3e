package symbolcache

import (
	"context"
	"time"

	"github.com/quotewire/marketdata-gateway/infrastructure/logging"
)

// ChangeEventType classifies a durable rule-document change.
type ChangeEventType string

const (
	ChangeCreate ChangeEventType = "create"
	ChangeUpdate ChangeEventType = "update"
	ChangeDelete ChangeEventType = "delete"
)

// ChangeEvent is one create/update/delete notification for a provider's
// durable symbol mapping document.
type ChangeEvent struct {
	Type     ChangeEventType
	Provider string
	Symbol   string
}

// ChangeStreamSource delivers change events until ctx is cancelled or the
// stream is lost, in which case it returns an error so the watcher can
// reconnect with backoff.
type ChangeStreamSource interface {
	Watch(ctx context.Context, events chan<- ChangeEvent) error
}

// Watcher reconnects to a ChangeStreamSource with exponential backoff and
// applies incoming events to a Cache.
type Watcher struct {
	source          ChangeStreamSource
	cache           *Cache
	logger          *logging.Logger
	maxReconnectDelay time.Duration
}

// NewWatcher creates a Watcher.
func NewWatcher(source ChangeStreamSource, cache *Cache, logger *logging.Logger, maxReconnectDelay time.Duration) *Watcher {
	if maxReconnectDelay <= 0 {
		maxReconnectDelay = 30 * time.Second
	}
	return &Watcher{source: source, cache: cache, logger: logger, maxReconnectDelay: maxReconnectDelay}
}

// Run watches for change events until ctx is cancelled, reconnecting with
// exponential backoff on stream loss.
func (w *Watcher) Run(ctx context.Context) {
	delay := 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		events := make(chan ChangeEvent, 64)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					w.apply(ev)
				}
			}
		}()

		err := w.source.Watch(ctx, events)
		close(events)
		<-done

		if ctx.Err() != nil {
			return
		}
		if w.logger != nil {
			w.logger.LogStreamEvent(ctx, "change_stream", "reconnecting", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > w.maxReconnectDelay {
			delay = w.maxReconnectDelay
		}
	}
}

func (w *Watcher) apply(ev ChangeEvent) {
	switch ev.Type {
	case ChangeCreate:
		// A new provider document does not invalidate anything cached.
	case ChangeUpdate, ChangeDelete:
		w.cache.InvalidateProvider(ev.Provider)
	}
}
