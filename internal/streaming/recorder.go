package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/db"
)

const (
	recorderQueueSize    = 512
	recorderWriteTimeout = 5 * time.Second
)

// Recorder persists published events to the event_logs table, so the
// ops timeline can read history beyond the in-memory ring and replay
// survives restarts. Best-effort like the mirror: a full queue drops
// the event rather than slowing publishers.
type Recorder struct {
	client *db.Client
	logger *zap.Logger

	queue chan recordItem
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once

	droppedMu sync.Mutex
	dropped   int64
}

type recordItem struct {
	scope string
	event Event
}

// NewRecorder starts the recorder worker over the database client.
func NewRecorder(client *db.Client, logger *zap.Logger) *Recorder {
	r := &Recorder{
		client: client,
		logger: logger,
		queue:  make(chan recordItem, recorderQueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Enqueue hands an event to the recorder worker without blocking.
func (r *Recorder) Enqueue(scope string, evt Event) {
	if r == nil {
		return
	}
	select {
	case <-r.stop:
		return
	default:
	}

	select {
	case r.queue <- recordItem{scope: scope, event: evt}:
	default:
		r.droppedMu.Lock()
		r.dropped++
		n := r.dropped
		r.droppedMu.Unlock()
		if n%100 == 1 {
			r.logger.Warn("Event recorder queue full, dropping",
				zap.String("scope", scope),
				zap.Int64("dropped_total", n))
		}
	}
}

// Close stops the worker after draining queued events.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		close(r.stop)
		<-r.done
	})
}

func (r *Recorder) run() {
	defer close(r.done)
	for {
		select {
		case item := <-r.queue:
			r.write(item)
		case <-r.stop:
			for {
				select {
				case item := <-r.queue:
					r.write(item)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(item recordItem) {
	ctx, cancel := context.WithTimeout(context.Background(), recorderWriteTimeout)
	defer cancel()

	entry := &db.EventLog{
		Scope:     item.scope,
		Type:      item.event.Type,
		Message:   item.event.Message,
		Seq:       item.event.Seq,
		Timestamp: item.event.Timestamp,
	}
	if item.event.AgentID != "" {
		if id, err := uuid.Parse(item.event.AgentID); err == nil {
			entry.AgentID = &id
		}
	}
	if item.event.GraphID != "" {
		if id, err := uuid.Parse(item.event.GraphID); err == nil {
			entry.GraphID = &id
		}
	}
	if len(item.event.Payload) > 0 {
		entry.Payload = db.JSONB(item.event.Payload)
	}

	if err := r.client.SaveEventLog(ctx, entry); err != nil {
		r.logger.Warn("Failed to record event",
			zap.String("scope", item.scope),
			zap.String("type", item.event.Type),
			zap.Error(err))
	}
}
