package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	streamKeyPrefix = "drover:events:"
	streamMaxLen    = 1000
	streamTTL       = 24 * time.Hour

	mirrorQueueSize   = 512
	mirrorFlushWindow = 5 * time.Second
)

// RedisMirror copies published events onto capped Redis Streams, one
// stream per scope, so consumers outside the process can tail them.
// Mirroring is best-effort: a full queue or a Redis error drops the
// event rather than slowing publishers.
type RedisMirror struct {
	client *redis.Client
	logger *zap.Logger

	queue chan mirrorItem
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once

	droppedMu sync.Mutex
	dropped   int64
}

type mirrorItem struct {
	scope string
	event Event
}

// NewRedisMirror starts the mirror worker over an existing Redis client.
func NewRedisMirror(client *redis.Client, logger *zap.Logger) *RedisMirror {
	r := &RedisMirror{
		client: client,
		logger: logger,
		queue:  make(chan mirrorItem, mirrorQueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Enqueue hands an event to the mirror worker without blocking.
func (r *RedisMirror) Enqueue(scope string, evt Event) {
	if r == nil {
		return
	}
	select {
	case <-r.stop:
		return
	default:
	}

	select {
	case r.queue <- mirrorItem{scope: scope, event: evt}:
	default:
		r.droppedMu.Lock()
		r.dropped++
		n := r.dropped
		r.droppedMu.Unlock()
		if n%100 == 1 {
			r.logger.Warn("Event mirror queue full, dropping",
				zap.String("scope", scope),
				zap.Int64("dropped_total", n))
		}
	}
}

// Close stops the worker after draining queued events.
func (r *RedisMirror) Close() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		close(r.stop)
		<-r.done
	})
}

func (r *RedisMirror) run() {
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

func (r *RedisMirror) write(item mirrorItem) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorFlushWindow)
	defer cancel()

	key := streamKeyPrefix + item.scope
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":  item.event.Type,
			"event": string(item.event.Marshal()),
		},
	}).Err()
	if err != nil {
		r.logger.Warn("Failed to mirror event to Redis",
			zap.String("scope", item.scope),
			zap.Error(err))
		return
	}

	if err := r.client.Expire(ctx, key, streamTTL).Err(); err != nil {
		r.logger.Debug("Failed to refresh stream TTL",
			zap.String("scope", item.scope),
			zap.Error(err))
	}
}
