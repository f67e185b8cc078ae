// Package mirror copies published snapshots to redis.
package mirror

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/0xc0d3d00d/heatmap/internal/domain"
)

type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Redis stores the latest snapshot under a key and announces it on a channel.
// Snapshots published while a write is in flight replace each other, only the
// newest one is written.
type Redis struct {
	client  redisClient
	key     string
	channel string
	ttl     time.Duration

	pending chan domain.Snapshot
}

func NewRedis(client redisClient, key, channel string, ttl time.Duration) *Redis {
	return &Redis{
		client:  client,
		key:     key,
		channel: channel,
		ttl:     ttl,
		pending: make(chan domain.Snapshot, 1),
	}
}

// Publish queues snapshot for Run. It never blocks.
func (r *Redis) Publish(snapshot domain.Snapshot) {
	for {
		select {
		case r.pending <- snapshot:
			return
		default:
		}
		select {
		case <-r.pending:
		default:
		}
	}
}

// Run writes queued snapshots until ctx is done.
func (r *Redis) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case snapshot := <-r.pending:
			r.write(ctx, snapshot)
		}
	}
}

func (r *Redis) write(ctx context.Context, snapshot domain.Snapshot) {
	if snapshot == nil {
		snapshot = domain.Snapshot{}
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode snapshot", "error", err)
		return
	}

	if err := r.client.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
		slog.WarnContext(ctx, "failed to store snapshot", "key", r.key, "error", err)
		return
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		slog.WarnContext(ctx, "failed to announce snapshot", "channel", r.channel, "error", err)
		return
	}
	slog.DebugContext(ctx, "mirrored snapshot", "key", r.key, "pairs", snapshot.Len())
}
