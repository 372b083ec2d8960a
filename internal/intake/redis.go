package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/edgefix/edgefix/internal/types"
)

// RedisOptions locates the pending-alert sorted set.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
	Batch    int
}

// RedisQueue is a durable pending-alert queue kept in a Redis sorted set
// scored by the time the alert was raised.
type RedisQueue struct {
	client *goredis.Client
	key    string
	batch  int64
	log    zerolog.Logger
}

func NewRedisQueue(opts RedisOptions, log zerolog.Logger) *RedisQueue {
	if opts.Batch <= 0 {
		opts.Batch = 1
	}
	return &RedisQueue{
		client: goredis.NewClient(&goredis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		key:   opts.Key,
		batch: int64(opts.Batch),
		log:   log.With().Str("component", "redis-intake").Str("key", opts.Key).Logger(),
	}
}

// Push appends an alert to the queue.
func (q *RedisQueue) Push(ctx context.Context, alert types.Alert) error {
	packed, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	raised := alert.RaisedAt
	if raised.IsZero() {
		raised = time.Now()
	}
	_, err = q.client.ZAdd(ctx, q.key, &goredis.Z{
		Score:  float64(raised.Unix()),
		Member: packed,
	}).Result()
	if err != nil {
		return fmt.Errorf("zadd %s: %w", q.key, err)
	}
	return nil
}

// Poll pops up to one batch of the oldest alerts. Members that do not decode
// are logged and dropped.
func (q *RedisQueue) Poll(ctx context.Context) ([]types.Alert, error) {
	values, err := q.client.ZPopMin(ctx, q.key, q.batch).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("zpopmin %s: %w", q.key, err)
	}

	alerts := make([]types.Alert, 0, len(values))
	for _, z := range values {
		alert, err := decodeMember(z.Member)
		if err != nil {
			q.log.Error().Err(err).Float64("score", z.Score).Msg("dropping malformed queue item")
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// Len returns the number of queued alerts.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func decodeMember(member interface{}) (types.Alert, error) {
	raw, ok := member.(string)
	if !ok {
		return types.Alert{}, fmt.Errorf("cannot cast queue item to string, actual type: %T", member)
	}
	var alert types.Alert
	if err := json.Unmarshal([]byte(raw), &alert); err != nil {
		return types.Alert{}, fmt.Errorf("decode alert: %w", err)
	}
	if alert.ID == "" || alert.DeviceID == "" {
		return types.Alert{}, fmt.Errorf("queue item missing alert_id or device_id")
	}
	return alert, nil
}
