package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/conveyorhq/conveyor/internal/xerr"
)

const (
	defaultKey       = "conveyor:jobs"
	defaultBlockWait = 5 * time.Second
)

// RedisConfig describes the Redis queue connection.
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	Key       string
	BlockWait time.Duration
}

// Redis implements the queue on a Redis list: LPUSH to publish, BRPOP
// to consume. Multiple daemon instances may share one list.
type Redis struct {
	client *redis.Client
	key    string
	wait   time.Duration
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Address == "" {
		return nil, xerr.New(xerr.CodeQueue, "redis address is required")
	}
	key := cfg.Key
	if key == "" {
		key = defaultKey
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = defaultBlockWait
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, xerr.Wrap(xerr.CodeQueue, err, "connect to redis")
	}
	return &Redis{client: client, key: key, wait: wait}, nil
}

func (q *Redis) Publish(ctx context.Context, jobID string) error {
	if err := q.client.LPush(ctx, q.key, jobID).Err(); err != nil {
		return xerr.Wrap(xerr.CodeQueue, err, "publish job")
	}
	return nil
}

func (q *Redis) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := q.client.BRPop(ctx, q.wait, q.key).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if errors.Is(err, redis.Nil) {
						continue
					}
					errCh <- xerr.Wrap(xerr.CodeQueue, err, "pop job")
					return
				}
				if len(values) != 2 {
					continue
				}
				_ = handler(ctx, values[1])
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (q *Redis) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

var _ Queue = (*Redis)(nil)
