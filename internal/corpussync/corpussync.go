// Package corpussync provides optional cross-instance corpus sharing
// over Redis, using an LPUSH/BRPOP push-pull list so records queue for
// late-joining instances instead of being dropped. Nothing in the
// fuzzing core depends on this package; the Manager wires it in only
// when config.SyncConfig is enabled, and a disabled sync behaves as pure
// single-instance fuzzing.
package corpussync

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/il-steffen/kafl.fuzzer/internal/config"
)

const keyPrefix = "kafl:corpus:"

// Record is one shared corpus entry: a freshly discovered input along
// with the coverage digest that made it interesting, so a receiving
// instance can decide whether it is still novel locally before
// re-running it.
type Record struct {
	UUID         string `msgpack:"uuid"`
	Payload      []byte `msgpack:"payload"`
	BitmapDigest []byte `msgpack:"bitmap_digest"`
}

// Client publishes and consumes Records for one campaign's Redis list.
type Client struct {
	rdb        *redis.Client
	key        string
	popTimeout time.Duration
}

// New connects to the Redis instance described by cfg. Returns a nil
// *Client and a nil error when sync is disabled, so callers can treat
// "no client" as "skip sync" without an extra branch.
func New(cfg config.SyncConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})
	return &Client{
		rdb:        rdb,
		key:        keyPrefix + cfg.CampaignID,
		popTimeout: 1 * time.Second,
	}, nil
}

// Close releases the underlying Redis connection.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}

// Publish pushes rec onto the campaign's shared list. Each record is
// popped by exactly one subscriber of that campaign ID, which may be the
// publishing instance itself; it is not broadcast to every instance.
func (c *Client) Publish(ctx context.Context, rec Record) error {
	if c == nil {
		return nil
	}
	body, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("corpussync: marshal record: %w", err)
	}
	return c.rdb.LPush(ctx, c.key, body).Err()
}

// Subscribe starts a background consumer that BRPOPs records off the
// shared list and forwards them on the returned channel. The channel is
// closed when ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context) <-chan Record {
	out := make(chan Record, 16)
	if c == nil {
		close(out)
		return out
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			result, err := c.rdb.BRPop(ctx, c.popTimeout, c.key).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(100 * time.Millisecond):
				}
				continue
			}
			if len(result) < 2 {
				continue
			}
			var rec Record
			if err := msgpack.Unmarshal([]byte(result[1]), &rec); err != nil {
				continue
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
