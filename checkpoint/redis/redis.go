// Package redis provides a networked KV implementation of the Checkpointer
// contract over Redis. Each thread keeps a hash of checkpoint payloads, a
// sorted set ordered by step, and a latest pointer; one MULTI pipeline per
// put keeps the three structures consistent so concurrent writers converge
// last-write-wins on the latest pointer while prior versions stay listable.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/gtdcoach/coach/checkpoint"
)

// Checkpointer implements checkpoint.Checkpointer over Redis.
type Checkpointer struct {
	client goredis.UniversalClient
	prefix string
}

// Options configures the backend.
type Options struct {
	// Addr is the Redis address ("host:port"). Required unless Client is set.
	Addr string
	// Password authenticates when the server requires it.
	Password string
	// DB selects the logical database.
	DB int
	// Prefix namespaces keys; defaults to "coach".
	Prefix string
	// Client overrides the connection, used by tests (miniredis).
	Client goredis.UniversalClient
}

// New connects to Redis and verifies the connection with a ping. Backend
// selection is strict: an unreachable server is an error, not a fallback.
func New(ctx context.Context, opts Options) (*Checkpointer, error) {
	client := opts.Client
	if client == nil {
		if opts.Addr == "" {
			return nil, errors.New("redis: addr is required")
		}
		client = goredis.NewClient(&goredis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "coach"
	}
	return &Checkpointer{client: client, prefix: prefix}, nil
}

func (c *Checkpointer) payloadKey(threadID string) string {
	return c.prefix + ":ckpt:" + threadID + ":payloads"
}

func (c *Checkpointer) stepKey(threadID string) string {
	return c.prefix + ":ckpt:" + threadID + ":steps"
}

func (c *Checkpointer) latestKey(threadID string) string {
	return c.prefix + ":ckpt:" + threadID + ":latest"
}

// Put implements checkpoint.Checkpointer.
func (c *Checkpointer) Put(ctx context.Context, cfg checkpoint.Config, cp checkpoint.Checkpoint, writes []checkpoint.ChannelWrite) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cp.ThreadID = cfg.ThreadID
	payload, err := json.Marshal(struct {
		checkpoint.Checkpoint
		Writes []checkpoint.ChannelWrite `json:"pending_writes,omitempty"`
	}{cp, writes})
	if err != nil {
		return fmt.Errorf("redis: marshal checkpoint: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, c.payloadKey(cfg.ThreadID), cp.ID, payload)
	pipe.ZAdd(ctx, c.stepKey(cfg.ThreadID), goredis.Z{Score: float64(cp.Metadata.Step), Member: cp.ID})
	pipe.Set(ctx, c.latestKey(cfg.ThreadID), cp.ID, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: put checkpoint: %w", err)
	}
	return nil
}

// Get implements checkpoint.Checkpointer. Returns nil for unknown threads.
func (c *Checkpointer) Get(ctx context.Context, cfg checkpoint.Config) (*checkpoint.Checkpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	id, err := c.client.Get(ctx, c.latestKey(cfg.ThreadID)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get latest pointer: %w", err)
	}
	raw, err := c.client.HGet(ctx, c.payloadKey(cfg.ThreadID), id).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get checkpoint: %w", err)
	}
	cp, err := decode([]byte(raw))
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// List implements checkpoint.Checkpointer, most recent step first.
func (c *Checkpointer) List(ctx context.Context, cfg checkpoint.Config) ([]checkpoint.Checkpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ids, err := c.client.ZRevRange(ctx, c.stepKey(cfg.ThreadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list checkpoint ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raws, err := c.client.HMGet(ctx, c.payloadKey(cfg.ThreadID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: fetch checkpoints: %w", err)
	}
	out := make([]checkpoint.Checkpoint, 0, len(raws))
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		cp, err := decode([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Close implements checkpoint.Checkpointer.
func (c *Checkpointer) Close() error { return c.client.Close() }

func decode(raw []byte) (checkpoint.Checkpoint, error) {
	var cp checkpoint.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("redis: decode checkpoint: %w", err)
	}
	return cp, nil
}
