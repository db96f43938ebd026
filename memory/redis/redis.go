// Package redis provides a networked memory.Sink over Redis. Episodes live
// in a per-group hash keyed by id with a sorted set ordered by timestamp;
// search walks recent episodes newest first and matches content by
// substring. It is a deliberately small stand-in for a full entity graph:
// the batching layer on top behaves identically either way.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/gtdcoach/coach/memory"
)

// searchWindow bounds how many recent episodes one search scans.
const searchWindow = 200

// Sink implements memory.Sink over Redis.
type Sink struct {
	client goredis.UniversalClient
	prefix string
}

// Options configures the sink.
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

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, opts Options) (*Sink, error) {
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
	return &Sink{client: client, prefix: prefix}, nil
}

func (s *Sink) episodeKey(groupID string) string {
	return s.prefix + ":mem:" + groupID + ":episodes"
}

func (s *Sink) orderKey(groupID string) string {
	return s.prefix + ":mem:" + groupID + ":order"
}

type stored struct {
	memory.Episode
	ExcludedEntities []string `json:"excluded_entities,omitempty"`
}

// AddEpisode implements memory.Sink.
func (s *Sink) AddEpisode(ctx context.Context, ep memory.Episode, excludedEntities []string) (string, error) {
	id := uuid.NewString()
	payload, err := json.Marshal(stored{ep, excludedEntities})
	if err != nil {
		return "", fmt.Errorf("redis: marshal episode: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.episodeKey(ep.GroupID), id, payload)
	pipe.ZAdd(ctx, s.orderKey(ep.GroupID), goredis.Z{
		Score:  float64(ep.Timestamp.UnixNano()),
		Member: id,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("redis: add episode: %w", err)
	}
	return id, nil
}

// Search implements memory.Sink: newest first, substring match on content,
// uniform raw score.
func (s *Sink) Search(ctx context.Context, query, groupID string, limit int) ([]memory.Hit, error) {
	ids, err := s.client.ZRevRange(ctx, s.orderKey(groupID), 0, searchWindow-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list episode ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raws, err := s.client.HMGet(ctx, s.episodeKey(groupID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: fetch episodes: %w", err)
	}

	q := strings.ToLower(query)
	var hits []memory.Hit
	for i, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var st stored
		if err := json.Unmarshal([]byte(str), &st); err != nil {
			return nil, fmt.Errorf("redis: decode episode: %w", err)
		}
		content := st.Content()
		if q != "" && !strings.Contains(strings.ToLower(content), q) {
			continue
		}
		hits = append(hits, memory.Hit{
			Fact:      content,
			Score:     1.0,
			Timestamp: st.Timestamp,
			EpisodeID: ids[i],
		})
		if limit > 0 && len(hits) >= limit {
			break
		}
	}
	return hits, nil
}

// Close implements memory.Sink.
func (s *Sink) Close() error { return s.client.Close() }
