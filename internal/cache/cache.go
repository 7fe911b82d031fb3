// Package cache provides the gateway response cache. Two backends share
// one contract: an in-process TTL map and a Redis-backed store for
// multi-instance deployments.
package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/switchboard-ai/switchboard/internal/types"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"

	keyPrefix = "cache:"
	tagPrefix = "cache:tag:"
)

// Cache stores generated responses keyed by canonicalized request hash.
// Lookup failures on a remote backend are reported as misses, never as
// errors: the cache must not be able to fail a request.
type Cache interface {
	Get(ctx context.Context, key string) (*Entry, bool)
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error
	InvalidateTag(ctx context.Context, tag string) (int, error)
	InvalidatePattern(ctx context.Context, pattern string) (int, error)
	Stats() Stats
	Close() error
}

// Entry is one cached response plus the tags it can be invalidated by.
type Entry struct {
	Response *types.GenerateResponse `json:"response"`
	Tags     []string                `json:"tags,omitempty"`
	StoredAt time.Time               `json:"stored_at"`
}

// Stats reports cache effectiveness counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Entries   int   `json:"entries"`
	Evictions int64 `json:"evictions"`
}

// Config holds cache settings.
type Config struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Backend         string        `yaml:"backend" json:"backend"`
	TTL             time.Duration `yaml:"ttl" json:"ttl"`
	MaxEntries      int           `yaml:"max_entries" json:"max_entries"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
	Redis           RedisConfig   `yaml:"redis" json:"redis"`
}

// RedisConfig holds connection settings for the Redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

// DefaultConfig returns the cache defaults: enabled, in-memory, 5 minute TTL.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Backend:         BackendMemory,
		TTL:             5 * time.Minute,
		MaxEntries:      10000,
		CleanupInterval: time.Minute,
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
	}
}

// New constructs the backend named by the config.
func New(cfg Config, logger *logrus.Logger) (Cache, error) {
	switch cfg.Backend {
	case BackendRedis:
		return NewRedis(cfg, logger)
	case BackendMemory, "":
		return NewMemory(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// Key derives the cache key for a request: a sha256 digest over every
// field that can change the response. Request ID and timestamp are
// excluded so identical calls share an entry.
func Key(req *types.GenerateRequest) string {
	parts := []string{
		req.Input,
		req.System,
		fmt.Sprintf("%d", req.MaxTokens),
	}
	if req.Temperature != nil {
		parts = append(parts, fmt.Sprintf("%g", *req.Temperature))
	} else {
		parts = append(parts, "-")
	}

	r := req.Requirements
	caps := make([]string, 0, len(r.Capabilities))
	for _, c := range r.Capabilities {
		caps = append(caps, string(c))
	}
	sort.Strings(caps)
	parts = append(parts,
		string(r.TaskKind),
		string(r.Priority),
		string(r.Complexity),
		strings.Join(caps, ","),
		fmt.Sprintf("%g", r.MaxCostPerCall),
		fmt.Sprintf("%d", r.MaxLatency),
		r.SessionID,
		fmt.Sprintf("%t", r.MultiStep),
		fmt.Sprintf("%d", r.EstimatedTokens),
		r.Strategy,
	)

	meta := make([]string, 0, len(req.Metadata))
	for k, v := range req.Metadata {
		meta = append(meta, k+"="+v)
	}
	sort.Strings(meta)
	parts = append(parts, strings.Join(meta, ","))

	hash := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return fmt.Sprintf("%s%x", keyPrefix, hash[:16])
}

// TagsFor returns the invalidation tags for a response: its provider,
// its provider:model pair, and the task kind it served.
func TagsFor(resp *types.GenerateResponse, task types.TaskKind) []string {
	tags := []string{
		"provider:" + resp.Provider,
		"model:" + resp.Provider + ":" + resp.Model,
	}
	if task != "" {
		tags = append(tags, "task:"+string(task))
	}
	return tags
}

func tagKey(tag string) string {
	return tagPrefix + tag
}
