package store

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/torosent/gatewayprobe/internal/control"
	"github.com/torosent/gatewayprobe/internal/runner"
)

const (
	defaultKeyPrefix = "gatewayprobe"
	pingTimeout      = 5 * time.Second
)

// RedisConfig holds the redis connection settings.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	TLSEnabled bool
	KeyPrefix  string
	TTL        time.Duration // zero keeps reports forever
}

// RedisStore keeps reports in redis so several probe hosts can share them.
// Each report is a JSON string; a sorted set indexes run ids by start time.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *zap.Logger
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	log := logger.With(zap.String("component", "store"))
	log.Info("redis store connected",
		zap.String("address", cfg.Addr),
		zap.Int("db", cfg.DB),
		zap.Bool("tls", cfg.TLSEnabled))
	return &RedisStore{client: client, prefix: prefix, ttl: cfg.TTL, log: log}, nil
}

func (s *RedisStore) reportKey(runID string) string { return s.prefix + ":report:" + runID }
func (s *RedisStore) indexKey() string { return s.prefix + ":reports" }

// Save writes r and indexes it by start time.
func (s *RedisStore) Save(ctx context.Context, r control.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report %s: %w", r.RunID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.reportKey(r.RunID), data, s.ttl)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(r.StartedAt.UnixMilli()), Member: r.RunID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save report %s: %w", r.RunID, err)
	}
	return nil
}

// Get loads one report.
func (s *RedisStore) Get(ctx context.Context, runID string) (control.Report, error) {
	data, err := s.client.Get(ctx, s.reportKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return control.Report{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return control.Report{}, fmt.Errorf("get report %s: %w", runID, err)
	}
	var r control.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return control.Report{}, fmt.Errorf("decode report %s: %w", runID, err)
	}
	return r, nil
}

// List returns indexed reports filtered by status, newest first. Index
// entries whose report expired are pruned.
func (s *RedisStore) List(ctx context.Context, status runner.Status) ([]control.Report, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.reportKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load reports: %w", err)
	}

	var stale []any
	reports := make([]control.Report, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var r control.Report
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			s.log.Warn("skipping undecodable report", zap.String("run_id", ids[i]), zap.Error(err))
			continue
		}
		reports = append(reports, r)
	}
	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, s.indexKey(), stale...).Err(); err != nil {
			s.log.Warn("prune report index", zap.Error(err))
		}
	}
	return filterAndSort(reports, status), nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
