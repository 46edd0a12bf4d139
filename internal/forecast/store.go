package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Rajchodisetti/swapfusion/internal/signal"
)

// Stats is the rolling accuracy of one producer on one instrument.
type Stats struct {
	Source          signal.Source `json:"source"`
	Instrument      string        `json:"instrument"`
	HitRate         float64       `json:"hit_rate"`
	Samples         int           `json:"samples"`
	Correct         int           `json:"correct"`
	MeanPriceErrPct float64       `json:"mean_price_error_pct"`
	LastPriceErrPct float64       `json:"last_price_error_pct"`
	LastValidatedAt time.Time     `json:"last_validated_at"`
}

func statsField(src signal.Source, instrument string) string {
	return string(src) + "|" + instrument
}

// StatsStore persists accuracy stats across restarts.
type StatsStore interface {
	Save(ctx context.Context, s Stats) error
	LoadAll(ctx context.Context) ([]Stats, error)
}

// NopStore keeps nothing.
type NopStore struct{}

func (NopStore) Save(context.Context, Stats) error { return nil }

func (NopStore) LoadAll(context.Context) ([]Stats, error) { return nil, nil }

// RedisStore keeps all stats in one hash, one JSON field per
// producer/instrument.
type RedisStore struct {
	client *redis.Client
	key    string
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisStore connects and pings.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStoreFromClient(client, opts.Prefix), nil
}

func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "swapfusion"
	}
	return &RedisStore{client: client, key: prefix + ":forecast:accuracy"}
}

func (s *RedisStore) Save(ctx context.Context, st Stats) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key, statsField(st.Source, st.Instrument), data).Err()
}

func (s *RedisStore) LoadAll(ctx context.Context) ([]Stats, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load accuracy stats: %w", err)
	}
	return decodeStats(fields)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeStats(fields map[string]string) ([]Stats, error) {
	out := make([]Stats, 0, len(fields))
	for field, raw := range fields {
		var st Stats
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, fmt.Errorf("decode accuracy stats %s: %w", field, err)
		}
		out = append(out, st)
	}
	return out, nil
}
