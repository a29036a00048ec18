package ha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LouisdeMagician/blaze/internal/platform/observability"
)

// Channel is the push transport carrying cache mutations from the active
// instance to the standby.
type Channel interface {
	Publish(ctx context.Context, ev SyncEvent) error
	Subscribe(ctx context.Context) (<-chan SyncEvent, error)
	Close() error
}

// HeartbeatStore persists the active instance's liveness marker.
type HeartbeatStore interface {
	Beat(ctx context.Context, instanceID string) error
	LastBeat(ctx context.Context) (time.Time, error)
}

// RedisChannel implements Channel and HeartbeatStore over a shared redis:
// pub/sub for sync events and a TTL'd key for the heartbeat.
type RedisChannel struct {
	client *redis.Client
	topic  string
	hbKey  string
	hbTTL  time.Duration
	logger *observability.Logger
}

// RedisChannelConfig holds redis channel configuration.
type RedisChannelConfig struct {
	Addr     string
	Password string
	DB       int
	// Topic is the pub/sub channel carrying sync events
	Topic string
	// HeartbeatKey holds the active instance's liveness marker
	HeartbeatKey string
	// HeartbeatTTL expires a stale marker if the active dies silently
	HeartbeatTTL time.Duration
	Logger       *observability.Logger
}

// NewRedisChannel connects to redis and verifies the connection.
func NewRedisChannel(cfg RedisChannelConfig) (*RedisChannel, error) {
	if cfg.Topic == "" {
		cfg.Topic = "blaze:cache-sync"
	}
	if cfg.HeartbeatKey == "" {
		cfg.HeartbeatKey = "blaze:active-heartbeat"
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger("info", "json")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ha: failed to connect to redis: %w", err)
	}

	return &RedisChannel{
		client: client,
		topic:  cfg.Topic,
		hbKey:  cfg.HeartbeatKey,
		hbTTL:  cfg.HeartbeatTTL,
		logger: cfg.Logger,
	}, nil
}

// Publish sends one sync event to the standby.
func (c *RedisChannel) Publish(ctx context.Context, ev SyncEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("ha: marshal sync event: %w", err)
	}
	if err := c.client.Publish(ctx, c.topic, data).Err(); err != nil {
		return fmt.Errorf("ha: publish sync event: %w", err)
	}
	return nil
}

// Subscribe streams sync events until ctx is done. Malformed payloads are
// logged and dropped.
func (c *RedisChannel) Subscribe(ctx context.Context) (<-chan SyncEvent, error) {
	sub := c.client.Subscribe(ctx, c.topic)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("ha: subscribe: %w", err)
	}

	out := make(chan SyncEvent, 256)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev SyncEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					c.logger.LogWarn(ctx, "dropping malformed sync event", "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Beat refreshes the active liveness marker.
func (c *RedisChannel) Beat(ctx context.Context, instanceID string) error {
	val := fmt.Sprintf("%s:%d", instanceID, time.Now().UnixMilli())
	return c.client.Set(ctx, c.hbKey, val, c.hbTTL).Err()
}

// LastBeat returns the timestamp of the most recent heartbeat, or the zero
// time when no marker exists.
func (c *RedisChannel) LastBeat(ctx context.Context) (time.Time, error) {
	val, err := c.client.Get(ctx, c.hbKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	// Marker format is "<instance>:<unix-millis>".
	for i := len(val) - 1; i >= 0; i-- {
		if val[i] == ':' {
			if ms, err := strconv.ParseInt(val[i+1:], 10, 64); err == nil {
				return time.UnixMilli(ms), nil
			}
			break
		}
	}
	return time.Time{}, fmt.Errorf("ha: malformed heartbeat marker %q", val)
}

// Close closes the redis connection.
func (c *RedisChannel) Close() error {
	return c.client.Close()
}
