package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"chatrelay/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis keeps the online set in a Redis set and announces each transition on a
// pub/sub channel.
type Redis struct {
	logger  *zap.Logger
	client  redis.UniversalClient
	setKey  string
	channel string
}

var _ Publisher = (*Redis)(nil)

func NewRedis(logger *zap.Logger, cfg config.PresenceRedisConfig) (*Redis, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Addr},
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r := &Redis{
		logger:  logger.Named("presence.redis"),
		client:  client,
		setKey:  cfg.Prefix + "online",
		channel: cfg.Channel,
	}
	// Entries left by a previous run are stale: no session survives a restart.
	if err := client.Del(context.Background(), r.setKey).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("reset online set: %w", err)
	}
	return r, nil
}

func (r *Redis) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	pipe := r.client.Pipeline()
	switch ev.Kind {
	case Online:
		pipe.SAdd(ctx, r.setKey, ev.Login)
	case Offline:
		pipe.SRem(ctx, r.setKey, ev.Login)
	default:
		return fmt.Errorf("unknown presence kind: %s", ev.Kind)
	}
	if r.channel != "" {
		pipe.Publish(ctx, r.channel, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish presence: %w", err)
	}
	r.logger.Debug("presence published", zap.String("login", ev.Login), zap.String("kind", string(ev.Kind)))
	return nil
}

func (r *Redis) Online(ctx context.Context) ([]string, error) {
	logins, err := r.client.SMembers(ctx, r.setKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(logins)
	return logins, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
