// Package presence mirrors room membership into Redis so several relay
// processes can report on the same rooms.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/Callroom/internal/config"
	"github.com/dkeye/Callroom/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const DefaultTTL = 24 * time.Hour

type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// Connect dials Redis and checks the connection.
func Connect(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	log.Info().Str("module", "presence").Str("addr", cfg.Addr).Msg("connected")
	return New(client, cfg.TTL), nil
}

func New(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func MembersKey(room domain.RoomID) string {
	return "callroom:room:" + string(room) + ":members"
}

func EmailsKey(room domain.RoomID) string {
	return "callroom:room:" + string(room) + ":emails"
}

func (p *Redis) Joined(ctx context.Context, room domain.RoomID, id domain.ConnectionID, email domain.Email) error {
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, MembersKey(room), string(id))
		pipe.HSet(ctx, EmailsKey(room), string(id), string(email))
		pipe.Expire(ctx, MembersKey(room), p.ttl)
		pipe.Expire(ctx, EmailsKey(room), p.ttl)
		return nil
	})
	return err
}

func (p *Redis) Left(ctx context.Context, room domain.RoomID, id domain.ConnectionID) error {
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, MembersKey(room), string(id))
		pipe.HDel(ctx, EmailsKey(room), string(id))
		return nil
	})
	return err
}

func (p *Redis) Count(ctx context.Context, room domain.RoomID) (int64, error) {
	return p.client.SCard(ctx, MembersKey(room)).Result()
}

// Members returns connection id to email for room across all instances.
func (p *Redis) Members(ctx context.Context, room domain.RoomID) (map[domain.ConnectionID]domain.Email, error) {
	raw, err := p.client.HGetAll(ctx, EmailsKey(room)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[domain.ConnectionID]domain.Email, len(raw))
	for id, email := range raw {
		out[domain.ConnectionID(id)] = domain.Email(email)
	}
	return out, nil
}

func (p *Redis) Close() error {
	return p.client.Close()
}
