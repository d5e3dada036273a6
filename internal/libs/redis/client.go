package rediscli

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Addr     string
	Password string
	User     string
	DB       int
}

// NewClient builds the client without requiring the server to be reachable.
// The failover store decides at runtime how an unreachable primary is
// handled, so startup must not depend on Redis being up.
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.User,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Ping probes the server once with a bounded timeout.
func Ping(ctx context.Context, client *redis.Client) error {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return client.Ping(pingCtx).Err()
}
