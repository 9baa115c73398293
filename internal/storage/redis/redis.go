package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bepresent/presentd/internal/config"
	"github.com/bepresent/presentd/internal/storage"
	"github.com/redis/go-redis/v9"
)

const (
	keyActiveSession   = "presentd:session:active"
	keySessionSet      = "presentd:sessions"
	keyIntentionSet    = "presentd:intentions"
	keyPlayerState     = "presentd:state"
	sessionKeyPrefix   = "presentd:session:"
	actionsKeyPrefix   = "presentd:actions:"
	intentionKeyPrefix = "presentd:intention:"
	packageKeyPrefix   = "presentd:intention:package:"
)

// maxTxRetries bounds the optimistic WATCH/MULTI retry loop on contended keys.
const maxTxRetries = 5

// Store implements the storage.Store interface using Redis
type Store struct {
	client *redis.Client
	hub    *storage.Hub
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}
	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}
	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client, hub: storage.NewHub()}, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Sessions returns the session store.
func (s *Store) Sessions() storage.SessionStore { return &sessionStore{client: s.client, hub: s.hub} }

// Intentions returns the intention store.
func (s *Store) Intentions() storage.IntentionStore {
	return &intentionStore{client: s.client, hub: s.hub}
}

// State returns the player-state store.
func (s *Store) State() storage.StateStore { return &stateStore{client: s.client, hub: s.hub} }

// Events returns the commit-notification hub.
func (s *Store) Events() *storage.Hub { return s.hub }

func sessionKey(id string) string   { return sessionKeyPrefix + id }
func actionsKey(id string) string   { return actionsKeyPrefix + id }
func intentionKey(id string) string { return intentionKeyPrefix + id }
func packageKey(pkg string) string  { return packageKeyPrefix + pkg }

func marshal(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return data, nil
}

func unmarshal(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	return nil
}
