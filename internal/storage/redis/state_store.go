package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/bepresent/presentd/internal/storage"
	"github.com/redis/go-redis/v9"
)

type stateStore struct {
	client *redis.Client
	hub    *storage.Hub
}

func (s *stateStore) Get(ctx context.Context) (*storage.PlayerState, error) {
	state := &storage.PlayerState{}
	data, err := s.client.Get(ctx, keyPlayerState).Bytes()
	if errors.Is(err, redis.Nil) {
		return state, nil
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshal(data, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *stateStore) Mutate(ctx context.Context, fn func(*storage.PlayerState) error) (*storage.PlayerState, error) {
	var updated storage.PlayerState

	txf := func(tx *redis.Tx) error {
		var state storage.PlayerState
		data, err := tx.Get(ctx, keyPlayerState).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			if err := unmarshal(data, &state); err != nil {
				return err
			}
		}
		if err := fn(&state); err != nil {
			return err
		}
		out, err := marshal(state)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, keyPlayerState, out, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = state
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, keyPlayerState)
		if err == nil {
			s.hub.Publish(storage.Event{Kind: storage.KindState, Op: storage.OpPut})
			return &updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("mutate player state: transaction retries exhausted")
}
