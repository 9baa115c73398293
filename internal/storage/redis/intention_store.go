package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/bepresent/presentd/internal/storage"
	"github.com/redis/go-redis/v9"
)

type intentionStore struct {
	client *redis.Client
	hub    *storage.Hub
}

func (s *intentionStore) Upsert(ctx context.Context, intention storage.AppIntention) error {
	if err := intention.Validate(); err != nil {
		return err
	}
	data, err := marshal(intention)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, intentionKey(intention.ID), data, 0)
		pipe.Set(ctx, packageKey(intention.PackageName), intention.ID, 0)
		pipe.SAdd(ctx, keyIntentionSet, intention.ID)
		return nil
	})
	if err != nil {
		return err
	}

	s.hub.Publish(storage.Event{Kind: storage.KindIntention, Op: storage.OpPut, ID: intention.ID})
	return nil
}

func (s *intentionStore) Get(ctx context.Context, id string) (*storage.AppIntention, error) {
	data, err := s.client.Get(ctx, intentionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var intention storage.AppIntention
	if err := unmarshal(data, &intention); err != nil {
		return nil, err
	}
	return &intention, nil
}

func (s *intentionStore) GetByPackage(ctx context.Context, pkg string) (*storage.AppIntention, error) {
	id, err := s.client.Get(ctx, packageKey(pkg)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *intentionStore) List(ctx context.Context) ([]storage.AppIntention, error) {
	ids, err := s.client.SMembers(ctx, keyIntentionSet).Result()
	if err != nil {
		return nil, err
	}
	intentions := make([]storage.AppIntention, 0, len(ids))
	for _, id := range ids {
		intention, err := s.Get(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		intentions = append(intentions, *intention)
	}
	return intentions, nil
}

func (s *intentionStore) Mutate(ctx context.Context, id string, fn func(*storage.AppIntention) error) (*storage.AppIntention, error) {
	key := intentionKey(id)
	var updated storage.AppIntention

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		var intention storage.AppIntention
		if err := unmarshal(data, &intention); err != nil {
			return err
		}
		if err := fn(&intention); err != nil {
			return err
		}
		if err := intention.Validate(); err != nil {
			return err
		}
		out, err := marshal(intention)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = intention
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			s.hub.Publish(storage.Event{Kind: storage.KindIntention, Op: storage.OpPut, ID: id})
			return &updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("mutate intention %s: transaction retries exhausted", id)
}

func (s *intentionStore) Delete(ctx context.Context, id string) error {
	intention, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, intentionKey(id))
		pipe.Del(ctx, packageKey(intention.PackageName))
		pipe.SRem(ctx, keyIntentionSet, id)
		return nil
	})
	if err != nil {
		return err
	}

	s.hub.Publish(storage.Event{Kind: storage.KindIntention, Op: storage.OpDelete, ID: id})
	return nil
}
