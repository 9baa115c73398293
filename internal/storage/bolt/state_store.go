package bolt

import (
	"context"

	"github.com/bepresent/presentd/internal/storage"
	"go.etcd.io/bbolt"
)

type stateStore struct {
	db  *bbolt.DB
	hub *storage.Hub
}

func (s *stateStore) Get(ctx context.Context) (*storage.PlayerState, error) {
	state := &storage.PlayerState{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		data := tx.Bucket([]byte(bucketMeta)).Get([]byte(metaPlayerState))
		if data == nil {
			return nil
		}
		return unmarshal(data, state)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *stateStore) Mutate(ctx context.Context, fn func(*storage.PlayerState) error) (*storage.PlayerState, error) {
	var updated storage.PlayerState
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketMeta))
		var state storage.PlayerState
		if data := b.Get([]byte(metaPlayerState)); data != nil {
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
		if err := b.Put([]byte(metaPlayerState), out); err != nil {
			return err
		}
		updated = state
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.hub.Publish(storage.Event{Kind: storage.KindState, Op: storage.OpPut})
	return &updated, nil
}
