package bolt

import (
	"context"

	"github.com/bepresent/presentd/internal/storage"
	"go.etcd.io/bbolt"
)

type intentionStore struct {
	db  *bbolt.DB
	hub *storage.Hub
}

func (s *intentionStore) Upsert(ctx context.Context, intention storage.AppIntention) error {
	if err := intention.Validate(); err != nil {
		return err
	}
	data, err := marshal(intention)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return tx.Bucket([]byte(bucketIntentions)).Put([]byte(intention.ID), data)
	})
	if err != nil {
		return err
	}
	s.hub.Publish(storage.Event{Kind: storage.KindIntention, Op: storage.OpPut, ID: intention.ID})
	return nil
}

func (s *intentionStore) Get(ctx context.Context, id string) (*storage.AppIntention, error) {
	return getBucketValue[storage.AppIntention](ctx, s.db, bucketIntentions, id)
}

func (s *intentionStore) GetByPackage(ctx context.Context, pkg string) (*storage.AppIntention, error) {
	var found *storage.AppIntention
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return tx.Bucket([]byte(bucketIntentions)).ForEach(func(_, v []byte) error {
			if found != nil {
				return nil
			}
			var intention storage.AppIntention
			if err := unmarshal(v, &intention); err != nil {
				return err
			}
			if intention.PackageName == pkg {
				found = &intention
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, storage.ErrNotFound
	}
	return found, nil
}

func (s *intentionStore) List(ctx context.Context) ([]storage.AppIntention, error) {
	return listBucket[storage.AppIntention](ctx, s.db, bucketIntentions)
}

func (s *intentionStore) Mutate(ctx context.Context, id string, fn func(*storage.AppIntention) error) (*storage.AppIntention, error) {
	var updated storage.AppIntention
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketIntentions))
		data := b.Get([]byte(id))
		if data == nil {
			return storage.ErrNotFound
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
		if err := b.Put([]byte(id), out); err != nil {
			return err
		}
		updated = intention
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.hub.Publish(storage.Event{Kind: storage.KindIntention, Op: storage.OpPut, ID: id})
	return &updated, nil
}

func (s *intentionStore) Delete(ctx context.Context, id string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketIntentions))
		if b.Get([]byte(id)) == nil {
			return storage.ErrNotFound
		}
		return b.Delete([]byte(id))
	})
	if err != nil {
		return err
	}
	s.hub.Publish(storage.Event{Kind: storage.KindIntention, Op: storage.OpDelete, ID: id})
	return nil
}
