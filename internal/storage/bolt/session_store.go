package bolt

import (
	"bytes"
	"context"

	"github.com/bepresent/presentd/internal/storage"
	"go.etcd.io/bbolt"
)

type sessionStore struct {
	db  *bbolt.DB
	hub *storage.Hub
}

// CreateActive inserts a new active session. The single-active invariant is
// checked against the meta pointer inside the same write transaction as the
// insert, so two racing starts serialize on bolt's writer lock and the
// second one fails with ErrSessionConflict.
func (s *sessionStore) CreateActive(ctx context.Context, session storage.FocusSession) error {
	session.State = storage.SessionActive
	if err := session.Validate(); err != nil {
		return err
	}
	data, err := marshal(session)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		meta := tx.Bucket([]byte(bucketMeta))
		sessions := tx.Bucket([]byte(bucketSessions))

		if ptr := meta.Get([]byte(metaActiveSession)); ptr != nil {
			// Pointer may be stale if the record vanished; only a live
			// blocking session counts as a conflict.
			if existing := sessions.Get(ptr); existing != nil {
				var current storage.FocusSession
				if err := unmarshal(existing, &current); err != nil {
					return err
				}
				if current.State.Blocking() {
					return storage.ErrSessionConflict
				}
			}
		}

		if err := sessions.Put([]byte(session.ID), data); err != nil {
			return err
		}
		return meta.Put([]byte(metaActiveSession), []byte(session.ID))
	})
	if err != nil {
		return err
	}

	s.hub.Publish(storage.Event{Kind: storage.KindSession, Op: storage.OpPut, ID: session.ID})
	return nil
}

func (s *sessionStore) Get(ctx context.Context, id string) (*storage.FocusSession, error) {
	return getBucketValue[storage.FocusSession](ctx, s.db, bucketSessions, id)
}

func (s *sessionStore) GetActive(ctx context.Context) (*storage.FocusSession, error) {
	var session *storage.FocusSession
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ptr := tx.Bucket([]byte(bucketMeta)).Get([]byte(metaActiveSession))
		if ptr == nil {
			return storage.ErrNotFound
		}
		data := tx.Bucket([]byte(bucketSessions)).Get(ptr)
		if data == nil {
			return storage.ErrNotFound
		}
		var result storage.FocusSession
		if err := unmarshal(data, &result); err != nil {
			return err
		}
		if !result.State.Blocking() {
			return storage.ErrNotFound
		}
		session = &result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *sessionStore) List(ctx context.Context) ([]storage.FocusSession, error) {
	return listBucket[storage.FocusSession](ctx, s.db, bucketSessions)
}

func (s *sessionStore) Mutate(ctx context.Context, id string, fn func(*storage.FocusSession) error) (*storage.FocusSession, error) {
	var updated storage.FocusSession
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sessions := tx.Bucket([]byte(bucketSessions))
		data := sessions.Get([]byte(id))
		if data == nil {
			return storage.ErrNotFound
		}
		var session storage.FocusSession
		if err := unmarshal(data, &session); err != nil {
			return err
		}
		if err := fn(&session); err != nil {
			return err
		}
		if err := session.Validate(); err != nil {
			return err
		}
		out, err := marshal(session)
		if err != nil {
			return err
		}
		if err := sessions.Put([]byte(id), out); err != nil {
			return err
		}

		// Keep the active pointer consistent with the session's state.
		meta := tx.Bucket([]byte(bucketMeta))
		if session.State.Terminal() {
			if ptr := meta.Get([]byte(metaActiveSession)); ptr != nil && string(ptr) == id {
				if err := meta.Delete([]byte(metaActiveSession)); err != nil {
					return err
				}
			}
		}
		updated = session
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.hub.Publish(storage.Event{Kind: storage.KindSession, Op: storage.OpPut, ID: id})
	return &updated, nil
}

func (s *sessionStore) AppendAction(ctx context.Context, action storage.SessionAction) error {
	if err := action.Validate(); err != nil {
		return err
	}
	key, err := actionKey(action.SessionID, action.Timestamp)
	if err != nil {
		return err
	}
	data, err := marshal(action)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return tx.Bucket([]byte(bucketActions)).Put([]byte(key), data)
	})
}

func (s *sessionStore) ListActions(ctx context.Context, sessionID string) ([]storage.SessionAction, error) {
	actions := make([]storage.SessionAction, 0)
	prefix := []byte(sessionID + "/")
	return actions, s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketActions)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var action storage.SessionAction
			if err := unmarshal(v, &action); err != nil {
				return err
			}
			actions = append(actions, action)
		}
		return nil
	})
}
