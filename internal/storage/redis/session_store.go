package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/bepresent/presentd/internal/storage"
	"github.com/redis/go-redis/v9"
)

type sessionStore struct {
	client *redis.Client
	hub    *storage.Hub
}

func (s *sessionStore) CreateActive(ctx context.Context, session storage.FocusSession) error {
	session.State = storage.SessionActive
	if err := session.Validate(); err != nil {
		return err
	}
	data, err := marshal(session)
	if err != nil {
		return err
	}

	script := redis.NewScript(createActiveScript)
	keys := []string{keyActiveSession, sessionKey(session.ID), keySessionSet}
	res, err := script.Run(ctx, s.client, keys, session.ID, string(data), sessionKeyPrefix).Int()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if res == 0 {
		return storage.ErrSessionConflict
	}

	s.hub.Publish(storage.Event{Kind: storage.KindSession, Op: storage.OpPut, ID: session.ID})
	return nil
}

func (s *sessionStore) Get(ctx context.Context, id string) (*storage.FocusSession, error) {
	data, err := s.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var session storage.FocusSession
	if err := unmarshal(data, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *sessionStore) GetActive(ctx context.Context) (*storage.FocusSession, error) {
	id, err := s.client.Get(ctx, keyActiveSession).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	session, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.State.Blocking() {
		return nil, storage.ErrNotFound
	}
	return session, nil
}

func (s *sessionStore) List(ctx context.Context) ([]storage.FocusSession, error) {
	ids, err := s.client.SMembers(ctx, keySessionSet).Result()
	if err != nil {
		return nil, err
	}
	sessions := make([]storage.FocusSession, 0, len(ids))
	for _, id := range ids {
		session, err := s.Get(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, nil
}

func (s *sessionStore) Mutate(ctx context.Context, id string, fn func(*storage.FocusSession) error) (*storage.FocusSession, error) {
	key := sessionKey(id)
	var updated storage.FocusSession

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
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

		ptr, err := tx.Get(ctx, keyActiveSession).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			if session.State.Terminal() && ptr == id {
				pipe.Del(ctx, keyActiveSession)
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = session
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key, keyActiveSession)
		if err == nil {
			s.hub.Publish(storage.Event{Kind: storage.KindSession, Op: storage.OpPut, ID: id})
			return &updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("mutate session %s: transaction retries exhausted", id)
}

func (s *sessionStore) AppendAction(ctx context.Context, action storage.SessionAction) error {
	if err := action.Validate(); err != nil {
		return err
	}
	data, err := marshal(action)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, actionsKey(action.SessionID), data).Err()
}

func (s *sessionStore) ListActions(ctx context.Context, sessionID string) ([]storage.SessionAction, error) {
	raw, err := s.client.LRange(ctx, actionsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	actions := make([]storage.SessionAction, 0, len(raw))
	for _, item := range raw {
		var action storage.SessionAction
		if err := unmarshal([]byte(item), &action); err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	return actions, nil
}
