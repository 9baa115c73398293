package bolt

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bepresent/presentd/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketSessions   = "sessions"
	bucketActions    = "session_actions"
	bucketIntentions = "intentions"
	bucketMeta       = "meta"

	metaActiveSession = "active_session"
	metaPlayerState   = "player_state"
)

// Store implements the storage.Store interface using bbolt. bbolt allows at
// most one in-flight write transaction per file, which gives every mutation
// the serialization discipline the engines rely on.
type Store struct {
	db  *bbolt.DB
	hub *storage.Hub
}

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db, hub: storage.NewHub()}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return storage.EnsureDir(dir)
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			[]byte(bucketSessions),
			[]byte(bucketActions),
			[]byte(bucketIntentions),
			[]byte(bucketMeta),
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Sessions returns the session store.
func (s *Store) Sessions() storage.SessionStore { return &sessionStore{db: s.db, hub: s.hub} }

// Intentions returns the intention store.
func (s *Store) Intentions() storage.IntentionStore { return &intentionStore{db: s.db, hub: s.hub} }

// State returns the player-state store.
func (s *Store) State() storage.StateStore { return &stateStore{db: s.db, hub: s.hub} }

// Events returns the commit-notification hub.
func (s *Store) Events() *storage.Hub { return s.hub }

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

func randomSuffix() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("random suffix: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// actionKey builds a per-session, time-ordered key for an audit action.
func actionKey(sessionID string, ts time.Time) (string, error) {
	suffix, err := randomSuffix()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%020d-%s", sessionID, ts.UnixNano(), suffix), nil
}

func listBucket[T any](ctx context.Context, db *bbolt.DB, bucket string) ([]T, error) {
	items := make([]T, 0)
	return items, db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var item T
			if err := unmarshal(v, &item); err != nil {
				return err
			}
			items = append(items, item)
			return nil
		})
	})
}

func getBucketValue[T any](ctx context.Context, db *bbolt.DB, bucket string, key string) (*T, error) {
	var item *T
	err := db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return storage.ErrNotFound
		}
		value := b.Get([]byte(key))
		if value == nil {
			return storage.ErrNotFound
		}
		var result T
		if err := unmarshal(value, &result); err != nil {
			return err
		}
		item = &result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}
