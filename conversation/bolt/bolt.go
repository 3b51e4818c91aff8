// Package bolt provides a conversation store on an embedded bbolt file.
//
// Messages are kept in one bucket keyed by creation time and id, so a
// reverse cursor walk yields the most recent messages first and a search can
// stop as soon as the limit is reached. A second bucket indexes message ids
// to make duplicate inserts a no-op, and a third maps (assistant, caller)
// pairs to thread ids.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/hupe1980/assistantmesh/conversation"
	"github.com/hupe1980/assistantmesh/core"
)

var (
	bucketMessages  = []byte("messages")
	bucketMessageID = []byte("message_ids")
	bucketThreads   = []byte("threads")
)

// Store is a bbolt backed conversation store and thread index. It is safe
// for concurrent use.
type Store struct {
	db *bbolt.DB
}

var (
	_ core.ConversationStore = (*Store)(nil)
	_ core.MessageSearcher   = (*Store)(nil)
	_ core.ThreadIndex       = (*Store)(nil)
)

// Open opens (creating if needed) the database file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open conversation db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMessages, bucketMessageID, bucketThreads} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init conversation db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database file.
func (s *Store) Close() error { return s.db.Close() }

// Insert implements core.ConversationStore.
func (s *Store) Insert(ctx context.Context, msg core.Message) error {
	if msg.ID == "" {
		return conversation.ErrMissingID
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	enc, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	key := messageKey(msg.CreatedAt, msg.ID)

	return s.db.Update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketMessageID)
		if idx.Get([]byte(msg.ID)) != nil {
			return nil
		}
		if err := tx.Bucket(bucketMessages).Put(key, enc); err != nil {
			return err
		}
		return idx.Put([]byte(msg.ID), key)
	})
}

// Search implements core.MessageSearcher.
func (s *Store) Search(ctx context.Context, q core.MessageQuery) ([]core.Message, error) {
	limit := q.EffectiveLimit()
	out := make([]core.Message, 0)

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketMessages).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var msg core.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				// Skip malformed entries instead of failing the whole search
				continue
			}
			if q.Match(msg) {
				out = append(out, msg)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LookupThread implements core.ThreadIndex.
func (s *Store) LookupThread(_ context.Context, assistantRef, callerRef string) (string, bool, error) {
	var th core.Thread
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketThreads).Get(threadKey(assistantRef, callerRef))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &th); err != nil {
			return err
		}
		found = th.ID != ""
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return th.ID, found, nil
}

// RememberThread implements core.ThreadIndex.
func (s *Store) RememberThread(_ context.Context, thread core.Thread) error {
	if thread.ID == "" {
		return errors.New("thread id is required")
	}
	enc, err := json.Marshal(thread)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketThreads).Put(threadKey(thread.AssistantRef, thread.CallerRef), enc)
	})
}

// messageKey sorts by creation time first; the id keeps keys unique.
func messageKey(createdAt time.Time, id string) []byte {
	key := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(createdAt.UnixNano()))
	return append(key, id...)
}

func threadKey(assistantRef, callerRef string) []byte {
	return bytes.Join([][]byte{[]byte(assistantRef), []byte(callerRef)}, []byte{0})
}
