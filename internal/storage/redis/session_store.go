// Package redis stores verification slots in Redis so tokens survive restarts
// and are shared between replicas.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/print-quote-service/internal/verification"
)

const maxUpdateRetries = 5

// SessionStore implements verification.SessionStore with one JSON value per session.
type SessionStore struct {
	client *goredis.Client
	prefix string
}

// NewSessionStore parses redisURL, pings the server, and returns a store.
func NewSessionStore(ctx context.Context, redisURL, prefix string) (*SessionStore, error) {
	opt, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := goredis.NewClient(opt)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewSessionStoreWithClient(c, prefix), nil
}

// NewSessionStoreWithClient wraps an existing client.
func NewSessionStoreWithClient(c *goredis.Client, prefix string) *SessionStore {
	if prefix == "" {
		prefix = "printquote:session:"
	}
	return &SessionStore{client: c, prefix: prefix}
}

func (s *SessionStore) key(session string) string {
	return s.prefix + session
}

// Get implements verification.SessionStore.
func (s *SessionStore) Get(ctx context.Context, session string) (verification.Slot, bool, error) {
	raw, err := s.client.Get(ctx, s.key(session)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return verification.Slot{}, false, nil
	}
	if err != nil {
		return verification.Slot{}, false, fmt.Errorf("get session: %w", err)
	}
	var slot verification.Slot
	if err := json.Unmarshal(raw, &slot); err != nil {
		return verification.Slot{}, false, fmt.Errorf("decode session: %w", err)
	}
	return slot, true, nil
}

// Put implements verification.SessionStore.
func (s *SessionStore) Put(ctx context.Context, session string, slot verification.Slot, retain time.Duration) error {
	raw, err := json.Marshal(slot)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return s.client.Set(ctx, s.key(session), raw, retain).Err()
}

// Update implements verification.SessionStore with optimistic locking. The
// key's remaining TTL is preserved.
func (s *SessionStore) Update(ctx context.Context, session string, fn func(*verification.Slot) error) error {
	key := s.key(session)
	txf := func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return verification.ErrNoSlot
		}
		if err != nil {
			return err
		}
		var slot verification.Slot
		if err := json.Unmarshal(raw, &slot); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}
		if err := fn(&slot); err != nil {
			return err
		}
		next, err := json.Marshal(slot)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.SetArgs(ctx, key, next, goredis.SetArgs{KeepTTL: true})
			return nil
		})
		return err
	}
	for range maxUpdateRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update session %s: too much contention", session)
}

// Delete implements verification.SessionStore.
func (s *SessionStore) Delete(ctx context.Context, session string) error {
	return s.client.Del(ctx, s.key(session)).Err()
}

// Ping reports whether Redis is reachable.
func (s *SessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *SessionStore) Close() error { return s.client.Close() }
