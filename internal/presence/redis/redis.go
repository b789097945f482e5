// Package redis adapts a Redis instance to the presence.RealtimeStore
// contract. Status entries live as JSON values; connection liveness is a
// TTL'd key refreshed by a heartbeat, so an ungraceful disconnect lets the
// key expire and the projection falls back to offline without any client
// cooperation. This stands in for a managed disconnect hook.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/skiffchat/skiff/internal/config"
	"github.com/skiffchat/skiff/internal/presence"
	"github.com/skiffchat/skiff/internal/store"
)

// Store implements presence.RealtimeStore over Redis.
type Store struct {
	client *goredis.Client
	ttl    time.Duration
}

// NewStore connects to Redis using the provided configuration. The TTL
// bounds how long a dead client can appear online.
func NewStore(cfg config.RedisConfig, ttl time.Duration) *Store {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return &Store{client: client, ttl: ttl}
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// SetStatus writes the status entry and announces the transition.
func (s *Store) SetStatus(ctx context.Context, userID string, entry presence.StatusEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, statusKey(userID), payload, 0)
	if entry.State == store.StatusOnline {
		pipe.Set(ctx, connKey(userID), "1", s.ttl)
	} else {
		pipe.Del(ctx, connKey(userID))
	}
	pipe.Publish(ctx, eventChannel(userID), string(entry.State))
	_, err = pipe.Exec(ctx)
	return err
}

// OnDisconnect arms the offline fallback: the connection key is written
// with a TTL and kept alive by a heartbeat. Stopping the heartbeat, whether
// by crash or by the returned disposer, lets the key expire, after which
// watchers project the user offline. Registration completes before any
// online write the caller performs afterwards.
func (s *Store) OnDisconnect(ctx context.Context, userID string, entry presence.StatusEntry) (store.CancelFunc, error) {
	if entry.State != store.StatusOffline {
		return nil, errHookNotOffline
	}
	if err := s.client.Set(ctx, connKey(userID), "1", s.ttl).Err(); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				beat, cancel := context.WithTimeout(context.Background(), s.ttl/3)
				s.client.Expire(beat, connKey(userID), s.ttl)
				cancel()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}, nil
}

// WatchConnected reports reachability of the realtime store itself via a
// ping loop, emitting the current state and every transition.
func (s *Store) WatchConnected(ctx context.Context, fn func(bool)) store.CancelFunc {
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() { close(done) })
	}

	go func() {
		ticker := time.NewTicker(connectedPollInterval)
		defer ticker.Stop()

		var known, have bool
		for {
			pingCtx, pingCancel := context.WithTimeout(ctx, connectedPollInterval)
			err := s.client.Ping(pingCtx).Err()
			pingCancel()

			connected := err == nil
			if !have || connected != known {
				have = true
				known = connected
				fn(connected)
			}

			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return cancel
}

// WatchStatus projects another user's presence. A user is online only while
// both the stored state says so and the connection key is still alive;
// pub/sub events accelerate updates between polls.
func (s *Store) WatchStatus(ctx context.Context, userID string, fn func(store.Status)) store.CancelFunc {
	sub := s.client.Subscribe(ctx, eventChannel(userID))
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = sub.Close()
			close(done)
		})
	}

	go func() {
		ticker := time.NewTicker(statusPollInterval)
		defer ticker.Stop()
		events := sub.Channel()

		var known store.Status
		var have bool
		for {
			status := s.projectStatus(ctx, userID)
			if !have || status != known {
				have = true
				known = status
				fn(status)
			}

			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-events:
			}
		}
	}()

	return cancel
}

func (s *Store) projectStatus(ctx context.Context, userID string) store.Status {
	alive, err := s.client.Exists(ctx, connKey(userID)).Result()
	if err != nil || alive == 0 {
		return store.StatusOffline
	}

	payload, err := s.client.Get(ctx, statusKey(userID)).Result()
	if err != nil {
		return store.StatusOffline
	}
	var entry presence.StatusEntry
	if err := json.Unmarshal([]byte(payload), &entry); err != nil {
		return store.StatusOffline
	}
	if entry.State == store.StatusOnline {
		return store.StatusOnline
	}
	return store.StatusOffline
}

func statusKey(userID string) string {
	return "presence:status:" + userID
}

func connKey(userID string) string {
	return "presence:conn:" + userID
}

func eventChannel(userID string) string {
	return "presence:events:" + userID
}

const (
	connectedPollInterval = 5 * time.Second
	statusPollInterval    = 10 * time.Second
)

var errHookNotOffline = errors.New("disconnect hook must write an offline entry")
