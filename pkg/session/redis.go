package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists sessions in Redis. The record is one JSON value per
// session; each side channel is a list, pushed by workers and drained
// atomically by the turn loop. Compare-and-set uses WATCH/MULTI so two
// writers racing on the same version cannot both win.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps an existing client. ttl bounds how long an abandoned
// session lingers; zero means no expiry.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func stateKey(id string) string  { return "callbridge:session:" + id }
func notifKey(id string) string  { return "callbridge:session:" + id + ":notifications" }
func updateKey(id string) string { return "callbridge:session:" + id + ":task-updates" }

func (r *RedisStore) Get(ctx context.Context, id string) (*State, error) {
	raw, err := r.client.Get(ctx, stateKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: redis get: %w", err)
	}

	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("session: decode record: %w", err)
	}
	return &st, nil
}

func (r *RedisStore) Put(ctx context.Context, st *State, expectedVersion int64) error {
	key := stateKey(st.ID)

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		var current int64
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			current = 0
		case err != nil:
			return fmt.Errorf("session: redis read under watch: %w", err)
		default:
			var stored State
			if err := json.Unmarshal(raw, &stored); err != nil {
				return fmt.Errorf("session: decode record: %w", err)
			}
			current = stored.Version
		}

		if current != expectedVersion {
			return ErrConflict
		}

		st.Version = expectedVersion + 1
		st.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("session: encode record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.ttl)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		// Another writer touched the key between our read and the commit.
		st.Version = expectedVersion
		return ErrConflict
	}
	if errors.Is(err, ErrConflict) {
		st.Version = expectedVersion
		return ErrConflict
	}
	return err
}

func (r *RedisStore) ForcePut(ctx context.Context, st *State) error {
	cur, err := r.Get(ctx, st.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		st.Version = 1
	case err != nil:
		return err
	default:
		st.Version = cur.Version + 1
	}

	st.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("session: encode record: %w", err)
	}
	if err := r.client.Set(ctx, stateKey(st.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("session: redis set: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, stateKey(id), notifKey(id), updateKey(id)).Err(); err != nil {
		return fmt.Errorf("session: redis delete: %w", err)
	}
	return nil
}

func (r *RedisStore) AppendNotification(ctx context.Context, id string, n Notification) error {
	return r.push(ctx, notifKey(id), n)
}

func (r *RedisStore) DrainNotifications(ctx context.Context, id string) ([]Notification, error) {
	raws, err := r.drain(ctx, notifKey(id))
	if err != nil {
		return nil, err
	}
	out := make([]Notification, 0, len(raws))
	for _, raw := range raws {
		var n Notification
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			return nil, fmt.Errorf("session: decode notification: %w", err)
		}
		out = append(out, n)
	}
	return out, nil
}

func (r *RedisStore) AppendTaskUpdate(ctx context.Context, id string, u TaskUpdate) error {
	return r.push(ctx, updateKey(id), u)
}

func (r *RedisStore) DrainTaskUpdates(ctx context.Context, id string) ([]TaskUpdate, error) {
	raws, err := r.drain(ctx, updateKey(id))
	if err != nil {
		return nil, err
	}
	out := make([]TaskUpdate, 0, len(raws))
	for _, raw := range raws {
		var u TaskUpdate
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			return nil, fmt.Errorf("session: decode task update: %w", err)
		}
		out = append(out, u)
	}
	return out, nil
}

func (r *RedisStore) push(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("session: encode side-channel entry: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: redis push: %w", err)
	}
	return nil
}

// drain atomically reads and clears a side-channel list. WATCH retries if a
// producer appends between the read and the delete, so no entry is lost.
func (r *RedisStore) drain(ctx context.Context, key string) ([]string, error) {
	var vals []string
	for attempt := 0; attempt < MaxPutRetries; attempt++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			var err error
			vals, err = tx.LRange(ctx, key, 0, -1).Result()
			if err != nil {
				return err
			}
			if len(vals) == 0 {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("session: redis drain: %w", err)
		}
		return vals, nil
	}
	return nil, fmt.Errorf("session: redis drain %s: %w", key, redis.TxFailedErr)
}
