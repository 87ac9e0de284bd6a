package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	qerrors "github.com/ratchetmesh/ratchetmesh/internal/errors"
)

// Redis is a KV backed by a Redis server, for deployments where multiple
// engine processes share state.
//
// Each value is stored as an 8-byte big-endian revision followed by the
// payload; compare-and-swap runs under WATCH so a concurrent writer aborts
// the transaction instead of being overwritten.
type Redis struct {
	client    *redis.Client
	namespace string
}

const redisRevisionHeader = 8

// NewRedis wraps an existing client. All keys are placed under namespace to
// keep engine state separate from other users of the same server.
func NewRedis(client *redis.Client, namespace string) *Redis {
	return &Redis{client: client, namespace: namespace}
}

func (r *Redis) key(key string) string {
	return r.namespace + ":" + key
}

func encodeValue(value []byte, revision int64) []byte {
	out := make([]byte, redisRevisionHeader+len(value))
	binary.BigEndian.PutUint64(out, uint64(revision))
	copy(out[redisRevisionHeader:], value)
	return out
}

func decodeValue(raw []byte) ([]byte, int64, error) {
	if len(raw) < redisRevisionHeader {
		return nil, 0, fmt.Errorf("store: corrupt record, %d bytes", len(raw))
	}
	rev := int64(binary.BigEndian.Uint64(raw))
	return raw[redisRevisionHeader:], rev, nil
}

// Get implements KV.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, int64, error) {
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, 0, qerrors.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("store: get %s: %w", key, err)
	}
	return decodeValue(raw)
}

// Put implements KV. The revision bump runs under WATCH so concurrent Puts
// never produce duplicate revisions; on transaction abort the write is
// retried.
func (r *Redis) Put(ctx context.Context, key string, value []byte) (int64, error) {
	rk := r.key(key)
	for {
		var newRev int64
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, rk).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
				newRev = 1
			case err != nil:
				return err
			default:
				_, rev, err := decodeValue(raw)
				if err != nil {
					return err
				}
				newRev = rev + 1
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, rk, encodeValue(value, newRev), 0)
				return nil
			})
			return err
		}, rk)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("store: put %s: %w", key, err)
		}
		return newRev, nil
	}
}

// CompareAndSwap implements KV.
func (r *Redis) CompareAndSwap(ctx context.Context, key string, value []byte, expectedRevision int64) (int64, error) {
	rk := r.key(key)
	var newRev int64
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, rk).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if expectedRevision != 0 {
				return qerrors.ErrConflict
			}
		case err != nil:
			return err
		default:
			_, rev, err := decodeValue(raw)
			if err != nil {
				return err
			}
			if rev != expectedRevision {
				return qerrors.ErrConflict
			}
		}
		newRev = expectedRevision + 1
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rk, encodeValue(value, newRev), 0)
			return nil
		})
		return err
	}, rk)
	if errors.Is(err, redis.TxFailedErr) {
		// Another writer touched the key between GET and EXEC.
		return 0, qerrors.ErrConflict
	}
	if err != nil {
		if qerrors.Is(err, qerrors.ErrConflict) {
			return 0, qerrors.ErrConflict
		}
		return 0, fmt.Errorf("store: cas %s: %w", key, err)
	}
	return newRev, nil
}

// Delete implements KV.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}
	return nil
}

// List implements KV.
func (r *Redis) List(ctx context.Context, prefix string) ([]Entry, error) {
	pattern := r.key(prefix) + "*"
	var out []Entry

	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		rk := iter.Val()
		raw, err := r.client.Get(ctx, rk).Bytes()
		if errors.Is(err, redis.Nil) {
			// Expired between SCAN and GET.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store: list %s: %w", prefix, err)
		}
		value, rev, err := decodeValue(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{
			Key:      strings.TrimPrefix(rk, r.namespace+":"),
			Value:    value,
			Revision: rev,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("store: list %s: %w", prefix, err)
	}
	return out, nil
}
