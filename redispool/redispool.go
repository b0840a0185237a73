// Package redispool is a Redis-backed implementation of tagcache.Pool,
// grounded on the retrieval pack's RedisCache pattern (connection
// options, a wrapped client, structured logging around every command):
// a direct transposition of Get/Set/SetIfAbsent/Delete/Expire onto
// go-redis's MGET/SET EX/SET NX EX/DEL/EXPIRE, plus a Pipeline built on
// redis.Pipeline so
// the Tag-Version Store's create-if-absent fan-out is one round trip
// instead of N.
package redispool

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/sbelyshkin/tagcache"
)

// Pool wraps a *redis.Client to satisfy tagcache.Pool, tagcache.Pipeliner
// and tagcache.PrefixClearer.
type Pool struct {
	client *redis.Client
	logger *logrus.Logger
}

// Option configures a Pool, following the same functional-options
// pattern used throughout this module.
type Option func(*Pool)

// WithLogger overrides the default logrus.StandardLogger().
func WithLogger(l *logrus.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// New wraps an existing *redis.Client. The caller owns the client's
// lifecycle (including Close).
func New(client *redis.Client, opts ...Option) *Pool {
	p := &Pool{client: client, logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewFromAddr dials a client from addr/password/db, matching the
// retrieval pack's NewRedisCache connectivity check: a failed Ping at
// construction is returned as an error rather than deferred to the
// first call.
func NewFromAddr(ctx context.Context, addr, password string, db int, opts ...Option) (*Pool, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return New(client, opts...), nil
}

// Get is a multi-get via MGET; keys absent from Redis are simply absent
// from the returned map (§6 Pool contract).
func (p *Pool) Get(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	vals, err := p.client.MGet(ctx, keys...).Result()
	if err != nil {
		p.logger.WithError(err).Warn("redispool: MGET failed")
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		out[keys[i]] = []byte(s)
	}
	return out, nil
}

// SetIfAbsent is SET key value NX [EX ttl] (§4.B's create-if-absent
// primitive). ttl <= 0 omits EX, i.e. no expiry.
func (p *Pool) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := p.client.SetNX(ctx, key, value, normalizeTTL(ttl)).Result()
	if err != nil {
		p.logger.WithError(err).WithField("key", key).Warn("redispool: SETNX failed")
		return false, err
	}
	return ok, nil
}

// Set is an unconditional SET key value [EX ttl].
func (p *Pool) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := p.client.Set(ctx, key, value, normalizeTTL(ttl)).Err(); err != nil {
		p.logger.WithError(err).WithField("key", key).Warn("redispool: SET failed")
		return err
	}
	return nil
}

// Delete is DEL over keys; an absent key is not an error (go-redis's DEL
// already behaves this way, it simply counts fewer deletions).
func (p *Pool) Delete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := p.client.Del(ctx, keys...).Err(); err != nil {
		p.logger.WithError(err).Warn("redispool: DEL failed")
		return err
	}
	return nil
}

// Expire is EXPIRE key ttl. A missing key is not an error: go-redis
// reports it as a false result, which this method swallows to match the
// Pool contract's "refresh a key's TTL, absent key is a no-op".
func (p *Pool) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := p.client.Expire(ctx, key, ttl).Err(); err != nil {
		p.logger.WithError(err).WithField("key", key).Warn("redispool: EXPIRE failed")
		return err
	}
	return nil
}

// Clear removes every key under prefix via SCAN+UNLINK (never KEYS,
// which blocks the server); an empty prefix clears the whole database
// selected by this client (FLUSHDB).
func (p *Pool) Clear(ctx context.Context, prefix string) error {
	if prefix == "" {
		if err := p.client.FlushDB(ctx).Err(); err != nil {
			p.logger.WithError(err).Warn("redispool: FLUSHDB failed")
			return err
		}
		return nil
	}

	var cursor uint64
	match := prefix + "*"
	for {
		keys, next, err := p.client.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			p.logger.WithError(err).WithField("prefix", prefix).Warn("redispool: SCAN failed")
			return err
		}
		if len(keys) > 0 {
			if err := p.client.Unlink(ctx, keys...).Err(); err != nil {
				p.logger.WithError(err).WithField("prefix", prefix).Warn("redispool: UNLINK failed")
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

// SupportsPrefixClear reports true: Clear with a non-empty prefix only
// UNLINKs matching keys via SCAN, never the whole database.
func (p *Pool) SupportsPrefixClear() bool { return true }

// Pipeline batches cmds into a single Redis pipeline round trip, the
// reason the Tag-Version Store looks for tagcache.Pipeliner before
// falling back to one SetIfAbsent call per tag (§6, §9).
func (p *Pool) Pipeline(ctx context.Context, cmds []tagcache.Cmd) ([]tagcache.CmdResult, error) {
	results := make([]tagcache.CmdResult, len(cmds))
	redisCmds := make([]redis.Cmder, len(cmds))

	_, err := p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, cmd := range cmds {
			switch cmd.Kind {
			case tagcache.CmdGet:
				redisCmds[i] = pipe.MGet(ctx, cmd.Keys...)
			case tagcache.CmdSetIfAbsent:
				redisCmds[i] = pipe.SetNX(ctx, cmd.Key, cmd.Value, normalizeTTL(cmd.TTL))
			case tagcache.CmdDelete:
				redisCmds[i] = pipe.Del(ctx, cmd.Key)
			case tagcache.CmdSet:
				redisCmds[i] = pipe.Set(ctx, cmd.Key, cmd.Value, normalizeTTL(cmd.TTL))
			case tagcache.CmdExpire:
				redisCmds[i] = pipe.Expire(ctx, cmd.Key, cmd.TTL)
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		p.logger.WithError(err).Warn("redispool: pipeline exec failed")
		return nil, err
	}

	for i, cmd := range cmds {
		results[i] = pipelinedResult(cmd, redisCmds[i])
	}
	return results, nil
}

func pipelinedResult(cmd tagcache.Cmd, rc redis.Cmder) tagcache.CmdResult {
	switch cmd.Kind {
	case tagcache.CmdGet:
		vals, err := rc.(*redis.SliceCmd).Result()
		if err != nil {
			return tagcache.CmdResult{Err: err}
		}
		out := make(map[string][]byte, len(vals))
		for i, v := range vals {
			if s, ok := v.(string); ok && i < len(cmd.Keys) {
				out[cmd.Keys[i]] = []byte(s)
			}
		}
		return tagcache.CmdResult{Values: out}
	case tagcache.CmdSetIfAbsent:
		ok, err := rc.(*redis.BoolCmd).Result()
		return tagcache.CmdResult{Created: ok, Err: err}
	default:
		return tagcache.CmdResult{Err: rc.Err()}
	}
}

// normalizeTTL maps a non-positive duration to 0, go-redis's "no
// expiry" sentinel for SET/SETNX.
func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return ttl
}
