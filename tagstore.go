package tagcache

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// refreshProbability is the TTL-refresh heuristic's sampling rate (§4.B):
// tags read at least once per ~60s on average stay alive indefinitely,
// cold tags expire. 60/86400 means "about once every 24 hours' worth of
// reads, on average, trigger a refresh" when reads happen roughly every
// 60s; see deriveTagsLifetime's 86,400s floor.
const refreshProbability = 60.0 / 86400.0

// tagStore is the Tag-Version Store of §4.B: atomic create-if-absent and
// read of per-tag version tokens, with the probabilistic TTL refresh
// heuristic resolved per §9's Open Question (gated on tagsLifetime > 0,
// never unconditional).
type tagStore struct {
	pool         Pool
	namespace    string
	tagPrefix    string
	tagsLifetime time.Duration // 0 means unbounded (no TTL on tag records)
	logger       *logrus.Logger
	stats        *statsRecorder
}

func newTagStore(pool Pool, namespace, tagPrefix string, tagsLifetime time.Duration, logger *logrus.Logger, stats *statsRecorder) *tagStore {
	return &tagStore{
		pool:         pool,
		namespace:    namespace,
		tagPrefix:    tagPrefix,
		tagsLifetime: tagsLifetime,
		logger:       logger,
		stats:        stats,
	}
}

func (s *tagStore) tagID(name string) string {
	return s.namespace + ":" + s.tagPrefix + name
}

// GetOrCreate implements §4.B's get_or_create protocol:
//
//  1. Sort tag names (canonical order, avoids deadlocking backends that
//     serialise writes and makes the multi-get deterministic).
//  2. Multi-get current versions.
//  3. For every tag with no current version, generate a fresh token and
//     SET-IF-ABSENT it; our token is adopted only if our conditional set
//     created the record. If a concurrent writer won the race, that tag
//     is left out of the result without a re-read. Callers of this package
//     already treat an unknown tag as equivalent to invalidation, so a
//     "fewer tags than requested" result is an acceptable answer, never
//     an error.
//  4. Return the union of observed and created versions, keyed by tag
//     name.
func (s *tagStore) GetOrCreate(ctx context.Context, tagNames []string) (map[string][]byte, error) {
	if len(tagNames) == 0 {
		return map[string][]byte{}, nil
	}

	names := append([]string(nil), tagNames...)
	sort.Strings(names)

	idToName := make(map[string]string, len(names))
	ids := make([]string, len(names))
	for i, name := range names {
		id := s.tagID(name)
		ids[i] = id
		idToName[id] = name
	}

	observed, err := s.pool.Get(ctx, ids)
	if err != nil {
		s.logger.WithError(err).WithField("op", "tag_multi_get").Warn("tagcache: tag pool read failed")
		return nil, err
	}

	result := make(map[string][]byte, len(names))
	var hitIDs []string
	var missingIDs []string
	for _, id := range ids {
		if v, ok := observed[id]; ok {
			result[idToName[id]] = v
			hitIDs = append(hitIDs, id)
		} else {
			missingIDs = append(missingIDs, id)
		}
	}

	if len(missingIDs) > 0 {
		created, err := s.createMissing(ctx, missingIDs)
		if err != nil {
			return nil, err
		}
		for id, v := range created {
			result[idToName[id]] = v
		}
	} else if len(hitIDs) > 0 {
		s.maybeRefresh(ctx, hitIDs)
	}

	return result, nil
}

// createMissing issues SET-IF-ABSENT for every tag id with no current
// version, using the pool's pipeline when available (§6, §9). A failed
// conditional set means another writer won the race; that tag is simply
// left out of the returned map rather than re-read (§4.B step 3).
func (s *tagStore) createMissing(ctx context.Context, ids []string) (map[string][]byte, error) {
	generated := make(map[string][]byte, len(ids))
	for _, id := range ids {
		generated[id] = newTagVersion()
	}

	result := make(map[string][]byte, len(ids))

	if pipeliner, ok := s.pool.(Pipeliner); ok {
		cmds := make([]Cmd, len(ids))
		for i, id := range ids {
			cmds[i] = Cmd{Kind: CmdSetIfAbsent, Key: id, Value: generated[id], TTL: s.tagsLifetime}
		}
		results, err := pipeliner.Pipeline(ctx, cmds)
		if err != nil {
			s.logger.WithError(err).WithField("op", "tag_create_pipeline").Warn("tagcache: tag creation pipeline failed")
			return nil, err
		}
		for i, id := range ids {
			if results[i].Err == nil && results[i].Created {
				result[id] = generated[id]
			}
		}
		s.stats.addTagCreated(uint64(len(result)))
		return result, nil
	}

	for _, id := range ids {
		created, err := s.pool.SetIfAbsent(ctx, id, generated[id], s.tagsLifetime)
		if err != nil {
			s.logger.WithError(err).WithField("tag_id", id).Warn("tagcache: tag create-if-absent failed")
			continue
		}
		if created {
			result[id] = generated[id]
			s.stats.addTagCreated(1)
		}
	}
	return result, nil
}

// maybeRefresh implements the TTL refresh heuristic (§4.B, §9): when
// every requested tag was already present (no creation needed) and tags
// carry a finite lifetime, refresh their TTL with low probability so
// tags read often enough stay alive indefinitely while cold tags expire.
// This is gated on tagsLifetime > 0. The short-circuit bug called out in
// §9 ("1||$this->tagsLifetime && ...") is deliberately not reproduced.
func (s *tagStore) maybeRefresh(ctx context.Context, ids []string) {
	if s.tagsLifetime <= 0 {
		return
	}
	if rand.Float64() >= refreshProbability {
		return
	}
	for _, id := range ids {
		if err := s.pool.Expire(ctx, id, s.tagsLifetime); err != nil {
			s.logger.WithError(err).WithField("tag_id", id).Warn("tagcache: tag TTL refresh failed")
		}
	}
}

// Delete implements §4.B's delete + §4.D's invalidate_tags: tag records
// are deleted, never overwritten (§3, §4.B rationale). Deletion is
// atomic and cannot leave a stale-but-apparently-new version that fools
// future readers into hits, and a concurrent get_or_create after delete
// either observes the deletion and mints a fresh token, or races a prior
// writer and adopts its token; either way no writer can resurrect the
// pre-deletion version.
func (s *tagStore) Delete(ctx context.Context, tagNames []string) error {
	if len(tagNames) == 0 {
		return nil
	}
	ids := make([]string, len(tagNames))
	for i, name := range tagNames {
		ids[i] = s.tagID(name)
	}
	if err := s.pool.Delete(ctx, ids); err != nil {
		s.logger.WithError(err).WithField("op", "tag_delete").Warn("tagcache: tag pool delete failed")
		return err
	}
	return nil
}

// deriveTagsLifetime implements §3/§6's tag TTL derivation:
// tags_lifetime = max(28800, default_lifetime) * 3, and a 0
// default_lifetime disables the tag TTL entirely (returns 0, "unbounded").
// Spec floors the effective TTL at 86,400s; since max(28800, x)*3 is
// already >= 86400 for any x >= 0, the floor is implied by the formula;
// the explicit floor check below never changes the result and only
// guards the formula. It lives in this one function as the single source
// of truth (the original source hand-inlines
// this arithmetic at three call sites, which is exactly how the
// short-circuit bug in §9 crept in).
func deriveTagsLifetime(defaultLifetime time.Duration) time.Duration {
	if defaultLifetime <= 0 {
		return 0
	}
	base := defaultLifetime
	if base < 28800*time.Second {
		base = 28800 * time.Second
	}
	lifetime := base * 3
	if lifetime < 86400*time.Second {
		lifetime = 86400 * time.Second
	}
	return lifetime
}
