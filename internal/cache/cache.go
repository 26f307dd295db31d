// Package cache implements the semantic grading cache: a
// (rubric_hash, image_perceptual_hash) keyed lookup that lets the
// grade_question node skip an LLM call when it has already graded an
// indistinguishable answer under the same rubric.
//
// Two backends share one Backend interface, mirroring how the prior engine
// keeps its checkpoint stores interchangeable behind one interface: an
// in-process LRU for single-worker/dev deployments, and Redis for sharing
// the cache across a worker pool.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/dshills/gradeflow/internal/phash"
)

// Key identifies one cache entry: a rubric's stable hash crossed with a
// perceptual fingerprint of the submitted answer image.
type Key struct {
	RubricHash string
	ImageHash  phash.Hash
}

// String renders the key as the flat string Backend implementations use,
// e.g. as a Redis key or an LRU map key: "<rubric_hash>:<image_hash_hex>".
func (k Key) String() string {
	return k.RubricHash + ":" + strconv.FormatUint(uint64(k.ImageHash), 16)
}

// RubricHash canonicalizes a rubric string (trim surrounding whitespace,
// collapse internal whitespace runs, lowercase) and returns its stable
// sha256-derived hash, so cosmetically different but semantically
// identical rubric text hits the same cache entries.
func RubricHash(rubric string) string {
	fields := strings.Fields(rubric)
	canon := strings.ToLower(strings.Join(fields, " "))
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:])
}

// Result is a cached grading outcome.
type Result struct {
	Score      float64
	Confidence float64
	Feedback   string
}

// Backend is the storage contract a Cache wraps: get/set/delete by key,
// plus a prefix sweep for rubric invalidation. Implementations must be
// safe for concurrent use.
type Backend interface {
	Get(ctx context.Context, key string) (Result, bool, error)
	Set(ctx context.Context, key string, result Result, ttl time.Duration) error
	// DeletePrefix removes every entry whose key starts with prefix,
	// used to invalidate an entire rubric_hash's key-space.
	DeletePrefix(ctx context.Context, prefix string) error
}

// Cache is the semantic cache describes: a thin policy layer
// (confidence gating, TTL default, graceful degradation) over a Backend.
type Cache struct {
	backend    Backend
	defaultTTL time.Duration

	// storeThreshold is the minimum confidence a result needs before
	// Store persists it.
	storeThreshold float64
}

// New wraps backend with the cache policy. defaultTTL and storeThreshold
// are normally sourced from internal/config.
func New(backend Backend, defaultTTL time.Duration, storeThreshold float64) *Cache {
	return &Cache{backend: backend, defaultTTL: defaultTTL, storeThreshold: storeThreshold}
}

// Lookup returns the cached result for key, or (zero, false) on a miss —
// including when the backend itself is unavailable. A cache is an
// optimization, never a dependency: grading must proceed exactly as on a
// genuine miss if the backend errors.
func (c *Cache) Lookup(ctx context.Context, key Key) (Result, bool) {
	if c == nil || c.backend == nil {
		return Result{}, false
	}
	res, found, err := c.backend.Get(ctx, key.String())
	if err != nil || !found {
		return Result{}, false
	}
	return res, true
}

// Store persists result under key with the default TTL, but only if
// result.Confidence clears storeThreshold. Returns false without error on
// backend failure or on a result too uncertain to cache.
func (c *Cache) Store(ctx context.Context, key Key, result Result) bool {
	if c == nil || c.backend == nil {
		return false
	}
	if result.Confidence <= c.storeThreshold {
		return false
	}
	if err := c.backend.Set(ctx, key.String(), result, c.defaultTTL); err != nil {
		return false
	}
	return true
}

// Invalidate removes every cached entry for rubricHash, the effect a
// rubric edit must have on the key-space that hashed to it.
func (c *Cache) Invalidate(ctx context.Context, rubricHash string) error {
	if c == nil || c.backend == nil {
		return nil
	}
	return c.backend.DeletePrefix(ctx, rubricHash+":")
}
