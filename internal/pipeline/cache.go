package pipeline

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"cubered/internal/fsutil"
)

// StageState is the outcome of one stage for one file.
type StageState string

const (
	StatePending StageState = "pending"
	StateSkipped StageState = "skipped"
	StateDone    StageState = "done"
	StateFailed  StageState = "failed"
)

// CacheKey identifies the outputs a stage would produce from an input under
// one set of parameters.
type CacheKey struct {
	Input   string
	Deps    []string // further inputs the outputs must not be older than
	Stage   Stage
	Digest  string
	Outputs []string
}

func (k CacheKey) id() string { return string(k.Stage) + "|" + k.Input }

// CacheState is the answer of a cache lookup.
type CacheState int

const (
	CacheMiss CacheState = iota
	CacheHit
)

func (s CacheState) String() string {
	if s == CacheHit {
		return "hit"
	}
	return "miss"
}

// Cache decides whether a stage's prior outputs can be reused.
type Cache interface {
	Lookup(key CacheKey) (CacheState, error)
	Commit(key CacheKey) error
}

// DigestStore persists the parameter digest each output was produced with.
type DigestStore interface {
	Digest(output string) (string, bool, error)
	SetDigest(output, stage, digest string) error
}

// FSCache reports a hit when every output exists, is not older than the input
// and, with a digest store, was produced with the same parameters.
type FSCache struct {
	digests DigestStore
}

// NewFSCache returns a filesystem cache. digests may be nil, in which case
// parameters are not compared.
func NewFSCache(digests DigestStore) *FSCache {
	return &FSCache{digests: digests}
}

func (c *FSCache) Lookup(key CacheKey) (CacheState, error) {
	inputs := append([]string{key.Input}, key.Deps...)
	if len(key.Outputs) == 0 || !fsutil.NewerThan(key.Outputs, inputs...) {
		return CacheMiss, nil
	}
	if c.digests == nil {
		return CacheHit, nil
	}
	for _, out := range key.Outputs {
		d, ok, err := c.digests.Digest(out)
		if err != nil {
			return CacheMiss, err
		}
		if !ok || d != key.Digest {
			return CacheMiss, nil
		}
	}
	return CacheHit, nil
}

func (c *FSCache) Commit(key CacheKey) error {
	if c.digests == nil {
		return nil
	}
	for _, out := range key.Outputs {
		if err := c.digests.SetDigest(out, string(key.Stage), key.Digest); err != nil {
			return err
		}
	}
	return nil
}

// MemCache is an in-memory Cache keyed by (stage, input) and digest.
type MemCache struct {
	mu      sync.Mutex
	entries map[string]string
	lookups int
	commits int
}

func NewMemCache() *MemCache {
	return &MemCache{entries: make(map[string]string)}
}

func (c *MemCache) Lookup(key CacheKey) (CacheState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	if d, ok := c.entries[key.id()]; ok && d == key.Digest {
		return CacheHit, nil
	}
	return CacheMiss, nil
}

func (c *MemCache) Commit(key CacheKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commits++
	c.entries[key.id()] = key.Digest
	return nil
}

// Commits returns how many stage results were committed.
func (c *MemCache) Commits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commits
}

// Digest hashes stage parameters into a short stable key.
func Digest(params any) string {
	raw, err := json.Marshal(params)
	if err != nil {
		raw = []byte(err.Error())
	}
	return strconv.FormatUint(xxhash.Sum64(raw), 16)
}
