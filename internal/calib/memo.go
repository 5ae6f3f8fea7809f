package calib

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"cubered/internal/frame"
)

// Memo keeps master frames in process so every worker shares one read-only copy.
// Concurrent requests for the same key build once.
type Memo struct {
	items *cache.Cache
	group singleflight.Group
}

// NewMemo returns a memo whose entries expire after ttl (0 = never).
func NewMemo(ttl time.Duration) *Memo {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	return &Memo{items: cache.New(ttl, 10*time.Minute)}
}

// Key identifies a master by camera, kind and input digest.
func Key(camera int, kind string, digest string) string {
	return fmt.Sprintf("cam%d/%s/%s", camera, kind, digest)
}

// Get returns a memoized frame.
func (m *Memo) Get(key string) (*frame.Frame, bool) {
	v, ok := m.items.Get(key)
	if !ok {
		return nil, false
	}
	f, ok := v.(*frame.Frame)
	return f, ok
}

// GetOrBuild returns the frame for key, calling build at most once per key
// while it is cached.
func (m *Memo) GetOrBuild(key string, build func() (*frame.Frame, error)) (*frame.Frame, error) {
	if f, ok := m.Get(key); ok {
		return f, nil
	}
	v, err, _ := m.group.Do(key, func() (any, error) {
		if f, ok := m.Get(key); ok {
			return f, nil
		}
		f, err := build()
		if err != nil {
			return nil, err
		}
		m.items.SetDefault(key, f)
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*frame.Frame), nil
}

// Forget drops a key so the next GetOrBuild rebuilds it.
func (m *Memo) Forget(key string) { m.items.Delete(key) }
