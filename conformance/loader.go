package conformance

import (
	"context"
	"path/filepath"
	"time"
)

// DefaultProfileTTL is how long a loaded profile is reused.
const DefaultProfileTTL = 10 * time.Minute

const keyPrefix = "hl7mllp:profile:"

// Loader reads profiles through a cache so that sessions sharing a profile
// file parse it once.
type Loader struct {
	cache Cache[*Profile]
	ttl   time.Duration
}

// NewLoader returns a Loader. A nil cache selects an in-process MemoryCache;
// a non-positive ttl selects DefaultProfileTTL.
func NewLoader(c Cache[*Profile], ttl time.Duration) *Loader {
	if c == nil {
		c = NewMemoryCache[*Profile](time.Minute)
	}
	if ttl <= 0 {
		ttl = DefaultProfileTTL
	}
	return &Loader{cache: c, ttl: ttl}
}

// Load returns the profile at path.
func (l *Loader) Load(ctx context.Context, path string) (*Profile, error) {
	return l.cache.GetOrFetch(ctx, cacheKey(path), l.ttl, func(context.Context) (*Profile, error) {
		return LoadProfile(path)
	})
}

// Invalidate drops the cached copy of path.
func (l *Loader) Invalidate(ctx context.Context, path string) error {
	return l.cache.Delete(ctx, cacheKey(path))
}

func cacheKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return keyPrefix + path
}
