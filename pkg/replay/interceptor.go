package replay

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/xiaot623/gogo/rollout/pkg/protocol"
)

// Lookuper fetches recorded calls. *CacheClient implements it.
type Lookuper interface {
	Lookup(ctx context.Context, path string, index int) (*protocol.LookupResponse, error)
}

// Interceptor hands out per-path call indexes for one run and resolves them
// against the cache. The zero budget of an unseen path means "call live" once
// the server's metadata is known; before the first response every call asks.
type Interceptor struct {
	cache Lookuper

	mu      sync.Mutex
	indexes map[string]int
	meta    *protocol.ReplayMetadata
}

// NewInterceptor creates an interceptor. A nil cache makes it inactive.
func NewInterceptor(cache Lookuper) *Interceptor {
	return &Interceptor{
		cache:   cache,
		indexes: make(map[string]int),
	}
}

// FromEnv builds an interceptor from the environment of a worker process. It
// is inactive when the process was not started by a replay session.
func FromEnv() *Interceptor {
	url := os.Getenv(protocol.EnvCacheURL)
	if url == "" {
		return NewInterceptor(nil)
	}
	return NewInterceptor(NewCacheClient(url, 10*time.Second))
}

// Active reports whether a replay session is attached.
func (i *Interceptor) Active() bool {
	return i.cache != nil
}

// Next claims the next call index at path and returns the record cached for
// it. A nil record with a nil error means the budget is exhausted and the
// caller should go live; ErrCacheMiss means the key was absent.
func (i *Interceptor) Next(ctx context.Context, path string) (*protocol.CachedCallRecord, error) {
	if !i.Active() {
		return nil, nil
	}

	i.mu.Lock()
	index := i.indexes[path]
	i.indexes[path] = index + 1
	if i.meta != nil && index >= i.meta.PathToCount[path] {
		i.mu.Unlock()
		return nil, nil
	}
	i.mu.Unlock()

	resp, err := i.cache.Lookup(ctx, path, index)
	if resp != nil {
		i.refresh(resp)
	}
	if err != nil {
		return nil, err
	}
	return resp.Span, nil
}

func (i *Interceptor) refresh(resp *protocol.LookupResponse) {
	meta := &protocol.ReplayMetadata{
		PathToCount: resp.PathToCount,
		Overrides:   resp.Overrides,
	}
	if meta.PathToCount == nil {
		meta.PathToCount = map[string]int{}
	}
	i.mu.Lock()
	i.meta = meta
	i.mu.Unlock()
}

// Index returns the next index that will be claimed at path.
func (i *Interceptor) Index(path string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.indexes[path]
}

// Override returns the last override the server reported for path.
func (i *Interceptor) Override(path string) (protocol.Override, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.meta == nil {
		return protocol.Override{}, false
	}
	o, ok := i.meta.Overrides[path]
	return o, ok
}

// Reset forgets all indexes and metadata.
func (i *Interceptor) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.indexes = make(map[string]int)
	i.meta = nil
}
