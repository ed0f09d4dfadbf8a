// Package cache memoizes side-effect-free tool results.
//
// Entries live in per-binary namespaces keyed by content identity, so a
// lookup for one binary can never see another binary's results. Each
// namespace also owns the read/write lock that serializes mutating tools
// against live pure calls on the same binary, across sessions.
package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vinayprograms/unfold/internal/binary"
)

// Key identifies a cached invocation.
type Key struct {
	Binary binary.Identity
	Tool   string
	// Args is the canonical JSON of the normalized arguments.
	Args string
}

func (k Key) String() string {
	return string(k.Binary) + "|" + k.Tool + "|" + k.Args
}

// Entry is one cached payload.
type Entry struct {
	Key     Key       `json:"key"`
	Payload []byte    `json:"payload"`
	Turn    int       `json:"turn"`
	Deps    []string  `json:"deps,omitempty"`
	Created time.Time `json:"created"`
}

// DependsOn reports whether any of keys is one of the entry's dependencies.
func (e *Entry) DependsOn(keys map[string]bool) bool {
	for _, d := range e.Deps {
		if keys[d] {
			return true
		}
	}
	return false
}

// Tier is an optional second level behind the in-memory map.
type Tier interface {
	Get(key Key) (*Entry, error)
	Put(e *Entry) error
	Invalidate(id binary.Identity, keys map[string]bool) (int, error)
	Drop(id binary.Identity) error
	Close() error
}

// ErrMiss is returned by a Tier that has no entry.
var ErrMiss = errors.New("cache miss")

// Stats counts cache activity.
type Stats struct {
	Hits          int64
	Misses        int64
	Stores        int64
	StaleRejected int64
	Invalidated   int64
	Shared        int64
}

type namespace struct {
	// state serializes mutating tools against live pure calls.
	state sync.RWMutex

	mu      sync.Mutex
	gen     uint64
	entries map[string]*Entry
}

// Cache is the process-wide result cache. It is safe for concurrent use.
type Cache struct {
	mu     sync.Mutex
	spaces map[binary.Identity]*namespace
	tier   Tier
	group  singleflight.Group
	stats  Stats

	// OnError receives tier failures, which never fail a lookup.
	OnError func(error)
}

// New creates an empty cache. tier may be nil.
func New(tier Tier) *Cache {
	return &Cache{spaces: make(map[binary.Identity]*namespace), tier: tier}
}

func (c *Cache) space(id binary.Identity) *namespace {
	c.mu.Lock()
	defer c.mu.Unlock()
	ns, ok := c.spaces[id]
	if !ok {
		ns = &namespace{entries: make(map[string]*Entry)}
		c.spaces[id] = ns
	}
	return ns
}

func (c *Cache) tierError(err error) {
	if err != nil && c.OnError != nil {
		c.OnError(err)
	}
}

func (c *Cache) count(f func(*Stats)) {
	c.mu.Lock()
	f(&c.stats)
	c.mu.Unlock()
}

// Stats returns a copy of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Get returns a cached entry, consulting the tier on a memory miss.
func (c *Cache) Get(key Key) (*Entry, bool) {
	ns := c.space(key.Binary)
	ns.mu.Lock()
	e, ok := ns.entries[key.String()]
	ns.mu.Unlock()
	if ok {
		return e, true
	}
	if c.tier == nil {
		return nil, false
	}

	ns.mu.Lock()
	gen := ns.gen
	ns.mu.Unlock()

	e, err := c.tier.Get(key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.tierError(err)
		}
		return nil, false
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.gen != gen {
		return nil, false
	}
	ns.entries[key.String()] = e
	return e, true
}

// Generation returns the namespace's invalidation counter.
func (c *Cache) Generation(id binary.Identity) uint64 {
	ns := c.space(id)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.gen
}

// Put stores e unless the namespace was invalidated after gen was read, in
// which case the payload may predate a rename and is dropped.
func (c *Cache) Put(e *Entry, gen uint64) bool {
	ns := c.space(e.Key.Binary)
	ns.mu.Lock()
	if ns.gen != gen {
		ns.mu.Unlock()
		c.count(func(s *Stats) { s.StaleRejected++ })
		return false
	}
	if e.Created.IsZero() {
		e.Created = time.Now()
	}
	ns.entries[e.Key.String()] = e
	ns.mu.Unlock()

	c.count(func(s *Stats) { s.Stores++ })
	if c.tier != nil {
		c.tierError(c.tier.Put(e))
	}
	return true
}

// Invalidate removes every entry of id that depends on one of keys and bumps
// the generation. It is idempotent.
func (c *Cache) Invalidate(id binary.Identity, keys []string) int {
	if len(keys) == 0 {
		return 0
	}
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}

	ns := c.space(id)
	ns.mu.Lock()
	ns.gen++
	removed := 0
	for k, e := range ns.entries {
		if e.DependsOn(set) {
			delete(ns.entries, k)
			removed++
		}
	}
	ns.mu.Unlock()

	if c.tier != nil {
		n, err := c.tier.Invalidate(id, set)
		c.tierError(err)
		if n > removed {
			removed = n
		}
	}
	c.count(func(s *Stats) { s.Invalidated += int64(removed) })
	return removed
}

// DropBinary forgets everything cached for id.
func (c *Cache) DropBinary(id binary.Identity) {
	ns := c.space(id)
	ns.mu.Lock()
	ns.gen++
	n := len(ns.entries)
	ns.entries = make(map[string]*Entry)
	ns.mu.Unlock()

	if c.tier != nil {
		c.tierError(c.tier.Drop(id))
	}
	c.count(func(s *Stats) { s.Invalidated += int64(n) })
}

// Len returns the number of in-memory entries for id.
func (c *Cache) Len(id binary.Identity) int {
	ns := c.space(id)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return len(ns.entries)
}

// LockShared holds id's analysis state for a pure live call.
func (c *Cache) LockShared(id binary.Identity) (unlock func()) {
	ns := c.space(id)
	ns.state.RLock()
	return ns.state.RUnlock
}

// LockExclusive holds id's analysis state for a mutating call.
func (c *Cache) LockExclusive(id binary.Identity) (unlock func()) {
	ns := c.space(id)
	ns.state.Lock()
	return ns.state.Unlock
}

// Live computes a payload on a miss and returns its dependency keys.
type Live func(ctx context.Context) (payload []byte, deps []string, err error)

// Fetch returns the cached payload for key or computes it with live.
// Concurrent misses for the same key share a single live call, which runs
// under the binary's shared state lock.
func (c *Cache) Fetch(ctx context.Context, key Key, turn int, live Live) (payload []byte, hit bool, err error) {
	if e, ok := c.Get(key); ok {
		c.count(func(s *Stats) { s.Hits++ })
		return e.Payload, true, nil
	}
	c.count(func(s *Stats) { s.Misses++ })

	compute := func(ctx context.Context) (interface{}, error) {
		unlock := c.LockShared(key.Binary)
		defer unlock()

		// A concurrent call may have stored it while we waited.
		if e, ok := c.Get(key); ok {
			return e.Payload, nil
		}
		gen := c.Generation(key.Binary)
		payload, deps, err := live(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(&Entry{Key: key, Payload: payload, Turn: turn, Deps: deps}, gen)
		return payload, nil
	}

	v, err, shared := c.group.Do(key.String(), func() (interface{}, error) {
		return compute(ctx)
	})
	if shared {
		c.count(func(s *Stats) { s.Shared++ })
		// The leader's context ended, not ours: run it ourselves.
		if err != nil && isContextErr(err) && ctx.Err() == nil {
			v, err = compute(ctx)
		}
	}
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), false, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Close releases the tier.
func (c *Cache) Close() error {
	if c.tier == nil {
		return nil
	}
	return c.tier.Close()
}

// AddrKey is the dependency key of an address.
func AddrKey(addr string) string { return "addr:" + strings.ToLower(addr) }

// NameKey is the dependency key of a symbol name.
func NameKey(name string) string { return "name:" + name }

// AllFunctions is the dependency key of any payload listing functions.
const AllFunctions = "all:functions"
