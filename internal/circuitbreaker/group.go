package circuitbreaker

import (
	"sort"
	"sync"
)

// Group holds one breaker per key, created on first use with the same
// config. A key that keeps failing opens only its own breaker.
type Group struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*CircuitBreaker
}

func NewGroup(cfg Config) *Group {
	return &Group{
		cfg:      cfg,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for key, creating it if needed
func (g *Group) Get(key string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	cb, ok := g.breakers[key]
	if !ok {
		cb = New(g.cfg)
		g.breakers[key] = cb
	}
	return cb
}

func (g *Group) Lookup(key string) (*CircuitBreaker, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cb, ok := g.breakers[key]
	return cb, ok
}

// Keys returns the known keys in sorted order
func (g *Group) Keys() []string {
	g.mu.Lock()
	keys := make([]string, 0, len(g.breakers))
	for key := range g.breakers {
		keys = append(keys, key)
	}
	g.mu.Unlock()

	sort.Strings(keys)
	return keys
}

func (g *Group) Metrics() map[string]Metrics {
	g.mu.Lock()
	breakers := make(map[string]*CircuitBreaker, len(g.breakers))
	for key, cb := range g.breakers {
		breakers[key] = cb
	}
	g.mu.Unlock()

	out := make(map[string]Metrics, len(breakers))
	for key, cb := range breakers {
		out[key] = cb.Metrics()
	}
	return out
}

// Open counts the breakers currently refusing calls
func (g *Group) Open() int {
	open := 0
	for _, m := range g.Metrics() {
		if m.State == StateOpen {
			open++
		}
	}
	return open
}

func (g *Group) ResetAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, cb := range g.breakers {
		cb.Reset()
	}
}
