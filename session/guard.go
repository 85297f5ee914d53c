package session

import (
	"sync"
	"time"
)

// LoginGuard marks a manual login in flight. It clears itself after ttl so
// a login that never returns cannot pin the machine.
type LoginGuard struct {
	ttl time.Duration

	mu     sync.Mutex
	active bool
	gen    uint64
	timer  *time.Timer
}

func NewLoginGuard(ttl time.Duration) *LoginGuard {
	return &LoginGuard{ttl: ttl}
}

func (g *LoginGuard) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = true
	g.gen++
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	if g.ttl > 0 {
		gen := g.gen
		g.timer = time.AfterFunc(g.ttl, func() { g.expire(gen) })
	}
}

func (g *LoginGuard) End() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = false
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

func (g *LoginGuard) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

func (g *LoginGuard) expire(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gen == gen {
		g.active = false
		g.timer = nil
	}
}
