package routes

import (
	"sync"

	"loftyeyes/internal/config"
	"loftyeyes/internal/db"
	"loftyeyes/internal/platform"
)

type Deps struct {
	Config   config.Config
	Store    *db.Store
	Backend  platform.Backend
	Sessions *Sessions
}

var (
	depsMu   sync.RWMutex
	depsOnce bool
	deps     Deps
)

func SetDeps(next Deps) {
	depsMu.Lock()
	defer depsMu.Unlock()
	deps = next
	depsOnce = true
}

func getDeps() Deps {
	depsMu.RLock()
	defer depsMu.RUnlock()
	if !depsOnce {
		panic("routes deps not initialized")
	}
	return deps
}
