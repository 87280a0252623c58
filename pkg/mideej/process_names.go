package mideej

import (
	"sync"
	"time"

	"github.com/mitchellh/go-ps"
	"go.uber.org/zap"
)

const (
	processNameCacheCap      = 100
	processNameSweepInterval = time.Minute
)

// processNameResolver maps PIDs to lowercase executable names, absorbing the
// cost (and the failures) of native process lookups. Lookup failures are
// cached as empty strings so a dead PID doesn't trigger a fresh native call
// on every poll tick
type processNameResolver struct {
	logger *zap.SugaredLogger

	lock      sync.Mutex
	cache     map[uint32]processNameEntry
	lastSweep time.Time

	find func(pid int) (ps.Process, error) // overridable in tests
}

type processNameEntry struct {
	name     string
	resolved time.Time
}

func newProcessNameResolver(logger *zap.SugaredLogger) *processNameResolver {
	return &processNameResolver{
		logger:    logger.Named("process_names"),
		cache:     make(map[uint32]processNameEntry),
		lastSweep: time.Now(),
		find:      ps.FindProcess,
	}
}

// Resolve returns the canonicalized executable name for a PID, or an empty
// string when the process can't be looked up
func (r *processNameResolver) Resolve(pid uint32) string {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.maybeSweep()

	if entry, ok := r.cache[pid]; ok {
		return entry.name
	}

	name := ""

	process, err := r.find(int(pid))
	if err != nil || process == nil {
		r.logger.Debugw("Failed to find process for pid, caching empty name", "pid", pid, "error", err)
	} else {
		name = CanonicalProcessName(process.Executable())
	}

	r.cache[pid] = processNameEntry{name: name, resolved: time.Now()}

	return name
}

// maybeSweep trims the cache back to its size cap, at most once per sweep
// interval. Oldest entries go first. Callers must hold the lock
func (r *processNameResolver) maybeSweep() {
	now := time.Now()
	if r.lastSweep.Add(processNameSweepInterval).After(now) {
		return
	}
	r.lastSweep = now

	for len(r.cache) > processNameCacheCap {
		var oldestPID uint32
		var oldest time.Time

		first := true
		for pid, entry := range r.cache {
			if first || entry.resolved.Before(oldest) {
				oldestPID = pid
				oldest = entry.resolved
				first = false
			}
		}

		delete(r.cache, oldestPID)
	}
}
