package offcache

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// State is the lifecycle state of one generation.
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateFailed     State = "failed"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateEvicted    State = "evicted"
)

// GenerationStatus is a point-in-time view of one generation.
type GenerationStatus struct {
	Version   string    `json:"version"`
	State     State     `json:"state"`
	ChangedAt time.Time `json:"changedAt"`
	Err       string    `json:"error,omitempty"`
}

// Lifecycle tracks generation states. At most one generation is active.
type Lifecycle struct {
	mu     sync.Mutex
	gens   map[string]*GenerationStatus
	active string
}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{gens: map[string]*GenerationStatus{}}
}

func (l *Lifecycle) setLocked(version string, st State, err error) {
	g, ok := l.gens[version]
	if !ok {
		g = &GenerationStatus{Version: version}
		l.gens[version] = g
	}
	g.State = st
	g.ChangedAt = time.Now()
	g.Err = ""
	if err != nil {
		g.Err = err.Error()
	}
}

// Begin marks version as installing. Installing over the active generation
// leaves it active: it keeps serving while its entries are refreshed.
func (l *Lifecycle) Begin(version string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if version == l.active {
		return
	}
	l.setLocked(version, StateInstalling, nil)
}

// Installed records the outcome of an install attempt.
func (l *Lifecycle) Installed(version string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if version == l.active {
		// a failed refresh leaves the active generation serving
		l.gens[version].Err = ""
		if err != nil {
			l.gens[version].Err = err.Error()
		}
		return
	}
	if err != nil {
		l.setLocked(version, StateFailed, err)
		return
	}
	l.setLocked(version, StateInstalled, nil)
}

// Activating moves an installed generation to activating.
func (l *Lifecycle) Activating(version string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.gens[version]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotInstalled, version)
	}
	switch g.State {
	case StateActive:
		return nil
	case StateInstalled, StateActivating:
		l.setLocked(version, StateActivating, nil)
		return nil
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotInstalled, version, g.State)
	}
}

// Activated makes version the single active generation. The previously
// active generation, if any, becomes evicted.
func (l *Lifecycle) Activated(version string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active != "" && l.active != version {
		l.setLocked(l.active, StateEvicted, nil)
	}
	if g, ok := l.gens[version]; !ok || g.State != StateActive {
		l.setLocked(version, StateActive, nil)
	}
	l.active = version
}

// Evicted records that version's entries were dropped.
func (l *Lifecycle) Evicted(version string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if version == l.active {
		l.active = ""
	}
	l.setLocked(version, StateEvicted, nil)
}

// Current returns the active version, or "" before the first activation.
func (l *Lifecycle) Current() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// State returns the state of version.
func (l *Lifecycle) State(version string) (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.gens[version]
	if !ok {
		return "", false
	}
	return g.State, true
}

// Ready returns the generation opportunistic writes should go to: the active
// one, else the most recently installed one.
func (l *Lifecycle) Ready() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active != "" {
		return l.active
	}
	var best *GenerationStatus
	for _, g := range l.gens {
		if g.State != StateInstalled && g.State != StateActivating {
			continue
		}
		if best == nil || g.ChangedAt.After(best.ChangedAt) {
			best = g
		}
	}
	if best == nil {
		return ""
	}
	return best.Version
}

// Snapshot lists all known generations ordered by version.
func (l *Lifecycle) Snapshot() []GenerationStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]GenerationStatus, 0, len(l.gens))
	for _, g := range l.gens {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// GenerationInfo joins a generation's lifecycle state with its stored size.
type GenerationInfo struct {
	GenerationStatus
	Entries int  `json:"entries"`
	Stored  bool `json:"stored"`
}
