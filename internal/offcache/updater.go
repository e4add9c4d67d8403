package offcache

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReleaseSource returns the release that should currently be deployed.
type ReleaseSource func(ctx context.Context) (Release, error)

// StaticRelease always returns rel.
func StaticRelease(rel Release) ReleaseSource {
	return func(context.Context) (Release, error) { return rel, nil }
}

// ConfigRelease re-reads the config file on every call.
func ConfigRelease(path string) ReleaseSource {
	return func(context.Context) (Release, error) {
		cfg, err := LoadConfig(path)
		if err != nil {
			return Release{}, err
		}
		return cfg.Release(), nil
	}
}

// Updater polls a release source and installs then activates any release
// that differs from the last one it deployed. The controller keeps serving
// from the previous generation while a new one installs.
type Updater struct {
	ctrl   *Controller
	source ReleaseSource
	log    *zap.Logger

	mu   sync.Mutex
	last *Release
}

func NewUpdater(ctrl *Controller, source ReleaseSource, log *zap.Logger) *Updater {
	if log == nil {
		log = zap.NewNop()
	}
	return &Updater{ctrl: ctrl, source: source, log: log}
}

// Check runs one update check and returns the active version afterwards.
func (u *Updater) Check(ctx context.Context) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	rel, err := u.source(ctx)
	if err != nil {
		return u.ctrl.Current(), err
	}
	if u.last != nil && sameRelease(*u.last, rel) && u.ctrl.Current() == rel.Version {
		return rel.Version, nil
	}

	if err := u.ctrl.Install(ctx, rel); err != nil {
		return u.ctrl.Current(), err
	}
	if err := u.ctrl.Activate(ctx, rel.Version); err != nil {
		return u.ctrl.Current(), err
	}
	u.last = &rel
	return rel.Version, nil
}

// Run checks every interval until ctx is done.
func (u *Updater) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			prev := u.ctrl.Current()
			cur, err := u.Check(ctx)
			if err != nil {
				u.log.Warn("update check failed", zap.String("active", cur), zap.Error(err))
				continue
			}
			if cur != prev {
				u.log.Info("new generation active", zap.String("from", prev), zap.String("to", cur))
			}
		}
	}
}

func sameRelease(a, b Release) bool {
	return a.Version == b.Version && slices.Equal(a.Manifest, b.Manifest)
}
