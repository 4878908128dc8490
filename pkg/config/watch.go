package config

import (
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/robehgc/hitl-pipeline/pkg/ratelimit"
)

// RateLimitWatcher is a ratelimit.RuleSource that hot-reloads its rule table
// from hitl.yaml whenever the file changes on disk, so an operator can
// tighten or relax a role/endpoint limit without restarting the process.
// Grounded on the teacher pack's fsnotify dependency, which none of
// tarsy's own packages exercised; wired here to serve the rate limiter's
// hot-reload requirement instead.
type RateLimitWatcher struct {
	path    string
	current atomic.Pointer[ratelimit.RuleSource]
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchRateLimits builds a RateLimitWatcher seeded with the currently loaded
// rules and starts watching configDir/hitl.yaml for changes. Call Close to
// stop the background watch goroutine.
func WatchRateLimits(cfg *Config) (*RateLimitWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(cfg.ConfigDir(), "hitl.yaml")
	if err := w.Add(cfg.ConfigDir()); err != nil {
		_ = w.Close()
		return nil, err
	}

	rw := &RateLimitWatcher{path: path, watcher: w, done: make(chan struct{})}
	rules := buildStaticRules(cfg.raw.RateLimit)
	rw.current.Store(&rules)

	go rw.loop()
	return rw, nil
}

// RuleFor implements ratelimit.RuleSource.
func (w *RateLimitWatcher) RuleFor(role, endpoint string) ratelimit.RuleConfig {
	return (*w.current.Load()).RuleFor(role, endpoint)
}

func (w *RateLimitWatcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config: rate limit watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

func (w *RateLimitWatcher) reload() {
	base, err := loadYAMLConfig(filepath.Dir(w.path), filepath.Base(w.path))
	if err != nil {
		slog.Error("config: failed to reload rate limit rules, keeping previous rules", "error", err)
		return
	}
	base.withDefaults()
	rules := buildStaticRules(base.RateLimit)
	w.current.Store(&rules)
	slog.Info("config: rate limit rules reloaded", "role_count", len(base.RateLimit.Roles), "endpoint_modifier_count", len(base.RateLimit.EndpointModifiers))
}

// Close stops the background watch goroutine.
func (w *RateLimitWatcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
