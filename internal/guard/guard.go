// Package guard blocks destructive exits while a session is active. It is a
// best-effort affordance: an uncatchable kill or a crash still ends the
// process, and the checkpoint store is what lets the session resume.
package guard

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
)

// Control bytes of the shortcuts that end or suspend a terminal session:
// Ctrl+C, Ctrl+D, Ctrl+R, Ctrl+W, Ctrl+Z, Ctrl+\.
var destructiveKeys = []byte{3, 4, 18, 23, 26, 28}

// Guard intercepts termination signals and destructive keys while engaged.
type Guard struct {
	mu       sync.Mutex
	engaged  bool
	reason   string
	extra    map[byte]struct{}
	onBlock  func(what string)
	signals  []os.Signal
	log      zerolog.Logger
	notifyFn func(chan<- os.Signal, ...os.Signal)
	stopFn   func(chan<- os.Signal)
}

// New creates a disengaged Guard. blockedKeys are extra single-key
// shortcuts (e.g. 'q') refused while engaged.
func New(log zerolog.Logger, blockedKeys ...byte) *Guard {
	extra := make(map[byte]struct{}, len(blockedKeys))
	for _, k := range blockedKeys {
		extra[k] = struct{}{}
	}
	return &Guard{
		extra:    extra,
		signals:  []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP},
		log:      log.With().Str("component", "exit_guard").Logger(),
		notifyFn: signal.Notify,
		stopFn:   signal.Stop,
	}
}

// OnBlocked registers a callback invoked whenever an exit attempt is refused.
func (g *Guard) OnBlocked(fn func(what string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onBlock = fn
}

// Engage starts blocking. Reason is logged with every refused attempt.
func (g *Guard) Engage(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.engaged {
		g.log.Debug().Str("reason", reason).Msg("Exit guard engaged")
	}
	g.engaged = true
	g.reason = reason
}

// Release restores normal exit behavior.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.engaged {
		g.log.Debug().Msg("Exit guard released")
	}
	g.engaged = false
	g.reason = ""
}

// Engaged reports whether exits are currently blocked.
func (g *Guard) Engaged() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.engaged
}

// AllowKey reports whether a raw key byte may be acted upon.
func (g *Guard) AllowKey(b byte) bool {
	g.mu.Lock()
	engaged := g.engaged
	_, isExtra := g.extra[b]
	g.mu.Unlock()

	if !engaged {
		return true
	}
	for _, k := range destructiveKeys {
		if b == k {
			g.blocked("key")
			return false
		}
	}
	if isExtra {
		g.blocked("key")
		return false
	}
	return true
}

// Watch returns a channel closed when the process should shut down: a
// termination signal arrived while disengaged, or ctx ended. Signals that
// arrive while engaged are swallowed.
func (g *Guard) Watch(ctx context.Context) <-chan struct{} {
	quit := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	g.notifyFn(sigCh, g.signals...)

	go func() {
		defer close(quit)
		defer g.stopFn(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				if g.Engaged() {
					g.blocked(sig.String())
					continue
				}
				g.log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
				return
			}
		}
	}()
	return quit
}

func (g *Guard) blocked(what string) {
	g.mu.Lock()
	reason := g.reason
	fn := g.onBlock
	g.mu.Unlock()

	g.log.Warn().Str("attempt", what).Str("reason", reason).Msg("Exit blocked while session is active")
	if fn != nil {
		fn(what)
	}
}
