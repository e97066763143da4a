// Package watchdog interrupts script code that runs for too long.
//
// Interruption is cooperative: Trigger redirects every loop edge of
// compiled code to its timeout thunk, and the running code unwinds the
// next time it takes a backward branch.
package watchdog

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// LoopPatcher redirects and restores loop edges.
type LoopPatcher interface {
	PatchAllJumpsForTimeout() error
	UnpatchAllJumpsFromTimeout() error
}

// Timer fires when one outermost invocation outlives the timeout.
type Timer struct {
	timeout time.Duration
	patcher LoopPatcher
	log     zerolog.Logger

	// patchMu orders flag flips with the patching they imply
	patchMu sync.Mutex
	pending atomic.Bool

	mu      sync.Mutex
	depth   int
	started time.Time
	fired   bool

	stop     chan struct{}
	done     chan struct{}
	startOne sync.Once
	stopOne  sync.Once
}

// New creates a timer. A zero timeout never fires on its own; Trigger
// still works.
func New(timeout time.Duration, patcher LoopPatcher, logger zerolog.Logger) *Timer {
	return &Timer{
		timeout: timeout,
		patcher: patcher,
		log:     logger.With().Str("component", "watchdog").Logger(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Timeout returns the configured timeout.
func (w *Timer) Timeout() time.Duration { return w.timeout }

// Start launches the background goroutine.
func (w *Timer) Start() {
	w.startOne.Do(func() {
		if w.timeout <= 0 {
			close(w.done)
			return
		}
		go w.run()
	})
}

// Shutdown stops the background goroutine and waits for it.
func (w *Timer) Shutdown() {
	w.stopOne.Do(func() {
		close(w.stop)
		w.startOne.Do(func() { close(w.done) })
		<-w.done
	})
}

func (w *Timer) run() {
	defer close(w.done)
	interval := w.timeout / 4
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case now := <-ticker.C:
			if w.expired(now) {
				w.log.Warn().Dur("timeout", w.timeout).Msg("script timed out")
				w.Trigger()
			}
		}
	}
}

func (w *Timer) expired(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.depth == 0 || w.fired || now.Sub(w.started) < w.timeout {
		return false
	}
	w.fired = true
	return true
}

// OnEnter marks the start of an invocation. Only the outermost one is
// timed.
func (w *Timer) OnEnter() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.depth == 0 {
		w.started = time.Now()
		w.fired = false
	}
	w.depth++
}

// OnLeave marks the end of an invocation. An interrupt that nothing
// observed is dropped when the outermost invocation ends.
func (w *Timer) OnLeave() {
	w.mu.Lock()
	w.depth--
	outermost := w.depth == 0
	w.mu.Unlock()
	if outermost {
		w.NotifyTimeoutReceived()
	}
}

// Trigger marks an interrupt pending and redirects all loop edges.
func (w *Timer) Trigger() {
	w.patchMu.Lock()
	defer w.patchMu.Unlock()
	if w.pending.Load() {
		return
	}
	w.pending.Store(true)
	if err := w.patcher.PatchAllJumpsForTimeout(); err != nil {
		w.log.Error().Err(err).Msg("failed to redirect loop edges")
	}
}

// Pending reports whether an interrupt is waiting to be observed.
func (w *Timer) Pending() bool { return w.pending.Load() }

// HandleInterrupt returns true when execution may proceed. With an
// interrupt pending it services it and returns false.
func (w *Timer) HandleInterrupt() bool {
	if !w.pending.Load() {
		return true
	}
	w.NotifyTimeoutReceived()
	return false
}

// NotifyTimeoutReceived clears a pending interrupt and restores the
// loop edges.
func (w *Timer) NotifyTimeoutReceived() {
	w.patchMu.Lock()
	defer w.patchMu.Unlock()
	if !w.pending.Load() {
		return
	}
	w.pending.Store(false)
	if err := w.patcher.UnpatchAllJumpsFromTimeout(); err != nil {
		w.log.Error().Err(err).Msg("failed to restore loop edges")
	}
}
