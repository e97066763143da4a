package jit

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/ascrivener/pcjit/pkg/asm"
	"github.com/ascrivener/pcjit/pkg/execmem"
)

// Linker places assembled code in executable memory.
type Linker interface {
	LinkCode(code []byte, relocs []asm.Reloc) (*execmem.CodeChunk, error)
}

// CodePatcher performs the sanctioned in-place edits of linked code.
// Every edit is one aligned 32-bit displacement.
type CodePatcher interface {
	PatchCallTarget(loc, target uintptr) error
	PatchRel32(loc uintptr, rel int32) error
	ReadRel32(loc uintptr) (int32, error)
}

// Watchdog is the cooperative interrupt source.
type Watchdog interface {
	// HandleInterrupt returns false when an interrupt is pending, and
	// services it.
	HandleInterrupt() bool
	// NotifyTimeoutReceived tells the watchdog that running code saw
	// the interrupt and is unwinding.
	NotifyTimeoutReceived()
}

// ErrorReporter receives one report per fault.
type ErrorReporter interface {
	ReportError(report *FaultReport)
}

// BackendFactory creates a backend for one compilation.
type BackendFactory func() Backend

type noWatchdog struct{}

func (noWatchdog) HandleInterrupt() bool  { return true }
func (noWatchdog) NotifyTimeoutReceived() {}

type discardReporter struct{}

func (discardReporter) ReportError(*FaultReport) {}

// Options configures an Environment.
type Options struct {
	Logger   zerolog.Logger
	Spew     bool
	Linker   Linker
	Patcher  CodePatcher
	Backend  BackendFactory
	Watchdog Watchdog
	Reporter ErrorReporter
	Helpers  Helpers
}

// Environment is the explicit context shared by every runtime of one
// engine: collaborators, helper addresses and the map of live code.
type Environment struct {
	log      zerolog.Logger
	spew     bool
	linker   Linker
	patcher  CodePatcher
	backend  BackendFactory
	watchdog Watchdog
	reporter ErrorReporter
	helpers  Helpers

	mu             sync.RWMutex
	funcs          []*CompiledFunction // sorted by entry address
	timeoutPatched bool
	saved          map[uintptr]int32
	listeners      []func(Context, *CompiledFunction)
}

// NewEnvironment validates opts and creates an environment.
func NewEnvironment(opts Options) (*Environment, error) {
	if opts.Linker == nil {
		return nil, ErrNoLinker
	}
	if opts.Backend == nil {
		return nil, ErrNoBackend
	}
	env := &Environment{
		log:      opts.Logger,
		spew:     opts.Spew,
		linker:   opts.Linker,
		patcher:  opts.Patcher,
		backend:  opts.Backend,
		watchdog: opts.Watchdog,
		reporter: opts.Reporter,
		helpers:  opts.Helpers,
		saved:    make(map[uintptr]int32),
	}
	if env.watchdog == nil {
		env.watchdog = noWatchdog{}
	}
	if env.reporter == nil {
		env.reporter = discardReporter{}
	}
	return env, nil
}

// Logger returns the JIT logger.
func (e *Environment) Logger() *zerolog.Logger { return &e.log }

// Watchdog returns the watchdog consulted by the thunk path.
func (e *Environment) Watchdog() Watchdog { return e.watchdog }

// Reporter returns the sink that receives fault reports.
func (e *Environment) Reporter() ErrorReporter { return e.reporter }

// Helpers returns the helper addresses generated code calls.
func (e *Environment) Helpers() Helpers { return e.helpers }

// SetHelpers replaces the helper addresses. Functions compiled earlier
// keep the old ones.
func (e *Environment) SetHelpers(h Helpers) { e.helpers = h }

// SetWatchdog replaces the watchdog.
func (e *Environment) SetWatchdog(w Watchdog) { e.watchdog = w }

// SetReporter replaces the fault sink.
func (e *Environment) SetReporter(r ErrorReporter) { e.reporter = r }

// spewEvent returns a debug event when JIT spew is on, nil otherwise.
// zerolog ignores calls on a nil event.
func (e *Environment) spewEvent() *zerolog.Event {
	if !e.spew {
		return nil
	}
	return e.log.Debug()
}

// OnCompiled registers fn to run after every successful compilation.
func (e *Environment) OnCompiled(fn func(Context, *CompiledFunction)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *Environment) registerCompiled(cx Context, fn *CompiledFunction) {
	e.mu.Lock()
	i := sort.Search(len(e.funcs), func(i int) bool {
		return e.funcs[i].EntryAddress() > fn.EntryAddress()
	})
	e.funcs = append(e.funcs, nil)
	copy(e.funcs[i+1:], e.funcs[i:])
	e.funcs[i] = fn
	if e.timeoutPatched {
		if err := e.patchFunctionLocked(fn); err != nil {
			e.log.Error().Err(err).Uint32("pcode", fn.PcodeOffset()).Msg("failed to patch loop edges of new function")
		}
	}
	listeners := make([]func(Context, *CompiledFunction), len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()

	for _, l := range listeners {
		l(cx, fn)
	}
}

// FindCompiled returns the compiled function containing pc, or nil.
func (e *Environment) FindCompiled(pc uintptr) *CompiledFunction {
	e.mu.RLock()
	defer e.mu.RUnlock()
	i := sort.Search(len(e.funcs), func(i int) bool {
		return e.funcs[i].EntryAddress() > pc
	})
	if i == 0 {
		return nil
	}
	if fn := e.funcs[i-1]; fn.Contains(pc) {
		return fn
	}
	return nil
}

// CompiledCount returns the number of live compiled functions.
func (e *Environment) CompiledCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.funcs)
}

// PatchCallTarget redirects a call site. It is the only path by which
// call sites change.
func (e *Environment) PatchCallTarget(loc, target uintptr) error {
	if e.patcher == nil {
		return fmt.Errorf("jit: no code patcher configured")
	}
	return e.patcher.PatchCallTarget(loc, target)
}

// PatchAllJumpsForTimeout redirects every loop edge to its timeout
// thunk. Functions compiled while the redirect is active are patched as
// they are registered.
func (e *Environment) PatchAllJumpsForTimeout() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timeoutPatched {
		return nil
	}
	e.timeoutPatched = true
	var result *multierror.Error
	for _, fn := range e.funcs {
		if err := e.patchFunctionLocked(fn); err != nil {
			result = multierror.Append(result, err)
		}
	}
	e.spewEvent().Int("functions", len(e.funcs)).Msg("loop edges redirected for timeout")
	return result.ErrorOrNil()
}

func (e *Environment) patchFunctionLocked(fn *CompiledFunction) error {
	if e.patcher == nil {
		return fmt.Errorf("jit: no code patcher configured")
	}
	base := fn.EntryAddress()
	for _, edge := range fn.edges {
		loc := base + uintptr(edge.Offset) - 4
		if _, ok := e.saved[loc]; ok {
			continue
		}
		orig, err := e.patcher.ReadRel32(loc)
		if err != nil {
			return err
		}
		if err := e.patcher.PatchRel32(loc, edge.Disp32); err != nil {
			return err
		}
		e.saved[loc] = orig
	}
	return nil
}

// UnpatchAllJumpsFromTimeout restores every loop edge.
func (e *Environment) UnpatchAllJumpsFromTimeout() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.timeoutPatched {
		return nil
	}
	e.timeoutPatched = false
	var result *multierror.Error
	for loc, orig := range e.saved {
		if err := e.patcher.PatchRel32(loc, orig); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		delete(e.saved, loc)
	}
	e.spewEvent().Msg("loop edges restored")
	return result.ErrorOrNil()
}

// TimeoutPatched reports whether loop edges are currently redirected.
func (e *Environment) TimeoutPatched() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.timeoutPatched
}
