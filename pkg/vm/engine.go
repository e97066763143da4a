// Package vm loads bytecode images and runs them through the JIT.
package vm

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/ascrivener/pcjit/pkg/asm"
	"github.com/ascrivener/pcjit/pkg/diagstore"
	"github.com/ascrivener/pcjit/pkg/emu"
	"github.com/ascrivener/pcjit/pkg/execmem"
	"github.com/ascrivener/pcjit/pkg/jit"
	"github.com/ascrivener/pcjit/pkg/jit/amd64"
	"github.com/ascrivener/pcjit/pkg/watchdog"
)

const DefaultCodeSize = 4 << 20

var (
	ErrEngineClosed = errors.New("vm: engine is closed")
	ErrReentrant    = errors.New("vm: invoke while another invocation is running")
)

// Options configures an Engine.
type Options struct {
	Logger zerolog.Logger
	Spew   bool

	CodeSize  int // executable memory, DefaultCodeSize when zero
	StackSize int // native stack of the executor
	StepLimit int

	// Timeout is the watchdog timeout. Zero disables the timer.
	Timeout time.Duration

	// Reporter receives every fault report, after the store.
	Reporter jit.ErrorReporter
	// Store persists compiled-function tables and fault reports.
	Store *diagstore.Store
}

// Engine owns everything shared by the runtimes it loads: the JIT
// environment, code memory, the executor and the watchdog.
type Engine struct {
	log      zerolog.Logger
	env      *jit.Environment
	mem      *execmem.ExecutableMemory
	machine  *emu.Machine
	watchdog *watchdog.Timer
	entry    *execmem.CodeChunk
	store    *diagstore.Store

	runtimes []*Runtime
	active   *Runtime
	closed   bool
}

// NewEngine maps the code region, links the entry stub and starts the
// watchdog.
func NewEngine(opts Options) (*Engine, error) {
	if opts.CodeSize <= 0 {
		opts.CodeSize = DefaultCodeSize
	}
	mem, err := execmem.NewExecutableMemory(opts.CodeSize)
	if err != nil {
		return nil, fmt.Errorf("vm: map code region: %w", err)
	}

	e := &Engine{
		log:   opts.Logger.With().Str("component", "vm").Logger(),
		mem:   mem,
		store: opts.Store,
		machine: emu.New(emu.Options{
			StackSize: opts.StackSize,
			StepLimit: opts.StepLimit,
		}),
	}
	e.machine.MapCode(mem.Buffer())

	var reporters MultiReporter
	if opts.Store != nil {
		reporters = append(reporters, &StoreReporter{Store: opts.Store, Logger: e.log})
	}
	if opts.Reporter != nil {
		reporters = append(reporters, opts.Reporter)
	}

	env, err := jit.NewEnvironment(jit.Options{
		Logger:   opts.Logger,
		Spew:     opts.Spew,
		Linker:   mem,
		Patcher:  mem,
		Backend:  amd64.New,
		Reporter: reporters,
		Helpers: jit.Helpers{
			ReportError:   e.machine.RegisterHelper(e.helperReportError),
			ReportTimeout: e.machine.RegisterHelper(e.helperReportTimeout),
			CompileThunk:  e.machine.RegisterHelper(e.helperCompileThunk),
			InvokeNative:  e.machine.RegisterHelper(e.helperInvokeNative),
		},
	})
	if err != nil {
		mem.Free()
		return nil, err
	}
	e.env = env

	a := asm.New()
	amd64.EmitEntryStub(a)
	if e.entry, err = mem.LinkCode(a.Bytes(), nil); err != nil {
		mem.Free()
		return nil, fmt.Errorf("vm: link entry stub: %w", err)
	}

	if opts.Store != nil {
		env.OnCompiled(e.persistFunction)
	}

	e.watchdog = watchdog.New(opts.Timeout, env, opts.Logger)
	env.SetWatchdog(e.watchdog)
	e.watchdog.Start()
	return e, nil
}

// Environment returns the JIT environment.
func (e *Engine) Environment() *jit.Environment { return e.env }

// Watchdog returns the engine's watchdog timer.
func (e *Engine) Watchdog() *watchdog.Timer { return e.watchdog }

// CodeMemory returns the executable region compiled code lives in.
func (e *Engine) CodeMemory() *execmem.ExecutableMemory { return e.mem }

func (e *Engine) persistFunction(cx jit.Context, fn *jit.CompiledFunction) {
	rt, ok := cx.(*Runtime)
	if !ok {
		return
	}
	rec, err := diagstore.NewFunctionRecord(rt.img, fn)
	if err != nil {
		e.log.Warn().Err(err).Uint32("pcode", fn.PcodeOffset()).Msg("cannot build function record")
		return
	}
	if err := e.store.PutFunction(rec); err != nil {
		e.log.Warn().Err(err).Str("function", rec.Name).Msg("failed to persist function record")
	}
}

// Close stops the watchdog and releases code memory. Runtimes loaded by
// the engine must not be used afterwards.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.watchdog.Shutdown()

	var result *multierror.Error
	for _, rt := range e.runtimes {
		if err := rt.release(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	e.runtimes = nil
	e.machine.Unmap(e.mem.Buffer())
	if err := e.mem.Free(); err != nil {
		result = multierror.Append(result, fmt.Errorf("vm: free code region: %w", err))
	}
	return result.ErrorOrNil()
}
