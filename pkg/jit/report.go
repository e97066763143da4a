package jit

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BacktraceFrame is one script frame of a fault report.
type BacktraceFrame struct {
	FunctionOffset uint32
	Function       string
	Cip            uint32
	HasCip         bool
}

func (f BacktraceFrame) String() string {
	name := f.Function
	if name == "" {
		name = fmt.Sprintf("%#x", f.FunctionOffset)
	}
	if !f.HasCip {
		return name + " (unknown location)"
	}
	return fmt.Sprintf("%s (cip %#x)", name, f.Cip)
}

// FaultReport describes one runtime fault.
type FaultReport struct {
	ID        uuid.UUID
	Time      time.Time
	Code      ErrorCode
	Message   string
	Runtime   string
	NativePC  uintptr
	Backtrace []BacktraceFrame // innermost first
}

// Top returns the innermost frame, where the fault happened.
func (r *FaultReport) Top() (BacktraceFrame, bool) {
	if len(r.Backtrace) == 0 {
		return BacktraceFrame{}, false
	}
	return r.Backtrace[0], true
}

func (r *FaultReport) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s (error %d)", r.Runtime, r.Message, int32(r.Code))
	for i, f := range r.Backtrace {
		fmt.Fprintf(&sb, "\n  [%d] %s", i, f)
	}
	return sb.String()
}

// FaultSite is what the fault helpers need to know about the stopped
// execution.
type FaultSite struct {
	Context Context
	Exec    *ExecContext
	Frames  FrameWalker
}

// InvokeReportError reports a fault raised by native code and prepares
// the unwind to the entry frame: Exec.Error and Exec.UnwindFP are set,
// and exactly one report reaches the environment's reporter. A broken
// frame chain is still reported, and its error returned.
func InvokeReportError(fs FaultSite, code ErrorCode) (*FaultReport, error) {
	cx := fs.Context
	env := cx.Environment()
	pc := uintptr(fs.Exec.FaultPC)

	report := &FaultReport{
		ID:       uuid.New(),
		Time:     time.Now(),
		Code:     code,
		Message:  code.Error(),
		Runtime:  cx.Name(),
		NativePC: pc,
	}

	it := NewFrameIterator(fs.Frames, uintptr(fs.Exec.FaultFP))
	for it.Next() {
		frame := it.Frame()
		if frame.Kind != FrameScript {
			break
		}
		bt := BacktraceFrame{
			FunctionOffset: frame.FunctionOffset,
			Function:       cx.LookupFunction(frame.FunctionOffset),
		}
		if fn := env.FindCompiled(pc); fn != nil {
			bt.Cip, bt.HasCip = fn.LookupCip(uint32(pc - fn.EntryAddress()))
		}
		report.Backtrace = append(report.Backtrace, bt)
		pc = frame.ReturnPC
	}

	entryFP, err := FindEntryFP(fs.Frames, uintptr(fs.Exec.FaultFP))
	if err != nil {
		report.Code = ErrFatal
		report.Message = fmt.Sprintf("%s (%v)", code.Error(), err)
	}
	fs.Exec.Error = int64(report.Code)
	fs.Exec.UnwindFP = uint64(entryFP)

	ev := env.log.Warn().
		Str("runtime", report.Runtime).
		Str("fault_id", report.ID.String()).
		Int32("code", int32(report.Code)).
		Str("error", report.Message)
	if top, ok := report.Top(); ok {
		ev = ev.Str("function", top.Function).Uint32("cip", top.Cip)
	}
	ev.Msg("script fault")

	env.Reporter().ReportError(report)
	return report, err
}

// InvokeReportTimeout is InvokeReportError for a loop edge that was
// redirected by the watchdog; the watchdog is told first.
func InvokeReportTimeout(fs FaultSite) (*FaultReport, error) {
	fs.Context.Environment().Watchdog().NotifyTimeoutReceived()
	return InvokeReportError(fs, ErrTimeout)
}
