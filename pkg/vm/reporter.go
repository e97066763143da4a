package vm

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ascrivener/pcjit/pkg/diagstore"
	"github.com/ascrivener/pcjit/pkg/jit"
)

// FaultError is returned by Invoke when script code faults.
type FaultError struct {
	Report *jit.FaultReport
	Cause  error // executor error, when the unwind itself failed
}

func (e *FaultError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Report.Runtime, e.Report.Message)
	if top, ok := e.Report.Top(); ok {
		msg += " in " + top.String()
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes the error code, so errors.Is(err, jit.ErrTimeout) and
// jit.CodeOf work on a FaultError.
func (e *FaultError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Report.Code, e.Cause}
	}
	return []error{e.Report.Code}
}

// Code returns the fault's error code.
func (e *FaultError) Code() jit.ErrorCode { return e.Report.Code }

// LogReporter writes every report, backtrace included, to a logger.
type LogReporter struct {
	Logger zerolog.Logger
}

func (r *LogReporter) ReportError(report *jit.FaultReport) {
	frames := zerolog.Arr()
	for _, f := range report.Backtrace {
		frames.Str(f.String())
	}
	r.Logger.Warn().
		Str("fault_id", report.ID.String()).
		Str("runtime", report.Runtime).
		Int32("code", int32(report.Code)).
		Array("backtrace", frames).
		Msg(report.Message)
}

// StoreReporter persists reports to a diagnostics store. Store errors
// are logged, never returned to the faulting code.
type StoreReporter struct {
	Store  *diagstore.Store
	Logger zerolog.Logger
}

func (r *StoreReporter) ReportError(report *jit.FaultReport) {
	if err := r.Store.PutFault(diagstore.NewFaultRecord(report)); err != nil {
		r.Logger.Warn().Err(err).Str("fault_id", report.ID.String()).Msg("failed to persist fault")
	}
}

// MultiReporter fans a report out in order.
type MultiReporter []jit.ErrorReporter

func (m MultiReporter) ReportError(report *jit.FaultReport) {
	for _, r := range m {
		r.ReportError(report)
	}
}

// CollectingReporter keeps every report it receives.
type CollectingReporter struct {
	Reports []*jit.FaultReport
}

func (c *CollectingReporter) ReportError(report *jit.FaultReport) {
	c.Reports = append(c.Reports, report)
}
