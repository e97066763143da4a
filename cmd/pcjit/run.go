package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ascrivener/pcjit/pkg/jit"
	"github.com/ascrivener/pcjit/pkg/vm"
)

// errFaulted is returned once a fault diagnostic has been printed.
var errFaulted = errors.New("script faulted")

func newRunCommand(a *app) *cobra.Command {
	var (
		entry   string
		args    []int32
		timeout time.Duration
		dbPath  string
	)
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Assemble and run a pcode program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, files []string) error {
			if cmd.Flags().Changed("timeout") {
				a.cfg.Watchdog.Timeout.Duration = timeout
			}
			return a.run(cmd.OutOrStdout(), cmd.ErrOrStderr(), files[0], dbPath, entry, args)
		},
	}
	cmd.Flags().StringVar(&entry, "entry", "main", "public function to invoke")
	cmd.Flags().Int32SliceVar(&args, "arg", nil, "argument passed to the entry function (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "watchdog timeout (overrides the configuration)")
	cmd.Flags().StringVar(&dbPath, "db", "", "diagnostics database for function records and faults")
	return cmd
}

func (a *app) run(out, errOut io.Writer, path, dbPath, entry string, args []int32) (err error) {
	img, err := a.loadImage(path)
	if err != nil {
		return err
	}
	store, err := a.openStore(dbPath)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	opts := a.engineOptions()
	opts.Store = store
	opts.Reporter = &vm.LogReporter{Logger: a.log}
	engine, err := vm.NewEngine(opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := engine.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	rt, err := engine.Load(img)
	if err != nil {
		return err
	}
	if missing := rt.BindNatives(builtinNatives(out)); len(missing) > 0 {
		a.log.Warn().Strs("natives", missing).Msg("natives left unbound")
	}

	start := time.Now()
	result, err := rt.Invoke(entry, args...)
	elapsed := time.Since(start)
	var fe *vm.FaultError
	if errors.As(err, &fe) {
		printFault(errOut, fe.Report)
		return errFaulted
	}
	if err != nil {
		return err
	}
	a.log.Debug().
		Dur("elapsed", elapsed).
		Int("compiled", len(rt.CompiledFunctions())).
		Msg("invocation finished")
	fmt.Fprintln(out, result)
	return nil
}

func printFault(w io.Writer, report *jit.FaultReport) {
	bold := color.New(color.FgRed, color.Bold)
	dim := color.New(color.Faint)
	bold.Fprintf(w, "fault: %s", report.Message)
	fmt.Fprintf(w, " (error %d)\n", int32(report.Code))
	for i, f := range report.Backtrace {
		marker := "  "
		if i == 0 {
			marker = color.YellowString("->")
		}
		fmt.Fprintf(w, "%s [%d] %s\n", marker, i, f)
	}
	if len(report.Backtrace) == 0 {
		dim.Fprintln(w, "   (no script frames)")
	}
	dim.Fprintf(w, "   report %s at %s\n", report.ID, report.Time.Format(time.RFC3339))
}
