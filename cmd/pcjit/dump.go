package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ascrivener/pcjit/pkg/asm"
	"github.com/ascrivener/pcjit/pkg/diagstore"
	"github.com/ascrivener/pcjit/pkg/jit"
	"github.com/ascrivener/pcjit/pkg/vm"
)

func newDumpCommand(a *app) *cobra.Command {
	var disasm bool
	cmd := &cobra.Command{
		Use:   "dump FILE",
		Short: "Compile every function and print its native tables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, files []string) error {
			return a.dump(cmd.OutOrStdout(), files[0], disasm)
		},
	}
	cmd.Flags().BoolVar(&disasm, "disasm", false, "include a disassembly of each function")
	return cmd
}

func (a *app) dump(out io.Writer, path string, disasm bool) (err error) {
	img, err := a.loadImage(path)
	if err != nil {
		return err
	}
	engine, err := vm.NewEngine(a.engineOptions())
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

	heading := color.New(color.FgCyan, color.Bold)
	for _, off := range img.Functions() {
		fn, err := jit.Compile(rt, off)
		if err != nil {
			return err
		}
		name := img.FunctionName(off)
		if name == "" {
			name = fmt.Sprintf("%#x", off)
		}
		fingerprint := diagstore.Fingerprint(img.Code[fn.PcodeOffset():fn.PcodeEnd()])
		heading.Fprintf(out, "%s", name)
		fmt.Fprintf(out, " pcode %#x..%#x, %d bytes native (%d body), fingerprint %s\n",
			fn.PcodeOffset(), fn.PcodeEnd(), fn.CodeSize(), fn.BodySize(), fingerprint)
		dumpTables(out, fn)
		if disasm {
			fmt.Fprint(out, asm.Disassemble(fn.Code()))
		}
		fmt.Fprintln(out)
	}
	return nil
}

func dumpTables(out io.Writer, fn *jit.CompiledFunction) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	edges := fn.LoopEdges()
	fmt.Fprintf(tw, "  loop edges: %d\n", len(edges))
	for _, e := range edges {
		fmt.Fprintf(tw, "    %#06x\tthunk %#06x\n", e.Offset, int64(e.Offset)+int64(e.Disp32))
	}
	cips := fn.CipMap()
	fmt.Fprintf(tw, "  cip map: %d\n", len(cips))
	for _, c := range cips {
		fmt.Fprintf(tw, "    %#06x\tcip %#x\n", c.PcOffset, c.Cip)
	}
	if stubs := fn.FaultStubs(); len(stubs) > 0 {
		fmt.Fprintf(tw, "  fault stubs:")
		for _, code := range stubs {
			fmt.Fprintf(tw, " %d", int32(code))
		}
		fmt.Fprintln(tw)
	}
}
