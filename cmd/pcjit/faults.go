package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ascrivener/pcjit/pkg/jit"
)

func newFaultsCommand(a *app) *cobra.Command {
	var (
		dbPath string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "faults",
		Short: "List persisted fault reports, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.faults(cmd.OutOrStdout(), dbPath, limit)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "diagnostics database")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of reports (0 for all)")
	return cmd
}

func (a *app) faults(out io.Writer, dbPath string, limit int) error {
	store, err := a.openStore(dbPath)
	if err != nil {
		return err
	}
	if err := requireStore(store); err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Faults(limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "no faults recorded")
		return nil
	}
	for _, rec := range records {
		fmt.Fprintf(out, "%s %s %s: %s at %s\n",
			color.New(color.Faint).Sprint(rec.Time.Local().Format(time.DateTime)),
			rec.ID,
			rec.Runtime,
			color.RedString("%s (error %d)", jit.ErrorCode(rec.Code), rec.Code),
			rec.Where(),
		)
	}
	return nil
}

func newSymbolizeCommand(a *app) *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "symbolize FINGERPRINT OFFSET",
		Short: "Map a native offset in a compiled function to its bytecode offset",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			offset, err := strconv.ParseUint(args[1], 0, 32)
			if err != nil {
				return fmt.Errorf("bad offset %q: %w", args[1], err)
			}
			return a.symbolize(cmd.OutOrStdout(), dbPath, args[0], uint32(offset))
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "diagnostics database")
	return cmd
}

func (a *app) symbolize(out io.Writer, dbPath, fingerprint string, offset uint32) error {
	store, err := a.openStore(dbPath)
	if err != nil {
		return err
	}
	if err := requireStore(store); err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.Function(fingerprint)
	if err != nil {
		return err
	}
	cip, err := store.Symbolize(fingerprint, offset)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: cip %#x (%s)\n", rec.Name, cip, rec.Runtime)
	return nil
}
