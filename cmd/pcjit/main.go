// Command pcjit assembles, compiles and runs pcode programs.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/pebble"
	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ascrivener/pcjit/pkg/config"
	"github.com/ascrivener/pcjit/pkg/diagstore"
	"github.com/ascrivener/pcjit/pkg/pcode"
	"github.com/ascrivener/pcjit/pkg/vm"
)

// app holds the state shared by every subcommand once the global flags
// are applied.
type app struct {
	cfg *config.Config
	log zerolog.Logger

	configPath string
	logLevel   string
	spew       bool
	noColor    bool
}

func main() {
	if err := newRootCommand(os.Stderr).Execute(); err != nil {
		if !errors.Is(err, errFaulted) {
			fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		}
		os.Exit(1)
	}
}

func newRootCommand(logOut io.Writer) *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "pcjit",
		Short:         "Function-level JIT for pcode programs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd, logOut)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "path to a pcjit.toml configuration file")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (overrides the configuration)")
	flags.BoolVar(&a.spew, "spew", false, "log every lowered instruction")
	flags.BoolVar(&a.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newRunCommand(a),
		newDumpCommand(a),
		newFaultsCommand(a),
		newSymbolizeCommand(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, logOut io.Writer) error {
	if a.noColor {
		color.NoColor = true
	}
	cfg := config.Default()
	if a.configPath != "" {
		loaded, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if cmd.Flags().Changed("spew") {
		cfg.JIT.Spew = a.spew
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = zerolog.New(zerolog.ConsoleWriter{Out: logOut, NoColor: color.NoColor}).
		Level(level).
		With().Timestamp().Logger()
	return nil
}

// openStore opens the diagnostics database at path, falling back to the
// configured one. It returns nil when neither is set.
func (a *app) openStore(path string) (*diagstore.Store, error) {
	if path == "" {
		path = a.cfg.Diagnostics.DBPath
	}
	if path == "" {
		return nil, nil
	}
	return diagstore.Open(path, &pebble.Options{})
}

func (a *app) engineOptions() vm.Options {
	return vm.Options{
		Logger:    a.log,
		Spew:      a.cfg.JIT.Spew,
		CodeSize:  a.cfg.JIT.CodeSize,
		StepLimit: a.cfg.JIT.StepLimit,
		Timeout:   a.cfg.Watchdog.Timeout.Duration,
	}
}

// loadImage assembles the program in path, applying the configured
// memory size.
func (a *app) loadImage(path string) (*pcode.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := pcode.Parse(path, f)
	if err != nil {
		return nil, err
	}
	if size := a.cfg.Runtime.MemorySize; size != 0 {
		img.MemorySize = img.DataSize + size
	}
	return img, nil
}

func requireStore(store *diagstore.Store) error {
	if store == nil {
		return fmt.Errorf("no diagnostics database: pass --db or set diagnostics.db_path")
	}
	return nil
}
