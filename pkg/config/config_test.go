package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pcjit.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[jit]
spew = true
step_limit = 1000

[watchdog]
timeout = "250ms"

[runtime]
memory_size = 8192

[diagnostics]
db_path = "/tmp/diag"

[log]
level = "debug"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	want.JIT.Spew = true
	want.JIT.StepLimit = 1000
	want.Watchdog.Timeout = Duration{250 * time.Millisecond}
	want.Runtime.MemorySize = 8192
	want.Diagnostics.DBPath = "/tmp/diag"
	want.Log.Level = "debug"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config (-want +got):\n%s", diff)
	}
	if level, _ := cfg.LogLevel(); level != zerolog.DebugLevel {
		t.Errorf("LogLevel = %v", level)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown key", "[jit]\nturbo = true\n", "unknown key"},
		{"bad duration", "[watchdog]\ntimeout = \"soon\"\n", "parse error"},
		{"small code region", "[jit]\ncode_size = 16\n", "code_size"},
		{"unaligned memory", "[runtime]\nmemory_size = 1001\n", "memory_size"},
		{"bad level", "[log]\nlevel = \"loud\"\n", "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.JIT.CodeSize = 1
	cfg.JIT.StepLimit = -1
	cfg.Log.Level = "nope"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil")
	}
	for _, s := range []string{"code_size", "step_limit", "log.level"} {
		if !strings.Contains(err.Error(), s) {
			t.Errorf("error %q does not mention %s", err, s)
		}
	}
}
