package diagstore

import (
	"errors"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/ascrivener/pcjit/pkg/jit"
)

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := Open("diag", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte{1, 0, 0, 0})
	if len(a) != 32 {
		t.Fatalf("fingerprint %q has length %d, want 32", a, len(a))
	}
	if a != Fingerprint([]byte{1, 0, 0, 0}) {
		t.Error("fingerprint is not deterministic")
	}
	if a == Fingerprint([]byte{2, 0, 0, 0}) {
		t.Error("different bytecode has the same fingerprint")
	}
}

func TestFunctionRoundTripAndSymbolize(t *testing.T) {
	s := openMem(t)
	rec := &FunctionRecord{
		Fingerprint: Fingerprint([]byte("main")),
		Runtime:     "test",
		Name:        "main",
		PcodeOffset: 0,
		PcodeEnd:    40,
		CodeSize:    96,
		BodySize:    64,
		LoopEdges:   []LoopEdgeRecord{{Offset: 32, Disp32: 40}},
		CipMap:      []CipRecord{{PcOffset: 20, Cip: 8}, {PcOffset: 50, Cip: 24}, {PcOffset: 77, Cip: 24}},
		FaultStubs:  []int32{int32(jit.ErrDivideByZero)},
	}
	if err := s.PutFunction(rec); err != nil {
		t.Fatalf("PutFunction: %v", err)
	}
	got, err := s.Function(rec.Fingerprint)
	if err != nil {
		t.Fatalf("Function: %v", err)
	}
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Errorf("record (-want +got):\n%s", diff)
	}

	tests := []struct {
		off  uint32
		cip  uint32
		want bool
	}{
		{off: 0, want: false},
		{off: 19, want: false},
		{off: 20, cip: 8, want: true},
		{off: 49, cip: 8, want: true},
		{off: 60, cip: 24, want: true},
		{off: 200, cip: 24, want: true},
	}
	for _, tt := range tests {
		cip, ok := got.Symbolize(tt.off)
		if ok != tt.want || cip != tt.cip {
			t.Errorf("Symbolize(%d) = %d, %v; want %d, %v", tt.off, cip, ok, tt.cip, tt.want)
		}
	}

	if cip, err := s.Symbolize(rec.Fingerprint, 51); err != nil || cip != 24 {
		t.Errorf("Store.Symbolize = %d, %v; want 24", cip, err)
	}
	if _, err := s.Symbolize(rec.Fingerprint, 3); !errors.Is(err, ErrNotFound) {
		t.Errorf("Symbolize before first entry: %v, want ErrNotFound", err)
	}
	if _, err := s.Function("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Function(missing): %v, want ErrNotFound", err)
	}

	all, err := s.Functions()
	if err != nil || len(all) != 1 {
		t.Fatalf("Functions = %d records, %v", len(all), err)
	}
}

func TestFaultsAreChronological(t *testing.T) {
	s := openMem(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, code := range []jit.ErrorCode{jit.ErrTimeout, jit.ErrDivideByZero, jit.ErrArrayBounds} {
		report := &jit.FaultReport{
			ID:      uuid.New(),
			Time:    base.Add(time.Duration(2-i) * time.Second),
			Code:    code,
			Message: code.Error(),
			Runtime: "test",
			Backtrace: []jit.BacktraceFrame{
				{FunctionOffset: 0, Function: "main", Cip: uint32(8 * i), HasCip: true},
			},
		}
		if err := s.PutFault(NewFaultRecord(report)); err != nil {
			t.Fatalf("PutFault: %v", err)
		}
	}

	faults, err := s.Faults(0)
	if err != nil {
		t.Fatalf("Faults: %v", err)
	}
	var codes []int32
	for _, f := range faults {
		codes = append(codes, f.Code)
	}
	want := []int32{int32(jit.ErrArrayBounds), int32(jit.ErrDivideByZero), int32(jit.ErrTimeout)}
	if diff := cmp.Diff(want, codes); diff != "" {
		t.Errorf("fault order (-want +got):\n%s", diff)
	}
	if w := faults[0].Where(); w != "main+0x10" {
		t.Errorf("Where() = %q", w)
	}

	limited, err := s.Faults(2)
	if err != nil || len(limited) != 2 {
		t.Errorf("Faults(2) = %d records, %v", len(limited), err)
	}
}

func TestPrefixEnd(t *testing.T) {
	if got := string(prefixEnd([]byte("fn/"))); got != "fn0" {
		t.Errorf("prefixEnd(fn/) = %q", got)
	}
	if got := prefixEnd([]byte{0xff, 0xff}); got != nil {
		t.Errorf("prefixEnd(ff ff) = %v, want nil", got)
	}
}
