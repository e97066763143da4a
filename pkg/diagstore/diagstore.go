// Package diagstore persists JIT diagnostics: the debug tables of every
// compiled function and the fault reports raised by running code.
package diagstore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/ascrivener/pcjit/pkg/jit"
	"github.com/ascrivener/pcjit/pkg/pcode"
)

var ErrNotFound = errors.New("diagstore: not found")

const (
	functionPrefix = "fn/"
	faultPrefix    = "fault/"
)

// canonical encoding, so identical records are identical bytes
var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	encMode = em
}

// Store is a pebble-backed diagnostics database.
type Store struct {
	db *pebble.DB
}

// Open opens or creates the store at path. opts may be nil.
func Open(path string, opts *pebble.Options) (*Store, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("diagstore: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Fingerprint identifies a function by the bytes of its bytecode.
func Fingerprint(pcodeBytes []byte) string {
	sum := blake2b.Sum256(pcodeBytes)
	return hex.EncodeToString(sum[:16])
}

type LoopEdgeRecord struct {
	Offset uint32 `cbor:"1,keyasint"`
	Disp32 int32  `cbor:"2,keyasint"`
}

type CipRecord struct {
	PcOffset uint32 `cbor:"1,keyasint"`
	Cip      uint32 `cbor:"2,keyasint"`
}

// FunctionRecord is the persisted debug view of a compiled function.
type FunctionRecord struct {
	Fingerprint string           `cbor:"1,keyasint"`
	Runtime     string           `cbor:"2,keyasint"`
	Name        string           `cbor:"3,keyasint"`
	PcodeOffset uint32           `cbor:"4,keyasint"`
	PcodeEnd    uint32           `cbor:"5,keyasint"`
	CodeSize    uint32           `cbor:"6,keyasint"`
	BodySize    uint32           `cbor:"7,keyasint"`
	LoopEdges   []LoopEdgeRecord `cbor:"8,keyasint"`
	CipMap      []CipRecord      `cbor:"9,keyasint"`
	FaultStubs  []int32          `cbor:"10,keyasint"`
}

// NewFunctionRecord captures fn, compiled from img.
func NewFunctionRecord(img *pcode.Image, fn *jit.CompiledFunction) (*FunctionRecord, error) {
	start, end := fn.PcodeOffset(), fn.PcodeEnd()
	if end < start || uint64(end) > uint64(len(img.Code)) {
		return nil, fmt.Errorf("diagstore: function %#x spans %#x..%#x outside the code", start, start, end)
	}
	rec := &FunctionRecord{
		Fingerprint: Fingerprint(img.Code[start:end]),
		Runtime:     img.Name,
		Name:        img.FunctionName(start),
		PcodeOffset: start,
		PcodeEnd:    end,
		CodeSize:    fn.CodeSize(),
		BodySize:    fn.BodySize(),
	}
	for _, e := range fn.LoopEdges() {
		rec.LoopEdges = append(rec.LoopEdges, LoopEdgeRecord{Offset: e.Offset, Disp32: e.Disp32})
	}
	for _, e := range fn.CipMap() {
		rec.CipMap = append(rec.CipMap, CipRecord{PcOffset: e.PcOffset, Cip: e.Cip})
	}
	for _, code := range fn.FaultStubs() {
		rec.FaultStubs = append(rec.FaultStubs, int32(code))
	}
	return rec, nil
}

// Symbolize maps a native offset to the bytecode offset of the nearest
// CIP entry at or before it.
func (r *FunctionRecord) Symbolize(nativeOffset uint32) (uint32, bool) {
	i := sort.Search(len(r.CipMap), func(i int) bool {
		return r.CipMap[i].PcOffset > nativeOffset
	})
	if i == 0 {
		return 0, false
	}
	return r.CipMap[i-1].Cip, true
}

// PutFunction stores rec under its fingerprint, replacing any earlier
// record for the same bytecode.
func (s *Store) PutFunction(rec *FunctionRecord) error {
	data, err := encMode.Marshal(rec)
	if err != nil {
		return fmt.Errorf("diagstore: encode function %s: %w", rec.Fingerprint, err)
	}
	return s.db.Set([]byte(functionPrefix+rec.Fingerprint), data, pebble.Sync)
}

// Function loads the record stored under fingerprint.
func (s *Store) Function(fingerprint string) (*FunctionRecord, error) {
	data, closer, err := s.db.Get([]byte(functionPrefix + fingerprint))
	if err == pebble.ErrNotFound {
		return nil, fmt.Errorf("%w: function %s", ErrNotFound, fingerprint)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var rec FunctionRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("diagstore: decode function %s: %w", fingerprint, err)
	}
	return &rec, nil
}

// Functions returns every stored function record.
func (s *Store) Functions() ([]*FunctionRecord, error) {
	var out []*FunctionRecord
	err := s.scan(functionPrefix, 0, func(data []byte) error {
		var rec FunctionRecord
		if err := cbor.Unmarshal(data, &rec); err != nil {
			return err
		}
		out = append(out, &rec)
		return nil
	})
	return out, err
}

// Symbolize maps a native offset inside the function with the given
// fingerprint to its bytecode offset.
func (s *Store) Symbolize(fingerprint string, nativeOffset uint32) (uint32, error) {
	rec, err := s.Function(fingerprint)
	if err != nil {
		return 0, err
	}
	cip, ok := rec.Symbolize(nativeOffset)
	if !ok {
		return 0, fmt.Errorf("%w: no bytecode offset for native offset %#x in %s", ErrNotFound, nativeOffset, fingerprint)
	}
	return cip, nil
}

type FrameRecord struct {
	FunctionOffset uint32 `cbor:"1,keyasint"`
	Function       string `cbor:"2,keyasint"`
	Cip            uint32 `cbor:"3,keyasint"`
	HasCip         bool   `cbor:"4,keyasint"`
}

// FaultRecord is a persisted jit.FaultReport.
type FaultRecord struct {
	ID        string        `cbor:"1,keyasint"`
	Time      time.Time     `cbor:"2,keyasint"`
	Code      int32         `cbor:"3,keyasint"`
	Message   string        `cbor:"4,keyasint"`
	Runtime   string        `cbor:"5,keyasint"`
	NativePC  uint64        `cbor:"6,keyasint"`
	Backtrace []FrameRecord `cbor:"7,keyasint"`
}

func NewFaultRecord(report *jit.FaultReport) *FaultRecord {
	rec := &FaultRecord{
		ID:       report.ID.String(),
		Time:     report.Time.UTC(),
		Code:     int32(report.Code),
		Message:  report.Message,
		Runtime:  report.Runtime,
		NativePC: uint64(report.NativePC),
	}
	for _, f := range report.Backtrace {
		rec.Backtrace = append(rec.Backtrace, FrameRecord{
			FunctionOffset: f.FunctionOffset,
			Function:       f.Function,
			Cip:            f.Cip,
			HasCip:         f.HasCip,
		})
	}
	return rec
}

// Where renders the innermost frame.
func (r *FaultRecord) Where() string {
	if len(r.Backtrace) == 0 {
		return "(no script frames)"
	}
	f := r.Backtrace[0]
	name := f.Function
	if name == "" {
		name = fmt.Sprintf("%#x", f.FunctionOffset)
	}
	if !f.HasCip {
		return name
	}
	return fmt.Sprintf("%s+%#x", name, f.Cip)
}

func faultKey(rec *FaultRecord) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", faultPrefix, rec.Time.UnixNano(), rec.ID))
}

// PutFault appends a fault record. Faults are keyed by time.
func (s *Store) PutFault(rec *FaultRecord) error {
	data, err := encMode.Marshal(rec)
	if err != nil {
		return fmt.Errorf("diagstore: encode fault %s: %w", rec.ID, err)
	}
	return s.db.Set(faultKey(rec), data, pebble.Sync)
}

// Faults returns stored faults, oldest first. limit <= 0 returns all.
func (s *Store) Faults(limit int) ([]*FaultRecord, error) {
	var out []*FaultRecord
	err := s.scan(faultPrefix, limit, func(data []byte) error {
		var rec FaultRecord
		if err := cbor.Unmarshal(data, &rec); err != nil {
			return err
		}
		out = append(out, &rec)
		return nil
	})
	return out, err
}

func (s *Store) scan(prefix string, limit int, fn func(value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixEnd([]byte(prefix)),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && n == limit {
			break
		}
		if err := fn(iter.Value()); err != nil {
			return fmt.Errorf("diagstore: decode %s: %w", iter.Key(), err)
		}
		n++
	}
	return iter.Error()
}

func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
