package pcode

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// AssembleError reports a problem on one source line.
type AssembleError struct {
	Line  int
	Cause error
}

func (e *AssembleError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Cause)
}

func (e *AssembleError) Unwrap() error {
	return e.Cause
}

type labelRef struct {
	label *Label
	line  int
}

type textAssembler struct {
	b      *Builder
	labels map[string]*labelRef
	errs   *multierror.Error
}

// Parse assembles the text form of a program:
//
//	.memory 4096        ; heap+stack bytes
//	.native print
//	proc main
//	    const.pri 10
//	loop:
//	    dec.pri
//	    jnz loop
//	    retn
//	endproc
//
// Every proc is public under its own name. All line errors are
// collected before returning.
func Parse(name string, src io.Reader) (*Image, error) {
	ta := &textAssembler{b: NewBuilder(name)}
	sc := bufio.NewScanner(src)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.IndexByte(text, ';'); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if err := ta.line(line, text); err != nil {
			ta.errs = multierror.Append(ta.errs, &AssembleError{Line: line, Cause: err})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	ta.closeProc()
	img, err := ta.b.Build()
	if err != nil {
		ta.errs = multierror.Append(ta.errs, err)
	}
	if err := ta.errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return img, nil
}

func (ta *textAssembler) line(line int, text string) error {
	if strings.HasSuffix(text, ":") {
		if ta.labels == nil {
			return fmt.Errorf("label outside of a proc")
		}
		ref := ta.ref(strings.TrimSuffix(text, ":"), line)
		if ref.label.bound {
			return fmt.Errorf("label %q defined twice", ref.label.name)
		}
		ta.b.Bind(ref.label)
		return nil
	}

	fields := strings.Fields(strings.ReplaceAll(text, ",", " "))
	mnemonic, args := strings.ToLower(fields[0]), fields[1:]
	switch mnemonic {
	case ".memory", ".data":
		if len(args) != 1 {
			return fmt.Errorf("%s takes one size", mnemonic)
		}
		n, err := strconv.ParseUint(args[0], 0, 32)
		if err != nil {
			return err
		}
		if mnemonic == ".memory" {
			ta.b.SetMemory(uint32(n))
		} else {
			ta.b.SetData(uint32(n))
		}
		return nil
	case ".native":
		for _, a := range args {
			ta.b.Native(a)
		}
		return nil
	case "proc":
		if len(args) != 1 {
			return fmt.Errorf("proc takes a name")
		}
		ta.closeProc()
		ta.b.Proc(args[0])
		ta.labels = make(map[string]*labelRef)
		return nil
	case "endproc":
		if ta.labels == nil {
			return fmt.Errorf("endproc outside of a proc")
		}
		ta.closeProc()
		return nil
	}

	if ta.labels == nil {
		return fmt.Errorf("instruction outside of a proc")
	}
	op, ok := LookupOpcode(mnemonic)
	if !ok || op == OpProc || op == OpEndProc {
		return fmt.Errorf("unknown mnemonic %q", mnemonic)
	}
	kinds := op.Operands()
	if len(args) != len(kinds) {
		return fmt.Errorf("%s takes %d operands, got %d", op, len(kinds), len(args))
	}
	switch {
	case op.IsJump():
		ta.b.Jump(op, ta.ref(args[0], line).label)
	case op == OpCall:
		ta.b.callAt(args[0], line)
	default:
		operands := make([]int32, len(args))
		for i, a := range args {
			if kinds[i] == OperandNative {
				if _, err := strconv.ParseInt(a, 0, 32); err != nil {
					operands[i] = ta.b.Native(a)
					continue
				}
			}
			v, err := strconv.ParseInt(a, 0, 32)
			if err != nil {
				return fmt.Errorf("bad operand %q: %w", a, err)
			}
			operands[i] = int32(v)
		}
		ta.b.Emit(op, operands...)
	}
	return nil
}

func (ta *textAssembler) ref(name string, line int) *labelRef {
	if r, ok := ta.labels[name]; ok {
		return r
	}
	r := &labelRef{label: ta.b.NewLabel(name), line: line}
	ta.labels[name] = r
	return r
}

func (ta *textAssembler) closeProc() {
	if ta.labels == nil {
		return
	}
	for name, r := range ta.labels {
		if !r.label.bound {
			ta.errs = multierror.Append(ta.errs, &AssembleError{Line: r.line, Cause: fmt.Errorf("undefined label %q", name)})
			// keep Build from reporting it a second time
			ta.b.Bind(r.label)
		}
	}
	ta.b.EndProc()
	ta.labels = nil
}
