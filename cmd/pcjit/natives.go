package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/ascrivener/pcjit/pkg/jit"
	"github.com/ascrivener/pcjit/pkg/vm"
)

// builtinNatives returns the natives every program run by pcjit can
// bind: print writes its arguments to out, abs returns |x| and fail
// raises the error code it is given.
func builtinNatives(out io.Writer) map[string]vm.Native {
	return map[string]vm.Native{
		"print": func(_ *vm.Runtime, args []int32) (int32, error) {
			parts := make([]string, len(args))
			for i, v := range args {
				parts[i] = fmt.Sprint(v)
			}
			fmt.Fprintln(out, strings.Join(parts, " "))
			return int32(len(args)), nil
		},
		"abs": func(_ *vm.Runtime, args []int32) (int32, error) {
			if len(args) != 1 {
				return 0, jit.ErrParam
			}
			if args[0] < 0 {
				return -args[0], nil
			}
			return args[0], nil
		},
		"fail": func(_ *vm.Runtime, args []int32) (int32, error) {
			if len(args) != 1 {
				return 0, jit.ErrParam
			}
			code := jit.ErrorCode(args[0])
			if !code.Valid() {
				return 0, jit.ErrParam
			}
			if code == jit.ErrNone {
				return 0, jit.ErrNative
			}
			return 0, code
		},
	}
}
