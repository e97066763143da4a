package jit

import "fmt"

// CompileFromThunk is reached from a call site whose target has no code
// yet. It compiles the target if needed, stores its entry in *addrp and
// rewrites the call at patchLoc so the next call goes straight there.
//
// A pending watchdog interrupt refuses the compile outright; code that
// is already compiled keeps running until it reaches a loop edge.
func CompileFromThunk(cx Context, pcodeOffset uint32, addrp *uintptr, patchLoc uintptr) ErrorCode {
	env := cx.Environment()

	if !env.Watchdog().HandleInterrupt() {
		return ErrTimeout
	}

	method := cx.AcquireMethod(pcodeOffset)
	if method == nil {
		return ErrInvalidAddress
	}
	if code := method.Validate(); code != ErrNone {
		return code
	}

	fn := method.Compiled()
	if fn == nil {
		var err error
		if fn, err = compileMethod(cx, method); err != nil {
			return CodeOf(err)
		}
	}

	entry := fn.EntryAddress()
	*addrp = entry

	env.spewEvent().
		Str("runtime", cx.Name()).
		Str("function", cx.LookupFunction(pcodeOffset)).
		Str("call_site", fmt.Sprintf("%#x", patchLoc)).
		Str("entry", fmt.Sprintf("%#x", entry)).
		Msg("patching thunk")

	if err := env.PatchCallTarget(patchLoc, entry); err != nil {
		env.log.Error().Err(err).Str("call_site", fmt.Sprintf("%#x", patchLoc)).Msg("call site patch failed")
		return ErrFatal
	}
	return ErrNone
}
