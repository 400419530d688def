package vm

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/yxzlwz/KProtect/internal/bytecode"
)

// Sentinel faults. Execution faults wrap one of these where it applies so
// callers can classify failures with errors.Is.
var (
	ErrUnknownOpcode   = errors.New("unknown opcode")
	ErrIllegalJump     = errors.New("illegal jump target")
	ErrStackUnderflow  = errors.New("operand stack underflow")
	ErrMalformedStream = errors.New("malformed bytecode stream")
)

// Fault carries the position and opcode at which execution failed.
type Fault struct {
	PC      int
	Op      byte
	Message string
	Cause   error
}

func (f *Fault) Error() string {
	if f.Message != "" {
		return fmt.Sprintf("fault at pc=%d (%s): %s", f.PC, bytecode.OpcodeName(f.Op), f.Message)
	}
	return fmt.Sprintf("fault at pc=%d (%s): %v", f.PC, bytecode.OpcodeName(f.Op), f.Cause)
}

// Unwrap exposes the sentinel or host error, if any.
func (f *Fault) Unwrap() error {
	return f.Cause
}

// TraceInfo describes a single instruction dispatch for debugging/tracing.
type TraceInfo struct {
	PC       int
	Op       byte
	Name     string
	StackLen int
	Depth    int
}

// TraceHook observes instruction dispatch for debugging/profiling.
type TraceHook func(TraceInfo)

// ZerologTrace builds a hook that emits one debug event per dispatched
// instruction.
func ZerologTrace(logger zerolog.Logger) TraceHook {
	return func(info TraceInfo) {
		logger.Debug().
			Int("pc", info.PC).
			Str("op", info.Name).
			Int("stack", info.StackLen).
			Int("depth", info.Depth).
			Msg("exec")
	}
}
