package vm

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/flate"

	"github.com/yxzlwz/KProtect/internal/bytecode"
)

// continuation remembers where to resume and which block encloses the
// resume point when an EXIT unwinds a jump.
type continuation struct {
	resume int
	block  int
}

// VM executes a packed program. Construction decodes and decompresses the
// stream and resolves the dependency table; Run drives the dispatch loop.
type VM struct {
	code    []byte
	strings []string
	lookup  map[string]int
	deps    []Value
	stack   []Value
	slots   []Value
	conts   []continuation
	pc      int
	block   int
	trace   TraceHook
}

type config struct {
	resolver DependencyResolver
	trace    TraceHook
	console  io.Writer
}

// Option configures VM construction.
type Option func(*config)

// WithConsoleWriter redirects console output of the default host.
func WithConsoleWriter(w io.Writer) Option {
	return func(c *config) { c.console = w }
}

// WithDependencyResolver overrides how dependency-table names are bound.
// Names the resolver declines fall back to the default host.
func WithDependencyResolver(r DependencyResolver) Option {
	return func(c *config) { c.resolver = r }
}

// WithTraceHook registers a callback for instruction-level tracing.
func WithTraceHook(h TraceHook) Option {
	return func(c *config) { c.trace = h }
}

// New decodes a packed program and prepares it for execution.
func New(prog *bytecode.Program, opts ...Option) (*VM, error) {
	cfg := config{console: os.Stdout}
	for _, opt := range opts {
		opt(&cfg)
	}

	raw, err := base64.StdEncoding.DecodeString(prog.Bytecode)
	if err != nil {
		return nil, fmt.Errorf("decode bytecode: %w", err)
	}
	fr := flate.NewReader(bytes.NewReader(raw))
	code, err := io.ReadAll(fr)
	if err != nil {
		return nil, fmt.Errorf("inflate bytecode: %w", err)
	}
	if err := fr.Close(); err != nil {
		return nil, fmt.Errorf("inflate bytecode: %w", err)
	}

	fallback := DefaultHost(cfg.console)
	deps := make([]Value, len(prog.Dependencies))
	for i, name := range prog.Dependencies {
		v, ok := Undefined(), false
		if cfg.resolver != nil {
			v, ok = cfg.resolver(name)
		}
		if !ok {
			v, ok = fallback(name)
		}
		if !ok {
			return nil, fmt.Errorf("unresolved dependency %q", name)
		}
		deps[i] = v
	}

	entry, ok := prog.Lookup[bytecode.EntryLabel]
	if !ok {
		return nil, fmt.Errorf("%w: program has no %s block", ErrIllegalJump, bytecode.EntryLabel)
	}

	return &VM{
		code:    code,
		strings: prog.Strings,
		lookup:  prog.Lookup,
		deps:    deps,
		pc:      entry,
		block:   entry,
		trace:   cfg.trace,
	}, nil
}

// Run executes until the stream is exhausted or a fault occurs. The entry
// block is laid out last, so falling off the end of the stream is normal
// termination.
func (vm *VM) Run() error {
	for vm.pc < len(vm.code) {
		at := vm.pc
		op := vm.code[vm.pc]
		vm.pc++
		if vm.trace != nil {
			vm.trace(TraceInfo{
				PC:       at,
				Op:       op,
				Name:     bytecode.OpcodeName(op),
				StackLen: len(vm.stack),
				Depth:    len(vm.conts),
			})
		}
		if err := vm.step(op); err != nil {
			if f, ok := err.(*Fault); ok {
				return f
			}
			return &Fault{PC: at, Op: op, Cause: err}
		}
	}
	return nil
}

func (vm *VM) step(op byte) error {
	switch op {
	case bytecode.OP_ADD:
		b, a, err := vm.pop2()
		if err != nil {
			return err
		}
		vm.push(Add(a, b))
	case bytecode.OP_SUB:
		return vm.arith(func(a, b float64) float64 { return a - b })
	case bytecode.OP_MUL:
		return vm.arith(func(a, b float64) float64 { return a * b })
	case bytecode.OP_DIV:
		return vm.arith(func(a, b float64) float64 { return a / b })
	case bytecode.OP_MOD:
		return vm.arith(math.Mod)

	case bytecode.OP_NEG:
		v, err := vm.pop()
		if err != nil {
			return err
		}
		vm.push(Bool(!Truthy(v)))
	case bytecode.OP_TYPEOF:
		v, err := vm.pop()
		if err != nil {
			return err
		}
		vm.push(String(TypeOf(v)))
	case bytecode.OP_NOT:
		v, err := vm.pop()
		if err != nil {
			return err
		}
		vm.push(Number(float64(^ToInt32(v))))

	case bytecode.OP_EQUAL:
		return vm.compare(func(a, b Value) bool { return LooseEquals(a, b) })
	case bytecode.OP_STRICT_EQUAL:
		return vm.compare(StrictEquals)
	case bytecode.OP_NOT_EQUAL:
		return vm.compare(func(a, b Value) bool { return !LooseEquals(a, b) })
	case bytecode.OP_STRICT_NOT_EQUAL:
		return vm.compare(func(a, b Value) bool { return !StrictEquals(a, b) })
	case bytecode.OP_LESS_THAN:
		return vm.compare(func(a, b Value) bool {
			less, ok := LessThan(a, b)
			return ok && less
		})
	case bytecode.OP_LESS_THAN_EQUAL:
		return vm.compare(func(a, b Value) bool {
			greater, ok := LessThan(b, a)
			return ok && !greater
		})
	case bytecode.OP_GREATER_THAN:
		return vm.compare(func(a, b Value) bool {
			less, ok := LessThan(b, a)
			return ok && less
		})
	case bytecode.OP_GREATER_THAN_EQUAL:
		return vm.compare(func(a, b Value) bool {
			less, ok := LessThan(a, b)
			return ok && !less
		})

	case bytecode.OP_AND:
		return vm.intOp(func(a, b Value) float64 { return float64(ToInt32(a) & ToInt32(b)) })
	case bytecode.OP_OR:
		return vm.intOp(func(a, b Value) float64 { return float64(ToInt32(a) | ToInt32(b)) })
	case bytecode.OP_XOR:
		return vm.intOp(func(a, b Value) float64 { return float64(ToInt32(a) ^ ToInt32(b)) })
	case bytecode.OP_LEFT_SHIFT:
		return vm.intOp(func(a, b Value) float64 { return float64(ToInt32(a) << (ToUint32(b) & 31)) })
	case bytecode.OP_RIGHT_SHIFT:
		return vm.intOp(func(a, b Value) float64 { return float64(ToInt32(a) >> (ToUint32(b) & 31)) })
	case bytecode.OP_UNSIGNED_RIGHT_SHIFT:
		return vm.intOp(func(a, b Value) float64 { return float64(ToUint32(a) >> (ToUint32(b) & 31)) })

	case bytecode.OP_STORE:
		v, err := vm.readOperand()
		if err != nil {
			return err
		}
		slot, err := vm.readSlot()
		if err != nil {
			return err
		}
		vm.setSlot(slot, v)
	case bytecode.OP_PUSH:
		v, err := vm.readOperand()
		if err != nil {
			return err
		}
		vm.push(v)
	case bytecode.OP_POP:
		slot, err := vm.readSlot()
		if err != nil {
			return err
		}
		v, err := vm.pop()
		if err != nil {
			return err
		}
		vm.setSlot(slot, v)

	case bytecode.OP_GET_PROPERTY:
		base, key, err := vm.pop2()
		if err != nil {
			return err
		}
		v, err := propertyGet(base, key)
		if err != nil {
			return err
		}
		vm.push(v)

	case bytecode.OP_INIT_ARRAY:
		count, err := vm.readCount()
		if err != nil {
			return err
		}
		elems := make([]Value, count)
		for i := 0; i < count; i++ {
			elems[i], err = vm.pop()
			if err != nil {
				return err
			}
		}
		vm.push(NewArray(elems))
	case bytecode.OP_INIT_OBJECT:
		count, err := vm.readCount()
		if err != nil {
			return err
		}
		props := make(map[string]Value, count)
		for i := 0; i < count; i++ {
			key, val, err := vm.popPair()
			if err != nil {
				return err
			}
			// popped last property first; skip already-set keys so a
			// duplicate key keeps its last assignment
			name := ToString(key)
			if _, dup := props[name]; !dup {
				props[name] = val
			}
		}
		vm.push(NewObject(props))
	case bytecode.OP_INIT_CONSTRUCTOR:
		fn, err := vm.pop()
		if err != nil {
			return err
		}
		args, err := vm.popArgs()
		if err != nil {
			return err
		}
		v, err := vm.construct(fn, args)
		if err != nil {
			return err
		}
		vm.push(v)

	case bytecode.OP_CALL:
		fn, err := vm.pop()
		if err != nil {
			return err
		}
		args, err := vm.popArgs()
		if err != nil {
			return err
		}
		v, err := vm.call(fn, Undefined(), args)
		if err != nil {
			return err
		}
		vm.push(v)
	case bytecode.OP_APPLY:
		fn, err := vm.pop()
		if err != nil {
			return err
		}
		receiver, err := vm.pop()
		if err != nil {
			return err
		}
		args, err := vm.popArgs()
		if err != nil {
			return err
		}
		v, err := vm.call(fn, receiver, args)
		if err != nil {
			return err
		}
		vm.push(v)
	case bytecode.OP_CALL_MEMBER_EXPRESSION:
		obj, key, err := vm.pop2()
		if err != nil {
			return err
		}
		args, err := vm.popArgs()
		if err != nil {
			return err
		}
		method, err := propertyGet(obj, key)
		if err != nil {
			return err
		}
		v, err := vm.call(method, obj, args)
		if err != nil {
			return err
		}
		vm.push(v)

	case bytecode.OP_JMP:
		label, err := vm.readLabel()
		if err != nil {
			return err
		}
		return vm.enterBlock(label)
	case bytecode.OP_JMP_IF_ELSE:
		// both label operands must be consumed before branching so the
		// stream position stays aligned
		primary, err := vm.readOperand()
		if err != nil {
			return err
		}
		alternate, err := vm.readOperand()
		if err != nil {
			return err
		}
		cond, err := vm.pop()
		if err != nil {
			return err
		}
		if Truthy(cond) {
			if primary.Kind != KindString {
				return fmt.Errorf("%w: jump target is %s", ErrMalformedStream, TypeOf(primary))
			}
			return vm.enterBlock(primary.Str)
		}
		if alternate.Kind == KindUndefined {
			return nil
		}
		if alternate.Kind != KindString {
			return fmt.Errorf("%w: jump target is %s", ErrMalformedStream, TypeOf(alternate))
		}
		return vm.enterBlock(alternate.Str)
	case bytecode.OP_JMP_NO_TRACEBACK:
		label, err := vm.readLabel()
		if err != nil {
			return err
		}
		off, ok := vm.lookup[label]
		if !ok {
			return fmt.Errorf("%w: no block %q", ErrIllegalJump, label)
		}
		vm.pc = off
		vm.block = off

	case bytecode.OP_LOOP:
		vm.pc = vm.block
	case bytecode.OP_EXIT:
		return vm.exitBlock()
	case bytecode.OP_EXIT_IF:
		cond, err := vm.pop()
		if err != nil {
			return err
		}
		if Truthy(cond) {
			return vm.exitBlock()
		}

	default:
		return fmt.Errorf("%w 0x%02x", ErrUnknownOpcode, op)
	}
	return nil
}

func (vm *VM) enterBlock(label string) error {
	off, ok := vm.lookup[label]
	if !ok {
		return fmt.Errorf("%w: no block %q", ErrIllegalJump, label)
	}
	vm.conts = append(vm.conts, continuation{resume: vm.pc, block: vm.block})
	vm.pc = off
	vm.block = off
	return nil
}

func (vm *VM) exitBlock() error {
	if len(vm.conts) == 0 {
		return fmt.Errorf("%w: exit with no continuation", ErrMalformedStream)
	}
	top := vm.conts[len(vm.conts)-1]
	vm.conts = vm.conts[:len(vm.conts)-1]
	vm.pc = top.resume
	vm.block = top.block
	return nil
}

func (vm *VM) call(fn, this Value, args []Value) (Value, error) {
	if fn.Kind != KindFunc {
		return Undefined(), fmt.Errorf("%s is not a function", TypeOf(fn))
	}
	return fn.Fn.Call(this, args)
}

func (vm *VM) construct(fn Value, args []Value) (Value, error) {
	if fn.Kind != KindFunc {
		return Undefined(), fmt.Errorf("%s is not a constructor", TypeOf(fn))
	}
	if fn.Fn.Construct != nil {
		return fn.Fn.Construct(Undefined(), args)
	}
	return fn.Fn.Call(Undefined(), args)
}

// readOperand decodes one tagged operand from the stream.
func (vm *VM) readOperand() (Value, error) {
	tag, err := vm.readByte()
	if err != nil {
		return Undefined(), err
	}
	switch tag {
	case bytecode.LOAD_NUMBER:
		bits, err := vm.readUint64()
		if err != nil {
			return Undefined(), err
		}
		return Number(math.Float64frombits(bits)), nil
	case bytecode.LOAD_STRING:
		idx, err := vm.readUint64()
		if err != nil {
			return Undefined(), err
		}
		if idx >= uint64(len(vm.strings)) {
			return Undefined(), fmt.Errorf("%w: string index %d out of range", ErrMalformedStream, idx)
		}
		return String(vm.strings[idx]), nil
	case bytecode.LOAD_ARRAY:
		return NewArray(nil), nil
	case bytecode.LOAD_UNDEFINED:
		return Undefined(), nil
	case bytecode.FETCH_DEPENDENCY:
		idx, err := vm.readByte()
		if err != nil {
			return Undefined(), err
		}
		if int(idx) >= len(vm.deps) {
			return Undefined(), fmt.Errorf("%w: dependency index %d out of range", ErrMalformedStream, idx)
		}
		return vm.deps[idx], nil
	case bytecode.FETCH_VARIABLE:
		idx, err := vm.readByte()
		if err != nil {
			return Undefined(), err
		}
		if int(idx) >= len(vm.slots) {
			return Undefined(), nil
		}
		return vm.slots[idx], nil
	case bytecode.POP_STACK:
		return vm.pop()
	default:
		return Undefined(), fmt.Errorf("%w: unknown operand tag 0x%02x", ErrMalformedStream, tag)
	}
}

// readSlot decodes an operand that must name a variable slot.
func (vm *VM) readSlot() (int, error) {
	tag, err := vm.readByte()
	if err != nil {
		return 0, err
	}
	if tag != bytecode.FETCH_VARIABLE {
		return 0, fmt.Errorf("%w: store destination has tag %s", ErrMalformedStream, bytecode.HeaderName(tag))
	}
	idx, err := vm.readByte()
	if err != nil {
		return 0, err
	}
	return int(idx), nil
}

func (vm *VM) readLabel() (string, error) {
	v, err := vm.readOperand()
	if err != nil {
		return "", err
	}
	if v.Kind != KindString {
		return "", fmt.Errorf("%w: jump target is %s", ErrMalformedStream, TypeOf(v))
	}
	return v.Str, nil
}

func (vm *VM) readCount() (int, error) {
	v, err := vm.readOperand()
	if err != nil {
		return 0, err
	}
	if v.Kind != KindNumber || v.Num < 0 || v.Num != math.Trunc(v.Num) {
		return 0, fmt.Errorf("%w: invalid element count", ErrMalformedStream)
	}
	n := int(v.Num)
	if n > len(vm.stack) {
		return 0, fmt.Errorf("%w: count %d exceeds stack depth %d", ErrStackUnderflow, n, len(vm.stack))
	}
	return n, nil
}

func (vm *VM) readByte() (byte, error) {
	if vm.pc >= len(vm.code) {
		return 0, fmt.Errorf("%w: unexpected end of stream", ErrMalformedStream)
	}
	b := vm.code[vm.pc]
	vm.pc++
	return b, nil
}

func (vm *VM) readUint64() (uint64, error) {
	if vm.pc+8 > len(vm.code) {
		return 0, fmt.Errorf("%w: unexpected end of stream", ErrMalformedStream)
	}
	n := binary.BigEndian.Uint64(vm.code[vm.pc:])
	vm.pc += 8
	return n, nil
}

func (vm *VM) push(v Value) {
	vm.stack = append(vm.stack, v)
}

func (vm *VM) pop() (Value, error) {
	if len(vm.stack) == 0 {
		return Undefined(), ErrStackUnderflow
	}
	v := vm.stack[len(vm.stack)-1]
	vm.stack = vm.stack[:len(vm.stack)-1]
	return v, nil
}

// pop2 pops two values and returns them top-first, so a binary operation
// receives (right, left).
func (vm *VM) pop2() (Value, Value, error) {
	b, err := vm.pop()
	if err != nil {
		return Undefined(), Undefined(), err
	}
	a, err := vm.pop()
	if err != nil {
		return Undefined(), Undefined(), err
	}
	return b, a, nil
}

func (vm *VM) popPair() (Value, Value, error) {
	first, err := vm.pop()
	if err != nil {
		return Undefined(), Undefined(), err
	}
	second, err := vm.pop()
	if err != nil {
		return Undefined(), Undefined(), err
	}
	return first, second, nil
}

func (vm *VM) popArgs() ([]Value, error) {
	v, err := vm.pop()
	if err != nil {
		return nil, err
	}
	if v.Kind != KindArray {
		return nil, fmt.Errorf("%w: argument list is %s", ErrMalformedStream, TypeOf(v))
	}
	return v.Arr.Elems, nil
}

func (vm *VM) setSlot(idx int, v Value) {
	for len(vm.slots) <= idx {
		vm.slots = append(vm.slots, Undefined())
	}
	vm.slots[idx] = v
}

func (vm *VM) arith(fn func(a, b float64) float64) error {
	b, a, err := vm.pop2()
	if err != nil {
		return err
	}
	vm.push(Number(fn(ToNumber(a), ToNumber(b))))
	return nil
}

func (vm *VM) compare(fn func(a, b Value) bool) error {
	b, a, err := vm.pop2()
	if err != nil {
		return err
	}
	vm.push(Bool(fn(a, b)))
	return nil
}

func (vm *VM) intOp(fn func(a, b Value) float64) error {
	b, a, err := vm.pop2()
	if err != nil {
		return err
	}
	vm.push(Number(fn(a, b)))
	return nil
}
