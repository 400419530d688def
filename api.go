// Package kprotect compiles a restricted scripting-language subset into an
// opaque packed bytecode program and executes such programs on a stack VM.
package kprotect

import (
	"fmt"
	"io"
	"reflect"

	"github.com/robertkrimen/otto/ast"
	"github.com/robertkrimen/otto/parser"
	"github.com/rs/zerolog"

	"github.com/yxzlwz/KProtect/internal/bytecode"
	"github.com/yxzlwz/KProtect/internal/compiler"
	"github.com/yxzlwz/KProtect/internal/encoder"
	"github.com/yxzlwz/KProtect/internal/vm"
)

// Program is the packed, portable form of a compiled script: compressed
// bytecode plus its string table, block lookup table and dependency names.
type Program = bytecode.Program

// IL is the labeled-block intermediate form produced by Compile.
type IL = bytecode.IL

// Value is a VM runtime value.
type Value = vm.Value

// TraceInfo and TraceHook observe instruction dispatch during Run.
type TraceInfo = vm.TraceInfo
type TraceHook = vm.TraceHook

// Fault is the error type for execution failures; it wraps sentinels such
// as vm.ErrIllegalJump and vm.ErrUnknownOpcode.
type Fault = vm.Fault

// Parse reads source text into a syntax tree. filename is used in parse
// error messages only and may be empty.
func Parse(filename, src string) (*ast.Program, error) {
	prog, err := parser.ParseFile(nil, filename, src, 0)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return prog, nil
}

// Compile lowers a syntax tree into labeled instruction blocks.
func Compile(prog *ast.Program) (IL, error) {
	return compiler.Compile(prog)
}

// Pack validates the blocks and encodes them into a packed program.
func Pack(il IL) (*Program, error) {
	return encoder.Encode(il)
}

// CompileSource runs the whole pipeline from source text to packed program.
func CompileSource(filename, src string) (*Program, error) {
	prog, err := Parse(filename, src)
	if err != nil {
		return nil, err
	}
	il, err := Compile(prog)
	if err != nil {
		return nil, err
	}
	return Pack(il)
}

// Disassemble writes a readable listing of compiled blocks to w.
func Disassemble(w io.Writer, il IL) error {
	return bytecode.NewDisassembler(w).Disassemble(il)
}

type runConfig struct {
	console io.Writer
	globals map[string]interface{}
	trace   vm.TraceHook
}

// RunOption configures VM construction in NewVM, Run and RunSource.
type RunOption func(*runConfig)

// WithConsoleWriter redirects console output.
func WithConsoleWriter(w io.Writer) RunOption {
	return func(c *runConfig) { c.console = w }
}

// WithGlobal binds a dependency name (such as a custom entry in the
// dependency table) to a Go value, converted with ToValue.
func WithGlobal(name string, val interface{}) RunOption {
	return func(c *runConfig) {
		if c.globals == nil {
			c.globals = map[string]interface{}{}
		}
		c.globals[name] = val
	}
}

// WithTraceHook registers an instruction-level trace callback.
func WithTraceHook(h TraceHook) RunOption {
	return func(c *runConfig) { c.trace = h }
}

// WithTraceLogger traces instruction dispatch through a zerolog logger at
// debug level.
func WithTraceLogger(logger zerolog.Logger) RunOption {
	return func(c *runConfig) { c.trace = vm.ZerologTrace(logger) }
}

// NewVM prepares a packed program for execution.
func NewVM(prog *Program, opts ...RunOption) (*vm.VM, error) {
	var cfg runConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	globals := make(map[string]Value, len(cfg.globals))
	for name, raw := range cfg.globals {
		v, err := ToValue(raw)
		if err != nil {
			return nil, fmt.Errorf("global %q: %w", name, err)
		}
		globals[name] = v
	}
	vmOpts := []vm.Option{}
	if cfg.console != nil {
		vmOpts = append(vmOpts, vm.WithConsoleWriter(cfg.console))
	}
	if cfg.trace != nil {
		vmOpts = append(vmOpts, vm.WithTraceHook(cfg.trace))
	}
	if len(globals) > 0 {
		vmOpts = append(vmOpts, vm.WithDependencyResolver(func(name string) (Value, bool) {
			v, ok := globals[name]
			return v, ok
		}))
	}
	return vm.New(prog, vmOpts...)
}

// Run executes a packed program to completion.
func Run(prog *Program, opts ...RunOption) error {
	machine, err := NewVM(prog, opts...)
	if err != nil {
		return err
	}
	return machine.Run()
}

// RunSource compiles and executes source text in one step.
func RunSource(filename, src string, opts ...RunOption) error {
	prog, err := CompileSource(filename, src)
	if err != nil {
		return err
	}
	return Run(prog, opts...)
}

// ToValue marshals a Go value into a VM value. Supported inputs: nil, bool,
// numeric types, string, slices, maps with string keys, vm.NativeFunc, and
// Value itself.
func ToValue(val interface{}) (Value, error) {
	switch t := val.(type) {
	case nil:
		return vm.Undefined(), nil
	case Value:
		return t, nil
	case bool:
		return vm.Bool(t), nil
	case string:
		return vm.String(t), nil
	case float64:
		return vm.Number(t), nil
	case float32:
		return vm.Number(float64(t)), nil
	case int:
		return vm.Number(float64(t)), nil
	case int32:
		return vm.Number(float64(t)), nil
	case int64:
		return vm.Number(float64(t)), nil
	case uint:
		return vm.Number(float64(t)), nil
	case uint32:
		return vm.Number(float64(t)), nil
	case uint64:
		return vm.Number(float64(t)), nil
	case vm.NativeFunc:
		return vm.NativeFunction("", t), nil
	case func(Value, []Value) (Value, error):
		return vm.NativeFunction("", t), nil
	}

	rv := reflect.ValueOf(val)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		elems := make([]Value, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			el, err := ToValue(rv.Index(i).Interface())
			if err != nil {
				return vm.Undefined(), err
			}
			elems[i] = el
		}
		return vm.NewArray(elems), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return vm.Undefined(), fmt.Errorf("unsupported map key type %s", rv.Type().Key())
		}
		props := make(map[string]Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			el, err := ToValue(iter.Value().Interface())
			if err != nil {
				return vm.Undefined(), err
			}
			props[iter.Key().String()] = el
		}
		return vm.NewObject(props), nil
	default:
		return vm.Undefined(), fmt.Errorf("unsupported value type %T", val)
	}
}

// FromValue converts a VM value back into plain Go data. Functions are not
// convertible.
func FromValue(v Value) (interface{}, error) {
	return fromValueVisiting(v, nil)
}

func fromValueVisiting(v Value, visiting map[interface{}]bool) (interface{}, error) {
	switch v.Kind {
	case vm.KindUndefined:
		return nil, nil
	case vm.KindNumber:
		return v.Num, nil
	case vm.KindString:
		return v.Str, nil
	case vm.KindBool:
		return v.B, nil
	case vm.KindArray:
		if visiting[v.Arr] {
			return nil, fmt.Errorf("cannot convert cyclic value")
		}
		if visiting == nil {
			visiting = make(map[interface{}]bool)
		}
		visiting[v.Arr] = true
		out := make([]interface{}, len(v.Arr.Elems))
		for i, el := range v.Arr.Elems {
			conv, err := fromValueVisiting(el, visiting)
			if err != nil {
				return nil, err
			}
			out[i] = conv
		}
		delete(visiting, v.Arr)
		return out, nil
	case vm.KindObject:
		if visiting[v.Obj] {
			return nil, fmt.Errorf("cannot convert cyclic value")
		}
		if visiting == nil {
			visiting = make(map[interface{}]bool)
		}
		visiting[v.Obj] = true
		out := make(map[string]interface{}, len(v.Obj.Props))
		for k, el := range v.Obj.Props {
			conv, err := fromValueVisiting(el, visiting)
			if err != nil {
				return nil, err
			}
			out[k] = conv
		}
		delete(visiting, v.Obj)
		return out, nil
	default:
		return nil, fmt.Errorf("cannot convert %s value", vm.TypeOf(v))
	}
}
