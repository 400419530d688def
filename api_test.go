package kprotect_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	kprotect "github.com/yxzlwz/KProtect"
	"github.com/yxzlwz/KProtect/internal/bytecode"
	"github.com/yxzlwz/KProtect/internal/compiler"
	"github.com/yxzlwz/KProtect/internal/vm"
)

func runScript(t *testing.T, src string, opts ...kprotect.RunOption) string {
	t.Helper()
	var out bytes.Buffer
	opts = append(opts, kprotect.WithConsoleWriter(&out))
	if err := kprotect.RunSource("test.js", src, opts...); err != nil {
		t.Fatalf("run error: %v", err)
	}
	return out.String()
}

func TestRunArithmetic(t *testing.T) {
	out := runScript(t, `var x = (1 + 2) * 3; console.log(x);`)
	if out != "9\n" {
		t.Fatalf("output: got %q", out)
	}
}

func TestRunStringMethods(t *testing.T) {
	out := runScript(t, `var s = "ab" + 3; console.log(s.toUpperCase(), s.length);`)
	if out != "AB3 3\n" {
		t.Fatalf("output: got %q", out)
	}
}

func TestRunIfElse(t *testing.T) {
	src := `
var x = 10;
if (x > 5) {
  console.log("big");
} else {
  console.log("small");
}
`
	if out := runScript(t, src); out != "big\n" {
		t.Fatalf("then branch: got %q", out)
	}
	if out := runScript(t, strings.Replace(src, "var x = 10;", "var x = 1;", 1)); out != "small\n" {
		t.Fatalf("else branch: got %q", out)
	}
}

func TestRunWhileLoop(t *testing.T) {
	var jumps, loops int
	hook := func(info kprotect.TraceInfo) {
		switch info.Name {
		case "JMP":
			jumps++
		case "LOOP":
			loops++
		}
	}
	out := runScript(t, `var i = 0; while (i < 3) { i = i + 1; } console.log(i);`,
		kprotect.WithTraceHook(hook))
	if out != "3\n" {
		t.Fatalf("output: got %q", out)
	}
	// one continuation-pushing jump in, three back-edges
	if jumps != 1 || loops != 3 {
		t.Fatalf("dispatch counts: jumps=%d loops=%d", jumps, loops)
	}
}

func TestRunForLoop(t *testing.T) {
	out := runScript(t, `var total = 0; for (var i = 0; i < 5; i++) { total = total + i; } console.log(total);`)
	if out != "10\n" {
		t.Fatalf("output: got %q", out)
	}
}

func TestRunBreak(t *testing.T) {
	out := runScript(t, `while (1) { break; } console.log("done");`)
	if out != "done\n" {
		t.Fatalf("output: got %q", out)
	}
}

func TestRunArrays(t *testing.T) {
	out := runScript(t, `var a = [1, 2, 3]; console.log(a[0], a[1], a[2], a.length);`)
	if out != "1 2 3 3\n" {
		t.Fatalf("element order: got %q", out)
	}
	out = runScript(t, `var a = [1, 2, 3]; a.push(4); console.log(a.join("-"));`)
	if out != "1-2-3-4\n" {
		t.Fatalf("join: got %q", out)
	}
	out = runScript(t, `var a = [1]; a.push(a); console.log("" + a);`)
	if out != "1,\n" {
		t.Fatalf("self-referential array: got %q", out)
	}
}

func TestRunUnicodeStrings(t *testing.T) {
	out := runScript(t, `var s = "héllo"; console.log(s.length, "日本".indexOf("本"), s.slice(1, 3));`)
	if out != "5 1 él\n" {
		t.Fatalf("output: got %q", out)
	}
}

func TestRunNumberRadix(t *testing.T) {
	out := runScript(t, `var n = 2.5; var m = 255; console.log(m.toString(16), n.toString(2));`)
	if out != "ff 10.1\n" {
		t.Fatalf("output: got %q", out)
	}
}

func TestRunObjects(t *testing.T) {
	out := runScript(t, `var o = { a: 1, b: 2 }; console.log(o.a + o.b, o.missing);`)
	if out != "3 undefined\n" {
		t.Fatalf("output: got %q", out)
	}
}

func TestRunHostGlobals(t *testing.T) {
	out := runScript(t, `console.log(Math.floor(2.7), JSON.stringify([1, 2]), parseInt("2f", 16));`)
	if out != "2 [1,2] 47\n" {
		t.Fatalf("output: got %q", out)
	}
}

func TestRunTypeof(t *testing.T) {
	out := runScript(t, `console.log(typeof 1, typeof "x", typeof undefined, typeof [1]);`)
	if out != "number string undefined object\n" {
		t.Fatalf("output: got %q", out)
	}
}

func TestCompileUnresolvedReference(t *testing.T) {
	_, err := kprotect.CompileSource("test.js", `foo();`)
	var unresolved *compiler.UnresolvedError
	if !errors.As(err, &unresolved) || unresolved.Name != "foo" {
		t.Fatalf("expected unresolved reference to foo, got %v", err)
	}
}

func TestCompileUnsupportedConstruct(t *testing.T) {
	_, err := kprotect.CompileSource("test.js", `var f = function () {};`)
	var unsupported *compiler.UnsupportedError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected unsupported-construct error, got %v", err)
	}
}

func TestDoctoredLookupFaults(t *testing.T) {
	prog, err := kprotect.CompileSource("test.js", `var i = 0; while (i < 3) { i = i + 1; }`)
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	for label := range prog.Lookup {
		if label != "main" {
			delete(prog.Lookup, label)
		}
	}
	err = kprotect.Run(prog)
	if !errors.Is(err, vm.ErrIllegalJump) {
		t.Fatalf("expected illegal-jump fault, got %v", err)
	}
	var fault *kprotect.Fault
	if !errors.As(err, &fault) {
		t.Fatalf("expected a Fault, got %T", err)
	}
}

func TestProgramMarshalRoundTrip(t *testing.T) {
	prog, err := kprotect.CompileSource("test.js", `console.log(1 + 1);`)
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	raw, err := prog.Marshal()
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	restored, err := bytecode.UnmarshalProgram(raw)
	if err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	var out bytes.Buffer
	if err := kprotect.Run(restored, kprotect.WithConsoleWriter(&out)); err != nil {
		t.Fatalf("run error: %v", err)
	}
	if out.String() != "2\n" {
		t.Fatalf("output: got %q", out.String())
	}
}

func TestWithGlobalOverridesConsole(t *testing.T) {
	var got []kprotect.Value
	log := vm.NativeFunc(func(_ vm.Value, args []vm.Value) (vm.Value, error) {
		got = append(got, args...)
		return vm.Undefined(), nil
	})
	err := kprotect.RunSource("test.js", `console.log(1, "x");`,
		kprotect.WithGlobal("console", map[string]interface{}{"log": log}))
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if len(got) != 2 || got[0].Num != 1 || got[1].Str != "x" {
		t.Fatalf("captured args: got %#v", got)
	}
}

func TestToValueFromValueRoundTrip(t *testing.T) {
	in := map[string]interface{}{
		"n": 1.5,
		"s": "hi",
		"l": []interface{}{1, "two"},
	}
	v, err := kprotect.ToValue(in)
	if err != nil {
		t.Fatalf("ToValue error: %v", err)
	}
	back, err := kprotect.FromValue(v)
	if err != nil {
		t.Fatalf("FromValue error: %v", err)
	}
	m, ok := back.(map[string]interface{})
	if !ok {
		t.Fatalf("expected a map, got %T", back)
	}
	if m["n"] != 1.5 || m["s"] != "hi" {
		t.Fatalf("round trip mismatch: %#v", m)
	}
	l, ok := m["l"].([]interface{})
	if !ok || len(l) != 2 || l[0] != 1.0 || l[1] != "two" {
		t.Fatalf("list round trip mismatch: %#v", m["l"])
	}
}

func TestFromValueCyclic(t *testing.T) {
	a := vm.NewArray([]vm.Value{vm.Number(1)})
	a.Arr.Elems = append(a.Arr.Elems, a)
	if _, err := kprotect.FromValue(a); err == nil {
		t.Fatalf("cyclic array must not convert")
	}
	o := vm.NewObject(nil)
	o.Obj.Props["self"] = o
	if _, err := kprotect.FromValue(o); err == nil {
		t.Fatalf("cyclic object must not convert")
	}
}

func TestDisassembleListing(t *testing.T) {
	tree, err := kprotect.Parse("test.js", `var i = 0; while (i < 2) { i = i + 1; }`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	il, err := kprotect.Compile(tree)
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	var out bytes.Buffer
	if err := kprotect.Disassemble(&out, il); err != nil {
		t.Fatalf("disassemble error: %v", err)
	}
	listing := out.String()
	if !strings.Contains(listing, "while_") || !strings.Contains(listing, "EXIT_IF") {
		t.Fatalf("listing missing loop block:\n%s", listing)
	}
	if strings.Index(listing, "while_") > strings.Index(listing, "main:") {
		t.Fatalf("entry block must be printed last:\n%s", listing)
	}
}
