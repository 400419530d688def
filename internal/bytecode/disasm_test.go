package bytecode

import (
	"bytes"
	"strings"
	"testing"
)

func TestLayoutOrderEntryLast(t *testing.T) {
	il := IL{
		EntryLabel:   {},
		"while_9_20": {},
		"if_3_8":     {},
	}
	got := LayoutOrder(il)
	want := []string{"if_3_8", "while_9_20", EntryLabel}
	if len(got) != len(want) {
		t.Fatalf("layout: got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("layout: got %v, want %v", got, want)
		}
	}
}

func TestDisassembleListing(t *testing.T) {
	il := IL{
		EntryLabel: {Instructions: []Instruction{
			Instr(OP_STORE, NumberArg(0), VariableArg(0)),
			Instr(OP_JMP, StringArg("while_0_0")),
		}},
		"while_0_0": {Instructions: []Instruction{
			Instr(OP_PUSH, VariableArg(0)),
			Instr(OP_NEG),
			Instr(OP_EXIT_IF),
			Instr(OP_LOOP),
		}},
	}
	var out bytes.Buffer
	if err := NewDisassembler(&out).Disassemble(il); err != nil {
		t.Fatalf("disassemble error: %v", err)
	}
	listing := out.String()
	for _, want := range []string{"while_0_0:", "main:", "STORE", `JMP`, "var(0)", `"while_0_0"`} {
		if !strings.Contains(listing, want) {
			t.Fatalf("listing missing %q:\n%s", want, listing)
		}
	}
	if strings.Index(listing, "while_0_0:") > strings.Index(listing, "main:") {
		t.Fatalf("entry block must print last:\n%s", listing)
	}
}

func TestArgumentString(t *testing.T) {
	cases := []struct {
		arg  Argument
		want string
	}{
		{NumberArg(1.5), "1.5"},
		{StringArg("x"), `"x"`},
		{UndefinedArg(), "undefined"},
		{ArrayArg(), "[]"},
		{DependencyArg(1), "dep(1)"},
		{VariableArg(7), "var(7)"},
		{PopStackArg(), "pop()"},
	}
	for _, tc := range cases {
		if got := tc.arg.String(); got != tc.want {
			t.Fatalf("Argument.String: got %q, want %q", got, tc.want)
		}
	}
}

func TestProgramMarshalStable(t *testing.T) {
	p := &Program{
		Bytecode:     "AAAA",
		Strings:      []string{"log"},
		Lookup:       map[string]int{EntryLabel: 0, "while_0_0": 4},
		Dependencies: []string{"globalThis", "console"},
	}
	a, err := p.Marshal()
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	b, err := p.Marshal()
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("canonical encoding must be byte-stable")
	}
	restored, err := UnmarshalProgram(a)
	if err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if restored.Bytecode != p.Bytecode || restored.Lookup["while_0_0"] != 4 {
		t.Fatalf("round trip mismatch: %#v", restored)
	}
}
