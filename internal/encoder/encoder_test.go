package encoder

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/klauspost/compress/flate"

	"github.com/yxzlwz/KProtect/internal/bytecode"
)

func decodeStream(t *testing.T, prog *bytecode.Program) []byte {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(prog.Bytecode)
	if err != nil {
		t.Fatalf("base64 decode: %v", err)
	}
	fr := flate.NewReader(bytes.NewReader(raw))
	out, err := io.ReadAll(fr)
	if err != nil {
		t.Fatalf("inflate: %v", err)
	}
	return out
}

func TestEncodeStreamBytes(t *testing.T) {
	il := bytecode.IL{
		bytecode.EntryLabel: {Instructions: []bytecode.Instruction{
			bytecode.Instr(bytecode.OP_PUSH, bytecode.NumberArg(1)),
			bytecode.Instr(bytecode.OP_POP, bytecode.VariableArg(0)),
		}},
	}
	prog, err := Encode(il)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}

	want := []byte{bytecode.OP_PUSH, bytecode.LOAD_NUMBER}
	want = binary.BigEndian.AppendUint64(want, math.Float64bits(1))
	want = append(want, bytecode.OP_POP, bytecode.FETCH_VARIABLE, 0)

	if got := decodeStream(t, prog); !bytes.Equal(got, want) {
		t.Fatalf("stream mismatch\n got: %v\nwant: %v", got, want)
	}
}

func TestEncodeLayoutEntryLast(t *testing.T) {
	il := bytecode.IL{
		bytecode.EntryLabel: {Instructions: []bytecode.Instruction{bytecode.Instr(bytecode.OP_LOOP)}},
		"beta_1_2":          {Instructions: []bytecode.Instruction{bytecode.Instr(bytecode.OP_LOOP)}},
		"alpha_3_4":         {Instructions: []bytecode.Instruction{bytecode.Instr(bytecode.OP_LOOP)}},
	}
	prog, err := Encode(il)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	if prog.Lookup["alpha_3_4"] != 0 || prog.Lookup["beta_1_2"] != 1 {
		t.Fatalf("non-entry blocks must be laid out sorted: %v", prog.Lookup)
	}
	if prog.Lookup[bytecode.EntryLabel] != 2 {
		t.Fatalf("entry block must be last: %v", prog.Lookup)
	}
}

func TestEncodeStringInterning(t *testing.T) {
	il := bytecode.IL{
		bytecode.EntryLabel: {Instructions: []bytecode.Instruction{
			bytecode.Instr(bytecode.OP_PUSH, bytecode.StringArg("x")),
			bytecode.Instr(bytecode.OP_PUSH, bytecode.StringArg("x")),
			bytecode.Instr(bytecode.OP_PUSH, bytecode.StringArg("y")),
		}},
	}
	prog, err := Encode(il)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	if len(prog.Strings) != 2 || prog.Strings[0] != "x" || prog.Strings[1] != "y" {
		t.Fatalf("string table: got %v", prog.Strings)
	}
	stream := decodeStream(t, prog)
	// each PUSH LOAD_STRING is 10 bytes; the index lives in the last byte
	// of each big-endian field
	indexes := []byte{stream[9], stream[19], stream[29]}
	if indexes[0] != 0 || indexes[1] != 0 || indexes[2] != 1 {
		t.Fatalf("interned indexes: got %v", indexes)
	}
}

func TestEncodeDependencyTable(t *testing.T) {
	il := bytecode.IL{bytecode.EntryLabel: {}}
	prog, err := Encode(il)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	want := []string{"globalThis", "console"}
	if len(prog.Dependencies) != len(want) {
		t.Fatalf("dependencies: got %v", prog.Dependencies)
	}
	for i := range want {
		if prog.Dependencies[i] != want[i] {
			t.Fatalf("dependencies: got %v, want %v", prog.Dependencies, want)
		}
	}
}

func TestValidateMissingEntryBlock(t *testing.T) {
	il := bytecode.IL{"aside_1_2": {}}
	_, err := Encode(il)
	var missing *MissingLabelError
	if !errors.As(err, &missing) || missing.Label != bytecode.EntryLabel {
		t.Fatalf("expected missing entry label, got %v", err)
	}
}

func TestValidateMissingJumpTarget(t *testing.T) {
	il := bytecode.IL{
		bytecode.EntryLabel: {Instructions: []bytecode.Instruction{
			bytecode.Instr(bytecode.OP_JMP, bytecode.StringArg("nowhere_0_0")),
		}},
	}
	_, err := Encode(il)
	var missing *MissingLabelError
	if !errors.As(err, &missing) || missing.Label != "nowhere_0_0" {
		t.Fatalf("expected missing jump label, got %v", err)
	}
}

func TestValidateOptionalElseTarget(t *testing.T) {
	il := bytecode.IL{
		bytecode.EntryLabel: {Instructions: []bytecode.Instruction{
			bytecode.Instr(bytecode.OP_PUSH, bytecode.NumberArg(1)),
			bytecode.Instr(bytecode.OP_JMP_IF_ELSE,
				bytecode.StringArg("then_0_0"), bytecode.UndefinedArg()),
		}},
		"then_0_0": {Instructions: []bytecode.Instruction{bytecode.Instr(bytecode.OP_EXIT)}},
	}
	if _, err := Encode(il); err != nil {
		t.Fatalf("undefined else target must validate: %v", err)
	}

	il[bytecode.EntryLabel].Instructions[1].Args[1] = bytecode.StringArg("gone_0_0")
	if _, err := Encode(il); err == nil {
		t.Fatalf("present else target must still be a known label")
	}
}

func TestValidateSlotIndexRange(t *testing.T) {
	il := bytecode.IL{
		bytecode.EntryLabel: {Instructions: []bytecode.Instruction{
			bytecode.Instr(bytecode.OP_PUSH, bytecode.VariableArg(300)),
		}},
	}
	if _, err := Encode(il); err == nil {
		t.Fatalf("slot index above 255 must fail validation")
	}
}

func TestEncodeRejectsUnassignedOpcode(t *testing.T) {
	il := bytecode.IL{
		bytecode.EntryLabel: {Instructions: []bytecode.Instruction{
			bytecode.Instr(0xEE),
		}},
	}
	if _, err := Encode(il); err == nil {
		t.Fatalf("unassigned opcode must fail encoding")
	}
}
