package encoder

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/klauspost/compress/flate"

	"github.com/yxzlwz/KProtect/internal/bytecode"
	"github.com/yxzlwz/KProtect/internal/compiler"
)

// MissingLabelError reports a jump whose target label has no block in the IL.
type MissingLabelError struct {
	Label string
}

func (e *MissingLabelError) Error() string {
	return "missing jump label: " + e.Label
}

// Encode serializes an IL into a packaged program: blocks are laid out in
// deterministic order with the entry block last, every label gets a byte
// offset in the lookup table, string operands are deduplicated into the
// string table, and the stream is deflated and base64-encoded.
func Encode(il bytecode.IL) (*bytecode.Program, error) {
	if err := Validate(il); err != nil {
		return nil, err
	}

	table := newStringTable()
	lookup := make(map[string]int, len(il))
	var raw []byte
	for _, label := range bytecode.LayoutOrder(il) {
		lookup[label] = len(raw)
		for _, instr := range il[label].Instructions {
			var err error
			raw, err = appendInstruction(raw, instr, table)
			if err != nil {
				return nil, fmt.Errorf("block %s: %w", label, err)
			}
		}
	}

	var compressed bytes.Buffer
	fw, err := flate.NewWriter(&compressed, flate.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("deflate init: %w", err)
	}
	if _, err := fw.Write(raw); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, fmt.Errorf("deflate close: %w", err)
	}

	return &bytecode.Program{
		Bytecode:     base64.StdEncoding.EncodeToString(compressed.Bytes()),
		Strings:      table.list,
		Lookup:       lookup,
		Dependencies: compiler.DependencyNames(),
	}, nil
}

// Validate checks the IL is serializable: the entry block exists, every jump
// names a label with a block, and every index operand fits in its byte.
func Validate(il bytecode.IL) error {
	if il == nil {
		return fmt.Errorf("nil IL")
	}
	if _, ok := il[bytecode.EntryLabel]; !ok {
		return &MissingLabelError{Label: bytecode.EntryLabel}
	}
	for label, block := range il {
		if block == nil {
			return fmt.Errorf("block %s: nil block", label)
		}
		for _, instr := range block.Instructions {
			if err := validateInstruction(il, instr); err != nil {
				return fmt.Errorf("block %s: %w", label, err)
			}
		}
	}
	return nil
}

func validateInstruction(il bytecode.IL, instr bytecode.Instruction) error {
	switch instr.Op {
	case bytecode.OP_JMP, bytecode.OP_JMP_NO_TRACEBACK:
		if len(instr.Args) != 1 {
			return fmt.Errorf("%s expects 1 operand, has %d", bytecode.OpcodeName(instr.Op), len(instr.Args))
		}
		return validateJumpTarget(il, instr.Args[0], false)
	case bytecode.OP_JMP_IF_ELSE:
		if len(instr.Args) != 2 {
			return fmt.Errorf("JMP_IF_ELSE expects 2 operands, has %d", len(instr.Args))
		}
		if err := validateJumpTarget(il, instr.Args[0], false); err != nil {
			return err
		}
		return validateJumpTarget(il, instr.Args[1], true)
	}
	for _, arg := range instr.Args {
		if arg.Tag == bytecode.FETCH_DEPENDENCY || arg.Tag == bytecode.FETCH_VARIABLE {
			if arg.Index < 0 || arg.Index > 0xFF {
				return fmt.Errorf("%s index %d does not fit one byte",
					bytecode.HeaderName(arg.Tag), arg.Index)
			}
		}
	}
	return nil
}

func validateJumpTarget(il bytecode.IL, arg bytecode.Argument, optional bool) error {
	if optional && arg.Tag == bytecode.LOAD_UNDEFINED {
		return nil
	}
	if arg.Tag != bytecode.LOAD_STRING {
		return fmt.Errorf("jump target must be a string operand, got %s", bytecode.HeaderName(arg.Tag))
	}
	if _, ok := il[arg.Str]; !ok {
		return &MissingLabelError{Label: arg.Str}
	}
	return nil
}

func appendInstruction(raw []byte, instr bytecode.Instruction, table *stringTable) ([]byte, error) {
	if bytecode.OpcodeName(instr.Op) == "" {
		return nil, fmt.Errorf("unassigned opcode %d", instr.Op)
	}
	raw = append(raw, instr.Op)
	for _, arg := range instr.Args {
		var err error
		raw, err = appendArgument(raw, arg, table)
		if err != nil {
			return nil, err
		}
	}
	return raw, nil
}

func appendArgument(raw []byte, arg bytecode.Argument, table *stringTable) ([]byte, error) {
	raw = append(raw, arg.Tag)
	switch arg.Tag {
	case bytecode.LOAD_NUMBER:
		raw = binary.BigEndian.AppendUint64(raw, math.Float64bits(arg.Num))
	case bytecode.LOAD_STRING:
		raw = binary.BigEndian.AppendUint64(raw, uint64(table.intern(arg.Str)))
	case bytecode.FETCH_DEPENDENCY, bytecode.FETCH_VARIABLE:
		raw = append(raw, byte(arg.Index))
	case bytecode.LOAD_ARRAY, bytecode.LOAD_UNDEFINED, bytecode.POP_STACK:
		// zero-width sentinels
	default:
		return nil, fmt.Errorf("unassigned operand tag %d", arg.Tag)
	}
	return raw, nil
}

type stringTable struct {
	index map[string]int
	list  []string
}

func newStringTable() *stringTable {
	return &stringTable{index: make(map[string]int)}
}

func (t *stringTable) intern(s string) int {
	if idx, ok := t.index[s]; ok {
		return idx
	}
	idx := len(t.list)
	t.index[s] = idx
	t.list = append(t.list, s)
	return idx
}
