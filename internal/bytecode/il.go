package bytecode

import (
	"fmt"
	"strconv"
)

// EntryLabel is the block top-level statements compile into. The encoder
// places it last in the stream so execution terminates by running off the end.
const EntryLabel = "main"

// Argument is a single tagged instruction operand.
type Argument struct {
	Tag   byte
	Num   float64 // LOAD_NUMBER
	Str   string  // LOAD_STRING, interned by the encoder
	Index int     // FETCH_DEPENDENCY / FETCH_VARIABLE
}

func NumberArg(n float64) Argument  { return Argument{Tag: LOAD_NUMBER, Num: n} }
func StringArg(s string) Argument   { return Argument{Tag: LOAD_STRING, Str: s} }
func ArrayArg() Argument            { return Argument{Tag: LOAD_ARRAY} }
func UndefinedArg() Argument        { return Argument{Tag: LOAD_UNDEFINED} }
func DependencyArg(i int) Argument  { return Argument{Tag: FETCH_DEPENDENCY, Index: i} }
func VariableArg(slot int) Argument { return Argument{Tag: FETCH_VARIABLE, Index: slot} }
func PopStackArg() Argument         { return Argument{Tag: POP_STACK} }

func (a Argument) String() string {
	switch a.Tag {
	case LOAD_STRING:
		return strconv.Quote(a.Str)
	case LOAD_NUMBER:
		return strconv.FormatFloat(a.Num, 'g', -1, 64)
	case LOAD_ARRAY:
		return "[]"
	case LOAD_UNDEFINED:
		return "undefined"
	case FETCH_DEPENDENCY:
		return fmt.Sprintf("dep(%d)", a.Index)
	case FETCH_VARIABLE:
		return fmt.Sprintf("var(%d)", a.Index)
	case POP_STACK:
		return "pop()"
	default:
		return fmt.Sprintf("?tag(%d)", a.Tag)
	}
}

// Instruction is an opcode with its ordered operands.
type Instruction struct {
	Op   byte
	Args []Argument
}

func Instr(op byte, args ...Argument) Instruction {
	return Instruction{Op: op, Args: args}
}

// Block is an ordered instruction sequence addressed by a label. InheritsEnv
// records whether the block shares the enclosing variable environment; the
// supported language subset only ever produces inheriting blocks.
type Block struct {
	Instructions []Instruction
	InheritsEnv  bool
}

// IL is the intermediate language: a mapping from label to block. Labels are
// derived from source spans, so recompiling identical source is label-stable.
type IL map[string]*Block
