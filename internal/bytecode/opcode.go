package bytecode

// Opcodes for the protected instruction set. The numeric assignment is a
// fixed contract between the compiler and the virtual machine; renumbering
// breaks every previously packaged program.
const (
	OP_ADD byte = iota
	OP_SUB
	OP_MUL
	OP_DIV
	OP_MOD

	// NEG is logical not; NOT is bitwise not.
	OP_NEG
	OP_TYPEOF
	OP_NOT

	OP_EQUAL
	OP_STRICT_EQUAL
	OP_NOT_EQUAL
	OP_STRICT_NOT_EQUAL
	OP_LESS_THAN
	OP_LESS_THAN_EQUAL
	OP_GREATER_THAN
	OP_GREATER_THAN_EQUAL

	OP_AND
	OP_OR
	OP_XOR
	OP_LEFT_SHIFT
	OP_RIGHT_SHIFT
	OP_UNSIGNED_RIGHT_SHIFT

	OP_STORE
	OP_PUSH
	OP_POP

	OP_GET_PROPERTY
	OP_INIT_ARRAY
	OP_INIT_OBJECT
	OP_INIT_CONSTRUCTOR

	OP_CALL
	OP_APPLY
	OP_CALL_MEMBER_EXPRESSION

	OP_JMP
	OP_JMP_IF_ELSE
	OP_JMP_NO_TRACEBACK
	OP_LOOP
	OP_EXIT
	OP_EXIT_IF
)

// Operand header tags. Each tag fixes how many payload bytes follow it in the
// stream: LOAD_NUMBER and LOAD_STRING carry a fixed 8-byte big-endian field
// (IEEE-754 bits and a string-table index respectively), FETCH_DEPENDENCY and
// FETCH_VARIABLE carry a single index byte, and the remaining tags are
// zero-width sentinels.
const (
	LOAD_STRING byte = iota
	LOAD_NUMBER
	LOAD_ARRAY
	LOAD_UNDEFINED
	FETCH_DEPENDENCY
	FETCH_VARIABLE
	POP_STACK
)

var opcodeNames = map[byte]string{
	OP_ADD:                    "ADD",
	OP_SUB:                    "SUB",
	OP_MUL:                    "MUL",
	OP_DIV:                    "DIV",
	OP_MOD:                    "MOD",
	OP_NEG:                    "NEG",
	OP_TYPEOF:                 "TYPEOF",
	OP_NOT:                    "NOT",
	OP_EQUAL:                  "EQUAL",
	OP_STRICT_EQUAL:           "STRICT_EQUAL",
	OP_NOT_EQUAL:              "NOT_EQUAL",
	OP_STRICT_NOT_EQUAL:       "STRICT_NOT_EQUAL",
	OP_LESS_THAN:              "LESS_THAN",
	OP_LESS_THAN_EQUAL:        "LESS_THAN_EQUAL",
	OP_GREATER_THAN:           "GREATER_THAN",
	OP_GREATER_THAN_EQUAL:     "GREATER_THAN_EQUAL",
	OP_AND:                    "AND",
	OP_OR:                     "OR",
	OP_XOR:                    "XOR",
	OP_LEFT_SHIFT:             "LEFT_SHIFT",
	OP_RIGHT_SHIFT:            "RIGHT_SHIFT",
	OP_UNSIGNED_RIGHT_SHIFT:   "UNSIGNED_RIGHT_SHIFT",
	OP_STORE:                  "STORE",
	OP_PUSH:                   "PUSH",
	OP_POP:                    "POP",
	OP_GET_PROPERTY:           "GET_PROPERTY",
	OP_INIT_ARRAY:             "INIT_ARRAY",
	OP_INIT_OBJECT:            "INIT_OBJECT",
	OP_INIT_CONSTRUCTOR:       "INIT_CONSTRUCTOR",
	OP_CALL:                   "CALL",
	OP_APPLY:                  "APPLY",
	OP_CALL_MEMBER_EXPRESSION: "CALL_MEMBER_EXPRESSION",
	OP_JMP:                    "JMP",
	OP_JMP_IF_ELSE:            "JMP_IF_ELSE",
	OP_JMP_NO_TRACEBACK:       "JMP_NO_TRACEBACK",
	OP_LOOP:                   "LOOP",
	OP_EXIT:                   "EXIT",
	OP_EXIT_IF:                "EXIT_IF",
}

var headerNames = map[byte]string{
	LOAD_STRING:      "LOAD_STRING",
	LOAD_NUMBER:      "LOAD_NUMBER",
	LOAD_ARRAY:       "LOAD_ARRAY",
	LOAD_UNDEFINED:   "LOAD_UNDEFINED",
	FETCH_DEPENDENCY: "FETCH_DEPENDENCY",
	FETCH_VARIABLE:   "FETCH_VARIABLE",
	POP_STACK:        "POP_STACK",
}

// OpcodeName returns the mnemonic for an opcode byte, or "" if unassigned.
func OpcodeName(op byte) string {
	return opcodeNames[op]
}

// HeaderName returns the mnemonic for an operand header tag.
func HeaderName(tag byte) string {
	return headerNames[tag]
}
