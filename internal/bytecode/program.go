package bytecode

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Program is the packaged form consumed by the virtual machine: the deflated,
// base64-encoded instruction stream plus the three side tables every run
// needs. Dependencies lists host-global names in table order; the entry for
// the root binding is resolved against the actual host at VM construction.
type Program struct {
	Bytecode     string         `cbor:"bytecode"`
	Strings      []string       `cbor:"strings"`
	Lookup       map[string]int `cbor:"lookup"`
	Dependencies []string       `cbor:"dependencies"`
}

// cborEncMode uses canonical options so packaged programs are byte-stable
// across encodes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Marshal serializes a packaged program to CBOR bytes.
func (p *Program) Marshal() ([]byte, error) {
	return cborEncMode.Marshal(p)
}

// UnmarshalProgram deserializes a packaged program from CBOR bytes.
func UnmarshalProgram(data []byte) (*Program, error) {
	var p Program
	if err := cbor.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("bytecode: unmarshal program: %w", err)
	}
	return &p, nil
}
