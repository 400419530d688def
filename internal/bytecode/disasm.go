package bytecode

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// Disassembler formats an IL as a readable assembly-style dump, one labeled
// block per section with main last, matching the encoder's layout order.
type Disassembler struct {
	w       io.Writer
	printed bool
}

// NewDisassembler constructs a disassembler that writes to w.
func NewDisassembler(w io.Writer) *Disassembler {
	return &Disassembler{w: w}
}

// Disassemble emits a readable dump for every block in the IL.
func (d *Disassembler) Disassemble(il IL) error {
	if il == nil {
		return fmt.Errorf("nil IL")
	}
	for _, label := range LayoutOrder(il) {
		if err := d.DisassembleBlock(label, il[label]); err != nil {
			return err
		}
	}
	return nil
}

// DisassembleBlock emits a readable dump for a single labeled block.
func (d *Disassembler) DisassembleBlock(label string, block *Block) error {
	if block == nil {
		return fmt.Errorf("nil block %q", label)
	}
	d.startSection()
	fmt.Fprintf(d.w, "%s:\n", label)
	for i, instr := range block.Instructions {
		name := OpcodeName(instr.Op)
		if name == "" {
			name = fmt.Sprintf("?op(%d)", instr.Op)
		}
		fmt.Fprintf(d.w, "%04d %-24s", i, name)
		if len(instr.Args) > 0 {
			parts := make([]string, len(instr.Args))
			for j, arg := range instr.Args {
				parts[j] = arg.String()
			}
			fmt.Fprintf(d.w, " %s", strings.Join(parts, ", "))
		}
		fmt.Fprintln(d.w)
	}
	return nil
}

func (d *Disassembler) startSection() {
	if d.printed {
		fmt.Fprintln(d.w)
	}
	d.printed = true
}

// LayoutOrder returns the deterministic block order used for both encoding
// and disassembly: every non-entry label sorted lexicographically, then the
// entry block last.
func LayoutOrder(il IL) []string {
	labels := make([]string, 0, len(il))
	for label := range il {
		if label == EntryLabel {
			continue
		}
		labels = append(labels, label)
	}
	sort.Strings(labels)
	if _, ok := il[EntryLabel]; ok {
		labels = append(labels, EntryLabel)
	}
	return labels
}
