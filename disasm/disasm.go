// Package disasm renders PowerPC code found in patch payloads and code
// segments.
package disasm

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/ppc64/ppc64asm"
)

type Line struct {
	Addr uint64
	Bin  []byte
	Text string
}

func (line Line) String() string {
	return fmt.Sprintf("%08x:  %-17x %s", line.Addr, line.Bin, line.Text)
}

// Disassemble decodes code as if loaded at base. Words that do not decode
// are emitted as .long, a tail shorter than one word as .byte.
func Disassemble(code []byte, base uint64, order binary.ByteOrder) []Line {
	var lines []Line
	for off := 0; off < len(code); {
		pc := base + uint64(off)
		remaining := code[off:]
		if len(remaining) < 4 {
			lines = append(lines, Line{Addr: pc, Bin: remaining, Text: byteDirective(remaining)})
			break
		}

		inst, err := ppc64asm.Decode(remaining, order)
		if err != nil || inst.Len == 0 {
			lines = append(lines, Line{
				Addr: pc,
				Bin:  remaining[:4],
				Text: fmt.Sprintf(".long 0x%08x", order.Uint32(remaining)),
			})
			off += 4
			continue
		}

		lines = append(lines, Line{
			Addr: pc,
			Bin:  remaining[:inst.Len],
			Text: ppc64asm.GNUSyntax(inst, pc),
		})
		off += inst.Len
	}
	return lines
}

func byteDirective(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("0x%02x", v)
	}
	return ".byte " + strings.Join(parts, ",")
}
