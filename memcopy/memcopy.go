// Package memcopy writes raw bytes at absolute addresses of a target address
// space through a privileged path, bracketed by cache maintenance.
package memcopy

import (
	"errors"
	"fmt"
	"unsafe"
)

var ErrUnsupported = errors.New("memcopy: privileged writes are not supported on this platform")

// Writer applies raw bytes at an absolute address with cache maintenance.
// Components that patch memory depend only on this interface.
type Writer interface {
	Copy(dst uint64, src []byte) error
}

// Cache maintains the instruction and data caches over an address range.
type Cache interface {
	InvalidateInstructions(addr uint64, n int)
	FlushData(addr uint64, n int)
}

// Mover performs the privileged transfer itself.
type Mover interface {
	Move(dst uint64, src []byte) error
}

// NopCache is used where the platform keeps caches coherent on its own.
type NopCache struct{}

func (NopCache) InvalidateInstructions(uint64, int) {}
func (NopCache) FlushData(uint64, int)              {}

// Privileged brackets a Mover with cache maintenance on both sides of the
// copy. Local covers the source buffer in this process, Remote the
// destination range.
type Privileged struct {
	Local  Cache
	Remote Cache
	Mover  Mover
}

func NewPrivileged(local Cache, remote Cache, mover Mover) *Privileged {
	if local == nil {
		local = NopCache{}
	}
	if remote == nil {
		remote = NopCache{}
	}
	return &Privileged{Local: local, Remote: remote, Mover: mover}
}

func (privileged *Privileged) Copy(dst uint64, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	if privileged.Mover == nil {
		return errors.New("memcopy: no mover configured")
	}

	n := len(src)
	srcAddr := uint64(uintptr(unsafe.Pointer(&src[0])))

	privileged.Local.InvalidateInstructions(srcAddr, n)
	privileged.Local.FlushData(srcAddr, n)

	err := privileged.Mover.Move(dst, src)

	// The destination may hold code about to run even after a partial move.
	privileged.Remote.InvalidateInstructions(dst, n)
	privileged.Remote.FlushData(dst, n)

	if err != nil {
		return fmt.Errorf("memcopy: copy %d bytes to 0x%08x: %w", n, dst, err)
	}
	return nil
}

// Translator maps an effective address to a physical one.
type Translator interface {
	EffectiveToPhysical(addr uint64) (uint64, error)
}

// PhysicalCopier copies between physical addresses. The source bytes are
// passed alongside their physical address for implementations that cannot
// dereference physical memory directly.
type PhysicalCopier interface {
	CopyPhysical(dstPhys uint64, srcPhys uint64, src []byte) error
}

// Physical is a Mover that translates both addresses before copying. It is
// the write path for targets without a kernel mediated one, where the caller
// supplies the effective-to-physical translation and a physical copy
// routine. No Linux target uses it.
type Physical struct {
	Translator Translator
	Copier     PhysicalCopier
}

func (physical Physical) Move(dst uint64, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	srcAddr := uint64(uintptr(unsafe.Pointer(&src[0])))

	srcPhys, err := physical.Translator.EffectiveToPhysical(srcAddr)
	if err != nil {
		return fmt.Errorf("translate source 0x%x: %w", srcAddr, err)
	}
	dstPhys, err := physical.Translator.EffectiveToPhysical(dst)
	if err != nil {
		return fmt.Errorf("translate destination 0x%x: %w", dst, err)
	}
	return physical.Copier.CopyPhysical(dstPhys, srcPhys, src)
}

// Mode selects how a live target process is written.
type Mode string

const (
	ModeProcMem  Mode = "procmem"
	ModeVMWritev Mode = "vmwritev"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeProcMem, ModeVMWritev:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("memcopy: unknown mode %q", s)
	}
}

// CoherentInstructionCache reports whether goarch keeps the instruction
// cache coherent with data writes made by another agent, so that code
// written without explicit maintenance is seen by the target.
func CoherentInstructionCache(goarch string) bool {
	switch goarch {
	case "386", "amd64", "s390x":
		return true
	default:
		return false
	}
}

// Target is a privileged Writer into a live process. Close releases the
// underlying handle.
type Target struct {
	*Privileged
	pid   int
	close func() error
}

func (target *Target) PID() int {
	return target.pid
}

func (target *Target) Close() error {
	if target.close == nil {
		return nil
	}
	err := target.close()
	target.close = nil
	return err
}
