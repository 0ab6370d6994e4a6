//go:build linux

package memcopy

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// OpenTarget prepares privileged writes into process pid. Writes through
// /proc/<pid>/mem go through the kernel's ptrace access path, which flushes
// the instruction cache of the pages it touches. process_vm_writev does no
// cache maintenance, so it is only offered where the instruction cache
// snoops data writes.
func OpenTarget(pid int, mode Mode) (*Target, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("memcopy: invalid pid %d", pid)
	}

	switch mode {
	case ModeProcMem, "":
		mem, err := OpenProcMem(pid)
		if err != nil {
			return nil, err
		}
		return &Target{Privileged: NewPrivileged(nil, nil, mem), pid: pid, close: mem.Close}, nil
	case ModeVMWritev:
		if !CoherentInstructionCache(runtime.GOARCH) {
			return nil, fmt.Errorf("memcopy: %s does not maintain the instruction cache on %s, use %s",
				ModeVMWritev, runtime.GOARCH, ModeProcMem)
		}
		return &Target{Privileged: NewPrivileged(nil, nil, VMWritev{PID: pid}), pid: pid}, nil
	default:
		return nil, fmt.Errorf("memcopy: unknown mode %q", mode)
	}
}

// ProcMem moves bytes through /proc/<pid>/mem. Unlike process_vm_writev it
// ignores page protections, so read-only text can be patched.
type ProcMem struct {
	mu     sync.Mutex
	fd     int
	path   string
	closed bool
}

func OpenProcMem(pid int) (*ProcMem, error) {
	path := fmt.Sprintf("/proc/%d/mem", pid)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("memcopy: open %s: %w", path, err)
	}
	return &ProcMem{fd: fd, path: path}, nil
}

func (mem *ProcMem) Move(dst uint64, src []byte) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()

	if mem.closed {
		return errors.New("memcopy: process memory is closed")
	}

	written := 0
	for written < len(src) {
		n, err := unix.Pwrite(mem.fd, src[written:], int64(dst)+int64(written))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("pwrite %s at 0x%x: %w", mem.path, dst+uint64(written), err)
		}
		if n <= 0 {
			return fmt.Errorf("pwrite %s: short write (%d/%d)", mem.path, written, len(src))
		}
		written += n
	}
	return nil
}

// ReadAt reads n bytes at addr from the target.
func (mem *ProcMem) ReadAt(addr uint64, n int) ([]byte, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()

	if mem.closed {
		return nil, errors.New("memcopy: process memory is closed")
	}

	buf := make([]byte, n)
	read := 0
	for read < n {
		m, err := unix.Pread(mem.fd, buf[read:], int64(addr)+int64(read))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return nil, fmt.Errorf("pread %s at 0x%x: %w", mem.path, addr+uint64(read), err)
		}
		if m <= 0 {
			return nil, fmt.Errorf("pread %s: short read (%d/%d)", mem.path, read, n)
		}
		read += m
	}
	return buf, nil
}

func (mem *ProcMem) Close() error {
	mem.mu.Lock()
	defer mem.mu.Unlock()

	if mem.closed {
		return nil
	}
	mem.closed = true
	if err := unix.Close(mem.fd); err != nil {
		return fmt.Errorf("memcopy: close %s: %w", mem.path, err)
	}
	return nil
}

// VMWritev moves bytes with process_vm_writev. The destination must be
// mapped writable in the target. Nothing flushes the target's instruction
// cache afterwards.
type VMWritev struct {
	PID int
}

func (v VMWritev) Move(dst uint64, src []byte) error {
	if len(src) == 0 {
		return nil
	}

	local := []unix.Iovec{{Base: &src[0]}}
	local[0].SetLen(len(src))
	remote := []unix.RemoteIovec{{Base: uintptr(dst), Len: len(src)}}

	n, err := unix.ProcessVMWritev(v.PID, local, remote, 0)
	if err != nil {
		return fmt.Errorf("process_vm_writev pid=%d addr=0x%x: %w", v.PID, dst, err)
	}
	if n != len(src) {
		return fmt.Errorf("process_vm_writev pid=%d addr=0x%x: short write (%d/%d)", v.PID, dst, n, len(src))
	}
	return nil
}
