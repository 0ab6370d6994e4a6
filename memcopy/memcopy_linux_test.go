//go:build linux

package memcopy

import (
	"os"
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestProcMemWritesOwnProcess(t *testing.T) {
	target, err := OpenTarget(os.Getpid(), ModeProcMem)
	if err != nil {
		t.Skipf("open /proc/self/mem: %v", err)
	}
	t.Cleanup(func() { _ = target.Close() })

	buf := make([]byte, 8)
	addr := uint64(uintptr(unsafe.Pointer(&buf[0])))

	if err := target.Copy(addr+2, []byte{0xca, 0xfe}); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	runtime.KeepAlive(buf)
	require.Equal(t, []byte{0, 0, 0xca, 0xfe, 0, 0, 0, 0}, buf)
}

func TestProcMemReadAt(t *testing.T) {
	mem, err := OpenProcMem(os.Getpid())
	if err != nil {
		t.Skipf("open /proc/self/mem: %v", err)
	}
	t.Cleanup(func() { _ = mem.Close() })

	buf := []byte("cafeloader")
	got, err := mem.ReadAt(uint64(uintptr(unsafe.Pointer(&buf[0]))), len(buf))
	require.NoError(t, err)
	runtime.KeepAlive(buf)
	require.Equal(t, "cafeloader", string(got))

	require.NoError(t, mem.Close())
	require.NoError(t, mem.Close())
	_, err = mem.ReadAt(0, 1)
	require.Error(t, err)
}

func TestVMWritevOwnProcess(t *testing.T) {
	target, err := OpenTarget(os.Getpid(), ModeVMWritev)
	if !CoherentInstructionCache(runtime.GOARCH) {
		require.Error(t, err)
		require.Contains(t, err.Error(), string(ModeProcMem))
		return
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = target.Close() })

	buf := make([]byte, 4)
	if err := target.Copy(uint64(uintptr(unsafe.Pointer(&buf[0]))), []byte{1, 2, 3, 4}); err != nil {
		t.Skipf("process_vm_writev unavailable: %v", err)
	}
	runtime.KeepAlive(buf)
	require.Equal(t, []byte{1, 2, 3, 4}, buf)
}

func TestOpenTargetRejectsBadPID(t *testing.T) {
	_, err := OpenTarget(0, ModeProcMem)
	require.Error(t, err)
}
