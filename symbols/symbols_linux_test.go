//go:build linux

package symbols

import (
	"bytes"
	"debug/elf"
	"errors"
	"io"
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"
)

// startLibcChild runs a dynamically linked sleep and waits until the
// dynamic loader has mapped the C library into it.
func startLibcChild(t *testing.T) (*exec.Cmd, Mapping) {
	t.Helper()

	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skipf("sleep not available: %v", err)
	}
	cmd := exec.Command(sleep, "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("start %s: %v", sleep, err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f, err := os.Open("/proc/" + strconv.Itoa(cmd.Process.Pid) + "/maps")
		if err != nil {
			t.Fatalf("open maps: %v", err)
		}
		mappings, err := ParseMaps(f)
		_ = f.Close()
		if err != nil {
			t.Fatalf("ParseMaps: %v", err)
		}
		if mapping, err := selectModule(mappings, ""); err == nil {
			return cmd, mapping
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Skipf("%s never mapped a C library (statically linked?)", sleep)
	return nil, Mapping{}
}

// fileBytes returns n bytes of the image at the linked address vaddr.
func fileBytes(t *testing.T, path string, vaddr uint64, n int) []byte {
	t.Helper()

	file, err := elf.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer file.Close()

	for _, prog := range file.Progs {
		if prog.Type != elf.PT_LOAD || vaddr < prog.Vaddr || vaddr+uint64(n) > prog.Vaddr+prog.Filesz {
			continue
		}
		buf := make([]byte, n)
		if _, err := prog.ReadAt(buf, int64(vaddr-prog.Vaddr)); err != nil {
			t.Fatalf("read %s at 0x%x: %v", path, vaddr, err)
		}
		return buf
	}
	t.Fatalf("no loadable segment of %s covers 0x%x", path, vaddr)
	return nil
}

func TestResolveLibcSymbolInChild(t *testing.T) {
	cmd, libc := startLibcChild(t)
	pid := cmd.Process.Pid

	addr, err := NewResolver().Resolve(pid, "", "nanosleep")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	file, err := elf.Open(libc.Path)
	if err != nil {
		t.Fatalf("open %s: %v", libc.Path, err)
	}
	value, err := SymbolValue(file, "nanosleep")
	_ = file.Close()
	if err != nil {
		t.Fatalf("SymbolValue: %v", err)
	}

	var code *Mapping
	f, err := os.Open("/proc/" + strconv.Itoa(pid) + "/maps")
	if err != nil {
		t.Fatalf("open maps: %v", err)
	}
	mappings, err := ParseMaps(f)
	_ = f.Close()
	if err != nil {
		t.Fatalf("ParseMaps: %v", err)
	}
	for i := range mappings {
		m := mappings[i]
		if m.Path == libc.Path && addr >= m.Start && addr < m.End {
			code = &m
			break
		}
	}
	if code == nil {
		t.Fatalf("0x%x is outside every mapping of %s", addr, libc.Path)
	}
	if len(code.Perms) < 3 || code.Perms[2] != 'x' {
		t.Fatalf("0x%x lands in non-executable mapping %s %s", addr, code.Perms, code.Path)
	}

	// The bytes at the resolved address must be the function's bytes from
	// the image on disk.
	const n = 16
	want := fileBytes(t, libc.Path, value, n)
	mem, err := os.Open("/proc/" + strconv.Itoa(pid) + "/mem")
	if err != nil {
		t.Skipf("open child memory: %v", err)
	}
	defer mem.Close()
	got := make([]byte, n)
	if _, err := mem.ReadAt(got, int64(addr)); err != nil && !errors.Is(err, io.EOF) {
		t.Skipf("read child memory: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("bytes at 0x%x differ from %s: got=%x want=%x", addr, libc.Path, got, want)
	}
}

func TestResolveUnknownSymbolInChild(t *testing.T) {
	cmd, _ := startLibcChild(t)

	_, err := NewResolver().Resolve(cmd.Process.Pid, "", "cafeloader_no_such_symbol")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
