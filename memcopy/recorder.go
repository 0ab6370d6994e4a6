package memcopy

import (
	"errors"
	"fmt"
	"sync"
)

type OpKind int

const (
	OpCopy OpKind = iota
	OpMove
	OpLocalInvalidate
	OpLocalFlush
	OpRemoteInvalidate
	OpRemoteFlush
)

func (kind OpKind) String() string {
	switch kind {
	case OpCopy:
		return "copy"
	case OpMove:
		return "move"
	case OpLocalInvalidate:
		return "local-icache-invalidate"
	case OpLocalFlush:
		return "local-dcache-flush"
	case OpRemoteInvalidate:
		return "remote-icache-invalidate"
	case OpRemoteFlush:
		return "remote-dcache-flush"
	default:
		return fmt.Sprintf("op(%d)", int(kind))
	}
}

// Op is one recorded operation. Data holds a copy of the bytes for OpCopy
// and OpMove.
type Op struct {
	Kind OpKind
	Addr uint64
	Len  int
	Data []byte
}

// Recorder records writes and cache maintenance in call order. It serves as
// a Writer, a Mover and (through Local and Remote) as both Caches. When Next
// is set, copies and moves are forwarded to it after being recorded.
type Recorder struct {
	mu   sync.Mutex
	ops  []Op
	Next Writer
}

func (recorder *Recorder) record(op Op) {
	recorder.mu.Lock()
	recorder.ops = append(recorder.ops, op)
	recorder.mu.Unlock()
}

func (recorder *Recorder) Copy(dst uint64, src []byte) error {
	recorder.record(Op{Kind: OpCopy, Addr: dst, Len: len(src), Data: append([]byte(nil), src...)})
	if recorder.Next != nil {
		return recorder.Next.Copy(dst, src)
	}
	return nil
}

func (recorder *Recorder) Move(dst uint64, src []byte) error {
	recorder.record(Op{Kind: OpMove, Addr: dst, Len: len(src), Data: append([]byte(nil), src...)})
	if recorder.Next != nil {
		return recorder.Next.Copy(dst, src)
	}
	return nil
}

// Local returns a Cache recording source-side maintenance.
func (recorder *Recorder) Local() Cache {
	return recorderCache{recorder: recorder, invalidate: OpLocalInvalidate, flush: OpLocalFlush}
}

// Remote returns a Cache recording destination-side maintenance.
func (recorder *Recorder) Remote() Cache {
	return recorderCache{recorder: recorder, invalidate: OpRemoteInvalidate, flush: OpRemoteFlush}
}

// Ops returns a snapshot of the recorded operations.
func (recorder *Recorder) Ops() []Op {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	return append([]Op(nil), recorder.ops...)
}

// Writes returns only the recorded copies and moves.
func (recorder *Recorder) Writes() []Op {
	var writes []Op
	for _, op := range recorder.Ops() {
		if op.Kind == OpCopy || op.Kind == OpMove {
			writes = append(writes, op)
		}
	}
	return writes
}

func (recorder *Recorder) Reset() {
	recorder.mu.Lock()
	recorder.ops = nil
	recorder.mu.Unlock()
}

type recorderCache struct {
	recorder   *Recorder
	invalidate OpKind
	flush      OpKind
}

func (cache recorderCache) InvalidateInstructions(addr uint64, n int) {
	cache.recorder.record(Op{Kind: cache.invalidate, Addr: addr, Len: n})
}

func (cache recorderCache) FlushData(addr uint64, n int) {
	cache.recorder.record(Op{Kind: cache.flush, Addr: addr, Len: n})
}

var ErrOutOfRange = errors.New("memcopy: write outside region")

// Region is a flat, bounds-checked memory image starting at Base. Writes
// that fall partly or wholly outside the image fail without modifying it.
type Region struct {
	mu   sync.Mutex
	Base uint64
	mem  []byte
}

func NewRegion(base uint64, size int) *Region {
	return &Region{Base: base, mem: make([]byte, size)}
}

func (region *Region) Copy(dst uint64, src []byte) error {
	region.mu.Lock()
	defer region.mu.Unlock()

	off, err := region.offset(dst, len(src))
	if err != nil {
		return err
	}
	copy(region.mem[off:], src)
	return nil
}

// Read returns a copy of n bytes at addr.
func (region *Region) Read(addr uint64, n int) ([]byte, error) {
	region.mu.Lock()
	defer region.mu.Unlock()

	off, err := region.offset(addr, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), region.mem[off:off+uint64(n)]...), nil
}

// Bytes returns a copy of the whole image.
func (region *Region) Bytes() []byte {
	region.mu.Lock()
	defer region.mu.Unlock()
	return append([]byte(nil), region.mem...)
}

// Reset zeroes the image.
func (region *Region) Reset() {
	region.mu.Lock()
	defer region.mu.Unlock()
	clear(region.mem)
}

func (region *Region) offset(addr uint64, n int) (uint64, error) {
	size := uint64(len(region.mem))
	if addr < region.Base || addr-region.Base > size || uint64(n) > size-(addr-region.Base) {
		return 0, fmt.Errorf("%w: 0x%x+%d not in [0x%x, 0x%x)",
			ErrOutOfRange, addr, n, region.Base, region.Base+size)
	}
	return addr - region.Base, nil
}
