package memcopy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrivilegedCopyOrder(t *testing.T) {
	recorder := &Recorder{}
	writer := NewPrivileged(recorder.Local(), recorder.Remote(), recorder)

	src := []byte{0xde, 0xad, 0xbe, 0xef}
	require.NoError(t, writer.Copy(0x01000000, src))

	ops := recorder.Ops()
	kinds := make([]OpKind, 0, len(ops))
	for _, op := range ops {
		kinds = append(kinds, op.Kind)
	}
	require.Equal(t, []OpKind{
		OpLocalInvalidate,
		OpLocalFlush,
		OpMove,
		OpRemoteInvalidate,
		OpRemoteFlush,
	}, kinds)

	require.Equal(t, ops[0].Addr, ops[1].Addr, "source maintenance must cover the same range")
	require.Equal(t, uint64(0x01000000), ops[2].Addr)
	require.Equal(t, src, ops[2].Data)
	for _, op := range ops {
		require.Equal(t, len(src), op.Len, op.Kind.String())
	}
	require.Equal(t, uint64(0x01000000), ops[3].Addr)
	require.Equal(t, uint64(0x01000000), ops[4].Addr)
}

func TestPrivilegedEmptyCopy(t *testing.T) {
	recorder := &Recorder{}
	writer := NewPrivileged(recorder.Local(), recorder.Remote(), recorder)

	require.NoError(t, writer.Copy(0x1000, nil))
	require.Empty(t, recorder.Ops())
}

type failingMover struct{ err error }

func (mover failingMover) Move(uint64, []byte) error { return mover.err }

func TestPrivilegedMoveFailureStillMaintainsDestination(t *testing.T) {
	recorder := &Recorder{}
	boom := errors.New("kernel refused")
	writer := NewPrivileged(recorder.Local(), recorder.Remote(), failingMover{err: boom})

	err := writer.Copy(0x2000, []byte{1})
	require.ErrorIs(t, err, boom)

	ops := recorder.Ops()
	require.Len(t, ops, 4)
	require.Equal(t, OpRemoteInvalidate, ops[2].Kind)
	require.Equal(t, OpRemoteFlush, ops[3].Kind)
}

func TestPrivilegedWithoutMover(t *testing.T) {
	writer := NewPrivileged(nil, nil, nil)
	require.Error(t, writer.Copy(0x2000, []byte{1}))
}

type offsetTranslator struct {
	calls []uint64
}

func (translator *offsetTranslator) EffectiveToPhysical(addr uint64) (uint64, error) {
	translator.calls = append(translator.calls, addr)
	if addr >= 0x10000000 && addr < 0x20000000 {
		return addr - 0x10000000 + 0x30000000, nil
	}
	return addr, nil
}

type physicalRecorder struct {
	dst, src uint64
	data     []byte
}

func (recorder *physicalRecorder) CopyPhysical(dst uint64, src uint64, data []byte) error {
	recorder.dst, recorder.src = dst, src
	recorder.data = append([]byte(nil), data...)
	return nil
}

func TestPhysicalTranslatesBothAddresses(t *testing.T) {
	translator := &offsetTranslator{}
	copier := &physicalRecorder{}
	mover := Physical{Translator: translator, Copier: copier}

	require.NoError(t, mover.Move(0x10000100, []byte{0xaa, 0xbb}))
	require.Len(t, translator.calls, 2)
	require.Equal(t, uint64(0x10000100), translator.calls[1])
	require.Equal(t, uint64(0x30000100), copier.dst)
	require.Equal(t, []byte{0xaa, 0xbb}, copier.data)
}

func TestRegionBounds(t *testing.T) {
	region := NewRegion(0x1000, 0x100)

	tests := []struct {
		name string
		addr uint64
		n    int
		ok   bool
	}{
		{name: "start", addr: 0x1000, n: 4, ok: true},
		{name: "exact end", addr: 0x10fc, n: 4, ok: true},
		{name: "crosses end", addr: 0x10fe, n: 4},
		{name: "below base", addr: 0x0ffc, n: 4},
		{name: "past end", addr: 0x1200, n: 1},
		{name: "empty at end", addr: 0x1100, n: 0, ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := region.Copy(tt.addr, make([]byte, tt.n))
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrOutOfRange)
		})
	}
}

func TestRegionReadAndReset(t *testing.T) {
	region := NewRegion(0x2000, 16)
	require.NoError(t, region.Copy(0x2004, []byte{1, 2, 3}))

	got, err := region.Read(0x2004, 3)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, got)

	region.Reset()
	require.Equal(t, make([]byte, 16), region.Bytes())
}

func TestRecorderForwardsToNext(t *testing.T) {
	region := NewRegion(0, 8)
	recorder := &Recorder{Next: region}

	require.NoError(t, recorder.Copy(2, []byte{9, 9}))
	require.Len(t, recorder.Writes(), 1)
	require.Equal(t, []byte{0, 0, 9, 9, 0, 0, 0, 0}, region.Bytes())

	require.ErrorIs(t, recorder.Copy(7, []byte{1, 1}), ErrOutOfRange)
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("vmwritev")
	require.NoError(t, err)
	require.Equal(t, ModeVMWritev, mode)

	_, err = ParseMode("kernel")
	require.Error(t, err)
}

func TestCoherentInstructionCache(t *testing.T) {
	for goarch, want := range map[string]bool{
		"amd64":   true,
		"386":     true,
		"s390x":   true,
		"arm64":   false,
		"ppc64le": false,
		"riscv64": false,
	} {
		require.Equal(t, want, CoherentInstructionCache(goarch), goarch)
	}
}
