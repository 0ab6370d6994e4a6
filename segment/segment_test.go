package segment

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/cafeloader/memcopy"
)

func TestParseTable(t *testing.T) {
	table, err := ParseTable([]byte{0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x20, 0x00}, binary.BigEndian)
	require.NoError(t, err)
	require.Equal(t, Table{Code: 0x1000, Data: 0x2000}, table)

	table, err = ParseTable([]byte{0x00, 0x10, 0x00, 0x00, 0x00, 0x20, 0x00, 0x00}, binary.LittleEndian)
	require.NoError(t, err)
	require.Equal(t, Table{Code: 0x1000, Data: 0x2000}, table)

	require.Equal(t, []byte{0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x20, 0x00}, table.Bytes(binary.BigEndian))
}

func TestParseTableRejectsWrongSize(t *testing.T) {
	for _, n := range []int{0, 4, 7, 9, 16} {
		_, err := ParseTable(make([]byte, n), binary.BigEndian)
		require.ErrorIs(t, err, ErrMalformedTable, "size %d", n)
	}
}

func TestLoadWriteOrder(t *testing.T) {
	recorder := &memcopy.Recorder{}
	code := []byte{0x38, 0x60, 0x00, 0x00, 0x4e, 0x80, 0x00, 0x20}
	data := []byte{1, 2, 3}

	err := Load(recorder, Image{
		Table:    Table{Code: 0x1000, Data: 0x2000},
		Code:     code,
		Data:     data,
		Callback: 0x0200abcd,
	}, binary.BigEndian)
	require.NoError(t, err)

	writes := recorder.Writes()
	require.Len(t, writes, 3)

	require.Equal(t, uint64(0x1000), writes[0].Addr)
	require.Equal(t, code, writes[0].Data)

	require.Equal(t, uint64(0x2000), writes[1].Addr)
	require.Equal(t, data, writes[1].Data)

	require.Equal(t, uint64(0x2000-4), writes[2].Addr)
	require.Equal(t, []byte{0x02, 0x00, 0xab, 0xcd}, writes[2].Data)
}

func TestLoadRejectsLowDataAddress(t *testing.T) {
	recorder := &memcopy.Recorder{}
	err := Load(recorder, Image{Table: Table{Code: 0x1000, Data: 2}, Code: []byte{1}}, binary.BigEndian)
	require.ErrorIs(t, err, ErrCallbackSlot)
	require.Empty(t, recorder.Ops())
}

func TestLoadReportsFailingStep(t *testing.T) {
	region := memcopy.NewRegion(0x1000, 0x100)
	recorder := &memcopy.Recorder{Next: region}

	err := Load(recorder, Image{
		Table: Table{Code: 0x1000, Data: 0x5000},
		Code:  []byte{0xaa},
		Data:  []byte{0xbb},
	}, binary.BigEndian)

	var loadErr *LoadError
	require.True(t, errors.As(err, &loadErr))
	require.Equal(t, StepData, loadErr.Step)
	require.ErrorIs(t, err, memcopy.ErrOutOfRange)

	// Code stays loaded.
	got, err := region.Read(0x1000, 1)
	require.NoError(t, err)
	require.Equal(t, []byte{0xaa}, got)
	require.Len(t, recorder.Writes(), 2)
}
