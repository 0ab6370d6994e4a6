// Package segment loads a code blob and a data blob at the absolute
// addresses named by an address table, then hands the injected code a
// logging callback through the slot that precedes the data segment.
package segment

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sliverarmory/cafeloader/memcopy"
)

const (
	TableSize = 8

	// CallbackSlotSize is the width of the callback pointer stored
	// immediately before the data segment.
	CallbackSlotSize = 4
)

var (
	ErrMalformedTable = errors.New("segment: malformed address table")
	ErrCallbackSlot   = errors.New("segment: data address leaves no room for the callback slot")
)

// Table is the decoded Addr.bin.
type Table struct {
	Code uint32
	Data uint32
}

// CallbackSlot is the address the callback pointer is written to.
func (table Table) CallbackSlot() (uint32, error) {
	if table.Data < CallbackSlotSize {
		return 0, fmt.Errorf("%w: data at 0x%08x", ErrCallbackSlot, table.Data)
	}
	return table.Data - CallbackSlotSize, nil
}

func ParseTable(b []byte, order binary.ByteOrder) (Table, error) {
	if len(b) != TableSize {
		return Table{}, fmt.Errorf("%w: want %d bytes, have %d", ErrMalformedTable, TableSize, len(b))
	}
	return Table{
		Code: order.Uint32(b[0:]),
		Data: order.Uint32(b[4:]),
	}, nil
}

func (table Table) Bytes(order binary.ByteOrder) []byte {
	b := make([]byte, TableSize)
	order.PutUint32(b[0:], table.Code)
	order.PutUint32(b[4:], table.Data)
	return b
}

// Image is everything one load writes.
type Image struct {
	Table    Table
	Code     []byte
	Data     []byte
	Callback uint32
}

// Step names the write in progress when a load fails.
type Step string

const (
	StepCode     Step = "code"
	StepData     Step = "data"
	StepCallback Step = "callback"
)

// LoadError reports which write failed. Writes before it remain applied.
type LoadError struct {
	Step Step
	Addr uint32
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("segment: write %s at 0x%08x: %v", e.Step, e.Addr, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Load writes the code segment, the data segment and finally the callback
// pointer, in that order. The callback slot is validated before anything is
// written; a failure part-way through is not rolled back.
func Load(w memcopy.Writer, image Image, order binary.ByteOrder) error {
	slot, err := image.Table.CallbackSlot()
	if err != nil {
		return err
	}

	if err := w.Copy(uint64(image.Table.Code), image.Code); err != nil {
		return &LoadError{Step: StepCode, Addr: image.Table.Code, Err: err}
	}
	if err := w.Copy(uint64(image.Table.Data), image.Data); err != nil {
		return &LoadError{Step: StepData, Addr: image.Table.Data, Err: err}
	}

	pointer := make([]byte, CallbackSlotSize)
	order.PutUint32(pointer, image.Callback)
	if err := w.Copy(uint64(slot), pointer); err != nil {
		return &LoadError{Step: StepCallback, Addr: slot, Err: err}
	}
	return nil
}
