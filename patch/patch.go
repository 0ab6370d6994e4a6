// Package patch decodes and applies patch record streams (Patches.hax).
//
// A stream is a 16-bit record count followed by that many records. Each
// record is a 16-bit payload length, a 32-bit target address and the payload
// itself. There is no padding and no checksum; integers are stored in the
// target's native byte order.
package patch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/sliverarmory/cafeloader/memcopy"
)

const (
	countSize  = 2
	headerSize = 2 + 4

	MaxRecords     = math.MaxUint16
	MaxPayloadSize = math.MaxUint16
)

var (
	ErrTruncated   = errors.New("patch: stream truncated")
	ErrTooMany     = errors.New("patch: too many records")
	ErrPayloadSize = errors.New("patch: payload too large")
)

type Record struct {
	Address uint32
	Payload []byte
}

func (record Record) String() string {
	return fmt.Sprintf("0x%08x+%d", record.Address, len(record.Payload))
}

// Reader is a bounds-checked cursor over a patch record stream. Payloads
// returned by Next alias the underlying buffer.
type Reader struct {
	buf   []byte
	order binary.ByteOrder
	off   int
	count int
	next  int
}

// NewReader reads the record count. A buffer shorter than the count field is
// ErrTruncated.
func NewReader(b []byte, order binary.ByteOrder) (*Reader, error) {
	if len(b) < countSize {
		return nil, fmt.Errorf("%w: need %d bytes for record count, have %d", ErrTruncated, countSize, len(b))
	}
	return &Reader{
		buf:   b,
		order: order,
		off:   countSize,
		count: int(order.Uint16(b)),
	}, nil
}

// Count is the number of records declared by the stream.
func (reader *Reader) Count() int {
	return reader.count
}

// More reports whether declared records remain.
func (reader *Reader) More() bool {
	return reader.next < reader.count
}

// Offset is the number of bytes consumed so far.
func (reader *Reader) Offset() int {
	return reader.off
}

// Remaining is the number of unconsumed bytes.
func (reader *Reader) Remaining() int {
	return len(reader.buf) - reader.off
}

// Next decodes the next record. Once an error is returned the reader does
// not advance.
func (reader *Reader) Next() (Record, error) {
	if !reader.More() {
		return Record{}, fmt.Errorf("patch: no records left (count %d)", reader.count)
	}
	if reader.Remaining() < headerSize {
		return Record{}, fmt.Errorf("%w: record %d header at offset %d needs %d bytes, have %d",
			ErrTruncated, reader.next, reader.off, headerSize, reader.Remaining())
	}

	length := int(reader.order.Uint16(reader.buf[reader.off:]))
	address := reader.order.Uint32(reader.buf[reader.off+2:])
	start := reader.off + headerSize
	if len(reader.buf)-start < length {
		return Record{}, fmt.Errorf("%w: record %d at 0x%08x declares %d payload bytes, have %d",
			ErrTruncated, reader.next, address, length, len(reader.buf)-start)
	}

	reader.off = start + length
	reader.next++
	return Record{Address: address, Payload: reader.buf[start:reader.off:reader.off]}, nil
}

// Decode returns every record of the stream.
func Decode(b []byte, order binary.ByteOrder) ([]Record, error) {
	reader, err := NewReader(b, order)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, reader.Count())
	for reader.More() {
		record, err := reader.Next()
		if err != nil {
			return records, err
		}
		records = append(records, record)
	}
	return records, nil
}

// Encode builds a stream from records.
func Encode(records []Record, order binary.ByteOrder) ([]byte, error) {
	if len(records) > MaxRecords {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooMany, len(records), MaxRecords)
	}

	size := countSize
	for i, record := range records {
		if len(record.Payload) > MaxPayloadSize {
			return nil, fmt.Errorf("%w: record %d has %d bytes", ErrPayloadSize, i, len(record.Payload))
		}
		size += headerSize + len(record.Payload)
	}

	b := make([]byte, size)
	order.PutUint16(b, uint16(len(records)))
	off := countSize
	for _, record := range records {
		order.PutUint16(b[off:], uint16(len(record.Payload)))
		order.PutUint32(b[off+2:], record.Address)
		off += headerSize
		off += copy(b[off:], record.Payload)
	}
	return b, nil
}

// Result describes what Apply did.
type Result struct {
	Declared int
	Applied  int
	Bytes    int
	Consumed int
	Trailing int
}

// Apply writes every record of the stream through w in stream order as it is
// decoded. Later records may overwrite earlier ones. When decoding or a
// write fails, the records already applied stay applied and Result reports
// how many there were.
func Apply(w memcopy.Writer, b []byte, order binary.ByteOrder) (Result, error) {
	reader, err := NewReader(b, order)
	if err != nil {
		return Result{}, err
	}

	result := Result{Declared: reader.Count()}
	for reader.More() {
		record, err := reader.Next()
		if err != nil {
			result.Consumed = reader.Offset()
			return result, err
		}
		if err := w.Copy(uint64(record.Address), record.Payload); err != nil {
			result.Consumed = reader.Offset()
			return result, fmt.Errorf("patch: apply record %d (%s): %w", result.Applied, record, err)
		}
		result.Applied++
		result.Bytes += len(record.Payload)
	}

	result.Consumed = reader.Offset()
	result.Trailing = reader.Remaining()
	return result, nil
}
