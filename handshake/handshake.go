// Package handshake enables the remote debug client for the current run.
//
// The client sends a single tag byte followed by the title identifier in a
// fixed-width, zero-padded field and waits for a two-byte reply. A reply of
// AcceptCode enables the client; anything else leaves it disabled.
package handshake

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

const (
	DefaultPort = 2557

	// DefaultFieldWidth matches the host's full path buffer the identifier
	// was formatted into.
	DefaultFieldWidth = 511 + 141

	Tag        byte   = 0x01
	AcceptCode uint16 = 0xCAFE
	RejectCode uint16 = 0x0000

	ReplySize = 2
	PeerSize  = 4
)

var (
	ErrMalformedPeer = errors.New("handshake: malformed peer address")
	ErrRejected      = errors.New("handshake: rejected by peer")
	ErrBadTag        = errors.New("handshake: unexpected tag")
)

// ParsePeer decodes ip.bin: four bytes of IPv4 address in network order.
func ParsePeer(b []byte) (net.IP, error) {
	if len(b) != PeerSize {
		return nil, fmt.Errorf("%w: want %d bytes, have %d", ErrMalformedPeer, PeerSize, len(b))
	}
	return net.IPv4(b[0], b[1], b[2], b[3]), nil
}

// EncodeHello builds the client greeting. The identifier is truncated or
// zero-padded to width.
func EncodeHello(titleID string, width int) []byte {
	b := make([]byte, 1+width)
	b[0] = Tag
	copy(b[1:], titleID)
	return b
}

// ReadHello reads a client greeting and returns the identifier with its
// padding removed.
func ReadHello(r io.Reader, width int) (string, error) {
	b := make([]byte, 1+width)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("handshake: read hello: %w", err)
	}
	if b[0] != Tag {
		return "", fmt.Errorf("%w: 0x%02x", ErrBadTag, b[0])
	}
	id := b[1:]
	if i := bytes.IndexByte(id, 0); i >= 0 {
		id = id[:i]
	}
	return string(id), nil
}

func encodeReply(code uint16, order binary.ByteOrder) []byte {
	b := make([]byte, ReplySize)
	order.PutUint16(b, code)
	return b
}

func readReply(r io.Reader, order binary.ByteOrder) (uint16, error) {
	b := make([]byte, ReplySize)
	if _, err := io.ReadFull(r, b); err != nil {
		return 0, fmt.Errorf("handshake: read reply: %w", err)
	}
	return order.Uint16(b), nil
}
