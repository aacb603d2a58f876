package rcon

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"
)

// WrapperSize is the cumulative size of non-body bytes that contribute to calculation of the packet
// size that precedes a binary packet. Eight bytes are accounted for by the packet ID and type,
// while two bytes are accounted for by the null byte termination of the body and packet. The packet
// size itself is not included in the size calculation.
const WrapperSize = 8 + 2

// DefaultMaxPacketSize is the largest inbound packet size a [Server] accepts unless configured
// otherwise. This value is outlined in the protocol. The codec itself enforces no maximum.
const DefaultMaxPacketSize = 4096

const (
	// PacketTypeAuth represents a client authorization request packet. It indicates that the body
	// will contain the server password.
	PacketTypeAuth = 3

	// PacketTypeAuthResponse represents a server authorization response packet. If authorization
	// failed, the packet ID will have a value of [LoginFailID] rather than that of the matching
	// client request packet.
	PacketTypeAuthResponse = 2

	// PacketTypeExecCommand represents a client request packet that contains a command to be executed
	// by the server.
	PacketTypeExecCommand = 2

	// PacketTypeResponseValue represents a server response packet that contains the output of a
	// server command initiated by a [PacketTypeExecCommand] client request packet. Successful
	// authorization is acknowledged with an empty packet of this type.
	PacketTypeResponseValue = 0
)

// LoginFailID is the packet ID a server answers with when a client presents the wrong password.
const LoginFailID = -1

var (
	// ErrFraming is wrapped by every error caused by a malformed or incomplete packet.
	ErrFraming = errors.New("rcon: malformed packet")

	// ErrPacketTooSmall indicates a declared packet size with no room for the ID, type and
	// terminator.
	ErrPacketTooSmall = fmt.Errorf("%w: packet too small", ErrFraming)

	// ErrPacketTooLarge indicates a declared packet size above the reader's limit, or a body too
	// large to be described by the size field.
	ErrPacketTooLarge = fmt.Errorf("%w: packet too large", ErrFraming)

	// ErrInvalidUTF8 indicates a packet body that is not valid UTF-8 text.
	ErrInvalidUTF8 = fmt.Errorf("%w: body is not valid utf-8", ErrFraming)
)

// Packet is a singular RCON protocol packet, either as a request from a client or a response from
// a server.
type Packet struct {
	// ID is a field chosen by the client which can be used to correlate request packets with
	// response packets. The server echoes it in every response to the request, except for a failed
	// authorization where it is [LoginFailID].
	ID int32

	// Type indicates the purpose of the packet. Unrecognized values are legal on the wire; the
	// server answers them with an explanatory [PacketTypeResponseValue] packet.
	Type int32

	// Body contains UTF-8 text relevant to the provided packet type: the RCON password, the
	// command to be executed, or the server's response to a request. It may be empty.
	Body []byte
}

// Size returns the value of the size field that precedes the packet on the wire.
func (p Packet) Size() int {
	return len(p.Body) + WrapperSize
}

// MarshalBinary encodes the receiving [Packet] into binary form and returns the result. This
// satisfies the [encoding.BinaryMarshaler] interface.
func (p Packet) MarshalBinary() ([]byte, error) {
	if len(p.Body) > math.MaxInt32-WrapperSize {
		return nil, ErrPacketTooLarge
	}
	if !utf8.Valid(p.Body) {
		return nil, ErrInvalidUTF8
	}

	b := make([]byte, 0, p.Size()+4)
	b = binary.LittleEndian.AppendUint32(b, uint32(p.Size()))
	b = binary.LittleEndian.AppendUint32(b, uint32(p.ID))
	b = binary.LittleEndian.AppendUint32(b, uint32(p.Type))
	b = append(b, p.Body...)
	b = append(b, 0, 0)

	return b, nil
}

// WriteTo writes a binary representation of the packet to [io.Writer] w in a single write. This
// method satisfies the [io.WriterTo] interface.
func (p Packet) WriteTo(w io.Writer) (int64, error) {
	bs, err := p.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(bs)

	return int64(n), err
}

// UnmarshalBinary decodes the binary encoded packet b into the receiving [Packet]. This satisfies
// the [encoding.BinaryUnmarshaler] interface. Bytes beyond the declared packet size are an error.
func (p *Packet) UnmarshalBinary(b []byte) error {
	r := bytes.NewReader(b)
	if _, err := p.ReadFrom(r); err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrFraming, r.Len())
	}
	return nil
}

// ReadFrom reads a binary representation of a packet into the receiving [Packet] instance. This
// method satisfies the [io.ReaderFrom] interface. No maximum packet size is enforced; see
// [ReadPacket] for a bounded read.
func (p *Packet) ReadFrom(r io.Reader) (int64, error) {
	packet, n, err := ReadPacket(r, 0)
	if err != nil {
		return n, err
	}
	*p = packet
	return n, nil
}

// ReadPacket reads exactly one packet from r. Reads accumulate until the declared size has been
// collected, so r may deliver the packet in arbitrarily small pieces. When maxSize is greater than
// zero, packets declaring a larger size are rejected before their body is read.
//
// A reader that is exhausted before the first byte of the size field returns [io.EOF] as is. Every
// other failure wraps [ErrFraming], unless it is an error from r itself.
func ReadPacket(r io.Reader, maxSize int32) (Packet, int64, error) {
	var (
		hdr [4]byte
		n   int64
	)

	m, err := io.ReadFull(r, hdr[:])
	n += int64(m)
	if err != nil {
		return Packet{}, n, framingErr(err)
	}

	size := int32(binary.LittleEndian.Uint32(hdr[:]))
	switch {
	case size < WrapperSize:
		return Packet{}, n, fmt.Errorf("%w: declared size %d", ErrPacketTooSmall, size)
	case maxSize > 0 && size > maxSize:
		return Packet{}, n, fmt.Errorf("%w: declared size %d exceeds %d", ErrPacketTooLarge, size, maxSize)
	}

	data := make([]byte, size)
	m, err = io.ReadFull(r, data)
	n += int64(m)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Packet{}, n, framingErr(err)
	}

	// The two trailing terminator bytes are dropped unchecked.
	body := data[8 : size-2]
	if !utf8.Valid(body) {
		return Packet{}, n, ErrInvalidUTF8
	}

	return Packet{
		ID:   int32(binary.LittleEndian.Uint32(data[0:4])),
		Type: int32(binary.LittleEndian.Uint32(data[4:8])),
		Body: body,
	}, n, nil
}

// framingErr marks a short read as a framing error. A clean EOF and errors originating from the
// transport are returned untouched so callers can tell a disconnect or timeout apart.
func framingErr(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrFraming, err)
	}
	return err
}

// EqualTo determines if the provided Packet content matches the receiving Packet content. A nil
// body and an empty body are considered equal.
func (p Packet) EqualTo(p2 Packet) bool {
	switch {
	case p.ID != p2.ID:
		return false
	case p.Type != p2.Type:
		return false
	case !bytes.Equal(p.Body, p2.Body):
		return false
	}
	return true
}

// Clone returns a deep copy of the receiving packet.
func (p Packet) Clone() Packet {
	p2 := p
	if p.Body != nil {
		p2.Body = bytes.Clone(p.Body)
	}
	return p2
}

// String renders a packet for diagnostics.
func (p Packet) String() string {
	return fmt.Sprintf("Packet{ID: %d, Type: %d, Body: %q}", p.ID, p.Type, p.Body)
}
