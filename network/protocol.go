package network

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// Delimiter separates textual header fields on the wire.
	Delimiter byte = '|'
	// DefaultMaxPayload is the largest data payload carried by one datagram.
	DefaultMaxPayload = 4096
	// DefaultWindowSize is the number of unacknowledged chunks allowed in flight.
	DefaultWindowSize = 4
	// DefaultAckTimeout bounds each wait for a cumulative ACK while sending.
	DefaultAckTimeout = 500 * time.Millisecond
	// DefaultHandshakeTimeout bounds the first wait for a handshake acceptance.
	DefaultHandshakeTimeout = time.Second
	// DefaultIdleTimeout releases receiver sessions that stopped talking.
	DefaultIdleTimeout = 2 * time.Minute
	// MaxHeaderSize covers "sequence|checksum|" for any int64 sequence and uint32 checksum.
	MaxHeaderSize = 20 + 1 + 10 + 1
)

var (
	handshakeMarker = []byte("HELO")
	handshakeAck    = []byte("HELO OK")
	eofMarker       = []byte("EOF")
	byeMarker       = []byte("BYE")
)

var (
	// ErrMalformedPacket indicates a header that cannot be parsed.
	ErrMalformedPacket = errors.New("network: malformed packet")
	// ErrInvalidFilename indicates a handshake filename that cannot be put on the wire.
	ErrInvalidFilename = errors.New("network: invalid handshake filename")
)

// PacketKind identifies the wire shape of one datagram.
type PacketKind int

const (
	KindUnknown PacketKind = iota
	KindHandshake
	KindHandshakeAck
	KindData
	KindAck
	KindEOF
	KindBye
)

func (k PacketKind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindHandshakeAck:
		return "handshake_ack"
	case KindData:
		return "data"
	case KindAck:
		return "ack"
	case KindEOF:
		return "eof"
	case KindBye:
		return "bye"
	default:
		return "unknown"
	}
}

// Handshake opens a transfer session.
type Handshake struct {
	Filename     string
	Filesize     int64
	TotalPackets int
}

// DataPacket carries one chunk and its CRC-32.
type DataPacket struct {
	Sequence int
	Checksum uint32
	Payload  []byte
}

// DatagramBufferSize returns a receive buffer large enough for any data packet
// carrying up to maxPayload bytes.
func DatagramBufferSize(maxPayload int) int {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return maxPayload + MaxHeaderSize
}

// Classify inspects the leading bytes of a datagram. It does not validate
// header fields; the Decode functions do that.
func Classify(datagram []byte) PacketKind {
	switch {
	case len(datagram) == 0:
		return KindUnknown
	case bytes.Equal(datagram, handshakeAck):
		return KindHandshakeAck
	case bytes.Equal(datagram, eofMarker):
		return KindEOF
	case bytes.Equal(datagram, byeMarker):
		return KindBye
	case bytes.HasPrefix(datagram, handshakeMarker) && len(datagram) > len(handshakeMarker) && datagram[len(handshakeMarker)] == Delimiter:
		return KindHandshake
	case isDecimal(datagram):
		return KindAck
	case datagram[0] >= '0' && datagram[0] <= '9':
		return KindData
	default:
		return KindUnknown
	}
}

// EncodeHandshake builds "HELO|filename|filesize|totalPackets".
func EncodeHandshake(h Handshake) ([]byte, error) {
	if h.Filename == "" || strings.ContainsAny(h.Filename, "\r\n") {
		return nil, ErrInvalidFilename
	}
	if h.Filesize < 0 || h.TotalPackets < 0 {
		return nil, fmt.Errorf("encode handshake: negative size fields")
	}

	buf := make([]byte, 0, len(handshakeMarker)+len(h.Filename)+32)
	buf = append(buf, handshakeMarker...)
	buf = append(buf, Delimiter)
	buf = append(buf, h.Filename...)
	buf = append(buf, Delimiter)
	buf = strconv.AppendInt(buf, h.Filesize, 10)
	buf = append(buf, Delimiter)
	buf = strconv.AppendInt(buf, int64(h.TotalPackets), 10)
	return buf, nil
}

// DecodeHandshake parses a handshake request. The two integer fields are split
// from the right so filenames may themselves contain the delimiter.
func DecodeHandshake(datagram []byte) (Handshake, error) {
	if Classify(datagram) != KindHandshake {
		return Handshake{}, fmt.Errorf("%w: missing handshake marker", ErrMalformedPacket)
	}
	rest := datagram[len(handshakeMarker)+1:]

	lastDelim := bytes.LastIndexByte(rest, Delimiter)
	if lastDelim < 0 {
		return Handshake{}, fmt.Errorf("%w: handshake missing total packets", ErrMalformedPacket)
	}
	sizeDelim := bytes.LastIndexByte(rest[:lastDelim], Delimiter)
	if sizeDelim < 0 {
		return Handshake{}, fmt.Errorf("%w: handshake missing filesize", ErrMalformedPacket)
	}

	filename := string(rest[:sizeDelim])
	if filename == "" {
		return Handshake{}, fmt.Errorf("%w: empty filename", ErrMalformedPacket)
	}
	filesize, err := parseNonNegative(rest[sizeDelim+1 : lastDelim])
	if err != nil {
		return Handshake{}, fmt.Errorf("%w: filesize: %v", ErrMalformedPacket, err)
	}
	total, err := parseNonNegative(rest[lastDelim+1:])
	if err != nil {
		return Handshake{}, fmt.Errorf("%w: total packets: %v", ErrMalformedPacket, err)
	}

	return Handshake{
		Filename:     filename,
		Filesize:     filesize,
		TotalPackets: int(total),
	}, nil
}

// EncodeData builds "sequence|checksum|" followed by the raw payload.
func EncodeData(p DataPacket) []byte {
	buf := make([]byte, 0, MaxHeaderSize+len(p.Payload))
	buf = strconv.AppendInt(buf, int64(p.Sequence), 10)
	buf = append(buf, Delimiter)
	buf = strconv.AppendUint(buf, uint64(p.Checksum), 10)
	buf = append(buf, Delimiter)
	return append(buf, p.Payload...)
}

// NewDataPacket stamps a chunk with its checksum.
func NewDataPacket(c Chunk) DataPacket {
	return DataPacket{
		Sequence: c.Sequence,
		Checksum: Checksum(c.Payload),
		Payload:  c.Payload,
	}
}

// DecodeData splits on the first two delimiters only; everything after them is
// opaque payload. The returned payload aliases datagram.
func DecodeData(datagram []byte) (DataPacket, error) {
	first := bytes.IndexByte(datagram, Delimiter)
	if first < 0 {
		return DataPacket{}, fmt.Errorf("%w: missing sequence delimiter", ErrMalformedPacket)
	}
	second := bytes.IndexByte(datagram[first+1:], Delimiter)
	if second < 0 {
		return DataPacket{}, fmt.Errorf("%w: missing checksum delimiter", ErrMalformedPacket)
	}
	second += first + 1

	sequence, err := parseNonNegative(datagram[:first])
	if err != nil {
		return DataPacket{}, fmt.Errorf("%w: sequence: %v", ErrMalformedPacket, err)
	}
	checksum, err := strconv.ParseUint(string(datagram[first+1:second]), 10, 32)
	if err != nil {
		return DataPacket{}, fmt.Errorf("%w: checksum: %v", ErrMalformedPacket, err)
	}

	return DataPacket{
		Sequence: int(sequence),
		Checksum: uint32(checksum),
		Payload:  datagram[second+1:],
	}, nil
}

// EncodeAck renders a cumulative acknowledgment as decimal text.
func EncodeAck(next int) []byte {
	return strconv.AppendInt(nil, int64(next), 10)
}

// DecodeAck parses a cumulative acknowledgment.
func DecodeAck(datagram []byte) (int, error) {
	if !isDecimal(datagram) {
		return 0, fmt.Errorf("%w: ack is not a decimal integer", ErrMalformedPacket)
	}
	value, err := parseNonNegative(datagram)
	if err != nil {
		return 0, fmt.Errorf("%w: ack: %v", ErrMalformedPacket, err)
	}
	return int(value), nil
}

// HandshakeAck returns the literal handshake acceptance token.
func HandshakeAck() []byte { return append([]byte(nil), handshakeAck...) }

// EOFMarker returns the literal end-of-file token.
func EOFMarker() []byte { return append([]byte(nil), eofMarker...) }

// ByeMarker returns the literal goodbye token.
func ByeMarker() []byte { return append([]byte(nil), byeMarker...) }

func parseNonNegative(raw []byte) (int64, error) {
	if len(raw) == 0 {
		return 0, errors.New("empty field")
	}
	if !isDecimal(raw) {
		return 0, fmt.Errorf("non-decimal field %q", raw)
	}
	return strconv.ParseInt(string(raw), 10, 64)
}

func isDecimal(raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	for _, b := range raw {
		if b < '0' || b > '9' {
			return false
		}
	}
	return true
}
