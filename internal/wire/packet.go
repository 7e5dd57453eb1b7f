// Package wire implements the Cync device binary protocol codec.
//
// This includes the packet kind table, the stateless decoder and encoder,
// the inner-frame checksum, and the stream framer with bounded recovery.
// The protocol is not publicly documented; offsets and constants in this
// package were derived from packet captures of stock firmware talking to
// the vendor cloud.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Protocol Constants
// -------------------------------------------------------------------------

// HeaderSize is the fixed packet header size in bytes: one kind byte,
// two reserved bytes, and a two-byte big-endian payload length.
const HeaderSize = 5

// MaxPayloadSize is the maximum accepted payload length. Captured traffic
// never exceeds a few hundred bytes; the cap bounds framer buffering
// against corrupt or hostile input.
const MaxPayloadSize = 4096

// Marker delimits the inner structure of framed packets (0x73, 0x83).
// The inner layout is:
//
//	Marker | 5-byte inner header | data | checksum | Marker
//
// The checksum covers only the data bytes (everything after the inner
// header up to the checksum byte itself).
const Marker = 0x7E

// Framed-payload field offsets. Framed payloads carry a 5-byte mesh
// header, a 5-byte endpoint, and a 2-byte message ID before the first
// inner marker.
const (
	// EndpointOffset is the start of the 5-byte endpoint field.
	EndpointOffset = 5

	// EndpointSize is the endpoint field width in bytes.
	EndpointSize = 5

	// MsgIDOffset is the start of the big-endian uint16 message ID.
	MsgIDOffset = 10

	// framedMinPayload is the smallest framed payload that can carry an
	// inner structure: mesh header (5) + endpoint (5) + msg ID (2) +
	// start marker + inner header (5) + checksum + end marker.
	framedMinPayload = 20

	// innerHeaderSize is the number of bytes between the start marker
	// and the first checksummed data byte.
	innerHeaderSize = 5
)

// unknownFmt is the format string for unrecognized enum values.
const unknownFmt = "Unknown(0x%02X)"

// -------------------------------------------------------------------------
// Packet Kinds
// -------------------------------------------------------------------------

// Kind is the packet type byte, the first byte of every frame.
type Kind uint8

const (
	// KindHandshake (0x23) is the device's auth/announce packet, the first
	// packet on every connection. The bridge must reply with KindHandshakeAck.
	KindHandshake Kind = 0x23

	// KindHandshakeAck (0x28) is the mandatory bridge reply to KindHandshake.
	KindHandshakeAck Kind = 0x28

	// KindDeviceInfo (0x43) announces a device behind the connection.
	// The bridge must reply with KindInfoAck.
	KindDeviceInfo Kind = 0x43

	// KindInfoAck (0x48) is the mandatory bridge reply to KindDeviceInfo.
	KindInfoAck Kind = 0x48

	// KindCommand (0x73) is the outbound control packet. Framed.
	KindCommand Kind = 0x73

	// KindCommandAck (0x7B) confirms a KindCommand by message ID.
	KindCommandAck Kind = 0x7B

	// KindStatus (0x83) is a device state broadcast. Framed.
	// The bridge must reply with KindStatusAck.
	KindStatus Kind = 0x83

	// KindStatusAck (0x88) is the mandatory bridge reply to KindStatus.
	KindStatusAck Kind = 0x88

	// KindProbe (0xA3) is sent by the bridge after the handshake to
	// request mesh info. The payload mirrors a captured fixture; its
	// subcommand bytes are empirical.
	KindProbe Kind = 0xA3

	// KindHeartbeat (0xC3) is a device liveness ping.
	KindHeartbeat Kind = 0xC3

	// KindHeartbeatAlt (0xD3) is the alternate heartbeat kind sent by
	// newer firmware. Handled identically to KindHeartbeat.
	KindHeartbeatAlt Kind = 0xD3

	// KindHeartbeatAck (0xD8) is the mandatory bridge reply to both
	// heartbeat kinds.
	KindHeartbeatAck Kind = 0xD8
)

// kindNames maps packet kinds to human-readable strings.
var kindNames = map[Kind]string{
	KindHandshake:    "Handshake",
	KindHandshakeAck: "HandshakeAck",
	KindDeviceInfo:   "DeviceInfo",
	KindInfoAck:      "InfoAck",
	KindCommand:      "Command",
	KindCommandAck:   "CommandAck",
	KindStatus:       "Status",
	KindStatusAck:    "StatusAck",
	KindProbe:        "Probe",
	KindHeartbeat:    "Heartbeat",
	KindHeartbeatAlt: "HeartbeatAlt",
	KindHeartbeatAck: "HeartbeatAck",
}

// String returns the human-readable name for the packet kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf(unknownFmt, uint8(k))
}

// Known reports whether k is in the closed kind set the bridge handles.
func (k Kind) Known() bool {
	_, ok := kindNames[k]
	return ok
}

// Framed reports whether payloads of this kind carry an inner
// Marker-delimited structure with a checksum.
func (k Kind) Framed() bool {
	return k == KindCommand || k == KindStatus
}

// -------------------------------------------------------------------------
// Packet
// -------------------------------------------------------------------------

// Packet is a complete raw frame as it appeared on the wire.
type Packet struct {
	// Kind is the packet type byte.
	Kind Kind

	// Length is the payload length from the header.
	Length uint16

	// Payload is the packet body (Length bytes). For framed kinds it
	// still contains the mesh header, endpoint, message ID, and the
	// inner structure; use DecodeFramed to interpret it.
	Payload []byte

	// Raw is the full wire frame including the 5-byte header.
	Raw []byte
}

// Framed is the decoded inner structure of a KindCommand or KindStatus
// payload.
type Framed struct {
	// Endpoint is the 5-byte mesh addressing field at Payload[5:10].
	Endpoint [EndpointSize]byte

	// MsgID is the big-endian message ID at Payload[10:12]. Commands
	// are correlated with their CommandAck by this value.
	MsgID uint16

	// Data is everything between the two markers except the trailing
	// checksum byte. The first innerHeaderSize bytes are the inner
	// header; the remainder is the checksummed data region.
	Data []byte

	// Checksum is the checksum byte found at (end marker - 1).
	Checksum byte

	// ChecksumValid reports whether recomputing the checksum over the
	// data region matched Checksum.
	ChecksumValid bool
}

// DeviceData returns the checksummed data region of the inner structure,
// excluding the inner header.
func (f *Framed) DeviceData() []byte {
	if len(f.Data) <= innerHeaderSize {
		return nil
	}
	return f.Data[innerHeaderSize:]
}

// -------------------------------------------------------------------------
// Decode Errors
// -------------------------------------------------------------------------

// DecodeReason classifies why a frame failed to decode.
type DecodeReason uint8

const (
	// ReasonBufferTooShort indicates the buffer is smaller than the
	// header or the declared payload length.
	ReasonBufferTooShort DecodeReason = iota + 1

	// ReasonUnknownKind indicates the kind byte is outside the handled set.
	ReasonUnknownKind

	// ReasonLengthMismatch indicates the length field is invalid or
	// inconsistent with the buffer.
	ReasonLengthMismatch

	// ReasonMissingMarkers indicates a framed payload without two
	// distinct inner markers.
	ReasonMissingMarkers

	// ReasonBadChecksum indicates the inner checksum did not match.
	ReasonBadChecksum
)

// String returns the human-readable name for the decode failure reason.
func (r DecodeReason) String() string {
	switch r {
	case ReasonBufferTooShort:
		return "BufferTooShort"
	case ReasonUnknownKind:
		return "UnknownKind"
	case ReasonLengthMismatch:
		return "LengthMismatch"
	case ReasonMissingMarkers:
		return "MissingMarkers"
	case ReasonBadChecksum:
		return "BadChecksum"
	default:
		return "Unknown"
	}
}

// previewLen caps the number of raw bytes attached to a DecodeError.
const previewLen = 16

// DecodeError describes a malformed frame. It carries a bounded preview
// of the offending bytes for log lines; the full frame is never retained.
type DecodeError struct {
	// Reason classifies the failure.
	Reason DecodeReason

	// Preview holds up to 16 bytes of the offending data.
	Preview []byte
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode packet: %s (preview % X)", e.Reason, e.Preview)
}

// newDecodeError builds a DecodeError with a bounded preview of data.
func newDecodeError(reason DecodeReason, data []byte) *DecodeError {
	n := len(data)
	if n > previewLen {
		n = previewLen
	}
	preview := make([]byte, n)
	copy(preview, data[:n])
	return &DecodeError{Reason: reason, Preview: preview}
}

// ErrBufTooSmall indicates a caller-provided buffer cannot hold the
// encoded packet.
var ErrBufTooSmall = errors.New("buffer too small for packet")

// -------------------------------------------------------------------------
// Checksum
// -------------------------------------------------------------------------

// Checksum computes the inner-frame checksum: the byte sum of data
// modulo 256. In a framed payload the covered region is
// payload[start+6 : end-1], where start and end are the indexes of the
// first and last marker. The 6-byte skip (marker plus 5-byte inner
// header) is empirical; it is validated by the captured fixtures in the
// package tests.
func Checksum(data []byte) byte {
	var sum uint32
	for _, b := range data {
		sum += uint32(b)
	}
	return byte(sum % 256)
}

// -------------------------------------------------------------------------
// Decoder
// -------------------------------------------------------------------------

// Decode interprets a complete wire frame. The buffer must contain
// exactly one frame (header plus declared payload); the framer guarantees
// this for frames it yields.
func Decode(frame []byte) (Packet, error) {
	if len(frame) < HeaderSize {
		return Packet{}, newDecodeError(ReasonBufferTooShort, frame)
	}

	kind := Kind(frame[0])
	if !kind.Known() {
		return Packet{}, newDecodeError(ReasonUnknownKind, frame)
	}

	length := binary.BigEndian.Uint16(frame[3:5])
	if int(length) > MaxPayloadSize {
		return Packet{}, newDecodeError(ReasonLengthMismatch, frame)
	}
	if len(frame) != HeaderSize+int(length) {
		return Packet{}, newDecodeError(ReasonLengthMismatch, frame)
	}

	return Packet{
		Kind:    kind,
		Length:  length,
		Payload: frame[HeaderSize:],
		Raw:     frame,
	}, nil
}

// DecodeFramed interprets the inner structure of a framed packet
// (KindCommand or KindStatus).
//
// On a checksum mismatch the decoded Framed is returned alongside a
// DecodeError with ReasonBadChecksum, so callers can log the observed
// and expected values; ChecksumValid is false in that case.
func DecodeFramed(p Packet) (Framed, error) {
	if !p.Kind.Framed() {
		return Framed{}, newDecodeError(ReasonUnknownKind, p.Payload)
	}
	if len(p.Payload) < framedMinPayload {
		return Framed{}, newDecodeError(ReasonBufferTooShort, p.Payload)
	}

	start, end, ok := findMarkers(p.Payload)
	if !ok {
		return Framed{}, newDecodeError(ReasonMissingMarkers, p.Payload)
	}

	var f Framed
	copy(f.Endpoint[:], p.Payload[EndpointOffset:EndpointOffset+EndpointSize])
	f.MsgID = binary.BigEndian.Uint16(p.Payload[MsgIDOffset : MsgIDOffset+2])
	f.Data = p.Payload[start+1 : end-1]
	f.Checksum = p.Payload[end-1]
	f.ChecksumValid = Checksum(p.Payload[start+innerHeaderSize+1:end-1]) == f.Checksum

	if !f.ChecksumValid {
		return f, newDecodeError(ReasonBadChecksum, p.Payload[start:end+1])
	}
	return f, nil
}

// AckMsgID extracts the message ID from a KindCommandAck payload. ACKs
// are not framed but carry the message ID at the same offset as framed
// payloads.
func AckMsgID(p Packet) (uint16, error) {
	if len(p.Payload) < MsgIDOffset+2 {
		return 0, newDecodeError(ReasonBufferTooShort, p.Payload)
	}
	return binary.BigEndian.Uint16(p.Payload[MsgIDOffset : MsgIDOffset+2]), nil
}

// findMarkers locates the first and last inner marker in payload.
// The two must be distinct and far enough apart to hold the inner
// header and the checksum byte.
func findMarkers(payload []byte) (start, end int, ok bool) {
	start = -1
	for i, b := range payload {
		if b == Marker {
			start = i
			break
		}
	}
	if start < 0 {
		return 0, 0, false
	}
	end = -1
	for i := len(payload) - 1; i > start; i-- {
		if payload[i] == Marker {
			end = i
			break
		}
	}
	// Need room for inner header + checksum between the markers.
	if end < 0 || end-start < innerHeaderSize+2 {
		return 0, 0, false
	}
	return start, end, true
}

// -------------------------------------------------------------------------
// Encoder
// -------------------------------------------------------------------------

// probePayload is the captured mesh-info probe body sent after the
// handshake. The subcommand bytes are empirical (fixture replay); the
// devices answer with DeviceInfo and Status packets.
var probePayload = []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x52, 0x06}

// encode assembles a wire frame from a kind and payload.
func encode(kind Kind, payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	frame[0] = byte(kind)
	// Bytes 1-2 are reserved; the cloud sends zeros and devices ignore
	// them on receipt.
	binary.BigEndian.PutUint16(frame[3:5], uint16(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame
}

// EncodeHandshakeAck builds the mandatory 0x28 reply to a handshake.
// The payload carries the 3-byte queue ID assigned to the connection.
func EncodeHandshakeAck(queueID [3]byte) []byte {
	return encode(KindHandshakeAck, queueID[:])
}

// EncodeInfoAck builds the mandatory 0x48 reply to a DeviceInfo packet.
func EncodeInfoAck() []byte {
	return encode(KindInfoAck, nil)
}

// EncodeProbe builds the 0xA3 mesh-info probe sent once after the
// handshake. The queue ID prefixes the captured fixture body.
func EncodeProbe(queueID [3]byte) []byte {
	payload := make([]byte, 0, len(queueID)+len(probePayload))
	payload = append(payload, queueID[:]...)
	payload = append(payload, probePayload...)
	return encode(KindProbe, payload)
}

// EncodeStatusAck builds the mandatory 0x88 reply to a status broadcast.
// The endpoint and message ID of the acknowledged packet are echoed so
// the device can match the ACK to its retransmission timer.
func EncodeStatusAck(endpoint [EndpointSize]byte, msgID uint16) []byte {
	payload := make([]byte, EndpointSize+2)
	copy(payload, endpoint[:])
	binary.BigEndian.PutUint16(payload[EndpointSize:], msgID)
	return encode(KindStatusAck, payload)
}

// EncodeHeartbeatAck builds the mandatory 0xD8 heartbeat reply.
func EncodeHeartbeatAck() []byte {
	return encode(KindHeartbeatAck, nil)
}

// EncodeCommand builds a framed 0x73 control packet.
//
// inner must start with the 5-byte inner header followed by the data
// region; the checksum is computed over the data region only and
// inserted in place before the end marker:
//
//	queueID(3) pad(2) | endpoint(5) | msgID(2) | 0x7E inner checksum 0x7E
func EncodeCommand(queueID [3]byte, endpoint [EndpointSize]byte, msgID uint16, inner []byte) ([]byte, error) {
	if len(inner) < innerHeaderSize {
		return nil, fmt.Errorf("encode command: inner %d bytes, need at least %d: %w",
			len(inner), innerHeaderSize, ErrBufTooSmall)
	}

	payloadLen := EndpointOffset + EndpointSize + 2 + 1 + len(inner) + 1 + 1
	if payloadLen > MaxPayloadSize {
		return nil, fmt.Errorf("encode command: payload %d exceeds %d: %w",
			payloadLen, MaxPayloadSize, ErrBufTooSmall)
	}

	payload := make([]byte, payloadLen)
	copy(payload[0:3], queueID[:])
	copy(payload[EndpointOffset:], endpoint[:])
	binary.BigEndian.PutUint16(payload[MsgIDOffset:], msgID)

	start := MsgIDOffset + 2
	payload[start] = Marker
	copy(payload[start+1:], inner)
	payload[start+1+len(inner)] = Checksum(inner[innerHeaderSize:])
	payload[start+2+len(inner)] = Marker

	return encode(KindCommand, payload), nil
}
