package analytics

import (
	"encoding/binary"
	"fmt"
)

// The analytics wire protocol is little-endian throughout.
//
// The server speaks first: a 6 byte greeting carrying the client id it
// assigned us and its protocol version. We answer with a handshake that
// opens an analysis session for one event, then stream footage frames.
// Results come back as XML wrapped in a small framed header.

const (
	frameMark = 7

	msgTypeHello = 1
	msgTypeFrame = 2

	protocolVersion = 5

	streamTypeJPEG = 1

	greetingSize    = 6
	handshakeSize   = 49
	frameHeaderSize = 14
	// The size field of a frame counts a 16 byte header even though we
	// only send 14 bytes of it; the analytics server insists.
	frameSizeBias = 16

	resultHeaderSize = 6
	// XML starts after the 6 byte header plus a 4 byte field we don't
	// consume.
	resultXMLOffset = 10
)

type greeting struct {
	ClientID uint32
	Version  uint16
}

func decodeGreeting(b []byte) (greeting, error) {
	if len(b) < greetingSize {
		return greeting{}, fmt.Errorf("greeting too short (%v bytes)", len(b))
	}
	return greeting{
		ClientID: binary.LittleEndian.Uint32(b[0:4]),
		Version:  binary.LittleEndian.Uint16(b[4:6]),
	}, nil
}

// encodeHandshake builds the session-open message. The analytics server
// keys its child process on alarmId, which carries our event id.
func encodeHandshake(clientID uint32, eventID int64, personThreshold uint8) []byte {
	b := make([]byte, handshakeSize)
	binary.LittleEndian.PutUint32(b[0:4], clientID)
	binary.LittleEndian.PutUint16(b[4:6], 0)  // object type: default
	binary.LittleEndian.PutUint16(b[6:8], 0)  // stream quality: low
	binary.LittleEndian.PutUint32(b[8:12], streamTypeJPEG)
	b[12] = frameMark
	b[13] = msgTypeHello
	binary.LittleEndian.PutUint32(b[14:18], 37) // message size per protocol v5
	binary.LittleEndian.PutUint16(b[18:20], protocolVersion)
	binary.LittleEndian.PutUint64(b[20:28], uint64(eventID)) // alarmId
	b[28] = personThreshold
	b[29] = streamTypeJPEG
	binary.LittleEndian.PutUint16(b[30:32], 16) // name length
	copy(b[32:48], "Test")
	b[48] = 0 // findLicensePlates
	return b
}

// encodeFrameHeader builds the header that precedes one footage
// payload. fileId is only 32 bits on the wire, so it truncates our
// footage id; the XML response echoes it back and we widen it again.
func encodeFrameHeader(footageID int64, payloadSize int) []byte {
	b := make([]byte, frameHeaderSize)
	b[0] = frameMark
	b[1] = msgTypeFrame
	binary.LittleEndian.PutUint32(b[2:6], uint32(frameSizeBias+payloadSize))
	binary.LittleEndian.PutUint32(b[6:10], uint32(footageID))
	binary.LittleEndian.PutUint32(b[10:14], uint32(payloadSize))
	return b
}

// nextResult extracts one complete result frame from the front of buf.
// Returns the XML payload and the number of bytes consumed, or 0 when
// the frame is still incomplete.
func nextResult(buf []byte) (xml []byte, consumed int, err error) {
	if len(buf) < resultHeaderSize {
		return nil, 0, nil
	}
	if buf[0] != frameMark {
		return nil, 0, fmt.Errorf("bad result frame mark %v", buf[0])
	}
	size := int(binary.LittleEndian.Uint32(buf[2:6]))
	if size < resultXMLOffset {
		return nil, 0, fmt.Errorf("result frame size %v too small", size)
	}
	if len(buf) < size {
		return nil, 0, nil
	}
	return buf[resultXMLOffset:size], size, nil
}
