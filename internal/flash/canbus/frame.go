// Package canbus speaks the Katapult admin protocol over raw SocketCAN.
// It covers the two-phase bootloader handshake (assign a temporary node
// identity, then issue a framed command) plus the jump-to-application
// request used to return a node to firmware, and wraps the host-side
// interface management done through ip(8).
package canbus

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Katapult admin protocol constants. The admin channel takes unframed
// identity requests; the data channel takes framed commands with a CRC.
const (
	AdminRequestID  = 0x3f0
	AdminResponseID = 0x3f1
	DataRequestID   = 0x200
	DataResponseID  = 0x201

	cmdSetNodeID = 0x11
	cmdComplete  = 0x15

	// Temporary node id assigned for the duration of a handshake.
	handshakeNodeID = 128

	frameHeader0  = 0x01
	frameHeader1  = 0x88
	frameTrailer0 = 0x99
	frameTrailer1 = 0x03
)

// Frame is one classic CAN frame. Data carries at most 8 bytes.
type Frame struct {
	ID   uint32
	Data []byte
}

const wireFrameSize = 16

// marshalFrame packs a frame into the kernel's can_frame layout.
func marshalFrame(f Frame) ([]byte, error) {
	if len(f.Data) > 8 {
		return nil, fmt.Errorf("canbus: frame payload %d bytes exceeds 8", len(f.Data))
	}
	buf := make([]byte, wireFrameSize)
	binary.LittleEndian.PutUint32(buf[0:4], f.ID)
	buf[4] = byte(len(f.Data))
	copy(buf[8:], f.Data)
	return buf, nil
}

func unmarshalFrame(buf []byte) (Frame, error) {
	if len(buf) < wireFrameSize {
		return Frame{}, fmt.Errorf("canbus: short frame read (%d bytes)", len(buf))
	}
	dlc := int(buf[4])
	if dlc > 8 {
		dlc = 8
	}
	data := make([]byte, dlc)
	copy(data, buf[8:8+dlc])
	return Frame{ID: binary.LittleEndian.Uint32(buf[0:4]), Data: data}, nil
}

// ParseUUID decodes a 12-hex-digit CAN node UUID into its 6 raw bytes.
func ParseUUID(uuid string) ([]byte, error) {
	raw, err := hex.DecodeString(uuid)
	if err != nil {
		return nil, fmt.Errorf("canbus: uuid %q is not hex: %w", uuid, err)
	}
	if len(raw) != 6 {
		return nil, fmt.Errorf("canbus: uuid %q must be 6 bytes, got %d", uuid, len(raw))
	}
	return raw, nil
}

// setIdentityFrame builds the admin request that assigns the handshake node
// id to the node with the given UUID.
func setIdentityFrame(uuidBytes []byte) Frame {
	data := make([]byte, 0, 8)
	data = append(data, cmdSetNodeID)
	data = append(data, uuidBytes...)
	data = append(data, handshakeNodeID)
	return Frame{ID: AdminRequestID, Data: data}
}

// commandFrame wraps a command body in the Katapult data framing:
// header, body, little-endian CRC, trailer.
func commandFrame(body []byte) Frame {
	crc := CRC16(body)
	data := make([]byte, 0, len(body)+6)
	data = append(data, frameHeader0, frameHeader1)
	data = append(data, body...)
	data = append(data, byte(crc&0xff), byte(crc>>8))
	data = append(data, frameTrailer0, frameTrailer1)
	return Frame{ID: DataRequestID, Data: data}
}

// completeFrame builds the framed "complete" command. Katapult treats it as
// the end of a session and jumps to the application.
func completeFrame() Frame {
	return commandFrame([]byte{cmdComplete, 0x00})
}
