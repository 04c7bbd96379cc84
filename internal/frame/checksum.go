package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/sigurn/crc16"
)

var x25 = crc16.MakeTable(crc16.CRC16_X_25)

// Checksum returns the CRC16/X.25 of data.
func Checksum(data []byte) uint16 {
	return crc16.Checksum(data, x25)
}

// VerifyChecksum checks the trailing checksum of a complete frame.
// The checksum covers everything before the last two bytes, which carry
// the value little-endian.
func VerifyChecksum(frame []byte) error {
	if len(frame) < MinCapacity {
		return fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
	}
	body := frame[:len(frame)-2]
	want := binary.LittleEndian.Uint16(frame[len(frame)-2:])
	if got := Checksum(body); got != want {
		return fmt.Errorf("%w: got %04X, frame says %04X", ErrChecksum, got, want)
	}
	return nil
}

// Payload returns the part of a complete frame handed to a decoder: the
// frame without its 8-byte head and 8-byte tail.
func Payload(frame []byte) []byte {
	if len(frame) < 16 {
		return nil
	}
	return frame[8 : len(frame)-8]
}
