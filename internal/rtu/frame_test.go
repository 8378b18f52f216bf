package rtu

import (
	"errors"
	"testing"

	"gotest.tools/v3/assert"
)

func appendCRC(frame []byte) []byte {
	crc := CRC16(frame)
	return append(frame, byte(crc), byte(crc>>8))
}

func TestCRC16KnownValue(t *testing.T) {
	// Read holding 40 regs at 0x1000 from address 126.
	frame := []byte{126, 0x03, 0x10, 0x00, 0x00, 0x28}
	crc := CRC16(frame)
	assert.Equal(t, crc, uint16(0xDB4A))
	// Standard CRC-16/Modbus check value.
	assert.Equal(t, CRC16([]byte("123456789")), uint16(0x4B37))
	built := BuildReadHolding(126, 0x1000, 0x28)
	assert.Equal(t, built[6], byte(crc))
	assert.Equal(t, built[7], byte(crc>>8))
}

func TestBuildReadHolding(t *testing.T) {
	frame := BuildReadHolding(126, 0x1000, 40)
	assert.Equal(t, len(frame), 8)
	assert.Equal(t, frame[0], byte(126))
	assert.Equal(t, frame[1], byte(0x03))
	assert.Equal(t, frame[2], byte(0x10))
	assert.Equal(t, frame[3], byte(0x00))
	assert.Equal(t, frame[4], byte(0x00))
	assert.Equal(t, frame[5], byte(40))
}

func TestBuildWriteSingle(t *testing.T) {
	frame := BuildWriteSingle(126, 0xC007, 50)
	assert.Equal(t, frame[1], byte(0x06))
	assert.Equal(t, frame[2], byte(0xC0))
	assert.Equal(t, frame[3], byte(0x07))
	assert.Equal(t, frame[5], byte(50))
	_, err := ParseResponse(frame)
	assert.NilError(t, err)
}

func TestBuildWriteCoil(t *testing.T) {
	frame := BuildWriteCoil(126, 0xC006, 0xFF00)
	assert.Equal(t, frame[1], byte(0x05))
	assert.Equal(t, frame[4], byte(0xFF))
	assert.Equal(t, frame[5], byte(0x00))
}

func TestParseResponseRoundTrip(t *testing.T) {
	payload := []byte{0x04, 0x12, 0x34, 0x56, 0x78}
	frame := appendCRC(append([]byte{126, 0x03}, payload...))

	resp, err := ParseResponse(frame)
	assert.NilError(t, err)
	assert.Equal(t, resp.Address, uint8(126))
	assert.Equal(t, resp.Function, uint8(0x03))
	assert.DeepEqual(t, resp.Payload, payload)
}

func TestParseResponseShort(t *testing.T) {
	_, err := ParseResponse([]byte{126, 0x03, 0x10})
	assert.ErrorIs(t, err, ErrShortFrame)

	// Header claims 4 data bytes but only 2 arrived so far.
	partial := []byte{126, 0x03, 0x04, 0x12, 0x34}
	_, err = ParseResponse(partial)
	assert.ErrorIs(t, err, ErrShortFrame)
}

func TestParseResponseCRCMismatch(t *testing.T) {
	frame := appendCRC([]byte{126, 0x03, 0x02, 0x00, 0x01})
	frame[3] ^= 0x01
	_, err := ParseResponse(frame)
	assert.ErrorIs(t, err, ErrCRC)
}

func TestParseResponseException(t *testing.T) {
	frame := appendCRC([]byte{126, 0x83, 0x02})
	_, err := ParseResponse(frame)
	var exc *ExceptionError
	assert.Assert(t, errors.As(err, &exc))
	assert.Equal(t, exc.Code, uint8(0x02))
	assert.Equal(t, exc.Function&0x7F, uint8(0x03))
}

func TestParseResponseBitFlipDetected(t *testing.T) {
	frame := appendCRC([]byte{126, 0x03, 0x04, 0xAA, 0xBB, 0xCC, 0xDD})
	good, err := ParseResponse(frame)
	assert.NilError(t, err)

	for i := 0; i < len(frame)*8; i++ {
		flipped := make([]byte, len(frame))
		copy(flipped, frame)
		flipped[i/8] ^= 1 << (i % 8)

		resp, err := ParseResponse(flipped)
		if err != nil {
			continue
		}
		// The only way a flip can parse cleanly is if it never produces
		// the original payload unchanged.
		assert.Assert(t, string(resp.Payload) != string(good.Payload),
			"bit flip %d went undetected", i)
	}
}
