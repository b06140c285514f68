package actuator

import (
	"encoding/binary"
	"math"
)

// XGO serial framing: 55 00 LEN MODE ADDR PAYLOAD.. CHK 00 AA, with LEN counting
// the whole frame (payload + 8) and CHK = 255 - (LEN+MODE+ADDR+sum(payload)) mod 256.
const (
	frameOverhead = 8

	modeWrite byte = 0x01
	modeRead  byte = 0x02
)

func checksum(length, mode, addr byte, payload []byte) byte {
	sum := int(length) + int(mode) + int(addr)
	for _, b := range payload {
		sum += int(b)
	}
	return byte(255 - sum%256)
}

func encodeFrame(mode, addr byte, payload []byte) []byte {
	length := byte(len(payload) + frameOverhead)
	frame := make([]byte, 0, len(payload)+frameOverhead)
	frame = append(frame, 0x55, 0x00, length, mode, addr)
	frame = append(frame, payload...)
	frame = append(frame, checksum(length, mode, addr, payload), 0x00, 0xAA)
	return frame
}

type frame struct {
	mode    byte
	addr    byte
	payload []byte
}

type parseStage int

const (
	stageHead0 parseStage = iota
	stageHead1
	stageLength
	stageMode
	stageAddr
	stagePayload
	stageChecksum
	stageTail0
	stageTail1
)

// frameParser reassembles frames from a byte stream, resynchronizing on the
// header after any corruption.
type frameParser struct {
	stage   parseStage
	length  byte
	mode    byte
	addr    byte
	need    int
	payload []byte
}

func (p *frameParser) reset() {
	p.stage = stageHead0
	p.payload = p.payload[:0]
}

// feed consumes one byte and returns a frame when one completes.
func (p *frameParser) feed(b byte) (frame, bool) {
	switch p.stage {
	case stageHead0:
		if b == 0x55 {
			p.stage = stageHead1
		}
	case stageHead1:
		if b == 0x00 {
			p.stage = stageLength
		} else {
			p.reset()
		}
	case stageLength:
		p.length = b
		p.stage = stageMode
	case stageMode:
		p.mode = b
		p.stage = stageAddr
	case stageAddr:
		p.addr = b
		p.payload = p.payload[:0]
		p.need = max(0, int(p.length)-frameOverhead)
		if p.need == 0 {
			p.stage = stageChecksum
		} else {
			p.stage = stagePayload
		}
	case stagePayload:
		p.payload = append(p.payload, b)
		if len(p.payload) >= p.need {
			p.stage = stageChecksum
		}
	case stageChecksum:
		if b == checksum(p.length, p.mode, p.addr, p.payload) {
			p.stage = stageTail0
		} else {
			p.reset()
		}
	case stageTail0:
		if b == 0x00 {
			p.stage = stageTail1
		} else {
			p.reset()
		}
	case stageTail1:
		if b == 0xAA {
			out := frame{mode: p.mode, addr: p.addr, payload: append([]byte(nil), p.payload...)}
			p.reset()
			return out, true
		}
		p.reset()
	}
	return frame{}, false
}

// velocityByte maps a signed value within ±limit onto the board's 0..255 scale
// centred on 128.
func velocityByte(value, limit float64) byte {
	if limit <= 0 {
		return 128
	}
	v := int(128 + 128*value/limit)
	return byte(min(255, max(0, v)))
}

// float32LE decodes the board's little-endian float registers.
func float32LE(b []byte) float64 {
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
}

func float32BE(b []byte) float64 {
	return float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
}

func int16BE(b []byte) int16 {
	return int16(binary.BigEndian.Uint16(b))
}
