package actuator

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func TestEncodeReadFrame(t *testing.T) {
	got := encodeFrame(modeRead, regBattery, []byte{1})
	want := []byte{0x55, 0x00, 0x09, 0x02, 0x01, 0x01, 0xF2, 0x00, 0xAA}
	if !bytes.Equal(got, want) {
		t.Fatalf("frame = % x, want % x", got, want)
	}
}

func TestEncodeWriteFrameChecksum(t *testing.T) {
	got := encodeFrame(modeWrite, regVX, []byte{0xC0})
	// LEN=9, MODE=1, ADDR=0x30, payload=0xC0: 9+1+48+192=250 -> 255-250=5
	if got[6] != 0x05 {
		t.Fatalf("checksum = 0x%02x, want 0x05", got[6])
	}
	if got[2] != 9 {
		t.Fatalf("length = %d, want 9", got[2])
	}
}

func TestParserRoundTripWithNoise(t *testing.T) {
	payload := []byte("R-1.0.3\x00\x00\x00")
	stream := append([]byte{0x13, 0x55, 0x42}, encodeFrame(modeRead, regFirmware, payload)...)

	var p frameParser
	var got []frame
	for _, b := range stream {
		if f, ok := p.feed(b); ok {
			got = append(got, f)
		}
	}

	if len(got) != 1 {
		t.Fatalf("frames = %d, want 1", len(got))
	}
	if got[0].addr != regFirmware || !bytes.Equal(got[0].payload, payload) {
		t.Fatalf("frame = %+v", got[0])
	}
}

func TestParserDropsCorruptChecksum(t *testing.T) {
	bad := encodeFrame(modeRead, regBattery, []byte{87})
	bad[6] ^= 0xFF
	good := encodeFrame(modeRead, regBattery, []byte{64})

	var p frameParser
	var got []frame
	for _, b := range append(bad, good...) {
		if f, ok := p.feed(b); ok {
			got = append(got, f)
		}
	}

	if len(got) != 1 || got[0].payload[0] != 64 {
		t.Fatalf("frames = %+v, want only the valid one", got)
	}
}

func TestVelocityByte(t *testing.T) {
	tests := []struct {
		value, limit float64
		want         byte
	}{
		{value: 0, limit: 25, want: 128},
		{value: 25, limit: 25, want: 255},
		{value: -25, limit: 25, want: 0},
		{value: 12.5, limit: 25, want: 192},
		{value: 20, limit: 100, want: 153},
		{value: -70, limit: 100, want: 38},
		{value: 5, limit: 0, want: 128},
	}
	for _, tt := range tests {
		if got := velocityByte(tt.value, tt.limit); got != tt.want {
			t.Fatalf("velocityByte(%v, %v) = %d, want %d", tt.value, tt.limit, got, tt.want)
		}
	}
}

func TestRegisterDecoders(t *testing.T) {
	le := make([]byte, 4)
	binary.LittleEndian.PutUint32(le, math.Float32bits(-12.5))
	if got := float32LE(le); got != -12.5 {
		t.Fatalf("float32LE = %v, want -12.5", got)
	}

	be := make([]byte, 4)
	binary.BigEndian.PutUint32(be, math.Float32bits(1.5))
	if got := float32BE(be); got != 1.5 {
		t.Fatalf("float32BE = %v, want 1.5", got)
	}

	if got := int16BE([]byte{0xFF, 0x38}); got != -200 {
		t.Fatalf("int16BE = %d, want -200", got)
	}
}
