// Package dsp implements the real-time processing chain: EQ/tone,
// compressor, stereo enhancer. Everything operates on blocks of
// interleaved float32 samples in [-1, 1]; integer PCM is converted at
// the chain's edges.
package dsp

import (
	"encoding/binary"
	"math"
)

// Block is one chunk of audio: Frames samples per channel, Channels
// channels, interleaved, float32 in [-1, 1].
type Block struct {
	Samples  []float32 // len == Frames*Channels
	Frames   int
	Channels int
}

// NewBlock allocates a zeroed block.
func NewBlock(frames, channels int) Block {
	return Block{Samples: make([]float32, frames*channels), Frames: frames, Channels: channels}
}

// Clone returns a deep copy, used where a stage needs to read the
// pre-processing signal (e.g. bit-for-bit bypass tests).
func (b Block) Clone() Block {
	out := NewBlock(b.Frames, b.Channels)
	copy(out.Samples, b.Samples)
	return out
}

// DecodeS16LE converts interleaved little-endian int16 PCM bytes into
// a float32 Block, scaling by 1/32768.
func DecodeS16LE(data []byte, channels int) Block {
	frames := len(data) / 2 / channels
	block := NewBlock(frames, channels)
	for i := 0; i < frames*channels; i++ {
		v := int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
		block.Samples[i] = float32(v) / 32768.0
	}
	return block
}

// EncodeS16LE converts a float32 Block back to interleaved
// little-endian int16 PCM bytes, clamping to the representable range.
func EncodeS16LE(block Block) []byte {
	out := make([]byte, len(block.Samples)*2)
	for i, s := range block.Samples {
		v := s * 32768.0
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(int16(v)))
	}
	return out
}

// DecodeF32LE converts interleaved little-endian float32 PCM bytes
// into a Block (a straight reinterpretation, no scaling).
func DecodeF32LE(data []byte, channels int) Block {
	frames := len(data) / 4 / channels
	block := NewBlock(frames, channels)
	for i := 0; i < frames*channels; i++ {
		bits := binary.LittleEndian.Uint32(data[i*4 : i*4+4])
		block.Samples[i] = math.Float32frombits(bits)
	}
	return block
}

// EncodeF32LE is the inverse of DecodeF32LE.
func EncodeF32LE(block Block) []byte {
	out := make([]byte, len(block.Samples)*4)
	for i, s := range block.Samples {
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], math.Float32bits(s))
	}
	return out
}
