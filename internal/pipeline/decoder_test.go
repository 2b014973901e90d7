package pipeline

import "testing"

func TestDecoderConfig_BytesPerFrame(t *testing.T) {
	tests := []struct {
		name     string
		config   DecoderConfig
		expected int
	}{
		{"stereo s16le", DecoderConfig{Channels: 2, Format: PCMFormatS16LE}, 4},
		{"mono s16le", DecoderConfig{Channels: 1, Format: PCMFormatS16LE}, 2},
		{"stereo f32le", DecoderConfig{Channels: 2, Format: PCMFormatF32LE}, 8},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.config.BytesPerFrame(); got != tc.expected {
				t.Errorf("expected %d bytes per frame, got %d", tc.expected, got)
			}
		})
	}
}

func TestPCMFormat_Codec(t *testing.T) {
	if PCMFormatS16LE.codec() != "pcm_s16le" {
		t.Errorf("unexpected codec for s16le: %s", PCMFormatS16LE.codec())
	}
	if PCMFormatF32LE.codec() != "pcm_f32le" {
		t.Errorf("unexpected codec for f32le: %s", PCMFormatF32LE.codec())
	}
}
