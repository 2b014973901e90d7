package dsp

import (
	"math"
	"testing"
)

func sineBlock(freq float64, sampleRate, frames, channels int) Block {
	b := NewBlock(frames, channels)
	for i := 0; i < frames; i++ {
		s := float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		for ch := 0; ch < channels; ch++ {
			b.Samples[i*channels+ch] = s
		}
	}
	return b
}

func TestChain_IdentityWhenAllStagesFlat(t *testing.T) {
	chain := NewChain(44100, 2)
	chain.SetConfig(DefaultConfig()) // flat EQ (no bands), compressor disabled, stereo disabled

	in := sineBlock(1000, 44100, 512, 2)
	out := chain.Process(in.Clone())

	for i := range in.Samples {
		diff := math.Abs(float64(in.Samples[i] - out.Samples[i]))
		if diff > 1e-6 {
			t.Fatalf("sample %d diverged: in=%v out=%v", i, in.Samples[i], out.Samples[i])
		}
	}
}

func TestS16RoundTrip_PreservesSamplesWithinQuantization(t *testing.T) {
	in := sineBlock(1000, 44100, 256, 2)
	data := EncodeS16LE(in)
	out := DecodeS16LE(data, 2)

	for i := range in.Samples {
		diff := math.Abs(float64(in.Samples[i] - out.Samples[i]))
		if diff > 1.0/32767.0+1e-6 {
			t.Fatalf("sample %d exceeded quantization tolerance: in=%v out=%v diff=%v", i, in.Samples[i], out.Samples[i], diff)
		}
	}
}

func TestIIREngine_PeakingBoostAt1kHz(t *testing.T) {
	eng := NewIIREngine()
	eng.SetBands(44100, 1, []Band{{FreqHz: 1000, GainDB: 6, Q: 1, Type: Peaking}})

	gainDB := measureGainDB(eng, 1000, 44100)
	if math.Abs(gainDB-6) > 0.5 {
		t.Errorf("expected ~+6dB at 1kHz, got %.2fdB", gainDB)
	}
}

// measureGainDB feeds a long steady-state sine through eng and
// compares output RMS to input RMS, letting the filter settle first.
func measureGainDB(eng Engine, freq float64, sampleRate int) float64 {
	block := NewBlock(8192, 1)
	for i := 0; i < block.Frames; i++ {
		block.Samples[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	out := eng.Process(block)

	settleFrom := block.Frames / 2
	var inSum, outSum float64
	for i := settleFrom; i < block.Frames; i++ {
		inSum += float64(block.Samples[i]) * float64(block.Samples[i])
		outSum += float64(out.Samples[i]) * float64(out.Samples[i])
	}
	ratio := outSum / inSum
	return 10 * math.Log10(ratio)
}

func TestCompressor_ReducesGainAboveThreshold(t *testing.T) {
	c := NewCompressor()
	cfg := DefaultCompressorConfig()
	cfg.Enabled = true
	cfg.ThresholdDB = -12
	cfg.Ratio = 4
	cfg.AttackMS = 1
	cfg.ReleaseMS = 50
	c.SetParams(44100, 1, cfg)

	block := NewBlock(4096, 1)
	for i := range block.Samples {
		block.Samples[i] = 0.9
	}
	out := c.Process(block)

	if out.Samples[len(out.Samples)-1] >= block.Samples[0] {
		t.Errorf("expected compressed output below input level, got %v (input %v)", out.Samples[len(out.Samples)-1], block.Samples[0])
	}
}

func TestStereoEnhancer_MonoPassthrough(t *testing.T) {
	e := NewStereoEnhancer()
	e.SetParams(44100, StereoConfig{Enabled: true, SideGainDB: 6})

	block := NewBlock(16, 1)
	for i := range block.Samples {
		block.Samples[i] = 0.3
	}
	out := e.Process(block.Clone())

	for i := range block.Samples {
		if out.Samples[i] != block.Samples[i] {
			t.Fatalf("mono input should pass through unchanged at %d", i)
		}
	}
}

func TestStereoEnhancer_WidensSideChannel(t *testing.T) {
	e := NewStereoEnhancer()
	e.SetParams(44100, StereoConfig{Enabled: true, SideGainDB: 6, MidGainDB: 0})

	block := NewBlock(8, 2)
	for i := 0; i < block.Frames; i++ {
		block.Samples[i*2] = 0.5
		block.Samples[i*2+1] = 0.1
	}
	out := e.Process(block)

	origSide := (0.5 - 0.1) / 2
	gotSide := (out.Samples[0] - out.Samples[1]) / 2
	if math.Abs(float64(gotSide)) <= math.Abs(float64(origSide)) {
		t.Errorf("expected widened side signal, got %v (orig %v)", gotSide, origSide)
	}
}
