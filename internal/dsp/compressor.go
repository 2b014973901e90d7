package dsp

import (
	"fmt"
	"math"
)

// CompressorConfig matches the dsp_config.compressor schema.
type CompressorConfig struct {
	Enabled    bool
	ThresholdDB float64
	Ratio       float64
	AttackMS    float64
	ReleaseMS   float64
	MakeupDB    float64
	KneeDB      float64
	LinkStereo  bool
}

func DefaultCompressorConfig() CompressorConfig {
	return CompressorConfig{ThresholdDB: -18, Ratio: 3, AttackMS: 10, ReleaseMS: 100, MakeupDB: 0, KneeDB: 6}
}

// Compressor is a standard feed-forward dynamics processor: an
// envelope follower per channel (or linked across channels) drives a
// soft-knee gain computer, whose output is applied to the signal and
// hard-clipped to [-1, 1]; no saturation curve is applied below that.
type Compressor struct {
	config     CompressorConfig
	sampleRate int
	envelope   []float64 // per channel, or length 1 if linked
}

func NewCompressor() *Compressor {
	return &Compressor{config: DefaultCompressorConfig()}
}

func (c *Compressor) SetParams(sampleRate, channels int, config CompressorConfig) {
	c.config = config
	c.sampleRate = sampleRate
	n := channels
	if config.LinkStereo {
		n = 1
	}
	if len(c.envelope) != n {
		c.envelope = make([]float64, n)
	}
}

func (c *Compressor) GetParams() CompressorConfig {
	return c.config
}

// Validate rejects parameter combinations that would make gainFor
// produce meaningless or wildly swinging gain.
func (c CompressorConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Ratio < 1 {
		return fmt.Errorf("dsp config: compressor ratio must be >= 1")
	}
	if c.AttackMS <= 0 {
		return fmt.Errorf("dsp config: compressor attack_ms must be > 0")
	}
	if c.ReleaseMS <= 0 {
		return fmt.Errorf("dsp config: compressor release_ms must be > 0")
	}
	if c.KneeDB < 0 {
		return fmt.Errorf("dsp config: compressor knee_db must be >= 0")
	}
	if c.ThresholdDB > 0 || c.ThresholdDB < -60 {
		return fmt.Errorf("dsp config: compressor threshold_db must be in [-60, 0]")
	}
	if c.MakeupDB < 0 || c.MakeupDB > 24 {
		return fmt.Errorf("dsp config: compressor makeup_db must be in [0, 24]")
	}
	return nil
}

func (c *Compressor) Process(block Block) Block {
	out := block.Clone()
	if !c.config.Enabled {
		return out
	}

	attackCoeff := timeConstant(c.config.AttackMS, c.sampleRate)
	releaseCoeff := timeConstant(c.config.ReleaseMS, c.sampleRate)
	makeup := math.Pow(10, c.config.MakeupDB/20)

	for i := 0; i < out.Frames; i++ {
		if c.config.LinkStereo {
			peak := 0.0
			for ch := 0; ch < out.Channels; ch++ {
				v := math.Abs(float64(out.Samples[i*out.Channels+ch]))
				if v > peak {
					peak = v
				}
			}
			c.envelope[0] = followEnvelope(c.envelope[0], peak, attackCoeff, releaseCoeff)
			gain := c.gainFor(c.envelope[0]) * makeup
			for ch := 0; ch < out.Channels; ch++ {
				idx := i*out.Channels + ch
				out.Samples[idx] = softClip(float32(float64(out.Samples[idx]) * gain))
			}
		} else {
			for ch := 0; ch < out.Channels; ch++ {
				idx := i*out.Channels + ch
				v := math.Abs(float64(out.Samples[idx]))
				c.envelope[ch] = followEnvelope(c.envelope[ch], v, attackCoeff, releaseCoeff)
				gain := c.gainFor(c.envelope[ch]) * makeup
				out.Samples[idx] = softClip(float32(float64(out.Samples[idx]) * gain))
			}
		}
	}
	return out
}

// gainFor maps an envelope level (linear) to a linear gain multiplier
// via a soft-knee threshold/ratio curve, all computed in dB.
func (c *Compressor) gainFor(level float64) float64 {
	if level <= 0 {
		return 1
	}
	levelDB := 20 * math.Log10(level)
	knee := c.config.KneeDB
	threshold := c.config.ThresholdDB
	ratio := c.config.Ratio
	if ratio <= 0 {
		ratio = 1
	}

	var gainReductionDB float64
	switch {
	case knee > 0 && levelDB > threshold-knee/2 && levelDB < threshold+knee/2:
		x := levelDB - threshold + knee/2
		gainReductionDB = (1/ratio - 1) * (x * x) / (2 * knee)
	case levelDB >= threshold+knee/2:
		gainReductionDB = (threshold - levelDB) * (1 - 1/ratio)
	default:
		gainReductionDB = 0
	}

	return math.Pow(10, gainReductionDB/20)
}

func timeConstant(ms float64, sampleRate int) float64 {
	if ms <= 0 || sampleRate <= 0 {
		return 0
	}
	return math.Exp(-1.0 / (ms / 1000.0 * float64(sampleRate)))
}

func followEnvelope(prev, input, attackCoeff, releaseCoeff float64) float64 {
	if input > prev {
		return attackCoeff*prev + (1-attackCoeff)*input
	}
	return releaseCoeff*prev + (1-releaseCoeff)*input
}

// softClip clamps x to [-1, 1] and passes smaller values through unchanged.
func softClip(x float32) float32 {
	if x > 1 {
		return 1
	}
	if x < -1 {
		return -1
	}
	return x
}
