package dsp

import (
	"fmt"
	"math"
)

// StereoConfig matches the dsp_config.stereo schema.
type StereoConfig struct {
	Enabled   bool
	MidGainDB float64
	SideGainDB float64
	HaasMS    float64
}

func DefaultStereoConfig() StereoConfig {
	return StereoConfig{}
}

// StereoEnhancer widens a stereo image via mid/side decomposition with
// independent mid/side gain and an optional Haas-delay applied to the
// side channel. Mono input (Channels != 2) passes through unchanged,
// per spec.
type StereoEnhancer struct {
	config     StereoConfig
	sampleRate int
	sideDelay  []float32 // ring buffer for the Haas delay
	delayPos   int
}

func NewStereoEnhancer() *StereoEnhancer {
	return &StereoEnhancer{config: DefaultStereoConfig()}
}

func (e *StereoEnhancer) SetParams(sampleRate int, config StereoConfig) {
	e.config = config
	e.sampleRate = sampleRate
	delayFrames := int(config.HaasMS / 1000.0 * float64(sampleRate))
	if delayFrames < 1 {
		delayFrames = 1
	}
	e.sideDelay = make([]float32, delayFrames)
	e.delayPos = 0
}

func (e *StereoEnhancer) GetParams() StereoConfig {
	return e.config
}

// Validate rejects a Haas delay long enough to be audible as an echo
// rather than a width cue, and gain settings extreme enough to be
// almost certainly a mistake rather than a deliberate setting.
func (e StereoConfig) Validate() error {
	if !e.Enabled {
		return nil
	}
	if e.HaasMS < 0 || e.HaasMS > 40 {
		return fmt.Errorf("dsp config: stereo haas_ms must be in [0, 40]")
	}
	if e.MidGainDB < -24 || e.MidGainDB > 24 {
		return fmt.Errorf("dsp config: stereo mid_gain_db must be in [-24, 24]")
	}
	if e.SideGainDB < -24 || e.SideGainDB > 24 {
		return fmt.Errorf("dsp config: stereo side_gain_db must be in [-24, 24]")
	}
	return nil
}

func (e *StereoEnhancer) Process(block Block) Block {
	out := block.Clone()
	if !e.config.Enabled || block.Channels != 2 {
		return out
	}

	midGain := float32(math.Pow(10, e.config.MidGainDB/20))
	sideGain := float32(math.Pow(10, e.config.SideGainDB/20))
	useDelay := e.config.HaasMS > 0 && len(e.sideDelay) > 0

	for i := 0; i < out.Frames; i++ {
		l := out.Samples[i*2]
		r := out.Samples[i*2+1]

		mid := (l + r) / 2 * midGain
		side := (l - r) / 2 * sideGain

		if useDelay {
			delayed := e.sideDelay[e.delayPos]
			e.sideDelay[e.delayPos] = side
			e.delayPos = (e.delayPos + 1) % len(e.sideDelay)
			side = delayed
		}

		out.Samples[i*2] = softClip(mid + side)
		out.Samples[i*2+1] = softClip(mid - side)
	}
	return out
}
