package dsp

import "fmt"

// EngineKind selects which EQ/tone implementation backs a Chain.
type EngineKind string

const (
	EngineIIR EngineKind = "iir"
	EngineFFT EngineKind = "fft"
	EngineFIR EngineKind = "fir"
)

// Config is the full dsp_config document for one device.
type Config struct {
	EQ struct {
		Engine    EngineKind
		Bands     []Band
		BlockSize int
		Taps      int
	}
	Compressor CompressorConfig
	Stereo     StereoConfig
}

func DefaultConfig() Config {
	c := Config{}
	c.EQ.Engine = EngineIIR
	c.Compressor = DefaultCompressorConfig()
	c.Compressor.Enabled = false
	c.Stereo = DefaultStereoConfig()
	return c
}

// Chain is the full per-device signal path: EQ/tone -> compressor ->
// stereo enhancer. Any stage is a no-op when disabled, and with EQ
// flat, compressor disabled, and stereo disabled the chain is the
// identity function within quantization noise.
type Chain struct {
	sampleRate int
	channels   int
	eqEnabled  bool
	eq         Engine
	compressor *Compressor
	stereo     *StereoEnhancer
	config     Config
}

func NewChain(sampleRate, channels int) *Chain {
	c := &Chain{
		sampleRate: sampleRate,
		channels:   channels,
		compressor: NewCompressor(),
		stereo:     NewStereoEnhancer(),
	}
	c.SetConfig(DefaultConfig())
	return c
}

// SetConfig rebuilds coefficients for every stage. Engine switches are
// atomic from the caller's perspective: the next Process call after
// SetConfig returns uses the new engine, never a mix of old and new
// state within one block.
func (c *Chain) SetConfig(config Config) {
	c.config = config
	c.eqEnabled = len(config.EQ.Bands) > 0

	switch config.EQ.Engine {
	case EngineFFT:
		eng := NewFFTEngine()
		if config.EQ.BlockSize > 0 {
			eng.fftSize = config.EQ.BlockSize
		}
		eng.SetBands(c.sampleRate, c.channels, config.EQ.Bands)
		c.eq = eng
	case EngineFIR:
		eng := NewFIREngine()
		if config.EQ.Taps > 0 {
			eng.SetTaps(config.EQ.Taps)
		}
		eng.SetBands(c.sampleRate, c.channels, config.EQ.Bands)
		c.eq = eng
	default:
		eng := NewIIREngine()
		eng.SetBands(c.sampleRate, c.channels, config.EQ.Bands)
		c.eq = eng
	}

	c.compressor.SetParams(c.sampleRate, c.channels, config.Compressor)
	c.stereo.SetParams(c.sampleRate, config.Stereo)
}

func (c *Chain) GetConfig() Config {
	return c.config
}

// Validate rejects a Config before it ever reaches SetConfig: an
// unrecognized engine, a non-positive band frequency/Q, or an unknown
// band type would otherwise be silently remapped or panic deep inside
// the engine it builds.
func (c Config) Validate() error {
	switch c.EQ.Engine {
	case "", EngineIIR, EngineFFT, EngineFIR:
	default:
		return fmt.Errorf("dsp config: unknown eq engine %q", c.EQ.Engine)
	}
	for i, b := range c.EQ.Bands {
		if b.FreqHz <= 0 {
			return fmt.Errorf("dsp config: band %d: freq_hz must be > 0", i)
		}
		if b.Q <= 0 {
			return fmt.Errorf("dsp config: band %d: q must be > 0", i)
		}
		switch b.Type {
		case Peaking, LowShelf, HighShelf:
		default:
			return fmt.Errorf("dsp config: band %d: unknown type %q", i, b.Type)
		}
	}
	if err := c.Compressor.Validate(); err != nil {
		return err
	}
	if err := c.Stereo.Validate(); err != nil {
		return err
	}
	return nil
}

// Process runs one block through EQ/tone, compressor, stereo enhancer
// in order.
func (c *Chain) Process(block Block) Block {
	out := block
	if c.eqEnabled && c.eq != nil {
		out = c.eq.Process(out)
	}
	out = c.compressor.Process(out)
	out = c.stereo.Process(out)
	return out
}

// Latency reports the EQ engine's added latency in frames; compressor
// and stereo add none.
func (c *Chain) Latency() int {
	if c.eqEnabled && c.eq != nil {
		return c.eq.Latency()
	}
	return 0
}
