package dsp

import "math"

// FFTEngine implements the EQ/tone stage as overlap-save convolution
// against a frequency-domain mask built from the band curve. Latency
// is fixed at construction time (roughly fftSize/2 frames) and is
// reported via Latency so callers can account for it; internally the
// engine buffers enough input before it can emit output, which is
// exactly that latency manifesting as a startup run of silence.
type FFTEngine struct {
	fftSize    int
	kernelLen  int // M: FIR taps derived from the mask
	hopLen     int // L: new samples consumed per overlap-save step
	freqResp   []complex128
	sampleRate int
	channels   int

	pending  [][]float64
	outQueue [][]float64
	history  [][]float64 // per channel, last kernelLen-1 samples fed to the FFT
}

func NewFFTEngine() *FFTEngine {
	return &FFTEngine{fftSize: 2048}
}

func (e *FFTEngine) SetBands(sampleRate, channels int, bands []Band) {
	e.sampleRate = sampleRate
	e.channels = channels
	e.kernelLen = e.fftSize / 2
	e.hopLen = e.fftSize - e.kernelLen + 1

	e.freqResp = buildFrequencyMask(bands, sampleRate, e.fftSize)
	kernel := maskToKernel(e.freqResp, e.fftSize, e.kernelLen)
	e.freqResp = kernelToFreqResponse(kernel, e.fftSize)

	e.pending = make([][]float64, channels)
	e.outQueue = make([][]float64, channels)
	for ch := range e.pending {
		e.pending[ch] = make([]float64, 0, e.hopLen*2)
		e.outQueue[ch] = make([]float64, 0, e.hopLen*2)
	}
	e.history = make([][]float64, channels)
	for ch := range e.history {
		e.history[ch] = make([]float64, e.kernelLen-1)
	}
}

func (e *FFTEngine) Process(block Block) Block {
	out := NewBlock(block.Frames, block.Channels)
	if e.freqResp == nil {
		copy(out.Samples, block.Samples)
		return out
	}

	for ch := 0; ch < block.Channels; ch++ {
		for i := 0; i < block.Frames; i++ {
			e.pending[ch] = append(e.pending[ch], float64(block.Samples[i*block.Channels+ch]))
		}
		for len(e.pending[ch]) >= e.hopLen {
			segment := e.pending[ch][:e.hopLen]
			e.pending[ch] = e.pending[ch][e.hopLen:]
			produced := e.overlapSaveStep(ch, segment)
			e.outQueue[ch] = append(e.outQueue[ch], produced...)
		}
	}

	for i := 0; i < block.Frames; i++ {
		for ch := 0; ch < block.Channels; ch++ {
			var v float64
			if len(e.outQueue[ch]) > 0 {
				v = e.outQueue[ch][0]
				e.outQueue[ch] = e.outQueue[ch][1:]
			}
			out.Samples[i*block.Channels+ch] = float32(v)
		}
	}
	return out
}

func (e *FFTEngine) overlapSaveStep(ch int, newSamples []float64) []float64 {
	buf := make([]complex128, e.fftSize)
	for i, v := range e.history[ch] {
		buf[i] = complex(v, 0)
	}
	for i, v := range newSamples {
		buf[len(e.history[ch])+i] = complex(v, 0)
	}

	fft(buf, false)
	for i := range buf {
		buf[i] *= e.freqResp[i]
	}
	fft(buf, true)

	valid := make([]float64, e.hopLen)
	for i := 0; i < e.hopLen; i++ {
		valid[i] = real(buf[e.kernelLen-1+i])
	}

	combined := append(append([]float64{}, e.history[ch]...), newSamples...)
	start := len(combined) - (e.kernelLen - 1)
	e.history[ch] = append([]float64{}, combined[start:]...)

	return valid
}

func (e *FFTEngine) Latency() int { return e.kernelLen - 1 }

// buildFrequencyMask samples the composite band-gain curve (sum of
// each band's dB gain, weighted by a smooth falloff around its
// frequency) at fftSize frequency bins and returns the conjugate-
// symmetric complex mask needed for a real-valued inverse transform.
func buildFrequencyMask(bands []Band, sampleRate, fftSize int) []complex128 {
	mask := make([]complex128, fftSize)
	for k := 0; k <= fftSize/2; k++ {
		freq := float64(k) * float64(sampleRate) / float64(fftSize)
		gainDB := 0.0
		for _, b := range bands {
			gainDB += bandGainAt(b, freq)
		}
		lin := math.Pow(10, gainDB/20)
		mask[k] = complex(lin, 0)
		if k != 0 && k != fftSize/2 {
			mask[fftSize-k] = complex(lin, 0)
		}
	}
	return mask
}

// bandGainAt approximates one band's contribution to the composite
// gain curve at freq using a one-octave-wide Gaussian falloff from the
// band's center for peaking bands, and a logistic step for shelves.
func bandGainAt(b Band, freq float64) float64 {
	if freq <= 0 {
		freq = 1
	}
	octaves := math.Log2(freq / b.FreqHz)
	q := b.Q
	if q <= 0 {
		q = 0.707
	}
	width := 1.0 / q

	switch b.Type {
	case LowShelf:
		return b.GainDB * (1 - 1/(1+math.Exp(-octaves/width*4)))
	case HighShelf:
		return b.GainDB * (1 / (1 + math.Exp(-octaves/width*4)))
	default:
		return b.GainDB * math.Exp(-(octaves * octaves) / (2 * width * width))
	}
}

// maskToKernel derives a finite-length, Hann-windowed FIR kernel from
// a frequency-domain mask via the window method: inverse-transform,
// center, and window to kernelLen taps.
func maskToKernel(mask []complex128, fftSize, kernelLen int) []float64 {
	buf := make([]complex128, fftSize)
	copy(buf, mask)
	fft(buf, true)

	kernel := make([]float64, kernelLen)
	half := kernelLen / 2
	for i := 0; i < kernelLen; i++ {
		srcIdx := (i - half + fftSize) % fftSize
		window := 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(kernelLen-1))
		kernel[i] = real(buf[srcIdx]) * window
	}
	return kernel
}

func kernelToFreqResponse(kernel []float64, fftSize int) []complex128 {
	buf := make([]complex128, fftSize)
	for i, v := range kernel {
		buf[i] = complex(v, 0)
	}
	fft(buf, false)
	return buf
}
