package dsp

import "math/cmplx"

// fft computes the in-place radix-2 Cooley-Tukey FFT of x. len(x) must
// be a power of two. No third-party FFT/DSP library appears anywhere
// in this module's dependency stack, so this is a minimal textbook
// implementation sized for the EQ engine's block transform only — it
// is not a general-purpose numerical library.
func fft(x []complex128, inverse bool) {
	n := len(x)
	if n <= 1 {
		return
	}

	bitReverse(x)

	for size := 2; size <= n; size <<= 1 {
		half := size / 2
		angle := -2 * pi / float64(size)
		if inverse {
			angle = -angle
		}
		wStep := cmplx.Rect(1, angle)
		for start := 0; start < n; start += size {
			w := complex(1, 0)
			for i := 0; i < half; i++ {
				even := x[start+i]
				odd := x[start+i+half] * w
				x[start+i] = even + odd
				x[start+i+half] = even - odd
				w *= wStep
			}
		}
	}

	if inverse {
		for i := range x {
			x[i] /= complex(float64(n), 0)
		}
	}
}

func bitReverse(x []complex128) {
	n := len(x)
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			x[i], x[j] = x[j], x[i]
		}
	}
}

const pi = 3.14159265358979323846

// nextPowerOfTwo returns the smallest power of two >= n.
func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
