package audio

import (
	"encoding/binary"
	"math"
)

// TargetSampleRate is the fixed wire rate for outbound PCM frames.
const TargetSampleRate = 16000

// Downsample reduces mono float samples from srcRate to dstRate by pure
// decimation: output sample i is input sample floor(i*srcRate/dstRate), and
// there are floor(len(in)*dstRate/srcRate) output samples. Both are computed
// in integer arithmetic so the lengths are exact at every rate.
//
// There is no anti-alias filtering, so content above dstRate/2 folds back into
// the passband. Speech at 16 kHz tolerates this well enough.
//
// If srcRate <= dstRate (or either rate is invalid) the input is returned
// unchanged.
func Downsample(in []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate <= dstRate {
		return in
	}
	n := len(in) * dstRate / srcRate
	out := make([]float32, n)
	for i := range n {
		out[i] = in[i*srcRate/dstRate]
	}
	return out
}

// EncodePCM16 converts float samples to signed 16-bit little-endian PCM.
// Each sample is clamped to [-1, 1] first; negative values scale by 0x8000 and
// non-negative values by 0x7FFF so both ends of the int16 range are reachable.
// The scaled value is truncated toward zero. NaN encodes as silence.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(FloatToInt16(s)))
	}
	return out
}

// FloatToInt16 converts one float sample using the scaling rules of
// [EncodePCM16].
func FloatToInt16(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	v = max(-1, min(1, v))
	if v < 0 {
		return int16(v * 0x8000)
	}
	return int16(v * 0x7FFF)
}
