package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/zaf/resample"
)

// Resample converts 16-bit mono PCM from one sample rate to another using a
// windowed-sinc resampler with anti-aliasing. If the quality resampler cannot
// be constructed it falls back to linear interpolation, which is audible on
// the downsampling path but never fails.
func Resample(pcm []byte, inRate, outRate int) ([]byte, error) {
	if inRate == outRate {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out, nil
	}
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("audio: invalid rates %d -> %d", inRate, outRate)
	}

	var buf bytes.Buffer
	r, err := resample.New(&buf, float64(inRate), float64(outRate), 1, resample.I16, resample.HighQ)
	if err != nil {
		slog.Warn("quality resampler unavailable, using linear interpolation",
			slog.Int("in_rate", inRate),
			slog.Int("out_rate", outRate),
			slog.String("error", err.Error()))
		return resampleLinear(pcm, inRate, outRate), nil
	}

	if _, err := r.Write(pcm); err != nil {
		r.Close()
		return nil, fmt.Errorf("audio: resample %d -> %d: %w", inRate, outRate, err)
	}
	if err := r.Close(); err != nil {
		return nil, fmt.Errorf("audio: resample close: %w", err)
	}
	return buf.Bytes(), nil
}

// resampleLinear is the degraded fallback: linear interpolation between
// neighbouring samples, no anti-alias filtering.
func resampleLinear(pcm []byte, inRate, outRate int) []byte {
	in := make([]int16, len(pcm)/2)
	for i := range in {
		in[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	if len(in) == 0 {
		return nil
	}

	outLen := int(int64(len(in)) * int64(outRate) / int64(inRate))
	if outLen == 0 {
		return nil
	}

	out := make([]byte, outLen*2)
	step := float64(len(in)-1) / float64(outLen)
	for i := 0; i < outLen; i++ {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)

		s := float64(in[j])
		if j+1 < len(in) {
			s += frac * (float64(in[j+1]) - float64(in[j]))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s)))
	}
	return out
}
