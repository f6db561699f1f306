// Package audio converts between the 8kHz mu-law telephony line format and
// the wideband linear PCM the speech models consume. All PCM in this package
// is 16-bit little-endian mono unless stated otherwise.
package audio

import (
	"encoding/binary"
	"math"

	"github.com/zaf/g711"
)

const (
	// LineRate is the telephony line sample rate.
	LineRate = 8000
	// WideRate is the sample rate handed to the transcriber.
	WideRate = 16000

	// FrameBytes is the size of one 20ms media-stream frame of 8kHz mu-law.
	FrameBytes = 160
)

// DecodeMulaw converts mu-law bytes to 16-bit linear PCM.
func DecodeMulaw(data []byte) []byte {
	return g711.DecodeUlaw(data)
}

// EncodeMulaw converts 16-bit linear PCM to mu-law bytes.
func EncodeMulaw(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm)
}

// RMS computes the root-mean-square energy of 16-bit little-endian PCM.
// A trailing odd byte is ignored.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(n))
}

// FrameEnergy decompands one mu-law frame and returns its RMS energy.
func FrameEnergy(mulaw []byte) float64 {
	return RMS(DecodeMulaw(mulaw))
}
