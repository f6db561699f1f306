package audio

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/matryer/is"
)

// sinePCM generates n samples of a sine wave at the given amplitude.
func sinePCM(n int, amplitude float64) []byte {
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		s := int16(amplitude * math.Sin(2*math.Pi*float64(i)/32))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

func TestRMS(t *testing.T) {
	tests := []struct {
		name string
		pcm  []byte
		min  float64
		max  float64
	}{
		{name: "empty", pcm: nil, min: 0, max: 0},
		{name: "silence", pcm: make([]byte, 320), min: 0, max: 0},
		{name: "full sine", pcm: sinePCM(160, 10000), min: 6000, max: 8000},
		{name: "quiet sine", pcm: sinePCM(160, 100), min: 50, max: 90},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RMS(tt.pcm)
			if got < tt.min || got > tt.max {
				t.Errorf("RMS() = %v, want in [%v, %v]", got, tt.min, tt.max)
			}
		})
	}
}

func TestMulawRoundTrip(t *testing.T) {
	is := is.New(t)

	pcm := sinePCM(160, 8000)
	mulaw := EncodeMulaw(pcm)
	is.Equal(len(mulaw), 160) // one byte per sample

	decoded := DecodeMulaw(mulaw)
	is.Equal(len(decoded), len(pcm)) // two bytes per sample back

	// Mu-law is lossy; check samples survive within segment quantization error.
	for i := 0; i < 160; i++ {
		want := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		got := int16(binary.LittleEndian.Uint16(decoded[i*2:]))
		diff := int(want) - int(got)
		if diff < 0 {
			diff = -diff
		}
		if diff > 512 {
			t.Fatalf("sample %d: want %d, got %d (diff %d)", i, want, got, diff)
		}
	}
}

func TestFrameEnergy(t *testing.T) {
	is := is.New(t)

	loud := EncodeMulaw(sinePCM(160, 10000))
	quiet := EncodeMulaw(make([]byte, 320))

	is.True(FrameEnergy(loud) > 1000)
	is.True(FrameEnergy(quiet) < 100)
}

func TestEncodeWAV(t *testing.T) {
	is := is.New(t)

	pcm := sinePCM(1600, 5000)
	wav := EncodeWAV(pcm, WideRate, 1)

	is.Equal(len(wav), len(pcm)+44)
	is.Equal(string(wav[0:4]), "RIFF")
	is.Equal(string(wav[8:12]), "WAVE")
	is.Equal(binary.LittleEndian.Uint16(wav[22:]), uint16(1))          // mono
	is.Equal(binary.LittleEndian.Uint32(wav[24:]), uint32(WideRate))   // sample rate
	is.Equal(binary.LittleEndian.Uint32(wav[28:]), uint32(WideRate*2)) // byte rate
	is.Equal(binary.LittleEndian.Uint16(wav[34:]), uint16(16))         // bits per sample
	is.Equal(binary.LittleEndian.Uint32(wav[40:]), uint32(len(pcm)))   // data size
}

func TestResampleLinearRatio(t *testing.T) {
	in := sinePCM(1600, 5000) // 100ms at 16kHz

	out := resampleLinear(in, WideRate, LineRate)
	if len(out) != 1600 { // 100ms at 8kHz, 2 bytes per sample
		t.Fatalf("resampleLinear length = %d, want 1600", len(out))
	}

	up := resampleLinear(out, LineRate, WideRate)
	if len(up) != 3200 {
		t.Fatalf("upsample length = %d, want 3200", len(up))
	}
}

func TestResampleSameRate(t *testing.T) {
	is := is.New(t)

	in := sinePCM(160, 1000)
	out, err := Resample(in, LineRate, LineRate)
	is.NoErr(err)
	is.Equal(out, in)
}
