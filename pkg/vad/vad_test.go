package vad

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/matryer/is"

	"github.com/crowstack/callbridge/pkg/audio"
)

func loudFrame() []byte {
	pcm := make([]byte, audio.FrameBytes*2)
	for i := 0; i < audio.FrameBytes; i++ {
		s := int16(8000 * math.Sin(2*math.Pi*float64(i)/32))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return audio.EncodeMulaw(pcm)
}

func quietFrame() []byte {
	return audio.EncodeMulaw(make([]byte, audio.FrameBytes*2))
}

func TestSegmenterUtterance(t *testing.T) {
	is := is.New(t)

	s := New(Config{})
	loud, quiet := loudFrame(), quietFrame()

	// The debounce holds events back until the run is long enough.
	for i := 0; i < DefaultMinSpeechFrames-1; i++ {
		is.Equal(len(s.Push(loud, false)), 0)
	}

	events := s.Push(loud, false)
	is.Equal(len(events), 1)
	is.Equal(events[0].Type, EventSpeechStart)

	// Silence short of the hangover keeps the utterance open.
	for i := 0; i < DefaultMinSilenceFrames-1; i++ {
		is.Equal(len(s.Push(quiet, false)), 0)
	}

	events = s.Push(quiet, false)
	is.Equal(len(events), 1)
	is.Equal(events[0].Type, EventUtteranceEnd)

	// The utterance spans every frame from the first speech frame through
	// the trailing silence.
	wantFrames := DefaultMinSpeechFrames + DefaultMinSilenceFrames
	is.Equal(len(events[0].Utterance), wantFrames*audio.FrameBytes)
}

func TestSegmenterDebounceRejectsNoise(t *testing.T) {
	is := is.New(t)

	s := New(Config{})
	loud, quiet := loudFrame(), quietFrame()

	// A burst shorter than the debounce never opens an utterance.
	for i := 0; i < DefaultMinSpeechFrames-1; i++ {
		is.Equal(len(s.Push(loud, false)), 0)
	}
	is.Equal(len(s.Push(quiet, false)), 0)

	// The run counter restarted: the same short burst again stays silent.
	for i := 0; i < DefaultMinSpeechFrames-1; i++ {
		is.Equal(len(s.Push(loud, false)), 0)
	}
	is.Equal(len(s.Push(quiet, false)), 0)
}

func TestSegmenterSpeechResetsHangover(t *testing.T) {
	is := is.New(t)

	s := New(Config{})
	loud, quiet := loudFrame(), quietFrame()

	for i := 0; i < DefaultMinSpeechFrames; i++ {
		s.Push(loud, false)
	}

	// Almost close the utterance, then speak again.
	for i := 0; i < DefaultMinSilenceFrames-1; i++ {
		s.Push(quiet, false)
	}
	is.Equal(len(s.Push(loud, false)), 0)

	// The hangover starts over from zero.
	for i := 0; i < DefaultMinSilenceFrames-1; i++ {
		is.Equal(len(s.Push(quiet, false)), 0)
	}
	events := s.Push(quiet, false)
	is.Equal(len(events), 1)
	is.Equal(events[0].Type, EventUtteranceEnd)
}

func TestSegmenterBargeIn(t *testing.T) {
	is := is.New(t)

	s := New(Config{})
	loud := loudFrame()

	// Speech over playback flags a barge-in within the barge-in window,
	// before the speech debounce is satisfied.
	for i := 0; i < DefaultBargeInFrames-1; i++ {
		is.Equal(len(s.Push(loud, true)), 0)
	}
	events := s.Push(loud, true)
	is.Equal(len(events), 1)
	is.Equal(events[0].Type, EventBargeIn)

	// The latch holds for the rest of this playback.
	for i := 0; i < DefaultMinSpeechFrames-DefaultBargeInFrames-1; i++ {
		is.Equal(len(s.Push(loud, true)), 0)
	}
	events = s.Push(loud, true)
	is.Equal(len(events), 1)
	is.Equal(events[0].Type, EventSpeechStart)
}

func TestSegmenterNoBargeInWhenIdle(t *testing.T) {
	is := is.New(t)

	s := New(Config{})
	loud := loudFrame()

	for i := 0; i < DefaultMinSpeechFrames; i++ {
		for _, ev := range s.Push(loud, false) {
			is.True(ev.Type != EventBargeIn)
		}
	}
}

func TestSegmenterReset(t *testing.T) {
	is := is.New(t)

	s := New(Config{})
	loud, quiet := loudFrame(), quietFrame()

	for i := 0; i < DefaultMinSpeechFrames; i++ {
		s.Push(loud, false)
	}
	s.Reset()

	// The partial utterance is gone; a fresh one starts from scratch.
	for i := 0; i < DefaultMinSpeechFrames; i++ {
		s.Push(loud, false)
	}
	for i := 0; i < DefaultMinSilenceFrames-1; i++ {
		s.Push(quiet, false)
	}
	events := s.Push(quiet, false)
	is.Equal(len(events), 1)
	wantFrames := DefaultMinSpeechFrames + DefaultMinSilenceFrames
	is.Equal(len(events[0].Utterance), wantFrames*audio.FrameBytes)
}
