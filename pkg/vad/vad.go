// Package vad segments an inbound 8kHz mu-law frame stream into utterances
// using frame energy. It is deliberately model-free: a frame is speech when
// its RMS energy after decompanding crosses a fixed threshold, and runs of
// speech and silence frames drive the segmentation state machine.
package vad

import (
	"fmt"

	"github.com/crowstack/callbridge/pkg/audio"
)

// Defaults tuned for 20ms frames on a telephone line.
const (
	DefaultEnergyThreshold  = 500.0
	DefaultMinSpeechFrames  = 5  // 100ms debounce before speech is trusted
	DefaultMinSilenceFrames = 30 // 600ms hangover before an utterance closes
	DefaultBargeInFrames    = 3  // 60ms of speech over playback interrupts it
)

// EventType identifies what the segmenter observed on a frame boundary.
type EventType int

const (
	// EventSpeechStart fires on the frame where the speech run first reaches
	// the debounce length. The frames that formed the run are already part
	// of the utterance buffer.
	EventSpeechStart EventType = iota
	// EventBargeIn fires when the caller speaks over active playback.
	EventBargeIn
	// EventUtteranceEnd fires when the silence hangover elapses. The event
	// carries the full utterance, trailing silence included.
	EventUtteranceEnd
)

func (t EventType) String() string {
	switch t {
	case EventSpeechStart:
		return "speech_start"
	case EventBargeIn:
		return "barge_in"
	case EventUtteranceEnd:
		return "utterance_end"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is one segmentation observation. Utterance is set only on
// EventUtteranceEnd and holds mu-law bytes.
type Event struct {
	Type      EventType
	Utterance []byte
}

// Config tunes the segmenter. Zero values select the defaults.
type Config struct {
	EnergyThreshold  float64
	MinSpeechFrames  int
	MinSilenceFrames int
	BargeInFrames    int
}

func (c Config) withDefaults() Config {
	if c.EnergyThreshold == 0 {
		c.EnergyThreshold = DefaultEnergyThreshold
	}
	if c.MinSpeechFrames == 0 {
		c.MinSpeechFrames = DefaultMinSpeechFrames
	}
	if c.MinSilenceFrames == 0 {
		c.MinSilenceFrames = DefaultMinSilenceFrames
	}
	if c.BargeInFrames == 0 {
		c.BargeInFrames = DefaultBargeInFrames
	}
	return c
}

// Segmenter accumulates frames into utterances. It is not safe for
// concurrent use; each call owns exactly one segmenter.
type Segmenter struct {
	cfg Config

	inUtterance bool
	speechRun   int
	silenceRun  int
	bargedIn    bool

	// pending holds speech frames seen before the debounce is satisfied so
	// the utterance starts at the first frame of the run, not the fifth.
	pending []byte
	buf     []byte
}

// New returns a segmenter with cfg's zero fields replaced by defaults.
func New(cfg Config) *Segmenter {
	return &Segmenter{cfg: cfg.withDefaults()}
}

// Push consumes one 20ms mu-law frame and returns any events it triggered.
// playing reports whether agent audio is currently being sent to the caller,
// which arms barge-in detection.
func (s *Segmenter) Push(frame []byte, playing bool) []Event {
	isSpeech := audio.FrameEnergy(frame) >= s.cfg.EnergyThreshold

	// The barge-in latch re-arms as soon as playback stops so the next
	// playback can be interrupted again.
	if !playing {
		s.bargedIn = false
	}

	var events []Event

	if s.inUtterance {
		s.buf = append(s.buf, frame...)
		if isSpeech {
			s.silenceRun = 0
			s.speechRun++
			if playing && !s.bargedIn && s.speechRun >= s.cfg.BargeInFrames {
				s.bargedIn = true
				events = append(events, Event{Type: EventBargeIn})
			}
			return events
		}

		s.speechRun = 0
		s.silenceRun++
		if s.silenceRun >= s.cfg.MinSilenceFrames {
			utt := s.buf
			s.reset()
			events = append(events, Event{Type: EventUtteranceEnd, Utterance: utt})
		}
		return events
	}

	if !isSpeech {
		// A speech run that dies before the debounce was noise.
		s.speechRun = 0
		s.pending = s.pending[:0]
		return nil
	}

	s.speechRun++
	s.pending = append(s.pending, frame...)
	if s.speechRun < s.cfg.MinSpeechFrames {
		if playing && !s.bargedIn && s.speechRun >= s.cfg.BargeInFrames {
			s.bargedIn = true
			events = append(events, Event{Type: EventBargeIn})
		}
		return events
	}

	s.inUtterance = true
	s.buf = append(s.buf, s.pending...)
	s.pending = s.pending[:0]
	s.silenceRun = 0
	events = append(events, Event{Type: EventSpeechStart})
	if playing && !s.bargedIn {
		s.bargedIn = true
		events = append(events, Event{Type: EventBargeIn})
	}
	return events
}

// Reset discards any partial utterance and clears the barge-in latch.
// The stream handler calls it when playback finishes or the call ends.
func (s *Segmenter) Reset() {
	s.reset()
}

func (s *Segmenter) reset() {
	s.inUtterance = false
	s.speechRun = 0
	s.silenceRun = 0
	s.bargedIn = false
	s.pending = s.pending[:0]
	s.buf = nil
}
