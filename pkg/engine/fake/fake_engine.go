// Package fake provides scripted engine and speech collaborators for tests.
package fake

import (
	"context"
	"sync"

	"github.com/crowstack/callbridge/pkg/engine"
	"github.com/crowstack/callbridge/pkg/session"
)

// FakeEngine returns scripted turn results in order, repeating the last one
// when the script runs out. It records every input it was given.
type FakeEngine struct {
	mu      sync.Mutex
	script  []engine.TurnResult
	cursor  int
	inputs  []string
	TurnErr error
}

// NewFakeEngine creates an engine scripted with the given results. An empty
// script yields a fixed reply.
func NewFakeEngine(script ...engine.TurnResult) *FakeEngine {
	if len(script) == 0 {
		script = []engine.TurnResult{{Reply: "This is a fake engine reply."}}
	}
	return &FakeEngine{script: script}
}

func (f *FakeEngine) ProcessTurn(_ context.Context, _ *session.State, input string) (*engine.TurnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, input)
	if f.TurnErr != nil {
		return nil, f.TurnErr
	}
	res := f.script[f.cursor]
	if f.cursor < len(f.script)-1 {
		f.cursor++
	}
	return &res, nil
}

// Inputs returns every turn input seen so far.
func (f *FakeEngine) Inputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.inputs...)
}

// FakeTranscriber returns a fixed transcript for every utterance.
type FakeTranscriber struct {
	mu         sync.Mutex
	Transcript string
	Err        error
	calls      int
}

func (f *FakeTranscriber) Transcribe(_ context.Context, _ []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.Err != nil {
		return "", f.Err
	}
	if f.Transcript == "" {
		return "fake transcript", nil
	}
	return f.Transcript, nil
}

// Calls returns how many utterances were transcribed.
func (f *FakeTranscriber) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// FakeSynthesizer returns a fixed PCM buffer for every reply.
type FakeSynthesizer struct {
	PCM        []byte
	SampleRate int
	Err        error
}

func (f *FakeSynthesizer) Synthesize(_ context.Context, _ string) ([]byte, int, error) {
	if f.Err != nil {
		return nil, 0, f.Err
	}
	pcm := f.PCM
	if pcm == nil {
		pcm = make([]byte, 640) // 20ms at 16kHz
	}
	rate := f.SampleRate
	if rate == 0 {
		rate = 16000
	}
	return pcm, rate, nil
}
