// Package fake provides an in-memory telephony provider for tests.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/crowstack/callbridge/pkg/telephony"
)

// FakeProvider records every provider operation and lets tests script call
// statuses. Safe for concurrent use.
type FakeProvider struct {
	mu       sync.Mutex
	nextID   int
	placed   []telephony.CallRequest
	redirect map[string][]string
	ended    []string
	statuses map[string]telephony.CallStatus

	// PlaceErr, when set, fails the next PlaceCall.
	PlaceErr error
}

// NewFakeProvider creates an empty fake provider.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		redirect: make(map[string][]string),
		statuses: make(map[string]telephony.CallStatus),
	}
}

func (f *FakeProvider) PlaceCall(_ context.Context, req telephony.CallRequest) (*telephony.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PlaceErr != nil {
		err := f.PlaceErr
		f.PlaceErr = nil
		return nil, err
	}
	f.nextID++
	id := fmt.Sprintf("fake-call-%d", f.nextID)
	f.placed = append(f.placed, req)
	f.statuses[id] = telephony.StatusQueued
	return &telephony.Call{ID: id, Status: telephony.StatusQueued}, nil
}

func (f *FakeProvider) RedirectCall(_ context.Context, callID, instructionsURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.statuses[callID]; !ok {
		return fmt.Errorf("fake: unknown call %s", callID)
	}
	f.redirect[callID] = append(f.redirect[callID], instructionsURL)
	return nil
}

func (f *FakeProvider) EndCall(_ context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.statuses[callID]; !ok {
		return fmt.Errorf("fake: unknown call %s", callID)
	}
	f.ended = append(f.ended, callID)
	f.statuses[callID] = telephony.StatusCompleted
	return nil
}

func (f *FakeProvider) CallState(_ context.Context, callID string) (telephony.CallStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[callID]
	if !ok {
		return "", fmt.Errorf("fake: unknown call %s", callID)
	}
	return status, nil
}

// SetStatus scripts the status the next CallState poll returns.
func (f *FakeProvider) SetStatus(callID string, status telephony.CallStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[callID] = status
}

// Placed returns a copy of every call request seen so far.
func (f *FakeProvider) Placed() []telephony.CallRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]telephony.CallRequest(nil), f.placed...)
}

// Redirects returns the instruction URLs a call was redirected to.
func (f *FakeProvider) Redirects(callID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.redirect[callID]...)
}

// Ended returns the calls hung up through the provider.
func (f *FakeProvider) Ended() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ended...)
}
