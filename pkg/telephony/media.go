package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Media-stream protocol: the provider connects a websocket to us and
// exchanges JSON messages. Inbound events describe the stream lifecycle and
// carry 20ms frames of base64 mu-law; outbound messages play audio to the
// caller or clear what the provider has buffered.

// Stream event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventDTMF      = "dtmf"
	EventMark      = "mark"
	EventClear     = "clear"
)

// StreamMessage is one inbound websocket message.
type StreamMessage struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid,omitempty"`
	Start     *StreamStart `json:"start,omitempty"`
	Media     *StreamMedia `json:"media,omitempty"`
	DTMF      *StreamDTMF  `json:"dtmf,omitempty"`
	Mark      *StreamMark  `json:"mark,omitempty"`
}

// StreamStart accompanies the start event.
type StreamStart struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// StreamMedia carries one frame of base64 mu-law.
type StreamMedia struct {
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// Frame decodes the mu-law payload.
func (m *StreamMedia) Frame() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("telephony: decode media payload: %w", err)
	}
	return data, nil
}

// StreamDTMF carries a keypress heard on the stream.
type StreamDTMF struct {
	Digit string `json:"digit"`
}

// StreamMark echoes a mark we previously sent, signalling the provider has
// played all audio queued before it.
type StreamMark struct {
	Name string `json:"name"`
}

type outboundMedia struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid"`
	Media     *mediaBody  `json:"media,omitempty"`
	Mark      *StreamMark `json:"mark,omitempty"`
}

type mediaBody struct {
	Payload string `json:"payload"`
}

// MediaMessage encodes one outbound chunk of mu-law for the stream.
func MediaMessage(streamSID string, mulaw []byte) ([]byte, error) {
	return json.Marshal(outboundMedia{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &mediaBody{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	})
}

// ClearMessage tells the provider to drop any audio it has buffered for the
// caller. Sent on barge-in.
func ClearMessage(streamSID string) ([]byte, error) {
	return json.Marshal(outboundMedia{Event: EventClear, StreamSID: streamSID})
}

// MarkMessage asks the provider to echo name once everything queued before
// it has played.
func MarkMessage(streamSID, name string) ([]byte, error) {
	return json.Marshal(outboundMedia{
		Event:     EventMark,
		StreamSID: streamSID,
		Mark:      &StreamMark{Name: name},
	})
}
