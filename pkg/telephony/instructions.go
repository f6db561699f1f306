package telephony

import (
	"encoding/xml"
	"fmt"
)

// Voice instructions are the XML documents the provider fetches to learn how
// to handle a call leg: open a media stream, gather keypresses, join a
// conference, or hang up. Verbs execute in document order.

// Response is the root instruction document.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

// Render serializes the document with the XML declaration the provider
// expects.
func (r *Response) Render() ([]byte, error) {
	body, err := xml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("telephony: render instructions: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// Say speaks text with the provider's built-in voice.
type Say struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

// Pause waits for the given number of seconds.
type Pause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr"`
}

// Redirect fetches a new instruction document.
type Redirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

// Hangup ends the leg.
type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// Gather collects keypresses and posts them to Action. Nested verbs play
// while gathering.
type Gather struct {
	XMLName   xml.Name `xml:"Gather"`
	Input     string   `xml:"input,attr,omitempty"`
	NumDigits int      `xml:"numDigits,attr,omitempty"`
	Timeout   int      `xml:"timeout,attr,omitempty"`
	Action    string   `xml:"action,attr,omitempty"`
	Method    string   `xml:"method,attr,omitempty"`
	Verbs     []any
}

// Connect hands the leg's audio to a bidirectional media stream.
type Connect struct {
	XMLName xml.Name `xml:"Connect"`
	Stream  *Stream  `xml:"Stream"`
}

// Stream names the websocket endpoint and passes custom parameters, which
// the stream's start event echoes back.
type Stream struct {
	XMLName    xml.Name          `xml:"Stream"`
	URL        string            `xml:"url,attr"`
	Parameters []StreamParameter `xml:"Parameter"`
}

// StreamParameter is one custom key/value on a Stream.
type StreamParameter struct {
	XMLName xml.Name `xml:"Parameter"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:"value,attr"`
}

// Dial places the leg into another call or conference.
type Dial struct {
	XMLName    xml.Name    `xml:"Dial"`
	Conference *Conference `xml:"Conference,omitempty"`
}

// Conference joins the leg to a named conference bridge.
type Conference struct {
	XMLName                xml.Name `xml:"Conference"`
	StartConferenceOnEnter bool     `xml:"startConferenceOnEnter,attr"`
	EndConferenceOnExit    bool     `xml:"endConferenceOnExit,attr"`
	StatusCallback         string   `xml:"statusCallback,attr,omitempty"`
	StatusCallbackEvent    string   `xml:"statusCallbackEvent,attr,omitempty"`
	Name                   string   `xml:",chardata"`
}

// StreamInstructions opens a media stream to wsURL, passing the session
// identifier as a custom parameter so the stream can be tied back to its
// session when it starts.
func StreamInstructions(wsURL, sessionID string) *Response {
	return &Response{Verbs: []any{
		&Connect{Stream: &Stream{
			URL: wsURL,
			Parameters: []StreamParameter{
				{Name: "session_id", Value: sessionID},
			},
		}},
	}}
}

// ConferenceInstructions moves the leg into the named conference.
// statusCallbackURL, when set, receives join and leave events.
func ConferenceInstructions(name, statusCallbackURL string, endOnExit bool) *Response {
	conf := &Conference{
		StartConferenceOnEnter: true,
		EndConferenceOnExit:    endOnExit,
		Name:                   name,
	}
	if statusCallbackURL != "" {
		conf.StatusCallback = statusCallbackURL
		conf.StatusCallbackEvent = "start end join leave"
	}
	return &Response{Verbs: []any{&Dial{Conference: conf}}}
}

// GatherInstructions speaks prompt and collects a single digit, posting it
// to actionURL. timeoutURL is fetched if the callee presses nothing.
func GatherInstructions(prompt, actionURL, timeoutURL string, timeoutSec int) *Response {
	r := &Response{Verbs: []any{
		&Gather{
			Input:     "dtmf",
			NumDigits: 1,
			Timeout:   timeoutSec,
			Action:    actionURL,
			Method:    "POST",
			Verbs:     []any{&Say{Text: prompt}},
		},
	}}
	if timeoutURL != "" {
		r.Verbs = append(r.Verbs, &Redirect{Method: "POST", URL: timeoutURL})
	}
	return r
}

// SayHangupInstructions speaks text then ends the leg.
func SayHangupInstructions(text string) *Response {
	return &Response{Verbs: []any{&Say{Text: text}, &Hangup{}}}
}

// HangupInstructions ends the leg without saying anything.
func HangupInstructions() *Response {
	return &Response{Verbs: []any{&Hangup{}}}
}
