package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/crowstack/callbridge/pkg/engine"
)

// speechSampleRate is the rate the speech API produces for PCM output.
const speechSampleRate = 24000

// classify tags an API failure with the engine's recoverable/fatal
// sentinels. Auth and request-shape errors are fatal; everything else,
// rate limits and server trouble included, may clear on retry.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusBadRequest, http.StatusNotFound:
			return fmt.Errorf("%w: %w", engine.ErrFatal, err)
		}
	}
	return fmt.Errorf("%w: %w", engine.ErrRecoverable, err)
}

// Transcribe sends one WAV utterance to the Whisper API.
func (c *Client) Transcribe(ctx context.Context, wav []byte) (string, error) {
	resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.cfg.TranscribeModel,
		Format:   openai.AudioResponseFormatJSON,
		Reader:   bytes.NewReader(wav),
		FilePath: "utterance.wav",
	})
	if err != nil {
		return "", fmt.Errorf("openai: transcription: %w", classify(err))
	}
	return resp.Text, nil
}

// Synthesize renders text as 16-bit mono PCM at the API's native rate.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, int, error) {
	resp, err := c.api.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(c.cfg.SpeechModel),
		Input:          text,
		Voice:          openai.SpeechVoice(c.cfg.SpeechVoice),
		ResponseFormat: openai.SpeechResponseFormatPcm,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("openai: speech synthesis: %w", classify(err))
	}
	defer resp.Close()

	pcm, err := io.ReadAll(resp)
	if err != nil {
		return nil, 0, fmt.Errorf("openai: read speech response: %w", err)
	}
	return pcm, speechSampleRate, nil
}
