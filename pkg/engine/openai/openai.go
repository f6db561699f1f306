// Package openai implements the engine and speech collaborators on
// OpenAI's chat, Whisper, and speech APIs.
package openai

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/crowstack/callbridge/pkg/engine"
	"github.com/crowstack/callbridge/pkg/session"
)

// Config selects the models and the conversation system prompt.
type Config struct {
	APIKey string

	// ChatModel drives turns; defaults to gpt-4o-mini.
	ChatModel string

	// SystemPrompt frames the engine's persona and the marker-turn
	// conventions. Required: the core carries no caller-facing wording.
	SystemPrompt string

	// TranscribeModel defaults to whisper-1.
	TranscribeModel string

	// SpeechModel and SpeechVoice default to tts-1 / alloy.
	SpeechModel string
	SpeechVoice string
}

// Client implements engine.Engine, engine.Transcriber, and
// engine.Synthesizer on one OpenAI client.
type Client struct {
	api *openai.Client
	cfg Config
}

// New validates cfg and builds the client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	if cfg.SystemPrompt == "" {
		return nil, fmt.Errorf("openai: system prompt is required")
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = openai.GPT4oMini
	}
	if cfg.TranscribeModel == "" {
		cfg.TranscribeModel = openai.Whisper1
	}
	if cfg.SpeechModel == "" {
		cfg.SpeechModel = string(openai.TTSModel1)
	}
	if cfg.SpeechVoice == "" {
		cfg.SpeechVoice = string(openai.VoiceAlloy)
	}
	return &Client{api: openai.NewClient(cfg.APIKey), cfg: cfg}, nil
}

// turnPayload is the JSON shape the system prompt instructs the model to
// emit for every turn.
type turnPayload struct {
	Reply        string         `json:"reply"`
	Stage        string         `json:"stage"`
	Intent       string         `json:"intent"`
	Confidence   float64        `json:"confidence"`
	Escalate     bool           `json:"escalate"`
	EndCall      bool           `json:"end_call"`
	CustomerName string         `json:"customer_name"`
	Slots        map[string]any `json:"slots"`
	Confirmed    map[string]any `json:"confirmed_booking"`
}

func (c *Client) ProcessTurn(ctx context.Context, st *session.State, input string) (*engine.TurnResult, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(st.Messages)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: c.cfg.SystemPrompt,
	})
	for _, m := range st.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: input,
	})

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.cfg.ChatModel,
		Messages: messages,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: chat completion returned no choices")
	}

	var payload turnPayload
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &payload); err != nil {
		return nil, fmt.Errorf("openai: decode turn payload: %w", err)
	}

	return &engine.TurnResult{
		Reply:            payload.Reply,
		Stage:            payload.Stage,
		Intent:           payload.Intent,
		Confidence:       payload.Confidence,
		Escalate:         payload.Escalate,
		EndCall:          payload.EndCall,
		CustomerName:     payload.CustomerName,
		Slots:            payload.Slots,
		ConfirmedBooking: payload.Confirmed,
	}, nil
}
