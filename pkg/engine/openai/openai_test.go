package openai

import (
	"errors"
	"net/http"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/crowstack/callbridge/pkg/engine"
)

func TestNewConfiguration(t *testing.T) {
	if _, err := New(Config{SystemPrompt: "prompt"}); err == nil {
		t.Error("expected error for missing API key")
	}
	if _, err := New(Config{APIKey: "test-key"}); err == nil {
		t.Error("expected error for missing system prompt")
	}

	c, err := New(Config{APIKey: "test-key", SystemPrompt: "prompt"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if c.cfg.ChatModel == "" || c.cfg.TranscribeModel == "" || c.cfg.SpeechModel == "" || c.cfg.SpeechVoice == "" {
		t.Error("expected model defaults to be applied")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"unauthorized", &openai.APIError{HTTPStatusCode: http.StatusUnauthorized}, true},
		{"bad request", &openai.APIError{HTTPStatusCode: http.StatusBadRequest}, true},
		{"rate limited", &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}, false},
		{"server error", &openai.APIError{HTTPStatusCode: http.StatusInternalServerError}, false},
		{"network", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			if engine.IsFatal(got) != tt.fatal {
				t.Errorf("IsFatal = %v, want %v", engine.IsFatal(got), tt.fatal)
			}
			if engine.IsRecoverable(got) == tt.fatal {
				t.Errorf("IsRecoverable = %v, want %v", engine.IsRecoverable(got), !tt.fatal)
			}
		})
	}
}
