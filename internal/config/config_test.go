package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"
)

const validYAML = `
server:
  listen_addr: ":9090"
  public_url: "https://bridge.example.com"
telephony:
  account_sid: "AC0"
  auth_token: "secret"
  caller_id: "+15550001111"
  human_number: "+15550009999"
engine:
  openai_key: "sk-test"
  system_prompt: "You are the receptionist."
escalation:
  ring_timeout: 20s
  transfer_delay: 3s
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "callbridge.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	is := is.New(t)

	cfg, err := Load(writeConfig(t, validYAML))
	is.NoErr(err)
	is.Equal(cfg.Server.ListenAddr, ":9090")
	is.Equal(cfg.Telephony.HumanNumber, "+15550009999")
	is.Equal(cfg.Escalation.RingTimeout, 20*time.Second)
	is.Equal(cfg.Escalation.TransferDelay, 3*time.Second)
	is.Equal(cfg.Redis.TTL, 24*time.Hour) // default survives partial file
}

func TestLoadEnvOverrides(t *testing.T) {
	is := is.New(t)

	t.Setenv("CALLBRIDGE_LISTEN_ADDR", ":7070")
	t.Setenv("CALLBRIDGE_HUMAN_NUMBER", "+15550008888")
	t.Setenv("CALLBRIDGE_REDIS_DB", "3")

	cfg, err := Load(writeConfig(t, validYAML))
	is.NoErr(err)
	is.Equal(cfg.Server.ListenAddr, ":7070")
	is.Equal(cfg.Telephony.HumanNumber, "+15550008888")
	is.Equal(cfg.Redis.DB, 3)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		drop string
	}{
		{name: "missing public url", drop: "public_url"},
		{name: "missing auth token", drop: "auth_token"},
		{name: "missing human number", drop: "human_number"},
		{name: "missing openai key", drop: "openai_key"},
		{name: "missing system prompt", drop: "system_prompt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var kept []string
			for _, line := range strings.Split(validYAML, "\n") {
				if !strings.Contains(line, tt.drop) {
					kept = append(kept, line)
				}
			}
			content := strings.Join(kept, "\n")
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Errorf("expected validation error when %s is absent", tt.drop)
			}
		})
	}
}
