// Package config loads the service configuration from a YAML file with
// environment-variable overrides, and can watch the file for edits.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server struct {
		// ListenAddr is the HTTP bind address, e.g. ":8080".
		ListenAddr string `yaml:"listen_addr"`
		// PublicURL is the externally reachable base the telephony
		// provider calls back to.
		PublicURL string `yaml:"public_url"`
	} `yaml:"server"`

	Telephony struct {
		AccountSID string `yaml:"account_sid"`
		AuthToken  string `yaml:"auth_token"`
		// CallerID is the number outbound legs are placed from.
		CallerID string `yaml:"caller_id"`
		// HumanNumber is the desk dialed on escalation.
		HumanNumber string `yaml:"human_number"`
	} `yaml:"telephony"`

	Engine struct {
		OpenAIKey       string `yaml:"openai_key"`
		ChatModel       string `yaml:"chat_model"`
		SystemPrompt    string `yaml:"system_prompt"`
		TranscribeModel string `yaml:"transcribe_model"`
		SpeechModel     string `yaml:"speech_model"`
		SpeechVoice     string `yaml:"speech_voice"`
	} `yaml:"engine"`

	Redis struct {
		// Addr enables the Redis session store; empty keeps sessions in
		// memory.
		Addr     string        `yaml:"addr"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		TTL      time.Duration `yaml:"ttl"`
	} `yaml:"redis"`

	Escalation struct {
		RingTimeout    time.Duration `yaml:"ring_timeout"`
		ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
		TransferDelay  time.Duration `yaml:"transfer_delay"`
		WatchdogSoft   time.Duration `yaml:"watchdog_soft"`
		WatchdogHard   time.Duration `yaml:"watchdog_hard"`
	} `yaml:"escalation"`

	Worker struct {
		AvailabilityTimeout time.Duration `yaml:"availability_timeout"`
		FallbackEmail       string        `yaml:"fallback_email"`
		SMTPAddr            string        `yaml:"smtp_addr"`
		SMTPFrom            string        `yaml:"smtp_from"`
		SMTPUsername        string        `yaml:"smtp_username"`
		SMTPPassword        string        `yaml:"smtp_password"`
	} `yaml:"worker"`
}

// Default returns a config with serviceable defaults; credentials must
// still come from the file or environment.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.ListenAddr = ":8080"
	cfg.Redis.TTL = 24 * time.Hour
	return cfg
}

// Load reads path (optional), applies CALLBRIDGE_* environment overrides,
// and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields the service cannot run without.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("config: server.listen_addr is required")
	}
	if c.Server.PublicURL == "" {
		return fmt.Errorf("config: server.public_url is required")
	}
	if c.Telephony.AccountSID == "" || c.Telephony.AuthToken == "" {
		return fmt.Errorf("config: telephony credentials are required")
	}
	if c.Telephony.HumanNumber == "" {
		return fmt.Errorf("config: telephony.human_number is required")
	}
	if c.Engine.OpenAIKey == "" {
		return fmt.Errorf("config: engine.openai_key is required")
	}
	if c.Engine.SystemPrompt == "" {
		return fmt.Errorf("config: engine.system_prompt is required")
	}
	return nil
}

func applyEnv(cfg *Config) {
	setStr := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setStr(&cfg.Server.ListenAddr, "CALLBRIDGE_LISTEN_ADDR")
	setStr(&cfg.Server.PublicURL, "CALLBRIDGE_PUBLIC_URL")
	setStr(&cfg.Telephony.AccountSID, "CALLBRIDGE_ACCOUNT_SID")
	setStr(&cfg.Telephony.AuthToken, "CALLBRIDGE_AUTH_TOKEN")
	setStr(&cfg.Telephony.CallerID, "CALLBRIDGE_CALLER_ID")
	setStr(&cfg.Telephony.HumanNumber, "CALLBRIDGE_HUMAN_NUMBER")
	setStr(&cfg.Engine.OpenAIKey, "CALLBRIDGE_OPENAI_KEY")
	setStr(&cfg.Engine.SystemPrompt, "CALLBRIDGE_SYSTEM_PROMPT")
	setStr(&cfg.Redis.Addr, "CALLBRIDGE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CALLBRIDGE_REDIS_PASSWORD")
	setStr(&cfg.Worker.FallbackEmail, "CALLBRIDGE_FALLBACK_EMAIL")
	setStr(&cfg.Worker.SMTPAddr, "CALLBRIDGE_SMTP_ADDR")

	if v, ok := os.LookupEnv("CALLBRIDGE_REDIS_DB"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
}
