package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all Mimamori environment variables.
const EnvPrefix = "MIMAMORI_"

// Config holds all application configuration. Secrets (API keys, credential
// paths, recipient lists) are loaded exclusively from environment variables
// and never appear in the config file.
type Config struct {
	UserName         string  `yaml:"user_name"`
	Mode             string  `yaml:"mode"` // scripted | free | schedule
	DBPath           string  `yaml:"db_path"`
	RealtimeModel    string  `yaml:"realtime_model"`
	Voice            string  `yaml:"voice"`
	VADThreshold     float64 `yaml:"vad_threshold"`
	PrefixPaddingMs  int     `yaml:"prefix_padding_ms"`
	SilenceMs        int     `yaml:"silence_duration_ms"`
	MaxOutputTokens  int     `yaml:"max_output_tokens"`
	SpeakingDelay    string  `yaml:"speaking_delay"`
	ResponseCooldown string  `yaml:"response_cooldown"`
	StepTimeout      string  `yaml:"step_timeout"`
	CheckinTime      string  `yaml:"checkin_time"` // HH:MM local
	SummaryModel     string  `yaml:"summary_model"`
	SpreadsheetID    string  `yaml:"spreadsheet_id"`
	SheetCredsFile   string  `yaml:"sheet_credentials_file"`
	GmailCredsFile   string  `yaml:"gmail_credentials_file"`
	GmailTokenFile   string  `yaml:"gmail_token_file"`
	GmailSender      string  `yaml:"gmail_sender"`

	// Secrets — env vars only, never serialized to YAML.
	OpenAIAPIKey string   `yaml:"-"`
	FamilyEmails []string `yaml:"-"`
}

const (
	ModeScripted = "scripted"
	ModeFree     = "free"
	ModeSchedule = "schedule"
)

func defaults() Config {
	return Config{
		UserName:         "利用者さん",
		Mode:             ModeScripted,
		DBPath:           "data/mimamori.db",
		RealtimeModel:    "gpt-4o-realtime-preview-2024-12-17",
		Voice:            "shimmer",
		VADThreshold:     0.85,
		PrefixPaddingMs:  700,
		SilenceMs:        1500,
		MaxOutputTokens:  100,
		SpeakingDelay:    "1s",
		ResponseCooldown: "2s",
		StepTimeout:      "10s",
		CheckinTime:      "09:00",
		SummaryModel:     "gpt-4o-mini",
		SheetCredsFile:   "./service-account.json",
		GmailCredsFile:   "data/credentials.json",
		GmailTokenFile:   "data/token.json",
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

// ParsedSpeakingDelay returns SpeakingDelay as a time.Duration,
// falling back to 1s if the value is invalid.
func (c *Config) ParsedSpeakingDelay() time.Duration {
	return durationOr(c.SpeakingDelay, time.Second)
}

// ParsedResponseCooldown returns ResponseCooldown as a time.Duration,
// falling back to 2s if the value is invalid.
func (c *Config) ParsedResponseCooldown() time.Duration {
	return durationOr(c.ResponseCooldown, 2*time.Second)
}

// ParsedStepTimeout returns StepTimeout as a time.Duration,
// falling back to 10s if the value is invalid.
func (c *Config) ParsedStepTimeout() time.Duration {
	return durationOr(c.StepTimeout, 10*time.Second)
}

func durationOr(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "USER_NAME"); v != "" {
		cfg.UserName = v
	}
	if v := os.Getenv(EnvPrefix + "MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv(EnvPrefix + "DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(EnvPrefix + "REALTIME_MODEL"); v != "" {
		cfg.RealtimeModel = v
	}
	if v := os.Getenv(EnvPrefix + "VOICE"); v != "" {
		cfg.Voice = v
	}
	if v := os.Getenv(EnvPrefix + "VAD_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f > 0 && f <= 1 {
			cfg.VADThreshold = f
		}
	}
	if v := os.Getenv(EnvPrefix + "SILENCE_DURATION_MS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			cfg.SilenceMs = n
		}
	}
	if v := os.Getenv(EnvPrefix + "SPEAKING_DELAY"); v != "" {
		cfg.SpeakingDelay = v
	}
	if v := os.Getenv(EnvPrefix + "RESPONSE_COOLDOWN"); v != "" {
		cfg.ResponseCooldown = v
	}
	if v := os.Getenv(EnvPrefix + "STEP_TIMEOUT"); v != "" {
		cfg.StepTimeout = v
	}
	if v := os.Getenv(EnvPrefix + "CHECKIN_TIME"); v != "" {
		cfg.CheckinTime = v
	}
	if v := os.Getenv(EnvPrefix + "SUMMARY_MODEL"); v != "" {
		cfg.SummaryModel = v
	}
	if v := os.Getenv(EnvPrefix + "SPREADSHEET_ID"); v != "" {
		cfg.SpreadsheetID = v
	}
	if v := os.Getenv(EnvPrefix + "SHEET_CREDENTIALS_FILE"); v != "" {
		cfg.SheetCredsFile = v
	}
	if v := os.Getenv(EnvPrefix + "GMAIL_CREDENTIALS_FILE"); v != "" {
		cfg.GmailCredsFile = v
	}
	if v := os.Getenv(EnvPrefix + "GMAIL_TOKEN_FILE"); v != "" {
		cfg.GmailTokenFile = v
	}
	if v := os.Getenv(EnvPrefix + "GMAIL_SENDER"); v != "" {
		cfg.GmailSender = v
	}
}

func loadSecrets(cfg *Config) {
	cfg.OpenAIAPIKey = os.Getenv(EnvPrefix + "OPENAI_API_KEY")
	if cfg.OpenAIAPIKey == "" {
		cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	}
	cfg.FamilyEmails = parseEmails(os.Getenv(EnvPrefix + "FAMILY_EMAILS"))
}

func validate(cfg *Config) []string {
	var warnings []string

	if cfg.OpenAIAPIKey == "" {
		warnings = append(warnings, "OpenAI API key not configured — the voice session cannot connect. Set "+EnvPrefix+"OPENAI_API_KEY.")
	}
	switch cfg.Mode {
	case ModeScripted, ModeFree, ModeSchedule:
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown mode %q — using %q.", cfg.Mode, ModeScripted))
		cfg.Mode = ModeScripted
	}
	if len(cfg.FamilyEmails) == 0 {
		warnings = append(warnings, "No family emails configured — mail notification is disabled. Set "+EnvPrefix+"FAMILY_EMAILS.")
	}
	if cfg.SpreadsheetID == "" {
		warnings = append(warnings, "No spreadsheet id configured — the shared log is disabled. Set "+EnvPrefix+"SPREADSHEET_ID.")
	}
	if _, err := time.ParseDuration(cfg.SpeakingDelay); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid speaking_delay %q — using default 1s.", cfg.SpeakingDelay))
	}
	if _, err := time.ParseDuration(cfg.ResponseCooldown); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid response_cooldown %q — using default 2s.", cfg.ResponseCooldown))
	}
	if _, err := time.Parse("15:04", cfg.CheckinTime); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid checkin_time %q — using default 09:00.", cfg.CheckinTime))
		cfg.CheckinTime = "09:00"
	}

	return warnings
}

func parseEmails(raw string) []string {
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
