package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Analysis    AnalysisConfig    `yaml:"analysis"`
	STT         STTConfig         `yaml:"stt"`
	TTS         TTSConfig         `yaml:"tts"`
	Captions    CaptionsConfig    `yaml:"captions"`
	Preferences PreferencesConfig `yaml:"preferences"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// EventStoreConfig controls the session journal. Nothing outlives the session:
// "session" mode writes to SQLite and deletes the rows on close.
type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
}

type AnalysisConfig struct {
	Endpoint         string `yaml:"endpoint"`
	TimeoutMS        int    `yaml:"timeout_ms"`
	HealthIntervalMS int    `yaml:"health_interval_ms"`
}

type STTConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Mode           string `yaml:"mode"`
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	Language       string `yaml:"language"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
}

type TTSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"`
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type CaptionsConfig struct {
	TickIntervalMS int `yaml:"tick_interval_ms"`
}

// PreferencesConfig seeds the accessibility preferences at session start.
type PreferencesConfig struct {
	TextScale                 int     `yaml:"text_scale"`
	HighContrast              bool    `yaml:"high_contrast"`
	ColorVisionFilter         string  `yaml:"color_vision_filter"`
	ScreenReaderAnnouncements bool    `yaml:"screen_reader_announcements"`
	SpeechRate                float64 `yaml:"speech_rate"`
}

func Default() Config {
	return Config{
		RuntimeName: "accessbridge",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/access-session.db",
			RetentionMode: "ephemeral",
		},
		Analysis: AnalysisConfig{
			Endpoint:         "http://localhost:5000",
			TimeoutMS:        120000,
			HealthIntervalMS: 10000,
		},
		STT: STTConfig{
			Enabled:        true,
			Mode:           "mock",
			Language:       "en-US",
			SampleRate:     16000,
			Channels:       1,
			PartialEveryMS: 800,
		},
		TTS: TTSConfig{
			Enabled:    true,
			Mode:       "mock",
			Voice:      "en-US",
			SampleRate: 22050,
			Channels:   1,
		},
		Captions: CaptionsConfig{
			TickIntervalMS: 16,
		},
		Preferences: PreferencesConfig{
			TextScale:         16,
			ColorVisionFilter: "none",
			SpeechRate:        1.0,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "ACCESS_RUNTIME_NAME")
	overrideString(&cfg.Environment, "ACCESS_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "ACCESS_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "ACCESS_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "ACCESS_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "ACCESS_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "ACCESS_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "ACCESS_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "ACCESS_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "ACCESS_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "ACCESS_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "ACCESS_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "ACCESS_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "ACCESS_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "ACCESS_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "ACCESS_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "ACCESS_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "ACCESS_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "ACCESS_EVENT_STORE_RETENTION_MODE")
	overrideString(&cfg.Analysis.Endpoint, "ACCESS_ANALYSIS_ENDPOINT")
	overrideInt(&cfg.Analysis.TimeoutMS, "ACCESS_ANALYSIS_TIMEOUT_MS")
	overrideInt(&cfg.Analysis.HealthIntervalMS, "ACCESS_ANALYSIS_HEALTH_INTERVAL_MS")
	overrideBool(&cfg.STT.Enabled, "ACCESS_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "ACCESS_STT_MODE")
	overrideString(&cfg.STT.Command, "ACCESS_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "ACCESS_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "ACCESS_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "ACCESS_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "ACCESS_STT_CHANNELS")
	overrideInt(&cfg.STT.PartialEveryMS, "ACCESS_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.TTS.Enabled, "ACCESS_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "ACCESS_TTS_MODE")
	overrideString(&cfg.TTS.Command, "ACCESS_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "ACCESS_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "ACCESS_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "ACCESS_TTS_CHANNELS")
	overrideInt(&cfg.Captions.TickIntervalMS, "ACCESS_CAPTIONS_TICK_INTERVAL_MS")
	overrideInt(&cfg.Preferences.TextScale, "ACCESS_PREFERENCES_TEXT_SCALE")
	overrideBool(&cfg.Preferences.HighContrast, "ACCESS_PREFERENCES_HIGH_CONTRAST")
	overrideString(&cfg.Preferences.ColorVisionFilter, "ACCESS_PREFERENCES_COLOR_VISION_FILTER")
	overrideBool(&cfg.Preferences.ScreenReaderAnnouncements, "ACCESS_PREFERENCES_SCREEN_READER_ANNOUNCEMENTS")
	overrideFloat(&cfg.Preferences.SpeechRate, "ACCESS_PREFERENCES_SPEECH_RATE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "session":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty in session mode")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session")
	}
	if cfg.Analysis.Endpoint == "" {
		return errors.New("analysis.endpoint must not be empty")
	}
	if cfg.Analysis.TimeoutMS <= 0 {
		return errors.New("analysis.timeout_ms must be positive")
	}
	if cfg.Analysis.HealthIntervalMS <= 0 {
		return errors.New("analysis.health_interval_ms must be positive")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		if cfg.STT.Language == "" {
			return errors.New("stt.language must not be empty")
		}
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec":
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
	}
	if cfg.Captions.TickIntervalMS <= 0 {
		return errors.New("captions.tick_interval_ms must be positive")
	}
	switch cfg.Preferences.ColorVisionFilter {
	case "none", "protanopia", "deuteranopia", "tritanopia":
	default:
		return errors.New("preferences.color_vision_filter must be one of none|protanopia|deuteranopia|tritanopia")
	}
	return nil
}
