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
	Device      DeviceConfig      `yaml:"device"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Capture     CaptureConfig     `yaml:"capture"`
	Classifier  ClassifierConfig  `yaml:"classifier"`
	Features    FeaturesConfig    `yaml:"features"`
	Adjacency   AdjacencyConfig   `yaml:"adjacency"`
	Recognition RecognitionConfig `yaml:"recognition"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// DeviceConfig identifies this process on the capture-device presence bus.
type DeviceConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type CaptureConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Backend      string `yaml:"backend"` // portaudio, mock
	Continuous   bool   `yaml:"continuous"`
	IntervalMS   int    `yaml:"interval_ms"`
	MinSegmentMS int    `yaml:"min_segment_ms"`
	MaxSegmentMS int    `yaml:"max_segment_ms"`
	SampleRate   int    `yaml:"sample_rate"`
	Channels     int    `yaml:"channels"`
}

type ClassifierConfig struct {
	Mode      string `yaml:"mode"` // mock, exec
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	TopK      int    `yaml:"top_k"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type FeaturesConfig struct {
	Mode      string `yaml:"mode"` // mock, exec
	Command   string `yaml:"command"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type AdjacencyConfig struct {
	Path string `yaml:"path"`
}

// RecognitionConfig carries the scheduler bounds and the scoring constants.
// The weights and thresholds are working defaults, not tuned values.
type RecognitionConfig struct {
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests"`
	ConfidenceThreshold   float64       `yaml:"confidence_threshold"`
	AmbiguityWindow       float64       `yaml:"ambiguity_window"`
	OnsetMatchThreshold   float64       `yaml:"onset_match_threshold"`
	ExtendMinMS           int           `yaml:"extend_min_ms"`
	ExtendMaxMS           int           `yaml:"extend_max_ms"`
	SessionMaxMS          int           `yaml:"session_max_ms"`
	Weights               WeightsConfig `yaml:"weights"`
}

type WeightsConfig struct {
	Raw                float64 `yaml:"raw"`
	Sequence           float64 `yaml:"sequence"`
	DurationFit        float64 `yaml:"duration_fit"`
	ReciterConsistency float64 `yaml:"reciter_consistency"`
	AudioQuality       float64 `yaml:"audio_quality"`
}

func Default() Config {
	return Config{
		RuntimeName: "tilawa-runtime",
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
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Device: DeviceConfig{
			ID:                "tilawa-node-1",
			Role:              "runtime",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/tilawa-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Capture: CaptureConfig{
			Enabled:      false,
			Backend:      "mock",
			Continuous:   true,
			IntervalMS:   4000,
			MinSegmentMS: 500,
			MaxSegmentMS: 12000,
			SampleRate:   16000,
			Channels:     1,
		},
		Classifier: ClassifierConfig{
			Mode:      "mock",
			TopK:      10,
			TimeoutMS: 10000,
		},
		Features: FeaturesConfig{
			Mode:      "mock",
			TimeoutMS: 5000,
		},
		Recognition: RecognitionConfig{
			MaxConcurrentRequests: 2,
			ConfidenceThreshold:   0.5,
			AmbiguityWindow:       0.05,
			OnsetMatchThreshold:   0.8,
			ExtendMinMS:           3000,
			ExtendMaxMS:           10000,
			SessionMaxMS:          15000,
			Weights: WeightsConfig{
				Raw:                0.40,
				Sequence:           0.25,
				DurationFit:        0.15,
				ReciterConsistency: 0.10,
				AudioQuality:       0.10,
			},
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
	overrideString(&cfg.RuntimeName, "TILAWA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "TILAWA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "TILAWA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "TILAWA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "TILAWA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "TILAWA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "TILAWA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "TILAWA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "TILAWA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "TILAWA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "TILAWA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "TILAWA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "TILAWA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "TILAWA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "TILAWA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "TILAWA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Device.ID, "TILAWA_DEVICE_ID")
	overrideString(&cfg.Device.Role, "TILAWA_DEVICE_ROLE")
	overrideInt(&cfg.Device.HeartbeatInterval, "TILAWA_DEVICE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Device.HeartbeatTimeout, "TILAWA_DEVICE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "TILAWA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "TILAWA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "TILAWA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "TILAWA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "TILAWA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Capture.Enabled, "TILAWA_CAPTURE_ENABLED")
	overrideString(&cfg.Capture.Backend, "TILAWA_CAPTURE_BACKEND")
	overrideBool(&cfg.Capture.Continuous, "TILAWA_CAPTURE_CONTINUOUS")
	overrideInt(&cfg.Capture.IntervalMS, "TILAWA_CAPTURE_INTERVAL_MS")
	overrideInt(&cfg.Capture.MinSegmentMS, "TILAWA_CAPTURE_MIN_SEGMENT_MS")
	overrideInt(&cfg.Capture.MaxSegmentMS, "TILAWA_CAPTURE_MAX_SEGMENT_MS")
	overrideInt(&cfg.Capture.SampleRate, "TILAWA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "TILAWA_CAPTURE_CHANNELS")
	overrideString(&cfg.Classifier.Mode, "TILAWA_CLASSIFIER_MODE")
	overrideString(&cfg.Classifier.Command, "TILAWA_CLASSIFIER_COMMAND")
	overrideString(&cfg.Classifier.ModelPath, "TILAWA_CLASSIFIER_MODEL_PATH")
	overrideInt(&cfg.Classifier.TopK, "TILAWA_CLASSIFIER_TOP_K")
	overrideInt(&cfg.Classifier.TimeoutMS, "TILAWA_CLASSIFIER_TIMEOUT_MS")
	overrideString(&cfg.Features.Mode, "TILAWA_FEATURES_MODE")
	overrideString(&cfg.Features.Command, "TILAWA_FEATURES_COMMAND")
	overrideInt(&cfg.Features.TimeoutMS, "TILAWA_FEATURES_TIMEOUT_MS")
	overrideString(&cfg.Adjacency.Path, "TILAWA_ADJACENCY_PATH")
	overrideInt(&cfg.Recognition.MaxConcurrentRequests, "TILAWA_RECOGNITION_MAX_CONCURRENT_REQUESTS")
	overrideFloat(&cfg.Recognition.ConfidenceThreshold, "TILAWA_RECOGNITION_CONFIDENCE_THRESHOLD")
	overrideFloat(&cfg.Recognition.AmbiguityWindow, "TILAWA_RECOGNITION_AMBIGUITY_WINDOW")
	overrideFloat(&cfg.Recognition.OnsetMatchThreshold, "TILAWA_RECOGNITION_ONSET_MATCH_THRESHOLD")
	overrideInt(&cfg.Recognition.ExtendMinMS, "TILAWA_RECOGNITION_EXTEND_MIN_MS")
	overrideInt(&cfg.Recognition.ExtendMaxMS, "TILAWA_RECOGNITION_EXTEND_MAX_MS")
	overrideInt(&cfg.Recognition.SessionMaxMS, "TILAWA_RECOGNITION_SESSION_MAX_MS")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Device.ID == "" {
		return errors.New("device.id must not be empty")
	}
	if cfg.Device.HeartbeatInterval <= 0 {
		return errors.New("device.heartbeat_interval_ms must be positive")
	}
	if cfg.Device.HeartbeatTimeout <= cfg.Device.HeartbeatInterval {
		return errors.New("device.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Capture.Enabled {
		switch cfg.Capture.Backend {
		case "portaudio", "mock":
		default:
			return errors.New("capture.backend must be one of portaudio|mock")
		}
		if cfg.Capture.IntervalMS <= 0 {
			return errors.New("capture.interval_ms must be positive")
		}
		if cfg.Capture.MinSegmentMS < 0 {
			return errors.New("capture.min_segment_ms must be >= 0")
		}
		if cfg.Capture.MaxSegmentMS > 0 && cfg.Capture.MaxSegmentMS < cfg.Capture.MinSegmentMS {
			return errors.New("capture.max_segment_ms must be >= min_segment_ms")
		}
		if cfg.Capture.SampleRate <= 0 {
			return errors.New("capture.sample_rate must be positive")
		}
		if cfg.Capture.Channels <= 0 {
			return errors.New("capture.channels must be positive")
		}
	}
	switch cfg.Classifier.Mode {
	case "mock", "exec":
	default:
		return errors.New("classifier.mode must be one of mock|exec")
	}
	if cfg.Classifier.Mode == "exec" && cfg.Classifier.Command == "" {
		return errors.New("classifier.command must be set when mode=exec")
	}
	if cfg.Classifier.TopK <= 0 {
		return errors.New("classifier.top_k must be >= 1")
	}
	if cfg.Classifier.TimeoutMS <= 0 {
		return errors.New("classifier.timeout_ms must be positive")
	}
	switch cfg.Features.Mode {
	case "mock", "exec":
	default:
		return errors.New("features.mode must be one of mock|exec")
	}
	if cfg.Features.Mode == "exec" && cfg.Features.Command == "" {
		return errors.New("features.command must be set when mode=exec")
	}
	if cfg.Recognition.MaxConcurrentRequests <= 0 {
		return errors.New("recognition.max_concurrent_requests must be >= 1")
	}
	if cfg.Recognition.ConfidenceThreshold < 0 || cfg.Recognition.ConfidenceThreshold > 1 {
		return errors.New("recognition.confidence_threshold must be in [0,1]")
	}
	if cfg.Recognition.AmbiguityWindow < 0 || cfg.Recognition.AmbiguityWindow > 1 {
		return errors.New("recognition.ambiguity_window must be in [0,1]")
	}
	if cfg.Recognition.OnsetMatchThreshold < 0 || cfg.Recognition.OnsetMatchThreshold > 1 {
		return errors.New("recognition.onset_match_threshold must be in [0,1]")
	}
	if cfg.Recognition.ExtendMinMS <= 0 || cfg.Recognition.ExtendMaxMS < cfg.Recognition.ExtendMinMS {
		return errors.New("recognition.extend_min_ms must be positive and <= extend_max_ms")
	}
	if cfg.Recognition.SessionMaxMS <= 0 {
		return errors.New("recognition.session_max_ms must be positive")
	}
	w := cfg.Recognition.Weights
	for _, v := range []float64{w.Raw, w.Sequence, w.DurationFit, w.ReciterConsistency, w.AudioQuality} {
		if v < 0 || v > 1 {
			return errors.New("recognition.weights values must be in [0,1]")
		}
	}
	return nil
}
