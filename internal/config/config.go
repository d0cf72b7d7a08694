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
	LogLevel string `yaml:"log_level"`
	// TraceExporter is none or stdout; setting OTLPEndpoint selects otlp.
	TraceExporter string `yaml:"trace_exporter"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName   string              `yaml:"runtime_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	EventStore    EventStoreConfig    `yaml:"event_store"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Synthesis     SynthesisConfig     `yaml:"synthesis"`
	Conversion    ConversionConfig    `yaml:"conversion"`
	Voices        VoicesConfig        `yaml:"voices"`
	EngineService EngineServiceConfig `yaml:"engine_service"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
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

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	PrivacyScope  string `yaml:"privacy_scope"`
}

// GatewayConfig controls the /synthesize websocket endpoint.
type GatewayConfig struct {
	Path            string   `yaml:"path"`
	MaxMessageBytes int64    `yaml:"max_message_bytes"`
	IdleTimeout     int      `yaml:"idle_timeout_ms"`
	WriteTimeout    int      `yaml:"write_timeout_ms"`
	PingInterval    int      `yaml:"ping_interval_ms"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	DefaultSpeaker  string   `yaml:"default_speaker"`
	DefaultLanguage string   `yaml:"default_language"`
}

type SynthesisConfig struct {
	Mode        string   `yaml:"mode"` // mock, exec, nats
	Command     string   `yaml:"command"`
	Subject     string   `yaml:"subject"`
	SampleRate  int      `yaml:"sample_rate"`
	Speakers    []string `yaml:"speakers"`
	Workers     int      `yaml:"workers"`
	Timeout     int      `yaml:"timeout_ms"`
	NoiseScale  float64  `yaml:"noise_scale"`
	NoiseScaleW float64  `yaml:"noise_scale_w"`
}

type ConversionConfig struct {
	Mode    string  `yaml:"mode"` // mock, exec, nats
	Command string  `yaml:"command"`
	Subject string  `yaml:"subject"`
	Tau     float64 `yaml:"tau"`
	Workers int     `yaml:"workers"`
	Timeout int     `yaml:"timeout_ms"`
}

type VoicesConfig struct {
	Default  string         `yaml:"default"`
	Profiles []VoiceProfile `yaml:"profiles"`
}

// VoiceProfile points at the embedding files of one source/target pair.
type VoiceProfile struct {
	Name   string `yaml:"name"`
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

type EngineServiceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Queue   string `yaml:"queue"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			TraceExporter: "none",
			OTLPEndpoint:  "",
			OTLPInsecure:  true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-voice-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
			PrivacyScope:  "internal",
		},
		Gateway: GatewayConfig{
			Path:            "/synthesize",
			MaxMessageBytes: 64 * 1024,
			IdleTimeout:     300000,
			WriteTimeout:    5000,
			PingInterval:    20000,
			DefaultSpeaker:  "default",
			DefaultLanguage: "English",
		},
		Synthesis: SynthesisConfig{
			Mode:        "mock",
			Subject:     "tts.engine.synthesize",
			SampleRate:  22050,
			Workers:     1,
			Timeout:     30000,
			NoiseScale:  0.667,
			NoiseScaleW: 0.6,
		},
		Conversion: ConversionConfig{
			Mode:    "mock",
			Subject: "tts.engine.convert",
			Tau:     0.3,
			Workers: 1,
			Timeout: 30000,
		},
		Voices: VoicesConfig{
			Default: "default",
		},
		EngineService: EngineServiceConfig{
			Enabled: false,
			Queue:   "tts-engines",
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.EventStore.PrivacyScope, "LOQA_EVENT_STORE_PRIVACY_SCOPE")
	overrideString(&cfg.Gateway.Path, "LOQA_GATEWAY_PATH")
	overrideInt64(&cfg.Gateway.MaxMessageBytes, "LOQA_GATEWAY_MAX_MESSAGE_BYTES")
	overrideInt(&cfg.Gateway.IdleTimeout, "LOQA_GATEWAY_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Gateway.WriteTimeout, "LOQA_GATEWAY_WRITE_TIMEOUT_MS")
	overrideInt(&cfg.Gateway.PingInterval, "LOQA_GATEWAY_PING_INTERVAL_MS")
	overrideStringSlice(&cfg.Gateway.AllowedOrigins, "LOQA_GATEWAY_ALLOWED_ORIGINS")
	overrideString(&cfg.Gateway.DefaultSpeaker, "LOQA_GATEWAY_DEFAULT_SPEAKER")
	overrideString(&cfg.Gateway.DefaultLanguage, "LOQA_GATEWAY_DEFAULT_LANGUAGE")
	overrideString(&cfg.Synthesis.Mode, "LOQA_SYNTHESIS_MODE")
	overrideString(&cfg.Synthesis.Command, "LOQA_SYNTHESIS_COMMAND")
	overrideString(&cfg.Synthesis.Subject, "LOQA_SYNTHESIS_SUBJECT")
	overrideInt(&cfg.Synthesis.SampleRate, "LOQA_SYNTHESIS_SAMPLE_RATE")
	overrideStringSlice(&cfg.Synthesis.Speakers, "LOQA_SYNTHESIS_SPEAKERS")
	overrideInt(&cfg.Synthesis.Workers, "LOQA_SYNTHESIS_WORKERS")
	overrideInt(&cfg.Synthesis.Timeout, "LOQA_SYNTHESIS_TIMEOUT_MS")
	overrideFloat(&cfg.Synthesis.NoiseScale, "LOQA_SYNTHESIS_NOISE_SCALE")
	overrideFloat(&cfg.Synthesis.NoiseScaleW, "LOQA_SYNTHESIS_NOISE_SCALE_W")
	overrideString(&cfg.Conversion.Mode, "LOQA_CONVERSION_MODE")
	overrideString(&cfg.Conversion.Command, "LOQA_CONVERSION_COMMAND")
	overrideString(&cfg.Conversion.Subject, "LOQA_CONVERSION_SUBJECT")
	overrideFloat(&cfg.Conversion.Tau, "LOQA_CONVERSION_TAU")
	overrideInt(&cfg.Conversion.Workers, "LOQA_CONVERSION_WORKERS")
	overrideInt(&cfg.Conversion.Timeout, "LOQA_CONVERSION_TIMEOUT_MS")
	overrideString(&cfg.Voices.Default, "LOQA_VOICES_DEFAULT")
	overrideBool(&cfg.EngineService.Enabled, "LOQA_ENGINE_SERVICE_ENABLED")
	overrideString(&cfg.EngineService.Queue, "LOQA_ENGINE_SERVICE_QUEUE")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout":
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
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
	if !strings.HasPrefix(cfg.Gateway.Path, "/") {
		return errors.New("gateway.path must start with /")
	}
	if cfg.Gateway.MaxMessageBytes <= 0 {
		return errors.New("gateway.max_message_bytes must be positive")
	}
	if cfg.Gateway.IdleTimeout < 0 {
		return errors.New("gateway.idle_timeout_ms must be >= 0")
	}
	if cfg.Gateway.WriteTimeout <= 0 {
		return errors.New("gateway.write_timeout_ms must be positive")
	}
	if cfg.Gateway.PingInterval <= 0 {
		return errors.New("gateway.ping_interval_ms must be positive")
	}
	if err := validateEngine("synthesis", cfg.Synthesis.Mode, cfg.Synthesis.Command, cfg.Synthesis.Subject, cfg.Bus.Enabled); err != nil {
		return err
	}
	if cfg.Synthesis.SampleRate <= 0 {
		return errors.New("synthesis.sample_rate must be positive")
	}
	if cfg.Synthesis.Workers <= 0 {
		return errors.New("synthesis.workers must be >= 1")
	}
	if cfg.Synthesis.Timeout <= 0 {
		return errors.New("synthesis.timeout_ms must be positive")
	}
	if err := validateEngine("conversion", cfg.Conversion.Mode, cfg.Conversion.Command, cfg.Conversion.Subject, cfg.Bus.Enabled); err != nil {
		return err
	}
	if cfg.Conversion.Workers <= 0 {
		return errors.New("conversion.workers must be >= 1")
	}
	if cfg.Conversion.Timeout <= 0 {
		return errors.New("conversion.timeout_ms must be positive")
	}
	if cfg.Conversion.Tau < 0 || cfg.Conversion.Tau > 1 {
		return errors.New("conversion.tau must be between 0 and 1")
	}
	seen := make(map[string]struct{}, len(cfg.Voices.Profiles))
	for _, p := range cfg.Voices.Profiles {
		if p.Name == "" {
			return errors.New("voices.profiles[].name must not be empty")
		}
		if p.Source == "" || p.Target == "" {
			return fmt.Errorf("voices profile %q needs both source and target", p.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("voices profile %q defined twice", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	if len(cfg.Voices.Profiles) > 0 {
		if _, ok := seen[cfg.Voices.Default]; !ok {
			return fmt.Errorf("voices.default %q does not name a profile", cfg.Voices.Default)
		}
	}
	if cfg.EngineService.Enabled {
		if !cfg.Bus.Enabled {
			return errors.New("engine_service requires bus.enabled")
		}
		if cfg.Synthesis.Mode == "nats" || cfg.Conversion.Mode == "nats" {
			return errors.New("engine_service cannot serve engines that are themselves remote")
		}
	}
	return nil
}

func validateEngine(section, mode, command, subject string, busEnabled bool) error {
	switch mode {
	case "mock":
	case "exec":
		if command == "" {
			return fmt.Errorf("%s.command must be set when mode=exec", section)
		}
	case "nats":
		if !busEnabled {
			return fmt.Errorf("%s.mode=nats requires bus.enabled", section)
		}
		if subject == "" {
			return fmt.Errorf("%s.subject must be set when mode=nats", section)
		}
	default:
		return fmt.Errorf("%s.mode must be one of mock|exec|nats", section)
	}
	return nil
}
