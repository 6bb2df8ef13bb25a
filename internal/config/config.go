package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel         string  `yaml:"log_level"`
	TraceExporter    string  `yaml:"trace_exporter"` // otlp, stdout, none; empty picks otlp when an endpoint is set
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
	OTLPEndpoint     string  `yaml:"otlp_endpoint"`
	OTLPInsecure     bool    `yaml:"otlp_insecure"`
	PrometheusBind   string  `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind       string `yaml:"bind"`
	Port       int    `yaml:"port"`
	PublicHost string `yaml:"public_host"`
	WSScheme   string `yaml:"ws_scheme"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Store       StoreConfig     `yaml:"store"`
	Orders      OrdersConfig    `yaml:"orders"`
	Events      EventsConfig    `yaml:"events"`
	Telephony   TelephonyConfig `yaml:"telephony"`
	Agent       AgentConfig     `yaml:"agent"`
	Session     SessionConfig   `yaml:"session"`
	SMS         SMSConfig       `yaml:"sms"`
	Twilio      TwilioConfig    `yaml:"twilio"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

// StoreConfig controls the sqlite snapshot of orders and the call timeline.
type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type OrdersConfig struct {
	FirstNumber             int `yaml:"first_number"`
	MaxDrinksPerOrder       int `yaml:"max_drinks_per_order"`
	MaxActiveDrinksPerPhone int `yaml:"max_active_drinks_per_phone"`
}

type EventsConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer"`
	EvictAfter       int `yaml:"evict_after"`
}

type TelephonyConfig struct {
	Path          string `yaml:"path"`
	FrameBytes    int    `yaml:"frame_bytes"`
	QueueSize     int    `yaml:"queue_size"`
	PaceMS        int    `yaml:"pace_ms"`
	MaxLeadFrames int    `yaml:"max_lead_frames"`
	WriteTimeout  int    `yaml:"write_timeout_ms"`
	RecordDir     string `yaml:"record_dir"`
}

type AgentConfig struct {
	Mode          string `yaml:"mode"` // deepgram, echo
	URL           string `yaml:"url"`
	APIKey        string `yaml:"api_key"`
	Language      string `yaml:"language"`
	ListenModel   string `yaml:"listen_model"`
	ThinkProvider string `yaml:"think_provider"`
	ThinkModel    string `yaml:"think_model"`
	SpeakModel    string `yaml:"speak_model"`
	Greeting      string `yaml:"greeting"`
	PromptFile    string `yaml:"prompt_file"`
	SampleRate    int    `yaml:"sample_rate"`
	QueueSize     int    `yaml:"queue_size"`
	KeepAliveMS   int    `yaml:"keepalive_ms"`
	DialTimeoutMS int    `yaml:"dial_timeout_ms"`
	LogEvents     bool   `yaml:"log_events"`
	LogToolMaxLen int    `yaml:"log_tool_max_len"`
}

type SessionConfig struct {
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	StartTimeoutMS int    `yaml:"start_timeout_ms"`
	CloseOnPhrase  bool   `yaml:"close_on_phrase"`
	ClosingPhrase  string `yaml:"closing_phrase"`
	HangupDelayMS  int    `yaml:"hangup_delay_ms"`
	ToolTimeoutMS  int    `yaml:"tool_timeout_ms"`
}

type SMSConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Mode      string `yaml:"mode"` // log, twilio, exec
	From      string `yaml:"from"`
	Command   string `yaml:"command"`
	ShopName  string `yaml:"shop_name"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	BaseURL    string `yaml:"base_url"`
}

func (c SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMS) * time.Millisecond
}

func (c SessionConfig) StartTimeout() time.Duration {
	return time.Duration(c.StartTimeoutMS) * time.Millisecond
}

func (c SessionConfig) HangupDelay() time.Duration {
	return time.Duration(c.HangupDelayMS) * time.Millisecond
}

func (c SessionConfig) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutMS) * time.Millisecond
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-barista",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:       "0.0.0.0",
			Port:       8080,
			PublicHost: "localhost:8080",
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			TraceSampleRatio: 1,
			OTLPInsecure:     true,
			PrometheusBind:   ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "orders",
		},
		Store: StoreConfig{
			Path:          "./data/barista.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Orders: OrdersConfig{
			FirstNumber:             1001,
			MaxDrinksPerOrder:       5,
			MaxActiveDrinksPerPhone: 5,
		},
		Events: EventsConfig{
			SubscriberBuffer: 100,
			EvictAfter:       200,
		},
		Telephony: TelephonyConfig{
			Path:          "/twilio",
			FrameBytes:    160,
			QueueSize:     64,
			PaceMS:        20,
			MaxLeadFrames: 10,
			WriteTimeout:  5000,
		},
		Agent: AgentConfig{
			Mode:          "deepgram",
			URL:           "wss://agent.deepgram.com/v1/agent/converse",
			Language:      "en",
			ListenModel:   "flux-general-en",
			ThinkProvider: "google",
			ThinkModel:    "gemini-2.5-flash",
			SpeakModel:    "aura-2-odysseus-en",
			Greeting:      "Hey! Thanks for calling. What would you like to order?",
			SampleRate:    48000,
			QueueSize:     64,
			KeepAliveMS:   5000,
			DialTimeoutMS: 5000,
			LogEvents:     true,
			LogToolMaxLen: 800,
		},
		Session: SessionConfig{
			IdleTimeoutMS:  60000,
			StartTimeoutMS: 10000,
			CloseOnPhrase:  true,
			ClosingPhrase:  "Goodbye!",
			HangupDelayMS:  2000,
			ToolTimeoutMS:  8000,
		},
		SMS: SMSConfig{
			Enabled:   true,
			Mode:      "log",
			ShopName:  "Servizio",
			TimeoutMS: 10000,
		},
		Twilio: TwilioConfig{
			BaseURL: "https://api.twilio.com/2010-04-01",
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
	overrideString(&cfg.RuntimeName, "BARISTA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "BARISTA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "BARISTA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "BARISTA_HTTP_PORT")
	overrideString(&cfg.HTTP.PublicHost, "BARISTA_HTTP_PUBLIC_HOST")
	overrideString(&cfg.HTTP.WSScheme, "BARISTA_HTTP_WS_SCHEME")
	overrideString(&cfg.Telemetry.LogLevel, "BARISTA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.TraceExporter, "BARISTA_TELEMETRY_TRACE_EXPORTER")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "BARISTA_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "BARISTA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "BARISTA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "BARISTA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "BARISTA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "BARISTA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "BARISTA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "BARISTA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "BARISTA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "BARISTA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "BARISTA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "BARISTA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "BARISTA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "BARISTA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "BARISTA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "BARISTA_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.Store.Path, "BARISTA_STORE_PATH")
	overrideString(&cfg.Store.RetentionMode, "BARISTA_STORE_RETENTION_MODE")
	overrideInt(&cfg.Store.RetentionDays, "BARISTA_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxSessions, "BARISTA_STORE_MAX_SESSIONS")
	overrideBool(&cfg.Store.VacuumOnStart, "BARISTA_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Orders.FirstNumber, "BARISTA_ORDERS_FIRST_NUMBER")
	overrideInt(&cfg.Orders.MaxDrinksPerOrder, "BARISTA_ORDERS_MAX_DRINKS_PER_ORDER")
	overrideInt(&cfg.Orders.MaxActiveDrinksPerPhone, "BARISTA_ORDERS_MAX_ACTIVE_DRINKS_PER_PHONE")
	overrideInt(&cfg.Events.SubscriberBuffer, "BARISTA_EVENTS_SUBSCRIBER_BUFFER")
	overrideInt(&cfg.Events.EvictAfter, "BARISTA_EVENTS_EVICT_AFTER")
	overrideString(&cfg.Telephony.Path, "BARISTA_TELEPHONY_PATH")
	overrideInt(&cfg.Telephony.QueueSize, "BARISTA_TELEPHONY_QUEUE_SIZE")
	overrideInt(&cfg.Telephony.PaceMS, "BARISTA_TELEPHONY_PACE_MS")
	overrideInt(&cfg.Telephony.MaxLeadFrames, "BARISTA_TELEPHONY_MAX_LEAD_FRAMES")
	overrideInt(&cfg.Telephony.WriteTimeout, "BARISTA_TELEPHONY_WRITE_TIMEOUT_MS")
	overrideString(&cfg.Telephony.RecordDir, "BARISTA_TELEPHONY_RECORD_DIR")
	overrideString(&cfg.Agent.Mode, "BARISTA_AGENT_MODE")
	overrideString(&cfg.Agent.URL, "BARISTA_AGENT_URL")
	overrideString(&cfg.Agent.APIKey, "BARISTA_AGENT_API_KEY")
	overrideString(&cfg.Agent.APIKey, "DEEPGRAM_API_KEY")
	overrideString(&cfg.Agent.Language, "BARISTA_AGENT_LANGUAGE")
	overrideString(&cfg.Agent.ListenModel, "BARISTA_AGENT_LISTEN_MODEL")
	overrideString(&cfg.Agent.ThinkProvider, "BARISTA_AGENT_THINK_PROVIDER")
	overrideString(&cfg.Agent.ThinkModel, "BARISTA_AGENT_THINK_MODEL")
	overrideString(&cfg.Agent.SpeakModel, "BARISTA_AGENT_SPEAK_MODEL")
	overrideString(&cfg.Agent.Greeting, "BARISTA_AGENT_GREETING")
	overrideString(&cfg.Agent.PromptFile, "BARISTA_AGENT_PROMPT_FILE")
	overrideInt(&cfg.Agent.QueueSize, "BARISTA_AGENT_QUEUE_SIZE")
	overrideInt(&cfg.Agent.KeepAliveMS, "BARISTA_AGENT_KEEPALIVE_MS")
	overrideInt(&cfg.Agent.DialTimeoutMS, "BARISTA_AGENT_DIAL_TIMEOUT_MS")
	overrideBool(&cfg.Agent.LogEvents, "BARISTA_AGENT_LOG_EVENTS")
	overrideInt(&cfg.Agent.LogToolMaxLen, "BARISTA_AGENT_LOG_TOOL_MAX_LEN")
	overrideInt(&cfg.Session.IdleTimeoutMS, "BARISTA_SESSION_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Session.StartTimeoutMS, "BARISTA_SESSION_START_TIMEOUT_MS")
	overrideBool(&cfg.Session.CloseOnPhrase, "BARISTA_SESSION_CLOSE_ON_PHRASE")
	overrideString(&cfg.Session.ClosingPhrase, "BARISTA_SESSION_CLOSING_PHRASE")
	overrideInt(&cfg.Session.HangupDelayMS, "BARISTA_SESSION_HANGUP_DELAY_MS")
	overrideInt(&cfg.Session.ToolTimeoutMS, "BARISTA_SESSION_TOOL_TIMEOUT_MS")
	overrideBool(&cfg.SMS.Enabled, "BARISTA_SMS_ENABLED")
	overrideString(&cfg.SMS.Mode, "BARISTA_SMS_MODE")
	overrideString(&cfg.SMS.From, "BARISTA_SMS_FROM")
	overrideString(&cfg.SMS.Command, "BARISTA_SMS_COMMAND")
	overrideString(&cfg.SMS.ShopName, "BARISTA_SMS_SHOP_NAME")
	overrideInt(&cfg.SMS.TimeoutMS, "BARISTA_SMS_TIMEOUT_MS")
	overrideString(&cfg.Twilio.AccountSID, "TWILIO_ACCOUNT_SID")
	overrideString(&cfg.Twilio.AuthToken, "TWILIO_AUTH_TOKEN")
	overrideString(&cfg.Twilio.BaseURL, "BARISTA_TWILIO_BASE_URL")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.HTTP.WSScheme {
	case "", "ws", "wss":
	default:
		return errors.New("http.ws_scheme must be one of ws|wss")
	}
	switch cfg.Telemetry.TraceExporter {
	case "", "otlp", "stdout", "none":
	default:
		return errors.New("telemetry.trace_exporter must be one of otlp|stdout|none")
	}
	if cfg.Telemetry.TraceExporter == "otlp" && cfg.Telemetry.OTLPEndpoint == "" {
		return errors.New("telemetry.otlp_endpoint is required for the otlp trace exporter")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	switch cfg.Store.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Orders.FirstNumber < 1 {
		return errors.New("orders.first_number must be >= 1")
	}
	if cfg.Orders.MaxDrinksPerOrder <= 0 {
		return errors.New("orders.max_drinks_per_order must be positive")
	}
	if cfg.Orders.MaxActiveDrinksPerPhone < 0 {
		return errors.New("orders.max_active_drinks_per_phone must be >= 0")
	}
	if cfg.Events.SubscriberBuffer <= 0 {
		return errors.New("events.subscriber_buffer must be positive")
	}
	if cfg.Telephony.Path == "" || !strings.HasPrefix(cfg.Telephony.Path, "/") {
		return errors.New("telephony.path must start with /")
	}
	if cfg.Telephony.FrameBytes <= 0 {
		return errors.New("telephony.frame_bytes must be positive")
	}
	if cfg.Telephony.QueueSize < 2 {
		return errors.New("telephony.queue_size must be >= 2")
	}
	if cfg.Telephony.PaceMS < 0 {
		return errors.New("telephony.pace_ms must be >= 0")
	}
	switch cfg.Agent.Mode {
	case "deepgram":
		if cfg.Agent.URL == "" {
			return errors.New("agent.url must be set when mode=deepgram")
		}
	case "echo":
	default:
		return errors.New("agent.mode must be one of deepgram|echo")
	}
	if cfg.Agent.SampleRate != 48000 {
		return errors.New("agent.sample_rate must be 48000")
	}
	if cfg.Agent.QueueSize < 2 {
		return errors.New("agent.queue_size must be >= 2")
	}
	if cfg.Session.IdleTimeoutMS <= 0 {
		return errors.New("session.idle_timeout_ms must be positive")
	}
	if cfg.Session.CloseOnPhrase && strings.TrimSpace(cfg.Session.ClosingPhrase) == "" {
		return errors.New("session.closing_phrase must be set when close_on_phrase is enabled")
	}
	if cfg.SMS.Enabled {
		switch cfg.SMS.Mode {
		case "log":
		case "twilio":
			if cfg.SMS.From == "" {
				return errors.New("sms.from must be set when mode=twilio")
			}
			if cfg.Twilio.AccountSID == "" || cfg.Twilio.AuthToken == "" {
				return errors.New("twilio.account_sid and twilio.auth_token must be set when sms.mode=twilio")
			}
		case "exec":
			if cfg.SMS.Command == "" {
				return errors.New("sms.command must be set when mode=exec")
			}
		default:
			return errors.New("sms.mode must be one of log|twilio|exec")
		}
	}
	return nil
}
