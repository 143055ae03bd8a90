package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                     = "RECIPESTATS"
	defaultHTTPAddress            = "0.0.0.0:8080"
	defaultDatabasePath           = "recipestats.db"
	defaultLogLevel               = "info"
	defaultLogFormat              = LogFormatJSON
	defaultTriggerIssuer          = "recipestats"
	defaultTriggerAudience        = "recipestats-triggers"
	defaultTokenTTLMinutes        = 60
	defaultEventSource            = EventSourceChangeLog
	defaultChangeLogPollInterval  = time.Second
	defaultChangeLogBatchSize     = 100
	defaultChangeLogMaxAttempts   = 5
	defaultStoreTransactionTries  = 5
	defaultKafkaTopic             = "review-changes"
	defaultKafkaGroupID           = "recipestats"
	defaultDispatcherBufferEvents = 256
)

// Log encodings.
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// Change-event sources.
const (
	EventSourceChangeLog  = "changelog"
	EventSourceDispatcher = "dispatcher"
	EventSourceKafka      = "kafka"
	EventSourceNone       = "none"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	LogFormat    string

	TriggerSigningSecret string
	TriggerIssuer        string
	TriggerAudience      string
	TokenTTL             time.Duration

	EventSource            string
	ChangeLogPollInterval  time.Duration
	ChangeLogBatchSize     int
	ChangeLogMaxAttempts   int
	DispatcherBufferEvents int

	StoreMaxTransactionAttempts int

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// KafkaDeadLetterTopic receives change events the handler could not process.
	KafkaDeadLetterTopic string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("trigger.issuer", defaultTriggerIssuer)
	configViper.SetDefault("trigger.audience", defaultTriggerAudience)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("events.source", defaultEventSource)
	configViper.SetDefault("events.dispatcher_buffer", defaultDispatcherBufferEvents)
	configViper.SetDefault("changelog.poll_interval", defaultChangeLogPollInterval)
	configViper.SetDefault("changelog.batch_size", defaultChangeLogBatchSize)
	configViper.SetDefault("changelog.max_attempts", defaultChangeLogMaxAttempts)
	configViper.SetDefault("store.max_transaction_attempts", defaultStoreTransactionTries)
	configViper.SetDefault("kafka.brokers", "")
	configViper.SetDefault("kafka.topic", defaultKafkaTopic)
	configViper.SetDefault("kafka.group_id", defaultKafkaGroupID)
	configViper.SetDefault("kafka.dead_letter_topic", "")
	// AutomaticEnv only resolves keys viper already knows about.
	configViper.SetDefault("trigger.signing_secret", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:                 configViper.GetString("http.address"),
		DatabasePath:                configViper.GetString("database.path"),
		LogLevel:                    configViper.GetString("log.level"),
		LogFormat:                   strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		TriggerSigningSecret:        configViper.GetString("trigger.signing_secret"),
		TriggerIssuer:               configViper.GetString("trigger.issuer"),
		TriggerAudience:             configViper.GetString("trigger.audience"),
		TokenTTL:                    time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		EventSource:                 strings.ToLower(strings.TrimSpace(configViper.GetString("events.source"))),
		ChangeLogPollInterval:       configViper.GetDuration("changelog.poll_interval"),
		ChangeLogBatchSize:          configViper.GetInt("changelog.batch_size"),
		ChangeLogMaxAttempts:        configViper.GetInt("changelog.max_attempts"),
		DispatcherBufferEvents:      configViper.GetInt("events.dispatcher_buffer"),
		StoreMaxTransactionAttempts: configViper.GetInt("store.max_transaction_attempts"),
		KafkaBrokers:                splitList(configViper.GetString("kafka.brokers")),
		KafkaTopic:                  configViper.GetString("kafka.topic"),
		KafkaGroupID:                configViper.GetString("kafka.group_id"),
		KafkaDeadLetterTopic:        strings.TrimSpace(configViper.GetString("kafka.dead_letter_topic")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TriggerSigningSecret) == "" {
		return fmt.Errorf("trigger.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	switch c.LogFormat {
	case LogFormatJSON, LogFormatConsole:
	default:
		return fmt.Errorf("log.format must be %q or %q", LogFormatJSON, LogFormatConsole)
	}
	switch c.EventSource {
	case EventSourceChangeLog:
		if c.ChangeLogPollInterval <= 0 {
			return fmt.Errorf("changelog.poll_interval must be positive")
		}
	case EventSourceKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when events.source is kafka")
		}
		if strings.TrimSpace(c.KafkaTopic) == "" || strings.TrimSpace(c.KafkaGroupID) == "" {
			return fmt.Errorf("kafka.topic and kafka.group_id are required when events.source is kafka")
		}
	case EventSourceDispatcher, EventSourceNone:
	default:
		return fmt.Errorf("events.source %q is not supported", c.EventSource)
	}
	return nil
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
