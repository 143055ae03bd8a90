package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("RECIPESTATS_TRIGGER_SIGNING_SECRET", "secret")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.EventSource != EventSourceChangeLog {
		t.Fatalf("unexpected event source %q", cfg.EventSource)
	}
	if cfg.TokenTTL != time.Hour {
		t.Fatalf("unexpected token ttl %v", cfg.TokenTTL)
	}
	if cfg.ChangeLogPollInterval != time.Second || cfg.ChangeLogMaxAttempts != defaultChangeLogMaxAttempts {
		t.Fatalf("unexpected change log settings %+v", cfg)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("unexpected log format %q", cfg.LogFormat)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("RECIPESTATS_TRIGGER_SIGNING_SECRET", "secret")
	t.Setenv("RECIPESTATS_EVENTS_SOURCE", "Kafka")
	t.Setenv("RECIPESTATS_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("RECIPESTATS_CHANGELOG_POLL_INTERVAL", "250ms")
	t.Setenv("RECIPESTATS_STORE_MAX_TRANSACTION_ATTEMPTS", "9")
	t.Setenv("RECIPESTATS_KAFKA_DEAD_LETTER_TOPIC", " review-changes.dlq ")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.EventSource != EventSourceKafka {
		t.Fatalf("unexpected event source %q", cfg.EventSource)
	}
	if strings.Join(cfg.KafkaBrokers, "|") != "kafka-1:9092|kafka-2:9092" {
		t.Fatalf("unexpected brokers %#v", cfg.KafkaBrokers)
	}
	if cfg.ChangeLogPollInterval != 250*time.Millisecond {
		t.Fatalf("unexpected poll interval %v", cfg.ChangeLogPollInterval)
	}
	if cfg.StoreMaxTransactionAttempts != 9 {
		t.Fatalf("unexpected transaction attempts %d", cfg.StoreMaxTransactionAttempts)
	}
	if cfg.KafkaDeadLetterTopic != "review-changes.dlq" {
		t.Fatalf("unexpected dead-letter topic %q", cfg.KafkaDeadLetterTopic)
	}
}

func TestLoadValidates(t *testing.T) {
	testCases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "missing secret", env: map[string]string{}, want: "trigger.signing_secret"},
		{name: "unknown source", env: map[string]string{"RECIPESTATS_EVENTS_SOURCE": "carrier-pigeon"}, want: "events.source"},
		{name: "kafka without brokers", env: map[string]string{"RECIPESTATS_EVENTS_SOURCE": "kafka"}, want: "kafka.brokers"},
		{name: "bad log format", env: map[string]string{"RECIPESTATS_LOG_FORMAT": "xml"}, want: "log.format"},
		{name: "zero ttl", env: map[string]string{"RECIPESTATS_TOKEN_TTL_MINUTES": "0"}, want: "token.ttl_minutes"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if testCase.name != "missing secret" {
				t.Setenv("RECIPESTATS_TRIGGER_SIGNING_SECRET", "secret")
			}
			for key, value := range testCase.env {
				t.Setenv(key, value)
			}
			_, err := Load(NewViper())
			if err == nil || !strings.Contains(err.Error(), testCase.want) {
				t.Fatalf("expected error mentioning %s, got %v", testCase.want, err)
			}
		})
	}
}
