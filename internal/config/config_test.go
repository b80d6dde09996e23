package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.SurveyGrace != 48*time.Hour || cfg.PGDSN != "" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("KAFKA_BROKERS", " a:9092, ,b:9092 ")
	t.Setenv("SURVEY_GRACE", "2h")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("LOG_LEVEL", "DEBUG")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("brokers = %v", cfg.KafkaBrokers)
	}
	if cfg.SurveyGrace != 2*time.Hour || !cfg.RunMigrations || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("SWEEP_INTERVAL", "soon")
	t.Setenv("PG_TX_RETRIES", "-1")
	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"JWT_SECRET", "SWEEP_INTERVAL", "PG_TX_RETRIES"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("PUSH_ENDPOINT", "https://push.example.com/send")
	t.Setenv("DEDUP_TTL", "1h")
	cfg, err := LoadConsumerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DedupTTL != time.Hour || cfg.KafkaGroup != "ride-coordination-consumer" {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	t.Setenv("PUSH_ENDPOINT", "")
	if _, err := LoadConsumerConfig(); err == nil {
		t.Fatal("expected error without push endpoint")
	}
}
