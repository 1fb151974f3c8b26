package config_test

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"DonationLedger/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LEDGER_CONFIG", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(cfg, config.DefaultConfig()) {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.yaml")
	yaml := `
postgres_url: postgres://file/db
grpc_addr: ":7000"
persist_flush_timeout: 25ms
snapshot_interval: 500
kafka_brokers: ["k1:9092"]
beneficiary: alice
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("LEDGER_CONFIG", path)
	t.Setenv("LEDGER_GRPC_ADDR", ":7001")
	t.Setenv("LEDGER_KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("LEDGER_PERSIST_BATCH_SIZE", "200")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.PostgresURL != "postgres://file/db" {
		t.Errorf("file value lost: %s", cfg.PostgresURL)
	}
	if cfg.GRPCAddr != ":7001" {
		t.Errorf("env should override file, got %s", cfg.GRPCAddr)
	}
	if cfg.PersistFlushTimeout != 25*time.Millisecond {
		t.Errorf("expected 25ms flush timeout, got %s", cfg.PersistFlushTimeout)
	}
	if cfg.SnapshotInterval != 500 || cfg.PersistBatchSize != 200 {
		t.Errorf("unexpected ints: interval=%d batch=%d", cfg.SnapshotInterval, cfg.PersistBatchSize)
	}
	if !reflect.DeepEqual(cfg.KafkaBrokers, []string{"a:9092", "b:9092"}) {
		t.Errorf("unexpected brokers: %v", cfg.KafkaBrokers)
	}
	if cfg.Beneficiary != "alice" || cfg.Deployer != "deployer" {
		t.Errorf("unexpected ledger identities: %s/%s", cfg.Beneficiary, cfg.Deployer)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("unset values keep defaults, got %s", cfg.HTTPAddr)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad int", map[string]string{"LEDGER_PERSIST_BATCH_SIZE": "many"}},
		{"bad duration", map[string]string{"LEDGER_PERSIST_FLUSH_TIMEOUT": "soon"}},
		{"zero batch", map[string]string{"LEDGER_PERSIST_BATCH_SIZE": "0"}},
		{"missing file", map[string]string{"LEDGER_CONFIG": "/nonexistent/ledger.yaml"}},
		{"no deployer", map[string]string{"LEDGER_BENEFICIARY": "alice", "LEDGER_DEPLOYER": " "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LEDGER_CONFIG", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := config.Load(); err == nil {
				t.Error("expected error")
			}
		})
	}
}
