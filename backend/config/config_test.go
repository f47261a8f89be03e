package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoad_ReadsYAML(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("Running:\n  Port: 9000\nKafka:\n  brokers: [\"k1:9092\", \"k2:9092\"]\nClient:\n  batchIdle: 250ms\n")
	if err := os.WriteFile(filepath.Join(dir, "collabConfig.yaml"), yaml, 0o644); err != nil {
		t.Fatal(err)
	}
	v := viper.New()
	v.AddConfigPath(dir)
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Running.Port != 9000 {
		t.Fatalf("Port = %d, want 9000", cfg.Running.Port)
	}
	if len(cfg.Kafka.Brokers) != 2 {
		t.Fatalf("Brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Client.BatchIdle != 250*time.Millisecond {
		t.Fatalf("BatchIdle = %v", cfg.Client.BatchIdle)
	}
	// 未在文件里出现的键取默认值
	if cfg.Collab.OpTimeout != 200*time.Millisecond || cfg.Kafka.Topic != "file-ops" {
		t.Fatalf("defaults not applied: %+v", cfg.Collab)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("COLLAB_CLIENT_TOKEN", "from-env")
	cfg, err := Load(viper.New())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Running.Port != 8082 || cfg.Client.BatchIdle != time.Second {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.Client.Token != "from-env" {
		t.Fatalf("Client.Token = %q, want env override", cfg.Client.Token)
	}
}
