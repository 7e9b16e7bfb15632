package util

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigConstants(t *testing.T) {
	if Name != "federa" {
		t.Errorf("Expected Name 'federa', got '%s'", Name)
	}

	if ConfigFileName != "config.yaml" {
		t.Errorf("Expected ConfigFileName 'config.yaml', got '%s'", ConfigFileName)
	}
}

func TestReadConfWithYaml(t *testing.T) {
	yamlContent := `
conf:
  host: 127.0.0.1
  httpPort: 9999
  publicURL: HTTP://Node.Example:80/
  nodeName: node-x
  pushTimeout: 3s
  fanoutWorkers: 4
  withSync: true
`
	err := os.WriteFile("config.yaml", []byte(yamlContent), 0644)
	if err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}
	defer os.Remove("config.yaml")

	config, err := ReadConf()
	if err != nil {
		t.Fatalf("ReadConf failed: %v", err)
	}

	if config.Conf.Host != "127.0.0.1" {
		t.Errorf("Expected Host '127.0.0.1', got '%s'", config.Conf.Host)
	}
	if config.Conf.HttpPort != 9999 {
		t.Errorf("Expected HttpPort 9999, got %d", config.Conf.HttpPort)
	}
	if config.Conf.PublicURL != "http://node.example" {
		t.Errorf("Expected normalised PublicURL, got '%s'", config.Conf.PublicURL)
	}
	if config.Conf.PushTimeout != 3*time.Second {
		t.Errorf("Expected PushTimeout 3s, got %s", config.Conf.PushTimeout)
	}
	if config.Conf.FanoutWorkers != 4 {
		t.Errorf("Expected FanoutWorkers 4, got %d", config.Conf.FanoutWorkers)
	}
	if !config.Conf.WithSync {
		t.Error("Expected WithSync to be true")
	}

	// fields missing from the file keep their defaults
	if config.Conf.SyncTimeout != 30*time.Second {
		t.Errorf("Expected default SyncTimeout 30s, got %s", config.Conf.SyncTimeout)
	}
	if config.Conf.ResolverCacheSize != 1024 {
		t.Errorf("Expected default ResolverCacheSize 1024, got %d", config.Conf.ResolverCacheSize)
	}
}

func TestReadConfWithEnvOverrides(t *testing.T) {
	yamlContent := `
conf:
  host: 127.0.0.1
  httpPort: 9999
  withSync: false
`
	err := os.WriteFile("config.yaml", []byte(yamlContent), 0644)
	if err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}
	defer os.Remove("config.yaml")

	t.Setenv("FEDERA_HOST", "192.168.1.1")
	t.Setenv("FEDERA_HTTPPORT", "8080")
	t.Setenv("FEDERA_PUBLIC_URL", "https://x.example:443")
	t.Setenv("FEDERA_PUSH_TIMEOUT", "2s")
	t.Setenv("FEDERA_SYNC_INTERVAL", "10m")
	t.Setenv("FEDERA_WITH_SYNC", "true")

	config, err := ReadConf()
	if err != nil {
		t.Fatalf("ReadConf failed: %v", err)
	}

	if config.Conf.Host != "192.168.1.1" {
		t.Errorf("Expected Host '192.168.1.1' from env, got '%s'", config.Conf.Host)
	}
	if config.Conf.HttpPort != 8080 {
		t.Errorf("Expected HttpPort 8080 from env, got %d", config.Conf.HttpPort)
	}
	if config.Conf.PublicURL != "https://x.example" {
		t.Errorf("Expected PublicURL from env, got '%s'", config.Conf.PublicURL)
	}
	if config.Conf.PushTimeout != 2*time.Second {
		t.Errorf("Expected PushTimeout 2s from env, got %s", config.Conf.PushTimeout)
	}
	if config.Conf.SyncInterval != 10*time.Minute {
		t.Errorf("Expected SyncInterval 10m from env, got %s", config.Conf.SyncInterval)
	}
	if !config.Conf.WithSync {
		t.Error("Expected WithSync to be true from env")
	}
}

func TestReadConfInvalidEnvKeepsYaml(t *testing.T) {
	yamlContent := `
conf:
  httpPort: 9999
`
	err := os.WriteFile("config.yaml", []byte(yamlContent), 0644)
	if err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}
	defer os.Remove("config.yaml")

	t.Setenv("FEDERA_HTTPPORT", "not_a_number")
	t.Setenv("FEDERA_PUSH_TIMEOUT", "soon")

	config, err := ReadConf()
	if err != nil {
		t.Fatalf("ReadConf failed: %v", err)
	}
	if config.Conf.HttpPort != 9999 {
		t.Errorf("Expected HttpPort 9999 from YAML, got %d", config.Conf.HttpPort)
	}
	if config.Conf.PushTimeout != 8*time.Second {
		t.Errorf("Expected default PushTimeout, got %s", config.Conf.PushTimeout)
	}
}

func TestReadConfInvalidYaml(t *testing.T) {
	invalidYaml := `
conf:
  host: 127.0.0.1
  httpPort: not_a_number
  invalid yaml structure
`
	err := os.WriteFile("config.yaml", []byte(invalidYaml), 0644)
	if err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}
	defer os.Remove("config.yaml")

	_, err = ReadConf()
	if err == nil {
		t.Error("Expected error when parsing invalid YAML")
	}
}

func TestReadConfFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	if err := os.WriteFile(path, []byte("conf:\n  publicURL: http://localhost:9001\n  dbPath: ':memory:'\n"), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}

	config, err := ReadConfFile(path)
	if err != nil {
		t.Fatalf("ReadConfFile failed: %v", err)
	}
	if config.Conf.PublicURL != "http://localhost:9001" || config.Conf.DbPath != ":memory:" {
		t.Errorf("Unexpected config %+v", config.Conf)
	}

	if _, err := ReadConfFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestReadConfRejectsRelativePublicURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	if err := os.WriteFile(path, []byte("conf:\n  publicURL: node.example\n"), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}
	if _, err := ReadConfFile(path); err == nil {
		t.Error("Expected error for a publicURL without scheme")
	}
}
