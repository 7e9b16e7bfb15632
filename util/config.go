package util

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const Name = "federa"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host              string
		HttpPort          int           `yaml:"httpPort"`
		PublicURL         string        `yaml:"publicURL"`
		NodeName          string        `yaml:"nodeName"`
		DbPath            string        `yaml:"dbPath"`
		PushTimeout       time.Duration `yaml:"pushTimeout"`
		SyncTimeout       time.Duration `yaml:"syncTimeout"`
		PushRetries       int           `yaml:"pushRetries"`
		SyncRetries       int           `yaml:"syncRetries"`
		FanoutWorkers     int           `yaml:"fanoutWorkers"`
		SyncInterval      time.Duration `yaml:"syncInterval"`
		SyncPageSize      int           `yaml:"syncPageSize"`
		SyncLimit         int           `yaml:"syncLimit"`
		ResolverCacheSize int           `yaml:"resolverCacheSize"`
		ResolverCacheTTL  time.Duration `yaml:"resolverCacheTTL"`
		ResolverMissTTL   time.Duration `yaml:"resolverMissTTL"`
		WithSync          bool          `yaml:"withSync"`
	}
}

// ReadConf loads config.yaml from the working directory or the user config
// directory, falling back to the embedded defaults, then applies FEDERA_* overrides.
func ReadConf() (*AppConfig, error) {
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}
	return parseConf(buf)
}

// ReadConfFile loads an explicit config file, as given by --config
func ReadConfFile(path string) (*AppConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return parseConf(buf)
}

func parseConf(buf []byte) (*AppConfig, error) {
	c := &AppConfig{}
	// defaults first so a partial file only overrides what it names
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	envHost := os.Getenv("FEDERA_HOST")
	envHttpPort := os.Getenv("FEDERA_HTTPPORT")
	envPublicURL := os.Getenv("FEDERA_PUBLIC_URL")
	envNodeName := os.Getenv("FEDERA_NODE_NAME")
	envDbPath := os.Getenv("FEDERA_DB_PATH")
	envPushTimeout := os.Getenv("FEDERA_PUSH_TIMEOUT")
	envSyncTimeout := os.Getenv("FEDERA_SYNC_TIMEOUT")
	envFanoutWorkers := os.Getenv("FEDERA_FANOUT_WORKERS")
	envSyncInterval := os.Getenv("FEDERA_SYNC_INTERVAL")
	envWithSync := os.Getenv("FEDERA_WITH_SYNC")

	if envHost != "" {
		c.Conf.Host = envHost
	}

	if envHttpPort != "" {
		if v, err := strconv.Atoi(envHttpPort); err != nil {
			log.Printf("Ignoring FEDERA_HTTPPORT: %v", err)
		} else {
			c.Conf.HttpPort = v
		}
	}

	if envPublicURL != "" {
		c.Conf.PublicURL = envPublicURL
	}

	if envNodeName != "" {
		c.Conf.NodeName = envNodeName
	}

	if envDbPath != "" {
		c.Conf.DbPath = envDbPath
	}

	if envPushTimeout != "" {
		if v, err := time.ParseDuration(envPushTimeout); err != nil {
			log.Printf("Ignoring FEDERA_PUSH_TIMEOUT: %v", err)
		} else {
			c.Conf.PushTimeout = v
		}
	}

	if envSyncTimeout != "" {
		if v, err := time.ParseDuration(envSyncTimeout); err != nil {
			log.Printf("Ignoring FEDERA_SYNC_TIMEOUT: %v", err)
		} else {
			c.Conf.SyncTimeout = v
		}
	}

	if envFanoutWorkers != "" {
		if v, err := strconv.Atoi(envFanoutWorkers); err != nil {
			log.Printf("Ignoring FEDERA_FANOUT_WORKERS: %v", err)
		} else {
			c.Conf.FanoutWorkers = v
		}
	}

	if envSyncInterval != "" {
		if v, err := time.ParseDuration(envSyncInterval); err != nil {
			log.Printf("Ignoring FEDERA_SYNC_INTERVAL: %v", err)
		} else {
			c.Conf.SyncInterval = v
		}
	}

	if envWithSync == "true" {
		c.Conf.WithSync = true
	}

	publicURL, err := NormalizeURL(c.Conf.PublicURL)
	if err != nil {
		return nil, fmt.Errorf("publicURL: %w", err)
	}
	c.Conf.PublicURL = publicURL
	if c.Conf.FanoutWorkers <= 0 {
		c.Conf.FanoutWorkers = 1
	}

	return c, nil
}
