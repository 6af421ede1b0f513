package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	ColisBox ColisBoxConfig `yaml:"colisbox"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                    string `yaml:"host"`
	Port                    int    `yaml:"port"`
	PackageUpdatedTopicName string `yaml:"package_updated_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type ColisBoxConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	SnapshotTTLSeconds int `yaml:"snapshot_ttl_seconds"`

	PollIntervalMinutes int `yaml:"poll_interval_minutes"`
	BatchSize           int `yaml:"batch_size"`
	// ArchiveDelayDays unset means the default retention; explicit 0
	// disables auto-archive.
	ArchiveDelayDays *int `yaml:"archive_delay_days"`

	EmailCheckIntervalMinutes int    `yaml:"email_check_interval_minutes"`
	EmailMode                 string `yaml:"email_mode"` // "allowlist" | "catchall"
	EmailSpoolDir             string `yaml:"email_spool_dir"`
	EmailFetchLimit           int    `yaml:"email_fetch_limit"`

	ProviderBaseURL             string `yaml:"provider_base_url"`
	ProviderAPIKey              string `yaml:"provider_api_key"`
	ProviderMode                string `yaml:"provider_mode"` // "17track" | "fake"
	ProviderRateLimitPerSecond  int    `yaml:"provider_rate_limit_per_second"`
	ProviderRegisterQuotaPerMonth int  `yaml:"provider_register_quota_per_month"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
