package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config drives the operator CLI. It shares variable names with the API
// service so both read the same environment.
type Config struct {
	KafkaBrokers    []string
	AccountingTopic string
	KafkaGroupID    string
	TempDir         string
	LogLevel        string
}

func Load() *Config {
	v := viper.New()
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("ACCOUNTING_TOPIC", "transform_accounting")
	v.SetDefault("KAFKA_GROUP_ID", "accounting-tail")
	v.SetDefault("TEMPDIR", filepath.Join(os.TempDir(), "geo-transform"))
	v.SetDefault("LOG_LEVEL", "info")
	v.AutomaticEnv()

	var brokers []string
	for _, b := range strings.Split(v.GetString("KAFKA_BROKERS"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}

	return &Config{
		KafkaBrokers:    brokers,
		AccountingTopic: v.GetString("ACCOUNTING_TOPIC"),
		KafkaGroupID:    v.GetString("KAFKA_GROUP_ID"),
		TempDir:         v.GetString("TEMPDIR"),
		LogLevel:        v.GetString("LOG_LEVEL"),
	}
}
