package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Export  ExportConfig  `mapstructure:"export"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type StorageConfig struct {
	Directory string `mapstructure:"directory"`
}

type ExportConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func Load(configPath string) (*Config, error) {
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		// Look for config in common locations
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(filepath.Join(home, ".userstore"))
	}

	// Set defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("storage.directory", "./data")
	viper.SetDefault("export.batch_size", 1000)
	viper.SetDefault("log.level", "info")

	// Read from environment variables (with priority)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("USERSTORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Allow environment variable overrides
	if port := os.Getenv("HTTP_PORT"); port != "" {
		viper.Set("server.port", port)
	}
	if dir := os.Getenv("STORAGE_PATH"); dir != "" {
		viper.Set("storage.directory", dir)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}
