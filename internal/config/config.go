package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/04041b/segfetch/internal/utils"
	"github.com/spf13/viper"
)

const EnvPrefix = "SEGFETCH"

type Config struct {
	Connections      int           `mapstructure:"connections"`
	Workers          int           `mapstructure:"workers"`
	Timeout          time.Duration `mapstructure:"timeout"`
	KeepAliveTimeout time.Duration `mapstructure:"keep_alive_timeout"`
	UserAgent        string        `mapstructure:"user_agent"`
	Proxy            string        `mapstructure:"proxy"`
	ProxyUsername    string        `mapstructure:"proxy_username"`
	ProxyPassword    string        `mapstructure:"proxy_password"`
	Headers          []string      `mapstructure:"headers"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	MinChunkSize     uint64        `mapstructure:"min_chunk_size"`
	MaxBufferSize    uint64        `mapstructure:"max_buffer_size"`
	CancelOnFailure  bool          `mapstructure:"cancel_on_failure"`
	CollectErrors    bool          `mapstructure:"collect_errors"`
	LogLevel         string        `mapstructure:"log_level"`
	Metrics          struct {
		Address string `mapstructure:"address"` // empty disables the endpoint
	} `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("connections", utils.DefaultConnections)
	v.SetDefault("workers", 1)
	v.SetDefault("timeout", utils.DefaultTimeout)
	v.SetDefault("keep_alive_timeout", utils.DefaultKATimeout)
	v.SetDefault("user_agent", utils.ToolUserAgent)
	v.SetDefault("headers", []string{})
	v.SetDefault("retry_backoff", utils.DefaultRetryBackoff)
	v.SetDefault("min_chunk_size", utils.DefaultMinChunkSize)
	v.SetDefault("max_buffer_size", utils.DefaultMaxBufferSize)
	v.SetDefault("cancel_on_failure", false)
	v.SetDefault("collect_errors", false)
	v.SetDefault("log_level", "")
	v.SetDefault("metrics.address", "")
}

// Load reads segfetch.yaml from path, or from the working directory and
// $HOME/.config/segfetch when path is empty. A missing default file is not an
// error; SEGFETCH_* environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("segfetch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "segfetch"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
