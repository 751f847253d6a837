package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type NovaConfig struct {
	AuthURL           string        `mapstructure:"auth_url"`
	AdminUser         string        `mapstructure:"admin_user"`
	AdminPassword     string        `mapstructure:"admin_password"`
	Domain            string        `mapstructure:"domain"`
	ProjectName       string        `mapstructure:"project_name"`
	EndpointInterface string        `mapstructure:"endpoint_interface"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// RecoverStarterConfig bounds control-plane retries and instance status polling.
type RecoverStarterConfig struct {
	APIMaxRetryCnt     int           `mapstructure:"api_max_retry_cnt"`
	APIRetryInterval   time.Duration `mapstructure:"api_retry_interval"`
	StatusPollInterval time.Duration `mapstructure:"status_poll_interval"`
	StatusPollTimeout  time.Duration `mapstructure:"status_poll_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type WorkerConfig struct {
	ResumeInterval time.Duration `mapstructure:"resume_interval"`
	ResumeGrace    time.Duration `mapstructure:"resume_grace"`
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	// DrainTimeout bounds how long shutdown waits for in-flight recoveries before canceling them.
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

type Config struct {
	DatabaseURL    string               `mapstructure:"database_url"`
	ServerPort     string               `mapstructure:"server_port"`
	JWTSecret      string               `mapstructure:"jwt_secret"`
	Nova           NovaConfig           `mapstructure:"nova"`
	RecoverStarter RecoverStarterConfig `mapstructure:"recover_starter"`
	Log            LogConfig            `mapstructure:"log"`
	Worker         WorkerConfig         `mapstructure:"worker"`
}

// Load reads config.yaml from the given path, or from "." and "./config" when path is empty.
// Every key can be overridden with an RC_ prefixed environment variable.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("RC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	// Fallback defaults
	if config.ServerPort == "" {
		config.ServerPort = "8080"
	}
	if config.Nova.EndpointInterface == "" {
		config.Nova.EndpointInterface = "admin"
	}
	if config.Nova.Domain == "" {
		config.Nova.Domain = "Default"
	}
	if config.Nova.RequestTimeout <= 0 {
		config.Nova.RequestTimeout = 60 * time.Second
	}
	if config.RecoverStarter.APIMaxRetryCnt < 0 {
		config.RecoverStarter.APIMaxRetryCnt = 0
	}
	if config.RecoverStarter.APIRetryInterval <= 0 {
		config.RecoverStarter.APIRetryInterval = 10 * time.Second
	}
	if config.RecoverStarter.StatusPollInterval <= 0 {
		config.RecoverStarter.StatusPollInterval = 5 * time.Second
	}
	if config.RecoverStarter.StatusPollTimeout <= 0 {
		config.RecoverStarter.StatusPollTimeout = 5 * time.Minute
	}
	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Worker.ResumeInterval <= 0 {
		config.Worker.ResumeInterval = 30 * time.Second
	}
	if config.Worker.ResumeGrace <= 0 {
		config.Worker.ResumeGrace = 5 * time.Minute
	}
	if config.Worker.DrainTimeout <= 0 {
		config.Worker.DrainTimeout = 10 * time.Minute
	}

	if config.DatabaseURL == "" {
		return nil, errors.New("database_url must be set")
	}
	if config.JWTSecret == "" {
		return nil, errors.New("jwt_secret must be set")
	}
	if config.Nova.AuthURL == "" || config.Nova.ProjectName == "" {
		return nil, errors.New("nova.auth_url and nova.project_name must be set")
	}

	return &config, nil
}

// AutomaticEnv only applies to keys viper already knows about.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"database_url",
		"server_port",
		"jwt_secret",
		"nova.auth_url",
		"nova.admin_user",
		"nova.admin_password",
		"nova.domain",
		"nova.project_name",
		"recover_starter.api_max_retry_cnt",
		"recover_starter.api_retry_interval",
		"log.level",
		"log.json",
	} {
		_ = v.BindEnv(key)
	}
}
