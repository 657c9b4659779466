package config

import (
	"fmt"
	"os"
	"strings"

	"cleanbox/internal/executor"
	"cleanbox/internal/mailbox/gmail"
	"cleanbox/internal/scanner"
	"cleanbox/internal/scheduler"
	"cleanbox/internal/worker"
	"cleanbox/pkg/config"
)

type PipelineConfig struct {
	// RequireApproval: 新任务先进 pending_approval，等用户审批
	RequireApproval bool `yaml:"require_approval"`
}

type EncryptionConfig struct {
	// Key is 64 hex chars; the token cipher key is derived from it.
	Key string `yaml:"key"`
}

type Config struct {
	DB         config.DBConfig     `yaml:"db"`
	MQ         config.MQConfig     `yaml:"mq"`
	Redis      config.RedisConfig  `yaml:"redis"`
	JWT        config.JWTConfig    `yaml:"jwt"`
	Server     config.ServerConfig `yaml:"server"`
	Log        config.LogConfig    `yaml:"log"`
	Encryption EncryptionConfig    `yaml:"encryption"`

	Pipeline     PipelineConfig      `yaml:"pipeline"`
	Scanner      scanner.Config      `yaml:"scanner"`
	Scheduler    scheduler.Config    `yaml:"scheduler"`
	Worker       worker.Config       `yaml:"worker"`
	Google       gmail.Config        `yaml:"google"`
	HTTPExecutor executor.HTTPConfig `yaml:"http_executor"`
	SMTP         executor.SMTPConfig `yaml:"smtp"`
}

// Load reads config/<CONFIG_ENV>.yaml over config/base.yaml, then applies
// environment overrides.
func Load() (*Config, error) {
	env := config.GetConfigEnv()
	configDir := config.GetEnv("CONFIG_DIR", "config")

	cfgMap, err := config.LoadConfig(env, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 默认值先填好，yaml 里有的再覆盖
	cfg := Config{
		Pipeline:  PipelineConfig{RequireApproval: true},
		Scanner:   scanner.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		Worker:    worker.DefaultConfig(),
	}
	if err := config.Decode(cfgMap, &cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖（优先级最高）
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideLogFromEnv(&cfg.Log)
	overrideGoogleFromEnv(&cfg.Google)
	overrideEncryptionFromEnv(&cfg.Encryption)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.JWT.Secret == "" || strings.Contains(c.JWT.Secret, "${") {
		return fmt.Errorf("jwt.secret is required")
	}
	if len(c.Encryption.Key) != 64 {
		return fmt.Errorf("encryption.key must be 64 hex chars")
	}
	return nil
}

func overrideGoogleFromEnv(cfg *gmail.Config) {
	if id := os.Getenv("GOOGLE_CLIENT_ID"); id != "" {
		cfg.ClientID = id
	}
	if secret := os.Getenv("GOOGLE_CLIENT_SECRET"); secret != "" {
		cfg.ClientSecret = secret
	}
	if redirect := os.Getenv("GOOGLE_REDIRECT_URL"); redirect != "" {
		cfg.RedirectURL = redirect
	}
}

func overrideEncryptionFromEnv(cfg *EncryptionConfig) {
	if key := os.Getenv("ENCRYPTION_KEY"); key != "" {
		cfg.Key = key
	}
}
