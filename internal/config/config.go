package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	envPrefix     = "WORKQUEUE"
	configFileEnv = "WORKQUEUE_CONFIG"
)

// Config contains all runtime settings for the queue service.
type Config struct {
	BindAddr         string        `mapstructure:"bind_addr" validate:"required"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout" validate:"required"`
	MetricsNamespace string        `mapstructure:"metrics_namespace" validate:"required"`
	LogLevel         string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	LogFormat        string        `mapstructure:"log_format" validate:"required,oneof=json text"`
	AllowAnyOrigin   bool          `mapstructure:"allow_any_origin"`
	DatabaseURL      string        `mapstructure:"database_url" validate:"omitempty,url"`
	EventBuffer      int           `mapstructure:"event_buffer" validate:"gt=0"`
	// WebhookAllowedHosts enables the webhook job kind for these hosts.
	// Empty disables it; "*" allows any host.
	WebhookAllowedHosts []string `mapstructure:"webhook_allowed_hosts" validate:"dive,required"`

	// Queues is decoded separately so it can come from a file or from the
	// compact WORKQUEUE_QUEUES form "id:concurrency:history,...".
	Queues []QueueConfig `mapstructure:"-" validate:"required,min=1,unique=ID,dive"`
}

type QueueConfig struct {
	ID              string `mapstructure:"id" validate:"required,max=64,excludesall=/?#"`
	MaxConcurrency  int    `mapstructure:"max_concurrency" validate:"gte=1"`
	MaxQueueHistory int    `mapstructure:"max_queue_history" validate:"gte=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bind_addr", ":8080")
	v.SetDefault("shutdown_timeout", 15*time.Second)
	v.SetDefault("metrics_namespace", "workqueue")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("allow_any_origin", false)
	v.SetDefault("database_url", "")
	v.SetDefault("event_buffer", 256)
	v.SetDefault("webhook_allowed_hosts", []string{})
	v.SetDefault("queues", []map[string]any{
		{"id": "default", "max_concurrency": 2, "max_queue_history": 50},
	})
}

// Load reads an optional config file named by WORKQUEUE_CONFIG, then
// WORKQUEUE_* environment variables, which take precedence.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := strings.TrimSpace(os.Getenv(configFileEnv)); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	queues, err := decodeQueues(v)
	if err != nil {
		return Config{}, err
	}
	cfg.Queues = queues

	cfg.BindAddr = strings.TrimSpace(cfg.BindAddr)
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	cfg.WebhookAllowedHosts = cleanHosts(cfg.WebhookAllowedHosts)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate applies struct tag rules to cfg.
func Validate(cfg Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", describeValidation(err))
	}
	return nil
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(parts, "; "))
}

func decodeQueues(v *viper.Viper) ([]QueueConfig, error) {
	if raw, ok := v.Get("queues").(string); ok {
		return parseQueueList(raw)
	}
	var out []QueueConfig
	if err := v.UnmarshalKey("queues", &out); err != nil {
		return nil, fmt.Errorf("decode queues: %w", err)
	}
	for i := range out {
		out[i].ID = strings.TrimSpace(out[i].ID)
	}
	return out, nil
}

// parseQueueList reads "id[:concurrency[:history]]" entries separated by
// commas. Omitted numbers take the default queue values.
func parseQueueList(raw string) ([]QueueConfig, error) {
	var out []QueueConfig
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		fields := strings.Split(item, ":")
		if len(fields) > 3 {
			return nil, fmt.Errorf("WORKQUEUE_QUEUES entry %q: expected id[:concurrency[:history]]", item)
		}
		q := QueueConfig{ID: strings.TrimSpace(fields[0]), MaxConcurrency: 2, MaxQueueHistory: 50}
		var err error
		if len(fields) > 1 {
			if q.MaxConcurrency, err = strconv.Atoi(strings.TrimSpace(fields[1])); err != nil {
				return nil, fmt.Errorf("WORKQUEUE_QUEUES entry %q concurrency: %w", item, err)
			}
		}
		if len(fields) > 2 {
			if q.MaxQueueHistory, err = strconv.Atoi(strings.TrimSpace(fields[2])); err != nil {
				return nil, fmt.Errorf("WORKQUEUE_QUEUES entry %q history: %w", item, err)
			}
		}
		out = append(out, q)
	}
	return out, nil
}

func cleanHosts(in []string) []string {
	out := make([]string, 0, len(in))
	for _, h := range in {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			out = append(out, h)
		}
	}
	return out
}
