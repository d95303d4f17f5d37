// Package config loads the worker's configuration from a config file,
// environment variables and built-in defaults: SetDefault for every knob,
// AutomaticEnv so operators can override anything without a file, and a
// best-effort ReadInConfig.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/outpostlabs/drayman/internal/domain"
)

// Config is the fully assembled, process-level configuration: the worker's
// domain.Config plus the optional collaborators' connection strings.
type Config struct {
	Worker domain.Config

	RedisURL    string
	PostgresURL string

	SentryDSN         string
	SentryEnvironment string
	SentryRelease     string

	MetricsAddr string
}

// Load reads config from (in ascending priority) built-in defaults, an
// optional config file named "drayman" on the usual search paths, and
// environment variables prefixed DRAYMAN_.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("drayman")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/drayman")
	v.SetEnvPrefix("drayman")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	_ = v.ReadInConfig() // absence of a config file is not an error

	cfg := &Config{
		Worker: domain.Config{
			WorkerName: v.GetString("worker.name"),
			Connection: domain.ConnectionParams{
				Host:              v.GetString("rabbitmq.host"),
				Port:              v.GetInt("rabbitmq.port"),
				VHost:             v.GetString("rabbitmq.vhost"),
				Username:          v.GetString("rabbitmq.username"),
				Password:          v.GetString("rabbitmq.password"),
				UseTLS:            v.GetBool("rabbitmq.use_tls"),
				InsecureSkipTLS:   v.GetBool("rabbitmq.insecure_skip_tls"),
				FrameMax:          v.GetInt("rabbitmq.frame_max"),
				HeartbeatInterval: v.GetDuration("rabbitmq.heartbeat_interval"),
				SocketTimeout:     v.GetDuration("rabbitmq.socket_timeout"),
			},
			QueueName:       v.GetString("rabbitmq.queue"),
			HandlerName:     v.GetString("handler.name"),
			HandlerConfig:   v.GetStringMap("handler.config"),
			Prefetch:        v.GetInt("worker.prefetch"),
			AckEnabled:      v.GetBool("worker.ack_enabled"),
			MaxErrors:       v.GetInt("worker.max_errors"),
			WindowSeconds:   v.GetInt("worker.window_seconds"),
			ReconnectDelay:  v.GetDuration("worker.reconnect_delay"),
			MaxShutdownWait: v.GetDuration("worker.max_shutdown_wait"),
		},
		RedisURL:          v.GetString("redis.url"),
		PostgresURL:       v.GetString("postgres.url"),
		SentryDSN:         v.GetString("sentry.dsn"),
		SentryEnvironment: v.GetString("sentry.environment"),
		SentryRelease:     v.GetString("sentry.release"),
		MetricsAddr:       v.GetString("metrics.addr"),
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("worker.name", "")
	v.SetDefault("worker.prefetch", 1)
	v.SetDefault("worker.ack_enabled", true)
	v.SetDefault("worker.max_errors", 5)
	v.SetDefault("worker.window_seconds", 60)
	v.SetDefault("worker.reconnect_delay", 10*time.Second)
	v.SetDefault("worker.max_shutdown_wait", 5*time.Second)

	v.SetDefault("rabbitmq.host", "localhost")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.username", "guest")
	v.SetDefault("rabbitmq.password", "guest")
	v.SetDefault("rabbitmq.use_tls", false)
	v.SetDefault("rabbitmq.insecure_skip_tls", false)
	v.SetDefault("rabbitmq.frame_max", 131072)
	v.SetDefault("rabbitmq.heartbeat_interval", 10*time.Second)
	v.SetDefault("rabbitmq.socket_timeout", 10*time.Second)
	v.SetDefault("rabbitmq.queue", "")

	v.SetDefault("handler.name", "builtin.echo")

	v.SetDefault("redis.url", "")
	v.SetDefault("postgres.url", "")

	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "development")
	v.SetDefault("sentry.release", "")

	v.SetDefault("metrics.addr", ":9090")
}
