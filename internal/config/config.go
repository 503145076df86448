// Package config loads runtime configuration from defaults, an optional
// config file, RESPKV_* environment variables and CLI flags, in that
// order of precedence (flags win).
package config

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Role describes whether this instance is a master or a replica of one.
type Role string

const (
	RoleMaster  Role = "master"
	RoleReplica Role = "slave"
)

// Config holds all runtime configuration for the server.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Limits      LimitsConfig      `mapstructure:"limits"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Replication ReplicationConfig `mapstructure:"replication"`
}

// ServerConfig contains network level settings for the RESP listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the host:port the listener binds to.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LimitsConfig caps concurrent connections and paces the accept loop.
type LimitsConfig struct {
	MaxConnections int     `mapstructure:"max_connections"`
	AcceptRate     float64 `mapstructure:"accept_rate"`
	AcceptBurst    int     `mapstructure:"accept_burst"`
}

// MetricsConfig controls the Prometheus/diagnostics endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// ReplicationConfig carries the role, the master address when running as
// a replica, and the replication id handed out during the handshake.
type ReplicationConfig struct {
	Role       Role   `mapstructure:"-"`
	MasterHost string `mapstructure:"-"`
	MasterPort int    `mapstructure:"-"`
	ID         string `mapstructure:"-"`
}

// Flags are the CLI overrides applied on top of file/env configuration.
type Flags struct {
	Port      int    // 0 means not set
	ReplicaOf string // "<host> <port>", empty means master
	Debug     bool
}

// Load reads configuration and applies flag overrides.
func Load(flags Flags) (Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 6379)

	v.SetDefault("limits.max_connections", 10000)
	v.SetDefault("limits.accept_rate", 1000)
	v.SetDefault("limits.accept_burst", 100)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9091")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("respkv")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("RESPKV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file is optional.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if flags.Port != 0 {
		cfg.Server.Port = flags.Port
	}
	if flags.Debug {
		cfg.Logging.Level = "debug"
		cfg.Logging.Development = true
	}

	cfg.Replication.Role = RoleMaster
	if flags.ReplicaOf != "" {
		var host string
		var port int
		if _, err := fmt.Sscanf(flags.ReplicaOf, "%s %d", &host, &port); err != nil {
			return Config{}, fmt.Errorf("invalid --replicaof %q: want \"<host> <port>\"", flags.ReplicaOf)
		}
		cfg.Replication.Role = RoleReplica
		cfg.Replication.MasterHost = host
		cfg.Replication.MasterPort = port
	}
	cfg.Replication.ID = newReplicationID()

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return Config{}, fmt.Errorf("invalid port %d", cfg.Server.Port)
	}

	return cfg, nil
}

const replIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// newReplicationID generates the opaque 40-character alphanumeric id a
// master hands out in its handshake.
func newReplicationID() string {
	buf := make([]byte, 40)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	for i, b := range buf {
		buf[i] = replIDAlphabet[int(b)%len(replIDAlphabet)]
	}
	return string(buf)
}
