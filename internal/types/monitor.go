package types

import "time"

type PingConfig struct {
	Count      int           `yaml:"count"`
	Timeout    time.Duration `yaml:"timeout"`
	Privileged bool          `yaml:"privileged"`
}

type DatabaseConfig struct {
	Type     string `yaml:"type"` // "mysql", "postgres"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Timeout  int    `yaml:"timeout"`
	SSLMode  string `yaml:"ssl_mode,omitempty"` // For postgres
	DSN      string `yaml:"dsn,omitempty"`      // Overrides the discrete fields when set
}
