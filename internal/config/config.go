// Package config loads the agent's configuration from GRID_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	DefaultHost      = "localhost"
	DefaultPort      = 1883
	DefaultKeepalive = 60 // seconds
)

// ErrReservedNodeName is returned when the node is named after the broadcast
// namespace.
var ErrReservedNodeName = errors.New(`node name "grid" is reserved for the broadcast namespace`)

// Config is the agent's environment contract.
type Config struct {
	Host     string // broker host
	Port     int    // broker port
	UseTLS   bool   // any value in GRID_TLS enables TLS
	Username string // broker username, empty when unset
	Password string // broker password, empty when unset
	NodeName string // identity on the grid; defaults to the hostname
	JobCwd   string // working directory for jobs; $HOME, else /
}

// FromEnv builds a Config from the environment, after loading an optional
// .env file from the working directory.
func FromEnv() (Config, error) {
	// A missing .env is the normal case.
	_ = godotenv.Load()

	cfg := Config{
		Host: DefaultHost,
		Port: DefaultPort,
	}

	if v := os.Getenv("GRID_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("GRID_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid GRID_PORT %q", v)
		}
		cfg.Port = port
	}
	cfg.UseTLS = os.Getenv("GRID_TLS") != ""
	cfg.Username = os.Getenv("GRID_USERNAME")
	cfg.Password = os.Getenv("GRID_PASSWORD")

	cfg.NodeName = os.Getenv("GRID_NODE_NAME")
	if cfg.NodeName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return Config{}, fmt.Errorf("could not determine hostname for node name: %w", err)
		}
		cfg.NodeName = hostname
	}
	if strings.EqualFold(cfg.NodeName, "grid") {
		return Config{}, ErrReservedNodeName
	}

	cfg.JobCwd = os.Getenv("GRID_JOB_CWD")
	if cfg.JobCwd == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.JobCwd = home
		} else {
			cfg.JobCwd = "/"
		}
	}

	return cfg, nil
}

// BrokerAddr returns the host:port dial address for the broker.
func (c Config) BrokerAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
