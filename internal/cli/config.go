package cli

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"militext/internal/utils"
)

// Config is the terminal client's configuration.
type Config struct {
	Server   string `env:"MILITEXT_SERVER,default=http://localhost:3001"`
	DataDir  string `env:"MILITEXT_DATA_DIR"`
	LogLevel string `env:"LOG_LEVEL,default=warn"`
	Colours  bool   `env:"MILITEXT_COLOURS,default=true"`
	PageSize int    `env:"MILITEXT_PAGE_SIZE,default=20"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	if err := utils.UnmarshalEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("config error: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".militext")
	}
	return cfg, nil
}

// APIBase is the REST prefix on the server.
func (c Config) APIBase() string {
	return strings.TrimRight(c.Server, "/") + "/api/v1"
}

// SocketURL is the websocket endpoint matching Server.
func (c Config) SocketURL() (string, error) {
	u, err := url.Parse(c.Server)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", c.Server, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}
