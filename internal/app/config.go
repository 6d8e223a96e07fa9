package app

import (
	"fmt"
	"time"

	"militext/internal/utils"
)

// Config is the server configuration, read from the environment after an
// optional .env file.
type Config struct {
	Port             string        `env:"PORT,default=3001"`
	DatabaseURL      string        `env:"DATABASE_URL"`
	PostgresUser     string        `env:"POSTGRES_USER,default=postgres"`
	PostgresPassword string        `env:"POSTGRES_PASSWORD,default=postgres"`
	PostgresHost     string        `env:"POSTGRES_HOST,default=localhost"`
	PostgresPort     string        `env:"POSTGRES_PORT,default=5432"`
	PostgresDB       string        `env:"POSTGRES_DB,default=militext"`
	JWTSecret        string        `env:"JWT_SECRET,required=true"`
	AccessTokenTTL   time.Duration `env:"ACCESS_TOKEN_TTL,default=15m"`
	RefreshTokenTTL  time.Duration `env:"REFRESH_TOKEN_TTL,default=168h"`
	UploadDir        string        `env:"UPLOAD_DIR,default=uploads"`
	BaseURL          string        `env:"BASE_URL"`
	MaxUploadBytes   int64         `env:"MAX_UPLOAD_BYTES,default=10485760"`
	MaxUploadFiles   int           `env:"MAX_UPLOAD_FILES,default=10"`
	EventRPS         float64       `env:"WS_EVENT_RPS,default=5"`
	EventBurst       int           `env:"WS_EVENT_BURST,default=10"`
	LogLevel         string        `env:"LOG_LEVEL,default=info"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	if err := utils.UnmarshalEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ConnString returns DATABASE_URL, or one assembled from the POSTGRES_*
// variables.
func (c Config) ConnString() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.PostgresUser, c.PostgresPassword, c.PostgresHost, c.PostgresPort, c.PostgresDB)
}
