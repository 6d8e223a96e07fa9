package utils

import (
	"fmt"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// LoadEnv loads environment variables from the given .env files, or ./.env
// when none are given. Missing files are not an error.
func LoadEnv(files ...string) {
	_ = godotenv.Load(files...)
}

// UnmarshalEnv fills the `env` tagged fields of cfg from the process
// environment, applying defaults and required markers.
func UnmarshalEnv(cfg any) error {
	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	return nil
}
