package utils

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	req := require.New(t)
	req.Equal(slog.LevelDebug, ParseLevel("DEBUG"))
	req.Equal(slog.LevelWarn, ParseLevel(" warning "))
	req.Equal(slog.LevelError, ParseLevel("error"))
	req.Equal(slog.LevelInfo, ParseLevel(""))
	req.Equal(slog.LevelInfo, ParseLevel("verbose"))
}

func TestUnmarshalEnv(t *testing.T) {
	req := require.New(t)
	t.Setenv("MILITEXT_TEST_INT", "42")
	var cfg struct {
		Count int    `env:"MILITEXT_TEST_INT,default=1"`
		Name  string `env:"MILITEXT_TEST_MISSING,default=fallback"`
	}

	req.NoError(UnmarshalEnv(&cfg))
	req.Equal(42, cfg.Count)
	req.Equal("fallback", cfg.Name)
}

func TestUnmarshalEnv_Required(t *testing.T) {
	var cfg struct {
		Secret string `env:"MILITEXT_TEST_REQUIRED_UNSET,required=true"`
	}

	require.ErrorContains(t, UnmarshalEnv(&cfg), "config error")
}
