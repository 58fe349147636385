package logging

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestSetLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	tests := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"DEBUG":   zerolog.DebugLevel,
		" warn ":  zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range tests {
		SetLevel(in)
		if got := zerolog.GlobalLevel(); got != want {
			t.Errorf("SetLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("EXPLORER_TEST_VALUE", "")
	if got := EnvOrDefault("EXPLORER_TEST_VALUE", "fallback"); got != "fallback" {
		t.Errorf("EnvOrDefault() = %q, want fallback", got)
	}
	t.Setenv("EXPLORER_TEST_VALUE", "set")
	if got := EnvOrDefault("EXPLORER_TEST_VALUE", "fallback"); got != "set" {
		t.Errorf("EnvOrDefault() = %q, want set", got)
	}
}
