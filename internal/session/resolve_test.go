package session

import (
	"testing"

	"github.com/matheus3301/chatwave/internal/config"
)

func TestResolvePrecedence(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(config.EnvSession, "")

	if got := Resolve(""); got != DefaultSessionName {
		t.Errorf("Resolve() without config = %q, want %q", got, DefaultSessionName)
	}

	if err := config.Save(ConfigPath(), &config.Config{DefaultSession: "work"}); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "work" {
		t.Errorf("Resolve() = %q, want config default work", got)
	}

	t.Setenv(config.EnvSession, "env")
	if got := Resolve(""); got != "env" {
		t.Errorf("Resolve() = %q, want env", got)
	}
	if got := Resolve("flag"); got != "flag" {
		t.Errorf("Resolve(flag) = %q, want flag", got)
	}
}
