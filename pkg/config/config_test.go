package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type sample struct {
	Name  string `yaml:"name"`
	Port  int    `yaml:"port"`
	Extra string `yaml:"extra"`
}

func (s *sample) Validate() error {
	if s.Port <= 0 {
		return errors.New("port must be positive")
	}
	return nil
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_KeepsDefaultsAndExpands(t *testing.T) {
	t.Setenv("CFG_TEST_NAME", "laguz")
	p := writeConfig(t, "name: ${CFG_TEST_NAME}\nextra: ${CFG_TEST_UNSET:-fallback}\n")

	s := sample{Port: 8080}
	if err := Load(p, &s); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Name != "laguz" || s.Port != 8080 || s.Extra != "fallback" {
		t.Errorf("got %+v", s)
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	p := writeConfig(t, "name: x\nprot: 1\n")
	s := sample{Port: 1}
	err := Load(p, &s)
	if err == nil || !strings.Contains(err.Error(), "prot") {
		t.Fatalf("err = %v, want unknown field error", err)
	}
}

func TestLoad_Validates(t *testing.T) {
	p := writeConfig(t, "port: 0\n")
	var s sample
	err := Load(p, &s)
	if err == nil || !strings.Contains(err.Error(), "validation failed") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	p := writeConfig(t, "")
	s := sample{Port: 9}
	if err := Load(p, &s); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	var s sample
	if err := Load(filepath.Join(t.TempDir(), "nope.yaml"), &s); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("CFG_TEST_SET", "v")
	t.Setenv("CFG_TEST_EMPTY", "")
	cases := map[string]string{
		"${CFG_TEST_SET}":            "v",
		"$CFG_TEST_SET/x":            "v/x",
		"${CFG_TEST_SET:-d}":         "v",
		"${CFG_TEST_EMPTY:-d}":       "d",
		"${CFG_TEST_MISSING}":        "",
		"${CFG_TEST_MISSING:-a:b}":   "a:b",
		"no variables":               "no variables",
	}
	for in, want := range cases {
		if got := ExpandEnv(in); got != want {
			t.Errorf("ExpandEnv(%q) = %q, want %q", in, got, want)
		}
	}
}
