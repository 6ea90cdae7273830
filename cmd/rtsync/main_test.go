package main

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

// ============================================================================
// Config
// ============================================================================

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key, value string
		wantErr    bool
		check      func(*Config) bool
	}{
		{"default.url", "http://127.0.0.1:9000/?ns=dev", false, func(c *Config) bool { return c.Default.URL == "http://127.0.0.1:9000/?ns=dev" }},
		{"default.url", "ftp://db.example.com", true, nil},
		{"default.url", "https://db.example.com/some/path", true, nil},
		{"default.url", "", false, func(c *Config) bool { return c.Default.URL == "" }},
		{"default.transport", "long_polling", false, func(c *Config) bool { return c.Default.Transport == "long_polling" }},
		{"default.transport", "carrier_pigeon", true, nil},
		{"default.log_level", "debug", false, func(c *Config) bool { return c.Default.LogLevel == "debug" }},
		{"default.log_level", "loud", true, nil},
		{"default.snapshots", "snap.db", false, func(c *Config) bool {
			return filepath.IsAbs(c.Default.Snapshots) && filepath.Base(c.Default.Snapshots) == "snap.db"
		}},
		{"auth.token", "tok", false, func(c *Config) bool { return c.Auth.Token == "tok" }},
		{"auth.secret", "s", false, func(c *Config) bool { return c.Auth.Secret == "s" }},
		{"auth.password", "x", true, nil},
		{"nosection", "x", true, nil},
		{"other.url", "x", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			cfg := &Config{}
			err := setConfigValue(cfg, tt.key, tt.value)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("setConfigValue: %v", err)
			}
			if !tt.check(cfg) {
				t.Fatalf("config = %+v", cfg)
			}
		})
	}
}

func TestConfigFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	t.Setenv(configEnv, path)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig without a file: %v", err)
	}
	if cfg.Default.URL != "" {
		t.Fatalf("fresh config = %+v", cfg)
	}
	cfg.Default.URL = "https://demo.example.com"
	cfg.Auth.Token = "abc"
	if err := saveConfig(cfg); err != nil {
		t.Fatal(err)
	}
	got, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, cfg) {
		t.Fatalf("loaded %+v, want %+v", got, cfg)
	}
}

// withFlags sets the global flags for one test.
func withFlags(t *testing.T, url, transport, token string, verbose bool) {
	t.Helper()
	oldURL, oldTransport, oldToken, oldVerbose := flagURL, flagTransport, flagToken, flagVerbose
	flagURL, flagTransport, flagToken, flagVerbose = url, transport, token, verbose
	t.Cleanup(func() {
		flagURL, flagTransport, flagToken, flagVerbose = oldURL, oldTransport, oldToken, oldVerbose
	})
}

func TestResolveSettings(t *testing.T) {
	file := &Config{
		Default: ConfigDefault{URL: "https://prod.example.com", Transport: "websocket", LogLevel: "info"},
		Auth:    ConfigAuth{Token: "file-token"},
	}

	t.Run("file only", func(t *testing.T) {
		withFlags(t, "", "", "", false)
		s, err := resolveSettings(file)
		if err != nil {
			t.Fatal(err)
		}
		if s.Info.Namespace != "prod" || !s.Info.Secure {
			t.Fatalf("info = %+v", s.Info)
		}
		if s.Level != slog.LevelInfo {
			t.Fatalf("level = %v", s.Level)
		}
		if s.endpoint() != "wss://prod.example.com/.ws?ns=prod&v=5" {
			t.Fatalf("endpoint = %s", s.endpoint())
		}
		if s.sources["default.url"] != "file" || s.sources["default.snapshots"] != "default" {
			t.Fatalf("sources = %v", s.sources)
		}
	})

	t.Run("flags win", func(t *testing.T) {
		withFlags(t, "http://127.0.0.1:9000/?ns=dev", "long_polling", "flag-token", true)
		s, err := resolveSettings(file)
		if err != nil {
			t.Fatal(err)
		}
		if s.Info.Namespace != "dev" || s.Info.Secure || s.Token != "flag-token" {
			t.Fatalf("settings = %+v", s)
		}
		if s.Level != slog.LevelDebug {
			t.Fatalf("level = %v", s.Level)
		}
		if s.endpoint() != "http://127.0.0.1:9000/.lp?ns=dev&v=5" {
			t.Fatalf("endpoint = %s", s.endpoint())
		}
		for _, k := range []string{"default.url", "default.transport", "auth.token", "default.log_level"} {
			if s.sources[k] != "flag" {
				t.Fatalf("source of %s = %q", k, s.sources[k])
			}
		}
		if n := len(s.options()); n != 3 {
			t.Fatalf("got %d repo options, want logger, transport and token", n)
		}
	})

	t.Run("bad values", func(t *testing.T) {
		withFlags(t, "", "smoke_signals", "", false)
		if _, err := resolveSettings(file); err == nil {
			t.Fatal("expected an error for an unknown transport")
		}
		withFlags(t, "not a url", "", "", false)
		if _, err := resolveSettings(file); err == nil {
			t.Fatal("expected an error for a bad url")
		}
	})
}

func TestConfigShow(t *testing.T) {
	withFlags(t, "", "", "", false)
	t.Setenv(configEnv, filepath.Join(t.TempDir(), "config.toml"))
	if err := saveConfig(&Config{
		Default: ConfigDefault{URL: "https://demo.example.com/?ns=shop"},
		Auth:    ConfigAuth{Secret: "a-very-long-signing-secret"},
	}); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	configShowCmd.SetOut(&out)
	t.Cleanup(func() { configShowCmd.SetOut(nil) })
	if err := configShowCmd.RunE(configShowCmd, nil); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	for _, want := range []string{
		"namespace: shop",
		"endpoint:  wss://demo.example.com/.ws?ns=shop&v=5",
		"(file)",
		"a-very-l...cret",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output lacks %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "a-very-long-signing-secret") {
		t.Error("secret printed in the clear")
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"42", 42.0},
		{"true", true},
		{`{"a":1}`, map[string]any{"a": 1.0}},
		{`"quoted"`, "quoted"},
		{"alice", "alice"},
		{"null", nil},
	}
	for _, tt := range tests {
		if got := parseValue(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("parseValue(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestQueryFlags(t *testing.T) {
	var f queryFlags
	cmd := &cobra.Command{Use: "x"}
	f.register(cmd)
	if err := cmd.Flags().Parse([]string{"--order-by", "value", "--start-at", "10", "--limit-last", "3"}); err != nil {
		t.Fatal(err)
	}
	q, err := f.build(cmd, "scores")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	obj := q.Params().WireObject()
	if obj["i"] != ".value" || obj["sp"] != 10.0 || obj["l"] != 3 {
		t.Fatalf("wire object = %#v", obj)
	}

	var bad queryFlags
	cmd = &cobra.Command{Use: "x"}
	bad.register(cmd)
	cmd.Flags().Parse([]string{"--limit-first", "2", "--limit-last", "2"})
	if _, err := bad.build(cmd, "scores"); err == nil {
		t.Fatal("expected an error for two limits")
	}
}
