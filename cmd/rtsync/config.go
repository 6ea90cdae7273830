package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/Prismer-AI/rtsync"
)

// Config is the CLI configuration file.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

type ConfigDefault struct {
	URL       string `toml:"url"`
	Transport string `toml:"transport"`
	Snapshots string `toml:"snapshots"`
	LogLevel  string `toml:"log_level"`
}

type ConfigAuth struct {
	Token  string `toml:"token"`
	Secret string `toml:"secret"`
}

// configEnv points the CLI at another config file, mostly for tests and
// for running against several databases side by side.
const configEnv = "RTSYNC_CONFIG"

// configPath is $RTSYNC_CONFIG or ~/.rtsync/config.toml.
func configPath() (string, error) {
	if p := os.Getenv(configEnv); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".rtsync", "config.toml"), nil
}

// loadConfig returns a zero Config when no file exists yet.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	return cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// ============================================================================
// Keys
// ============================================================================

// configKey is one settable entry. set normalizes the value and rejects
// anything a Repo would refuse later.
type configKey struct {
	get    func(*Config) string
	set    func(*Config, string) error
	secret bool
}

var configKeys = map[string]configKey{
	"default.url": {
		get: func(c *Config) string { return c.Default.URL },
		set: func(c *Config, v string) error {
			if v != "" {
				if _, err := rtsync.ParseRepoURL(v); err != nil {
					return err
				}
			}
			c.Default.URL = v
			return nil
		},
	},
	"default.transport": {
		get: func(c *Config) string { return c.Default.Transport },
		set: func(c *Config, v string) error {
			if err := checkTransport(v); err != nil {
				return err
			}
			c.Default.Transport = v
			return nil
		},
	},
	"default.snapshots": {
		get: func(c *Config) string { return c.Default.Snapshots },
		set: func(c *Config, v string) error {
			if v != "" {
				abs, err := filepath.Abs(v)
				if err != nil {
					return fmt.Errorf("snapshot path: %w", err)
				}
				v = abs
			}
			c.Default.Snapshots = v
			return nil
		},
	},
	"default.log_level": {
		get: func(c *Config) string { return c.Default.LogLevel },
		set: func(c *Config, v string) error {
			if v != "" {
				var l slog.Level
				if err := l.UnmarshalText([]byte(v)); err != nil {
					return fmt.Errorf("log level: %w", err)
				}
			}
			c.Default.LogLevel = v
			return nil
		},
	},
	"auth.token": {
		get:    func(c *Config) string { return c.Auth.Token },
		set:    func(c *Config, v string) error { c.Auth.Token = v; return nil },
		secret: true,
	},
	"auth.secret": {
		get:    func(c *Config) string { return c.Auth.Secret },
		set:    func(c *Config, v string) error { c.Auth.Secret = v; return nil },
		secret: true,
	},
}

func configKeyNames() []string {
	names := make([]string, 0, len(configKeys))
	for k := range configKeys {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func lookupConfigKey(name string) (configKey, error) {
	k, ok := configKeys[name]
	if !ok {
		return configKey{}, fmt.Errorf("unknown config key %q (valid: %s)", name, strings.Join(configKeyNames(), ", "))
	}
	return k, nil
}

func setConfigValue(cfg *Config, name, value string) error {
	k, err := lookupConfigKey(name)
	if err != nil {
		return err
	}
	if err := k.set(cfg, value); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func checkTransport(v string) error {
	switch v {
	case "", rtsync.TransportWebSocket, rtsync.TransportLongPolling:
		return nil
	}
	return fmt.Errorf("unknown transport %q (valid: %s, %s)", v, rtsync.TransportWebSocket, rtsync.TransportLongPolling)
}

// ============================================================================
// Effective settings
// ============================================================================

// settings is what a command actually runs with: the config file with the
// global flags layered on top, validated.
type settings struct {
	URL       string
	Info      rtsync.RepoInfo
	Transport string
	Snapshots string
	Token     string
	Secret    string
	Level     slog.Level

	// sources maps a config key to "flag", "file" or "default".
	sources map[string]string
}

func resolveSettings(cfg *Config) (*settings, error) {
	s := &settings{Level: slog.LevelWarn, Secret: cfg.Auth.Secret, sources: make(map[string]string)}
	pick := func(key, flag, file string) string {
		switch {
		case flag != "":
			s.sources[key] = "flag"
			return flag
		case file != "":
			s.sources[key] = "file"
			return file
		}
		s.sources[key] = "default"
		return ""
	}
	s.URL = pick("default.url", flagURL, cfg.Default.URL)
	s.Transport = pick("default.transport", flagTransport, cfg.Default.Transport)
	s.Token = pick("auth.token", flagToken, cfg.Auth.Token)
	s.Snapshots = pick("default.snapshots", "", cfg.Default.Snapshots)
	pick("auth.secret", "", cfg.Auth.Secret)

	if s.URL != "" {
		info, err := rtsync.ParseRepoURL(s.URL)
		if err != nil {
			return nil, err
		}
		s.Info = info
	}
	if err := checkTransport(s.Transport); err != nil {
		return nil, err
	}
	level := pick("default.log_level", "", cfg.Default.LogLevel)
	if flagVerbose {
		s.sources["default.log_level"] = "flag"
		s.Level = slog.LevelDebug
	} else if level != "" {
		if err := s.Level.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("default.log_level: %w", err)
		}
	}
	return s, nil
}

// options turns the settings into Repo options, except the snapshot store
// which the caller owns.
func (s *settings) options() []rtsync.Option {
	opts := []rtsync.Option{rtsync.WithLogger(s.logger())}
	switch s.Transport {
	case rtsync.TransportWebSocket:
		opts = append(opts, rtsync.ForceWebSocket())
	case rtsync.TransportLongPolling:
		opts = append(opts, rtsync.ForceLongPolling())
	}
	if s.Token != "" {
		opts = append(opts, rtsync.WithToken(s.Token))
	}
	return opts
}

func (s *settings) logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: s.Level}))
}

// endpoint is the URL the first connection attempt dials.
func (s *settings) endpoint() string {
	if s.URL == "" {
		return ""
	}
	kind := s.Transport
	if kind == "" {
		kind = rtsync.TransportWebSocket
	}
	return s.Info.ConnectionURL(kind, "")
}

// ============================================================================
// Commands
// ============================================================================

var configShowRaw bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "print the file as stored")
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or change CLI settings",
	Long:  "Settings live in ~/.rtsync/config.toml (or $RTSYNC_CONFIG). Global flags override them per command.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings and where each one comes from",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if configShowRaw {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("cannot read config: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := resolveSettings(cfg)
		if err != nil {
			return err
		}
		printSettings(cmd, path, s)
		return nil
	},
}

func printSettings(cmd *cobra.Command, path string, s *settings) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "File: %s\n\n", path)
	values := map[string]string{
		"default.url":       s.URL,
		"default.transport": valueOrDefault(s.Transport, "auto"),
		"default.snapshots": valueOrDefault(s.Snapshots, "(memory only)"),
		"default.log_level": s.Level.String(),
		"auth.token":        s.Token,
		"auth.secret":       s.Secret,
	}
	for _, name := range configKeyNames() {
		v := values[name]
		if configKeys[name].secret && v != "" {
			v = maskKey(v)
		}
		fmt.Fprintf(out, "  %-18s %-40s (%s)\n", name, valueOrDefault(v, "-"), s.sources[name])
	}
	if s.URL == "" {
		return
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Database:  %s\n", s.Info)
	fmt.Fprintf(out, "  namespace: %s\n", s.Info.Namespace)
	fmt.Fprintf(out, "  secure:    %t\n", s.Info.Secure)
	fmt.Fprintf(out, "  endpoint:  %s\n", s.endpoint())
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one stored value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := lookupConfigKey(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), k.get(cfg))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Validate and store a value",
	Long:  "Store a value under section.field.\nExample: rtsync config set default.transport long_polling",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], configKeys[args[0]].get(cfg))
		return nil
	},
}
