package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"pkt.systems/blockterm/internal/idle"
	"pkt.systems/blockterm/internal/keymap"
	"pkt.systems/blockterm/internal/proxy"
	"pkt.systems/blockterm/internal/task"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("host", cfg.Host)
	v.SetDefault("proxy", cfg.Proxy)
	v.SetDefault("connect_timeout_seconds", cfg.ConnectTimeout)
	v.SetDefault("login_macro", cfg.LoginMacro)
	v.SetDefault("macros", cfg.Macros)
	v.SetDefault("keymap", cfg.Keymap)
	v.SetDefault("idle.command", cfg.Idle.Command)
	v.SetDefault("idle.enabled", cfg.Idle.Enabled)
	v.SetDefault("idle.timeout", cfg.Idle.Timeout)
	v.SetDefault("ssh.addr", cfg.SSH.Addr)
	v.SetDefault("ssh.host_key_path", cfg.SSH.HostKeyPath)
	v.SetDefault("ssh.authorized_keys_path", cfg.SSH.AuthorizedKeysPath)
	v.SetDefault("ssh.idle_prompt", cfg.SSH.IdlePrompt)
	v.SetDefault("script.trace", cfg.Script.Trace)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the parts of cfg that are parsed later: the proxy
// specification, macros, keymap and idle timeout.
func Validate(cfg Config) error {
	if cfg.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout_seconds must be positive")
	}
	if strings.TrimSpace(cfg.Proxy) != "" {
		if _, err := proxy.Setup(cfg.Proxy); err != nil {
			return fmt.Errorf("proxy: %w", err)
		}
	}
	if _, err := task.NewMacros(cfg.Macros...); err != nil {
		return err
	}
	if _, err := keymap.New(cfg.Keymap...); err != nil {
		return err
	}
	if cfg.Idle.Enabled && strings.TrimSpace(cfg.Idle.Timeout) != "" {
		if _, _, err := idle.ParseTimeout(cfg.Idle.Timeout); err != nil {
			return err
		}
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.SSH.HostKeyPath = expandEnv(cfg.SSH.HostKeyPath)
	cfg.SSH.AuthorizedKeysPath = expandEnv(cfg.SSH.AuthorizedKeysPath)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
