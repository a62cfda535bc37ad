package appconfig

import (
	"os"
	"path/filepath"

	"pkt.systems/blockterm/internal/idle"
	"pkt.systems/blockterm/internal/keymap"
	"pkt.systems/blockterm/internal/task"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion  int              `mapstructure:"config_version" yaml:"config_version"`
	Host           string           `mapstructure:"host" yaml:"host"`
	Proxy          string           `mapstructure:"proxy" yaml:"proxy"`
	ConnectTimeout int              `mapstructure:"connect_timeout_seconds" yaml:"connect_timeout_seconds"`
	LoginMacro     string           `mapstructure:"login_macro" yaml:"login_macro"`
	Macros         []task.MacroDef  `mapstructure:"macros" yaml:"macros"`
	Keymap         []keymap.Binding `mapstructure:"keymap" yaml:"keymap"`
	Idle           idle.Config      `mapstructure:"idle" yaml:"idle"`
	SSH            SSHConfig        `mapstructure:"ssh" yaml:"ssh"`
	Script         ScriptConfig     `mapstructure:"script" yaml:"script"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// SSHConfig configures the SSH front-end.
type SSHConfig struct {
	Addr               string `mapstructure:"addr" yaml:"addr"`
	HostKeyPath        string `mapstructure:"host_key_path" yaml:"host_key_path"`
	AuthorizedKeysPath string `mapstructure:"authorized_keys_path" yaml:"authorized_keys_path"`
	IdlePrompt         string `mapstructure:"idle_prompt" yaml:"idle_prompt"`
}

// ScriptConfig controls the headless peer interface.
type ScriptConfig struct {
	Trace bool `mapstructure:"trace" yaml:"trace"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion:  CurrentConfigVersion,
		Host:           "",
		Proxy:          "",
		ConnectTimeout: 30,
		LoginMacro:     "",
		Macros: []task.MacroDef{
			{Name: "clear", Action: "HexString(1b5b481b5b324a)"},
		},
		Keymap: keymap.DefaultBindings(),
		Idle: idle.Config{
			Command: "",
			Enabled: false,
			Timeout: idle.DefaultTimeout,
		},
		SSH: SSHConfig{
			Addr:               ":27423",
			HostKeyPath:        filepath.Join(home, ".blockterm", "ssh_host_key"),
			AuthorizedKeysPath: filepath.Join(home, ".blockterm", "authorized_keys"),
			IdlePrompt:         "blockterm> ",
		},
		Script: ScriptConfig{
			Trace: false,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".blockterm", "config.yaml"), nil
}
