package sshserver

import "pkt.systems/blockterm/internal/appconfig"

// Config defines SSH server settings.
type Config struct {
	Addr               string
	HostKeyPath        string
	AuthorizedKeysPath string
	IdlePrompt         string
}

// ConfigFrom copies the ssh section of the application config.
func ConfigFrom(cfg appconfig.SSHConfig) Config {
	return Config{
		Addr:               cfg.Addr,
		HostKeyPath:        cfg.HostKeyPath,
		AuthorizedKeysPath: cfg.AuthorizedKeysPath,
		IdlePrompt:         cfg.IdlePrompt,
	}
}
