package sshserver

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"pkt.systems/pslog"
)

// AuthorizedKeys checks client keys against an OpenSSH authorized_keys file.
// The file is re-read whenever its size or modification time changes.
type AuthorizedKeys struct {
	path string
	log  pslog.Logger

	mu    sync.RWMutex
	keys  [][]byte
	state fileState
}

type fileState struct {
	size    int64
	modTime time.Time
}

func (s fileState) equal(other fileState) bool {
	return s.size == other.size && s.modTime.Equal(other.modTime)
}

// NewAuthorizedKeys loads path. The file must exist.
func NewAuthorizedKeys(path string, logger pslog.Logger) (*AuthorizedKeys, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("ssh authorized keys path is required")
	}
	a := &AuthorizedKeys{path: path, log: logger}
	if err := a.refreshIfNeeded(); err != nil {
		return nil, err
	}
	return a, nil
}

// Has reports whether key is listed in the file.
func (a *AuthorizedKeys) Has(key ssh.PublicKey) (bool, error) {
	if err := a.refreshIfNeeded(); err != nil {
		return false, err
	}
	wire := key.Marshal()
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, k := range a.keys {
		if bytes.Equal(k, wire) {
			return true, nil
		}
	}
	return false, nil
}

// Len returns the number of keys loaded.
func (a *AuthorizedKeys) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys)
}

func (a *AuthorizedKeys) refreshIfNeeded() error {
	info, err := os.Stat(a.path)
	if err != nil {
		return fmt.Errorf("stat authorized keys: %w", err)
	}
	latest := fileState{size: info.Size(), modTime: info.ModTime()}
	a.mu.RLock()
	current := a.state
	loaded := a.keys != nil
	a.mu.RUnlock()
	if loaded && current.equal(latest) {
		return nil
	}
	data, err := os.ReadFile(a.path)
	if err != nil {
		return fmt.Errorf("read authorized keys: %w", err)
	}
	keys, err := parseAuthorizedKeys(data)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.keys = keys
	a.state = latest
	a.mu.Unlock()
	if a.log != nil {
		a.log.Info("ssh authorized keys loaded", "path", a.path, "keys", len(keys))
	}
	return nil
}

func parseAuthorizedKeys(data []byte) ([][]byte, error) {
	keys := [][]byte{}
	for i, raw := range strings.Split(string(data), "\n") {
		text := strings.TrimSpace(raw)
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(text))
		if err != nil {
			return nil, fmt.Errorf("authorized keys line %d: %w", i+1, err)
		}
		keys = append(keys, key.Marshal())
	}
	return keys, nil
}
