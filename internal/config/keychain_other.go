//go:build !darwin

package config

import (
	"fmt"
	"path/filepath"
	"sync"
)

// secrets maps service -> account -> value.
type secrets map[string]map[string]string

var secretsMu sync.Mutex

func secretsFilePath() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), "orca", "secrets.json")
}

func loadSecrets() (secrets, error) {
	s := make(secrets)
	found, err := readJSONFile(secretsFilePath(), &s)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("secret store %s does not exist", secretsFilePath())
	}
	return s, nil
}

func keychainGet(service, account string) ([]byte, error) {
	secretsMu.Lock()
	defer secretsMu.Unlock()

	s, err := loadSecrets()
	if err != nil {
		return nil, err
	}
	val, ok := s[service][account]
	if !ok {
		return nil, fmt.Errorf("no secret %s/%s", service, account)
	}
	return []byte(val), nil
}

func keychainSet(service, account, value string) error {
	secretsMu.Lock()
	defer secretsMu.Unlock()

	s, err := loadSecrets()
	if err != nil {
		// A missing or unreadable store is replaced.
		s = make(secrets)
	}
	if s[service] == nil {
		s[service] = make(map[string]string)
	}
	s[service][account] = value
	return writeJSONFile(secretsFilePath(), s)
}
