//go:build !darwin

package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// xdgDir resolves an XDG base directory, falling back to fallback under the
// home directory and finally to the working directory.
func xdgDir(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(append([]string{home}, fallback...)...)
	}
	return "."
}

func defaultDataDir() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), "orca")
}

func configFilePath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "orca", "config.json")
}

func apiKeyHint() string {
	return fmt.Sprintf(" or %s ({%q: {%q: \"...\"}})", secretsFilePath(), keychainService, "openrouter_api_key")
}

// fileBackend keeps the keys as one flat JSON object.
type fileBackend struct {
	mu   sync.Mutex
	path string
	data map[string]any
}

func newPlatformBackend() Backend {
	b := &fileBackend{path: configFilePath(), data: make(map[string]any)}
	if _, err := readJSONFile(b.path, &b.data); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] ignoring config file: %v\n", err)
		b.data = make(map[string]any)
	}
	return b
}

func (b *fileBackend) lookup(key string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	return v, ok
}

func (b *fileBackend) update(fn func(map[string]any)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b.data)
	return writeJSONFile(b.path, b.data)
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return "", false, nil
	}
	if s, isString := v.(string); isString {
		return s, true, nil
	}
	return fmt.Sprint(v), true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return 0, false, nil
	}
	i, err := intValue(v)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %w", key, err)
	}
	return i, true, nil
}

// intValue accepts whole JSON numbers and numeric strings.
func intValue(v any) (int, error) {
	switch val := v.(type) {
	case float64:
		if val != math.Trunc(val) || val < math.MinInt || val > math.MaxInt {
			return 0, fmt.Errorf("%v is not an integer in range", val)
		}
		return int(val), nil
	case string:
		return strconv.Atoi(val)
	default:
		return 0, fmt.Errorf("unexpected %T value", v)
	}
}

func (b *fileBackend) SetString(key, val string) error {
	return b.update(func(m map[string]any) { m[key] = val })
}

func (b *fileBackend) SetInt(key string, val int) error {
	return b.update(func(m map[string]any) { m[key] = val })
}

func (b *fileBackend) Delete(key string) error {
	return b.update(func(m map[string]any) { delete(m, key) })
}
