package ratecontrol

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultWindow applies to limits configured without a window
const DefaultWindow = time.Hour

// Limit caps admissions to Max per sliding Window. Max <= 0 admits nothing.
type Limit struct {
	Max    int           `yaml:"max" json:"max"`
	Window time.Duration `yaml:"window" json:"window"`
}

func (l Limit) String() string {
	return fmt.Sprintf("%d per %s", l.Max, l.window())
}

func (l Limit) window() time.Duration {
	if l.Window <= 0 {
		return DefaultWindow
	}
	return l.Window
}

// Table maps a limit key (an action kind or a category) to its limit
type Table map[string]Limit

type tableFile struct {
	RateLimits map[string]struct {
		Max    int    `yaml:"max"`
		Window string `yaml:"window"`
	} `yaml:"rate_limits"`
}

// ParseTable reads the rate_limits section of a YAML document. Windows use
// Go duration syntax ("1h", "30m").
func ParseTable(data []byte) (Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rate limits: %w", err)
	}
	t := make(Table, len(f.RateLimits))
	for key, raw := range f.RateLimits {
		l := Limit{Max: raw.Max}
		if raw.Window != "" {
			d, err := time.ParseDuration(raw.Window)
			if err != nil {
				return nil, fmt.Errorf("invalid window for %s: %w", key, err)
			}
			l.Window = d
		}
		t[normalizeKey(key)] = l
	}
	return t, nil
}

// LoadTable reads a rate limit table from a YAML file
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rate limits from %s: %w", path, err)
	}
	return ParseTable(data)
}

// Clone returns a copy safe to mutate
func (t Table) Clone() Table {
	out := make(Table, len(t))
	for k, v := range t {
		out[normalizeKey(k)] = v
	}
	return out
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}
