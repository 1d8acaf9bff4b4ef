// Package config reads the two text formats CASC configuration is stored
// in: "key = value" files (build and CDN configs) and pipe-delimited tables
// with a typed header row (.build.info, versions, cdns).
package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Config is a parsed key/value file. Values are split on whitespace.
type Config struct {
	keys   []string
	values map[string][]string
}

// Parse reads a key/value config. Lines starting with '#' and blank lines
// are skipped.
func Parse(r io.Reader) (*Config, error) {
	c := &Config{values: make(map[string][]string)}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("config line %d: missing '=' in %q", n, line)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("config line %d: empty key", n)
		}
		if _, seen := c.values[key]; !seen {
			c.keys = append(c.keys, key)
		}
		c.values[key] = strings.Fields(value)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return c, nil
}

// Values returns every value recorded for key.
func (c *Config) Values(key string) []string {
	return c.values[key]
}

// Get returns the first value for key, or "".
func (c *Config) Get(key string) string {
	if v := c.values[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Has reports whether key is present.
func (c *Config) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// Keys returns the keys in file order.
func (c *Config) Keys() []string {
	return append([]string(nil), c.keys...)
}
