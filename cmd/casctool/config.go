package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const configEnv = "CASCTOOL_CONFIG"

// toolConfig is the casctool configuration file. Flags override it.
type toolConfig struct {
	Mode             string `yaml:"mode"` // local or online
	InstallDir       string `yaml:"install_dir"`
	BuildKey         string `yaml:"build_key"`
	CDNKey           string `yaml:"cdn_key"`
	Product          string `yaml:"product"`
	Region           string `yaml:"region"`
	PatchURL         string `yaml:"patch_url"`
	CDNURL           string `yaml:"cdn_url"`
	CacheDir         string `yaml:"cache_dir"`
	CacheCompression string `yaml:"cache_compression"`
	Locale           string `yaml:"locale"`
	Listfile         string `yaml:"listfile"`
	FetchConcurrency int    `yaml:"fetch_concurrency"`
	LogLevel         string `yaml:"log_level"`
}

func defaultConfig() toolConfig {
	return toolConfig{
		Mode:             "local",
		Product:          "wow",
		Region:           "us",
		PatchURL:         "http://us.patch.battle.net:1119",
		CacheCompression: "none",
		FetchConcurrency: 8,
	}
}

// loadConfig reads path over the defaults. An empty path falls back to
// $CASCTOOL_CONFIG; with neither set the defaults are returned.
func loadConfig(path string) (toolConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		path = os.Getenv(configEnv)
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// registerFlags binds the shared flags. Values only replace the config
// file's when the flag is set on the command line.
func registerFlags(fs *pflag.FlagSet) {
	def := defaultConfig()
	fs.String("config", "", "YAML config file (default $"+configEnv+")")
	fs.String("mode", def.Mode, "storage mode: local or online")
	fs.StringP("dir", "d", "", "local installation directory")
	fs.String("build-key", "", "build config key, overriding .build.info or the patch server")
	fs.String("cdn-key", "", "CDN config key for online mode")
	fs.String("product", def.Product, "product code for the patch server")
	fs.String("region", def.Region, "patch server region")
	fs.String("patch-url", def.PatchURL, "patch server base URL")
	fs.String("cdn-url", "", "CDN base URL, skipping cdns discovery")
	fs.String("cache-dir", "", "disk cache for online reads")
	fs.String("cache-compression", def.CacheCompression, "cache storage: none or lz4")
	fs.String("locale", "", "preferred locale, e.g. enUS")
	fs.Int("fetch-concurrency", def.FetchConcurrency, "parallel archive index fetches")
	fs.String("log-level", "", "log level (default $LOG_LEVEL or info)")
}

func applyFlags(fs *pflag.FlagSet, cfg *toolConfig) error {
	strs := map[string]*string{
		"mode":              &cfg.Mode,
		"dir":               &cfg.InstallDir,
		"build-key":         &cfg.BuildKey,
		"cdn-key":           &cfg.CDNKey,
		"product":           &cfg.Product,
		"region":            &cfg.Region,
		"patch-url":         &cfg.PatchURL,
		"cdn-url":           &cfg.CDNURL,
		"cache-dir":         &cfg.CacheDir,
		"cache-compression": &cfg.CacheCompression,
		"locale":            &cfg.Locale,
		"log-level":         &cfg.LogLevel,
	}
	for name, dst := range strs {
		if !fs.Changed(name) {
			continue
		}
		v, err := fs.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	if fs.Changed("fetch-concurrency") {
		n, err := fs.GetInt("fetch-concurrency")
		if err != nil {
			return err
		}
		cfg.FetchConcurrency = n
	}
	return cfg.validate()
}

func (c toolConfig) validate() error {
	switch c.Mode {
	case "local":
		if c.InstallDir == "" {
			return fmt.Errorf("local mode needs an installation directory (--dir or install_dir)")
		}
	case "online":
		if c.CDNURL != "" && (c.BuildKey == "" || c.CDNKey == "") {
			return fmt.Errorf("an explicit cdn url needs both build and cdn config keys")
		}
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	switch c.CacheCompression {
	case "", "none", "lz4":
	default:
		return fmt.Errorf("unknown cache compression %q", c.CacheCompression)
	}
	return nil
}
