// Package config loads the settings of the stardsl CLI from stardsl.toml and STARDSL_* environment
// variables.
package config

import (
	"path/filepath"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/ngld/knossos/packages/stardsl/pkg/support"
)

// FileName is looked up in the project root.
const FileName = "stardsl.toml"

// Config describes all configuration options
type Config struct {
	Home             string `usage:"Installation directory of the build host, the host API is read from its lib directory"`
	CacheDir         string `usage:"Directory for compiled scripts and downloaded artifacts"`
	RecompileScripts bool   `default:"false" usage:"Ignore previously compiled scripts"`
	Quiet            bool   `default:"false" usage:"Hide progress bars"`
	Log              struct {
		Level string `default:"info"`
		JSON  bool   `default:"false" usage:"Output JSONND instead of pretty console messages"`
	}
	Network struct {
		Timeout string `default:"30m" usage:"Timeout for artifact downloads"`
	}
}

var logLevels = map[string]zerolog.Level{
	"trace":   zerolog.TraceLevel,
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
}

// Loader initializes an empty config object and returns a new Loader for the config file in rootDir
func Loader(rootDir string) (*Config, *aconfig.Loader) {
	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix:        "STARDSL",
		AllowUnknownEnvs: true,
		SkipFlags:        true,
		Files:            []string{filepath.Join(rootDir, FileName)},
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Load reads and validates the configuration for the project in rootDir.
func Load(rootDir string) (*Config, error) {
	cfg, loader := Loader(rootDir)
	err := loader.Load()
	if err != nil {
		return nil, eris.Wrap(err, "failed to load configuration")
	}

	if cfg.CacheDir == "" {
		cfg.CacheDir = support.UserCacheDir()
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	_, ok := logLevels[cfg.Log.Level]
	if !ok {
		return eris.Errorf(`Invalid value for log.level: %s`, cfg.Log.Level)
	}

	_, err := time.ParseDuration(cfg.Network.Timeout)
	if err != nil {
		return eris.Wrapf(err, `Invalid value for network.timeout`)
	}

	if cfg.CacheDir == "" {
		return eris.New("No cache directory configured")
	}

	return nil
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}

// DownloadTimeout returns .Network.Timeout as a duration. Validate() has to pass first.
func (cfg *Config) DownloadTimeout() time.Duration {
	timeout, _ := time.ParseDuration(cfg.Network.Timeout)
	return timeout
}
