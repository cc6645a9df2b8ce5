package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Overrides are environment values that win over the config file. The token
// usually lives here so it never has to be written to disk.
type Overrides struct {
	Token  string   `env:"TOKEN"`
	Prefix string   `env:"PREFIX"`
	Status string   `env:"STATUS"`
	Driver string   `env:"DRIVER"`
	Owners []string `env:"OWNERS" envSeparator:","`
}

const envPrefix = "HUNIEBOT_"

// LoadDotEnv reads dotenv files (default ".env") into the process
// environment without replacing variables that are already set. Missing
// files are not an error.
func LoadDotEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ReadOverrides parses HUNIEBOT_* variables.
func ReadOverrides() (Overrides, error) {
	var o Overrides
	err := env.ParseWithOptions(&o, env.Options{Prefix: envPrefix})
	return o, err
}

// Apply copies every non-empty override onto cfg.
func (o Overrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := strings.TrimSpace(o.Token); v != "" {
		cfg.Transport.Token = v
	}
	if v := strings.TrimSpace(o.Prefix); v != "" {
		cfg.CommandPrefix = v
	}
	if v := strings.TrimSpace(o.Status); v != "" {
		cfg.Transport.Status = v
	}
	if v := strings.TrimSpace(o.Driver); v != "" {
		cfg.Transport.Driver = v
	}
	if len(o.Owners) > 0 {
		cfg.Owners = append([]string(nil), o.Owners...)
	}
}
