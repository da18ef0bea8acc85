// Package config implements the persisted configuration record of spec §6,
// loaded from ${XDG_CONFIG_HOME}/pmbootstrap.cfg in INI format.
package config

import (
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/ini.v1"

	"github.com/imdario/mergo"
)

// Config is the configuration record of spec §6.
type Config struct {
	Work    string `ini:"work"`
	Aports  string `ini:"aports"`
	Device  string `ini:"device"`
	Kernel  string `ini:"kernel"`
	UI      string `ini:"ui"`

	MirrorAlpine          string   `ini:"mirror_alpine"`
	MirrorsPostmarketOS   []string `ini:"-"`
	mirrorsPostmarketOSRaw string  `ini:"mirrors_postmarketos"`

	Jobs int `ini:"jobs"`

	CCache     bool `ini:"ccache"`
	CCacheSize string `ini:"ccache_size"`

	SSHKeys     []string `ini:"-"`
	sshKeysRaw  string   `ini:"ssh_keys"`
	SSHKeyGlob  string   `ini:"ssh_key_glob"`

	Timezone string `ini:"timezone"`
	Locale   string `ini:"locale"`
	Hostname string `ini:"hostname"`
	User     string `ini:"user"`
}

// Defaults returns the built-in defaults config merges under whatever the
// user's file doesn't set.
func Defaults() Config {
	home, _ := homedir.Dir()
	return Config{
		Work:                home + "/.local/share/pmbootstrap",
		MirrorAlpine:        "https://dl-cdn.alpinelinux.org/alpine",
		MirrorsPostmarketOS: []string{"https://mirror.postmarketos.org"},
		Jobs:                1,
		CCache:              true,
		CCacheSize:          "2G",
		Timezone:            "UTC",
		Locale:              "en_US.UTF-8",
		Hostname:            "pmos",
		User:                "user",
	}
}

// Path returns the configuration file path, honoring XDG_CONFIG_HOME.
func Path() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := homedir.Dir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "pmbootstrap.cfg"), nil
}

// Load reads the config file at path, expands ~ in path-valued fields, and
// merges the built-in defaults under whatever wasn't set.
func Load(path string) (Config, error) {
	defaults := Defaults()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return defaults, nil
	}

	f, err := ini.Load(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	sec := f.Section("")
	if err := sec.MapTo(&cfg); err != nil {
		return Config{}, err
	}
	cfg.MirrorsPostmarketOS = splitNonEmpty(sec.Key("mirrors_postmarketos").String())
	cfg.SSHKeys = splitNonEmpty(sec.Key("ssh_keys").String())

	if err := mergo.Merge(&cfg, defaults); err != nil {
		return Config{}, err
	}

	for _, p := range []*string{&cfg.Work, &cfg.Aports} {
		expanded, err := homedir.Expand(*p)
		if err == nil && expanded != "" {
			*p = expanded
		}
	}

	return cfg, nil
}

// Save persists cfg to path in INI format.
func Save(path string, cfg Config) error {
	f := ini.Empty()
	sec := f.Section("")
	if err := sec.ReflectFrom(&cfg); err != nil {
		return err
	}
	sec.Key("mirrors_postmarketos").SetValue(joinNonEmpty(cfg.MirrorsPostmarketOS))
	sec.Key("ssh_keys").SetValue(joinNonEmpty(cfg.SSHKeys))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return f.SaveTo(path)
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range filepath.SplitList(s) {
		if p != "" {
			out = append(out, p)
		}
	}
	if out == nil {
		out = []string{s}
	}
	return out
}

func joinNonEmpty(vals []string) string {
	out := ""
	for i, v := range vals {
		if i > 0 {
			out += string(os.PathListSeparator)
		}
		out += v
	}
	return out
}
