// ABOUTME: Per-adapter TOML record loading from the adapters.d directory.
// ABOUTME: One bad record never blocks the rest; errors are collected per file.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Adapter types accepted in adapter records.
const (
	AdapterTypeDingTalk = "dingtalk"
	AdapterTypeMatrix   = "matrix"
)

// AdapterRecord is one adapters.d/*.toml file.
type AdapterRecord struct {
	ID             string `toml:"id"`
	Type           string `toml:"type"`
	Enabled        bool   `toml:"enabled"`
	MaxConcurrency int64  `toml:"max_concurrency"`

	DingTalk DingTalkCredentials `toml:"dingtalk"`
	Matrix   MatrixCredentials   `toml:"matrix"`
}

// DingTalkCredentials holds a DingTalk adapter's credentials.
type DingTalkCredentials struct {
	AppKey    string `toml:"app_key"`
	AppSecret string `toml:"app_secret"`
	APIBase   string `toml:"api_base"`
}

// MatrixCredentials holds a Matrix adapter's credentials and filters.
type MatrixCredentials struct {
	Homeserver      string   `toml:"homeserver"`
	UserID          string   `toml:"user_id"`
	AccessToken     string   `toml:"access_token"`
	AllowedRooms    []string `toml:"allowed_rooms"`
	CommandPrefix   string   `toml:"command_prefix"`
	TypingIndicator bool     `toml:"typing_indicator"`
}

// validate checks one record in isolation.
func (r *AdapterRecord) validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	switch r.Type {
	case AdapterTypeDingTalk:
		if r.DingTalk.AppKey == "" || r.DingTalk.AppSecret == "" {
			return fmt.Errorf("dingtalk adapter %q requires app_key and app_secret", r.ID)
		}
	case AdapterTypeMatrix:
		if r.Matrix.Homeserver == "" || r.Matrix.UserID == "" || r.Matrix.AccessToken == "" {
			return fmt.Errorf("matrix adapter %q requires homeserver, user_id, and access_token", r.ID)
		}
	default:
		return fmt.Errorf("adapter %q has unknown type %q", r.ID, r.Type)
	}
	return nil
}

// LoadAdapters reads every *.toml file under dir. Records that fail to parse
// or validate, and records whose id duplicates an earlier one, are skipped
// and reported in the returned error slice; the remaining records load
// normally. Files are processed in lexical order so duplicates resolve
// deterministically.
func LoadAdapters(dir string) ([]AdapterRecord, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{fmt.Errorf("reading adapters dir: %w", err)}
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var records []AdapterRecord
	var errs []error
	seen := make(map[string]string)

	for _, name := range names {
		path := filepath.Join(dir, name)

		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}

		var rec AdapterRecord
		if _, err := toml.Decode(expandEnvVars(string(data)), &rec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if err := rec.validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if prev, dup := seen[rec.ID]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate adapter id %q (first defined in %s)", name, rec.ID, prev))
			continue
		}
		seen[rec.ID] = name
		records = append(records, rec)
	}
	return records, errs
}
