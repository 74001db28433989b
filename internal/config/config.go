// Package config loads the relay's TOML configuration with environment
// overrides for credentials.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/lbj9527/tgrelay"
)

type Config struct {
	Telegram TelegramConfig `toml:"telegram"`
	Forward  ForwardConfig  `toml:"forward"`
	Monitor  MonitorConfig  `toml:"monitor"`
	History  HistoryConfig  `toml:"history"`
	Observer ObserverConfig `toml:"observer"`
}

type TelegramConfig struct {
	APIID      int    `toml:"api_id"`
	APIHash    string `toml:"api_hash"`
	Phone      string `toml:"phone"`
	SessionDir string `toml:"session_dir"`
	Proxy      string `toml:"proxy"`
}

type ForwardConfig struct {
	// DelayMS is the pause between replicated groups in milliseconds.
	DelayMS int          `toml:"delay_ms"`
	Pairs   []PairConfig `toml:"pairs"`
}

type MonitorConfig struct {
	// StopAt is an optional end date, "YYYY-MM-DD". The monitor stops at
	// midnight after that day. Empty runs until cancelled.
	StopAt       string       `toml:"stop_at"`
	ProcessedCap int          `toml:"processed_cap"`
	Pairs        []PairConfig `toml:"pairs"`
}

type HistoryConfig struct {
	// Backend selects the store: "sqlite" (default) or "postgres".
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
	DSN     string `toml:"dsn"`
}

type ObserverConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

// PairConfig is the TOML shape of one replication rule.
type PairConfig struct {
	Source           string              `toml:"source"`
	Targets          []string            `toml:"targets"`
	StartID          int                 `toml:"start_id"`
	EndID            int                 `toml:"end_id"`
	MediaTypes       []string            `toml:"media_types"`
	Keywords         []string            `toml:"keywords"`
	Replacements     []ReplacementConfig `toml:"replacements"`
	ExcludeLinks     bool                `toml:"exclude_links"`
	RemoveCaptions   bool                `toml:"remove_captions"`
	HideAuthor       bool                `toml:"hide_author"`
	Enabled          bool                `toml:"enabled"`
	SendFinalMessage bool                `toml:"send_final_message"`
	FinalMessagePath string              `toml:"final_message_path"`
	WebPreview       bool                `toml:"web_preview"`
}

type ReplacementConfig struct {
	Find    string `toml:"find"`
	Replace string `toml:"replace"`
}

// Pair converts the TOML shape to the engine's pair type.
func (p PairConfig) Pair() tgrelay.ChannelPair {
	kinds := make([]tgrelay.MediaKind, 0, len(p.MediaTypes))
	for _, k := range p.MediaTypes {
		kinds = append(kinds, tgrelay.MediaKind(k))
	}
	reps := make([]tgrelay.Replacement, 0, len(p.Replacements))
	for _, r := range p.Replacements {
		reps = append(reps, tgrelay.Replacement{Find: r.Find, Replace: r.Replace})
	}
	return tgrelay.ChannelPair{
		Source:           p.Source,
		Targets:          append([]string(nil), p.Targets...),
		StartID:          p.StartID,
		EndID:            p.EndID,
		MediaTypes:       kinds,
		Keywords:         append([]string(nil), p.Keywords...),
		Replacements:     reps,
		ExcludeLinks:     p.ExcludeLinks,
		RemoveCaptions:   p.RemoveCaptions,
		HideAuthor:       p.HideAuthor,
		Enabled:          p.Enabled,
		SendFinalMessage: p.SendFinalMessage,
		FinalMessagePath: p.FinalMessagePath,
		WebPreview:       p.WebPreview,
	}
}

// Pairs converts a pair list.
func Pairs(pcs []PairConfig) []tgrelay.ChannelPair {
	out := make([]tgrelay.ChannelPair, 0, len(pcs))
	for _, pc := range pcs {
		out = append(out, pc.Pair())
	}
	return out
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Telegram: TelegramConfig{SessionDir: "sessions"},
		Forward:  ForwardConfig{DelayMS: 100},
		History:  HistoryConfig{Backend: "sqlite", Path: "history.db"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins). It
// returns the keys present in the file but not recognized, so the caller
// can warn about typos instead of silently ignoring them.
func Load(path string) (Config, []string) {
	cfg := Default()
	var unknown []string

	if path == "" {
		path = "tgrelay.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		if md, err := toml.Decode(string(data), &cfg); err == nil {
			for _, key := range md.Undecoded() {
				unknown = append(unknown, key.String())
			}
		}
	}

	// Env overrides
	if v := os.Getenv("TGRELAY_API_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			cfg.Telegram.APIID = id
		}
	}
	if v := os.Getenv("TGRELAY_API_HASH"); v != "" {
		cfg.Telegram.APIHash = v
	}
	if v := os.Getenv("TGRELAY_PHONE"); v != "" {
		cfg.Telegram.Phone = v
	}
	if v := os.Getenv("TGRELAY_PROXY"); v != "" {
		cfg.Telegram.Proxy = v
	}
	if v := os.Getenv("TGRELAY_HISTORY_DSN"); v != "" {
		cfg.History.DSN = v
	}
	if os.Getenv("TGRELAY_OBSERVER_ENABLED") == "true" || os.Getenv("TGRELAY_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.History.Backend == "" {
		cfg.History.Backend = "sqlite"
	}

	return cfg, unknown
}

// Validate checks the cross-field constraints a bad file can violate.
func (c Config) Validate() error {
	if c.Telegram.APIID == 0 || c.Telegram.APIHash == "" {
		return fmt.Errorf("telegram: api_id and api_hash are required")
	}
	switch strings.ToLower(c.History.Backend) {
	case "sqlite":
		if c.History.Path == "" {
			return fmt.Errorf("history: path is required for the sqlite backend")
		}
	case "postgres":
		if c.History.DSN == "" {
			return fmt.Errorf("history: dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("history: unknown backend %q", c.History.Backend)
	}
	return nil
}
