// Package config loads relay settings from defaults, an optional YAML file,
// CHATRELAY_* environment variables and command-line flags, in that order.
package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const EnvPrefix = "CHATRELAY_"

type Config struct {
	HTTP       HTTPConfig       `koanf:"http"`
	Sink       SinkConfig       `koanf:"sink"`
	Checkpoint CheckpointConfig `koanf:"checkpoint"`
	Hub        HubConfig        `koanf:"hub"`
	Ingest     IngestConfig     `koanf:"ingest"`
	YouTube    YouTubeConfig    `koanf:"youtube"`
	Keys       KeysConfig       `koanf:"keys"`
	Log        LogConfig        `koanf:"log"`
}

type HTTPConfig struct {
	Addr           string   `koanf:"addr"`
	CORSOrigins    []string `koanf:"cors_origins"`
	RateLimitRPS   int      `koanf:"rate_limit_rps"`
	RateLimitBurst int      `koanf:"rate_limit_burst"`
}

type SinkConfig struct {
	SQLitePath      string        `koanf:"sqlite_path"`
	BatchSize       int           `koanf:"batch_size"`
	FlushMaxMS      int           `koanf:"flush_ms"`
	BreakerFailures int           `koanf:"breaker_failures"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout"`
	Tuning          bool          `koanf:"tuning"`
}

type CheckpointConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

type HubConfig struct {
	ReplaySize     int           `koanf:"replay_size"`
	ClientBuffer   int           `koanf:"client_buffer"`
	MaxDrops       int           `koanf:"max_drops"`
	PingInterval   time.Duration `koanf:"ping_interval"`
	OriginPatterns []string      `koanf:"origin_patterns"`
}

type IngestConfig struct {
	Mode            string        `koanf:"mode"`
	VideoID         string        `koanf:"video_id"`
	PreferPrimary   bool          `koanf:"prefer_primary"`
	DedupCapacity   int           `koanf:"dedup_capacity"`
	EmojiCapacity   int           `koanf:"emoji_capacity"`
	CheckpointEvery int           `koanf:"checkpoint_every"`
	StopTimeout     time.Duration `koanf:"stop_timeout"`
	TraceCapacity   int           `koanf:"trace_capacity"`
}

type YouTubeConfig struct {
	InnertubeBaseURL string `koanf:"innertube_base_url"`
	PollTimeoutSecs  int    `koanf:"poll_timeout_secs"`
	GRPCTarget       string `koanf:"grpc_target"`
	APIEndpoint      string `koanf:"api_endpoint"`
	Lang             string `koanf:"lang"`
}

type KeysConfig struct {
	EnvFile       string `koanf:"env_file"`
	PrimaryFile   string `koanf:"primary_file"`
	SecondaryFile string `koanf:"secondary_file"`
	UserFile      string `koanf:"user_file"`
	UserKey       string `koanf:"user_key"`
	Watch         bool   `koanf:"watch"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func defaults() map[string]any {
	return map[string]any{
		"http.addr":                  "127.0.0.1:8765",
		"http.rate_limit_rps":        0,
		"http.rate_limit_burst":      0,
		"sink.sqlite_path":           "chat.db",
		"sink.batch_size":            1,
		"sink.flush_ms":              0,
		"sink.breaker_failures":      5,
		"sink.breaker_timeout":       "30s",
		"sink.tuning":                false,
		"checkpoint.ttl":             "24h",
		"hub.replay_size":            50,
		"hub.client_buffer":          256,
		"hub.max_drops":              32,
		"hub.ping_interval":          "20s",
		"ingest.dedup_capacity":      10000,
		"ingest.emoji_capacity":      2000,
		"ingest.checkpoint_every":    10,
		"ingest.stop_timeout":        "5s",
		"ingest.trace_capacity":      512,
		"ingest.prefer_primary":      true,
		"youtube.innertube_base_url": "https://www.youtube.com",
		"youtube.poll_timeout_secs":  15,
		"youtube.grpc_target":        "dns:///youtube.googleapis.com:443",
		"youtube.lang":               "ja",
		"keys.env_file":              ".env",
		"keys.watch":                 true,
		"log.level":                  "info",
		"log.format":                 "text",
	}
}

// listKeys are split on commas when they come from the environment.
var listKeys = map[string]bool{
	"http.cors_origins":   true,
	"hub.origin_patterns": true,
}

// Flags registers the command-line overrides on flags. Flag names map onto
// config keys through flagKeys.
func Flags(flags *pflag.FlagSet) {
	flags.String("config", "chatrelay.yaml", "path to the YAML config file")
	flags.String("addr", "", "HTTP listen address")
	flags.String("db", "", "SQLite database path")
	flags.String("mode", "", "start ingesting at boot: grpc, innertube or official")
	flags.String("video", "", "video id to ingest at boot")
	flags.Bool("prefer-primary", true, "use the primary API key when both are configured")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-format", "", "text or json")
}

var flagKeys = map[string]string{
	"addr":           "http.addr",
	"db":             "sink.sqlite_path",
	"mode":           "ingest.mode",
	"video":          "ingest.video_id",
	"prefer-primary": "ingest.prefer_primary",
	"log-level":      "log.level",
	"log-format":     "log.format",
}

// Load layers defaults, the YAML file at path (skipped when missing), the
// environment and flags. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return Config{}, err
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return Config{}, err
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, err
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithValue(flags, ".", k, flagKey), nil); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, err
	}
	cfg.HTTP.CORSOrigins = dedupe(cfg.HTTP.CORSOrigins)
	cfg.Hub.OriginPatterns = dedupe(cfg.Hub.OriginPatterns)
	return cfg, nil
}

// envKey maps CHATRELAY_SINK__SQLITE_PATH to sink.sqlite_path.
func envKey(name, value string) (string, any) {
	key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	key = strings.ReplaceAll(key, "__", ".")
	if !strings.Contains(key, ".") {
		return "", nil
	}
	if listKeys[key] {
		return key, splitList(value)
	}
	return key, value
}

func flagKey(name, value string) (string, any) {
	key, ok := flagKeys[name]
	if !ok {
		return "", nil
	}
	return key, value
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	return dedupe(parts)
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		key := strings.ToLower(v)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}

func (c Config) FlushInterval() time.Duration {
	if c.Sink.FlushMaxMS <= 0 {
		return 0
	}
	return time.Duration(c.Sink.FlushMaxMS) * time.Millisecond
}

func (c Config) Batch() int {
	if c.Sink.BatchSize <= 0 {
		return 1
	}
	return c.Sink.BatchSize
}

type Summary struct {
	Addr          string      `json:"addr"`
	SQLitePath    string      `json:"sqlite_path"`
	BatchSize     int         `json:"batch"`
	FlushMaxMS    int         `json:"flush_ms"`
	CheckpointTTL string      `json:"checkpoint_ttl"`
	Ingest        IngestBrief `json:"ingest"`
	Keys          KeysBrief   `json:"keys"`
}

type IngestBrief struct {
	Mode          string `json:"mode,omitempty"`
	VideoID       string `json:"video_id,omitempty"`
	PreferPrimary bool   `json:"prefer_primary"`
}

type KeysBrief struct {
	EnvFile       string `json:"env_file,omitempty"`
	PrimaryFile   string `json:"primary_file,omitempty"`
	SecondaryFile string `json:"secondary_file,omitempty"`
	UserFile      string `json:"user_file,omitempty"`
	UserKey       string `json:"user_key,omitempty"`
	Watch         bool   `json:"watch"`
}

func (c Config) Summary() Summary {
	return Summary{
		Addr:          c.HTTP.Addr,
		SQLitePath:    c.Sink.SQLitePath,
		BatchSize:     c.Batch(),
		FlushMaxMS:    c.Sink.FlushMaxMS,
		CheckpointTTL: c.Checkpoint.TTL.String(),
		Ingest: IngestBrief{
			Mode:          c.Ingest.Mode,
			VideoID:       c.Ingest.VideoID,
			PreferPrimary: c.Ingest.PreferPrimary,
		},
		Keys: KeysBrief{
			EnvFile:       c.Keys.EnvFile,
			PrimaryFile:   c.Keys.PrimaryFile,
			SecondaryFile: c.Keys.SecondaryFile,
			UserFile:      c.Keys.UserFile,
			UserKey:       redactString(c.Keys.UserKey),
			Watch:         c.Keys.Watch,
		},
	}
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}

// ConfigPath picks the --config flag, then CHATRELAY_CONFIG, then the default.
func ConfigPath(flags *pflag.FlagSet) string {
	if flags != nil {
		if f := flags.Lookup("config"); f != nil && f.Changed {
			return f.Value.String()
		}
	}
	if p := strings.TrimSpace(os.Getenv(EnvPrefix + "CONFIG")); p != "" {
		return p
	}
	if flags != nil {
		if f := flags.Lookup("config"); f != nil {
			return f.Value.String()
		}
	}
	return "chatrelay.yaml"
}
