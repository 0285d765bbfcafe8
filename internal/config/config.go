package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "CALLSCRIBE"

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	Store StoreConfig `mapstructure:"store"`
	Peer  PeerConfig  `mapstructure:"peer"`
}

// StoreConfig tunes the store server.
type StoreConfig struct {
	SignalReplayWindow time.Duration `mapstructure:"signal_replay_window"`
	SubscriberBuffer   int           `mapstructure:"subscriber_buffer"`
	SignalRateLimit    int           `mapstructure:"signal_rate_limit"`
	SignalRateInterval time.Duration `mapstructure:"signal_rate_interval"`
}

// PeerConfig tunes one call participant.
type PeerConfig struct {
	StoreURL            string        `mapstructure:"store_url"`
	TranscriberURL      string        `mapstructure:"transcriber_url"`
	TranscribeTimeout   time.Duration `mapstructure:"transcribe_timeout"`
	SegmentDuration     time.Duration `mapstructure:"segment_duration"`
	TranscribeOnConnect bool          `mapstructure:"transcribe_on_connect"`
	DrainTimeout        time.Duration `mapstructure:"drain_timeout"`
	MediaKind           string        `mapstructure:"media_kind"`
	Role                string        `mapstructure:"role"`
	ICEServers          []string      `mapstructure:"ice_servers"`
	MediaSource         string        `mapstructure:"media_source"`
	FFmpeg              string        `mapstructure:"ffmpeg"`
	AudioFormat         string        `mapstructure:"audio_format"`
	AudioDevice         string        `mapstructure:"audio_device"`
	VideoFormat         string        `mapstructure:"video_format"`
	VideoDevice         string        `mapstructure:"video_device"`
	RecordRemote        string        `mapstructure:"record_remote"`
	// HistoryFile keeps the results of one-shot file transcriptions.
	HistoryFile string `mapstructure:"history_file"`
}

// flagKeys maps command line flag names to config keys. Flags that are not
// defined on the set passed to Load are skipped.
var flagKeys = map[string]string{
	"mode":            "mode",
	"port":            "port",
	"store-url":       "peer.store_url",
	"transcriber-url": "peer.transcriber_url",
	"media":           "peer.media_kind",
	"role":            "peer.role",
	"media-source":    "peer.media_source",
	"segment":         "peer.segment_duration",
	"record":          "peer.record_remote",
	"history":         "peer.history_file",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "callscribe-dev-secret")

	v.SetDefault("store.signal_replay_window", "30s")
	v.SetDefault("store.subscriber_buffer", 256)
	v.SetDefault("store.signal_rate_limit", 120)
	v.SetDefault("store.signal_rate_interval", "10s")

	v.SetDefault("peer.store_url", "http://localhost:8080")
	v.SetDefault("peer.transcriber_url", "http://localhost:8000")
	v.SetDefault("peer.transcribe_timeout", "30s")
	v.SetDefault("peer.segment_duration", "5s")
	v.SetDefault("peer.transcribe_on_connect", true)
	v.SetDefault("peer.drain_timeout", "10s")
	v.SetDefault("peer.media_kind", "audio")
	v.SetDefault("peer.role", "auto")
	v.SetDefault("peer.ice_servers", []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"})
	v.SetDefault("peer.media_source", "ffmpeg")
	v.SetDefault("peer.ffmpeg", "ffmpeg")
	v.SetDefault("peer.audio_format", "pulse")
	v.SetDefault("peer.audio_device", "default")
	v.SetDefault("peer.video_format", "v4l2")
	v.SetDefault("peer.video_device", "/dev/video0")
	v.SetDefault("peer.record_remote", "")
	v.SetDefault("peer.history_file", "callscribe-history.json")
}

// Load merges, lowest first: defaults, config/config.<CONFIG_ENV>.yaml,
// environment (.env included) and flags.
func Load(flags *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Str("module", "config").Msg(".env not loaded")
	}

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("config ready")
	return &cfg, nil
}
