package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults applied when the config file leaves a knob unset.
const (
	DefaultCooldown        = 30 * time.Second
	DefaultNoMotionTimeout = 30 * time.Second
	DefaultRequestTimeout  = 5 * time.Second
	DefaultFrameInterval   = 33 * time.Millisecond
)

// Config holds the complete service configuration. It is loaded once at
// startup and never mutated afterwards.
type Config struct {
	NVR       NVRConfig      `mapstructure:"nvr"`
	Cooldown  time.Duration  `mapstructure:"cooldown"`
	Cameras   []CameraConfig `mapstructure:"cameras"`
	Journal   JournalConfig  `mapstructure:"journal"`
	Snapshots SnapshotConfig `mapstructure:"snapshots"`
	Log       LogConfig      `mapstructure:"log"`
}

// NVRConfig describes the recorder whose manual-record tracks we drive.
type NVRConfig struct {
	Host           string        `mapstructure:"host"`
	User           string        `mapstructure:"user"`
	Pass           string        `mapstructure:"pass"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// CameraConfig describes one watched stream.
type CameraConfig struct {
	Name            string        `mapstructure:"name"`
	RTSP            string        `mapstructure:"rtsp"`
	NVRChannel      int           `mapstructure:"nvr_channel"`
	Threshold       float64       `mapstructure:"threshold"`
	NoMotionTimeout time.Duration `mapstructure:"no_motion_timeout"`
}

// JournalConfig enables the Postgres episode journal when DSN is set.
type JournalConfig struct {
	DSN string `mapstructure:"dsn"`
}

// SnapshotConfig enables trigger-frame snapshots when Endpoint is set.
type SnapshotConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	Bucket          string `mapstructure:"bucket"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads the config file at path, applies environment overrides
// (NVRWATCH_ prefix), fills defaults and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("NVRWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("cooldown", DefaultCooldown)
	v.SetDefault("nvr.request_timeout", DefaultRequestTimeout)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.NVR.RequestTimeout <= 0 {
		c.NVR.RequestTimeout = DefaultRequestTimeout
	}
	for i := range c.Cameras {
		if c.Cameras[i].NoMotionTimeout <= 0 {
			c.Cameras[i].NoMotionTimeout = DefaultNoMotionTimeout
		}
	}
}

// Validate reports the first configuration problem found. Config errors
// are fatal at startup only; nothing re-validates at runtime.
func (c *Config) Validate() error {
	if c.NVR.Host == "" {
		return fmt.Errorf("nvr.host is required")
	}
	if c.NVR.User == "" || c.NVR.Pass == "" {
		return fmt.Errorf("nvr.user and nvr.pass are required")
	}
	if len(c.Cameras) == 0 {
		return fmt.Errorf("at least one camera is required")
	}

	seen := make(map[string]bool, len(c.Cameras))
	for i, cam := range c.Cameras {
		if cam.Name == "" {
			return fmt.Errorf("cameras[%d]: name is required", i)
		}
		if seen[cam.Name] {
			return fmt.Errorf("cameras[%d]: duplicate name %q", i, cam.Name)
		}
		seen[cam.Name] = true
		if cam.RTSP == "" {
			return fmt.Errorf("camera %s: rtsp address is required", cam.Name)
		}
		if cam.NVRChannel < 1 {
			return fmt.Errorf("camera %s: nvr_channel must be >= 1", cam.Name)
		}
		if cam.Threshold <= 0 {
			return fmt.Errorf("camera %s: threshold must be positive", cam.Name)
		}
	}

	if c.Snapshots.Endpoint != "" && c.Snapshots.Bucket == "" {
		return fmt.Errorf("snapshots.bucket is required when snapshots.endpoint is set")
	}
	return nil
}
