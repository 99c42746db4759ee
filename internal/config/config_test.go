package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
nvr:
  host: 192.168.1.50
  user: admin
  pass: secret
cooldown: 45s
cameras:
  - name: driveway
    rtsp: rtsp://192.168.1.60:554/stream1
    nvr_channel: 1
    threshold: 500
    no_motion_timeout: 20s
  - name: backyard
    rtsp: rtsp://192.168.1.61:554/stream1
    nvr_channel: 2
    threshold: 800
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.NVR.Host != "192.168.1.50" {
		t.Errorf("NVR host = %q, want 192.168.1.50", cfg.NVR.Host)
	}
	if cfg.Cooldown != 45*time.Second {
		t.Errorf("cooldown = %v, want 45s", cfg.Cooldown)
	}
	if cfg.NVR.RequestTimeout != DefaultRequestTimeout {
		t.Errorf("request_timeout = %v, want default %v", cfg.NVR.RequestTimeout, DefaultRequestTimeout)
	}
	if len(cfg.Cameras) != 2 {
		t.Fatalf("got %d cameras, want 2", len(cfg.Cameras))
	}
	if cfg.Cameras[0].NoMotionTimeout != 20*time.Second {
		t.Errorf("camera 0 timeout = %v, want 20s", cfg.Cameras[0].NoMotionTimeout)
	}
	// Second camera left no_motion_timeout unset; default applies.
	if cfg.Cameras[1].NoMotionTimeout != DefaultNoMotionTimeout {
		t.Errorf("camera 1 timeout = %v, want default %v", cfg.Cameras[1].NoMotionTimeout, DefaultNoMotionTimeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	camera := func(name string) CameraConfig {
		return CameraConfig{
			Name:            name,
			RTSP:            "rtsp://example/stream",
			NVRChannel:      1,
			Threshold:       500,
			NoMotionTimeout: 30 * time.Second,
		}
	}
	valid := func() Config {
		return Config{
			NVR:      NVRConfig{Host: "10.0.0.5", User: "admin", Pass: "pw", RequestTimeout: 5 * time.Second},
			Cooldown: 30 * time.Second,
			Cameras:  []CameraConfig{camera("front")},
		}
	}

	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing host", func(c *Config) { c.NVR.Host = "" }, true},
		{"missing credentials", func(c *Config) { c.NVR.Pass = "" }, true},
		{"no cameras", func(c *Config) { c.Cameras = nil }, true},
		{"unnamed camera", func(c *Config) { c.Cameras[0].Name = "" }, true},
		{"duplicate names", func(c *Config) {
			c.Cameras = append(c.Cameras, camera("front"))
		}, true},
		{"missing rtsp", func(c *Config) { c.Cameras[0].RTSP = "" }, true},
		{"bad channel", func(c *Config) { c.Cameras[0].NVRChannel = 0 }, true},
		{"bad threshold", func(c *Config) { c.Cameras[0].Threshold = 0 }, true},
		{"snapshots without bucket", func(c *Config) {
			c.Snapshots.Endpoint = "minio:9000"
		}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}
