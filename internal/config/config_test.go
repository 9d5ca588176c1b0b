package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mil-ad/eegmenu/internal/link"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Device.Name != link.DeviceName || cfg.Device.ServiceUUID != link.ServiceUUID {
		t.Errorf("device defaults = %+v", cfg.Device)
	}
	if cfg.Menu.ActivationHold != 3*time.Second {
		t.Errorf("activation hold = %v; want 3s", cfg.Menu.ActivationHold)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
device:
  backend: sim
  discovery_timeout: 5s
menu:
  activation_hold: 1500ms
log:
  level: debug
  format: json
mqtt:
  broker: localhost:1883
  encoding: msgpack
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Device.Backend != BackendSim {
		t.Errorf("backend = %q", cfg.Device.Backend)
	}
	if cfg.Device.DiscoveryTimeout != 5*time.Second {
		t.Errorf("discovery timeout = %v", cfg.Device.DiscoveryTimeout)
	}
	if cfg.Menu.ActivationHold != 1500*time.Millisecond {
		t.Errorf("activation hold = %v", cfg.Menu.ActivationHold)
	}
	// untouched keys keep their defaults
	if cfg.Device.CharacteristicUUID != link.CharacteristicUUID {
		t.Errorf("characteristic = %q", cfg.Device.CharacteristicUUID)
	}
	if cfg.MQTT.Encoding != "msgpack" || cfg.MQTT.TopicPrefix != "eegmenu" {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EEGMENU_BACKEND", "sim")
	t.Setenv("EEGMENU_HTTP_LISTEN", "")
	t.Setenv("EEGMENU_LOG_LEVEL", "warn")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Device.Backend != "sim" || cfg.HTTP.Listen != "" || cfg.Log.Level != "warn" {
		t.Errorf("overrides not applied: %+v %+v %+v", cfg.Device, cfg.HTTP, cfg.Log)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		wantIn string
	}{
		{"bad backend", "device:\n  backend: serial\n", "device.backend"},
		{"bad service uuid", "device:\n  service_uuid: not-a-uuid\n", "device.service_uuid"},
		{"bad characteristic uuid", "device:\n  characteristic_uuid: \"1234\"\n", "device.characteristic_uuid"},
		{"zero hold", "menu:\n  activation_hold: 0s\n", "menu.activation_hold"},
		{"bad level", "log:\n  level: loud\n", "log.level"},
		{"bad encoding", "mqtt:\n  broker: x:1883\n  encoding: xml\n", "mqtt.encoding"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.wantIn) {
				t.Errorf("Load() = %v; want error mentioning %q", err, tt.wantIn)
			}
		})
	}
}

func TestParseError(t *testing.T) {
	if _, err := Load(writeConfig(t, "device: [")); err == nil {
		t.Error("Load() accepted malformed yaml")
	}
}

func TestPath(t *testing.T) {
	t.Setenv("EEGMENU_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/cfg")
	if got := Path(); got != "/cfg/eegmenu/config.yaml" {
		t.Errorf("Path() = %q", got)
	}
	t.Setenv("EEGMENU_CONFIG", "/etc/eegmenu.yaml")
	if got := Path(); got != "/etc/eegmenu.yaml" {
		t.Errorf("Path() = %q", got)
	}
}
