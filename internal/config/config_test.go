package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseRemote(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Remote
		wantErr bool
	}{
		{name: "single line", input: "192.168.1.12 9559", want: Remote{IP: "192.168.1.12", Port: 9559}},
		{name: "two lines", input: "10.0.0.2\n9559\n", want: Remote{IP: "10.0.0.2", Port: 9559}},
		{name: "extra whitespace", input: "  nao.local \t 9560  ", want: Remote{IP: "nao.local", Port: 9560}},
		{name: "trailing text ignored", input: "10.0.0.2 9559 # other robot", want: Remote{IP: "10.0.0.2", Port: 9559}},
		{name: "empty", input: "", wantErr: true},
		{name: "missing port", input: "10.0.0.2", wantErr: true},
		{name: "port not a number", input: "10.0.0.2 naoqi", wantErr: true},
		{name: "port out of range", input: "10.0.0.2 70000", wantErr: true},
		{name: "port zero", input: "10.0.0.2 0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRemote(strings.NewReader(tt.input))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRemote) {
					t.Fatalf("ParseRemote() error = %v, want ErrInvalidRemote", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRemote() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseRemote() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseRemoteAddr(t *testing.T) {
	r, err := ParseRemoteAddr("192.168.1.12:9559")
	if err != nil {
		t.Fatalf("ParseRemoteAddr() error = %v", err)
	}
	if r.IP != "192.168.1.12" || r.Port != 9559 {
		t.Errorf("ParseRemoteAddr() = %+v", r)
	}
	if r.Addr() != "192.168.1.12:9559" {
		t.Errorf("Addr() = %q", r.Addr())
	}

	for _, bad := range []string{"", "nohost", "host:", "host:abc", ":9559"} {
		if _, err := ParseRemoteAddr(bad); err == nil {
			t.Errorf("ParseRemoteAddr(%q) should fail", bad)
		}
	}
}

func TestReadRemote(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "remote.conf")
	if err := os.WriteFile(path, []byte("127.0.0.1 9600\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := ReadRemote(path)
	if err != nil {
		t.Fatalf("ReadRemote() error = %v", err)
	}
	if r != (Remote{IP: "127.0.0.1", Port: 9600}) {
		t.Errorf("ReadRemote() = %+v", r)
	}

	if _, err := ReadRemote(filepath.Join(dir, "missing.conf")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("ReadRemote(missing) error = %v, want ErrNotExist", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Name != DefaultName {
		t.Errorf("Name = %q, want %q", cfg.Name, DefaultName)
	}
	if cfg.DialTimeout != DefaultDialTimeout {
		t.Errorf("DialTimeout = %v, want %v", cfg.DialTimeout, DefaultDialTimeout)
	}
	if cfg.PointBehavior != DefaultPointBehavior {
		t.Errorf("PointBehavior = %q", cfg.PointBehavior)
	}
}

func TestLoadYAMLAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	yamlData := `
name: Relay
listen: ":9700"
dial_timeout: 2s
remote:
  ip: 10.0.0.7
  port: 9559
sounds:
  name: /tmp/name.wav
`
	if err := os.WriteFile(path, []byte(yamlData), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("JA_LISTEN", ":9800")
	t.Setenv("JA_SOUND_PHRASE", "/tmp/phrase.wav")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Name != "Relay" {
		t.Errorf("Name = %q, want Relay", cfg.Name)
	}
	if cfg.Listen != ":9800" {
		t.Errorf("Listen = %q, env should win over file", cfg.Listen)
	}
	if cfg.DialTimeout != 2*time.Second {
		t.Errorf("DialTimeout = %v, want 2s", cfg.DialTimeout)
	}
	if cfg.Remote == nil || cfg.Remote.Addr() != "10.0.0.7:9559" {
		t.Errorf("Remote = %+v", cfg.Remote)
	}
	if cfg.Sounds.Name != "/tmp/name.wav" {
		t.Errorf("Sounds.Name = %q", cfg.Sounds.Name)
	}
	if cfg.Sounds.Phrase != "/tmp/phrase.wav" {
		t.Errorf("Sounds.Phrase = %q", cfg.Sounds.Phrase)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("remote:\n  ip: 10.0.0.7\n  port: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, ErrInvalidRemote) {
		t.Errorf("Load() error = %v, want ErrInvalidRemote", err)
	}

	if err := os.WriteFile(path, []byte("name: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() should fail on malformed YAML")
	}
}

func TestLoadRejectsVolume(t *testing.T) {
	t.Setenv("JA_VOLUME", "120")
	if _, err := Load(""); err == nil {
		t.Error("Load() should reject volume 120")
	}
}
