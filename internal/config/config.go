package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dustin/go-humanize"
)

type Config struct {
	Debug        bool               `yaml:"debug"`
	Radio        RadioConfig        `yaml:"radio"`
	TelemetryLog TelemetryLogConfig `yaml:"telemetry_log"`
	TileCache    TileCacheConfig    `yaml:"tile_cache"`
	Web          WebConfig          `yaml:"web"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Forward      ForwardConfig      `yaml:"forward"`
}

type RadioConfig struct {
	// Driver selects how the link is opened: serial, termios or tcp.
	Driver string `yaml:"driver"`
	// Port is opened at startup when non-empty. For tcp it is host:port.
	Port           string       `yaml:"port"`
	Baud           int          `yaml:"baud"`
	MaxFrameBuffer ByteSize     `yaml:"max_frame_buffer"`
	Record         RecordConfig `yaml:"record"`
	Replay         ReplayConfig `yaml:"replay"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type ReplayConfig struct {
	Enable bool    `yaml:"enable"`
	Path   string  `yaml:"path"`
	Speed  float64 `yaml:"speed"`
	Loop   bool    `yaml:"loop"`
}

type TelemetryLogConfig struct {
	Dir string `yaml:"dir"`
}

type TileCacheConfig struct {
	Dir     string   `yaml:"dir"`
	MaxSize ByteSize `yaml:"max_size"`
}

type WebConfig struct {
	Listen string `yaml:"listen"`
}

type MQTTConfig struct {
	Enable   bool   `yaml:"enable"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
}

type ForwardConfig struct {
	// UDPDest receives one JSON datagram per record when non-empty.
	UDPDest string `yaml:"udp_dest"`
}

const (
	DefaultDriver         = "serial"
	DefaultBaud           = 115200
	DefaultMaxFrameBuffer = 64 * 1024
	DefaultTileCacheSize  = 100 * 1000 * 1000
)

var drivers = map[string]struct{}{"serial": {}, "termios": {}, "tcp": {}}

// Default returns a fully populated config.
func Default() Config {
	var cfg Config
	_ = DefaultAndValidate(&cfg)
	return cfg
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOrCreate loads path, writing a default config there first when the
// file does not exist yet.
func LoadOrCreate(path string) (Config, bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	}
	if !errors.Is(err, os.ErrNotExist) {
		return Config{}, false, err
	}
	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("write default config: %w", err)
	}
	return cfg, true, nil
}

// Save validates cfg and writes it to path atomically.
func Save(path string, cfg Config) error {
	if err := DefaultAndValidate(&cfg); err != nil {
		return err
	}
	b, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	// Temp file in the same directory so os.Rename is atomic.
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// DefaultAndValidate fills zero values with defaults and rejects
// inconsistent settings.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	r := &cfg.Radio
	r.Driver = strings.ToLower(strings.TrimSpace(r.Driver))
	if r.Driver == "" {
		r.Driver = DefaultDriver
	}
	if _, ok := drivers[r.Driver]; !ok {
		return fmt.Errorf("radio.driver %q is not one of serial, termios, tcp", r.Driver)
	}
	r.Port = strings.TrimSpace(r.Port)
	if r.Driver == "tcp" && r.Port != "" {
		if _, _, err := net.SplitHostPort(r.Port); err != nil {
			return fmt.Errorf("radio.port must be host:port for the tcp driver: %w", err)
		}
	}
	if r.Baud == 0 {
		r.Baud = DefaultBaud
	}
	if r.Baud < 0 {
		return fmt.Errorf("radio.baud must be > 0")
	}
	if r.MaxFrameBuffer == 0 {
		r.MaxFrameBuffer = DefaultMaxFrameBuffer
	}

	if r.Record.Enable && r.Record.Path == "" {
		return fmt.Errorf("radio.record.path is required when radio.record.enable is true")
	}
	if r.Replay.Enable {
		if r.Replay.Path == "" {
			return fmt.Errorf("radio.replay.path is required when radio.replay.enable is true")
		}
		if r.Replay.Speed == 0 {
			r.Replay.Speed = 1
		}
		if r.Replay.Speed < 0 {
			return fmt.Errorf("radio.replay.speed must be > 0")
		}
	}
	if r.Record.Enable && r.Replay.Enable {
		return fmt.Errorf("radio.record and radio.replay cannot both be enabled")
	}

	if cfg.TelemetryLog.Dir == "" {
		cfg.TelemetryLog.Dir = "./data"
	}
	if cfg.TileCache.Dir == "" {
		cfg.TileCache.Dir = "./cachedtiles"
	}
	if cfg.TileCache.MaxSize == 0 {
		cfg.TileCache.MaxSize = DefaultTileCacheSize
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}

	m := &cfg.MQTT
	if m.Broker == "" {
		m.Broker = "tcp://localhost:1883"
	}
	if m.ClientID == "" {
		m.ClientID = "groundstation"
	}
	if m.Topic == "" {
		m.Topic = "groundstation/telemetry"
	}
	if strings.ContainsAny(m.Topic, "#+") {
		return fmt.Errorf("mqtt.topic must not contain wildcards")
	}

	if d := strings.TrimSpace(cfg.Forward.UDPDest); d != "" {
		if _, _, err := net.SplitHostPort(d); err != nil {
			return fmt.Errorf("forward.udp_dest must be host:port: %w", err)
		}
		cfg.Forward.UDPDest = d
	}
	return nil
}

// ByteSize is a byte count that reads either a plain integer or a human
// string such as "100 MB" or "64KiB".
type ByteSize uint64

func ParseByteSize(s string) (ByteSize, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

// String formats b in SI units when that is exact, else as an integer.
func (b ByteSize) String() string {
	h := humanize.Bytes(uint64(b))
	if n, err := humanize.ParseBytes(h); err == nil && n == uint64(b) {
		return h
	}
	return fmt.Sprintf("%d", uint64(b))
}

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	n, err := ParseByteSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*b = n
	return nil
}

func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}
