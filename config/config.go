package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Clouded-Sabre/utcp/lib"
)

// Config mirrors the YAML file. Durations are Go duration strings such as
// "100ms"; fields left out keep their defaults.
type Config struct {
	MaxSegmentSize       int     `yaml:"mss"`
	Window               int     `yaml:"window"`
	RTO                  string  `yaml:"rto"`
	MaxTransmit          *int    `yaml:"max_transmit"`
	MaxFinAttempts       int     `yaml:"max_fin_attempts"`
	InboundQueueLength   int     `yaml:"inbound_queue_length"`
	HandshakeRTO         string  `yaml:"handshake_rto"`
	MaxHandshakeAttempts int     `yaml:"max_handshake_attempts"`
	MSL                  string  `yaml:"msl"`
	Linger               string  `yaml:"linger"`
	AcceptBacklog        int     `yaml:"accept_backlog"`
	PoolSize             int     `yaml:"pool_size"`
	CookieSecret         string  `yaml:"cookie_secret"`
	PacketLossRate       float64 `yaml:"packet_loss_rate"`
}

// LoadConfig reads the YAML file at path over lib.DefaultEndpointConfig.
// A missing file is not an error: the defaults are returned.
func LoadConfig(path string) (*lib.EndpointConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return lib.DefaultEndpointConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse applies a YAML document to the default endpoint configuration.
func Parse(data []byte) (*lib.EndpointConfig, error) {
	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := lib.DefaultEndpointConfig()
	conn := cfg.ConnConfig

	setInt(&conn.MaxSegmentSize, file.MaxSegmentSize)
	setInt(&conn.Window, file.Window)
	setInt(&conn.MaxFinAttempts, file.MaxFinAttempts)
	setInt(&conn.InboundQueueLength, file.InboundQueueLength)
	if file.MaxTransmit != nil {
		conn.MaxTransmit = *file.MaxTransmit
	}
	setInt(&cfg.MaxHandshakeAttempts, file.MaxHandshakeAttempts)
	setInt(&cfg.AcceptBacklog, file.AcceptBacklog)
	setInt(&cfg.PoolSize, file.PoolSize)
	cfg.PacketLossRate = file.PacketLossRate
	if file.CookieSecret != "" {
		cfg.CookieSecret = []byte(file.CookieSecret)
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"rto", file.RTO, &conn.RTO},
		{"handshake_rto", file.HandshakeRTO, &cfg.HandshakeRTO},
		{"msl", file.MSL, &cfg.MSL},
		{"linger", file.Linger, &cfg.Linger},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("config field %s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	// the linger follows a configured MSL unless it is set explicitly
	if file.MSL != "" && file.Linger == "" {
		cfg.Linger = 2 * cfg.MSL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
