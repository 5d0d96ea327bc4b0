package snet

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Config is the file form of the server and client options.
type Config struct {
	Host              string
	Port              int
	NoDelay           bool
	HeartbeatInterval Duration
	MaxLatency        Duration
	MaxRetries        int
	ProbePort         bool
	MaxConnections    int
	MonitorPort       int
	LogLevel          string
}

// Duration is a time.Duration read from JSON either as a string such as
// "500ms" or as a number of milliseconds.
type Duration time.Duration

// MarshalJSON writes d as a duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "1.5s" style strings and integer milliseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case float64:
		*d = Duration(time.Duration(t) * time.Millisecond)
	case string:
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return errors.Wrapf(err, "duration %q", t)
		}
		*d = Duration(parsed)
	default:
		return errors.Errorf("invalid duration %s", string(b))
	}
	return nil
}

var defaultConfig = []byte(
	`{
  "Host": "localhost",
  "Port": 18341,
  "NoDelay": false,
  "HeartbeatInterval": "500ms",
  "MaxLatency": "2s",
  "MaxRetries": 10,
  "ProbePort": true,
  "MaxConnections": 1000,
  "MonitorPort": 0,
  "LogLevel": "info"
}`)

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	var c Config
	if err := json.Unmarshal(defaultConfig, &c); err != nil {
		panic(err)
	}
	return c
}

// LoadConfig reads a JSON file over the defaults, so absent keys keep their
// default value.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Wrap(err, "read config")
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, errors.Wrapf(err, "parse config %s", path)
	}
	if err := c.Validate(); err != nil {
		return c, errors.Wrapf(err, "config %s", path)
	}
	return c, nil
}

// Validate checks ranges.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.Errorf("port %d out of range", c.Port)
	}
	if c.MonitorPort < 0 || c.MonitorPort > 65535 {
		return errors.Errorf("monitor port %d out of range", c.MonitorPort)
	}
	if c.HeartbeatInterval < 0 || c.MaxLatency < 0 {
		return errors.New("negative heartbeat duration")
	}
	if c.MaxRetries < 0 {
		return errors.Errorf("negative max retries %d", c.MaxRetries)
	}
	if c.MaxConnections < 0 {
		return errors.Errorf("negative max connections %d", c.MaxConnections)
	}
	return nil
}

// Heartbeat returns the liveness policy described by c.
func (c Config) Heartbeat() Heartbeat {
	return Heartbeat{
		Interval:   time.Duration(c.HeartbeatInterval),
		MaxLatency: time.Duration(c.MaxLatency),
		MaxRetries: c.MaxRetries,
	}.normalized()
}

// Options converts c to functional options. Callbacks are appended by the
// caller.
func (c Config) Options() []Option {
	return []Option{
		NoDelayOption(c.NoDelay),
		HeartbeatOption(c.Heartbeat()),
		ProbePortOption(c.ProbePort),
		MaxConnectionsOption(c.MaxConnections),
	}
}
