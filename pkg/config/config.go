package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cuemby/tango/pkg/database"
	"github.com/cuemby/tango/pkg/event"
	"github.com/cuemby/tango/pkg/polling"
	"github.com/cuemby/tango/pkg/pollring"
	"github.com/cuemby/tango/pkg/transport/zmq"
	"github.com/cuemby/tango/pkg/types"
	"gopkg.in/yaml.v3"
)

// EnvTangoHost names the database of a process when the configuration
// leaves it empty.
const EnvTangoHost = "TANGO_HOST"

// Config is the configuration of a tango process.
type Config struct {
	Server   Server   `yaml:"server"`
	Database Database `yaml:"database"`
	Events   Events   `yaml:"events"`
	Polling  Polling  `yaml:"polling"`
	Devices  []Device `yaml:"devices"`
	Log      Log      `yaml:"log"`
	Metrics  Metrics  `yaml:"metrics"`
}

// Server configures a device server.
type Server struct {
	// Name is "<executable>/<instance>", the admin device is dserver/<name>.
	Name string `yaml:"name"`
	// Host is advertised in device records and endpoints.
	Host string `yaml:"host"`
	// Port of the device RPC listener, 0 picks one.
	Port int `yaml:"port"`
	// TangoHost is the host:port of the database.
	TangoHost      string   `yaml:"tango_host"`
	AlternateHosts []string `yaml:"alternate_hosts"`
	// FileDB runs the server without database service, on a local bolt
	// file in this directory.
	FileDB string `yaml:"file_db"`
}

// Database configures the database server and the access to it.
type Database struct {
	Addr         string        `yaml:"addr"`
	DataDir      string        `yaml:"data_dir"`
	StartRetries int           `yaml:"start_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

// Events configures both sides of the event system.
type Events struct {
	HeartbeatThreshold  time.Duration `yaml:"heartbeat_threshold"`
	HeartbeatPollPeriod time.Duration `yaml:"heartbeat_poll_period"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`
	KeepAlivePeriod     time.Duration `yaml:"keep_alive_period"`
	ResubscribePeriod   time.Duration `yaml:"resubscribe_period"`
	MonitorTimeout      time.Duration `yaml:"monitor_timeout"`
	// NotifdURL is the broker used by the notifd publisher. Empty resolves
	// the broker from the database, "none" disables the transport.
	NotifdURL string `yaml:"notifd_url"`
	// ZmqBind is the listen address of the event sockets, "none" disables
	// the transport.
	ZmqBind string `yaml:"zmq_bind"`
	PubHWM  int    `yaml:"pub_hwm"`
	SubHWM  int    `yaml:"sub_hwm"`
	// McastRate in kbit/s.
	McastRate         int           `yaml:"mcast_rate"`
	McastIvl          time.Duration `yaml:"mcast_ivl"`
	AutoAlarmOnChange bool          `yaml:"auto_alarm_on_change"`
}

// Polling configures the polling thread.
type Polling struct {
	DefaultDepth int `yaml:"default_depth"`
}

// Device declares a simulated device served by the process.
type Device struct {
	Name       string      `yaml:"name"`
	Class      string      `yaml:"class"`
	IDL        int         `yaml:"idl"`
	Attributes []Attribute `yaml:"attributes"`
}

// Attribute declares one attribute of a Device.
type Attribute struct {
	Name     string     `yaml:"name"`
	Type     string     `yaml:"type"`
	Format   string     `yaml:"format"`
	Writable bool       `yaml:"writable"`
	Initial  StringList `yaml:"initial"`
	// Properties are stored as attribute properties at startup.
	Properties map[string]StringList `yaml:"properties"`
	Polling    time.Duration         `yaml:"polling"`
	// Push lists the events the device code pushes itself: change,
	// archive, alarm, data_ready.
	Push []string `yaml:"push"`
	// Detect runs detection on pushed change, archive and alarm events.
	Detect bool `yaml:"detect"`
	// Increment adds an Increment command stepping this attribute.
	Increment float64 `yaml:"increment"`
	// Fwd is the "device/attribute" root of a forwarded attribute.
	Fwd string `yaml:"fwd"`
}

// Log configures logging.
type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Metrics configures the metrics and health listener. Empty disables it.
type Metrics struct {
	Addr string `yaml:"addr"`
}

// StringList decodes a scalar or a sequence of scalars.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = StringList{node.Value}
		return nil
	case yaml.SequenceNode:
		out := make(StringList, 0, len(node.Content))
		for _, n := range node.Content {
			if n.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: expected a scalar", n.Line)
			}
			out = append(out, n.Value)
		}
		*l = out
		return nil
	}
	return fmt.Errorf("line %d: expected a scalar or a list", node.Line)
}

// Default returns the configuration used for missing fields.
func Default() *Config {
	return &Config{
		Server: Server{
			TangoHost: os.Getenv(EnvTangoHost),
		},
		Database: Database{
			Addr:         ":10000",
			DataDir:      "./tango-data",
			StartRetries: database.DefaultStartRetries,
			RetryDelay:   database.DefaultRetryDelay,
		},
		Events: Events{
			HeartbeatThreshold:  event.DefaultHeartbeatThreshold,
			HeartbeatPollPeriod: polling.DefaultHeartbeatPeriod,
			HeartbeatTimeout:    event.DefaultHeartbeatTimeout,
			KeepAlivePeriod:     event.DefaultKeepAlivePeriod,
			ResubscribePeriod:   event.DefaultResubscribePeriod,
			MonitorTimeout:      event.DefaultMonitorTimeout,
			ZmqBind:             ":0",
			PubHWM:              zmq.DefaultHWM,
			SubHWM:              zmq.DefaultHWM,
			McastRate:           zmq.DefaultMcastRate,
			McastIvl:            zmq.DefaultMcastIvl * time.Second,
		},
		Polling: Polling{DefaultDepth: pollring.DefaultDepth},
		Log:     Log{Level: "info"},
	}
}

// Load reads a YAML file over Default and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result. Unknown
// fields are errors.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if len(c.Devices) > 0 && c.Server.Name == "" {
		add("server.name is required to serve devices")
	}
	if c.Server.Name != "" && strings.Count(c.Server.Name, "/") != 1 {
		add("server.name %q must be executable/instance", c.Server.Name)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}
	if c.Database.StartRetries < 0 {
		add("database.start_retries must not be negative")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		add("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}

	ev := c.Events
	for name, d := range map[string]time.Duration{
		"heartbeat_threshold":   ev.HeartbeatThreshold,
		"heartbeat_poll_period": ev.HeartbeatPollPeriod,
		"heartbeat_timeout":     ev.HeartbeatTimeout,
		"keep_alive_period":     ev.KeepAlivePeriod,
		"resubscribe_period":    ev.ResubscribePeriod,
		"monitor_timeout":       ev.MonitorTimeout,
	} {
		if d <= 0 {
			add("events.%s must be positive", name)
		}
	}
	if ev.HeartbeatTimeout > 0 && ev.HeartbeatTimeout < ev.HeartbeatPollPeriod {
		add("events.heartbeat_timeout %s is shorter than the heartbeat period %s",
			ev.HeartbeatTimeout, ev.HeartbeatPollPeriod)
	}
	if ev.McastRate < 0 || ev.McastIvl < 0 || ev.PubHWM < 0 || ev.SubHWM < 0 {
		add("events queue and multicast parameters must not be negative")
	}
	if c.Polling.DefaultDepth < 0 {
		add("polling.default_depth must not be negative")
	}

	seen := make(map[string]bool)
	for i, d := range c.Devices {
		name := strings.ToLower(d.Name)
		if strings.Count(name, "/") != 2 {
			add("devices[%d]: name %q must be domain/family/member", i, d.Name)
		}
		if seen[name] {
			add("devices[%d]: duplicate device %s", i, d.Name)
		}
		seen[name] = true
		if d.IDL < 0 || d.IDL > event.ClientRelease {
			add("devices[%d]: idl %d out of range", i, d.IDL)
		}
		for j, a := range d.Attributes {
			errs = append(errs, a.validate(fmt.Sprintf("devices[%d].attributes[%d]", i, j))...)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (a Attribute) validate(path string) []string {
	var errs []string
	if a.Name == "" {
		errs = append(errs, path+": name is required")
	}
	if _, err := types.ParseDataType(a.Type); err != nil {
		errs = append(errs, fmt.Sprintf("%s: %v", path, err))
	}
	if _, err := types.ParseDataFormat(a.Format); err != nil {
		errs = append(errs, fmt.Sprintf("%s: %v", path, err))
	}
	if a.Polling != 0 && a.Polling < polling.MinPeriod {
		errs = append(errs, fmt.Sprintf("%s: polling %s below %s", path, a.Polling, polling.MinPeriod))
	}
	for _, p := range a.Push {
		switch strings.ToLower(p) {
		case event.ChangeEvent, event.ArchiveEvent, event.AlarmEvent, event.DataReadyEvent:
		default:
			errs = append(errs, fmt.Sprintf("%s: cannot push %q", path, p))
		}
	}
	if a.Fwd != "" && strings.Count(a.Fwd, "/") != 3 {
		errs = append(errs, fmt.Sprintf("%s: fwd %q must be domain/family/member/attribute", path, a.Fwd))
	}
	return errs
}

// PropertyValues returns the declared properties as types.Properties.
func (a Attribute) PropertyValues() types.Properties {
	out := make(types.Properties, len(a.Properties))
	for k, v := range a.Properties {
		out[strings.ToLower(k)] = []string(v)
	}
	return out
}

// Prefix returns the "tango://host:port/" under which the server runs.
func (c *Config) Prefix() string {
	if c.Server.TangoHost == "" {
		return ""
	}
	return "tango://" + strings.ToLower(c.Server.TangoHost) + "/"
}
