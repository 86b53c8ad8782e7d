// Package conf loads and validates the operator configuration: which
// peripherals to observe, how to decode their characteristics, and where to
// publish the decoded samples.
package conf

import (
	"fmt"
	"os"
	"strings"

	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"

	"github.com/srg/blecd/internal/conv"
	"github.com/srg/blecd/internal/tmpl"
)

// Config is the top-level document. The optional `templates` section is
// free-form: it exists so operators can park YAML anchors that the
// peripherals section aliases into discovery payloads.
type Config struct {
	HTTP      HTTPConfig          `yaml:"http"`
	MQTT      *MQTTConfig         `yaml:"mqtt"`
	Templates yaml.Node           `yaml:"templates"`
	Periphs   []*PeripheralConfig `yaml:"peripherals"`
}

// HTTPConfig configures the query/metrics listener.
type HTTPConfig struct {
	Listen string `yaml:"listen" default:"127.0.0.1:8091"`
}

func (c *HTTPConfig) UnmarshalYAML(node *yaml.Node) error {
	type raw HTTPConfig
	out := raw{}
	defaults.SetDefaults((*HTTPConfig)(&out))
	if err := node.Decode(&out); err != nil {
		return err
	}
	*c = HTTPConfig(out)
	return nil
}

// MQTTConfig configures the single broker connection.
type MQTTConfig struct {
	BrokerURL string `yaml:"broker_url"`
	ClientID  string `yaml:"client_id" default:"blecd"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	// QueueSize bounds the outbound publish queue. Pending publications
	// coalesce per characteristic and kind, newest wins; on overflow the
	// oldest queued publication is dropped.
	QueueSize int `yaml:"queue_size" default:"128"`
}

func (c *MQTTConfig) UnmarshalYAML(node *yaml.Node) error {
	type raw MQTTConfig
	out := raw{}
	defaults.SetDefaults((*MQTTConfig)(&out))
	if err := node.Decode(&out); err != nil {
		return err
	}
	*c = MQTTConfig(out)
	return nil
}

// PeripheralConfig is one match rule set plus the services to collect from
// matching peripherals. Absent filters match anything, so omitting
// `adapter` means "any adapter".
type PeripheralConfig struct {
	Name       string           `yaml:"name"`
	Adapter    *Filter          `yaml:"adapter"`
	DeviceID   *Filter          `yaml:"device_id"`
	DeviceName *Filter          `yaml:"device_name"`
	Services   []*ServiceConfig `yaml:"services"`
}

// ServiceConfig is one GATT service with per-service defaults that its
// characteristics may override.
type ServiceConfig struct {
	Name               string                  `yaml:"name"`
	UUID               string                  `yaml:"uuid"`
	DefaultDelay       Duration                `yaml:"default_delay"`
	DefaultHistorySize int                     `yaml:"default_history_size" default:"10"`
	Characteristics    []*CharacteristicConfig `yaml:"characteristics"`
}

func (c *ServiceConfig) UnmarshalYAML(node *yaml.Node) error {
	type raw ServiceConfig
	out := raw{}
	defaults.SetDefaults((*ServiceConfig)(&out))
	if err := node.Decode(&out); err != nil {
		return err
	}
	if out.DefaultDelay == 0 {
		out.DefaultDelay = Duration(defaultPollDelay)
	}
	*c = ServiceConfig(out)
	return nil
}

// AccessMode says whether a characteristic is notification-driven or
// polled.
type AccessMode int

const (
	ModeSubscribe AccessMode = iota
	ModePoll
)

func (m AccessMode) String() string {
	if m == ModePoll {
		return "Poll"
	}
	return "Subscribe"
}

// CharacteristicConfig is written as a tagged mapping, `!Subscribe {...}`
// or `!Poll {...}`.
type CharacteristicConfig struct {
	Mode        AccessMode
	UUID        string
	Name        string
	Delay       *Duration
	HistorySize *int
	Converter   conv.Converter
	Metrics     *MetricSpec
	MQTT        *MQTTPublishSpec
}

// characteristicBody is the YAML shape shared by both access modes.
type characteristicBody struct {
	UUID        string           `yaml:"uuid"`
	Name        string           `yaml:"name"`
	Delay       *Duration        `yaml:"delay"`
	HistorySize *int             `yaml:"history_size"`
	Converter   conv.Converter   `yaml:"converter"`
	Metrics     *MetricSpec      `yaml:"publish_metrics"`
	MQTT        *MQTTPublishSpec `yaml:"publish_mqtt"`
}

func (c *CharacteristicConfig) UnmarshalYAML(node *yaml.Node) error {
	switch node.Tag {
	case "!Subscribe":
		c.Mode = ModeSubscribe
	case "!Poll":
		c.Mode = ModePoll
	default:
		return fmt.Errorf("characteristic must be tagged !Subscribe or !Poll, got %q", node.Tag)
	}

	var body characteristicBody
	if err := node.Decode(&body); err != nil {
		return fmt.Errorf("characteristic %s: %w", node.Tag, err)
	}

	c.UUID = body.UUID
	c.Name = body.Name
	c.Delay = body.Delay
	c.HistorySize = body.HistorySize
	c.Converter = body.Converter
	c.Metrics = body.Metrics
	c.MQTT = body.MQTT
	return nil
}

// MetricType selects the Prometheus metric flavor.
type MetricType int

const (
	MetricGauge MetricType = iota
	MetricCounter
	MetricHistogram
)

func (t MetricType) String() string {
	return [...]string{"gauge", "counter", "histogram"}[t]
}

func (t *MetricType) UnmarshalYAML(node *yaml.Node) error {
	switch strings.ToLower(node.Value) {
	case "gauge":
		*t = MetricGauge
	case "counter":
		*t = MetricCounter
	case "histogram":
		*t = MetricHistogram
	default:
		return fmt.Errorf("unknown metric type %q (want gauge, counter or histogram)", node.Value)
	}
	return nil
}

// MetricSpec configures Prometheus publication for one characteristic. The
// metric name is operator-supplied; the FQCN is deliberately not a label.
type MetricSpec struct {
	Type        MetricType        `yaml:"type"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Unit        string            `yaml:"unit"`
	Labels      map[string]string `yaml:"labels"`
}

// QoS is the MQTT quality-of-service level.
type QoS byte

const (
	AtMostOnce  QoS = 0
	AtLeastOnce QoS = 1
	ExactlyOnce QoS = 2
)

func (q *QoS) UnmarshalYAML(node *yaml.Node) error {
	switch node.Value {
	case "AtMostOnce", "at_most_once", "0":
		*q = AtMostOnce
	case "AtLeastOnce", "at_least_once", "1", "":
		*q = AtLeastOnce
	case "ExactlyOnce", "exactly_once", "2":
		*q = ExactlyOnce
	default:
		return fmt.Errorf("unknown qos %q", node.Value)
	}
	return nil
}

// MQTTPublishSpec configures state (and optionally discovery) publication
// for one characteristic. Topics may embed template expressions.
type MQTTPublishSpec struct {
	StateTopic string         `yaml:"state_topic"`
	Unit       string         `yaml:"unit"`
	Retain     bool           `yaml:"retain"`
	QoS        QoS            `yaml:"qos"`
	Discovery  *DiscoverySpec `yaml:"discovery"`
}

func (s *MQTTPublishSpec) UnmarshalYAML(node *yaml.Node) error {
	type raw MQTTPublishSpec
	out := raw{QoS: AtLeastOnce}
	if err := node.Decode(&out); err != nil {
		return err
	}
	*s = MQTTPublishSpec(out)
	return nil
}

// DiscoverySpec is the Home-Assistant style announcement: an evaluated
// free-form payload published once per characteristic per broker session.
type DiscoverySpec struct {
	ConfigTopic string     `yaml:"config_topic"`
	Retain      *bool      `yaml:"retain"`
	QoS         *QoS       `yaml:"qos"`
	Payload     *tmpl.Node `yaml:"payload"`
}

// Load reads, decodes, flattens and validates a configuration file.
func Load(path string) (*Config, []*PeripheralSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates configuration bytes.
func Parse(data []byte) (*Config, []*PeripheralSpec, error) {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config: %w", err)
	}

	specs, err := Flatten(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := Validate(cfg, specs); err != nil {
		return nil, nil, err
	}
	return cfg, specs, nil
}
