package conf

import (
	"fmt"
	"sort"
	"strings"
)

// Validate rejects configurations that cannot run: broken converters, zero
// history sizes, non-positive poll delays, and (name, label-set) metric
// collisions across characteristics, which would silently interleave two
// series.
func Validate(cfg *Config, specs []*PeripheralSpec) error {
	if len(specs) == 0 {
		return fmt.Errorf("configuration declares no peripherals")
	}

	metricOwners := make(map[string]string)

	for _, p := range specs {
		if len(p.Chars) == 0 {
			return fmt.Errorf("peripheral %q declares no characteristics", p.Name)
		}

		for _, ch := range p.Chars {
			at := fmt.Sprintf("peripheral %q characteristic %s/%s", p.Name, ch.ServiceUUID, ch.UUID)

			if err := ch.Converter.Validate(); err != nil {
				return fmt.Errorf("%s: %w", at, err)
			}
			if ch.HistorySize < 1 {
				return fmt.Errorf("%s: history size must be at least 1", at)
			}
			if ch.Mode == ModePoll && ch.Delay <= 0 {
				return fmt.Errorf("%s: poll delay must be positive", at)
			}

			if ch.Metrics != nil {
				if ch.Metrics.Name == "" {
					return fmt.Errorf("%s: metric without a name", at)
				}
				key := metricIdentity(ch.Metrics)
				if owner, dup := metricOwners[key]; dup {
					return fmt.Errorf("%s: metric %q with identical labels already published by %s "+
						"(two characteristics would interleave one series)", at, ch.Metrics.Name, owner)
				}
				metricOwners[key] = at
			}

			if ch.MQTT != nil {
				if cfg.MQTT == nil {
					return fmt.Errorf("%s: publish_mqtt configured but no top-level mqtt broker", at)
				}
				if ch.MQTT.StateTopic == "" {
					return fmt.Errorf("%s: publish_mqtt without state_topic", at)
				}
				if d := ch.MQTT.Discovery; d != nil && d.ConfigTopic == "" {
					return fmt.Errorf("%s: discovery without config_topic", at)
				}
			}
		}
	}

	if cfg.MQTT != nil {
		if cfg.MQTT.BrokerURL == "" {
			return fmt.Errorf("mqtt section without broker_url")
		}
		if cfg.MQTT.QueueSize < 1 {
			return fmt.Errorf("mqtt queue_size must be at least 1")
		}
	}

	return nil
}

// metricIdentity canonicalizes (name, label-set) so collisions are detected
// regardless of label order.
func metricIdentity(m *MetricSpec) string {
	keys := make([]string, 0, len(m.Labels))
	for k := range m.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(m.Name)
	for _, k := range keys {
		b.WriteByte('\x00')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m.Labels[k])
	}
	return b.String()
}
