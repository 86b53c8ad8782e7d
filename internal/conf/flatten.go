package conf

import (
	"fmt"
	"time"

	"github.com/srg/blecd/internal/conv"
	"github.com/srg/blecd/internal/device"
)

// defaultPollDelay applies when a service carries no default_delay.
const defaultPollDelay = 60 * time.Second

// CharacteristicSpec is one fully resolved characteristic: service defaults
// folded in, UUIDs normalized. Immutable after load.
type CharacteristicSpec struct {
	ServiceUUID string
	ServiceName string
	UUID        string
	Name        string

	Mode        AccessMode
	Delay       time.Duration
	HistorySize int
	Converter   conv.Converter
	Metrics     *MetricSpec
	MQTT        *MQTTPublishSpec
}

// PeripheralSpec is one flattened peripheral configuration: the match rule
// set plus an index over its resolved characteristics.
type PeripheralSpec struct {
	Name       string
	Adapter    *Filter
	DeviceID   *Filter
	DeviceName *Filter

	// Chars preserves configuration order, which decides first-match-wins
	// semantics downstream.
	Chars []*CharacteristicSpec

	index map[string]*CharacteristicSpec
}

// Matches tests a scanned peripheral against the rule set. Absent filters
// match anything; a name filter with no advertised name does not match.
func (p *PeripheralSpec) Matches(adapterID, deviceID, deviceName string) bool {
	if p.Adapter != nil && !p.Adapter.Match(adapterID) {
		return false
	}
	if p.DeviceID != nil && !p.DeviceID.Match(deviceID) {
		return false
	}
	if p.DeviceName != nil {
		if deviceName == "" {
			return false
		}
		if !p.DeviceName.Match(deviceName) {
			return false
		}
	}
	return true
}

// MatchesAdapter tests only the adapter predicate.
func (p *PeripheralSpec) MatchesAdapter(adapterID string) bool {
	return p.Adapter == nil || p.Adapter.Match(adapterID)
}

// Lookup resolves a (service, characteristic) UUID pair.
func (p *PeripheralSpec) Lookup(serviceUUID, charUUID string) (*CharacteristicSpec, bool) {
	spec, ok := p.index[serviceUUID+"/"+charUUID]
	return spec, ok
}

// Flatten folds service defaults into each characteristic and builds the
// lookup index, normalizing every UUID.
func Flatten(cfg *Config) ([]*PeripheralSpec, error) {
	specs := make([]*PeripheralSpec, 0, len(cfg.Periphs))

	for _, p := range cfg.Periphs {
		if p.Name == "" {
			return nil, fmt.Errorf("peripheral without a name")
		}

		spec := &PeripheralSpec{
			Name:       p.Name,
			Adapter:    p.Adapter,
			DeviceID:   p.DeviceID,
			DeviceName: p.DeviceName,
			index:      make(map[string]*CharacteristicSpec),
		}

		for _, svc := range p.Services {
			svcUUIDs, err := device.ValidateUUID(svc.UUID)
			if err != nil {
				return nil, fmt.Errorf("peripheral %q: bad service uuid: %w", p.Name, err)
			}
			svcUUID := svcUUIDs[0]

			for _, ch := range svc.Characteristics {
				chUUIDs, err := device.ValidateUUID(ch.UUID)
				if err != nil {
					return nil, fmt.Errorf("peripheral %q service %q: bad characteristic uuid: %w",
						p.Name, svc.UUID, err)
				}

				cs := &CharacteristicSpec{
					ServiceUUID: svcUUID,
					ServiceName: svc.Name,
					UUID:        chUUIDs[0],
					Name:        ch.Name,
					Mode:        ch.Mode,
					Delay:       svc.DefaultDelay.Std(),
					HistorySize: svc.DefaultHistorySize,
					Converter:   ch.Converter,
					Metrics:     ch.Metrics,
					MQTT:        ch.MQTT,
				}
				if ch.Delay != nil {
					cs.Delay = ch.Delay.Std()
				}
				if ch.HistorySize != nil {
					cs.HistorySize = *ch.HistorySize
				}

				key := cs.ServiceUUID + "/" + cs.UUID
				if _, dup := spec.index[key]; dup {
					return nil, fmt.Errorf("peripheral %q: duplicate characteristic %s/%s",
						p.Name, svc.UUID, ch.UUID)
				}
				spec.index[key] = cs
				spec.Chars = append(spec.Chars, cs)
			}
		}

		specs = append(specs, spec)
	}

	return specs, nil
}
