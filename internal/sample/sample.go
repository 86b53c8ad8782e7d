// Package sample defines the fully qualified characteristic name and the
// decoded sample record that flows from sessions to the fanout sinks.
package sample

import (
	"fmt"
	"strings"
	"time"

	"github.com/srg/blecd/internal/conv"
)

// FQCN uniquely identifies a collected point: one characteristic on one
// peripheral reached through one adapter.
type FQCN struct {
	Adapter        string `json:"adapter"`
	Peripheral     string `json:"peripheral"`
	Service        string `json:"service"`
	Characteristic string `json:"characteristic"`
}

func (f FQCN) String() string {
	return fmt.Sprintf("%s::%s::%s:%s", f.Adapter, f.Peripheral, f.Service, f.Characteristic)
}

// Key returns the canonical map key for registries.
func (f FQCN) Key() string {
	return f.String()
}

// Clean returns a copy with every non-alphanumeric rune replaced by '_',
// suitable for topic segments and template contexts.
func (f FQCN) Clean() FQCN {
	return FQCN{
		Adapter:        CleanString(f.Adapter),
		Peripheral:     CleanString(f.Peripheral),
		Service:        CleanString(f.Service),
		Characteristic: CleanString(f.Characteristic),
	}
}

// WithCharacteristic returns a copy addressing another characteristic on the
// same adapter and peripheral.
func (f FQCN) WithCharacteristic(service, characteristic string) FQCN {
	f.Service = service
	f.Characteristic = characteristic
	return f
}

// CleanString replaces every rune outside [0-9A-Za-z] with '_'.
func CleanString(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			return r
		default:
			return '_'
		}
	}, s)
}

// Sample is one decoded reading for an FQCN.
type Sample struct {
	FQCN FQCN
	At   time.Time
	// Value is the decoded value; numeric values keep full precision until a
	// sink demands a float.
	Value conv.Value
	// Raw holds the octets exactly as the provider delivered them.
	Raw []byte
}
