// Package goble implements the device provider interfaces on top of
// github.com/go-ble/ble for Linux HCI adapters.
package goble

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecd/internal/device"
)

// DeviceFactory creates a ble.Device for an HCI index. It is a variable so
// tests and other platforms can override it.
var DeviceFactory = newHCIDevice

// Provider exposes a fixed set of HCI adapters named hci0, hci1, ...
type Provider struct {
	adapterIDs []string
	logger     *logrus.Logger
}

// NewProvider creates a provider for the named adapters (e.g. ["hci0"]).
func NewProvider(adapterIDs []string, logger *logrus.Logger) *Provider {
	if logger == nil {
		logger = logrus.New()
	}
	if len(adapterIDs) == 0 {
		adapterIDs = []string{"hci0"}
	}
	return &Provider{adapterIDs: adapterIDs, logger: logger}
}

// Adapters opens every configured HCI adapter. Adapters that fail to open
// are logged and skipped; only a total failure is an error.
func (p *Provider) Adapters(_ context.Context) ([]device.Adapter, error) {
	var out []device.Adapter
	for _, id := range p.adapterIDs {
		idx, err := hciIndex(id)
		if err != nil {
			return nil, err
		}

		dev, err := DeviceFactory(idx)
		if err != nil {
			p.logger.WithError(err).WithField("adapter", id).Error("Failed to open HCI adapter")
			continue
		}

		p.logger.WithField("adapter", id).Info("Opened HCI adapter")
		out = append(out, &Adapter{id: id, dev: dev, logger: p.logger})
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no usable BLE adapter among %v", p.adapterIDs)
	}
	return out, nil
}

// hciIndex parses "hci0" -> 0.
func hciIndex(id string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(id, "hci"))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid adapter name %q (want hciN)", id)
	}
	return n, nil
}

// bleAdvertisement adapts ble.Advertisement to device.Advertisement.
type bleAdvertisement struct {
	adv blelib.Advertisement
}

func (a *bleAdvertisement) Addr() string { return strings.ToUpper(a.adv.Addr().String()) }
func (a *bleAdvertisement) LocalName() string { return a.adv.LocalName() }
func (a *bleAdvertisement) RSSI() int { return a.adv.RSSI() }
func (a *bleAdvertisement) Connectable() bool { return a.adv.Connectable() }

func (a *bleAdvertisement) Services() []string {
	uuids := a.adv.Services()
	out := make([]string, 0, len(uuids))
	for _, u := range uuids {
		out = append(out, device.NormalizeUUID(u.String()))
	}
	return out
}
