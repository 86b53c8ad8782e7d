package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecd/internal/device"
)

// Adapter wraps one opened ble.Device.
type Adapter struct {
	id     string
	dev    blelib.Device
	logger *logrus.Logger
}

func (a *Adapter) ID() string { return a.id }

// Scan runs a continuous scan until ctx is cancelled. Context cancellation
// is a clean stop, not an error.
func (a *Adapter) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	err := a.dev.Scan(ctx, allowDup, func(adv blelib.Advertisement) {
		handler(&bleAdvertisement{adv: adv})
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("scan on %s failed: %w", a.id, device.NormalizeError(err))
	}
	return nil
}

// Connect dials a peripheral by address.
func (a *Adapter) Connect(ctx context.Context, addr string) (device.Peripheral, error) {
	a.logger.WithFields(logrus.Fields{
		"adapter": a.id,
		"address": addr,
	}).Debug("Dialing peripheral")

	client, err := a.dev.Dial(ctx, blelib.NewAddr(strings.ToLower(addr)))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s via %s: %w", addr, a.id, device.NormalizeError(err))
	}

	return newPeripheral(addr, client, a.logger), nil
}
