package goble

import (
	"context"
	"fmt"
	"sync"

	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecd/internal/device"
	"github.com/srg/blecd/internal/ring"
)

// notificationBufferSize bounds the per-peripheral notification stream; a
// stalled consumer drops the oldest pushes instead of blocking the HCI
// event loop.
const notificationBufferSize = 256

// Peripheral wraps one dialed ble.Client.
type Peripheral struct {
	addr   string
	client blelib.Client
	logger *logrus.Logger

	mu      sync.Mutex
	profile *blelib.Profile

	notif *ring.RingChannel[device.Notification]
	done  chan struct{}
	once  sync.Once
}

func newPeripheral(addr string, client blelib.Client, logger *logrus.Logger) *Peripheral {
	p := &Peripheral{
		addr:   addr,
		client: client,
		logger: logger,
		notif:  ring.NewRingChannel[device.Notification](notificationBufferSize),
		done:   make(chan struct{}),
	}

	go func() {
		<-client.Disconnected()
		p.close()
	}()

	return p
}

// close marks the link gone. The notification channel is left open so a
// late HCI callback can never hit a closed channel; consumers select on
// Disconnected instead.
func (p *Peripheral) close() {
	p.once.Do(func() {
		close(p.done)
	})
}

func (p *Peripheral) Addr() string { return p.addr }

// DiscoverServices resolves and caches the GATT profile.
func (p *Peripheral) DiscoverServices(_ context.Context) ([]device.Service, error) {
	profile, err := p.client.DiscoverProfile(true)
	if err != nil {
		return nil, fmt.Errorf("profile discovery for %s failed: %w", p.addr, device.NormalizeError(err))
	}

	p.mu.Lock()
	p.profile = profile
	p.mu.Unlock()

	out := make([]device.Service, 0, len(profile.Services))
	for _, svc := range profile.Services {
		out = append(out, &bleService{svc: svc})
	}
	return out, nil
}

// findCharacteristic resolves a (service, characteristic) pair against the
// cached profile.
func (p *Peripheral) findCharacteristic(service, characteristic string) (*blelib.Characteristic, error) {
	p.mu.Lock()
	profile := p.profile
	p.mu.Unlock()

	if profile == nil {
		return nil, fmt.Errorf("%w: services not discovered for %s", device.ErrNotInitialized, p.addr)
	}

	wantSvc := device.NormalizeUUID(service)
	wantChr := device.NormalizeUUID(characteristic)

	for _, svc := range profile.Services {
		if device.NormalizeUUID(svc.UUID.String()) != wantSvc {
			continue
		}
		for _, chr := range svc.Characteristics {
			if device.NormalizeUUID(chr.UUID.String()) == wantChr {
				return chr, nil
			}
		}
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, characteristic}}
	}
	return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
}

func (p *Peripheral) Read(_ context.Context, service, characteristic string) ([]byte, error) {
	chr, err := p.findCharacteristic(service, characteristic)
	if err != nil {
		return nil, err
	}

	value, err := p.client.ReadCharacteristic(chr)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s on %s failed: %w",
			device.ShortenUUID(service), device.ShortenUUID(characteristic), p.addr, device.NormalizeError(err))
	}
	return value, nil
}

func (p *Peripheral) Write(_ context.Context, service, characteristic string, value []byte, withResponse bool) error {
	chr, err := p.findCharacteristic(service, characteristic)
	if err != nil {
		return err
	}

	if err := p.client.WriteCharacteristic(chr, value, !withResponse); err != nil {
		return fmt.Errorf("write %s/%s on %s failed: %w",
			device.ShortenUUID(service), device.ShortenUUID(characteristic), p.addr, device.NormalizeError(err))
	}
	return nil
}

// Subscribe enables notifications (or indications when the characteristic
// only supports those) and routes pushes onto the shared stream.
func (p *Peripheral) Subscribe(_ context.Context, service, characteristic string) error {
	chr, err := p.findCharacteristic(service, characteristic)
	if err != nil {
		return err
	}

	useIndication := chr.Property&blelib.CharNotify == 0 && chr.Property&blelib.CharIndicate != 0

	svcUUID := device.NormalizeUUID(service)
	chrUUID := device.NormalizeUUID(characteristic)

	err = p.client.Subscribe(chr, useIndication, func(data []byte) {
		select {
		case <-p.done:
			return
		default:
		}
		value := make([]byte, len(data))
		copy(value, data)
		if _, dropped := p.notif.ForceSend(device.Notification{
			Service:        svcUUID,
			Characteristic: chrUUID,
			Value:          value,
		}); dropped {
			p.logger.WithFields(logrus.Fields{
				"address":        p.addr,
				"characteristic": device.ShortenUUID(chrUUID),
			}).Warn("Notification buffer full, dropped oldest")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s/%s on %s failed: %w",
			device.ShortenUUID(service), device.ShortenUUID(characteristic), p.addr, device.NormalizeError(err))
	}
	return nil
}

func (p *Peripheral) Notifications() <-chan device.Notification {
	return p.notif.C()
}

func (p *Peripheral) Disconnected() <-chan struct{} {
	return p.done
}

func (p *Peripheral) Disconnect() error {
	err := p.client.CancelConnection()
	p.close()
	if err != nil {
		return fmt.Errorf("disconnect from %s failed: %w", p.addr, device.NormalizeError(err))
	}
	return nil
}

// bleService adapts ble.Service.
type bleService struct {
	svc *blelib.Service
}

func (s *bleService) UUID() string {
	return device.NormalizeUUID(s.svc.UUID.String())
}

func (s *bleService) Characteristics() []device.Characteristic {
	out := make([]device.Characteristic, 0, len(s.svc.Characteristics))
	for _, chr := range s.svc.Characteristics {
		out = append(out, &bleCharacteristic{chr: chr})
	}
	return out
}

// bleCharacteristic adapts ble.Characteristic.
type bleCharacteristic struct {
	chr *blelib.Characteristic
}

func (c *bleCharacteristic) UUID() string {
	return device.NormalizeUUID(c.chr.UUID.String())
}

func (c *bleCharacteristic) Properties() device.Properties {
	return device.Properties{
		Read:     c.chr.Property&blelib.CharRead != 0,
		Write:    c.chr.Property&blelib.CharWrite != 0,
		Notify:   c.chr.Property&blelib.CharNotify != 0,
		Indicate: c.chr.Property&blelib.CharIndicate != 0,
	}
}
