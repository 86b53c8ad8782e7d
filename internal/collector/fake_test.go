package collector

import (
	"context"
	"fmt"
	"sync"

	"github.com/srg/blecd/internal/device"
)

// In-memory provider fakes used across the collector tests.

type fakeAdv struct {
	addr string
	name string
}

func (a fakeAdv) Addr() string { return a.addr }
func (a fakeAdv) LocalName() string { return a.name }
func (a fakeAdv) RSSI() int { return -40 }
func (a fakeAdv) Connectable() bool { return true }
func (a fakeAdv) Services() []string { return nil }

type fakeProvider struct {
	adapters []device.Adapter
}

func (p *fakeProvider) Adapters(context.Context) ([]device.Adapter, error) {
	return p.adapters, nil
}

// fakeAdapter delivers advertisements pushed by the test and hands out
// fresh fakePeripheral instances on every connect.
type fakeAdapter struct {
	id  string
	adv chan device.Advertisement

	mu         sync.Mutex
	template   *peripheralTemplate
	current    *fakePeripheral
	connects   int
	connectErr error
}

// peripheralTemplate describes the peripheral every Connect materializes.
type peripheralTemplate struct {
	services []device.Service
	reads    map[string][]byte
	readErr  map[string]error
}

func newFakeAdapter(id string) *fakeAdapter {
	return &fakeAdapter{
		id:  id,
		adv: make(chan device.Advertisement, 16),
	}
}

func (a *fakeAdapter) ID() string { return a.id }

func (a *fakeAdapter) advertise(addr, name string) {
	a.adv <- fakeAdv{addr: addr, name: name}
}

func (a *fakeAdapter) Scan(ctx context.Context, _ bool, handler func(device.Advertisement)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case adv := <-a.adv:
			handler(adv)
		}
	}
}

func (a *fakeAdapter) Connect(_ context.Context, addr string) (device.Peripheral, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.connects++
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	if a.template == nil {
		return nil, fmt.Errorf("no peripheral template for %s", addr)
	}

	p := &fakePeripheral{
		addr:       addr,
		services:   a.template.services,
		reads:      a.template.reads,
		readErr:    a.template.readErr,
		notif:      make(chan device.Notification, 16),
		done:       make(chan struct{}),
		subscribed: make(map[string]bool),
	}
	a.current = p
	return p, nil
}

func (a *fakeAdapter) peripheral() *fakePeripheral {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *fakeAdapter) connectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

type fakePeripheral struct {
	addr     string
	services []device.Service

	mu         sync.Mutex
	reads      map[string][]byte
	readErr    map[string]error
	writes     map[string][]byte
	subscribed map[string]bool

	notif chan device.Notification
	done  chan struct{}
	once  sync.Once
}

func (p *fakePeripheral) Addr() string { return p.addr }

func (p *fakePeripheral) DiscoverServices(context.Context) ([]device.Service, error) {
	return p.services, nil
}

func (p *fakePeripheral) Read(_ context.Context, service, characteristic string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := service + "/" + characteristic
	if err, ok := p.readErr[key]; ok && err != nil {
		return nil, err
	}
	value, ok := p.reads[key]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, characteristic}}
	}
	return value, nil
}

func (p *fakePeripheral) Write(_ context.Context, service, characteristic string, value []byte, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writes == nil {
		p.writes = make(map[string][]byte)
	}
	p.writes[service+"/"+characteristic] = value
	return nil
}

func (p *fakePeripheral) writtenValue(service, characteristic string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes[service+"/"+characteristic]
}

func (p *fakePeripheral) Subscribe(_ context.Context, service, characteristic string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribed[service+"/"+characteristic] = true
	return nil
}

func (p *fakePeripheral) isSubscribed(service, characteristic string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribed[service+"/"+characteristic]
}

func (p *fakePeripheral) notify(service, characteristic string, value []byte) {
	p.notif <- device.Notification{Service: service, Characteristic: characteristic, Value: value}
}

func (p *fakePeripheral) Notifications() <-chan device.Notification { return p.notif }

func (p *fakePeripheral) Disconnected() <-chan struct{} { return p.done }

func (p *fakePeripheral) dropLink() {
	p.once.Do(func() { close(p.done) })
}

func (p *fakePeripheral) Disconnect() error {
	p.dropLink()
	return nil
}

// fakeService / fakeChar build the discovered topology.

type fakeService struct {
	uuid  string
	chars []device.Characteristic
}

func (s fakeService) UUID() string { return s.uuid }
func (s fakeService) Characteristics() []device.Characteristic { return s.chars }

type fakeChar struct {
	uuid  string
	props device.Properties
}

func (c fakeChar) UUID() string { return c.uuid }
func (c fakeChar) Properties() device.Properties { return c.props }
