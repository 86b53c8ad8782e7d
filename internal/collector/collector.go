// Package collector is the collection engine: per-peripheral sessions,
// per-adapter supervisors and the root that owns the shared registries.
package collector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/srg/blecd/internal/conf"
	"github.com/srg/blecd/internal/device"
	"github.com/srg/blecd/internal/metrics"
	"github.com/srg/blecd/internal/mqttpub"
	"github.com/srg/blecd/internal/store"
	"github.com/srg/blecd/internal/tmpl"
)

// Collector is the root: it loads registries once, enumerates adapters and
// supervises the whole fabric. All views it exposes are read-only.
type Collector struct {
	cfg   *conf.Config
	specs []*conf.PeripheralSpec
	log   *logrus.Logger

	provider device.Provider

	samples    *store.Store
	registry   *prometheus.Registry
	metricsPub *metrics.Publisher
	engine     *metrics.Engine
	mqtt       *mqttpub.Publisher
	fanout     *Fanout

	sessions *sessionRegistry
	adapters map[string]device.Adapter
}

// New builds a Collector and its shared registries. Configuration must
// already be validated.
func New(cfg *conf.Config, specs []*conf.PeripheralSpec, provider device.Provider, logger *logrus.Logger) *Collector {
	if logger == nil {
		logger = logrus.New()
	}

	registry := prometheus.NewRegistry()
	engine := metrics.NewEngine(registry)
	samples := store.New()
	metricsPub := metrics.NewPublisher(registry, logger)

	var mqtt *mqttpub.Publisher
	if cfg.MQTT != nil {
		mqtt = mqttpub.New(cfg.MQTT, tmpl.NewEvaluator(logger), engine, logger)
	}

	return &Collector{
		cfg:        cfg,
		specs:      specs,
		log:        logger,
		provider:   provider,
		samples:    samples,
		registry:   registry,
		metricsPub: metricsPub,
		engine:     engine,
		mqtt:       mqtt,
		fanout:     NewFanout(samples, metricsPub, engine, mqtt, logger),
		sessions:   newSessionRegistry(),
		adapters:   make(map[string]device.Adapter),
	}
}

// Registry exposes the Prometheus registry for the scrape endpoint.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Run enumerates adapters and supervises everything until ctx is
// cancelled. Adapter enumeration failure is fatal; everything after that
// is handled by restarts.
func (c *Collector) Run(ctx context.Context) error {
	adapters, err := c.provider.Adapters(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate BLE adapters: %w", err)
	}
	for _, a := range adapters {
		c.adapters[a.ID()] = a
	}

	g, ctx := errgroup.WithContext(ctx)

	if c.mqtt != nil {
		g.Go(func() error {
			c.superviseTask(ctx, "mqtt-publisher", func(ctx context.Context) {
				_ = c.mqtt.Run(ctx)
			})
			return nil
		})
	}

	for _, a := range adapters {
		a := a
		sv := newSupervisor(a, c.specs, c.sessions, c.fanout, c.engine, c.samples, c.log)
		g.Go(func() error {
			c.superviseTask(ctx, "supervisor/"+a.ID(), sv.run)
			return nil
		})
	}

	c.log.WithField("adapters", len(adapters)).Info("Collector running")
	return g.Wait()
}

// superviseTask keeps a task alive: panics are caught at the boundary and
// the task is respawned with the same backoff policy as provider errors.
func (c *Collector) superviseTask(ctx context.Context, name string, fn func(context.Context)) {
	backoff := defaultBackoff()
	attempt := 0

	for {
		panicked := c.runGuarded(ctx, name, fn)
		if ctx.Err() != nil {
			return
		}
		if !panicked {
			// clean return with a live context means the task is done
			return
		}
		if !sleep(ctx, backoff.Next(attempt)) {
			return
		}
		attempt++
	}
}

func (c *Collector) runGuarded(ctx context.Context, name string, fn func(context.Context)) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			c.log.WithFields(logrus.Fields{
				"task":  name,
				"panic": fmt.Sprintf("%v", r),
			}).Error("Task panicked, respawning after backoff")
		}
	}()
	fn(ctx)
	return false
}

// AdapterInfo is one row of the adapters listing.
type AdapterInfo struct {
	ID       string `json:"id"`
	State    string `json:"state"`
	Sessions int    `json:"sessions"`
}

// ListAdapters reports every adapter and its live session count.
func (c *Collector) ListAdapters() []AdapterInfo {
	counts := make(map[string]int)
	c.sessions.each(func(s *Session) bool {
		if s.State() != StateRetired {
			counts[s.AdapterID()]++
		}
		return true
	})

	out := make([]AdapterInfo, 0, len(c.adapters))
	for id := range c.adapters {
		out = append(out, AdapterInfo{ID: id, State: "up", Sessions: counts[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CharacteristicStatus is one characteristic in a describe response.
type CharacteristicStatus struct {
	Service        string `json:"service"`
	Characteristic string `json:"characteristic"`
	Name           string `json:"name,omitempty"`
	Mode           string `json:"mode"`
	Status         string `json:"status"`
}

// SessionDescription is one tracked peripheral in a describe response.
type SessionDescription struct {
	Peripheral      string                 `json:"peripheral"`
	Name            string                 `json:"name,omitempty"`
	Config          string                 `json:"config"`
	State           string                 `json:"state"`
	Characteristics []CharacteristicStatus `json:"characteristics"`
}

// AdapterDescription is one adapter's topology snapshot.
type AdapterDescription struct {
	ID       string               `json:"id"`
	Sessions []SessionDescription `json:"sessions"`
}

// Describe snapshots the per-adapter topology, including characteristics
// that are configured but unavailable.
func (c *Collector) Describe() []AdapterDescription {
	byAdapter := make(map[string][]SessionDescription)

	c.sessions.each(func(s *Session) bool {
		statuses := s.CharStatuses()

		desc := SessionDescription{
			Peripheral: s.Addr(),
			Name:       s.Name(),
			Config:     s.spec.Name,
			State:      s.State().String(),
		}
		for _, ch := range s.spec.Chars {
			desc.Characteristics = append(desc.Characteristics, CharacteristicStatus{
				Service:        ch.ServiceUUID,
				Characteristic: ch.UUID,
				Name:           ch.Name,
				Mode:           ch.Mode.String(),
				Status:         statuses[ch.ServiceUUID+"/"+ch.UUID],
			})
		}
		byAdapter[s.AdapterID()] = append(byAdapter[s.AdapterID()], desc)
		return true
	})

	out := make([]AdapterDescription, 0, len(c.adapters))
	for id := range c.adapters {
		sessions := byAdapter[id]
		sort.Slice(sessions, func(i, j int) bool { return sessions[i].Peripheral < sessions[j].Peripheral })
		out = append(out, AdapterDescription{ID: id, Sessions: sessions})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot returns the full sample registry.
func (c *Collector) Snapshot() []store.PeripheralSnapshot {
	return c.samples.Snapshot()
}

// session resolves the live session for an (adapter, peripheral) pair.
func (c *Collector) session(adapter, peripheral string) (*Session, error) {
	s, ok := c.sessions.get(peripheral)
	if !ok || s.State() == StateRetired {
		return nil, fmt.Errorf("no session for peripheral %s", peripheral)
	}
	if s.AdapterID() != adapter {
		return nil, fmt.Errorf("peripheral %s is tracked via %s, not %s", peripheral, s.AdapterID(), adapter)
	}
	return s, nil
}

// Read crosses into the owning session to read a characteristic. It may
// queue behind in-flight GATT operations on that peripheral.
func (c *Collector) Read(ctx context.Context, adapter, peripheral, service, characteristic string) ([]byte, error) {
	s, err := c.session(adapter, peripheral)
	if err != nil {
		return nil, err
	}
	return s.Read(ctx, service, characteristic)
}

// Write crosses into the owning session to write a characteristic.
func (c *Collector) Write(ctx context.Context, adapter, peripheral, service, characteristic string, value []byte, withResponse bool) error {
	s, err := c.session(adapter, peripheral)
	if err != nil {
		return err
	}
	return s.Write(ctx, service, characteristic, value, withResponse)
}

// WaitIdle is a test hook: it blocks until no live session remains or the
// timeout expires.
func (c *Collector) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		live := false
		c.sessions.each(func(s *Session) bool {
			if s.State() != StateRetired {
				live = true
				return false
			}
			return true
		})
		if !live {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
