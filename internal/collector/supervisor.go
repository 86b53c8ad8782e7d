package collector

import (
	"context"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecd/internal/conf"
	"github.com/srg/blecd/internal/device"
	"github.com/srg/blecd/internal/groutine"
	"github.com/srg/blecd/internal/metrics"
	"github.com/srg/blecd/internal/store"
)

// debounceWindow suppresses duplicate advertisements: re-seeing a
// peripheral within this window does not re-run match logic.
const debounceWindow = 30 * time.Second

// sessionRegistry maps peripheral address -> live session, shared by every
// supervisor so a peripheral visible on two adapters is tracked exactly
// once (first seen wins).
type sessionRegistry struct {
	m *hashmap.Map[string, *Session]
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{m: hashmap.New[string, *Session]()}
}

func (r *sessionRegistry) get(addr string) (*Session, bool) {
	return r.m.Get(addr)
}

// claim inserts the session unless the address is already tracked. It
// returns the winner.
func (r *sessionRegistry) claim(addr string, s *Session) (*Session, bool) {
	return r.m.GetOrInsert(addr, s)
}

func (r *sessionRegistry) drop(addr string, s *Session) {
	if cur, ok := r.m.Get(addr); ok && cur == s {
		r.m.Del(addr)
	}
}

func (r *sessionRegistry) each(fn func(*Session) bool) {
	r.m.Range(func(_ string, s *Session) bool {
		return fn(s)
	})
}

// Supervisor owns one adapter: it scans continuously, matches scanned
// peripherals against configuration, and spawns or retires sessions.
type Supervisor struct {
	adapter device.Adapter
	specs   []*conf.PeripheralSpec

	sessions *sessionRegistry
	fanout   *Fanout
	engine   *metrics.Engine
	samples  *store.Store
	logger   *logrus.Logger
	log      *logrus.Entry

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func newSupervisor(
	adapter device.Adapter,
	specs []*conf.PeripheralSpec,
	sessions *sessionRegistry,
	fanout *Fanout,
	engine *metrics.Engine,
	samples *store.Store,
	logger *logrus.Logger,
) *Supervisor {
	return &Supervisor{
		adapter:  adapter,
		specs:    specs,
		sessions: sessions,
		fanout:   fanout,
		engine:   engine,
		samples:  samples,
		logger:   logger,
		log:      logger.WithField("adapter", adapter.ID()),
		lastSeen: make(map[string]time.Time),
	}
}

// run scans until the context is cancelled, restarting the scan with
// backoff on provider errors. When run returns, every session this adapter
// spawned is retired. A failing or vanished adapter is not detected as
// gone: its scan keeps being restarted and its sessions are left running.
func (sv *Supervisor) run(ctx context.Context) {
	defer sv.retireAll()

	backoff := defaultBackoff()
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		sv.log.Info("Starting scan")
		err := sv.adapter.Scan(ctx, true, func(adv device.Advertisement) {
			sv.handleAdvertisement(ctx, adv)
		})

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			sv.log.WithError(err).Warn("Scan failed, restarting")
		} else {
			sv.log.Warn("Scan ended unexpectedly, restarting")
		}

		sv.engine.ScanRestarts.WithLabelValues(sv.adapter.ID()).Inc()
		if !sleep(ctx, backoff.Next(attempt)) {
			return
		}
		attempt++
	}
}

// handleAdvertisement applies the match policy: debounce, first matching
// configuration wins, at most one session per peripheral across adapters.
func (sv *Supervisor) handleAdvertisement(ctx context.Context, adv device.Advertisement) {
	addr := adv.Addr()

	if !sv.shouldEvaluate(addr) {
		return
	}

	// reap a finished session so the peripheral can be picked up again
	if existing, ok := sv.sessions.get(addr); ok {
		if existing.State() == StateRetired {
			sv.sessions.drop(addr, existing)
		} else {
			return // already tracked, possibly by another adapter
		}
	}

	spec := sv.match(adv)
	if spec == nil {
		return
	}

	session := newSession(sv.adapter, addr, adv.LocalName(), spec, sv.fanout, sv.engine, sv.samples, sv.logger)
	if _, loaded := sv.sessions.claim(addr, session); loaded {
		// another adapter raced us and won; first seen wins
		return
	}

	sv.log.WithFields(logrus.Fields{
		"peripheral": addr,
		"name":       adv.LocalName(),
		"config":     spec.Name,
	}).Info("Peripheral matched, starting session")

	groutine.Go(ctx, "session/"+sv.adapter.ID()+"/"+addr, session.run)
}

// match returns the first configuration the advertisement satisfies, in
// config order. A config whose adapter predicate rejects this adapter is
// skipped even if name and id match.
func (sv *Supervisor) match(adv device.Advertisement) *conf.PeripheralSpec {
	for _, spec := range sv.specs {
		if !spec.MatchesAdapter(sv.adapter.ID()) {
			continue
		}
		if spec.Matches(sv.adapter.ID(), adv.Addr(), adv.LocalName()) {
			return spec
		}
	}
	return nil
}

// shouldEvaluate debounces repeat advertisements per peripheral.
func (sv *Supervisor) shouldEvaluate(addr string) bool {
	now := time.Now()

	sv.mu.Lock()
	defer sv.mu.Unlock()

	if seen, ok := sv.lastSeen[addr]; ok && now.Sub(seen) < debounceWindow {
		return false
	}
	sv.lastSeen[addr] = now

	if len(sv.lastSeen) > 256 {
		for a, seen := range sv.lastSeen {
			if now.Sub(seen) >= debounceWindow {
				delete(sv.lastSeen, a)
			}
		}
	}
	return true
}

// retireAll commands every session owned by this adapter to stop.
func (sv *Supervisor) retireAll() {
	sv.sessions.each(func(s *Session) bool {
		if s.AdapterID() == sv.adapter.ID() {
			s.Retire()
			sv.sessions.drop(s.Addr(), s)
		}
		return true
	})
}
