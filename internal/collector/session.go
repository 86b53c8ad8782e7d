package collector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecd/internal/conf"
	"github.com/srg/blecd/internal/device"
	"github.com/srg/blecd/internal/groutine"
	"github.com/srg/blecd/internal/metrics"
	"github.com/srg/blecd/internal/sample"
	"github.com/srg/blecd/internal/store"
)

// SessionState is the lifecycle of one tracked peripheral.
type SessionState int32

const (
	StateMatched SessionState = iota
	StateConnecting
	StateDiscovering
	StateArmed
	StateDegraded
	StateReconnecting
	StateRetired
)

func (s SessionState) String() string {
	switch s {
	case StateMatched:
		return "matched"
	case StateConnecting:
		return "connecting"
	case StateDiscovering:
		return "discovering"
	case StateArmed:
		return "armed"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateRetired:
		return "retired"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session timeouts.
const (
	connectTimeout   = 15 * time.Second
	readWriteTimeout = 10 * time.Second
	subscribeTimeout = 10 * time.Second
	abandonTimeout   = 5 * time.Second
	mailboxTimeout   = 10 * time.Second
)

// Degrade threshold: this many consecutive failures on one characteristic
// within the window force a reconnect.
const (
	degradeFailures = 5
	degradeWindow   = 60 * time.Second
)

// Poll behavior.
const (
	pollJitter     = 0.1
	pollRetries    = 3
	pollRetryDelay = 250 * time.Millisecond
	rwMailboxDepth = 8
)

// Characteristic availability as shown by describe.
const (
	CharPending     = "pending"
	CharArmed       = "armed"
	CharUnavailable = "unavailable"
	CharError       = "error"
)

// rwRequest is an external read or write crossing into the session.
type rwRequest struct {
	write          bool
	service        string
	characteristic string
	value          []byte
	withResponse   bool
	reply          chan rwResult
}

type rwResult struct {
	value []byte
	err   error
}

// failureTracker counts consecutive failures per characteristic inside a
// window that opens at the first failure and restarts once it has elapsed.
type failureTracker struct {
	mu      sync.Mutex
	counts  map[string]int
	started map[string]time.Time
}

func newFailureTracker() *failureTracker {
	return &failureTracker{
		counts:  make(map[string]int),
		started: make(map[string]time.Time),
	}
}

// fail records one failure; it reports true when the characteristic tripped
// the degrade threshold.
func (t *failureTracker) fail(key string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if start, ok := t.started[key]; !ok || now.Sub(start) > degradeWindow {
		t.started[key] = now
		t.counts[key] = 0
	}
	t.counts[key]++
	return t.counts[key] >= degradeFailures
}

func (t *failureTracker) ok(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, key)
	delete(t.started, key)
}

// Session owns one matched peripheral: it connects, discovers, arms
// subscriptions and polls, routes notifications, and reconnects on failure.
// Errors never escape the session; they move its state machine instead.
type Session struct {
	adapter device.Adapter
	addr    string
	name    string
	spec    *conf.PeripheralSpec

	fanout  *Fanout
	engine  *metrics.Engine
	samples *store.Store
	log     *logrus.Entry
	backoff *Backoff
	owner   uint64

	state atomic.Int32
	done  chan struct{}

	retireOnce sync.Once
	retireCh   chan struct{}
	reconnect  chan struct{}
	rw         chan *rwRequest

	statusMu   sync.Mutex
	charStatus map[string]string
}

func newSession(
	adapter device.Adapter,
	addr, name string,
	spec *conf.PeripheralSpec,
	fanout *Fanout,
	engine *metrics.Engine,
	samples *store.Store,
	logger *logrus.Logger,
) *Session {
	s := &Session{
		adapter:    adapter,
		addr:       addr,
		name:       name,
		spec:       spec,
		fanout:     fanout,
		engine:     engine,
		samples:    samples,
		backoff:    defaultBackoff(),
		owner:      store.NewOwnerToken(),
		done:       make(chan struct{}),
		retireCh:   make(chan struct{}),
		reconnect:  make(chan struct{}, 1),
		rw:         make(chan *rwRequest, rwMailboxDepth),
		charStatus: make(map[string]string),
		log: logger.WithFields(logrus.Fields{
			"adapter":    adapter.ID(),
			"peripheral": addr,
			"config":     spec.Name,
		}),
	}
	s.state.Store(int32(StateMatched))
	for _, ch := range spec.Chars {
		s.charStatus[ch.ServiceUUID+"/"+ch.UUID] = CharPending
	}
	return s
}

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
	s.log.WithField("state", st.String()).Debug("Session state changed")
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Addr returns the peripheral address this session owns.
func (s *Session) Addr() string { return s.addr }

// Name returns the advertised name observed at match time.
func (s *Session) Name() string { return s.name }

// AdapterID returns the owning adapter.
func (s *Session) AdapterID() string { return s.adapter.ID() }

// Done is closed when the session's run loop has fully exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Retire commands the session to stop tracking this peripheral. Terminal.
func (s *Session) Retire() {
	s.retireOnce.Do(func() { close(s.retireCh) })
}

// ForceReconnect drops the current connection and re-enters the connect
// loop.
func (s *Session) ForceReconnect() {
	select {
	case s.reconnect <- struct{}{}:
	default:
	}
}

func (s *Session) setCharStatus(key, status string) {
	s.statusMu.Lock()
	s.charStatus[key] = status
	s.statusMu.Unlock()
}

// CharStatuses snapshots per-characteristic availability for describe.
func (s *Session) CharStatuses() map[string]string {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	out := make(map[string]string, len(s.charStatus))
	for k, v := range s.charStatus {
		out[k] = v
	}
	return out
}

// run drives the state machine until retirement or context cancellation.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.samples.ReleaseOwner(s.adapter.ID(), s.addr, s.owner)
	defer func() {
		// a panicking session retires; the supervisor respawns it on the
		// next matching advertisement
		if r := recover(); r != nil {
			s.log.WithField("panic", fmt.Sprintf("%v", r)).Error("Session panicked, retiring")
			s.setState(StateRetired)
		}
	}()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			s.setState(StateRetired)
			return
		case <-s.retireCh:
			s.setState(StateRetired)
			return
		default:
		}

		s.setState(StateConnecting)
		connCtx, cancelConn := context.WithTimeout(ctx, connectTimeout)
		periph, err := s.adapter.Connect(connCtx, s.addr)
		cancelConn()
		if err != nil {
			s.log.WithError(err).Warn("Failed to connect to peripheral")
			s.setState(StateReconnecting)
			if !s.waitBackoff(ctx, attempt) {
				s.setState(StateRetired)
				return
			}
			attempt++
			continue
		}
		attempt = 0
		s.engine.ConnectionsHandled.WithLabelValues(s.adapter.ID()).Inc()

		retired := s.serve(ctx, periph)
		s.disconnect(periph)

		if retired {
			s.setState(StateRetired)
			return
		}

		s.engine.ConnectionsDropped.WithLabelValues(s.adapter.ID()).Inc()
		s.setState(StateReconnecting)
		if !s.waitBackoff(ctx, attempt) {
			s.setState(StateRetired)
			return
		}
		attempt++
	}
}

// waitBackoff sleeps the policy delay; false means the session must exit.
func (s *Session) waitBackoff(ctx context.Context, attempt int) bool {
	delay := s.backoff.Next(attempt)
	s.log.WithField("delay", delay.String()).Debug("Backing off before reconnect")

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.retireCh:
		return false
	case <-t.C:
		return true
	}
}

// serve runs discovery and the armed phase for one connection. It returns
// true when the session was retired.
func (s *Session) serve(ctx context.Context, periph device.Peripheral) bool {
	s.setState(StateDiscovering)

	discCtx, cancelDisc := context.WithTimeout(ctx, readWriteTimeout)
	services, err := periph.DiscoverServices(discCtx)
	cancelDisc()
	if err != nil {
		s.log.WithError(err).Warn("Service discovery failed")
		return false
	}

	armed := s.resolve(services)
	if len(armed) == 0 {
		s.log.Warn("No configured characteristic is available on this peripheral")
		// stay connected anyway: the session is armed with nothing to
		// collect until the link drops or a reconnect is forced
	}

	childCtx, cancelChildren := context.WithCancel(ctx)
	defer cancelChildren()

	tracker := newFailureTracker()
	degraded := make(chan string, 1)

	var wg sync.WaitGroup

	// trap recovers a panicking child task and forces a reconnect, which
	// respawns every child with the session's backoff policy
	trap := func(task string) {
		if r := recover(); r != nil {
			s.log.WithFields(logrus.Fields{
				"task":  task,
				"panic": fmt.Sprintf("%v", r),
			}).Error("Child task panicked, forcing reconnect")
			select {
			case degraded <- task:
			default:
			}
		}
	}

	// ingress: one task drains the shared notification stream
	wg.Add(1)
	groutine.Go(childCtx, "ingress/"+s.addr, func(ctx context.Context) {
		defer wg.Done()
		defer trap("ingress")
		s.runIngress(ctx, periph, armed, tracker, degraded)
	})

	// polls: one task per polled characteristic
	for _, a := range armed {
		if !a.poll {
			continue
		}
		a := a
		wg.Add(1)
		groutine.Go(childCtx, "poll/"+s.addr+"/"+device.ShortenUUID(a.spec.UUID), func(ctx context.Context) {
			defer wg.Done()
			defer trap("poll/" + a.spec.UUID)
			s.runPoll(ctx, periph, a.spec, tracker, degraded)
		})
	}

	s.setState(StateArmed)
	s.log.WithField("characteristics", len(armed)).Info("Session armed")

	retired := false
	running := true
	for running {
		select {
		case <-ctx.Done():
			retired = true
			running = false
		case <-s.retireCh:
			retired = true
			running = false
		case <-s.reconnect:
			s.log.Info("Reconnect forced")
			running = false
		case <-periph.Disconnected():
			s.log.Warn("Peripheral disconnected")
			running = false
		case key := <-degraded:
			s.setState(StateDegraded)
			s.log.WithField("characteristic", key).
				Warn("Persistent characteristic failures, forcing reconnect")
			running = false
		case req := <-s.rw:
			req.reply <- s.handleRW(ctx, periph, req)
		}
	}

	cancelChildren()
	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(abandonTimeout):
		s.log.Warn("Child tasks did not stop in time, abandoning in-flight provider calls")
	}

	return retired
}

// armedChar pairs a resolved characteristic with its effective access mode.
type armedChar struct {
	spec *conf.CharacteristicSpec
	poll bool
}

// resolve walks the discovered topology and arms every configured
// characteristic it finds. A characteristic whose GATT properties cannot
// serve its configured mode is degraded to the other mode with a warning
// rather than dropped.
func (s *Session) resolve(services []device.Service) []armedChar {
	index := make(map[string]device.Characteristic)
	for _, svc := range services {
		for _, ch := range svc.Characteristics() {
			index[svc.UUID()+"/"+ch.UUID()] = ch
		}
	}

	var armed []armedChar
	for _, spec := range s.spec.Chars {
		key := spec.ServiceUUID + "/" + spec.UUID
		ch, ok := index[key]
		if !ok {
			s.setCharStatus(key, CharUnavailable)
			s.log.WithField("characteristic", key).Warn("Configured characteristic not present on peripheral")
			continue
		}

		props := ch.Properties()
		poll := spec.Mode == conf.ModePoll

		switch {
		case !poll && !props.Notify && !props.Indicate && props.Read:
			s.log.WithField("characteristic", key).
				Warn("Characteristic does not support notifications, falling back to polling")
			poll = true
		case poll && !props.Read && (props.Notify || props.Indicate):
			s.log.WithField("characteristic", key).
				Warn("Characteristic is not readable, falling back to notifications")
			poll = false
		case !poll && !props.Notify && !props.Indicate, poll && !props.Read:
			s.setCharStatus(key, CharUnavailable)
			s.log.WithField("characteristic", key).Warn("Characteristic supports neither configured nor fallback access")
			continue
		}

		armed = append(armed, armedChar{spec: spec, poll: poll})
		s.setCharStatus(key, CharArmed)
	}
	return armed
}

// runIngress subscribes the notification-mode characteristics and drains
// the provider's shared stream, dispatching by UUID.
func (s *Session) runIngress(ctx context.Context, periph device.Peripheral, armed []armedChar, tracker *failureTracker, degraded chan<- string) {
	for _, a := range armed {
		if a.poll {
			continue
		}
		spec := a.spec
		key := spec.ServiceUUID + "/" + spec.UUID

		subCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
		err := periph.Subscribe(subCtx, spec.ServiceUUID, spec.UUID)
		cancel()
		if err != nil {
			s.setCharStatus(key, CharError)
			s.log.WithError(err).WithField("characteristic", key).Warn("Failed to enable notifications")
			if tracker.fail(key, time.Now()) {
				select {
				case degraded <- key:
				default:
				}
			}
			continue
		}
	}

	notifications := periph.Notifications()
	for {
		select {
		case <-ctx.Done():
			return
		case <-periph.Disconnected():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			s.handleNotification(n, tracker)
		}
	}
}

func (s *Session) handleNotification(n device.Notification, tracker *failureTracker) {
	spec, ok := s.spec.Lookup(n.Service, n.Characteristic)
	if !ok {
		return // not a configured characteristic
	}

	key := spec.ServiceUUID + "/" + spec.UUID
	tracker.ok(key)
	s.emit(spec, n.Value)
}

// runPoll reads one characteristic on its interval, jittered +-10%.
// Individual read failures are retried and then skipped; only persistent
// failures degrade the session.
func (s *Session) runPoll(ctx context.Context, periph device.Peripheral, spec *conf.CharacteristicSpec, tracker *failureTracker, degraded chan<- string) {
	key := spec.ServiceUUID + "/" + spec.UUID
	jitter := newJitter(pollJitter)

	for {
		if !sleep(ctx, jitter.jittered(spec.Delay)) {
			return
		}

		value, err := s.pollOnce(ctx, periph, spec)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.WithError(err).WithField("characteristic", key).Warn("Poll failed, skipping this interval")
			if tracker.fail(key, time.Now()) {
				select {
				case degraded <- key:
				default:
				}
			}
			continue
		}

		tracker.ok(key)
		s.emit(spec, value)
	}
}

// pollOnce reads with bounded retries: the initial attempt plus
// pollRetries more, spaced by pollRetryDelay.
func (s *Session) pollOnce(ctx context.Context, periph device.Peripheral, spec *conf.CharacteristicSpec) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= pollRetries; attempt++ {
		if attempt > 0 {
			if !sleep(ctx, pollRetryDelay) {
				return nil, ctx.Err()
			}
		}

		readCtx, cancel := context.WithTimeout(ctx, readWriteTimeout)
		value, err := periph.Read(readCtx, spec.ServiceUUID, spec.UUID)
		cancel()
		if err == nil {
			return value, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// emit decodes raw octets and fans the sample out. Decode failures drop the
// sample and bump the failure counter; they are not transport errors.
func (s *Session) emit(spec *conf.CharacteristicSpec, raw []byte) {
	value, err := spec.Converter.Decode(raw)
	if err != nil {
		s.engine.DecodeFailures.WithLabelValues(s.adapter.ID()).Inc()
		s.log.WithError(err).WithFields(logrus.Fields{
			"characteristic": spec.ServiceUUID + "/" + spec.UUID,
			"converter":      spec.Converter.String(),
		}).Warn("Failed to decode value, sample dropped")
		return
	}

	s.fanout.Process(sample.Sample{
		FQCN: sample.FQCN{
			Adapter:        s.adapter.ID(),
			Peripheral:     s.addr,
			Service:        spec.ServiceUUID,
			Characteristic: spec.UUID,
		},
		At:    time.Now(),
		Value: value,
		Raw:   raw,
	}, spec, s.name, s.owner)
}

// handleRW serves one external read/write on the session's connection, so
// external operations serialize with the session's own GATT traffic.
func (s *Session) handleRW(ctx context.Context, periph device.Peripheral, req *rwRequest) rwResult {
	opCtx, cancel := context.WithTimeout(ctx, readWriteTimeout)
	defer cancel()

	if req.write {
		return rwResult{err: periph.Write(opCtx, req.service, req.characteristic, req.value, req.withResponse)}
	}
	value, err := periph.Read(opCtx, req.service, req.characteristic)
	return rwResult{value: value, err: err}
}

// Read performs an external read through the session mailbox. It queues
// behind in-flight GATT operations and fails after the mailbox timeout.
func (s *Session) Read(ctx context.Context, service, characteristic string) ([]byte, error) {
	res, err := s.submit(ctx, &rwRequest{
		service:        device.NormalizeUUID(service),
		characteristic: device.NormalizeUUID(characteristic),
	})
	if err != nil {
		return nil, err
	}
	return res.value, res.err
}

// Write performs an external write through the session mailbox.
func (s *Session) Write(ctx context.Context, service, characteristic string, value []byte, withResponse bool) error {
	res, err := s.submit(ctx, &rwRequest{
		write:          true,
		service:        device.NormalizeUUID(service),
		characteristic: device.NormalizeUUID(characteristic),
		value:          value,
		withResponse:   withResponse,
	})
	if err != nil {
		return err
	}
	return res.err
}

func (s *Session) submit(ctx context.Context, req *rwRequest) (rwResult, error) {
	req.reply = make(chan rwResult, 1)

	t := time.NewTimer(mailboxTimeout)
	defer t.Stop()

	select {
	case s.rw <- req:
	case <-ctx.Done():
		return rwResult{}, ctx.Err()
	case <-s.done:
		return rwResult{}, fmt.Errorf("session for %s is gone", s.addr)
	case <-t.C:
		return rwResult{}, fmt.Errorf("%w: session mailbox for %s is saturated", device.ErrTimeout, s.addr)
	}

	select {
	case res := <-req.reply:
		return res, nil
	case <-ctx.Done():
		return rwResult{}, ctx.Err()
	case <-s.done:
		return rwResult{}, fmt.Errorf("session for %s is gone", s.addr)
	case <-t.C:
		return rwResult{}, fmt.Errorf("%w: operation on %s did not finish in %s", device.ErrTimeout, s.addr, mailboxTimeout)
	}
}

// disconnect abandons the connection, bounded by the abandon timeout.
func (s *Session) disconnect(periph device.Peripheral) {
	done := make(chan struct{})
	go func() {
		if err := periph.Disconnect(); err != nil {
			s.log.WithError(err).Debug("Disconnect reported an error")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(abandonTimeout):
		s.log.Warn("Disconnect did not finish in time, abandoning handle")
	}
}
