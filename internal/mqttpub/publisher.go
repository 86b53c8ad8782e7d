// Package mqttpub publishes decoded samples to an MQTT broker: a state
// topic per configured characteristic plus an optional Home-Assistant style
// discovery announcement, published once per characteristic per broker
// session.
//
// Publication is fully decoupled from the collection path: producers hand
// jobs to a bounded queue that keeps at most one pending publication per
// (characteristic, kind), newest wins.
package mqttpub

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecd/internal/conf"
	"github.com/srg/blecd/internal/metrics"
	"github.com/srg/blecd/internal/ring"
	"github.com/srg/blecd/internal/sample"
	"github.com/srg/blecd/internal/tmpl"
)

// publishTimeout bounds a single broker publish; on exceed the job is
// dropped and logged.
const publishTimeout = 5 * time.Second

// Client is the slice of mqtt.Client the publisher uses; tests plug a fake.
type Client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// job is one pending publication.
type job struct {
	key     string
	topic   string
	qos     byte
	retain  bool
	payload []byte
}

// statePayload is the wire shape of a state-topic publication.
type statePayload struct {
	Value json.RawMessage `json:"value"`
	Raw   string          `json:"raw"`
	Ts    string          `json:"ts"`
}

// Publisher owns the single broker connection and the outbound queue.
type Publisher struct {
	cfg    *conf.MQTTConfig
	eval   *tmpl.Evaluator
	engine *metrics.Engine
	log    *logrus.Logger

	client Client
	queue  *ring.RingChannel[string]

	mu        sync.Mutex
	pending   map[string]*job
	announced map[string]struct{}
}

// New creates a Publisher. The broker connection is established by Run.
func New(cfg *conf.MQTTConfig, eval *tmpl.Evaluator, engine *metrics.Engine, logger *logrus.Logger) *Publisher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Publisher{
		cfg:       cfg,
		eval:      eval,
		engine:    engine,
		log:       logger,
		queue:     ring.NewRingChannel[string](cfg.QueueSize),
		pending:   make(map[string]*job),
		announced: make(map[string]struct{}),
	}
}

// SetClient overrides the broker client (tests).
func (p *Publisher) SetClient(c Client) {
	p.client = c
}

// Run connects to the broker and drains the queue until ctx is cancelled.
// The paho client reconnects on its own; every fresh broker session resets
// the discovery announcements so consumers that lost retained state are
// re-registered.
func (p *Publisher) Run(ctx context.Context) error {
	if p.client == nil {
		opts := mqtt.NewClientOptions().
			AddBroker(p.cfg.BrokerURL).
			SetClientID(p.cfg.ClientID).
			SetUsername(p.cfg.Username).
			SetPassword(p.cfg.Password).
			SetAutoReconnect(true).
			SetConnectRetry(true).
			SetOnConnectHandler(func(mqtt.Client) {
				p.log.WithField("broker", p.cfg.BrokerURL).Info("Connected to MQTT broker")
				p.resetAnnouncements()
			}).
			SetConnectionLostHandler(func(_ mqtt.Client, err error) {
				p.log.WithError(err).Warn("MQTT connection lost")
			})
		p.client = mqtt.NewClient(opts)
	}

	if token := p.client.Connect(); !token.WaitTimeout(publishTimeout) || token.Error() != nil {
		// keep going: paho retries in the background, jobs queue meanwhile
		p.log.WithError(token.Error()).Warn("Initial MQTT connect not ready, retrying in background")
	}

	defer p.client.Disconnect(250)

	for {
		select {
		case <-ctx.Done():
			return nil
		case key := <-p.queue.C():
			p.mu.Lock()
			j := p.pending[key]
			delete(p.pending, key)
			var announce *job
			if n := len(key) - len("#state"); j != nil && n >= 0 && key[n:] == "#state" {
				// a state key queued before a fresh announcement must not
				// overtake it
				announce = p.pending[key[:n]+"#config"]
				delete(p.pending, key[:n]+"#config")
			}
			p.mu.Unlock()
			if announce != nil {
				p.send(announce)
			}
			if j == nil {
				continue // coalesced away
			}
			p.send(j)
		}
	}
}

func (p *Publisher) send(j *job) {
	token := p.client.Publish(j.topic, j.qos, j.retain, j.payload)
	if !token.WaitTimeout(publishTimeout) {
		p.engine.MQTTDropped.Inc()
		p.log.WithField("topic", j.topic).Warn("MQTT publish timed out, job dropped")
		return
	}
	if err := token.Error(); err != nil {
		p.engine.MQTTDropped.Inc()
		p.log.WithError(err).WithField("topic", j.topic).Warn("MQTT publish failed, job dropped")
		return
	}
	p.engine.MQTTPublished.Inc()
}

// Publish evaluates topics and hands the state (and, once per
// characteristic per broker session, the discovery) publication to the
// outbound queue. It never blocks.
func (p *Publisher) Publish(smp sample.Sample, ctx tmpl.Context, spec *conf.MQTTPublishSpec) {
	if spec == nil {
		return
	}

	stateTopic, err := p.eval.EvalString(spec.StateTopic, ctx)
	if err != nil {
		p.log.WithError(err).WithField("fqcn", smp.FQCN.String()).Warn("State topic failed to evaluate")
		return
	}
	ctx.StateTopic = stateTopic

	stateKey := smp.FQCN.Key() + "#state"

	if spec.Discovery != nil && p.claimAnnouncement(smp.FQCN) {
		// An earlier pending state publication must not overtake the
		// announcement; drop it before queueing the pair.
		p.forget(stateKey)
		if cfgJob := p.discoveryJob(smp.FQCN, ctx, spec); cfgJob != nil {
			p.enqueue(cfgJob)
		}
	}

	payload, err := json.Marshal(statePayload{
		Value: mustJSON(smp.Value),
		Raw:   hex.EncodeToString(smp.Raw),
		Ts:    smp.At.Format(time.RFC3339Nano),
	})
	if err != nil {
		p.log.WithError(err).WithField("fqcn", smp.FQCN.String()).Warn("Failed to encode state payload")
		return
	}

	p.enqueue(&job{
		key:     stateKey,
		topic:   stateTopic,
		qos:     byte(spec.QoS),
		retain:  spec.Retain,
		payload: payload,
	})
}

// discoveryJob evaluates the config topic and payload for one FQCN.
func (p *Publisher) discoveryJob(fqcn sample.FQCN, ctx tmpl.Context, spec *conf.MQTTPublishSpec) *job {
	d := spec.Discovery

	configTopic, err := p.eval.EvalString(d.ConfigTopic, ctx)
	if err != nil {
		p.log.WithError(err).WithField("fqcn", fqcn.String()).Warn("Config topic failed to evaluate")
		return nil
	}
	ctx.ConfigTopic = configTopic

	var payload []byte
	if d.Payload != nil {
		evaluated := p.eval.EvalTree(d.Payload, ctx)
		payload, err = json.Marshal(evaluated)
		if err != nil {
			p.log.WithError(err).WithField("fqcn", fqcn.String()).Warn("Failed to encode discovery payload")
			return nil
		}
	} else {
		payload = []byte("{}")
	}

	retain := spec.Retain
	if d.Retain != nil {
		retain = *d.Retain
	}
	qos := spec.QoS
	if d.QoS != nil {
		qos = *d.QoS
	}

	return &job{
		key:     fqcn.Key() + "#config",
		topic:   configTopic,
		qos:     byte(qos),
		retain:  retain,
		payload: payload,
	}
}

// enqueue inserts a job with per-key coalescing: a pending job for the same
// key is replaced in place, and queue overflow evicts the oldest pending
// key.
func (p *Publisher) enqueue(j *job) {
	p.mu.Lock()
	_, existed := p.pending[j.key]
	p.pending[j.key] = j
	p.mu.Unlock()

	if existed {
		p.engine.MQTTDropped.Inc() // the superseded payload
		return
	}

	if droppedKey, dropped := p.queue.ForceSend(j.key); dropped {
		p.forget(droppedKey)
		p.engine.MQTTDropped.Inc()
	}
}

// forget removes a pending job; its queued key becomes a no-op.
func (p *Publisher) forget(key string) {
	p.mu.Lock()
	delete(p.pending, key)
	p.mu.Unlock()
}

// claimAnnouncement returns true exactly once per FQCN per broker session.
func (p *Publisher) claimAnnouncement(fqcn sample.FQCN) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, done := p.announced[fqcn.Key()]; done {
		return false
	}
	p.announced[fqcn.Key()] = struct{}{}
	return true
}

func (p *Publisher) resetAnnouncements() {
	p.mu.Lock()
	p.announced = make(map[string]struct{})
	p.mu.Unlock()
}

// QueueDepth reports the number of queued publications.
func (p *Publisher) QueueDepth() int {
	return p.queue.Len()
}

func mustJSON(v json.Marshaler) json.RawMessage {
	data, err := v.MarshalJSON()
	if err != nil {
		return json.RawMessage(fmt.Sprintf("%q", err.Error()))
	}
	return data
}
