package collector

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/blecd/internal/conf"
	"github.com/srg/blecd/internal/metrics"
	"github.com/srg/blecd/internal/mqttpub"
	"github.com/srg/blecd/internal/sample"
	"github.com/srg/blecd/internal/store"
	"github.com/srg/blecd/internal/tmpl"
)

// Fanout routes every decoded sample to the in-memory history, the metrics
// registry and (when configured) the MQTT outbound queue. All three sinks
// are non-blocking, so a slow broker can never stall a session.
type Fanout struct {
	store   *store.Store
	metrics *metrics.Publisher
	engine  *metrics.Engine
	mqtt    *mqttpub.Publisher // nil when no broker is configured
	log     *logrus.Logger
}

// NewFanout wires the sinks together.
func NewFanout(st *store.Store, mp *metrics.Publisher, engine *metrics.Engine, mq *mqttpub.Publisher, logger *logrus.Logger) *Fanout {
	if logger == nil {
		logger = logrus.New()
	}
	return &Fanout{store: st, metrics: mp, engine: engine, mqtt: mq, log: logger}
}

// Process fans one sample out. The owner token asserts the single-writer
// invariant on the history ring.
func (f *Fanout) Process(smp sample.Sample, spec *conf.CharacteristicSpec, peripheralName string, owner uint64) {
	if err := f.store.Put(smp, spec.Name, spec.HistorySize, owner); err != nil {
		// Two live writers for one FQCN is a supervisor bug, not bad input.
		f.log.WithError(err).WithField("fqcn", smp.FQCN.String()).Error("Sample registry rejected write")
		return
	}

	f.engine.PayloadsProcessed.WithLabelValues(smp.FQCN.Adapter).Inc()

	if spec.Metrics != nil {
		f.metrics.Publish(smp, spec.Metrics)
	}

	if spec.MQTT != nil && f.mqtt != nil {
		f.mqtt.Publish(smp, tmpl.Context{
			FQCN:               smp.FQCN,
			PeripheralName:     peripheralName,
			ServiceName:        spec.ServiceName,
			CharacteristicName: spec.Name,
		}, spec.MQTT)
	}
}
