package metrics

import (
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecd/internal/conf"
	"github.com/srg/blecd/internal/conv"
	"github.com/srg/blecd/internal/sample"
)

func numSample(n int64) sample.Sample {
	return sample.Sample{
		FQCN: sample.FQCN{
			Adapter:        "hci0",
			Peripheral:     "FA:6F:EC:EE:4B:36",
			Service:        "0000180f-0000-1000-8000-00805f9b34fb",
			Characteristic: "00002a19-0000-1000-8000-00805f9b34fb",
		},
		At:    time.Now(),
		Value: conv.Numeric(big.NewRat(n, 1)),
	}
}

func gather(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestGaugeKeepsLastValue(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPublisher(reg, logrus.New())

	spec := &conf.MetricSpec{
		Type:   conf.MetricGauge,
		Name:   "battery_level_percent",
		Labels: map[string]string{"room": "living_room"},
	}

	p.Publish(numSample(90), spec)
	p.Publish(numSample(85), spec)

	mf := gather(t, reg, "battery_level_percent")
	require.NotNil(t, mf)
	require.Len(t, mf.Metric, 1)
	assert.Equal(t, 85.0, mf.Metric[0].GetGauge().GetValue())

	labels := mf.Metric[0].GetLabel()
	require.Len(t, labels, 1)
	assert.Equal(t, "room", labels[0].GetName())
	assert.Equal(t, "living_room", labels[0].GetValue())
}

func TestCounterAddsPositiveDeltas(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPublisher(reg, logrus.New())

	spec := &conf.MetricSpec{Type: conf.MetricCounter, Name: "pulses_total"}

	p.Publish(numSample(10), spec) // initial value seeds the counter
	p.Publish(numSample(15), spec) // +5
	p.Publish(numSample(12), spec) // regression, clamped to +0
	p.Publish(numSample(20), spec) // +8

	mf := gather(t, reg, "pulses_total")
	require.NotNil(t, mf)
	assert.Equal(t, 23.0, mf.Metric[0].GetCounter().GetValue())
}

func TestHistogramObserves(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPublisher(reg, logrus.New())

	spec := &conf.MetricSpec{Type: conf.MetricHistogram, Name: "reading_value"}

	p.Publish(numSample(1), spec)
	p.Publish(numSample(2), spec)

	mf := gather(t, reg, "reading_value")
	require.NotNil(t, mf)
	assert.Equal(t, uint64(2), mf.Metric[0].GetHistogram().GetSampleCount())
	assert.Equal(t, 3.0, mf.Metric[0].GetHistogram().GetSampleSum())
}

func TestNonNumericSkipped(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPublisher(reg, logrus.New())

	spec := &conf.MetricSpec{Type: conf.MetricGauge, Name: "g"}

	smp := numSample(1)
	smp.Value = conv.Text("on")
	p.Publish(smp, spec)

	assert.Nil(t, gather(t, reg, "g"))
}

func TestEngineRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := NewEngine(reg)

	e.PayloadsProcessed.WithLabelValues("hci0").Inc()
	e.MQTTDropped.Inc()

	mf := gather(t, reg, "blecd_payloads_processed_total")
	require.NotNil(t, mf)
	assert.Equal(t, 1.0, mf.Metric[0].GetCounter().GetValue())
}
