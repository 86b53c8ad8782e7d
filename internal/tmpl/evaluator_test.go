package tmpl

import (
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/srg/blecd/internal/sample"
)

func testContext() Context {
	return Context{
		FQCN: sample.FQCN{
			Adapter:        "hci0",
			Peripheral:     "FA:6F:EC:EE:4B:36",
			Service:        "0000180f-0000-1000-8000-00805f9b34fb",
			Characteristic: "00002a19-0000-1000-8000-00805f9b34fb",
		},
		PeripheralName:     "Sensor Hub",
		ServiceName:        "battery",
		CharacteristicName: "level",
	}
}

func mustTree(t *testing.T, src string) *Node {
	t.Helper()
	n := &Node{}
	require.NoError(t, yaml.Unmarshal([]byte(src), n))
	return n
}

func TestLiteralTreeIsUnchanged(t *testing.T) {
	e := NewEvaluator(logrus.New())

	tree := mustTree(t, `
device_class: temperature
unit_of_measurement: "°C"
expire_after: 300
force_update: true
device:
  identifiers:
    - sensor-hub-01
`)

	out := e.EvalTree(tree, testContext())

	want, err := json.Marshal(tree)
	require.NoError(t, err)
	got, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))
}

func TestInterpolation(t *testing.T) {
	e := NewEvaluator(logrus.New())

	got, err := e.EvalString("`blecd/${clean_fqcn.peripheral}/state`", testContext())
	require.NoError(t, err)
	assert.Equal(t, "blecd/FA_6F_EC_EE_4B_36/state", got)
}

func TestPlainLiteralTopic(t *testing.T) {
	e := NewEvaluator(logrus.New())

	got, err := e.EvalString("blecd/fixed/topic", testContext())
	require.NoError(t, err)
	assert.Equal(t, "blecd/fixed/topic", got)
}

func TestArithmetic(t *testing.T) {
	e := NewEvaluator(logrus.New())

	got, err := e.EvalString("`${6 * 7}`", testContext())
	require.NoError(t, err)
	assert.Equal(t, "42", got)
}

func TestSwitchExpression(t *testing.T) {
	e := NewEvaluator(logrus.New())

	expr := "`${peripheral_name} ${(() => { switch (fqcn.peripheral) {" +
		" case \"FA:6F:EC:EE:4B:36\": return \"Living Room\";" +
		" default: return \"Unknown\" } })()}`"

	got, err := e.EvalString(expr, testContext())
	require.NoError(t, err)
	assert.Equal(t, "Sensor Hub Living Room", got)
}

func TestSwitchStatementCompletion(t *testing.T) {
	e := NewEvaluator(logrus.New())

	expr := "switch (fqcn.peripheral) {" +
		" case \"FA:6F:EC:EE:4B:36\": `${peripheral_name} Living Room`; break;" +
		" default: \"Unknown\" }"

	got, err := e.EvalString(expr, testContext())
	require.NoError(t, err)
	assert.Equal(t, "Sensor Hub Living Room", got)
}

func TestStateTopicBinding(t *testing.T) {
	e := NewEvaluator(logrus.New())

	tree := mustTree(t, `
state_topic: "` + "`blecd/${clean_peripheral}/battery`" + `"
json_attributes_topic: "` + "`${state_topic}`" + `"
`)

	out := e.EvalTree(tree, testContext())

	st, ok := out.Get("state_topic")
	require.True(t, ok)
	assert.Equal(t, "blecd/FA_6F_EC_EE_4B_36/battery", st.Str)

	attrs, ok := out.Get("json_attributes_topic")
	require.True(t, ok)
	assert.Equal(t, st.Str, attrs.Str)
}

func TestPreBoundTopics(t *testing.T) {
	e := NewEvaluator(logrus.New())

	ctx := testContext()
	ctx.StateTopic = "blecd/x/state"
	ctx.ConfigTopic = "homeassistant/sensor/x/config"

	tree := mustTree(t, `
state_topic: "` + "`${state_topic}`" + `"
config_ref: "` + "`${config_topic}`" + `"
`)

	out := e.EvalTree(tree, ctx)

	st, _ := out.Get("state_topic")
	assert.Equal(t, "blecd/x/state", st.Str)
	cf, _ := out.Get("config_ref")
	assert.Equal(t, "homeassistant/sensor/x/config", cf.Str)
}

func TestLeafErrorIsNonFatal(t *testing.T) {
	e := NewEvaluator(logrus.New())

	tree := mustTree(t, `
broken: "` + "`${nosuchvar.field}`" + `"
fine: "` + "`${peripheral_name}`" + `"
`)

	out := e.EvalTree(tree, testContext())

	broken, _ := out.Get("broken")
	assert.Contains(t, broken.Str, "template error")

	fine, _ := out.Get("fine")
	assert.Equal(t, "Sensor Hub", fine.Str)
}

func TestNonStringCompletion(t *testing.T) {
	e := NewEvaluator(logrus.New())

	// the backtick marks the leaf as a program; its completion value is 42
	tree := mustTree(t, "placeholder: 0")
	tree.Fields.Set("expire", &Node{Kind: NodeString, Str: "`x`; 40 + 2"})

	out := e.EvalTree(tree, testContext())
	expire, ok := out.Get("expire")
	require.True(t, ok)
	assert.Equal(t, NodeNumber, expire.Kind)
	assert.Equal(t, json.Number("42"), expire.Num)
}

func TestOrderPreserved(t *testing.T) {
	e := NewEvaluator(logrus.New())

	tree := mustTree(t, `
zulu: 1
alpha: 2
mike: 3
`)

	out := e.EvalTree(tree, testContext())
	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.Equal(t, `{"zulu":1,"alpha":2,"mike":3}`, string(data))
}

func TestCleanFQCN(t *testing.T) {
	fqcn := sample.FQCN{
		Adapter:        "hci0",
		Peripheral:     "FA:6F:EC:EE:4B:36",
		Service:        "0000180f-0000-1000-8000-00805f9b34fb",
		Characteristic: "00002a19-0000-1000-8000-00805f9b34fb",
	}
	clean := fqcn.Clean()
	assert.Equal(t, "FA_6F_EC_EE_4B_36", clean.Peripheral)
	assert.Equal(t, "0000180f_0000_1000_8000_00805f9b34fb", clean.Service)
}
