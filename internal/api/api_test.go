package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecd/internal/collector"
	"github.com/srg/blecd/internal/store"
)

type fakeEngine struct {
	reads  map[string][]byte
	writes map[string][]byte
}

func (e *fakeEngine) ListAdapters() []collector.AdapterInfo {
	return []collector.AdapterInfo{{ID: "hci0", State: "up", Sessions: 1}}
}

func (e *fakeEngine) Describe() []collector.AdapterDescription {
	return []collector.AdapterDescription{{
		ID: "hci0",
		Sessions: []collector.SessionDescription{{
			Peripheral: "FA:6F:EC:EE:4B:36",
			State:      "armed",
			Characteristics: []collector.CharacteristicStatus{{
				Service:        "0000180f-0000-1000-8000-00805f9b34fb",
				Characteristic: "00002a19-0000-1000-8000-00805f9b34fb",
				Mode:           "Subscribe",
				Status:         "armed",
			}},
		}},
	}}
}

func (e *fakeEngine) Snapshot() []store.PeripheralSnapshot { return nil }

func (e *fakeEngine) Read(_ context.Context, adapter, peripheral, service, characteristic string) ([]byte, error) {
	v, ok := e.reads[adapter+"/"+peripheral+"/"+service+"/"+characteristic]
	if !ok {
		return nil, fmt.Errorf("no session for peripheral %s", peripheral)
	}
	return v, nil
}

func (e *fakeEngine) Write(_ context.Context, adapter, peripheral, service, characteristic string, value []byte, _ bool) error {
	if e.writes == nil {
		e.writes = make(map[string][]byte)
	}
	e.writes[adapter+"/"+peripheral+"/"+service+"/"+characteristic] = value
	return nil
}

func testServer(e *fakeEngine) *httptest.Server {
	s := NewServer(e, logrus.New())
	return httptest.NewServer(s.Router(nil))
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestAdaptersEndpoint(t *testing.T) {
	ts := testServer(&fakeEngine{})
	defer ts.Close()

	var adapters []map[string]any
	getJSON(t, ts.URL+"/ble/adapters", &adapters)

	require.Len(t, adapters, 1)
	assert.Equal(t, "hci0", adapters[0]["id"])
	assert.Equal(t, "up", adapters[0]["state"])
}

func TestDescribeEndpoint(t *testing.T) {
	ts := testServer(&fakeEngine{})
	defer ts.Close()

	var descs []map[string]any
	getJSON(t, ts.URL+"/ble/adapters/describe", &descs)

	require.Len(t, descs, 1)
	sessions := descs[0]["sessions"].([]any)
	require.Len(t, sessions, 1)
	chars := sessions[0].(map[string]any)["characteristics"].([]any)
	assert.Equal(t, "armed", chars[0].(map[string]any)["status"])
}

func TestDataEndpointEmpty(t *testing.T) {
	ts := testServer(&fakeEngine{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/ble/data")
	require.NoError(t, err)
	defer resp.Body.Close()

	var out []any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Empty(t, out)
}

func TestBatchReadWrite(t *testing.T) {
	e := &fakeEngine{reads: map[string][]byte{
		"hci0/FA:6F:EC:EE:4B:36/180f/2a19": {0x55},
	}}
	ts := testServer(e)
	defer ts.Close()

	body := `{"items": [
		{"op": "read", "peripheral": "FA:6F:EC:EE:4B:36", "service": "180f", "characteristic": "2a19"},
		{"op": "write", "peripheral": "FA:6F:EC:EE:4B:36", "service": "180f", "characteristic": "2a1a", "value": "0102"},
		{"op": "read", "peripheral": "00:00:00:00:00:00", "service": "180f", "characteristic": "2a19"},
		{"op": "frobnicate"}
	]}`

	resp, err := http.Post(ts.URL+"/ble/adapters/hci0/rw", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Items []map[string]any `json:"items"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Items, 4)

	assert.Equal(t, "ok", out.Items[0]["status"])
	assert.Equal(t, "55", out.Items[0]["result"])

	assert.Equal(t, "ok", out.Items[1]["status"])
	assert.Equal(t, []byte{0x01, 0x02}, e.writes["hci0/FA:6F:EC:EE:4B:36/180f/2a1a"])

	assert.Equal(t, "error", out.Items[2]["status"])
	assert.Contains(t, out.Items[2]["error"], "no session")

	assert.Equal(t, "error", out.Items[3]["status"])
	assert.Contains(t, out.Items[3]["error"], "unknown op")
}

func TestBatchRejectsEmptyAndBadBody(t *testing.T) {
	ts := testServer(&fakeEngine{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/ble/adapters/hci0/rw", "application/json", strings.NewReader(`{"items": []}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/ble/adapters/hci0/rw", "application/json", strings.NewReader(`not json`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
