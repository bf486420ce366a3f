package nodeserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dhtlab/config"
	"dhtlab/transport"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.M = 8
	cfg.B = 2
	cfg.Timeout = 2 * time.Second
	return cfg
}

func postJSON(t *testing.T, url string, payload interface{}) map[string]interface{} {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	decoded["_status"] = float64(resp.StatusCode)
	return decoded
}

func getJSON(t *testing.T, url string) map[string]interface{} {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return decoded
}

// initSingleChord installs self-loop routing state on a one-peer ring.
func initSingleChord(t *testing.T, url string, id, m int) {
	t.Helper()
	fingers := make([]int, m)
	for i := range fingers {
		fingers[i] = id
	}
	reply := postJSON(t, url+"/init", map[string]interface{}{
		"successor":    id,
		"predecessor":  id,
		"finger_table": fingers,
	})
	require.Equal(t, "ok", reply["result"])
}

func TestHealthEndpoint(t *testing.T) {
	srv, err := New(10, ProtocolChord, testConfig(), nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	health := getJSON(t, ts.URL+"/health")
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(10), health["node_id"])
}

func TestChordMessageAndLocalStore(t *testing.T) {
	srv, err := New(10, ProtocolChord, testConfig(), nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	initSingleChord(t, ts.URL, 10, 8)

	// Insert through the message endpoint, read through /lookup.
	reply := postJSON(t, ts.URL+"/message", transport.Message{
		Type: transport.TypeInsert, Src: 10, Dst: 10, Key: "alpha", Value: "A",
	})
	assert.Equal(t, float64(http.StatusOK), reply["_status"])
	assert.Equal(t, true, reply["result"])

	lookup := postJSON(t, ts.URL+"/lookup", map[string]interface{}{"key": "alpha"})
	assert.Equal(t, []interface{}{"A"}, lookup["result"])

	del := postJSON(t, ts.URL+"/delete", map[string]interface{}{"key": "alpha"})
	assert.Equal(t, true, del["result"])
	lookup = postJSON(t, ts.URL+"/lookup", map[string]interface{}{"key": "alpha"})
	assert.Nil(t, lookup["result"])
}

func TestInfoAndStats(t *testing.T) {
	srv, err := New(10, ProtocolChord, testConfig(), nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	initSingleChord(t, ts.URL, 10, 8)

	postJSON(t, ts.URL+"/store", map[string]interface{}{"key": "alpha", "value": "A"})

	info := getJSON(t, ts.URL+"/info")
	assert.Equal(t, float64(10), info["node_id"])
	assert.Equal(t, "chord", info["protocol"])
	assert.Equal(t, float64(10), info["successor"])
	assert.Equal(t, float64(1), info["keys"])

	stats := getJSON(t, ts.URL+"/stats")
	assert.GreaterOrEqual(t, stats["request_count"], float64(2))

	reset := postJSON(t, ts.URL+"/reset_stats", map[string]interface{}{})
	assert.Equal(t, "ok", reset["result"])
	stats = getJSON(t, ts.URL+"/stats")
	assert.Equal(t, float64(0), stats["total_hops"])
}

func TestPastryRequiresInit(t *testing.T) {
	srv, err := New(10, ProtocolPastry, testConfig(), nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	reply := postJSON(t, ts.URL+"/message", transport.Message{
		Type: transport.TypeLookup, Src: 10, Dst: 10, Key: "alpha",
	})
	assert.Equal(t, float64(http.StatusInternalServerError), reply["_status"])
	assert.Contains(t, reply["error"], "not initialized")

	init := postJSON(t, ts.URL+"/init", map[string]interface{}{"all_nodes": []int{10}})
	assert.Equal(t, "ok", init["result"])

	reply = postJSON(t, ts.URL+"/message", transport.Message{
		Type: transport.TypeInsert, Src: 10, Dst: 10, Key: "alpha", Value: "A",
	})
	assert.Equal(t, true, reply["result"])
}

func TestUnknownProtocol(t *testing.T) {
	_, err := New(10, "kelips", testConfig(), nil)
	assert.Error(t, err)
}

func TestTwoChordServersRouteOverHTTP(t *testing.T) {
	cfg := testConfig()

	s1, err := New(10, ProtocolChord, cfg, nil)
	require.NoError(t, err)
	s2, err := New(200, ProtocolChord, cfg, nil)
	require.NoError(t, err)

	ts1 := httptest.NewServer(s1.Handler())
	defer ts1.Close()
	ts2 := httptest.NewServer(s2.Handler())
	defer ts2.Close()

	addr1 := strings.TrimPrefix(ts1.URL, "http://")
	addr2 := strings.TrimPrefix(ts2.URL, "http://")

	// Two-peer ring: each node's fingers resolve over the sorted pair.
	fingers1 := []int{200, 200, 200, 200, 200, 200, 200, 200}
	fingers2 := []int{10, 10, 10, 10, 10, 10, 10, 200}

	postJSON(t, ts1.URL+"/init", map[string]interface{}{
		"successor": 200, "predecessor": 200, "finger_table": fingers1,
		"peers": map[string]string{"200": addr2},
	})
	postJSON(t, ts2.URL+"/init", map[string]interface{}{
		"successor": 10, "predecessor": 10, "finger_table": fingers2,
		"peers": map[string]string{"10": addr1},
	})

	// Target 5 sits behind the wrap: node 10 must forward to 200, which
	// answers 10. The forward costs one hop on s1's transport.
	reply := postJSON(t, ts1.URL+"/message", transport.Message{
		Type: transport.TypeFindSuccessor, Src: 10, Dst: 10,
		Data: map[string]interface{}{"target_id": 5},
	})
	require.Equal(t, float64(http.StatusOK), reply["_status"], "error: %v", reply["error"])
	assert.Equal(t, float64(10), reply["result"])

	stats := getJSON(t, ts1.URL+"/stats")
	assert.Equal(t, float64(1), stats["total_hops"])

	// alpha hashes to 79, owned by 200: store there, read back remotely.
	reply = postJSON(t, ts1.URL+"/message", transport.Message{
		Type: transport.TypeFindSuccessor, Src: 10, Dst: 10,
		Data: map[string]interface{}{"target_id": 79},
	})
	assert.Equal(t, float64(200), reply["result"])

	postJSON(t, ts2.URL+"/insert", map[string]interface{}{"key": "alpha", "value": "A"})
	lookup := postJSON(t, ts2.URL+"/lookup", map[string]interface{}{"key": "alpha"})
	assert.Equal(t, []interface{}{"A"}, lookup["result"])
}

func TestWebSocketEndpoint(t *testing.T) {
	srv, err := New(10, ProtocolChord, testConfig(), nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	initSingleChord(t, ts.URL, 10, 8)

	tr := transport.NewWSTransport(2*time.Second, nil)
	defer tr.Close()
	tr.AddPeer(10, strings.TrimPrefix(ts.URL, "http://"))

	reply, err := tr.Send(transport.Message{
		Type: transport.TypeInsert, Src: 99, Dst: 10, Key: "omega", Value: "Z",
	}, true)
	require.NoError(t, err)
	assert.Equal(t, true, reply)

	reply, err = tr.Send(transport.Message{
		Type: transport.TypeLookup, Src: 99, Dst: 10, Key: "omega",
	}, true)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"Z"}, reply)

	// The HTTP surface sees the same storage.
	lookup := postJSON(t, ts.URL+"/lookup", map[string]interface{}{"key": "omega"})
	assert.Equal(t, []interface{}{"Z"}, lookup["result"])
}

func TestInfoCountsKeysAcrossManyStores(t *testing.T) {
	srv, err := New(10, ProtocolChord, testConfig(), nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	initSingleChord(t, ts.URL, 10, 8)

	for i := 0; i < 5; i++ {
		postJSON(t, ts.URL+"/store", map[string]interface{}{
			"key": fmt.Sprintf("key-%d", i), "value": i,
		})
	}

	info := getJSON(t, ts.URL+"/info")
	assert.Equal(t, float64(5), info["keys"])
}
