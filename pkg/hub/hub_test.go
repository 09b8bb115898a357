package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ApfelPresse/scratchlink-fakehub/pkg/microbit"
	"github.com/ApfelPresse/scratchlink-fakehub/pkg/protocol"
	"github.com/ApfelPresse/scratchlink-fakehub/pkg/wedo"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wireDoc struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Result  json.RawMessage `json:"result"`
	Params  struct {
		Name             string        `json:"name"`
		PeripheralID     string        `json:"peripheralId"`
		RSSI             int           `json:"rssi"`
		ServiceID        protocol.UUID `json:"serviceId"`
		CharacteristicID protocol.UUID `json:"characteristicId"`
		Message          string        `json:"message"`
	} `json:"params"`
}

func (d wireDoc) payload(t *testing.T) []byte {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(d.Params.Message)
	require.NoError(t, err)
	return raw
}

func newTestHub(t *testing.T, sensorInterval time.Duration) (*httptest.Server, *wedo.Device, *microbit.Device) {
	t.Helper()
	wd, err := wedo.New(wedo.Options{SensorInterval: sensorInterval},
		wedo.PortConfig{Port: 1, Kind: protocol.KindMotor},
		wedo.PortConfig{Port: 3, Kind: protocol.KindDistance},
	)
	require.NoError(t, err)
	mb := microbit.New(microbit.Options{HeartbeatInterval: -1})

	srv := httptest.NewServer(New("", wd, mb))
	t.Cleanup(srv.Close)
	t.Cleanup(wd.Stop)
	t.Cleanup(mb.Stop)
	return srv, wd, mb
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/scratch/ble"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, doc string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(doc)))
}

func readDoc(t *testing.T, ws *websocket.Conn) wireDoc {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var doc wireDoc
	require.NoError(t, json.Unmarshal(raw, &doc))
	return doc
}

// readUntil skips documents until pred matches, guarding against streams
// interleaving with the document under test.
func readUntil(t *testing.T, ws *websocket.Conn, pred func(wireDoc) bool) wireDoc {
	t.Helper()
	for i := 0; i < 50; i++ {
		doc := readDoc(t, ws)
		if pred(doc) {
			return doc
		}
	}
	t.Fatal("expected document never arrived")
	return wireDoc{}
}

func TestDiscoverAnnouncesDevices(t *testing.T) {
	srv, _, _ := newTestHub(t, time.Hour)
	ws := dial(t, srv)

	send(t, ws, `{"jsonrpc":"2.0","id":1,"method":"discover","params":{}}`)

	ack := readDoc(t, ws)
	assert.Equal(t, json.RawMessage(`1`), ack.ID)
	assert.JSONEq(t, `{}`, string(ack.Result))

	first := readDoc(t, ws)
	assert.Equal(t, protocol.MethodDidDiscoverPeripheral, first.Method)
	assert.Equal(t, "Fake-Wedo", first.Params.Name)
	assert.Equal(t, "FAKE-WEDO-1234", first.Params.PeripheralID)
	assert.Equal(t, -40, first.Params.RSSI)
	assert.Nil(t, first.ID)

	second := readDoc(t, ws)
	assert.Equal(t, "Fake-Microbit", second.Params.Name)
	assert.Equal(t, "FAKE-MICROBIT-5678", second.Params.PeripheralID)
}

func TestConnectAndSubscribePushesAttachFrames(t *testing.T) {
	srv, _, _ := newTestHub(t, time.Hour)
	ws := dial(t, srv)

	send(t, ws, `{"jsonrpc":"2.0","id":2,"method":"connect","params":{"peripheralId":"FAKE-WEDO-1234"}}`)
	ack := readDoc(t, ws)
	assert.Equal(t, json.RawMessage(`2`), ack.ID)

	send(t, ws, `{"jsonrpc":"2.0","id":"3","method":"startNotifications","params":{
		"serviceId":"00001523-1212-efde-1523-785feabcd123",
		"characteristicId":"00001527-1212-efde-1523-785feabcd123"}}`)

	ack = readDoc(t, ws)
	assert.Equal(t, json.RawMessage(`"3"`), ack.ID)

	motor := readDoc(t, ws)
	require.Equal(t, protocol.MethodCharacteristicDidChange, motor.Method)
	assert.Equal(t, []byte{1, 1, 0, 1, 0, 0, 0, 0x10, 0, 0, 0, 0x10}, motor.payload(t))

	distance := readDoc(t, ws)
	assert.Equal(t, []byte{3, 1, 1, 0x23, 0, 0, 0, 0x10, 0, 0, 0, 0x10}, distance.payload(t))
}

func TestMotorWriteReachesHook(t *testing.T) {
	srv, wd, _ := newTestHub(t, time.Hour)

	var mu sync.Mutex
	var got []int
	wd.OnMotorPower(func(port, power, direction int) {
		mu.Lock()
		defer mu.Unlock()
		got = []int{port, power, direction}
	})

	ws := dial(t, srv)
	send(t, ws, `{"jsonrpc":"2.0","id":10,"method":"write","params":{
		"serviceId":"00001523-1212-efde-1523-785feabcd123",
		"characteristicId":"00001565-1212-efde-1523-785feabcd123",
		"message":"AQAAZA==",
		"encoding":"base64"}}`)

	ack := readDoc(t, ws)
	assert.Equal(t, json.RawMessage(`10`), ack.ID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 100, 1}, got)
	assert.Equal(t, 100, wd.MotorPower(1))
}

func TestSensorStreamFlowsOverWebSocket(t *testing.T) {
	srv, wd, _ := newTestHub(t, 5*time.Millisecond)
	wd.SetDistance(42)

	ws := dial(t, srv)
	send(t, ws, `{"jsonrpc":"2.0","id":1,"method":"startNotifications","params":{
		"serviceId":"00004f0e-1212-efde-1523-785feabcd123",
		"characteristicId":"00001560-1212-efde-1523-785feabcd123"}}`)

	// Motor echo frames share the sensor characteristic, so select the
	// distance frame by its port byte.
	sensorChar := protocol.NewUUID("00001560-1212-efde-1523-785feabcd123")
	frame := readUntil(t, ws, func(d wireDoc) bool {
		if d.Method != protocol.MethodCharacteristicDidChange ||
			!d.Params.CharacteristicID.Equal(sensorChar) {
			return false
		}
		p, err := base64.StdEncoding.DecodeString(d.Params.Message)
		return err == nil && len(p) == 3 && p[1] == 3
	})
	assert.Equal(t, []byte{0x05, 3, 42}, frame.payload(t))
}

func TestMicrobitDisplayOverWebSocket(t *testing.T) {
	srv, _, mb := newTestHub(t, time.Hour)

	var mu sync.Mutex
	var texts []string
	mb.SetDisplayListener(textRecorder{mu: &mu, texts: &texts})

	ws := dial(t, srv)
	send(t, ws, `{"jsonrpc":"2.0","id":4,"method":"write","params":{
		"serviceId":61445,
		"characteristicId":"5261da02-fa7e-42ab-850b-7c80220097cc",
		"message":"gUhhbGxv",
		"encoding":"base64"}}`)

	ack := readDoc(t, ws)
	assert.Equal(t, json.RawMessage(`4`), ack.ID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Hallo"}, texts)
}

type textRecorder struct {
	microbit.LogDisplay
	mu    *sync.Mutex
	texts *[]string
}

func (r textRecorder) OnDisplayText(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.texts = append(*r.texts, text)
}

func TestDisconnectStopsStreams(t *testing.T) {
	srv, wd, _ := newTestHub(t, 5*time.Millisecond)

	ws := dial(t, srv)
	send(t, ws, `{"jsonrpc":"2.0","id":1,"method":"startNotifications","params":{
		"serviceId":"00004f0e-1212-efde-1523-785feabcd123",
		"characteristicId":"00001560-1212-efde-1523-785feabcd123"}}`)
	readDoc(t, ws)

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		return !wd.Streaming()
	}, time.Second, 5*time.Millisecond, "sensor stream should stop on disconnect")
}

func TestInfoPageForPlainHTTP(t *testing.T) {
	srv, _, _ := newTestHub(t, time.Hour)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "WebSocket")
}

func TestStartServesUntilCanceled(t *testing.T) {
	wd, err := wedo.New(wedo.Options{SensorInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(wd.Stop)

	s := New("127.0.0.1:0", wd)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != nil }, time.Second, 5*time.Millisecond)

	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+s.Addr().String()+"/scratch/ble", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	send(t, ws, `{"jsonrpc":"2.0","id":1,"method":"discover","params":{}}`)
	ack := readDoc(t, ws)
	assert.Equal(t, json.RawMessage(`1`), ack.ID)
	require.NoError(t, ws.Close())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}
