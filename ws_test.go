package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsFrame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

func dialWS(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame wsFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.NotEmpty(t, frame.Timestamp, "every frame carries a timestamp")
	return frame
}

func decodeData[T any](t *testing.T, frame wsFrame) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(frame.Data, &out))
	return out
}

func sendMessage(t *testing.T, conn *websocket.Conn, typ string, data any) {
	t.Helper()
	msg := map[string]any{"type": typ}
	if data != nil {
		msg["data"] = data
	}
	require.NoError(t, conn.WriteJSON(msg))
}

func awaitConnected(t *testing.T, conn *websocket.Conn) connectedPayload {
	t.Helper()
	frame := readFrame(t, conn)
	require.Equal(t, "connected", frame.Type)
	return decodeData[connectedPayload](t, frame)
}

func TestConnectAck(t *testing.T) {
	_, ts := newTestServer(t, nil)

	conn := dialWS(t, ts, "/ws/payments")
	ack := awaitConnected(t, conn)

	assert.NotEmpty(t, ack.ID)
	assert.Equal(t, "payments", ack.Service)
}

func TestConnectDefaultScope(t *testing.T) {
	_, ts := newTestServer(t, nil)

	conn := dialWS(t, ts, "/ws")
	ack := awaitConnected(t, conn)
	assert.Equal(t, "default", ack.Service)
}

func TestConnectRejectsInvalidScope(t *testing.T) {
	_, ts := newTestServer(t, nil)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/bad%20name"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		resp.Body.Close()
	}
}

func TestRegisterUpdateGetFilters(t *testing.T) {
	_, ts := newTestServer(t, nil)

	conn := dialWS(t, ts, "/ws/payments")
	awaitConnected(t, conn)

	// before any register, the filter is just the scope key
	sendMessage(t, conn, "get_filters", nil)
	frame := readFrame(t, conn)
	require.Equal(t, "current_filters", frame.Type)
	assert.Equal(t, filter{"service": "payments"}, decodeData[filtersPayload](t, frame).Filters)

	sendMessage(t, conn, "register_filters", map[string]any{"business_id": 1, "region": "eu"})
	frame = readFrame(t, conn)
	require.Equal(t, "filters_registered", frame.Type)
	payload := decodeData[filtersPayload](t, frame)
	assert.Equal(t, "payments", payload.Service)
	assert.Equal(t, filter{"service": "payments", "business_id": 1.0, "region": "eu"}, payload.Filters)

	// update replaces wholesale
	sendMessage(t, conn, "update_filters", map[string]any{"business_id": 2})
	frame = readFrame(t, conn)
	require.Equal(t, "filters_updated", frame.Type)
	assert.Equal(t, filter{"service": "payments", "business_id": 2.0}, decodeData[filtersPayload](t, frame).Filters)

	sendMessage(t, conn, "get_filters", nil)
	frame = readFrame(t, conn)
	require.Equal(t, "current_filters", frame.Type)
	assert.Equal(t, filter{"service": "payments", "business_id": 2.0}, decodeData[filtersPayload](t, frame).Filters)
}

func TestPingPong(t *testing.T) {
	_, ts := newTestServer(t, nil)

	conn := dialWS(t, ts, "/ws/payments")
	awaitConnected(t, conn)

	sendMessage(t, conn, "ping", nil)
	frame := readFrame(t, conn)
	assert.Equal(t, "pong", frame.Type)
}

func TestUnknownMessageType(t *testing.T) {
	_, ts := newTestServer(t, nil)

	conn := dialWS(t, ts, "/ws/payments")
	awaitConnected(t, conn)

	sendMessage(t, conn, "bogus", nil)
	frame := readFrame(t, conn)
	require.Equal(t, "error", frame.Type)
	assert.Equal(t, "unknown type: bogus", decodeData[errorPayload](t, frame).Message)
}

func TestMalformedMessagesLeaveFiltersIntact(t *testing.T) {
	_, ts := newTestServer(t, nil)

	conn := dialWS(t, ts, "/ws/payments")
	awaitConnected(t, conn)

	sendMessage(t, conn, "register_filters", map[string]any{"x": 1})
	require.Equal(t, "filters_registered", readFrame(t, conn).Type)

	for _, raw := range []string{
		"not json at all",
		`{"type":"register_filters","data":"not an object"}`,
		`{"type":"register_filters"}`,
		`{"type":"register_filters","data":{"service":"spoofed"}}`,
		`{"type":"register_filters","data":{"x":{"nested":true}}}`,
	} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
		frame := readFrame(t, conn)
		assert.Equal(t, "error", frame.Type, "input %q must be rejected", raw)
	}

	// the earlier filter survives every rejected attempt
	sendMessage(t, conn, "get_filters", nil)
	frame := readFrame(t, conn)
	require.Equal(t, "current_filters", frame.Type)
	assert.Equal(t, filter{"service": "payments", "x": 1.0}, decodeData[filtersPayload](t, frame).Filters)
}

func TestEndToEndDelivery(t *testing.T) {
	s, ts := newTestServer(t, nil)

	conn := dialWS(t, ts, "/ws/payments")
	awaitConnected(t, conn)

	sendMessage(t, conn, "register_filters", map[string]any{"business_id": 1})
	require.Equal(t, "filters_registered", readFrame(t, conn).Type)

	resp := postJSON(t, ts.URL+"/emit", map[string]any{
		"service": "payments",
		"event":   "invoice_paid",
		"filter":  map[string]any{"business_id": 1},
		"payload": map[string]any{"invoice": "INV-1"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[emitResponse](t, resp)
	assert.Equal(t, 1, body.Attempted)
	assert.Equal(t, 1, body.Delivered)

	frame := readFrame(t, conn)
	assert.Equal(t, "invoice_paid", frame.Type)
	assert.Equal(t, map[string]any{"invoice": "INV-1"}, decodeData[map[string]any](t, frame))

	// a mismatched publish reaches nobody, and the subscriber sees nothing
	resp = postJSON(t, ts.URL+"/emit", map[string]any{
		"service": "payments",
		"event":   "invoice_paid",
		"filter":  map[string]any{"business_id": 2},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, decodeBody[emitResponse](t, resp).Delivered)

	// disconnect, wait for removal, publish again: delivered drops to zero
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return s.reg.stats().TotalClients == 0
	}, 2*time.Second, 10*time.Millisecond, "disconnect must remove the subscriber")

	resp = postJSON(t, ts.URL+"/emit", map[string]any{
		"service": "payments",
		"event":   "invoice_paid",
		"filter":  map[string]any{"business_id": 1},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody[emitResponse](t, resp)
	assert.Equal(t, 0, body.Attempted)
	assert.Equal(t, 0, body.Delivered)
}

func TestScopeIsolationEndToEnd(t *testing.T) {
	_, ts := newTestServer(t, nil)

	payments := dialWS(t, ts, "/ws/payments")
	awaitConnected(t, payments)
	orders := dialWS(t, ts, "/ws/orders")
	awaitConnected(t, orders)

	sendMessage(t, payments, "register_filters", map[string]any{"x": 1})
	require.Equal(t, "filters_registered", readFrame(t, payments).Type)
	sendMessage(t, orders, "register_filters", map[string]any{"x": 1})
	require.Equal(t, "filters_registered", readFrame(t, orders).Type)

	resp := postJSON(t, ts.URL+"/emit", map[string]any{
		"service": "payments",
		"event":   "evt",
		"filter":  map[string]any{"x": 1},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decodeBody[emitResponse](t, resp).Delivered)

	require.Equal(t, "evt", readFrame(t, payments).Type)

	// the orders subscriber must see nothing despite the matching attribute
	_ = orders.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var frame wsFrame
	err := orders.ReadJSON(&frame)
	assert.Error(t, err, "no frame may cross scopes")
}

func TestTypeSensitivityEndToEnd(t *testing.T) {
	_, ts := newTestServer(t, nil)

	conn := dialWS(t, ts, "/ws/payments")
	awaitConnected(t, conn)

	sendMessage(t, conn, "register_filters", map[string]any{"x": "1"})
	require.Equal(t, "filters_registered", readFrame(t, conn).Type)

	resp := postJSON(t, ts.URL+"/emit", map[string]any{
		"service": "payments",
		"event":   "evt",
		"filter":  map[string]any{"x": 1},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[emitResponse](t, resp)
	assert.Equal(t, 0, body.Attempted, `string "1" must not match numeric 1`)
}
