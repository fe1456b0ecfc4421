package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XTFG/nezha-dash-v1/internal/pipeline"
	"github.com/XTFG/nezha-dash-v1/internal/testutil"
)

func dialLive(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/live/" + id
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) WSMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	var msg WSMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, ws *websocket.Conn, msgType string) WSMessage {
	t.Helper()
	for i := 0; i < 20; i++ {
		if msg := readMessage(t, ws); msg.Type == msgType {
			return msg
		}
	}
	require.FailNow(t, "no "+msgType+" frame")
	return WSMessage{}
}

func TestLiveFeed_StreamsUpdates(t *testing.T) {
	ts := newTestServer(t, false)
	require.NoError(t, ts.src.SetPayload(2, testutil.RecordsPayload(1, "hk", start, 60000, 10, 11, 12)))
	srv := httptest.NewServer(ts.e)
	defer srv.Close()

	sess, err := ts.sessions.StartSession(pipeline.Request{SubjectID: 2, Hours: 1})
	require.NoError(t, err)

	ws := dialLive(t, srv, sess.ID)
	connected := readMessage(t, ws)
	assert.Equal(t, MsgTypeConnected, connected.Type)
	assert.Equal(t, sess.ID, connected.ID)

	update := readUntil(t, ws, MsgTypeUpdate)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(update.Payload, &payload))
	assert.Equal(t, sess.ID, payload["sessionId"])
	result := payload["result"].(map[string]interface{})
	assert.Len(t, result["rows"], 3)
}

func TestLiveFeed_PingAndUnknownMessages(t *testing.T) {
	ts := newTestServer(t, false)
	require.NoError(t, ts.src.SetPayload(2, testutil.RecordsPayload(1, "hk", start, 60000, 10)))
	srv := httptest.NewServer(ts.e)
	defer srv.Close()

	sess, err := ts.sessions.StartSession(pipeline.Request{SubjectID: 2, Hours: 1})
	require.NoError(t, err)

	ws := dialLive(t, srv, sess.ID)
	readUntil(t, ws, MsgTypeConnected)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	readUntil(t, ws, MsgTypePong)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
	msg := readUntil(t, ws, MsgTypeError)
	var body WSErrorResponse
	require.NoError(t, json.Unmarshal(msg.Payload, &body))
	assert.Equal(t, "INVALID_TYPE", body.Code)
}

func TestLiveFeed_ClosedWhenSessionStops(t *testing.T) {
	ts := newTestServer(t, false)
	require.NoError(t, ts.src.SetPayload(2, testutil.RecordsPayload(1, "hk", start, 60000, 10)))
	srv := httptest.NewServer(ts.e)
	defer srv.Close()

	sess, err := ts.sessions.StartSession(pipeline.Request{SubjectID: 2, Hours: 1})
	require.NoError(t, err)

	ws := dialLive(t, srv, sess.ID)
	readUntil(t, ws, MsgTypeConnected)

	require.True(t, ts.sessions.StopSession(sess.ID))
	readUntil(t, ws, MsgTypeClosed)
}

func TestLiveFeed_UnknownSession(t *testing.T) {
	ts := newTestServer(t, false)
	srv := httptest.NewServer(ts.e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/live/missing"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
