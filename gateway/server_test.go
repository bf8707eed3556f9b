package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/chat-bridge/testutil"
)

type viewer struct {
	t  *testing.T
	ws *websocket.Conn
}

func startGateway(t *testing.T, cfg Config, lc *testutil.MockLivechat) (*Hub, string) {
	t.Helper()
	hub := NewHub(cfg, PeerTubeDialer(lc.Client()), lc.Client())
	srv := httptest.NewServer(NewServer(hub))
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
}

func dialViewer(t *testing.T, wsURL string) *viewer {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return &viewer{t: t, ws: ws}
}

func (v *viewer) send(frame string) {
	v.t.Helper()
	require.NoError(v.t, v.ws.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (v *viewer) next() string {
	v.t.Helper()
	require.NoError(v.t, v.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := v.ws.ReadMessage()
	require.NoError(v.t, err)
	return string(data)
}

func decodeArg(t *testing.T, arg string) string {
	t.Helper()
	s, err := url.QueryUnescape(arg)
	require.NoError(t, err)
	return s
}

func TestServer_Commands(t *testing.T) {
	lc := testutil.NewMockLivechat(t, "room-1")
	_, wsURL := startGateway(t, Config{}, lc)
	v := dialViewer(t, wsURL)

	v.send("ping")
	assert.Equal(t, "pong", v.next())
	v.send("con " + lc.Instance())
	assert.Equal(t, "err no-args", v.next())
	v.send("img")
	assert.Equal(t, "err no-args", v.next())
	v.send("img :kappa:")
	assert.Equal(t, "img :kappa:", v.next(), "no room attached")
	v.send("hello")
	assert.Equal(t, "err unknown-command", v.next())
	v.send("dis")
	assert.Equal(t, "dis", v.next())
}

func TestServer_RelaysRoom(t *testing.T) {
	lc := testutil.NewMockLivechat(t, "room-1", ":kappa:", ":peepo_happy:")
	lc.Inject("alice", "occ-a", "before anyone watched", "")
	hub, wsURL := startGateway(t, Config{BacklogDelay: time.Millisecond, Intn: func(int) int { return 0 }}, lc)
	v := dialViewer(t, wsURL)

	v.send("con " + lc.Instance() + " room-1")
	con := strings.Fields(v.next())
	require.Len(t, con, 2)
	assert.Equal(t, "con", con[0])
	var codes []string
	require.NoError(t, json.Unmarshal([]byte(decodeArg(t, con[1])), &codes))
	assert.Equal(t, []string{":kappa:", ":peepo_happy:"}, codes)

	assert.Equal(t, "old occ-a alice before%20anyone%20watched", v.next())
	assert.Contains(t, lc.Nicknames(), "Twitch Bridge #1")

	lc.Inject("bob", "occ-b", "live & well", "")
	assert.Equal(t, "new occ-b bob live%20%26%20well", v.next())

	v.send("img :kappa:")
	img := strings.Fields(v.next())
	require.Len(t, img, 3)
	assert.Equal(t, ":kappa:", img[1])
	assert.True(t, strings.HasPrefix(img[2], "data:image/png;base64,"))
	assert.Equal(t, 1, hub.Rooms()["room-1@"+lc.Instance()].Emojis)

	// A second viewer shares the upstream and gets the backlog.
	w := dialViewer(t, wsURL)
	w.send("con " + lc.Instance() + " room-1")
	assert.True(t, strings.HasPrefix(w.next(), "con "))
	assert.Equal(t, "old occ-a alice before%20anyone%20watched", w.next())
	assert.Equal(t, "old occ-b bob live%20%26%20well", w.next())
	assert.Len(t, lc.Nicknames(), 1)
	assert.Equal(t, 2, hub.Rooms()["room-1@"+lc.Instance()].Viewers)

	v.send("dis")
	assert.Equal(t, "dis", v.next())
	w.send("dis")
	assert.Equal(t, "dis", w.next())
	require.Eventually(t, func() bool { return len(lc.Nicknames()) == 0 }, waitFor, tick)
	assert.Empty(t, hub.Rooms())
}

func TestServer_UnknownRoom(t *testing.T) {
	lc := testutil.NewMockLivechat(t, "room-1")
	_, wsURL := startGateway(t, Config{}, lc)
	v := dialViewer(t, wsURL)

	v.send("con " + lc.Instance() + " nope")
	assert.Equal(t, "err upstream", v.next())
}

func TestServer_IdleViewerIsClosed(t *testing.T) {
	lc := testutil.NewMockLivechat(t, "room-1")
	_, wsURL := startGateway(t, Config{IdleTimeout: 150 * time.Millisecond}, lc)
	v := dialViewer(t, wsURL)

	for i := 0; i < 3; i++ {
		time.Sleep(75 * time.Millisecond)
		v.send("ping")
		assert.Equal(t, "pong", v.next())
	}

	require.NoError(t, v.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := v.ws.ReadMessage()
	assert.Error(t, err)
}

func TestServer_Healthz(t *testing.T) {
	lc := testutil.NewMockLivechat(t, "room-1")
	hub := NewHub(Config{}, PeerTubeDialer(lc.Client()), lc.Client())
	rec := httptest.NewRecorder()
	NewServer(hub).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","rooms":{}}`, rec.Body.String())

	rec = httptest.NewRecorder()
	NewServer(hub).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
