package peertube

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onnwee/chat-bridge/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchRoomConfig(t *testing.T) {
	lc := testutil.NewMockLivechat(t, "room-uuid", ":smile:")
	cfg, err := FetchRoomConfig(context.Background(), nil, lc.Instance(), "room-uuid")
	require.NoError(t, err)

	assert.Equal(t, "room-uuid@room.example", cfg.RoomJID)
	assert.Equal(t, "anon.example", cfg.Domain)
	assert.Equal(t, "ws://"+lc.Listener.Addr().String()+"/xmpp-websocket", cfg.WebsocketURL)
	assert.Equal(t, lc.URL+"/emojis.json", cfg.CustomEmojisURL)
	assert.Equal(t, "room-uuid@"+lc.Instance(), cfg.Key())
}

func TestFetchRoomConfig_UnknownRoom(t *testing.T) {
	lc := testutil.NewMockLivechat(t, "room-uuid")
	_, err := FetchRoomConfig(context.Background(), nil, lc.Instance(), "other")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestFetchRoomConfig_AnonymousDisabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"xmppServer":{"host":"p.example","room":"room.p.example"}}`))
	}))
	defer srv.Close()
	_, err := FetchRoomConfig(context.Background(), srv.Client(), srv.URL, "r")
	assert.ErrorIs(t, err, ErrAnonymousDisabled)
}

func TestFetchEmojis(t *testing.T) {
	lc := testutil.NewMockLivechat(t, "room-uuid", ":smile:", ":party_parrot:")
	list, err := FetchEmojis(context.Background(), nil, lc.URL+"/emojis.json")
	require.NoError(t, err)

	assert.Equal(t, []string{":smile:", ":party_parrot:"}, list.Shortcodes())
	u, ok := list.Lookup(":party_parrot:")
	assert.True(t, ok)
	assert.Equal(t, lc.URL+"/emoji/party_parrot.png", u)
	_, ok = list.Lookup(":nope:")
	assert.False(t, ok)
}

func TestFetchEmojis_NotFoundIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	list, err := FetchEmojis(context.Background(), srv.Client(), srv.URL+"/emojis.json")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestFetchEmojis_NoURL(t *testing.T) {
	list, err := FetchEmojis(context.Background(), nil, "")
	assert.NoError(t, err)
	assert.Nil(t, list)
}
