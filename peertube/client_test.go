package peertube

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chat-bridge/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type events struct {
	mu       sync.Mutex
	live     []Message
	history  []Message
	retracts []Retraction
	closed   []error
}

func (e *events) handlers() Handlers {
	return Handlers{
		OnMessage: func(m Message) { e.mu.Lock(); e.live = append(e.live, m); e.mu.Unlock() },
		OnHistory: func(m Message) { e.mu.Lock(); e.history = append(e.history, m); e.mu.Unlock() },
		OnRetract: func(r Retraction) { e.mu.Lock(); e.retracts = append(e.retracts, r); e.mu.Unlock() },
		OnClose:   func(err error) { e.mu.Lock(); e.closed = append(e.closed, err); e.mu.Unlock() },
	}
}

func (e *events) snapshot() events {
	e.mu.Lock()
	defer e.mu.Unlock()
	return events{
		live:     append([]Message(nil), e.live...),
		history:  append([]Message(nil), e.history...),
		retracts: append([]Retraction(nil), e.retracts...),
		closed:   append([]error(nil), e.closed...),
	}
}

func openClient(t *testing.T, lc *testutil.MockLivechat, nick string, ev *events) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	opts := Options{Nickname: nick}
	if ev != nil {
		opts.Handlers = ev.handlers()
	}
	c, err := Open(ctx, lc.Instance(), lc.RoomID, opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDial_JoinsAndReportsSelf(t *testing.T) {
	lc := testutil.NewMockLivechat(t, "room")
	c := openClient(t, lc, "Twitch Receiver #3", nil)

	self := c.Self()
	assert.Equal(t, "Twitch Receiver #3", self.Nickname)
	assert.True(t, strings.HasPrefix(self.OccupantID, "occ-"))
	assert.Contains(t, lc.Nicknames(), "Twitch Receiver #3")
	require.Len(t, lc.Received("ANONYMOUS"), 1)
	assert.Len(t, lc.Received(`maxstanzas="20"`), 1)
}

func TestDial_NicknameConflict(t *testing.T) {
	lc := testutil.NewMockLivechat(t, "room")
	openClient(t, lc, "Alice (Twitch)", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Open(ctx, lc.Instance(), lc.RoomID, Options{Nickname: "Alice (Twitch)"})
	assert.ErrorIs(t, err, ErrNicknameConflict)
}

func TestDial_ContextCancelled(t *testing.T) {
	lc := testutil.NewMockLivechat(t, "room")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Open(ctx, lc.Instance(), lc.RoomID, Options{Nickname: "x"})
	assert.Error(t, err)
}

func TestSend_WaitsForReflection(t *testing.T) {
	lc := testutil.NewMockLivechat(t, "room")
	ev := &events{}
	receiver := openClient(t, lc, "receiver", ev)
	sender := openClient(t, lc, "Alice (Twitch)", nil)

	sent, err := sender.Send(context.Background(), "hello <world> & co")
	require.NoError(t, err)
	assert.NotEmpty(t, sent.OriginID)
	assert.True(t, strings.HasPrefix(sent.StanzaID, "sid-"))
	assert.Equal(t, sender.Self().OccupantID, sent.OccupantID)

	require.Eventually(t, func() bool { return len(ev.snapshot().live) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := ev.snapshot().live[0]
	assert.Equal(t, "hello <world> & co", got.Body)
	assert.Equal(t, sent.StanzaID, got.ID)
	assert.Equal(t, sent.OriginID, got.OriginID)
	require.NotNil(t, got.Author)
	assert.Equal(t, "Alice (Twitch)", got.Author.Nickname)
	assert.Equal(t, sent.OccupantID, got.Author.OccupantID)
	assert.NotEqual(t, receiver.Self().OccupantID, got.Author.OccupantID)
}

func TestHistoryIsDelivered(t *testing.T) {
	lc := testutil.NewMockLivechat(t, "room")
	lc.Inject("bob", "occ-bob", "earlier", "")
	lc.Inject("carol", "occ-carol", "before you came", "")

	ev := &events{}
	openClient(t, lc, "receiver", ev)
	require.Eventually(t, func() bool { return len(ev.snapshot().history) == 2 }, 2*time.Second, 10*time.Millisecond)
	snap := ev.snapshot()
	assert.Equal(t, "earlier", snap.history[0].Body)
	assert.Equal(t, "occ-carol", snap.history[1].Author.OccupantID)
	assert.Empty(t, snap.live)
}

func TestRetract(t *testing.T) {
	lc := testutil.NewMockLivechat(t, "room")
	ev := &events{}
	openClient(t, lc, "receiver", ev)
	sender := openClient(t, lc, "Alice (Twitch)", nil)

	sent, err := sender.Send(context.Background(), "oops")
	require.NoError(t, err)
	require.NoError(t, sender.Retract(context.Background(), sent.StanzaID))

	require.Eventually(t, func() bool { return len(lc.Received("urn:xmpp:message-retract:1")) == 1 }, 2*time.Second, 10*time.Millisecond)
	frames := lc.Received("urn:xmpp:message-retract:1")
	assert.Contains(t, frames[0], sent.StanzaID)
	assert.Contains(t, frames[0], "urn:xmpp:fasten:0")

	require.Eventually(t, func() bool { return len(ev.snapshot().retracts) == 1 }, 2*time.Second, 10*time.Millisecond)
	r := ev.snapshot().retracts[0]
	assert.Equal(t, sent.StanzaID, r.ID)
	assert.False(t, r.Moderated)
	require.NotNil(t, r.By)
	assert.Equal(t, sent.OccupantID, r.By.OccupantID)
	assert.Len(t, ev.snapshot().live, 1, "retraction fallback body must not surface as a message")
}

func TestModeratorRetraction(t *testing.T) {
	lc := testutil.NewMockLivechat(t, "room")
	ev := &events{}
	openClient(t, lc, "receiver", ev)
	lc.InjectRetract("sid-42")

	require.Eventually(t, func() bool { return len(ev.snapshot().retracts) == 1 }, 2*time.Second, 10*time.Millisecond)
	r := ev.snapshot().retracts[0]
	assert.Equal(t, "sid-42", r.ID)
	assert.True(t, r.Moderated)
	assert.Nil(t, r.By)
}

func TestPingIsAnswered(t *testing.T) {
	lc := testutil.NewMockLivechat(t, "room")
	openClient(t, lc, "receiver", nil)
	ids := lc.Ping()
	require.Len(t, ids, 1)
	assert.Eventually(t, func() bool { return lc.Ponged(ids[0]) }, 2*time.Second, 10*time.Millisecond)
}

func TestEmojisAreCached(t *testing.T) {
	lc := testutil.NewMockLivechat(t, "room", ":smile:")
	c := openClient(t, lc, "receiver", nil)
	list, err := c.Emojis(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{":smile:"}, list.Shortcodes())

	lc.Emojis = append(lc.Emojis, ":late:")
	list, err = c.Emojis(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestConnectionLoss(t *testing.T) {
	lc := testutil.NewMockLivechat(t, "room")
	ev := &events{}
	c := openClient(t, lc, "receiver", ev)

	lc.DropAll()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the dropped connection")
	}
	assert.Error(t, c.Err())
	assert.Eventually(t, func() bool { return len(ev.snapshot().closed) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err := c.Send(context.Background(), "late")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseIsQuiet(t *testing.T) {
	lc := testutil.NewMockLivechat(t, "room")
	ev := &events{}
	c := openClient(t, lc, "receiver", ev)
	require.NoError(t, c.Close())
	<-c.Done()
	assert.ErrorIs(t, c.Err(), ErrClosed)
	assert.Empty(t, ev.snapshot().closed)
	assert.Eventually(t, func() bool { return len(lc.Nicknames()) == 0 }, 2*time.Second, 10*time.Millisecond)
}
