package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelator_RelayThenDelete(t *testing.T) {
	c := NewCorrelator(0)
	assert.True(t, c.Begin("m1", "u1"))
	assert.False(t, c.Complete("m1", Entry{RemoteID: "r1", Author: "u1"}))
	assert.Equal(t, 1, c.Len())

	e, ok := c.Remove("m1")
	assert.True(t, ok)
	assert.Equal(t, "r1", e.RemoteID)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, c.PreDeleted())
}

func TestCorrelator_DeleteBeforeRelay(t *testing.T) {
	c := NewCorrelator(0)
	_, ok := c.Remove("m1")
	assert.False(t, ok)
	assert.Equal(t, 1, c.PreDeleted())

	assert.False(t, c.Begin("m1", "u1"), "pre-deleted message must not be relayed")
	assert.Equal(t, 0, c.PreDeleted())
	assert.Equal(t, 0, c.Len())
}

func TestCorrelator_DeleteWhileInFlight(t *testing.T) {
	c := NewCorrelator(0)
	assert.True(t, c.Begin("m1", "u1"))
	_, ok := c.Remove("m1")
	assert.False(t, ok)

	assert.True(t, c.Complete("m1", Entry{RemoteID: "r1"}), "completion after delete must be suppressed")
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, c.PreDeleted())
}

func TestCorrelator_FailForgets(t *testing.T) {
	c := NewCorrelator(0)
	c.Begin("m1", "u1")
	c.Remove("m1")
	c.Fail("m1")
	assert.Equal(t, 0, c.PreDeleted())
	assert.True(t, c.Begin("m1", "u1"))
}

func TestCorrelator_Alias(t *testing.T) {
	c := NewCorrelator(0)
	c.Alias("origin-1", "stanza-1")
	c.Begin("stanza-1", "occ")
	c.Complete("stanza-1", Entry{RemoteID: "tw-1"})

	e, ok := c.Remove("origin-1")
	assert.True(t, ok)
	assert.Equal(t, "tw-1", e.RemoteID)
	_, ok = c.Remove("stanza-1")
	assert.False(t, ok)
}

func TestCorrelator_AliasOfPreDeleted(t *testing.T) {
	c := NewCorrelator(0)
	c.Remove("origin-1")
	c.Alias("origin-1", "stanza-1")
	assert.False(t, c.Begin("stanza-1", "occ"))
}

func TestCorrelator_PreDeletedExpires(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewCorrelator(time.Minute)
	c.now = func() time.Time { return now }

	c.Remove("m1")
	now = now.Add(2 * time.Minute)
	assert.True(t, c.Begin("m1", "u1"), "stale pre-delete markers are dropped")
}

func TestCorrelator_RemoveByAuthor(t *testing.T) {
	c := NewCorrelator(0)
	for _, id := range []string{"a", "b"} {
		c.Begin(id, "u1")
		c.Complete(id, Entry{RemoteID: "r-" + id, Author: "u1"})
	}
	c.Begin("c", "u2")
	c.Complete("c", Entry{RemoteID: "r-c", Author: "u2"})
	c.Begin("d", "u1")

	got := c.RemoveByAuthor("u1", time.Time{})
	assert.Len(t, got, 2)
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Complete("d", Entry{RemoteID: "r-d", Author: "u1"}), "in-flight relay of a cleared user is suppressed")
}

func TestCorrelator_ClearedAuthor(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewCorrelator(time.Minute)
	c.now = func() time.Time { return now }

	banned := now.Add(-time.Second)
	c.RemoveByAuthor("u1", banned)
	assert.True(t, c.Cleared("u1", banned.Add(-time.Second)), "queued before the ban")
	assert.True(t, c.Cleared("u1", banned))
	assert.True(t, c.Cleared("u1", time.Time{}))
	assert.False(t, c.Cleared("u1", banned.Add(time.Second)), "sent after the timeout ended")
	assert.False(t, c.Cleared("u2", banned.Add(-time.Second)))

	now = now.Add(2 * time.Minute)
	assert.False(t, c.Cleared("u1", banned.Add(-time.Second)), "marks expire with the pre-delete window")
}

func TestCorrelator_EntriesExpire(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewCorrelator(0)
	c.now = func() time.Time { return now }

	c.Begin("old", "u1")
	c.Complete("old", Entry{RemoteID: "r-old", Author: "u1"})
	c.Alias("origin-old", "old")
	now = now.Add(DefaultEntryTTL - time.Minute)
	c.Begin("new", "u1")
	c.Complete("new", Entry{RemoteID: "r-new", Author: "u1"})
	assert.Equal(t, 2, c.Len())

	now = now.Add(2 * time.Minute)
	c.Begin("next", "u2")
	assert.Equal(t, 1, c.Len(), "entries older than the entry window are pruned")
	_, ok := c.Remove("origin-old")
	assert.False(t, ok)
	e, ok := c.Remove("new")
	require.True(t, ok)
	assert.Equal(t, "r-new", e.RemoteID)
}
