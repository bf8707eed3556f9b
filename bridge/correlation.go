package bridge

import (
	"sync"
	"time"
)

const (
	// DefaultPreDeleteTTL bounds how long a deletion that arrived before its
	// message is remembered, and how long a cleared author's queued messages
	// keep being refused.
	DefaultPreDeleteTTL = 2 * time.Minute
	// DefaultEntryTTL bounds how long a relayed message stays deletable.
	DefaultEntryTTL = 6 * time.Hour

	entrySweepInterval = time.Minute
)

// Entry links a relayed message to what it produced on the other platform.
type Entry struct {
	RemoteID string
	// Author identifies who wrote the original: the Twitch user id for
	// messages mirrored to PeerTube, the PeerTube occupant id for messages
	// mirrored to Twitch.
	Author string
	At     time.Time
}

// Correlator is one direction's correlation table. Deletions for ids that are
// unknown or still being relayed are remembered as pre-deleted so the relay
// can be suppressed when it completes.
type Correlator struct {
	ttl      time.Duration
	entryTTL time.Duration
	now      func() time.Time

	mu         sync.Mutex
	entries    map[string]Entry
	inFlight   map[string]string // id -> author
	preDeleted map[string]time.Time
	aliases    map[string]string
	cleared    map[string]clearMark
	lastSweep  time.Time
}

// clearMark records a CLEARCHAT: messages sent up to before are refused until
// the mark, taken at marked, expires.
type clearMark struct {
	before time.Time
	marked time.Time
}

// NewCorrelator returns an empty table. ttl <= 0 means DefaultPreDeleteTTL.
func NewCorrelator(ttl time.Duration) *Correlator {
	if ttl <= 0 {
		ttl = DefaultPreDeleteTTL
	}
	return &Correlator{
		ttl:        ttl,
		entryTTL:   DefaultEntryTTL,
		now:        time.Now,
		entries:    make(map[string]Entry),
		inFlight:   make(map[string]string),
		preDeleted: make(map[string]time.Time),
		aliases:    make(map[string]string),
		cleared:    make(map[string]clearMark),
	}
}

// Alias makes deletions addressed to alias act on id.
func (c *Correlator) Alias(alias, id string) {
	if alias == "" || alias == id {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aliases[alias] = id
	if at, ok := c.preDeleted[alias]; ok {
		delete(c.preDeleted, alias)
		c.preDeleted[id] = at
	}
}

// Begin marks id as being relayed. It returns false when id was already
// deleted, in which case the caller must not relay it.
func (c *Correlator) Begin(id, author string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	if _, gone := c.preDeleted[id]; gone {
		delete(c.preDeleted, id)
		c.dropAliasesLocked(id)
		return false
	}
	c.inFlight[id] = author
	return true
}

// Complete stores the entry for id. suppress is true when id was deleted
// while in flight; the entry is then not stored and the caller must withdraw
// the remote copy.
func (c *Correlator) Complete(id string, e Entry) (suppress bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, id)
	if _, gone := c.preDeleted[id]; gone {
		delete(c.preDeleted, id)
		c.dropAliasesLocked(id)
		return true
	}
	if e.At.IsZero() {
		e.At = c.now()
	}
	c.entries[id] = e
	return false
}

// Fail forgets an in-flight id whose relay failed.
func (c *Correlator) Fail(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, id)
	delete(c.preDeleted, id)
	c.dropAliasesLocked(id)
}

// Remove consumes the entry for id (or an alias of it). When there is no
// entry yet, id is recorded as pre-deleted and ok is false.
func (c *Correlator) Remove(id string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	if target, ok := c.aliases[id]; ok {
		id = target
	}
	if e, ok := c.entries[id]; ok {
		delete(c.entries, id)
		c.dropAliasesLocked(id)
		return e, true
	}
	c.preDeleted[id] = c.now()
	return Entry{}, false
}

// RemoveByAuthor consumes every entry published by author and marks the
// author's in-flight relays as pre-deleted. Messages by author sent at or
// before at are refused by Cleared for the pre-delete window; a zero at means
// now.
func (c *Correlator) RemoveByAuthor(author string, at time.Time) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if at.IsZero() {
		at = now
	}
	c.cleared[author] = clearMark{before: at, marked: now}
	var out []Entry
	for id, e := range c.entries {
		if e.Author == author {
			out = append(out, e)
			delete(c.entries, id)
			c.dropAliasesLocked(id)
		}
	}
	for id, a := range c.inFlight {
		if a == author {
			c.preDeleted[id] = now
		}
	}
	return out
}

// Cleared reports whether a message by author sent at sent falls under a
// recent RemoveByAuthor. A message without a timestamp counts as cleared
// while the mark lasts.
func (c *Correlator) Cleared(author string, sent time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	m, ok := c.cleared[author]
	return ok && (sent.IsZero() || !sent.After(m.before))
}

// Len returns the number of stored entries.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// PreDeleted returns the number of remembered early deletions.
func (c *Correlator) PreDeleted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.preDeleted)
}

func (c *Correlator) dropAliasesLocked(id string) {
	for a, target := range c.aliases {
		if target == id {
			delete(c.aliases, a)
		}
	}
}

func (c *Correlator) sweepLocked() {
	now := c.now()
	cutoff := now.Add(-c.ttl)
	for id, at := range c.preDeleted {
		if at.Before(cutoff) {
			delete(c.preDeleted, id)
		}
	}
	for author, m := range c.cleared {
		if m.marked.Before(cutoff) {
			delete(c.cleared, author)
		}
	}
	if now.Sub(c.lastSweep) < entrySweepInterval {
		return
	}
	c.lastSweep = now
	oldest := now.Add(-c.entryTTL)
	for id, e := range c.entries {
		if e.At.Before(oldest) {
			delete(c.entries, id)
			c.dropAliasesLocked(id)
		}
	}
}
