// Package emote maps emote names between the Twitch and PeerTube vocabularies.
//
// Translation is a best-effort lexical match: an exact name wins, otherwise
// the token is split into words (snake_case and camelCase boundaries) and the
// vocabulary entry sharing the most words is chosen. A miss is not an error;
// the caller keeps the original text.
package emote

import (
	"strings"
	"sync"
	"unicode"
)

// Platform names a vocabulary.
type Platform string

const (
	PlatformTwitch   Platform = "twitch"
	PlatformPeerTube Platform = "peertube"
)

type entry struct {
	name  string
	words []string
}

type vocabulary struct {
	entries []entry
	exact   map[string]struct{}
}

// Translator holds one vocabulary snapshot per platform. It is safe for
// concurrent use.
type Translator struct {
	mu    sync.RWMutex
	vocab map[Platform]*vocabulary
}

// New returns an empty Translator.
func New() *Translator {
	return &Translator{vocab: make(map[Platform]*vocabulary)}
}

// Update replaces the vocabulary of p. Order matters: on equal scores the
// earlier name wins.
func (t *Translator) Update(p Platform, names []string) {
	v := &vocabulary{
		entries: make([]entry, 0, len(names)),
		exact:   make(map[string]struct{}, len(names)),
	}
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, dup := v.exact[n]; dup {
			continue
		}
		v.exact[n] = struct{}{}
		v.entries = append(v.entries, entry{name: n, words: Decompose(n)})
	}
	t.mu.Lock()
	t.vocab[p] = v
	t.mu.Unlock()
}

// Names returns the vocabulary of p in order.
func (t *Translator) Names(p Platform) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v := t.vocab[p]
	if v == nil {
		return nil
	}
	out := make([]string, len(v.entries))
	for i, e := range v.entries {
		out[i] = e.name
	}
	return out
}

// Translate returns the name in p's vocabulary that best matches token.
func (t *Translator) Translate(p Platform, token string) (string, bool) {
	t.mu.RLock()
	v := t.vocab[p]
	t.mu.RUnlock()
	if v == nil || len(v.entries) == 0 {
		return "", false
	}
	if _, ok := v.exact[token]; ok {
		return token, true
	}

	words := Decompose(token)
	if len(words) == 0 {
		return "", false
	}
	bestExact, bestLoose := -1, -1
	maxExact, maxLoose := 0, 0
	for i, e := range v.entries {
		exact, loose := score(words, e.words)
		if exact > maxExact {
			maxExact, bestExact = exact, i
		}
		if loose > maxLoose {
			maxLoose, bestLoose = loose, i
		}
	}
	switch {
	case bestExact >= 0:
		return v.entries[bestExact].name, true
	case bestLoose >= 0:
		return v.entries[bestLoose].name, true
	}
	return "", false
}

// score counts the words of token found in candidate, once with exact case
// and once under Unicode case folding.
func score(token, candidate []string) (exact, loose int) {
	for _, w := range token {
		for _, c := range candidate {
			if w == c {
				exact++
				break
			}
		}
		for _, c := range candidate {
			if strings.EqualFold(w, c) {
				loose++
				break
			}
		}
	}
	return exact, loose
}

// Decompose splits an emote name into lower-cased words. Punctuation other
// than '_' is dropped; words break at '_' and at lower-to-upper case changes,
// so "PeepoHappy", "peepo_happy" and ":peepo_happy:" all yield [peepo happy].
func Decompose(name string) []string {
	var (
		words []string
		cur   strings.Builder
		prev  rune
	)
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, strings.ToLower(cur.String()))
			cur.Reset()
		}
	}
	for _, r := range name {
		switch {
		case r == '_':
			flush()
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if unicode.IsUpper(r) && unicode.IsLower(prev) {
				flush()
			}
			cur.WriteRune(r)
		default:
			continue
		}
		prev = r
	}
	flush()
	return words
}
