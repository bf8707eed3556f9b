package bridge

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/onnwee/chat-bridge/emote"
)

type match struct {
	start, end int
	name       string
}

// findEmotes returns the non-overlapping occurrences of names in text in
// ascending order. Longer names win over names they contain. With
// wholeToken set, a match must be delimited by whitespace or the text edges.
func findEmotes(text string, names []string, wholeToken bool) []match {
	var all []match
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		for off := 0; off < len(text); {
			i := strings.Index(text[off:], name)
			if i < 0 {
				break
			}
			start := off + i
			end := start + len(name)
			if !wholeToken || bounded(text, start, end) {
				all = append(all, match{start: start, end: end, name: name})
			}
			off = start + 1
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].start != all[j].start {
			return all[i].start < all[j].start
		}
		return all[i].end > all[j].end
	})
	out := all[:0]
	last := -1
	for _, m := range all {
		if m.start < last {
			continue
		}
		out = append(out, m)
		last = m.end
	}
	return out
}

func bounded(text string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:start])
		if !unicode.IsSpace(r) {
			return false
		}
	}
	if end < len(text) {
		r, _ := utf8.DecodeRuneInString(text[end:])
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// splice replaces matches back to front so offsets computed against the
// original text stay valid. Matches whose replacement is unknown are kept.
func splice(text string, matches []match, replace func(string) (string, bool)) string {
	out := text
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		repl, ok := replace(m.name)
		if !ok || repl == m.name {
			continue
		}
		out = out[:m.start] + repl + out[m.end:]
	}
	return out
}

// RewriteForPeerTube replaces Twitch emote names in text with the closest
// PeerTube shortcodes. The vocabulary is the translator's Twitch names plus
// extra (the message's own emote table).
func RewriteForPeerTube(tr *emote.Translator, text string, extra []string) string {
	names := append(tr.Names(emote.PlatformTwitch), extra...)
	matches := findEmotes(text, names, true)
	return splice(text, matches, func(name string) (string, bool) {
		return tr.Translate(emote.PlatformPeerTube, name)
	})
}

// RewriteForTwitch replaces PeerTube shortcodes in text with the closest
// Twitch emote names, padded with spaces so Twitch renders them.
func RewriteForTwitch(tr *emote.Translator, text string) string {
	matches := findEmotes(text, tr.Names(emote.PlatformPeerTube), false)
	out := splice(text, matches, func(name string) (string, bool) {
		t, ok := tr.Translate(emote.PlatformTwitch, name)
		if !ok {
			return "", false
		}
		return " " + t + " ", true
	})
	if out == text {
		return text
	}
	return strings.Join(strings.Fields(out), " ")
}
