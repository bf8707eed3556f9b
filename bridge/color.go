package bridge

import (
	"math/rand/v2"
	"strings"
	"sync"
)

// Palette is the set of named chat colors available to non-Turbo accounts.
var Palette = []string{
	"blue",
	"blue_violet",
	"cadet_blue",
	"chocolate",
	"coral",
	"dodger_blue",
	"firebrick",
	"golden_rod",
	"green",
	"hot_pink",
	"orange_red",
	"red",
	"sea_green",
	"spring_green",
	"yellow_green",
}

var paletteHex = map[string]string{
	"#0000ff": "blue",
	"#8a2be2": "blue_violet",
	"#5f9ea0": "cadet_blue",
	"#d2691e": "chocolate",
	"#ff7f50": "coral",
	"#1e90ff": "dodger_blue",
	"#b22222": "firebrick",
	"#daa520": "golden_rod",
	"#008000": "green",
	"#ff69b4": "hot_pink",
	"#ff4500": "orange_red",
	"#ff0000": "red",
	"#2e8b57": "sea_green",
	"#00ff7f": "spring_green",
	"#9acd32": "yellow_green",
}

// NormalizeColor maps a Helix color (hex or name) to a palette name. Colors
// outside the palette are returned lower-cased.
func NormalizeColor(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	if name, ok := paletteHex[c]; ok {
		return name
	}
	return c
}

// ColorPicker remembers one color per author.
type ColorPicker struct {
	palette []string
	intn    func(n int) int

	mu       sync.Mutex
	assigned map[string]string
}

// NewColorPicker uses palette (Palette when empty) and intn for randomness
// (math/rand when nil).
func NewColorPicker(palette []string, intn func(n int) int) *ColorPicker {
	if len(palette) == 0 {
		palette = Palette
	}
	if intn == nil {
		intn = rand.IntN
	}
	return &ColorPicker{palette: palette, intn: intn, assigned: make(map[string]string)}
}

// Assign returns author's color, choosing one on first sight. A new choice
// never equals current as long as the palette has another color.
func (p *ColorPicker) Assign(author, current string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.assigned[author]; ok {
		return c
	}
	choices := p.palette
	if len(p.palette) > 1 {
		choices = make([]string, 0, len(p.palette))
		for _, c := range p.palette {
			if c != current {
				choices = append(choices, c)
			}
		}
	}
	c := choices[p.intn(len(choices))]
	p.assigned[author] = c
	return c
}

// Snapshot copies the assignments.
func (p *ColorPicker) Snapshot() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.assigned))
	for k, v := range p.assigned {
		out[k] = v
	}
	return out
}
