package bridge

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestColorPicker_NeverRepeatsCurrent(t *testing.T) {
	for n := 2; n <= len(Palette); n++ {
		palette := Palette[:n]
		for seed := uint64(0); seed < 50; seed++ {
			r := rand.New(rand.NewPCG(seed, uint64(n)))
			p := NewColorPicker(palette, r.IntN)
			current := palette[int(seed)%n]
			for i := 0; i < 10; i++ {
				got := p.Assign(fmt.Sprintf("author-%d", i), current)
				assert.NotEqual(t, current, got, "n=%d seed=%d", n, seed)
				current = got
			}
		}
	}
}

func TestColorPicker_StablePerAuthor(t *testing.T) {
	p := NewColorPicker(nil, func(n int) int { return 0 })
	first := p.Assign("bob", "red")
	assert.Equal(t, "blue", first)
	assert.Equal(t, first, p.Assign("bob", "blue"), "existing authors keep their color")
	assert.Equal(t, map[string]string{"bob": "blue"}, p.Snapshot())
}

func TestColorPicker_SingleColorPalette(t *testing.T) {
	p := NewColorPicker([]string{"red"}, nil)
	assert.Equal(t, "red", p.Assign("bob", "red"))
}

func TestNormalizeColor(t *testing.T) {
	assert.Equal(t, "blue", NormalizeColor("#0000FF"))
	assert.Equal(t, "golden_rod", NormalizeColor("#DAA520"))
	assert.Equal(t, "#123456", NormalizeColor("#123456"))
	assert.Equal(t, "", NormalizeColor(""))
}
