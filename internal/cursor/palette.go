package cursor

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/fatih/color"
)

// DefaultColors is the palette remote cursors are drawn from.
var DefaultColors = []color.Attribute{
	color.FgRed,
	color.FgGreen,
	color.FgYellow,
	color.FgBlue,
	color.FgMagenta,
	color.FgCyan,
	color.FgHiRed,
	color.FgHiGreen,
	color.FgHiYellow,
	color.FgHiBlue,
	color.FgHiMagenta,
	color.FgHiCyan,
}

// Palette assigns each user name a color slot. A name hashes to a
// preferred slot; if another name already holds it the next free slot is
// taken instead. Once assigned a slot never changes. Names only share a
// slot after every slot is in use.
type Palette struct {
	mu     sync.Mutex
	colors []*color.Color
	slots  map[string]int
	taken  []bool
	inUse  int
}

// NewPalette returns a palette over attrs, or DefaultColors if none given.
func NewPalette(attrs ...color.Attribute) *Palette {
	if len(attrs) == 0 {
		attrs = DefaultColors
	}
	colors := make([]*color.Color, len(attrs))
	for i, a := range attrs {
		colors[i] = color.New(a, color.Bold)
	}
	return &Palette{
		colors: colors,
		slots:  make(map[string]int),
		taken:  make([]bool, len(colors)),
	}
}

// Size returns the number of slots.
func (p *Palette) Size() int {
	return len(p.colors)
}

// Slot returns the slot for user, assigning one on first sight.
func (p *Palette) Slot(user string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if slot, ok := p.slots[user]; ok {
		return slot
	}

	n := len(p.colors)
	slot := int(xxhash.Sum64String(user) % uint64(n))
	if p.inUse < n {
		for p.taken[slot] {
			slot = (slot + 1) % n
		}
		p.taken[slot] = true
		p.inUse++
	}
	p.slots[user] = slot
	return slot
}

// Color returns the color for user.
func (p *Palette) Color(user string) *color.Color {
	return p.colors[p.Slot(user)]
}
