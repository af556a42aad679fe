package cursor

import (
	"fmt"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/protocol"
)

func TestVisualColumn(t *testing.T) {
	cases := []struct {
		line string
		raw  int
		want int
	}{
		{"abc", 1, 1},
		{"abc", 3, 3},
		{"abc", 4, 4},
		{"abc", 10, 4},
		{"a한b", 2, 2},
		{"a한b", 3, 3},
		{"a한b", 9, 4},
		{"", 1, 1},
		{"", 5, 1},
		{"abc", 0, 1},
		{"abc", -3, 1},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%q@%d", tc.line, tc.raw), func(t *testing.T) {
			assert.Equal(t, tc.want, VisualColumn(tc.line, tc.raw))
		})
	}
}

func TestDisplayWidth(t *testing.T) {
	assert.Equal(t, 0, DisplayWidth("a한b", 1))
	assert.Equal(t, 1, DisplayWidth("a한b", 2))
	assert.Equal(t, 3, DisplayWidth("a한b", 3))
	assert.Equal(t, 4, DisplayWidth("a한b", 4))
	assert.Equal(t, 4, DisplayWidth("a한b", 40))
}

func TestPaletteStable(t *testing.T) {
	p := NewPalette()
	first := p.Slot("alice")
	for range 10 {
		assert.Equal(t, first, p.Slot("alice"))
	}
	assert.Same(t, p.Color("alice"), p.Color("alice"))
}

func TestPaletteDistinctUntilExhausted(t *testing.T) {
	p := NewPalette(color.FgRed, color.FgGreen, color.FgBlue)
	seen := make(map[int]string)
	for _, u := range []string{"ann", "bo", "cy"} {
		slot := p.Slot(u)
		_, dup := seen[slot]
		require.False(t, dup, "slot %d reused by %s", slot, u)
		seen[slot] = u
	}

	// Palette is full: the next user shares, but still deterministically.
	extra := p.Slot("dee")
	assert.GreaterOrEqual(t, extra, 0)
	assert.Less(t, extra, p.Size())
	assert.Equal(t, extra, p.Slot("dee"))
}

func TestPaletteDeterministicAcrossSessions(t *testing.T) {
	a, b := NewPalette(), NewPalette()
	for _, u := range []string{"x", "y", "z", "w"} {
		assert.Equal(t, a.Slot(u), b.Slot(u))
	}
}

func TestTableUpsertOverwrites(t *testing.T) {
	tbl := NewTable(nil)
	first := tbl.Upsert("kim", protocol.Position{LineNumber: 1, Column: 2, VisualColumn: 2})
	second := tbl.Upsert("kim", protocol.Position{LineNumber: 4, Column: 1, VisualColumn: 1})

	assert.Equal(t, first.ColorSlot, second.ColorSlot)
	got, ok := tbl.Get("kim")
	require.True(t, ok)
	assert.Equal(t, 4, got.LineNumber)
	assert.Len(t, tbl.All(), 1)

	tbl.Remove("kim")
	_, ok = tbl.Get("kim")
	assert.False(t, ok)
}

func TestTableAllSorted(t *testing.T) {
	tbl := NewTable(nil)
	tbl.Upsert("zed", protocol.Position{LineNumber: 1, Column: 1})
	tbl.Upsert("amy", protocol.Position{LineNumber: 1, Column: 1})
	all := tbl.All()
	require.Len(t, all, 2)
	assert.Equal(t, "amy", all[0].UserName)
	assert.Equal(t, "zed", all[1].UserName)

	tbl.Clear()
	assert.Empty(t, tbl.All())
}

func TestRender(t *testing.T) {
	color.NoColor = true
	tbl := NewTable(nil)
	tbl.Upsert("a", protocol.Position{LineNumber: 1, Column: 2, VisualColumn: 2})
	tbl.Upsert("b", protocol.Position{LineNumber: 2, Column: 9, VisualColumn: 3})
	tbl.Upsert("gone", protocol.Position{LineNumber: 7, Column: 1, VisualColumn: 1})

	assert.Equal(t, "a"+Marker+"한b\nxy"+Marker, tbl.Render("a한b\nxy"))
}

func TestAt(t *testing.T) {
	pos := At("first\na한b", 2, 3)
	assert.Equal(t, protocol.Position{LineNumber: 2, Column: 3, VisualColumn: 3}, pos)

	pos = At("x", 5, 1)
	assert.Equal(t, 1, pos.VisualColumn)
}

func TestFromOffset(t *testing.T) {
	text := "ab\ncd"
	assert.Equal(t, protocol.Position{LineNumber: 1, Column: 1, VisualColumn: 1}, FromOffset(text, 0))
	assert.Equal(t, protocol.Position{LineNumber: 1, Column: 3, VisualColumn: 3}, FromOffset(text, 2))
	assert.Equal(t, protocol.Position{LineNumber: 2, Column: 1, VisualColumn: 1}, FromOffset(text, 3))
	assert.Equal(t, protocol.Position{LineNumber: 2, Column: 3, VisualColumn: 3}, FromOffset(text, 99))
}
