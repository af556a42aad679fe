package cursor

import (
	"slices"
	"sort"
	"strings"
	"sync"

	"collabtext/internal/protocol"
)

// Marker is drawn at each remote cursor by Render.
const Marker = "▏"

// Remote is the last known cursor of one collaborator.
type Remote struct {
	UserName     string `json:"userName"`
	LineNumber   int    `json:"lineNumber"`
	RawColumn    int    `json:"rawColumn"`
	VisualColumn int    `json:"visualColumn"`
	ColorSlot    int    `json:"colorSlot"`
}

// Table holds collaborators' cursors for one session. Entries are
// overwritten by each new frame from the same user.
type Table struct {
	mu      sync.RWMutex
	palette *Palette
	cursors map[string]Remote
}

// NewTable returns an empty table. A nil palette means NewPalette().
func NewTable(p *Palette) *Table {
	if p == nil {
		p = NewPalette()
	}
	return &Table{palette: p, cursors: make(map[string]Remote)}
}

// Palette returns the palette the table colors cursors with.
func (t *Table) Palette() *Palette {
	return t.palette
}

// Upsert records a cursor frame from user.
func (t *Table) Upsert(user string, pos protocol.Position) Remote {
	r := Remote{
		UserName:     user,
		LineNumber:   pos.LineNumber,
		RawColumn:    pos.Column,
		VisualColumn: pos.VisualColumn,
		ColorSlot:    t.palette.Slot(user),
	}
	t.mu.Lock()
	t.cursors[user] = r
	t.mu.Unlock()
	return r
}

// Get returns the cursor for user.
func (t *Table) Get(user string) (Remote, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.cursors[user]
	return r, ok
}

// Remove forgets user's cursor. The user's color slot is kept.
func (t *Table) Remove(user string) {
	t.mu.Lock()
	delete(t.cursors, user)
	t.mu.Unlock()
}

// Clear forgets every cursor.
func (t *Table) Clear() {
	t.mu.Lock()
	clear(t.cursors)
	t.mu.Unlock()
}

// All returns the cursors ordered by user name.
func (t *Table) All() []Remote {
	t.mu.RLock()
	out := make([]Remote, 0, len(t.cursors))
	for _, r := range t.cursors {
		out = append(out, r)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserName < out[j].UserName })
	return out
}

// Render returns text with a colored Marker inserted before the character
// at each cursor's visual column. Cursors on lines that no longer exist
// are skipped.
func (t *Table) Render(text string) string {
	lines := strings.Split(text, "\n")

	type mark struct {
		col  int
		user string
	}
	byLine := make(map[int][]mark)
	for _, r := range t.All() {
		if r.LineNumber < 1 || r.LineNumber > len(lines) {
			continue
		}
		col := r.VisualColumn
		if col < 1 {
			col = VisualColumn(lines[r.LineNumber-1], r.RawColumn)
		}
		byLine[r.LineNumber] = append(byLine[r.LineNumber], mark{col: col, user: r.UserName})
	}

	for n, marks := range byLine {
		runes := []rune(lines[n-1])
		// Insert right to left so earlier columns stay valid.
		sort.SliceStable(marks, func(i, j int) bool { return marks[i].col > marks[j].col })
		for _, m := range marks {
			at := min(m.col-1, len(runes))
			runes = slices.Insert(runes, at, []rune(t.palette.Color(m.user).Sprint(Marker))...)
		}
		lines[n-1] = string(runes)
	}
	return strings.Join(lines, "\n")
}

// At builds the position of the 1-based column on the 1-based line of
// text, as sent in a cursor frame.
func At(text string, line, column int) protocol.Position {
	lines := strings.Split(text, "\n")
	lineText := ""
	if line >= 1 && line <= len(lines) {
		lineText = lines[line-1]
	}
	return protocol.Position{
		LineNumber:   line,
		Column:       column,
		VisualColumn: VisualColumn(lineText, column),
	}
}

// FromOffset converts a 0-based character offset into text into a
// position. Offsets past the end land after the last character.
func FromOffset(text string, offset int) protocol.Position {
	line, col := 1, 1
	i := 0
	for _, r := range text {
		if i == offset {
			break
		}
		if r == '\n' {
			line++
			col = 1
		} else {
			col++
		}
		i++
	}
	return At(text, line, col)
}
