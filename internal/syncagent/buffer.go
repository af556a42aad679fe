package syncagent

import (
	"slices"
	"sync"

	"collabtext/internal/cursor"
)

// Buffer is the editor-side view an agent keeps up to date. Calls arrive
// from the agent's connection goroutine and must not call back into the
// agent.
type Buffer interface {
	SetText(text string)
	SetCursors(cursors []cursor.Remote)
}

// MemoryBuffer is a Buffer that only remembers the last values it was
// given.
type MemoryBuffer struct {
	mu      sync.Mutex
	text    string
	cursors []cursor.Remote
	writes  int
}

func (b *MemoryBuffer) SetText(text string) {
	b.mu.Lock()
	b.text = text
	b.writes++
	b.mu.Unlock()
}

func (b *MemoryBuffer) SetCursors(cursors []cursor.Remote) {
	b.mu.Lock()
	b.cursors = slices.Clone(cursors)
	b.mu.Unlock()
}

// Text returns the last text pushed to the buffer.
func (b *MemoryBuffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text
}

// Cursors returns the last cursor table pushed to the buffer.
func (b *MemoryBuffer) Cursors() []cursor.Remote {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.cursors)
}

// Writes counts SetText calls.
func (b *MemoryBuffer) Writes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}
